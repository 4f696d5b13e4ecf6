package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openlot/lotsync/internal/resilience"
)

// staticTokens is a TokenSource that returns a fixed sequence of tokens and
// records invalidations.
type staticTokens struct {
	mu          sync.Mutex
	tokens      []string
	index       int
	invalidated int
}

func (s *staticTokens) Token(ctx context.Context, acct Account) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index >= len(s.tokens) {
		return s.tokens[len(s.tokens)-1], nil
	}
	return s.tokens[s.index], nil
}

func (s *staticTokens) Invalidate(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
	if s.index < len(s.tokens)-1 {
		s.index++
	}
}

// inventoryServer serves a fixed inventory of n listings split into pages.
func inventoryServer(t *testing.T, totalItems, pageSize int, calls *int32) *httptest.Server {
	t.Helper()

	totalPages := (totalItems + pageSize - 1) / pageSize
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		size, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
		require.Equal(t, pageSize, size)

		resp := PageResponse{TotalResults: totalItems, TotalPages: totalPages}
		start := (page - 1) * pageSize
		for i := start; i < start+pageSize && i < totalItems; i++ {
			resp.Results = append(resp.Results, Listing{ID: fmt.Sprintf("veh-%d", i)})
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestPager(srv *httptest.Server, creds TokenSource, cfg PagerConfig) *Pager {
	client := NewClient(ClientConfig{BaseURL: srv.URL, BaseDelay: time.Millisecond}, nil)
	breakers := resilience.NewRegistry(BreakerPolicy(resilience.BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         50 * time.Millisecond,
	}))
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = time.Millisecond
	}
	return NewPager(client, creds, breakers, cfg)
}

func TestPagerFetchesAllPagesSequentially(t *testing.T) {
	var calls int32
	srv := inventoryServer(t, 207, 100, &calls)
	defer srv.Close()

	pager := newTestPager(srv, &staticTokens{tokens: []string{"tok"}}, PagerConfig{PageSize: 100})

	items, err := pager.FetchAllSequential(context.Background(), Account{ID: "acct-1"})
	require.NoError(t, err)
	require.Len(t, items, 207)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))

	// Every item survives exactly once, in page order.
	require.Equal(t, "veh-0", items[0].ID)
	require.Equal(t, "veh-206", items[206].ID)
}

func TestPagerFetchesAllPagesConcurrently(t *testing.T) {
	srv := inventoryServer(t, 450, 100, nil)
	defer srv.Close()

	pager := newTestPager(srv, &staticTokens{tokens: []string{"tok"}}, PagerConfig{
		PageSize:  100,
		BatchSize: 2,
	})

	var progress []Progress
	items, err := pager.FetchAllConcurrent(context.Background(), Account{ID: "acct-1"}, func(p Progress) {
		progress = append(progress, p)
	})
	require.NoError(t, err)
	require.Len(t, items, 450)

	// Order is preserved across concurrently fetched batches.
	for i, item := range items {
		require.Equal(t, fmt.Sprintf("veh-%d", i), item.ID)
	}

	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	require.Equal(t, 5, last.PagesDone)
	require.Equal(t, 5, last.TotalPages)
}

func TestPagerConcurrentHandlesEmptyInventory(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(PageResponse{TotalResults: 0, TotalPages: 0})
	}))
	defer srv.Close()

	pager := newTestPager(srv, &staticTokens{tokens: []string{"tok"}}, PagerConfig{PageSize: 100})

	var progress []Progress
	items, err := pager.FetchAllConcurrent(context.Background(), Account{ID: "acct-1"}, func(p Progress) {
		progress = append(progress, p)
	})
	require.NoError(t, err)
	require.Empty(t, items)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	require.Len(t, progress, 1)
	require.Equal(t, 1, progress[0].PagesDone)
	require.Equal(t, 1, progress[0].TotalPages)
}

func TestPagerEnforcesPageCeiling(t *testing.T) {
	var calls int32
	srv := inventoryServer(t, 1000, 100, &calls)
	defer srv.Close()

	pager := newTestPager(srv, &staticTokens{tokens: []string{"tok"}}, PagerConfig{
		PageSize: 100,
		MaxPages: 3,
	})

	items, err := pager.FetchAllSequential(context.Background(), Account{ID: "acct-1"})
	require.NoError(t, err)
	require.Len(t, items, 300)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPagerRestartsAfterCredentialRejection(t *testing.T) {
	var unauthorized int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer stale" {
			atomic.AddInt32(&unauthorized, 1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(PageResponse{
			Results:      []Listing{{ID: "veh-0"}},
			TotalResults: 1,
			TotalPages:   1,
		})
	}))
	defer srv.Close()

	creds := &staticTokens{tokens: []string{"stale", "fresh"}}
	pager := newTestPager(srv, creds, PagerConfig{PageSize: 100})

	items, err := pager.FetchAll(context.Background(), Account{ID: "acct-1"}, false, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, int32(1), atomic.LoadInt32(&unauthorized))
	require.Equal(t, 1, creds.invalidated)
}

func TestPagerGivesUpAfterAuthRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := &staticTokens{tokens: []string{"bad"}}
	pager := newTestPager(srv, creds, PagerConfig{PageSize: 100, AuthRetries: 2})

	_, err := pager.FetchAll(context.Background(), Account{ID: "acct-1"}, false, nil)
	require.Error(t, err)
	require.True(t, IsAuthFailure(err))
	require.Equal(t, 3, creds.invalidated)
}

func TestPagerWaitsOutRateLimitThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(PageResponse{
			Results:      []Listing{{ID: "veh-0"}},
			TotalResults: 1,
			TotalPages:   1,
		})
	}))
	defer srv.Close()

	pager := newTestPager(srv, &staticTokens{tokens: []string{"tok"}}, PagerConfig{PageSize: 100})

	start := time.Now()
	items, err := pager.FetchAllSequential(context.Background(), Account{ID: "acct-1"})
	require.NoError(t, err)
	require.Len(t, items, 1)

	// The retry honoured the announced cooldown before reaching the provider.
	require.GreaterOrEqual(t, time.Since(start), time.Second)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPagerSkipsFailedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		resp := PageResponse{TotalResults: 300, TotalPages: 3}
		start := (page - 1) * 100
		for i := start; i < start+100; i++ {
			resp.Results = append(resp.Results, Listing{ID: fmt.Sprintf("veh-%d", i)})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	pager := newTestPager(srv, &staticTokens{tokens: []string{"tok"}}, PagerConfig{
		PageSize:  100,
		BatchSize: 1,
	})

	var progress []Progress
	items, err := pager.FetchAllConcurrent(context.Background(), Account{ID: "acct-1"}, func(p Progress) {
		progress = append(progress, p)
	})
	require.NoError(t, err)

	// Page 2 is missing but the run still returns the pages that worked.
	require.Len(t, items, 200)
	require.Equal(t, "veh-0", items[0].ID)
	require.Equal(t, "veh-200", items[100].ID)

	// The skipped page does not count as fetched in the reported progress.
	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	require.Equal(t, 2, last.PagesDone)
	require.Equal(t, 3, last.TotalPages)
}
