package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pageBody(t *testing.T, results int, totalResults, totalPages int) []byte {
	t.Helper()

	resp := PageResponse{TotalResults: totalResults, TotalPages: totalPages}
	for i := 0; i < results; i++ {
		resp.Results = append(resp.Results, Listing{ID: fmt.Sprintf("veh-%d", i)})
	}

	body, err := json.Marshal(resp)
	require.NoError(t, err)
	return body
}

func TestClientFetchPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/accounts/acct-1/listings", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "2", r.URL.Query().Get("page"))
		require.Equal(t, "50", r.URL.Query().Get("pageSize"))
		require.Equal(t, "record,media", r.URL.Query().Get("include"))

		w.Write(pageBody(t, 3, 103, 3))
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL}, nil)

	resp, err := client.FetchPage(context.Background(), "tok", "acct-1", 2, 50, []string{"record", "media"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	require.Equal(t, 103, resp.TotalResults)
	require.Equal(t, 3, resp.TotalPages)
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write(pageBody(t, 1, 1, 1))
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{
		BaseURL:     srv.URL,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, nil)

	resp, err := client.FetchPage(context.Background(), "tok", "acct-1", 1, 100, nil)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{
		BaseURL:     srv.URL,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, nil)

	_, err := client.FetchPage(context.Background(), "tok", "acct-1", 1, 100, nil)
	require.Error(t, err)
	require.True(t, IsTransient(err))
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"message": "unknown account"})
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL, BaseDelay: time.Millisecond}, nil)

	_, err := client.FetchPage(context.Background(), "tok", "missing", 1, 100, nil)
	require.Error(t, err)
	require.True(t, IsConfigError(err))
	require.False(t, IsTransient(err))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClientRateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL}, nil)

	_, err := client.FetchPage(context.Background(), "tok", "acct-1", 1, 100, nil)
	require.Error(t, err)
	require.True(t, IsRateLimited(err))
	require.Equal(t, 7*time.Second, RetryAfterHint(err))
}

func TestClientAuthFailureClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL}, nil)

	_, err := client.FetchPage(context.Background(), "expired", "acct-1", 1, 100, nil)
	require.Error(t, err)
	require.True(t, IsAuthFailure(err))
	require.False(t, IsConfigError(err))
	require.False(t, IsRateLimited(err))
}

func TestParseRetryAfter(t *testing.T) {
	require.Equal(t, 30*time.Second, parseRetryAfter("30"))
	require.Equal(t, time.Duration(0), parseRetryAfter(""))
	require.Equal(t, time.Duration(0), parseRetryAfter("garbage"))

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	require.Greater(t, d, 50*time.Second)
	require.LessOrEqual(t, d, time.Minute)
}
