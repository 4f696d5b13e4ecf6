package provider

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openlot/lotsync/internal/resilience"
	"github.com/openlot/lotsync/pkg/logger"
)

// Progress reports multi-page fetch advancement to interested observers.
type Progress struct {
	PagesDone  int           `json:"pages_done"`
	TotalPages int           `json:"total_pages"`
	Remaining  time.Duration `json:"remaining"`
}

// ProgressFunc receives a Progress snapshot after each completed batch.
type ProgressFunc func(Progress)

// PagerConfig tunes multi-page retrieval.
type PagerConfig struct {
	PageSize int
	// MaxPages caps total pages fetched per run to bound worst-case cost.
	MaxPages int
	// BatchSize is how many pages are fetched concurrently per batch.
	BatchSize int
	// BatchDelay spaces batches out to be considerate of the provider.
	BatchDelay time.Duration
	// AuthRetries is how many times a whole fetch is restarted after a
	// credential is invalidated and re-acquired.
	AuthRetries int
	// Include lists provider sub-sections requested with each page.
	Include []string
}

func (c PagerConfig) withDefaults() PagerConfig {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 200
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 3
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 500 * time.Millisecond
	}
	if c.AuthRetries <= 0 {
		c.AuthRetries = 2
	}
	return c
}

// BreakerPolicy completes a breaker configuration with the provider's error
// classification. Rate limits set a resume window without counting as
// failures, and configuration or auth errors never trip the breaker.
func BreakerPolicy(cfg resilience.BreakerConfig) resilience.BreakerConfig {
	cfg.Countable = IsTransient
	cfg.RateLimitDelay = RetryAfterHint
	return cfg
}

// Pager drives multi-page retrieval from the provider through the per-account
// circuit breaker and the retrying transport.
type Pager struct {
	client   *Client
	creds    TokenSource
	breakers *resilience.Registry
	batches  *rate.Limiter
	cfg      PagerConfig
	log      *zap.Logger
}

// NewPager constructs a pager over the supplied client and credential source.
func NewPager(client *Client, creds TokenSource, breakers *resilience.Registry, cfg PagerConfig) *Pager {
	cfg = cfg.withDefaults()
	return &Pager{
		client:   client,
		creds:    creds,
		breakers: breakers,
		batches:  rate.NewLimiter(rate.Every(cfg.BatchDelay), 1),
		cfg:      cfg,
		log:      logger.WithModule("pager"),
	}
}

// FetchAll retrieves every page for the account, invalidating and re-acquiring
// the credential when the provider rejects it mid-fetch. The whole fetch is
// restarted after a credential refresh, up to a small fixed number of times.
func (p *Pager) FetchAll(ctx context.Context, acct Account, concurrent bool, onProgress ProgressFunc) ([]Listing, error) {
	var lastErr error

	for attempt := 0; attempt <= p.cfg.AuthRetries; attempt++ {
		var (
			items []Listing
			err   error
		)
		if concurrent {
			items, err = p.FetchAllConcurrent(ctx, acct, onProgress)
		} else {
			items, err = p.FetchAllSequential(ctx, acct)
		}
		if err == nil {
			return items, nil
		}
		if !IsAuthFailure(err) {
			return nil, err
		}

		lastErr = err
		p.creds.Invalidate(acct.ID)
		p.log.Warn("credential rejected mid-fetch, re-acquiring",
			zap.String("account_id", acct.ID),
			zap.Int("attempt", attempt+1),
		)
	}

	return nil, lastErr
}

// FetchAllSequential fetches page 1, learns the page count, then walks the
// remaining pages one at a time. It stops early on an empty page and caps the
// walk at the configured ceiling.
func (p *Pager) FetchAllSequential(ctx context.Context, acct Account) ([]Listing, error) {
	first, err := p.fetchPage(ctx, acct, 1)
	if err != nil {
		return nil, err
	}

	items := append([]Listing(nil), first.Results...)
	total := p.capPages(acct, first.TotalPages)

	for page := 2; page <= total; page++ {
		resp, err := p.fetchPage(ctx, acct, page)
		if err != nil {
			return nil, err
		}
		if len(resp.Results) == 0 {
			break
		}
		items = append(items, resp.Results...)
	}

	return items, nil
}

// FetchAllConcurrent fetches page 1 to learn the total, then retrieves the
// remaining pages in fixed-size concurrent batches. A failed batch is logged
// and skipped rather than aborting the run: partial results are preferable to
// none. Progress (including an estimate of time remaining) is reported after
// each batch.
func (p *Pager) FetchAllConcurrent(ctx context.Context, acct Account, onProgress ProgressFunc) ([]Listing, error) {
	first, err := p.fetchPage(ctx, acct, 1)
	if err != nil {
		return nil, err
	}

	total := p.capPages(acct, first.TotalPages)
	if total < 2 {
		// An empty or single-page inventory is complete after the first call.
		report(onProgress, 1, 1, 0)
		return append([]Listing(nil), first.Results...), nil
	}

	pages := make([][]Listing, total+1)
	pages[1] = first.Results

	done := 1
	report(onProgress, done, total, 0)

	started := time.Now()
	for batchStart := 2; batchStart <= total; batchStart += p.cfg.BatchSize {
		if err := p.batches.Wait(ctx); err != nil {
			return nil, err
		}

		batchEnd := batchStart + p.cfg.BatchSize - 1
		if batchEnd > total {
			batchEnd = total
		}

		fetched, err := p.fetchBatch(ctx, acct, pages, batchStart, batchEnd)
		if err != nil {
			if IsAuthFailure(err) || ctx.Err() != nil {
				return nil, err
			}
			p.log.Warn("batch failed, skipping",
				zap.String("account_id", acct.ID),
				zap.Int("from_page", batchStart),
				zap.Int("to_page", batchEnd),
				zap.Error(err),
			)
		}

		// Skipped pages are not counted as done so the reported progress and
		// the time estimate reflect pages actually retrieved.
		done += fetched
		report(onProgress, done, total, estimateRemaining(started, done-1, total-1))
	}

	var items []Listing
	for _, page := range pages {
		items = append(items, page...)
	}
	return items, nil
}

func (p *Pager) fetchBatch(ctx context.Context, acct Account, pages [][]Listing, from, to int) (int, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fetched  int
		firstErr error
	)

	for page := from; page <= to; page++ {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()

			resp, err := p.fetchPage(ctx, acct, page)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			pages[page] = resp.Results
			fetched++
		}(page)
	}

	wg.Wait()
	return fetched, firstErr
}

// fetchPage performs one page call through the account's circuit breaker. A
// rate-limited response is retried once: the breaker itself blocks the retry
// until the announced cooldown elapses.
func (p *Pager) fetchPage(ctx context.Context, acct Account, page int) (*PageResponse, error) {
	for attempt := 0; ; attempt++ {
		token, err := p.creds.Token(ctx, acct)
		if err != nil {
			return nil, err
		}

		var resp *PageResponse
		err = p.breakers.Get(acct.ID).Execute(ctx, func() error {
			var callErr error
			resp, callErr = p.client.FetchPage(ctx, token, acct.ID, page, p.cfg.PageSize, p.cfg.Include)
			return callErr
		})
		if err != nil && IsRateLimited(err) && attempt == 0 {
			continue
		}
		return resp, err
	}
}

func (p *Pager) capPages(acct Account, total int) int {
	if total <= p.cfg.MaxPages {
		return total
	}
	p.log.Warn("page ceiling hit, truncating fetch",
		zap.String("account_id", acct.ID),
		zap.Int("total_pages", total),
		zap.Int("ceiling", p.cfg.MaxPages),
	)
	return p.cfg.MaxPages
}

func report(onProgress ProgressFunc, done, total int, remaining time.Duration) {
	if onProgress == nil {
		return
	}
	onProgress(Progress{PagesDone: done, TotalPages: total, Remaining: remaining})
}

func estimateRemaining(started time.Time, fetched, total int) time.Duration {
	if fetched <= 0 || fetched >= total {
		return 0
	}
	perPage := time.Since(started) / time.Duration(fetched)
	return perPage * time.Duration(total-fetched)
}
