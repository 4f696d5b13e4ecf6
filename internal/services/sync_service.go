package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/openlot/lotsync/internal/models"
	"github.com/openlot/lotsync/internal/provider"
	"github.com/openlot/lotsync/internal/realtime"
	"github.com/openlot/lotsync/internal/resilience"
	appErrors "github.com/openlot/lotsync/pkg/errors"
	"github.com/openlot/lotsync/pkg/logger"
	"github.com/openlot/lotsync/pkg/metrics"
)

// ListingFetcher retrieves the complete remote inventory for one provider
// account. *provider.Pager is the production implementation.
type ListingFetcher interface {
	FetchAll(ctx context.Context, acct provider.Account, concurrent bool, onProgress provider.ProgressFunc) ([]provider.Listing, error)
}

// ProgressBroadcaster publishes refresh lifecycle events to subscribers.
// *realtime.Hub is the production implementation; nil disables broadcasting.
type ProgressBroadcaster interface {
	Broadcast(dealerID string, event realtime.Event)
}

// SyncConfig tunes orchestrated refresh behaviour.
type SyncConfig struct {
	// RefreshTimeout bounds one whole refresh run, fetch and persist included.
	RefreshTimeout time.Duration
	// ConcurrentFetch selects batched concurrent paging over the sequential walk.
	ConcurrentFetch bool
}

func (c SyncConfig) withDefaults() SyncConfig {
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 5 * time.Minute
	}
	return c
}

// InventoryRequest is one caller-facing inventory read.
type InventoryRequest struct {
	Identity string
	Filters  ListingFilters
	Sort     ListingSort
	Page     int
	PageSize int
}

// SyncOrchestrator is the cache-first entry point for inventory reads. Reads
// are served from the durable cache whenever anything is cached; a blocking
// remote fetch happens only when the cache is completely empty for the dealer.
// Aging cache triggers a background refresh without delaying the response.
type SyncOrchestrator struct {
	store    *InventoryStore
	logs     *SyncLogService
	resolver *DealerResolver
	fallback *FallbackChain
	fetcher  ListingFetcher
	guard    *resilience.MemoryGuard
	hub      ProgressBroadcaster

	cfg   SyncConfig
	group singleflight.Group
	log   *zap.Logger
}

// NewSyncOrchestrator wires the orchestrator. hub may be nil.
func NewSyncOrchestrator(
	store *InventoryStore,
	logs *SyncLogService,
	resolver *DealerResolver,
	fallback *FallbackChain,
	fetcher ListingFetcher,
	guard *resilience.MemoryGuard,
	hub ProgressBroadcaster,
	cfg SyncConfig,
) (*SyncOrchestrator, error) {
	if store == nil || logs == nil || resolver == nil || fallback == nil || fetcher == nil {
		return nil, fmt.Errorf("sync orchestrator: missing dependency")
	}
	if guard == nil {
		guard = resilience.NewMemoryGuard(resilience.MemoryGuardConfig{})
	}

	return &SyncOrchestrator{
		store:    store,
		logs:     logs,
		resolver: resolver,
		fallback: fallback,
		fetcher:  fetcher,
		guard:    guard,
		hub:      hub,
		cfg:      cfg.withDefaults(),
		log:      logger.WithModule("sync"),
	}, nil
}

// GetInventory serves one inventory page. Cached data always wins, stale or
// not; the remote provider is consulted synchronously only when the dealer has
// no cached rows at all. When both the cache and the provider come up empty
// the emergency fallback chain runs before an error is returned.
func (s *SyncOrchestrator) GetInventory(ctx context.Context, req InventoryRequest) (*QueryResult, error) {
	query := QueryInput{
		Filters:  req.Filters,
		Sort:     req.Sort,
		Page:     req.Page,
		PageSize: req.PageSize,
	}

	dealer, err := s.resolver.Resolve(ctx, req.Identity)
	if err != nil {
		if result, ok := s.fallback.Run(ctx, FallbackInput{RawIdentity: req.Identity, Query: query}); ok {
			return result, nil
		}
		return nil, appErrors.ErrUnknownDealer.WithInternal(err)
	}

	query.DealerID = dealer.ID
	query.ProviderAccountID = dealer.ProviderAccountID

	status := s.store.Status(ctx, dealer.ID, dealer.ProviderAccountID)
	if status.HasAny {
		result, err := s.store.Query(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("sync orchestrator: query cache: %w", err)
		}

		last := status.LastFetched
		result.Cache = CacheInfo{
			FromCache:      true,
			LastRefresh:    &last,
			StaleCacheUsed: status.IsStale,
		}
		metrics.CacheReads.WithLabelValues("hit").Inc()

		if status.NeedsRefresh {
			s.refreshInBackground(dealer)
		}
		return result, nil
	}

	// Empty cache: the one case worth making the caller wait.
	metrics.CacheReads.WithLabelValues("miss").Inc()
	if _, err := s.refreshShared(ctx, dealer, models.SyncKindFull); err != nil {
		classified := classifyRefreshError(err)

		if result, ok := s.fallback.Run(ctx, FallbackInput{RawIdentity: req.Identity, Dealer: dealer, Query: query}); ok {
			return result, nil
		}
		if classified.Code == appErrors.ErrProviderAuth.Code || classified.Code == appErrors.ErrAccountConfig.Code {
			return nil, classified
		}
		return nil, appErrors.ErrNoDataAvailable.WithInternal(err)
	}

	result, err := s.store.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sync orchestrator: query cache: %w", err)
	}
	result.Cache = CacheInfo{FromCache: false}
	return result, nil
}

// ForceRefresh runs a blocking full refresh for the dealer regardless of cache
// freshness and reports what changed.
func (s *SyncOrchestrator) ForceRefresh(ctx context.Context, identity string) (*UpsertResult, error) {
	dealer, err := s.resolver.Resolve(ctx, identity)
	if err != nil {
		return nil, appErrors.ErrUnknownDealer.WithInternal(err)
	}

	counts, err := s.refreshShared(ctx, dealer, models.SyncKindFull)
	if err != nil {
		return nil, classifyRefreshError(err)
	}
	return &counts, nil
}

// GetListing retrieves one cached listing with its dependent detail records.
func (s *SyncOrchestrator) GetListing(ctx context.Context, identity, externalID string) (*ListingDetail, error) {
	dealer, err := s.resolver.Resolve(ctx, identity)
	if err != nil {
		return nil, appErrors.ErrUnknownDealer.WithInternal(err)
	}
	return s.store.GetByID(ctx, dealer.ID, externalID)
}

// SyncHistory returns the dealer's most recent synchronization log entries.
func (s *SyncOrchestrator) SyncHistory(ctx context.Context, identity string, limit int) ([]models.SyncLog, error) {
	dealer, err := s.resolver.Resolve(ctx, identity)
	if err != nil {
		return nil, appErrors.ErrUnknownDealer.WithInternal(err)
	}
	return s.logs.Recent(ctx, dealer.ID, limit)
}

// Cleanup physically removes the dealer's stale listings older than maxAge,
// skipping rows still referenced by sale or service records. Returns the
// number of rows deleted.
func (s *SyncOrchestrator) Cleanup(ctx context.Context, identity string, maxAge time.Duration) (int64, error) {
	dealer, err := s.resolver.Resolve(ctx, identity)
	if err != nil {
		return 0, appErrors.ErrUnknownDealer.WithInternal(err)
	}
	return s.store.CleanupStale(ctx, dealer.ID, maxAge)
}

// refreshShared funnels concurrent refresh requests for the same dealer and
// account through a single in-flight run; late arrivals share its outcome.
// The run is detached from the triggering request's cancellation so one
// impatient caller cannot abort a refresh other callers are waiting on.
func (s *SyncOrchestrator) refreshShared(ctx context.Context, dealer *models.Dealer, kind string) (UpsertResult, error) {
	key := dealer.ID + "|" + dealer.ProviderAccountID

	v, err, _ := s.group.Do(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RefreshTimeout)
		defer cancel()
		return s.refresh(runCtx, dealer, kind)
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return v.(UpsertResult), nil
}

// refreshInBackground starts a freshness refresh without blocking the caller.
// Failures are logged and recorded in the sync log; the caller already has a
// usable cached response.
func (s *SyncOrchestrator) refreshInBackground(dealer *models.Dealer) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RefreshTimeout)
		defer cancel()

		if _, err := s.refreshShared(ctx, dealer, models.SyncKindPartial); err != nil {
			if errors.Is(err, resilience.ErrBreakerOpen) {
				return // expected while the account cools down, already logged
			}
			s.log.Warn("background refresh failed",
				zap.String("dealer_id", dealer.ID),
				zap.String("account_id", dealer.ProviderAccountID),
				zap.Error(err),
			)
		}
	}()
}

// refresh performs one synchronization run: fetch every remote page, replace
// the cached snapshot, and finalize the sync log entry exactly once. Log
// finalization uses a cancellation-free context so an expiring run deadline
// cannot leave the entry stuck in the running state.
func (s *SyncOrchestrator) refresh(ctx context.Context, dealer *models.Dealer, kind string) (UpsertResult, error) {
	if err := s.guard.Wait(ctx); err != nil {
		return UpsertResult{}, err
	}

	entry, err := s.logs.Open(ctx, dealer.ID, dealer.ProviderAccountID, kind)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("sync orchestrator: open sync log: %w", err)
	}

	metrics.RefreshInFlight.Inc()
	defer metrics.RefreshInFlight.Dec()

	log := logger.WithSyncKey("sync", dealer.ID, dealer.ProviderAccountID)
	log.Info("refresh started", zap.String("kind", kind))
	s.broadcast(dealer.ID, realtime.Event{Type: realtime.EventRefreshStarted})

	acct := provider.Account{
		ID:           dealer.ProviderAccountID,
		ClientID:     dealer.ProviderClientID,
		ClientSecret: dealer.ProviderClientSecret,
	}

	items, err := s.fetcher.FetchAll(ctx, acct, s.cfg.ConcurrentFetch, func(p provider.Progress) {
		s.broadcast(dealer.ID, realtime.Event{
			Type:             realtime.EventRefreshProgress,
			PagesDone:        p.PagesDone,
			TotalPages:       p.TotalPages,
			RemainingSeconds: p.Remaining.Seconds(),
		})
	})
	if err != nil {
		return UpsertResult{}, s.failRun(ctx, dealer.ID, entry.ID, kind, fmt.Errorf("sync orchestrator: fetch: %w", err))
	}

	counts, err := s.store.Upsert(ctx, dealer.ID, dealer.ProviderAccountID, items)
	if err != nil {
		return UpsertResult{}, s.failRun(ctx, dealer.ID, entry.ID, kind, fmt.Errorf("sync orchestrator: persist: %w", err))
	}

	if err := s.logs.Complete(context.WithoutCancel(ctx), entry.ID, counts); err != nil {
		s.log.Error("failed to finalize sync log", zap.String("sync_log_id", entry.ID), zap.Error(err))
	}

	metrics.RefreshRuns.WithLabelValues(kind, "success").Inc()
	log.Info("refresh completed",
		zap.Int("processed", counts.Processed),
		zap.Int("created", counts.Created),
		zap.Int("updated", counts.Updated),
		zap.Int("marked_stale", counts.MarkedStale),
	)
	s.broadcast(dealer.ID, realtime.Event{
		Type:        realtime.EventRefreshCompleted,
		Processed:   counts.Processed,
		Created:     counts.Created,
		Updated:     counts.Updated,
		MarkedStale: counts.MarkedStale,
	})

	return counts, nil
}

func (s *SyncOrchestrator) failRun(ctx context.Context, dealerID, logID, kind string, err error) error {
	if ferr := s.logs.Fail(context.WithoutCancel(ctx), logID, err.Error()); ferr != nil {
		s.log.Error("failed to finalize sync log", zap.String("sync_log_id", logID), zap.Error(ferr))
	}

	metrics.RefreshRuns.WithLabelValues(kind, "failure").Inc()
	s.broadcast(dealerID, realtime.Event{Type: realtime.EventRefreshFailed, Error: err.Error()})
	return err
}

func (s *SyncOrchestrator) broadcast(dealerID string, event realtime.Event) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(dealerID, event)
}
