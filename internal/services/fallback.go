package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openlot/lotsync/internal/models"
	"github.com/openlot/lotsync/pkg/logger"
	"github.com/openlot/lotsync/pkg/metrics"
)

// FallbackInput carries everything a fallback strategy may consult. Dealer is
// nil when identity resolution itself failed.
type FallbackInput struct {
	RawIdentity string
	Dealer      *models.Dealer
	Query       QueryInput
}

// FallbackStrategy is one step of the emergency fallback chain. It reports
// whether it produced a usable (non-empty) result.
type FallbackStrategy struct {
	Name string
	Run  func(ctx context.Context, in FallbackInput) (*QueryResult, bool)
}

// FallbackChain tries an ordered list of strategies until one yields data.
// It is the last line of defence when the remote provider is unreachable and
// the requested key has no cache of its own; any data beats an error page.
type FallbackChain struct {
	strategies []FallbackStrategy
	log        *zap.Logger
}

// NewFallbackChain builds the default chain: cached data for the same dealer
// under a different provider account, then cached data reachable through the
// alternate identity path.
func NewFallbackChain(store *InventoryStore, resolver *DealerResolver) *FallbackChain {
	chain := &FallbackChain{log: logger.WithModule("fallback")}

	chain.strategies = []FallbackStrategy{
		{
			Name: "same-dealer-other-account",
			Run: func(ctx context.Context, in FallbackInput) (*QueryResult, bool) {
				if in.Dealer == nil {
					return nil, false
				}
				return queryAnyAccount(ctx, store, in.Dealer, in.Query)
			},
		},
		{
			Name: "alternate-identity",
			Run: func(ctx context.Context, in FallbackInput) (*QueryResult, bool) {
				dealer, err := resolver.ResolveLegacy(ctx, in.RawIdentity)
				if err != nil {
					return nil, false
				}
				return queryAnyAccount(ctx, store, dealer, in.Query)
			},
		},
	}

	return chain
}

// Run walks the chain in order and returns the first non-empty result, marked
// as served from stale fallback cache.
func (c *FallbackChain) Run(ctx context.Context, in FallbackInput) (*QueryResult, bool) {
	for _, strategy := range c.strategies {
		result, ok := strategy.Run(ctx, in)
		if !ok {
			continue
		}

		c.log.Warn("serving emergency fallback cache",
			zap.String("strategy", strategy.Name),
			zap.String("identity", in.RawIdentity),
		)
		metrics.CacheReads.WithLabelValues("fallback").Inc()

		result.Cache.FromCache = true
		result.Cache.StaleCacheUsed = true
		return result, true
	}
	return nil, false
}

func queryAnyAccount(ctx context.Context, store *InventoryStore, dealer *models.Dealer, q QueryInput) (*QueryResult, bool) {
	q.DealerID = dealer.ID
	q.ProviderAccountID = "" // any account the dealer has cached data under

	result, err := store.Query(ctx, q)
	if err != nil || result.TotalResults == 0 {
		return nil, false
	}

	// The rows may come from any of the dealer's accounts, so the refresh
	// timestamp is taken from the served rows rather than the primary
	// account's freshness probe.
	var last time.Time
	for _, item := range result.Items {
		if item.LastFetchedAt.After(last) {
			last = item.LastFetchedAt
		}
	}
	if !last.IsZero() {
		result.Cache.LastRefresh = &last
	}
	return result, true
}
