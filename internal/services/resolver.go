package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/openlot/lotsync/internal/models"
	apperrors "github.com/openlot/lotsync/pkg/errors"
)

// DealerResolver maps a caller identity onto its registered dealer. A miss is
// retried once after a short delay to absorb registration races; a second miss
// surfaces ErrUnknownDealer so the orchestrator can try the fallback chain.
type DealerResolver struct {
	db         *gorm.DB
	retryDelay time.Duration
}

// NewDealerResolver constructs the resolver.
func NewDealerResolver(db *gorm.DB, retryDelay time.Duration) (*DealerResolver, error) {
	if db == nil {
		return nil, errors.New("dealer resolver: db is required")
	}
	if retryDelay <= 0 {
		retryDelay = 250 * time.Millisecond
	}
	return &DealerResolver{db: db, retryDelay: retryDelay}, nil
}

// Resolve looks up the dealer registered under the supplied identity.
func (r *DealerResolver) Resolve(ctx context.Context, identity string) (*models.Dealer, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, apperrors.ErrUnknownDealer
	}

	dealer, err := r.lookup(ctx, "identity_ref", identity)
	if err == nil {
		return dealer, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("dealer resolver: lookup %q: %w", identity, err)
	}

	// The dealer may still be mid-registration; wait briefly and retry once.
	timer := time.NewTimer(r.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	dealer, err = r.lookup(ctx, "identity_ref", identity)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrUnknownDealer
	}
	if err != nil {
		return nil, fmt.Errorf("dealer resolver: lookup %q: %w", identity, err)
	}
	return dealer, nil
}

// ResolveLegacy looks the identity up through the alternate registration path.
// Only the emergency fallback chain uses this.
func (r *DealerResolver) ResolveLegacy(ctx context.Context, identity string) (*models.Dealer, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, apperrors.ErrUnknownDealer
	}

	dealer, err := r.lookup(ctx, "legacy_identity_ref", identity)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrUnknownDealer
	}
	if err != nil {
		return nil, fmt.Errorf("dealer resolver: legacy lookup %q: %w", identity, err)
	}
	return dealer, nil
}

func (r *DealerResolver) lookup(ctx context.Context, column, identity string) (*models.Dealer, error) {
	var dealer models.Dealer
	err := r.db.WithContext(ctx).
		Where(column+" = ? AND active = ?", identity, true).
		First(&dealer).Error
	if err != nil {
		return nil, err
	}
	return &dealer, nil
}
