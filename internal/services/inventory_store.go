package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/openlot/lotsync/internal/models"
	"github.com/openlot/lotsync/internal/provider"
	"github.com/openlot/lotsync/internal/resilience"
	apperrors "github.com/openlot/lotsync/pkg/errors"
	"github.com/openlot/lotsync/pkg/logger"
)

const (
	defaultPageSize = 25
	maxPageSize     = 200

	// markStaleChunk bounds the IN clause when flagging vanished listings.
	markStaleChunk = 500
)

// StalenessConfig holds the two time-based cache heuristics. Both are tuned
// empirically and configurable; RefreshAfter is always the shorter of the two.
type StalenessConfig struct {
	RefreshAfter time.Duration
	StaleAfter   time.Duration
}

func (c StalenessConfig) withDefaults() StalenessConfig {
	if c.RefreshAfter <= 0 {
		c.RefreshAfter = 15 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 6 * time.Hour
	}
	return c
}

// CacheStatus summarises what the cache holds for one dealer/account key.
type CacheStatus struct {
	HasAny        bool
	Count         int64
	LastFetched   time.Time
	OldestFetched time.Time
	IsStale       bool
	NeedsRefresh  bool
}

// ListingFilters narrows an inventory query. Zero values mean "no filter".
type ListingFilters struct {
	Make     string `form:"make" json:"make"`
	Model    string `form:"model" json:"model"`
	BodyType string `form:"body_type" json:"body_type"`
	Status   string `form:"status" json:"status"`

	YearMin       int   `form:"year_min" json:"year_min" validate:"omitempty,gte=1900"`
	YearMax       int   `form:"year_max" json:"year_max" validate:"omitempty,gte=1900"`
	MileageMax    int   `form:"mileage_max" json:"mileage_max" validate:"omitempty,gte=0"`
	PriceMinCents int64 `form:"price_min_cents" json:"price_min_cents" validate:"omitempty,gte=0"`
	PriceMaxCents int64 `form:"price_max_cents" json:"price_max_cents" validate:"omitempty,gte=0"`
}

// ListingSort enumerates the sortable fields.
type ListingSort string

const (
	SortUpdatedDesc ListingSort = "updated_desc"
	SortPriceAsc    ListingSort = "price_asc"
	SortPriceDesc   ListingSort = "price_desc"
	SortYearDesc    ListingSort = "year_desc"
	SortMileageAsc  ListingSort = "mileage_asc"
)

func (s ListingSort) orderClause() (string, bool) {
	switch s {
	case "", SortUpdatedDesc:
		return "last_fetched_at DESC", true
	case SortPriceAsc:
		return "price_cents ASC", true
	case SortPriceDesc:
		return "price_cents DESC", true
	case SortYearDesc:
		return "year DESC", true
	case SortMileageAsc:
		return "mileage ASC", true
	default:
		return "", false
	}
}

// QueryInput describes one inventory read. An empty ProviderAccountID matches
// listings cached under any of the dealer's accounts, which the emergency
// fallback chain relies on.
type QueryInput struct {
	DealerID          string
	ProviderAccountID string
	Filters           ListingFilters
	Sort              ListingSort
	Page              int
	PageSize          int
}

// CacheInfo tells callers how a result set was produced.
type CacheInfo struct {
	FromCache      bool       `json:"from_cache"`
	LastRefresh    *time.Time `json:"last_refresh,omitempty"`
	StaleCacheUsed bool       `json:"stale_cache_used"`
}

// QueryResult is one page of cached listings plus pagination totals.
type QueryResult struct {
	Items        []models.Listing `json:"items"`
	TotalResults int64            `json:"total_results"`
	TotalPages   int              `json:"total_pages"`
	Page         int              `json:"page"`
	PageSize     int              `json:"page_size"`
	Cache        CacheInfo        `json:"cache"`
}

// UpsertResult counts what one refresh changed.
type UpsertResult struct {
	Processed   int `json:"processed"`
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	MarkedStale int `json:"marked_stale"`
}

// ListingDetail is a point lookup joined with dependent detail records.
type ListingDetail struct {
	Listing  models.Listing         `json:"listing"`
	Sales    []models.SaleRecord    `json:"sales,omitempty"`
	Services []models.ServiceRecord `json:"services,omitempty"`
}

// InventoryStore reads and writes the durable listing cache. Write paths run
// through the connection limiter; read paths answer directly.
type InventoryStore struct {
	db        *gorm.DB
	limiter   *resilience.ConnectionLimiter
	staleness StalenessConfig
	batchSize int
	now       func() time.Time
	log       *zap.Logger
}

// NewInventoryStore constructs the cache store.
func NewInventoryStore(db *gorm.DB, limiter *resilience.ConnectionLimiter, staleness StalenessConfig) (*InventoryStore, error) {
	if db == nil {
		return nil, errors.New("inventory store: db is required")
	}
	if limiter == nil {
		return nil, errors.New("inventory store: connection limiter is required")
	}
	return &InventoryStore{
		db:        db,
		limiter:   limiter,
		staleness: staleness.withDefaults(),
		batchSize: 100,
		now:       time.Now,
		log:       logger.WithModule("inventory-store"),
	}, nil
}

// Status aggregates cache freshness for the key. It never fails hard: on a
// storage error it reports "no cache" so callers fall through to a remote
// fetch instead of surfacing a read-path failure.
func (s *InventoryStore) Status(ctx context.Context, dealerID, accountID string) CacheStatus {
	var row struct {
		Count  int64
		Oldest *time.Time
		Newest *time.Time
	}

	err := s.db.WithContext(ctx).
		Model(&models.Listing{}).
		Select("COUNT(*) AS count, MIN(last_fetched_at) AS oldest, MAX(last_fetched_at) AS newest").
		Where("dealer_id = ? AND provider_account_id = ? AND stale = ?", dealerID, accountID, false).
		Scan(&row).Error
	if err != nil {
		s.log.Warn("cache status query failed, treating as no cache",
			zap.String("dealer_id", dealerID),
			zap.String("account_id", accountID),
			zap.Error(err),
		)
		return CacheStatus{}
	}

	if row.Count == 0 || row.Newest == nil {
		return CacheStatus{}
	}

	age := s.now().Sub(*row.Newest)
	status := CacheStatus{
		HasAny:       true,
		Count:        row.Count,
		LastFetched:  *row.Newest,
		IsStale:      age > s.staleness.StaleAfter,
		NeedsRefresh: age > s.staleness.RefreshAfter,
	}
	if row.Oldest != nil {
		status.OldestFetched = *row.Oldest
	}
	return status
}

// Query returns one page of non-stale listings matching the filters, with a
// stable order for a fixed filter set.
func (s *InventoryStore) Query(ctx context.Context, in QueryInput) (*QueryResult, error) {
	order, ok := in.Sort.orderClause()
	if !ok {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("unsupported sort %q", in.Sort))
	}

	page := in.Page
	if page < 1 {
		page = 1
	}
	pageSize := in.PageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	query := s.filteredQuery(ctx, in)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("inventory store: count listings: %w", err)
	}

	var items []models.Listing
	err := query.
		Order(order).
		Order("id").
		Limit(pageSize).
		Offset((page - 1) * pageSize).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("inventory store: list listings: %w", err)
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))

	return &QueryResult{
		Items:        items,
		TotalResults: total,
		TotalPages:   totalPages,
		Page:         page,
		PageSize:     pageSize,
	}, nil
}

func (s *InventoryStore) filteredQuery(ctx context.Context, in QueryInput) *gorm.DB {
	query := s.db.WithContext(ctx).
		Model(&models.Listing{}).
		Where("dealer_id = ? AND stale = ?", in.DealerID, false)

	if in.ProviderAccountID != "" {
		query = query.Where("provider_account_id = ?", in.ProviderAccountID)
	}

	f := in.Filters
	if f.Make != "" {
		query = query.Where("make = ?", f.Make)
	}
	if f.Model != "" {
		query = query.Where("model = ?", f.Model)
	}
	if f.BodyType != "" {
		query = query.Where("body_type = ?", f.BodyType)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.YearMin > 0 {
		query = query.Where("year >= ?", f.YearMin)
	}
	if f.YearMax > 0 {
		query = query.Where("year <= ?", f.YearMax)
	}
	if f.MileageMax > 0 {
		query = query.Where("mileage <= ?", f.MileageMax)
	}
	if f.PriceMinCents > 0 {
		query = query.Where("price_cents >= ?", f.PriceMinCents)
	}
	if f.PriceMaxCents > 0 {
		query = query.Where("price_cents <= ?", f.PriceMaxCents)
	}

	return query
}

// Upsert folds a freshly fetched item set into the cache for the key. Existing
// rows are overwritten in place, new rows inserted in bounded batches (falling
// back to per-row inserts so one malformed record cannot block the rest), and
// rows absent from the incoming set are marked stale, never deleted.
func (s *InventoryStore) Upsert(ctx context.Context, dealerID, accountID string, items []provider.Listing) (UpsertResult, error) {
	var result UpsertResult

	err := s.limiter.Do(ctx, func(ctx context.Context) error {
		existing, err := s.loadExistingIDs(ctx, dealerID, accountID)
		if err != nil {
			return err
		}

		now := s.now()
		seen := make(map[string]struct{}, len(items))
		var toCreate []models.Listing

		for _, item := range items {
			if item.ID == "" {
				s.log.Warn("skipping listing without external id",
					zap.String("dealer_id", dealerID),
					zap.String("account_id", accountID),
				)
				continue
			}
			if _, dup := seen[item.ID]; dup {
				continue
			}
			seen[item.ID] = struct{}{}
			result.Processed++

			rowID, exists := existing[item.ID]
			if exists {
				if err := s.overwriteRow(ctx, rowID, item, now); err != nil {
					return fmt.Errorf("inventory store: update listing %s: %w", item.ID, err)
				}
				result.Updated++
				continue
			}

			toCreate = append(toCreate, newListingRow(dealerID, accountID, item, now))
		}

		created, err := s.insertBatched(ctx, toCreate)
		if err != nil {
			return err
		}
		result.Created = created

		var vanished []string
		for externalID, rowID := range existing {
			if _, ok := seen[externalID]; !ok {
				vanished = append(vanished, rowID)
			}
		}
		marked, err := s.markStale(ctx, vanished, now)
		if err != nil {
			return err
		}
		result.MarkedStale = marked

		return nil
	})

	return result, err
}

func (s *InventoryStore) loadExistingIDs(ctx context.Context, dealerID, accountID string) (map[string]string, error) {
	var rows []struct {
		ID         string
		ExternalID string
	}
	err := s.db.WithContext(ctx).
		Model(&models.Listing{}).
		Select("id, external_id").
		Where("dealer_id = ? AND provider_account_id = ? AND stale = ?", dealerID, accountID, false).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("inventory store: load existing ids: %w", err)
	}

	existing := make(map[string]string, len(rows))
	for _, row := range rows {
		existing[row.ExternalID] = row.ID
	}
	return existing, nil
}

func (s *InventoryStore) overwriteRow(ctx context.Context, rowID string, item provider.Listing, now time.Time) error {
	updates := map[string]any{
		"make":            item.Make,
		"model":           item.Model,
		"body_type":       item.BodyType,
		"year":            item.Year,
		"mileage":         item.Mileage,
		"price_cents":     item.PriceCents,
		"status":          item.Status,
		"remote_version":  item.Version,
		"last_fetched_at": now,
		"stale":           false,
		"stale_since":     nil,
		"payload":         datatypes.JSON(item.Record),
		"media_payload":   datatypes.JSON(item.Media),
		"spec_payload":    datatypes.JSON(item.Specs),
	}
	return s.db.WithContext(ctx).
		Model(&models.Listing{}).
		Where("id = ?", rowID).
		Updates(updates).Error
}

func (s *InventoryStore) insertBatched(ctx context.Context, rows []models.Listing) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	err := s.db.WithContext(ctx).CreateInBatches(&rows, s.batchSize).Error
	if err == nil {
		return len(rows), nil
	}

	// One bad record must not block the rest: retry row by row.
	s.log.Warn("batch insert failed, falling back to per-row inserts", zap.Error(err))

	created := 0
	for i := range rows {
		row := rows[i]
		if rowErr := s.db.WithContext(ctx).Create(&row).Error; rowErr != nil {
			s.log.Warn("listing insert failed, skipping record",
				zap.String("external_id", row.ExternalID),
				zap.Error(rowErr),
			)
			continue
		}
		created++
	}
	return created, nil
}

func (s *InventoryStore) markStale(ctx context.Context, rowIDs []string, now time.Time) (int, error) {
	marked := 0
	for start := 0; start < len(rowIDs); start += markStaleChunk {
		end := start + markStaleChunk
		if end > len(rowIDs) {
			end = len(rowIDs)
		}

		res := s.db.WithContext(ctx).
			Model(&models.Listing{}).
			Where("id IN ?", rowIDs[start:end]).
			Updates(map[string]any{"stale": true, "stale_since": now})
		if res.Error != nil {
			return marked, fmt.Errorf("inventory store: mark stale: %w", res.Error)
		}
		marked += int(res.RowsAffected)
	}
	return marked, nil
}

// GetByID performs a point lookup, excluding stale rows, and joins the
// dependent sale and service detail tables read-only.
func (s *InventoryStore) GetByID(ctx context.Context, dealerID, externalID string) (*ListingDetail, error) {
	var listing models.Listing
	err := s.db.WithContext(ctx).
		Where("dealer_id = ? AND external_id = ? AND stale = ?", dealerID, externalID, false).
		First(&listing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("inventory store: get listing: %w", err)
	}

	detail := &ListingDetail{Listing: listing}

	if err := s.db.WithContext(ctx).
		Where("dealer_id = ? AND listing_external_id = ?", dealerID, externalID).
		Order("sold_at DESC").
		Find(&detail.Sales).Error; err != nil {
		return nil, fmt.Errorf("inventory store: load sale records: %w", err)
	}

	if err := s.db.WithContext(ctx).
		Where("dealer_id = ? AND listing_external_id = ?", dealerID, externalID).
		Order("performed_at DESC").
		Find(&detail.Services).Error; err != nil {
		return nil, fmt.Errorf("inventory store: load service records: %w", err)
	}

	return detail, nil
}

// CleanupStale physically deletes stale rows older than maxAge, but only those
// with no remaining sale or service records pointing at the external id. Rows
// still referenced are preserved indefinitely.
func (s *InventoryStore) CleanupStale(ctx context.Context, dealerID string, maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge)

	var deleted int64
	err := s.limiter.Do(ctx, func(ctx context.Context) error {
		res := s.db.WithContext(ctx).Exec(strings.TrimSpace(`
DELETE FROM listings
WHERE dealer_id = ?
  AND stale = ?
  AND last_fetched_at < ?
  AND NOT EXISTS (
    SELECT 1 FROM sale_records sr
    WHERE sr.dealer_id = listings.dealer_id AND sr.listing_external_id = listings.external_id
  )
  AND NOT EXISTS (
    SELECT 1 FROM service_records svc
    WHERE svc.dealer_id = listings.dealer_id AND svc.listing_external_id = listings.external_id
  )`), dealerID, true, cutoff)
		if res.Error != nil {
			return fmt.Errorf("inventory store: cleanup stale: %w", res.Error)
		}
		deleted = res.RowsAffected
		return nil
	})

	return deleted, err
}

func newListingRow(dealerID, accountID string, item provider.Listing, now time.Time) models.Listing {
	return models.Listing{
		DealerID:          dealerID,
		ProviderAccountID: accountID,
		ExternalID:        item.ID,
		Make:              item.Make,
		Model:             item.Model,
		BodyType:          item.BodyType,
		Year:              item.Year,
		Mileage:           item.Mileage,
		PriceCents:        item.PriceCents,
		Status:            item.Status,
		RemoteVersion:     item.Version,
		LastFetchedAt:     now,
		Stale:             false,
		Payload:           datatypes.JSON(item.Record),
		MediaPayload:      datatypes.JSON(item.Media),
		SpecPayload:       datatypes.JSON(item.Specs),
	}
}
