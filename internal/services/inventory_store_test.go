package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/openlot/lotsync/internal/database/testutil"
	"github.com/openlot/lotsync/internal/models"
	"github.com/openlot/lotsync/internal/provider"
	"github.com/openlot/lotsync/internal/resilience"
	apperrors "github.com/openlot/lotsync/pkg/errors"
)

func newTestStore(t *testing.T, db *gorm.DB) *InventoryStore {
	t.Helper()

	limiter := resilience.NewConnectionLimiter(4, time.Second, 10*time.Second)
	store, err := NewInventoryStore(db, limiter, StalenessConfig{
		RefreshAfter: 15 * time.Minute,
		StaleAfter:   6 * time.Hour,
	})
	require.NoError(t, err)
	return store
}

func sampleListings() []provider.Listing {
	v1 := int64(1)
	return []provider.Listing{
		{ID: "veh-1", Make: "Toyota", Model: "Corolla", BodyType: "sedan", Year: 2021, Mileage: 30000, PriceCents: 1_850_000, Status: models.ListingStatusAvailable, Version: &v1, Record: json.RawMessage(`{"vin":"abc"}`)},
		{ID: "veh-2", Make: "Honda", Model: "CR-V", BodyType: "suv", Year: 2019, Mileage: 62000, PriceCents: 2_200_000, Status: models.ListingStatusAvailable},
		{ID: "veh-3", Make: "Toyota", Model: "Hilux", BodyType: "pickup", Year: 2023, Mileage: 8000, PriceCents: 3_900_000, Status: models.ListingStatusReserved},
	}
}

func TestUpsertCreatesUpdatesAndMarksStale(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := newTestStore(t, db)
	ctx := context.Background()

	result, err := store.Upsert(ctx, "dealer-1", "acct-1", sampleListings())
	require.NoError(t, err)
	require.Equal(t, UpsertResult{Processed: 3, Created: 3}, result)

	// A second run with one item changed, one gone, one new.
	next := sampleListings()[:2]
	next[0].PriceCents = 1_700_000
	next = append(next, provider.Listing{ID: "veh-4", Make: "Mazda", Model: "3", Year: 2022, Status: models.ListingStatusAvailable})

	result, err = store.Upsert(ctx, "dealer-1", "acct-1", next)
	require.NoError(t, err)
	require.Equal(t, UpsertResult{Processed: 3, Created: 1, Updated: 2, MarkedStale: 1}, result)

	var updated models.Listing
	require.NoError(t, db.Where("external_id = ?", "veh-1").First(&updated).Error)
	require.Equal(t, int64(1_700_000), updated.PriceCents)
	require.False(t, updated.Stale)

	var vanished models.Listing
	require.NoError(t, db.Where("external_id = ?", "veh-3").First(&vanished).Error)
	require.True(t, vanished.Stale)
	require.NotNil(t, vanished.StaleSince)
}

func TestUpsertSkipsMalformedAndDuplicateItems(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := newTestStore(t, db)

	items := []provider.Listing{
		{ID: "", Make: "NoID"},
		{ID: "veh-1", Make: "Toyota"},
		{ID: "veh-1", Make: "DuplicateOfToyota"},
	}

	result, err := store.Upsert(context.Background(), "dealer-1", "acct-1", items)
	require.NoError(t, err)
	require.Equal(t, UpsertResult{Processed: 1, Created: 1}, result)

	var count int64
	require.NoError(t, db.Model(&models.Listing{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestUpsertRevivesStaleRowOnReappearance(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := newTestStore(t, db)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "dealer-1", "acct-1", sampleListings())
	require.NoError(t, err)

	// veh-3 disappears, then comes back in the following run.
	_, err = store.Upsert(ctx, "dealer-1", "acct-1", sampleListings()[:2])
	require.NoError(t, err)

	result, err := store.Upsert(ctx, "dealer-1", "acct-1", sampleListings())
	require.NoError(t, err)
	require.Equal(t, 1, result.Created) // stale rows are invisible to matching, the comeback is a fresh row

	var rows []models.Listing
	require.NoError(t, db.Where("external_id = ? AND stale = ?", "veh-3", false).Find(&rows).Error)
	require.Len(t, rows, 1)
}

func TestQueryFiltersSortsAndPaginates(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := newTestStore(t, db)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "dealer-1", "acct-1", sampleListings())
	require.NoError(t, err)

	result, err := store.Query(ctx, QueryInput{
		DealerID:          "dealer-1",
		ProviderAccountID: "acct-1",
		Filters:           ListingFilters{Make: "Toyota"},
		Sort:              SortPriceAsc,
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), result.TotalResults)
	require.Equal(t, "veh-1", result.Items[0].ExternalID)
	require.Equal(t, "veh-3", result.Items[1].ExternalID)

	result, err = store.Query(ctx, QueryInput{
		DealerID: "dealer-1",
		Filters:  ListingFilters{YearMin: 2020, PriceMaxCents: 2_000_000},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), result.TotalResults)
	require.Equal(t, "veh-1", result.Items[0].ExternalID)

	// Pagination totals.
	result, err = store.Query(ctx, QueryInput{DealerID: "dealer-1", Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, int64(3), result.TotalResults)
	require.Equal(t, 2, result.TotalPages)
	require.Len(t, result.Items, 1)
}

func TestQueryRejectsUnknownSort(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := newTestStore(t, db)

	_, err := store.Query(context.Background(), QueryInput{DealerID: "dealer-1", Sort: "price_sideways"})
	require.Error(t, err)

	appErr := apperrors.FromError(err)
	require.Equal(t, apperrors.ErrBadRequest.Code, appErr.Code)
}

func TestQueryExcludesStaleRows(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := newTestStore(t, db)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "dealer-1", "acct-1", sampleListings())
	require.NoError(t, err)
	_, err = store.Upsert(ctx, "dealer-1", "acct-1", sampleListings()[:1])
	require.NoError(t, err)

	result, err := store.Query(ctx, QueryInput{DealerID: "dealer-1"})
	require.NoError(t, err)
	require.Equal(t, int64(1), result.TotalResults)
}

func TestStatusReflectsFreshness(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := newTestStore(t, db)
	ctx := context.Background()

	status := store.Status(ctx, "dealer-1", "acct-1")
	require.False(t, status.HasAny)

	_, err := store.Upsert(ctx, "dealer-1", "acct-1", sampleListings())
	require.NoError(t, err)

	status = store.Status(ctx, "dealer-1", "acct-1")
	require.True(t, status.HasAny)
	require.Equal(t, int64(3), status.Count)
	require.False(t, status.NeedsRefresh)
	require.False(t, status.IsStale)

	// Age the cache past the refresh threshold but not past staleness.
	store.now = func() time.Time { return time.Now().Add(20 * time.Minute) }
	status = store.Status(ctx, "dealer-1", "acct-1")
	require.True(t, status.NeedsRefresh)
	require.False(t, status.IsStale)

	store.now = func() time.Time { return time.Now().Add(7 * time.Hour) }
	status = store.Status(ctx, "dealer-1", "acct-1")
	require.True(t, status.IsStale)
}

func TestGetByIDJoinsDetailRecords(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := newTestStore(t, db)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "dealer-1", "acct-1", sampleListings())
	require.NoError(t, err)

	sale := models.SaleRecord{
		DealerID:          "dealer-1",
		ListingExternalID: "veh-1",
		SoldAt:            time.Now().Add(-24 * time.Hour),
		SalePriceCents:    1_800_000,
	}
	require.NoError(t, db.Create(&sale).Error)

	service := models.ServiceRecord{
		DealerID:          "dealer-1",
		ListingExternalID: "veh-1",
		PerformedAt:       time.Now().Add(-48 * time.Hour),
		Description:       "brake pads",
	}
	require.NoError(t, db.Create(&service).Error)

	detail, err := store.GetByID(ctx, "dealer-1", "veh-1")
	require.NoError(t, err)
	require.Equal(t, "veh-1", detail.Listing.ExternalID)
	require.Len(t, detail.Sales, 1)
	require.Len(t, detail.Services, 1)

	_, err = store.GetByID(ctx, "dealer-1", "veh-404")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCleanupStalePreservesReferencedRows(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := newTestStore(t, db)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "dealer-1", "acct-1", sampleListings())
	require.NoError(t, err)

	// veh-2 and veh-3 go stale; veh-2 is referenced by a sale record.
	_, err = store.Upsert(ctx, "dealer-1", "acct-1", sampleListings()[:1])
	require.NoError(t, err)

	require.NoError(t, db.Create(&models.SaleRecord{
		DealerID:          "dealer-1",
		ListingExternalID: "veh-2",
		SoldAt:            time.Now(),
		SalePriceCents:    2_100_000,
	}).Error)

	// Push "now" far enough that stale rows qualify for removal.
	store.now = func() time.Time { return time.Now().Add(30 * 24 * time.Hour) }

	deleted, err := store.CleanupStale(ctx, "dealer-1", 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	var remaining []models.Listing
	require.NoError(t, db.Where("stale = ?", true).Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, "veh-2", remaining[0].ExternalID)
}
