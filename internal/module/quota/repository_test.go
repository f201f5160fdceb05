package quota

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&SubscriptionQuota{}))
	return db
}

func seedRow(t *testing.T, db *gorm.DB, mutate func(*SubscriptionQuota)) *SubscriptionQuota {
	t.Helper()
	row := &SubscriptionQuota{
		ID:              uuid.New(),
		OrganizationID:  uuid.New(),
		PlanName:        "pro",
		BillingInterval: BillingIntervalYear,
		IsActive:        true,
		PeriodEnd:       testNow.AddDate(0, 6, 0),
		AINums:          100,
		EnhanceNums:     100,
		UploadLimit:     100,
		DeployLimit:     200,
		ProjectNums:     3,
		Seats:           5,
		CreatedAt:       testNow.AddDate(0, -6, 0),
	}
	if mutate != nil {
		mutate(row)
	}
	require.NoError(t, db.Create(row).Error)
	return row
}

func TestRepository_FindEligible(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	t.Run("skips ineligible rows", func(t *testing.T) {
		orgID := uuid.New()
		seedRow(t, db, func(r *SubscriptionQuota) { r.OrganizationID = orgID; r.IsActive = false })
		seedRow(t, db, func(r *SubscriptionQuota) { r.OrganizationID = orgID; r.BillingInterval = BillingIntervalMonth })
		seedRow(t, db, func(r *SubscriptionQuota) { r.OrganizationID = orgID; r.PlanName = PlanNameFree })
		seedRow(t, db, func(r *SubscriptionQuota) { r.OrganizationID = orgID; r.PeriodEnd = testNow.AddDate(0, 0, -1) })

		_, err := repo.FindEligible(ctx, orgID, testNow)
		assert.ErrorIs(t, err, ErrNoEligibleRow)
	})

	t.Run("returns the oldest eligible row", func(t *testing.T) {
		orgID := uuid.New()
		seedRow(t, db, func(r *SubscriptionQuota) {
			r.OrganizationID = orgID
			r.CreatedAt = testNow.AddDate(0, -1, 0)
		})
		oldest := seedRow(t, db, func(r *SubscriptionQuota) {
			r.OrganizationID = orgID
			r.CreatedAt = testNow.AddDate(-1, 0, 0)
		})

		row, err := repo.FindEligible(ctx, orgID, testNow)
		require.NoError(t, err)
		assert.Equal(t, oldest.ID, row.ID)
	})

	t.Run("unknown organization", func(t *testing.T) {
		_, err := repo.FindEligible(ctx, uuid.New(), testNow)
		assert.ErrorIs(t, err, ErrNoEligibleRow)
	})

	// Guards against column defaults silently overwriting a false fixture
	// value on insert.
	t.Run("deactivated fixture persists as deactivated", func(t *testing.T) {
		row := seedRow(t, db, func(r *SubscriptionQuota) { r.IsActive = false })

		var persisted SubscriptionQuota
		require.NoError(t, db.First(&persisted, "id = ?", row.ID).Error)
		assert.False(t, persisted.IsActive)
	})
}

func TestRepository_ReferenceTime(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)

	ref, err := repo.ReferenceTime(context.Background())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), ref, time.Minute)
}

func TestRepository_HasAnnualRow(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	t.Run("lapsed rows still count", func(t *testing.T) {
		inactive := seedRow(t, db, func(r *SubscriptionQuota) { r.IsActive = false })
		ended := seedRow(t, db, func(r *SubscriptionQuota) { r.PeriodEnd = testNow.AddDate(0, -1, 0) })

		for _, orgID := range []uuid.UUID{inactive.OrganizationID, ended.OrganizationID} {
			exists, err := repo.HasAnnualRow(ctx, orgID)
			require.NoError(t, err)
			assert.True(t, exists)
		}
	})

	t.Run("monthly and free rows do not", func(t *testing.T) {
		orgID := uuid.New()
		seedRow(t, db, func(r *SubscriptionQuota) { r.OrganizationID = orgID; r.BillingInterval = BillingIntervalMonth })
		seedRow(t, db, func(r *SubscriptionQuota) { r.OrganizationID = orgID; r.PlanName = PlanNameFree })

		exists, err := repo.HasAnnualRow(ctx, orgID)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("unknown organization", func(t *testing.T) {
		exists, err := repo.HasAnnualRow(ctx, uuid.New())
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestRepository_DeductWithGuard_Plain(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	t.Run("decrements one counter", func(t *testing.T) {
		token := testNow.AddDate(0, 0, -3)
		row := seedRow(t, db, func(r *SubscriptionQuota) { r.LastQuotaRefresh = &token })

		outcome, err := repo.DeductWithGuard(ctx, GuardedDeduct{
			Snapshot: row, Kind: QuotaKindAINums, Amount: 5, Now: testNow,
		})
		require.NoError(t, err)
		assert.True(t, outcome.Applied)
		assert.Equal(t, int64(95), outcome.Row.AINums)
		// Untouched counters and the refresh stamp survive.
		assert.Equal(t, int64(100), outcome.Row.EnhanceNums)
		require.NotNil(t, outcome.Row.LastQuotaRefresh)
		assert.True(t, outcome.Row.LastQuotaRefresh.Equal(token))
	})

	t.Run("underflow is rejected by the guard", func(t *testing.T) {
		token := testNow.AddDate(0, 0, -3)
		row := seedRow(t, db, func(r *SubscriptionQuota) {
			r.LastQuotaRefresh = &token
			r.AINums = 2
		})

		outcome, err := repo.DeductWithGuard(ctx, GuardedDeduct{
			Snapshot: row, Kind: QuotaKindAINums, Amount: 3, Now: testNow,
		})
		require.NoError(t, err)
		assert.False(t, outcome.Applied)
		require.NotNil(t, outcome.Row)
		assert.Equal(t, int64(2), outcome.Row.AINums)
	})

	t.Run("stale token matches nothing", func(t *testing.T) {
		current := testNow.AddDate(0, 0, -1)
		row := seedRow(t, db, func(r *SubscriptionQuota) { r.LastQuotaRefresh = &current })

		stale := *row
		staleToken := testNow.AddDate(0, -2, 0)
		stale.LastQuotaRefresh = &staleToken

		outcome, err := repo.DeductWithGuard(ctx, GuardedDeduct{
			Snapshot: &stale, Kind: QuotaKindAINums, Amount: 1, Now: testNow,
		})
		require.NoError(t, err)
		assert.False(t, outcome.Applied)
		// The re-read exposes the token that actually won.
		require.NotNil(t, outcome.Row)
		assert.True(t, outcome.Row.LastQuotaRefresh.Equal(current))

		var persisted SubscriptionQuota
		require.NoError(t, db.First(&persisted, "id = ?", row.ID).Error)
		assert.Equal(t, int64(100), persisted.AINums)
	})

	t.Run("row deleted underneath", func(t *testing.T) {
		row := seedRow(t, db, nil)
		require.NoError(t, db.Delete(&SubscriptionQuota{}, "id = ?", row.ID).Error)

		outcome, err := repo.DeductWithGuard(ctx, GuardedDeduct{
			Snapshot: row, Kind: QuotaKindAINums, Amount: 1, Now: testNow,
		})
		require.NoError(t, err)
		assert.False(t, outcome.Applied)
		assert.Nil(t, outcome.Row)
	})
}

func TestRepository_DeductWithGuard_Refresh(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	fresh := FreshCounters{AINums: 100, EnhanceNums: 100, UploadLimit: 100, DeployLimit: 200, ProjectNums: 3, Seats: 5}

	t.Run("never refreshed row matches a null token", func(t *testing.T) {
		row := seedRow(t, db, func(r *SubscriptionQuota) {
			r.LastQuotaRefresh = nil
			r.AINums = 0
			r.ProjectNums = 1
		})

		outcome, err := repo.DeductWithGuard(ctx, GuardedDeduct{
			Snapshot: row, Kind: QuotaKindAINums, Amount: 1, Now: testNow, Refresh: &fresh,
		})
		require.NoError(t, err)
		assert.True(t, outcome.Applied)
		assert.Equal(t, int64(99), outcome.Row.AINums)
		assert.Equal(t, int64(100), outcome.Row.EnhanceNums)
		assert.Equal(t, int64(200), outcome.Row.DeployLimit)
		// Project slots keep their live balance through a refresh.
		assert.Equal(t, int64(1), outcome.Row.ProjectNums)
		require.NotNil(t, outcome.Row.LastQuotaRefresh)
		assert.True(t, outcome.Row.LastQuotaRefresh.Equal(testNow))
	})

	t.Run("deduction beyond the fresh allowance floors at zero", func(t *testing.T) {
		row := seedRow(t, db, func(r *SubscriptionQuota) { r.LastQuotaRefresh = nil })

		outcome, err := repo.DeductWithGuard(ctx, GuardedDeduct{
			Snapshot: row, Kind: QuotaKindEnhanceNums, Amount: 150, Now: testNow, Refresh: &fresh,
		})
		require.NoError(t, err)
		assert.True(t, outcome.Applied)
		assert.Equal(t, int64(0), outcome.Row.EnhanceNums)
	})

	t.Run("project deduction rides the refresh but keeps its guard", func(t *testing.T) {
		row := seedRow(t, db, func(r *SubscriptionQuota) {
			r.LastQuotaRefresh = nil
			r.ProjectNums = 2
		})

		outcome, err := repo.DeductWithGuard(ctx, GuardedDeduct{
			Snapshot: row, Kind: QuotaKindProjectNums, Amount: 3, Now: testNow, Refresh: &fresh,
		})
		require.NoError(t, err)
		assert.False(t, outcome.Applied)

		var persisted SubscriptionQuota
		require.NoError(t, db.First(&persisted, "id = ?", row.ID).Error)
		// The whole statement failed: no refresh, no deduction.
		assert.Nil(t, persisted.LastQuotaRefresh)
		assert.Equal(t, int64(2), persisted.ProjectNums)

		outcome, err = repo.DeductWithGuard(ctx, GuardedDeduct{
			Snapshot: row, Kind: QuotaKindProjectNums, Amount: 2, Now: testNow, Refresh: &fresh,
		})
		require.NoError(t, err)
		assert.True(t, outcome.Applied)
		assert.Equal(t, int64(0), outcome.Row.ProjectNums)
		assert.Equal(t, int64(100), outcome.Row.AINums)
	})
}

func TestRepository_ApplyRefresh(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	fresh := FreshCounters{AINums: 100, EnhanceNums: 100, UploadLimit: 100, DeployLimit: 200, ProjectNums: 2, Seats: 5}

	t.Run("writes counters and stamp, preserves project slots", func(t *testing.T) {
		row := seedRow(t, db, func(r *SubscriptionQuota) {
			r.AINums = 7
			r.ProjectNums = 2
		})

		require.NoError(t, repo.ApplyRefresh(ctx, row, fresh, testNow))

		var persisted SubscriptionQuota
		require.NoError(t, db.First(&persisted, "id = ?", row.ID).Error)
		assert.Equal(t, int64(100), persisted.AINums)
		assert.Equal(t, int64(2), persisted.ProjectNums)
		require.NotNil(t, persisted.LastQuotaRefresh)
		assert.True(t, persisted.LastQuotaRefresh.Equal(testNow))
	})

	t.Run("deactivated row fails the guard", func(t *testing.T) {
		row := seedRow(t, db, func(r *SubscriptionQuota) { r.IsActive = false })

		err := repo.ApplyRefresh(ctx, row, fresh, testNow)
		assert.ErrorIs(t, err, ErrGuardFailed)
	})
}

func TestRepository_ListDueOrganizations(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	never := seedRow(t, db, func(r *SubscriptionQuota) { r.LastQuotaRefresh = nil })
	staleStamp := testNow.AddDate(0, -2, 0)
	stale := seedRow(t, db, func(r *SubscriptionQuota) { r.LastQuotaRefresh = &staleStamp })
	recentStamp := testNow.AddDate(0, 0, -3)
	seedRow(t, db, func(r *SubscriptionQuota) { r.LastQuotaRefresh = &recentStamp })
	seedRow(t, db, func(r *SubscriptionQuota) { r.LastQuotaRefresh = nil; r.IsActive = false })

	orgIDs, err := repo.ListDueOrganizations(ctx, testNow, 100)
	require.NoError(t, err)

	assert.Len(t, orgIDs, 2)
	assert.Contains(t, orgIDs, never.OrganizationID)
	assert.Contains(t, orgIDs, stale.OrganizationID)
}
