package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GuardedDeduct describes one attempt's conditional write. Snapshot is the
// row read at the start of the attempt; its LastQuotaRefresh value is the
// optimistic-lock token. Refresh is non-nil when the attempt also rolls the
// counters forward to a new monthly period.
type GuardedDeduct struct {
	Snapshot *SubscriptionQuota
	Kind     QuotaKind
	Amount   int64
	Now      time.Time
	Refresh  *FreshCounters
}

// GuardedDeductOutcome reports what the conditional write did. When Applied
// is true Row is the post-update row; otherwise Row is the current row
// re-read for conflict classification, or nil if it no longer matches even
// by id.
type GuardedDeductOutcome struct {
	Applied bool
	Row     *SubscriptionQuota
}

// Repository is the quota ledger's store surface. Every method is a single
// round-trip or a single transaction; the engine composes them but never
// holds state between calls.
type Repository interface {
	// ReferenceTime returns the store's clock, the shared "now" for all
	// instances evaluating refresh boundaries.
	ReferenceTime(ctx context.Context) (time.Time, error)

	// FindEligible returns the first active annual non-free row for the
	// organization whose period has not ended, or ErrNoEligibleRow.
	FindEligible(ctx context.Context, orgID uuid.UUID, now time.Time) (*SubscriptionQuota, error)

	// HasAnnualRow reports whether any annual non-free row exists for the
	// organization, active or lapsed. An organization with a row here but
	// nothing eligible holds an expired subscription, not a missing one.
	HasAnnualRow(ctx context.Context, orgID uuid.UUID) (bool, error)

	// ApplyRefresh writes fresh counter values and advances the refresh
	// stamp in one transaction, leaving project_nums untouched.
	ApplyRefresh(ctx context.Context, row *SubscriptionQuota, fresh FreshCounters, now time.Time) error

	// DeductWithGuard submits the combined refresh-and-deduct conditional
	// update and, when it matches nothing, re-reads the row in the same
	// transaction so the caller can classify the failure.
	DeductWithGuard(ctx context.Context, req GuardedDeduct) (*GuardedDeductOutcome, error)

	// ListDueOrganizations returns organizations holding an eligible annual
	// row whose monthly refresh boundary has passed. Used by the sweep.
	ListDueOrganizations(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a GORM-backed quota repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) ReferenceTime(ctx context.Context) (time.Time, error) {
	var raw any
	row := r.db.WithContext(ctx).Raw("SELECT CURRENT_TIMESTAMP").Row()
	if err := row.Scan(&raw); err != nil {
		return time.Time{}, fmt.Errorf("read reference time: %w", err)
	}
	return parseClock(raw)
}

// parseClock normalizes the clock value across drivers: postgres hands back
// time.Time, sqlite a bare string.
func parseClock(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case []byte:
		return parseClockString(string(t))
	case string:
		return parseClockString(t)
	}
	return time.Time{}, fmt.Errorf("unexpected clock value %T", v)
}

func parseClockString(s string) (time.Time, error) {
	for _, layout := range []string{
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999-07:00",
		time.RFC3339Nano,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable clock value %q", s)
}

func (r *repository) FindEligible(ctx context.Context, orgID uuid.UUID, now time.Time) (*SubscriptionQuota, error) {
	var row SubscriptionQuota
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND is_active = ? AND billing_interval = ? AND plan_name <> ? AND period_end >= ?",
			orgID, true, BillingIntervalYear, PlanNameFree, now).
		Order("created_at ASC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoEligibleRow
		}
		return nil, fmt.Errorf("find eligible quota row: %w", err)
	}
	return &row, nil
}

func (r *repository) HasAnnualRow(ctx context.Context, orgID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&SubscriptionQuota{}).
		Where("organization_id = ? AND billing_interval = ? AND plan_name <> ?",
			orgID, BillingIntervalYear, PlanNameFree).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count annual quota rows: %w", err)
	}
	return count > 0, nil
}

func (r *repository) ApplyRefresh(ctx context.Context, row *SubscriptionQuota, fresh FreshCounters, now time.Time) error {
	updates := map[string]any{
		"ai_nums":            fresh.AINums,
		"enhance_nums":       fresh.EnhanceNums,
		"upload_limit":       fresh.UploadLimit,
		"deploy_limit":       fresh.DeployLimit,
		"seats":              fresh.Seats,
		"last_quota_refresh": now,
		"updated_at":         now,
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&SubscriptionQuota{}).
			Where("id = ? AND is_active = ?", row.ID, true).
			Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("apply refresh: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrGuardFailed
		}
		return nil
	})
}

func (r *repository) DeductWithGuard(ctx context.Context, req GuardedDeduct) (*GuardedDeductOutcome, error) {
	outcome := &GuardedDeductOutcome{}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&SubscriptionQuota{}).
			Where("id = ? AND is_active = ? AND plan_name = ? AND billing_interval = ? AND period_end >= ?",
				req.Snapshot.ID, true, req.Snapshot.PlanName, BillingIntervalYear, req.Now)

		// Optimistic-lock token: the refresh stamp at snapshot time.
		if req.Snapshot.LastQuotaRefresh == nil {
			query = query.Where("last_quota_refresh IS NULL")
		} else {
			query = query.Where("last_quota_refresh = ?", *req.Snapshot.LastQuotaRefresh)
		}

		updates, guard := buildDeductUpdates(req)
		if guard != "" {
			query = query.Where(guard, req.Amount)
		}

		result := query.Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("guarded quota update: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			outcome.Applied = true
			return tx.First(&outcome.Row, "id = ?", req.Snapshot.ID).Error
		}

		// Zero rows: re-read under the same transaction for classification.
		var current SubscriptionQuota
		err := tx.First(&current, "id = ?", req.Snapshot.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("re-read quota row: %w", err)
		}
		outcome.Row = &current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// buildDeductUpdates assembles the SET clause and the underflow guard that
// joins the WHERE of the same statement, so refresh evaluation, refresh
// application and deduction commit as one conditional write. guard is an
// empty string when no balance predicate is needed.
func buildDeductUpdates(req GuardedDeduct) (updates map[string]any, guard string) {
	column := req.Kind.Column()

	if req.Refresh == nil {
		// No refresh due: decrement one counter, guarded against underflow.
		return map[string]any{
			column:       gorm.Expr(fmt.Sprintf("%s - ?", column), req.Amount),
			"updated_at": req.Now,
		}, fmt.Sprintf("%s >= ?", column)
	}

	fresh := *req.Refresh
	updates = map[string]any{
		"ai_nums":            fresh.AINums,
		"enhance_nums":       fresh.EnhanceNums,
		"upload_limit":       fresh.UploadLimit,
		"deploy_limit":       fresh.DeployLimit,
		"seats":              fresh.Seats,
		"last_quota_refresh": req.Now,
		"updated_at":         req.Now,
	}

	if req.Kind == QuotaKindProjectNums {
		// Project slots are not reset by a refresh; the deduction applies
		// to the live balance and must not underflow it.
		updates["project_nums"] = gorm.Expr("project_nums - ?", req.Amount)
		return updates, "project_nums >= ?"
	}

	// Rate-limited counters start from the fresh allowance; the requested
	// deduction comes straight out of it, floored at zero.
	target := fresh.Counter(req.Kind) - req.Amount
	if target < 0 {
		target = 0
	}
	updates[column] = target
	return updates, ""
}

func (r *repository) ListDueOrganizations(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	// Coarse one-month-ago cutoff; the per-row boundary is re-evaluated by
	// IsRefreshDue before anything is written, so over-selection is harmless.
	boundary := now.AddDate(0, -1, 0)
	var orgIDs []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&SubscriptionQuota{}).
		Distinct("organization_id").
		Where("is_active = ? AND billing_interval = ? AND plan_name <> ? AND period_end >= ?",
			true, BillingIntervalYear, PlanNameFree, now).
		Where("last_quota_refresh IS NULL OR last_quota_refresh <= ?", boundary).
		Limit(limit).
		Pluck("organization_id", &orgIDs).Error
	if err != nil {
		return nil, fmt.Errorf("list due organizations: %w", err)
	}
	return orgIDs, nil
}
