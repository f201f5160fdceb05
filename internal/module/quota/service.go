package quota

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sitesmith/server/internal/shared/events"
	"github.com/sitesmith/server/internal/shared/metrics"
	"go.uber.org/zap"
)

// DeductReason classifies a failed deduction.
type DeductReason string

const (
	ReasonInvalid      DeductReason = "invalid"
	ReasonNotFound     DeductReason = "not_found"
	ReasonExpired      DeductReason = "expired"
	ReasonInsufficient DeductReason = "insufficient"
	ReasonConcurrency  DeductReason = "concurrency"
)

// DeductResult is the terminal outcome of CheckRefreshAndDeductQuota.
type DeductResult struct {
	Success      bool         `json:"success"`
	Remaining    int64        `json:"remaining,omitempty"`
	Reason       DeductReason `json:"reason,omitempty"`
	WasRefreshed bool         `json:"was_refreshed,omitempty"`
	Attempts     int          `json:"attempts"`
}

// DeductSource identifies which quota pool served a unified deduction.
type DeductSource string

const (
	SourceAnnual   DeductSource = "annual"
	SourceFallback DeductSource = "fallback"
)

// UnifiedResult is the outcome of DeductQuotaUnified. Source is
// SourceFallback whenever the annual path did not succeed, telling the
// caller to charge the non-annual pool instead; Reason carries the annual
// path's rejection so the caller can decide how to answer.
type UnifiedResult struct {
	Success   bool         `json:"success"`
	Remaining int64        `json:"remaining,omitempty"`
	Source    DeductSource `json:"source"`
	Reason    DeductReason `json:"reason,omitempty"`
}

// PlanCatalog resolves a plan name to its numeric limits. A resolution
// failure is fatal for the refresh attempt in progress; it is never retried.
type PlanCatalog interface {
	GetPlanLimits(ctx context.Context, planName string) (PlanLimits, error)
}

// Config carries the engine's retry knobs. Explicit rather than package
// constants so tests can run with a zero delay.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	return c
}

// DefaultConfig returns the production retry settings.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: 50 * time.Millisecond}
}

// Service is the annual quota ledger engine. It is stateless: any number of
// instances may run the same operations against the same rows, serialized
// only by the conditional writes the repository submits.
type Service struct {
	repo    Repository
	catalog PlanCatalog
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     Config
}

// NewService creates the quota engine. bus may be nil when no subscriber
// cares about quota events.
func NewService(repo Repository, catalog PlanCatalog, bus *events.Bus, m *metrics.Metrics, logger *zap.Logger, cfg Config) *Service {
	return &Service{
		repo:    repo,
		catalog: catalog,
		bus:     bus,
		metrics: m,
		logger:  logger,
		cfg:     cfg.withDefaults(),
	}
}

func (s *Service) publish(event events.Event) {
	if s.bus != nil {
		s.bus.Publish(event)
	}
}

// CheckAndRefreshAnnualQuota refreshes the organization's annual quota row
// if a monthly boundary has passed. It returns true only when a refresh was
// actually written. The absence of an eligible row is a no-op, not an error.
func (s *Service) CheckAndRefreshAnnualQuota(ctx context.Context, orgID uuid.UUID) (bool, error) {
	now, err := s.repo.ReferenceTime(ctx)
	if err != nil {
		return false, err
	}

	row, err := s.repo.FindEligible(ctx, orgID, now)
	if err != nil {
		if err == ErrNoEligibleRow {
			return false, nil
		}
		return false, err
	}

	if !IsRefreshDue(row.LastQuotaRefresh, now) {
		return false, nil
	}

	limits, err := s.catalog.GetPlanLimits(ctx, row.PlanName)
	if err != nil {
		s.logger.Error("plan limits unresolved, refresh skipped",
			zap.String("organization_id", orgID.String()),
			zap.String("plan_name", row.PlanName),
			zap.Error(err),
		)
		return false, err
	}

	fresh := ResolveFreshCounters(limits, row.ProjectNums)
	if err := s.repo.ApplyRefresh(ctx, row, fresh, now); err != nil {
		if err == ErrGuardFailed {
			// Row was deactivated between read and write; nothing applied.
			return false, nil
		}
		return false, err
	}

	s.metrics.RecordRefresh()
	s.publish(events.NewQuotaRefreshedEvent(orgID, row.PlanName))
	s.logger.Info("annual quota refreshed",
		zap.String("organization_id", orgID.String()),
		zap.String("plan_name", row.PlanName),
		zap.Time("refreshed_at", now),
	)
	return true, nil
}

// CheckRefreshAndDeductQuota performs "refresh if due, then deduct amount of
// kind" as one conditional write, retrying on optimistic-lock conflicts with
// exponential backoff. It never returns an error; every failure mode is a
// classified DeductResult.
func (s *Service) CheckRefreshAndDeductQuota(ctx context.Context, orgID uuid.UUID, kind QuotaKind, amount int64) DeductResult {
	if orgID == uuid.Nil || !kind.Valid() || amount <= 0 {
		return s.finish(orgID, kind, amount, DeductResult{Success: false, Reason: ReasonInvalid})
	}

	var result DeductResult
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		status, res := s.attemptDeduct(ctx, orgID, kind, amount)
		res.Attempts = attempt + 1

		switch status {
		case attemptCommitted, attemptFatal:
			return s.finish(orgID, kind, amount, res)
		case attemptRetry:
			result = res
			s.metrics.RecordRetry()
			if attempt < s.cfg.MaxRetries-1 {
				s.backoff(ctx, attempt)
			}
		}
	}

	result.Success = false
	result.Reason = ReasonConcurrency
	return s.finish(orgID, kind, amount, result)
}

// DeductQuotaUnified attempts the annual ledger and reports which pool the
// caller should charge. It never fails outright: any annual-path failure is
// logged and answered with SourceFallback.
func (s *Service) DeductQuotaUnified(ctx context.Context, orgID uuid.UUID, kind QuotaKind, amount int64) UnifiedResult {
	res := s.CheckRefreshAndDeductQuota(ctx, orgID, kind, amount)
	if res.Success {
		return UnifiedResult{Success: true, Remaining: res.Remaining, Source: SourceAnnual}
	}

	s.logger.Debug("annual quota path unavailable, deferring to fallback pool",
		zap.String("organization_id", orgID.String()),
		zap.String("quota_kind", string(kind)),
		zap.String("reason", string(res.Reason)),
	)
	return UnifiedResult{Success: false, Source: SourceFallback, Reason: res.Reason}
}

// --- Attempt machinery ---

// attemptStatus is the tri-state outcome of a single attempt: the loop
// driver decides whether to back off, never the attempt itself.
type attemptStatus int

const (
	attemptCommitted attemptStatus = iota
	attemptRetry
	attemptFatal
)

func (s *Service) attemptDeduct(ctx context.Context, orgID uuid.UUID, kind QuotaKind, amount int64) (attemptStatus, DeductResult) {
	now, err := s.repo.ReferenceTime(ctx)
	if err != nil {
		s.logger.Warn("reference clock read failed", zap.Error(err))
		return attemptRetry, DeductResult{}
	}

	row, err := s.repo.FindEligible(ctx, orgID, now)
	if err != nil {
		if err == ErrNoEligibleRow {
			return attemptFatal, DeductResult{Success: false, Reason: s.absentReason(ctx, orgID)}
		}
		s.logger.Warn("quota row read failed", zap.Error(err))
		return attemptRetry, DeductResult{}
	}

	req := GuardedDeduct{
		Snapshot: row,
		Kind:     kind,
		Amount:   amount,
		Now:      now,
	}

	needsRefresh := IsRefreshDue(row.LastQuotaRefresh, now)
	if needsRefresh {
		limits, err := s.catalog.GetPlanLimits(ctx, row.PlanName)
		if err != nil {
			// A missing plan definition will not resolve itself by retrying.
			s.logger.Error("plan limits unresolved during deduction",
				zap.String("plan_name", row.PlanName), zap.Error(err))
			return attemptFatal, DeductResult{Success: false, Reason: ReasonNotFound}
		}
		fresh := ResolveFreshCounters(limits, row.ProjectNums)
		req.Refresh = &fresh
	}

	outcome, err := s.repo.DeductWithGuard(ctx, req)
	if err != nil {
		s.logger.Warn("guarded quota update failed", zap.Error(err))
		return attemptRetry, DeductResult{}
	}

	if outcome.Applied {
		if needsRefresh {
			s.metrics.RecordRefresh()
			s.publish(events.NewQuotaRefreshedEvent(orgID, row.PlanName))
		}
		return attemptCommitted, DeductResult{
			Success:      true,
			Remaining:    outcome.Row.Counter(kind),
			WasRefreshed: needsRefresh,
		}
	}

	return s.classifyConflict(row, outcome.Row, kind, amount, now)
}

// absentReason distinguishes an organization that never held an annual
// subscription (not_found) from one whose rows all lapsed, inactive or past
// their period end (expired). The eligibility read cannot tell these apart
// on its own.
func (s *Service) absentReason(ctx context.Context, orgID uuid.UUID) DeductReason {
	exists, err := s.repo.HasAnnualRow(ctx, orgID)
	if err != nil {
		s.logger.Warn("annual row existence check failed", zap.Error(err))
		return ReasonNotFound
	}
	if exists {
		return ReasonExpired
	}
	return ReasonNotFound
}

// classifyConflict decides why a zero-row conditional update failed, from
// the row re-read in the same transaction.
func (s *Service) classifyConflict(snapshot, current *SubscriptionQuota, kind QuotaKind, amount int64, now time.Time) (attemptStatus, DeductResult) {
	if current == nil {
		return attemptFatal, DeductResult{Success: false, Reason: ReasonNotFound}
	}

	// Refresh stamp moved: another instance won the write. Retryable.
	if !refreshStampsEqual(snapshot.LastQuotaRefresh, current.LastQuotaRefresh) {
		return attemptRetry, DeductResult{}
	}

	if kind == QuotaKindProjectNums && current.ProjectNums < amount {
		return attemptFatal, DeductResult{Success: false, Reason: ReasonInsufficient}
	}
	if !current.IsActive {
		return attemptFatal, DeductResult{Success: false, Reason: ReasonExpired}
	}
	if current.PlanName != snapshot.PlanName || current.BillingInterval != BillingIntervalYear {
		return attemptFatal, DeductResult{Success: false, Reason: ReasonNotFound}
	}
	if current.PeriodEnd.Before(now) {
		return attemptFatal, DeductResult{Success: false, Reason: ReasonExpired}
	}
	return attemptFatal, DeductResult{Success: false, Reason: ReasonInsufficient}
}

func refreshStampsEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// backoff sleeps base*2^attempt plus jitter in [0, base). Shutdown via ctx
// is the only interruption.
func (s *Service) backoff(ctx context.Context, attempt int) {
	if s.cfg.BaseDelay <= 0 {
		return
	}
	delay := s.cfg.BaseDelay<<uint(attempt) + time.Duration(rand.Int63n(int64(s.cfg.BaseDelay)))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// finish logs and counts a terminal deduction outcome before returning it.
func (s *Service) finish(orgID uuid.UUID, kind QuotaKind, amount int64, res DeductResult) DeductResult {
	if res.Success {
		s.metrics.RecordDeduction(string(kind), "success")
		s.logger.Info("quota deducted",
			zap.String("organization_id", orgID.String()),
			zap.String("quota_kind", string(kind)),
			zap.Int64("amount", amount),
			zap.Int64("remaining", res.Remaining),
			zap.Int("attempts", res.Attempts),
			zap.Bool("was_refreshed", res.WasRefreshed),
		)
		return res
	}

	s.metrics.RecordDeduction(string(kind), string(res.Reason))
	if res.Reason == ReasonInsufficient {
		s.publish(events.NewQuotaExhaustedEvent(orgID, string(kind), amount))
	}
	s.logger.Warn("quota deduction rejected",
		zap.String("organization_id", orgID.String()),
		zap.String("quota_kind", string(kind)),
		zap.Int64("amount", amount),
		zap.Int("attempts", res.Attempts),
		zap.String("reason", string(res.Reason)),
	)
	return res
}
