package quota

import (
	"time"

	"github.com/google/uuid"
)

// BillingInterval represents the billing period of a subscription row.
type BillingInterval string

const (
	BillingIntervalMonth BillingInterval = "month"
	BillingIntervalYear  BillingInterval = "year"
)

// PlanNameFree is the sentinel plan excluded from annual refresh handling.
const PlanNameFree = "free"

// QuotaKind identifies one of the five consumable allowances tracked per
// subscription. It is a closed enum; Column gives the database column the
// kind maps to, so deduction never dispatches on raw caller strings.
type QuotaKind string

const (
	QuotaKindAINums      QuotaKind = "ai_nums"
	QuotaKindEnhanceNums QuotaKind = "enhance_nums"
	QuotaKindUploadLimit QuotaKind = "upload_limit"
	QuotaKindDeployLimit QuotaKind = "deploy_limit"
	QuotaKindProjectNums QuotaKind = "project_nums"
)

// Valid reports whether k is one of the five known quota kinds.
func (k QuotaKind) Valid() bool {
	switch k {
	case QuotaKindAINums, QuotaKindEnhanceNums, QuotaKindUploadLimit,
		QuotaKindDeployLimit, QuotaKindProjectNums:
		return true
	}
	return false
}

// Column returns the subscription_quotas column holding this counter.
func (k QuotaKind) Column() string {
	return string(k)
}

// SubscriptionQuota is one allowance row per organization per billing term.
// Rows are created and deactivated by the billing provisioning flow; this
// module only refreshes counters and applies deductions, and never deletes.
type SubscriptionQuota struct {
	ID               uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	OrganizationID   uuid.UUID       `json:"organization_id" gorm:"type:uuid;index;not null"`
	PlanName         string          `json:"plan_name" gorm:"not null"`
	BillingInterval  BillingInterval `json:"billing_interval" gorm:"not null;default:month"`
	IsActive         bool            `json:"is_active" gorm:"not null"`
	PeriodEnd        time.Time       `json:"period_end" gorm:"not null"`
	LastQuotaRefresh *time.Time      `json:"last_quota_refresh,omitempty"`

	// Remaining allowances, never negative. ProjectNums tracks the current
	// project slot balance and is not reset by a refresh.
	AINums      int64 `json:"ai_nums" gorm:"not null;default:0"`
	EnhanceNums int64 `json:"enhance_nums" gorm:"not null;default:0"`
	UploadLimit int64 `json:"upload_limit" gorm:"not null;default:0"`
	DeployLimit int64 `json:"deploy_limit" gorm:"not null;default:0"`
	ProjectNums int64 `json:"project_nums" gorm:"not null;default:0"`

	Seats     int       `json:"seats" gorm:"not null;default:1"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (SubscriptionQuota) TableName() string {
	return "subscription_quotas"
}

// Counter returns the current balance of the named counter.
func (q *SubscriptionQuota) Counter(kind QuotaKind) int64 {
	switch kind {
	case QuotaKindAINums:
		return q.AINums
	case QuotaKindEnhanceNums:
		return q.EnhanceNums
	case QuotaKindUploadLimit:
		return q.UploadLimit
	case QuotaKindDeployLimit:
		return q.DeployLimit
	case QuotaKindProjectNums:
		return q.ProjectNums
	}
	return 0
}

// PlanLimits carries the numeric allowances of a plan. Optional counters are
// pointers; the resolver in resolver.go owns the fallback rules for absent
// values.
type PlanLimits struct {
	AINums      *int64
	EnhanceNums *int64
	UploadLimit *int64
	DeployLimit *int64
	ProjectNums *int64
	Seats       int
}
