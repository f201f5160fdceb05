package quota

import "time"

// DeductRequest is the body of POST /quota/deduct. A zero amount defaults
// to one; negatives are rejected at binding.
type DeductRequest struct {
	QuotaType string `json:"quota_type" binding:"required"`
	Amount    int64  `json:"amount" binding:"omitempty,gt=0"`
}

// DeductResponse reports a unified deduction to the caller.
type DeductResponse struct {
	Success   bool   `json:"success"`
	Remaining *int64 `json:"remaining,omitempty"`
	Source    string `json:"source"`
	Reason    string `json:"reason,omitempty"`
}

// RefreshResponse reports whether a refresh was performed.
type RefreshResponse struct {
	Refreshed bool `json:"refreshed"`
}

// StatusResponse is the current ledger state for an organization.
type StatusResponse struct {
	PlanName         string     `json:"plan_name"`
	BillingInterval  string     `json:"billing_interval"`
	PeriodEnd        time.Time  `json:"period_end"`
	LastQuotaRefresh *time.Time `json:"last_quota_refresh,omitempty"`
	AINums           int64      `json:"ai_nums"`
	EnhanceNums      int64      `json:"enhance_nums"`
	UploadLimit      int64      `json:"upload_limit"`
	DeployLimit      int64      `json:"deploy_limit"`
	ProjectNums      int64      `json:"project_nums"`
	Seats            int        `json:"seats"`
}

func statusFromRow(row *SubscriptionQuota) StatusResponse {
	return StatusResponse{
		PlanName:         row.PlanName,
		BillingInterval:  string(row.BillingInterval),
		PeriodEnd:        row.PeriodEnd,
		LastQuotaRefresh: row.LastQuotaRefresh,
		AINums:           row.AINums,
		EnhanceNums:      row.EnhanceNums,
		UploadLimit:      row.UploadLimit,
		DeployLimit:      row.DeployLimit,
		ProjectNums:      row.ProjectNums,
		Seats:            row.Seats,
	}
}
