package events

import "github.com/google/uuid"

// Quota event type constants.
const (
	QuotaRefreshedType = "QuotaRefreshed"
	QuotaExhaustedType = "QuotaExhausted"
)

// QuotaRefreshedEvent is emitted when an organization's annual counters are
// rolled forward to a new monthly period.
// Defined in the events package to avoid cyclic imports.
type QuotaRefreshedEvent struct {
	BaseEvent

	// OrganizationID is the organization whose quota was refreshed.
	OrganizationID uuid.UUID `json:"organization_id"`

	// PlanName is the plan the fresh allowances were resolved from.
	PlanName string `json:"plan_name"`
}

// NewQuotaRefreshedEvent creates a new QuotaRefreshedEvent.
func NewQuotaRefreshedEvent(organizationID uuid.UUID, planName string) *QuotaRefreshedEvent {
	return &QuotaRefreshedEvent{
		BaseEvent:      NewBaseEvent(QuotaRefreshedType, organizationID, "Organization"),
		OrganizationID: organizationID,
		PlanName:       planName,
	}
}

// QuotaExhaustedEvent is emitted when a deduction is rejected because the
// organization's annual balance cannot cover it.
type QuotaExhaustedEvent struct {
	BaseEvent

	// OrganizationID is the organization that hit its limit.
	OrganizationID uuid.UUID `json:"organization_id"`

	// QuotaKind is the counter that was exhausted.
	QuotaKind string `json:"quota_kind"`

	// Requested is the amount the rejected deduction asked for.
	Requested int64 `json:"requested"`
}

// NewQuotaExhaustedEvent creates a new QuotaExhaustedEvent.
func NewQuotaExhaustedEvent(organizationID uuid.UUID, quotaKind string, requested int64) *QuotaExhaustedEvent {
	return &QuotaExhaustedEvent{
		BaseEvent:      NewBaseEvent(QuotaExhaustedType, organizationID, "Organization"),
		OrganizationID: organizationID,
		QuotaKind:      quotaKind,
		Requested:      requested,
	}
}
