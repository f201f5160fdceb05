package quota

// ResolveLimit returns the fresh allowance for one quota kind from a plan's
// limits. It is total: absent values fall back per kind rather than erroring.
//
//	ai_nums       -> limits.AINums, else 0
//	enhance_nums  -> limits.EnhanceNums, else limits.AINums, else 0
//	upload_limit  -> limits.UploadLimit, else limits.AINums, else 0
//	deploy_limit  -> limits.DeployLimit, else limits.AINums*2, else 0
//	project_nums  -> limits.ProjectNums, else projectFallback
//
// Both the plain refresh and the refresh-and-deduct path derive fresh counter
// values through this one table so the two can never drift apart. The
// enhance/upload/deploy fallbacks onto AINums are long-standing plan policy;
// do not simplify them.
func ResolveLimit(limits PlanLimits, kind QuotaKind, projectFallback int64) int64 {
	switch kind {
	case QuotaKindAINums:
		return valueOr(limits.AINums, 0)
	case QuotaKindEnhanceNums:
		return valueOr(limits.EnhanceNums, valueOr(limits.AINums, 0))
	case QuotaKindUploadLimit:
		return valueOr(limits.UploadLimit, valueOr(limits.AINums, 0))
	case QuotaKindDeployLimit:
		return valueOr(limits.DeployLimit, valueOr(limits.AINums, 0)*2)
	case QuotaKindProjectNums:
		return valueOr(limits.ProjectNums, projectFallback)
	}
	return 0
}

// FreshCounters holds the counter values a refresh writes. ProjectNums is
// carried through from the row being refreshed, not reset from the plan.
type FreshCounters struct {
	AINums      int64
	EnhanceNums int64
	UploadLimit int64
	DeployLimit int64
	ProjectNums int64
	Seats       int
}

// ResolveFreshCounters computes the full post-refresh counter set for a row.
func ResolveFreshCounters(limits PlanLimits, currentProjectNums int64) FreshCounters {
	return FreshCounters{
		AINums:      ResolveLimit(limits, QuotaKindAINums, 0),
		EnhanceNums: ResolveLimit(limits, QuotaKindEnhanceNums, 0),
		UploadLimit: ResolveLimit(limits, QuotaKindUploadLimit, 0),
		DeployLimit: ResolveLimit(limits, QuotaKindDeployLimit, 0),
		ProjectNums: ResolveLimit(limits, QuotaKindProjectNums, currentProjectNums),
		Seats:       limits.Seats,
	}
}

// Counter returns the fresh value of the named counter.
func (f FreshCounters) Counter(kind QuotaKind) int64 {
	switch kind {
	case QuotaKindAINums:
		return f.AINums
	case QuotaKindEnhanceNums:
		return f.EnhanceNums
	case QuotaKindUploadLimit:
		return f.UploadLimit
	case QuotaKindDeployLimit:
		return f.DeployLimit
	case QuotaKindProjectNums:
		return f.ProjectNums
	}
	return 0
}

func valueOr(v *int64, fallback int64) int64 {
	if v == nil {
		return fallback
	}
	return *v
}
