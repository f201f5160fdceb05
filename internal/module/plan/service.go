package plan

import (
	"context"

	"github.com/sitesmith/server/internal/module/quota"
	"go.uber.org/zap"
)

// Service exposes the plan catalog, including the limit lookup the quota
// engine depends on.
type Service struct {
	repo   Repository
	logger *zap.Logger
}

// NewService creates a new plan service.
func NewService(repo Repository, logger *zap.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// ListPlans returns all active plans in display order.
func (s *Service) ListPlans(ctx context.Context) ([]*Plan, error) {
	return s.repo.ListActive(ctx)
}

// GetPlan returns one plan by name.
func (s *Service) GetPlan(ctx context.Context, name string) (*Plan, error) {
	return s.repo.GetByName(ctx, name)
}

// GetPlanLimits implements quota.PlanCatalog. Inactive plans still resolve:
// an organization mid-term on a retired plan keeps its allowances until the
// billing collaborator moves it.
func (s *Service) GetPlanLimits(ctx context.Context, planName string) (quota.PlanLimits, error) {
	p, err := s.repo.GetByName(ctx, planName)
	if err != nil {
		return quota.PlanLimits{}, err
	}
	return quota.PlanLimits{
		AINums:      p.AINums,
		EnhanceNums: p.EnhanceNums,
		UploadLimit: p.UploadLimit,
		DeployLimit: p.DeployLimit,
		ProjectNums: p.ProjectNums,
		Seats:       p.Seats,
	}, nil
}
