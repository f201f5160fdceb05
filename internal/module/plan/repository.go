package plan

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrPlanNotFound means no active plan with the requested name exists.
var ErrPlanNotFound = errors.New("plan not found")

// Repository defines the plan catalog's data access.
type Repository interface {
	ListActive(ctx context.Context) ([]*Plan, error)
	GetByName(ctx context.Context, name string) (*Plan, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new plan repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) ListActive(ctx context.Context) ([]*Plan, error) {
	var plans []*Plan
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("display_order ASC").
		Find(&plans).Error
	if err != nil {
		return nil, fmt.Errorf("list active plans: %w", err)
	}
	return plans, nil
}

func (r *repository) GetByName(ctx context.Context, name string) (*Plan, error) {
	var p Plan
	err := r.db.WithContext(ctx).First(&p, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return &p, nil
}
