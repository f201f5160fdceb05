package plan

import (
	"time"

	"github.com/lib/pq"
)

// Plan is one row of the plan catalog. The five allowance columns are
// nullable on purpose: an absent value means "derive it", and the quota
// resolver owns the derivation rules.
type Plan struct {
	Name         string         `json:"name" gorm:"primaryKey"`
	DisplayName  string         `json:"display_name" gorm:"not null"`
	Description  string         `json:"description"`
	PriceUSD     int64          `json:"price_usd"` // in cents, per year
	Features     pq.StringArray `json:"features" gorm:"type:text[]"`
	Active       bool           `json:"active" gorm:"default:true"`
	DisplayOrder int            `json:"display_order" gorm:"default:0"`

	AINums      *int64 `json:"ai_nums,omitempty"`
	EnhanceNums *int64 `json:"enhance_nums,omitempty"`
	UploadLimit *int64 `json:"upload_limit,omitempty"`
	DeployLimit *int64 `json:"deploy_limit,omitempty"`
	ProjectNums *int64 `json:"project_nums,omitempty"`
	Seats       int    `json:"seats" gorm:"not null;default:1"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (Plan) TableName() string {
	return "plans"
}
