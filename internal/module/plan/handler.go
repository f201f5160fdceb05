package plan

import (
	goerrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sitesmith/server/internal/shared/errors"
)

// Handler handles HTTP requests for the plan catalog.
type Handler struct {
	service *Service
}

// NewHandler creates a new plan handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers the plan routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	plans := r.Group("/plans")
	{
		plans.GET("", h.ListPlans)
		plans.GET("/:name", h.GetPlan)
	}
}

// ListPlans returns all active plans.
func (h *Handler) ListPlans(c *gin.Context) {
	plans, err := h.service.ListPlans(c.Request.Context())
	if err != nil {
		appErr := errors.Internal("failed to list plans", err)
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

// GetPlan returns one plan by name.
func (h *Handler) GetPlan(c *gin.Context) {
	p, err := h.service.GetPlan(c.Request.Context(), c.Param("name"))
	if err != nil {
		var appErr *errors.AppError
		if goerrors.Is(err, ErrPlanNotFound) {
			appErr = errors.NotFound("plan")
		} else {
			appErr = errors.Internal("failed to get plan", err)
		}
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}
	c.JSON(http.StatusOK, p)
}
