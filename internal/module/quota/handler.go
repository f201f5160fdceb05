package quota

import (
	goerrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sitesmith/server/internal/shared/errors"
	"github.com/sitesmith/server/internal/shared/metrics"
)

// orgHeader is set by the upstream gateway after authentication.
const orgHeader = "X-Organization-ID"

// Handler handles HTTP requests for the quota ledger. The unified deduct
// endpoint composes the annual engine with the monthly fallback pool: the
// ledger is tried first, and only a non-annual answer reaches Redis.
type Handler struct {
	service *Service
	pool    *FallbackPool
	catalog PlanCatalog
	metrics *metrics.Metrics
}

// NewHandler creates a new quota handler.
func NewHandler(service *Service, pool *FallbackPool, catalog PlanCatalog, m *metrics.Metrics) *Handler {
	return &Handler{service: service, pool: pool, catalog: catalog, metrics: m}
}

// RegisterRoutes registers the quota routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	q := r.Group("/quota")
	{
		q.GET("", h.GetStatus)
		q.POST("/deduct", h.Deduct)
		q.POST("/refresh", h.Refresh)
	}
}

// Deduct charges one quota kind for the calling organization, from the
// annual ledger when possible and the monthly fallback pool otherwise.
// Invalid requests and lost optimistic-lock races never reach the pool:
// the first are the caller's to fix, the second are the caller's to retry
// against a balance that is still there.
func (h *Handler) Deduct(c *gin.Context) {
	orgID, ok := organizationID(c)
	if !ok {
		return
	}

	var req DeductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}
	if req.Amount == 0 {
		req.Amount = 1
	}

	kind := QuotaKind(req.QuotaType)
	if !kind.Valid() {
		respondError(c, errors.ValidationError("unknown quota_type"))
		return
	}

	unified := h.service.DeductQuotaUnified(c.Request.Context(), orgID, kind, req.Amount)
	if unified.Success {
		remaining := unified.Remaining
		c.JSON(http.StatusOK, DeductResponse{
			Success:   true,
			Remaining: &remaining,
			Source:    string(unified.Source),
		})
		return
	}

	switch unified.Reason {
	case ReasonInvalid:
		respondError(c, errors.ValidationError("invalid quota request"))
	case ReasonConcurrency:
		respondError(c, errors.Conflict("quota update conflicted, retry"))
	default:
		h.deductFromFallback(c, orgID, kind, req.Amount, unified.Reason)
	}
}

// deductFromFallback charges the free monthly pool, the tier every
// organization holds regardless of annual subscription state.
func (h *Handler) deductFromFallback(c *gin.Context, orgID uuid.UUID, kind QuotaKind, amount int64, annualReason DeductReason) {
	ctx := c.Request.Context()

	if h.pool == nil {
		h.metrics.RecordFallback(string(kind), "unavailable")
		respondError(c, errors.Unavailable("fallback quota pool disabled"))
		return
	}

	limits, err := h.catalog.GetPlanLimits(ctx, PlanNameFree)
	if err != nil {
		h.metrics.RecordFallback(string(kind), "unavailable")
		respondError(c, errors.Internal("free tier limits unresolved", err))
		return
	}

	limit := ResolveLimit(limits, kind, 0)
	remaining, err := h.pool.Deduct(ctx, orgID, kind, amount, limit, endOfCurrentMonth())
	if err != nil {
		switch {
		case goerrors.Is(err, ErrFallbackExhausted):
			h.metrics.RecordFallback(string(kind), "insufficient")
			respondError(c, exhaustedError(annualReason))
		default:
			h.metrics.RecordFallback(string(kind), "unavailable")
			respondError(c, errors.Unavailable("fallback quota pool unreachable"))
		}
		return
	}

	h.metrics.RecordFallback(string(kind), "success")
	c.JSON(http.StatusOK, DeductResponse{Success: true, Remaining: &remaining, Source: string(SourceFallback)})
}

// exhaustedError maps a drained fallback pool to a status. A lapsed annual
// subscription answers 410 so the caller knows renewing, not waiting for the
// month to roll over, is the way out.
func exhaustedError(annualReason DeductReason) *errors.AppError {
	if annualReason == ReasonExpired {
		return errors.Expired("annual subscription lapsed and free tier exhausted")
	}
	return errors.QuotaExceeded("quota exhausted")
}

// Refresh runs an explicit refresh check for the calling organization.
func (h *Handler) Refresh(c *gin.Context) {
	orgID, ok := organizationID(c)
	if !ok {
		return
	}

	refreshed, err := h.service.CheckAndRefreshAnnualQuota(c.Request.Context(), orgID)
	if err != nil {
		respondError(c, errors.Internal("refresh failed", err))
		return
	}
	c.JSON(http.StatusOK, RefreshResponse{Refreshed: refreshed})
}

// GetStatus returns the organization's current annual ledger state.
func (h *Handler) GetStatus(c *gin.Context) {
	orgID, ok := organizationID(c)
	if !ok {
		return
	}

	now, err := h.service.repo.ReferenceTime(c.Request.Context())
	if err != nil {
		respondError(c, errors.Internal("store unavailable", err))
		return
	}

	row, err := h.service.repo.FindEligible(c.Request.Context(), orgID, now)
	if err != nil {
		if goerrors.Is(err, ErrNoEligibleRow) {
			respondError(c, errors.NotFound("annual subscription"))
			return
		}
		respondError(c, errors.Internal("store unavailable", err))
		return
	}

	c.JSON(http.StatusOK, statusFromRow(row))
}

// --- Helpers ---

func respondError(c *gin.Context, appErr *errors.AppError) {
	c.JSON(appErr.StatusCode, appErr.ToResponse())
}

func organizationID(c *gin.Context) (uuid.UUID, bool) {
	raw := c.GetHeader(orgHeader)
	if raw == "" {
		respondError(c, errors.Unauthorized("missing organization"))
		return uuid.Nil, false
	}
	orgID, err := uuid.Parse(raw)
	if err != nil {
		respondError(c, errors.BadRequest("invalid organization id"))
		return uuid.Nil, false
	}
	return orgID, true
}

func endOfCurrentMonth() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
