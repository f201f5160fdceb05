package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	appErr := Internal("store unavailable", cause)

	assert.ErrorIs(t, appErr, cause)
	assert.Equal(t, "store unavailable: connection reset", appErr.Error())

	// Sentinel-backed constructors unwrap to their sentinel.
	assert.ErrorIs(t, QuotaExceeded("quota exhausted"), ErrQuotaExceeded)
	assert.ErrorIs(t, Expired(""), ErrExpired)
	assert.ErrorIs(t, Unavailable(""), ErrUnavailable)
}

func TestGetStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NotFound("plan"), http.StatusNotFound},
		{Unauthorized(""), http.StatusUnauthorized},
		{BadRequest("bad payload"), http.StatusBadRequest},
		{ValidationError("unknown quota_type"), http.StatusUnprocessableEntity},
		{Conflict("update conflicted"), http.StatusConflict},
		{QuotaExceeded("quota exhausted"), http.StatusPaymentRequired},
		{Expired(""), http.StatusGone},
		{Unavailable(""), http.StatusServiceUnavailable},
		{fmt.Errorf("deduct: %w", ErrQuotaExceeded), http.StatusPaymentRequired},
		{errors.New("something else"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, GetStatusCode(tt.err), "error: %v", tt.err)
	}
}

func TestAppError_ToResponse(t *testing.T) {
	resp := Expired("annual subscription lapsed").ToResponse()

	assert.Equal(t, "SUBSCRIPTION_EXPIRED", resp.Error.Code)
	assert.Equal(t, "annual subscription lapsed", resp.Error.Message)
}
