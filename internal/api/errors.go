package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/klytics/sheetkit/internal/auth"
	"github.com/klytics/sheetkit/internal/authz"
	"github.com/klytics/sheetkit/internal/cellref"
	"github.com/klytics/sheetkit/internal/dlp"
	"github.com/klytics/sheetkit/internal/formula"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/patch"
	"github.com/klytics/sheetkit/internal/sheets"
	"github.com/klytics/sheetkit/internal/store"
)

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs),
		errors.Is(err, model.ErrInvalid),
		errors.Is(err, cellref.ErrInvalidRef),
		errors.Is(err, cellref.ErrRangeTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrRevokedToken):
		return http.StatusUnauthorized
	case errors.Is(err, authz.ErrForbidden), errors.Is(err, auth.ErrInactive):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, auth.ErrUserExists),
		errors.Is(err, patch.ErrNotDownloaded):
		return http.StatusConflict
	case errors.Is(err, dlp.ErrBlocked),
		errors.Is(err, sheets.ErrRuleViolation),
		errors.Is(err, formula.ErrEvaluation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, auth.ErrLocked):
		return http.StatusLocked
	case errors.Is(err, patch.ErrChecksum):
		return http.StatusBadGateway
	case errors.Is(err, patch.ErrNoFeed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError aborts c with {"error": ...}. Unmapped errors are logged
// and reported without detail.
func (h *handler) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", c.GetString(ctxRequestID)),
			zap.Error(err))
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// badRequest wraps a binding failure so it maps to 400.
func badRequest(err error) error {
	return fmt.Errorf("%w: %v", model.ErrInvalid, err)
}
