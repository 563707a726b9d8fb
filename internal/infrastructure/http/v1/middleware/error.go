package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"medshard/internal/core/apperror"
	"medshard/internal/core/tenant"
	"medshard/internal/domain/entity"
	"medshard/internal/domain/replication"
	"medshard/internal/domain/routing"
	"medshard/internal/domain/trash"
	"medshard/pkg/logger"
)

// ErrorHandler middleware transforms errors into consistent JSON responses.
// Hides internal errors from clients while logging full details.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err

		// If response already written by handler, do not override it.
		if c.Writer.Written() {
			return
		}

		appErr := Translate(err)
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Error(c.Request.Context(), "request failed",
				"code", appErr.Code,
				"error", err,
			)
		} else if appErr.Err != nil {
			logger.Warn(c.Request.Context(), "request rejected",
				"code", appErr.Code,
				"cause", appErr.Err,
			)
		}

		details := appErr.Details
		if appErr.Code == apperror.CodeInternal {
			details = map[string]any{"request_id": c.GetString("request_id")}
		}

		c.JSON(appErr.HTTPStatus, gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
			"details": details,
		})
	}
}

// Translate maps domain sentinels onto API errors. An AppError anywhere in
// the chain wins; unknown errors become a generic 500.
func Translate(err error) *apperror.AppError {
	if appErr, ok := apperror.AsAppError(err); ok {
		return appErr
	}

	var terminal *trash.TerminalStateError
	switch {
	case errors.As(err, &terminal):
		return apperror.NewTerminalStateConflict(terminal.TrashID, string(terminal.State)).WithCause(err)
	case errors.Is(err, trash.ErrTerminalStateConflict):
		return apperror.NewConflict("trash record is already settled").WithCause(err)
	case errors.Is(err, tenant.ErrTenantNotFound):
		return withCode(apperror.NewNotFound("hospital", nil), apperror.CodeTenantNotFound, err)
	case errors.Is(err, tenant.ErrTenantInactive):
		return withCode(apperror.NewForbidden("hospital is not active"), apperror.CodeTenantInactive, err)
	case errors.Is(err, tenant.ErrMaxPoolLimit), errors.Is(err, tenant.ErrManagerClosed):
		return apperror.NewUnavailable("service temporarily unavailable").WithCause(err)
	case errors.Is(err, routing.ErrTenantRequired), errors.Is(err, routing.ErrResolveRequired):
		return apperror.NewTenantRequired().WithCause(err)
	case errors.Is(err, routing.ErrEntityNotFound), errors.Is(err, trash.ErrRowNotFound):
		return withCode(apperror.NewNotFound("entity", nil), apperror.CodeEntityNotFound, err)
	case errors.Is(err, routing.ErrLocateTimeout), errors.Is(err, context.DeadlineExceeded):
		return apperror.NewTimeout("operation timed out").WithCause(err)
	case errors.Is(err, routing.ErrEntityKeyRequired), errors.Is(err, entity.ErrUnknownType),
		errors.Is(err, replication.ErrInvalidBatch):
		return apperror.NewValidation(err.Error()).WithCause(err)
	case errors.Is(err, trash.ErrRecordNotFound):
		return apperror.NewNotFound("trash record", nil).WithCause(err)
	case errors.Is(err, replication.ErrInboxEventNotFound):
		return apperror.NewNotFound("inbox event", nil).WithCause(err)
	case errors.Is(err, trash.ErrForbidden):
		return apperror.NewForbidden("access to this hospital is not allowed").WithCause(err)
	case errors.Is(err, replication.ErrTransportFailure):
		return withCode(apperror.NewUnavailable("replication transport failure"), apperror.CodeTransportFailure, err)
	default:
		return apperror.NewInternal(err)
	}
}

func withCode(appErr *apperror.AppError, code string, cause error) *apperror.AppError {
	appErr.Code = code
	appErr.Details = nil
	return appErr.WithCause(cause)
}
