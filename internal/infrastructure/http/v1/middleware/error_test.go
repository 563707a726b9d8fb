package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"medshard/internal/core/apperror"
	"medshard/internal/core/tenant"
	"medshard/internal/domain/entity"
	"medshard/internal/domain/replication"
	"medshard/internal/domain/routing"
	"medshard/internal/domain/trash"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"tenant not found", fmt.Errorf("route tenant 9: %w", tenant.ErrTenantNotFound), http.StatusNotFound, apperror.CodeTenantNotFound},
		{"tenant inactive", tenant.ErrTenantInactive, http.StatusForbidden, apperror.CodeTenantInactive},
		{"pool limit", tenant.ErrMaxPoolLimit, http.StatusServiceUnavailable, apperror.CodeUnavailable},
		{"tenant required", routing.ErrTenantRequired, http.StatusBadRequest, apperror.CodeTenantRequired},
		{"entity not found", routing.ErrEntityNotFound, http.StatusNotFound, apperror.CodeEntityNotFound},
		{"shard row gone", trash.ErrRowNotFound, http.StatusNotFound, apperror.CodeEntityNotFound},
		{"locate timeout", routing.ErrLocateTimeout, http.StatusGatewayTimeout, apperror.CodeTimeout},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, apperror.CodeTimeout},
		{"unknown type", fmt.Errorf("%w: WIDGET", entity.ErrUnknownType), http.StatusBadRequest, apperror.CodeValidation},
		{"bad batch", replication.ErrInvalidBatch, http.StatusBadRequest, apperror.CodeValidation},
		{"terminal", &trash.TerminalStateError{TrashID: 1, State: trash.StateRestored}, http.StatusConflict, apperror.CodeTerminalStateConflict},
		{"forbidden", trash.ErrForbidden, http.StatusForbidden, apperror.CodeForbidden},
		{"app error wins", fmt.Errorf("wrapped: %w", apperror.NewConflict("x")), http.StatusConflict, apperror.CodeConflict},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, apperror.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Translate(tt.err)
			assert.Equal(t, tt.status, got.HTTPStatus)
			assert.Equal(t, tt.code, got.Code)
		})
	}
}

func TestTranslate_KeepsCause(t *testing.T) {
	got := Translate(tenant.ErrTenantNotFound)
	assert.Nil(t, got.Details)
	assert.ErrorIs(t, got, tenant.ErrTenantNotFound)
}
