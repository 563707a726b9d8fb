package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"medshard/internal/core/apperror"
	"medshard/internal/domain/replication"
	"medshard/internal/infrastructure/http/v1/dto"
)

// SyncService is the catalog side of replication. *replication.Applier implements it.
type SyncService interface {
	Intake(ctx context.Context, batch replication.Batch) (*replication.IntakeResult, error)
	Status(ctx context.Context) (*replication.Status, error)
	ProcessPending(ctx context.Context, batchSize int) (*replication.ProcessResult, error)
	Retry(ctx context.Context, inboxID int64) (*replication.RetryResult, error)
	Cleanup(ctx context.Context, daysOld int) (int64, error)
}

// SyncHandler serves the /sync endpoints.
type SyncHandler struct {
	*BaseHandler
	service     SyncService
	defaultDays int
}

// NewSyncHandler creates the handler. defaultDays applies when cleanup gets no daysOld.
func NewSyncHandler(base *BaseHandler, service SyncService, defaultDays int) *SyncHandler {
	if defaultDays < 1 {
		defaultDays = 7
	}
	return &SyncHandler{BaseHandler: base, service: service, defaultDays: defaultDays}
}

// Inbox receives a shard's outbox batch.
// POST /sync/inbox
func (h *SyncHandler) Inbox(c *gin.Context) {
	var batch replication.Batch
	if !h.BindJSON(c, &batch) {
		return
	}

	caller := h.Caller(c)
	if caller == nil || (!caller.CanSpanTenants() && caller.TenantID != batch.SourceTenantID) {
		h.Error(c, apperror.NewForbidden("token does not belong to the source hospital").
			WithDetail("source_tenant_id", batch.SourceTenantID))
		return
	}

	result, err := h.service.Intake(c.Request.Context(), batch)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, result)
}

// Status reports inbox health.
// GET /sync/status
func (h *SyncHandler) Status(c *gin.Context) {
	st, err := h.service.Status(c.Request.Context())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, st)
}

// Process applies pending inbox rows.
// POST /sync/process
func (h *SyncHandler) Process(c *gin.Context) {
	var req dto.ProcessRequest
	if !h.BindOptionalJSON(c, &req) {
		return
	}

	result, err := h.service.ProcessPending(c.Request.Context(), req.BatchSize)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, result)
}

// Retry re-applies one inbox row.
// POST /sync/retry/:inboxId
func (h *SyncHandler) Retry(c *gin.Context) {
	inboxID, ok := h.PathID(c, "inboxId")
	if !ok {
		return
	}

	result, err := h.service.Retry(c.Request.Context(), inboxID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, result)
}

// Cleanup deletes old processed inbox rows.
// DELETE /sync/cleanup?daysOld=N
func (h *SyncHandler) Cleanup(c *gin.Context) {
	var q dto.CleanupQuery
	if !h.BindQuery(c, &q) {
		return
	}
	if q.DaysOld == 0 {
		q.DaysOld = h.defaultDays
	}

	deleted, err := h.service.Cleanup(c.Request.Context(), q.DaysOld)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.CleanupResponse{DaysOld: q.DaysOld, Deleted: deleted})
}
