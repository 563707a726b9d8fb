package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	appctx "medshard/internal/core/context"
	"medshard/internal/domain/trash"
	"medshard/internal/infrastructure/http/v1/dto"
)

// TrashService is the archive state machine. *trash.Service implements it.
type TrashService interface {
	SoftDelete(ctx context.Context, in trash.SoftDeleteInput, caller *appctx.UserContext) (*trash.Record, error)
	Get(ctx context.Context, trashID int64, caller *appctx.UserContext) (*trash.Record, error)
	List(ctx context.Context, f trash.Filter, caller *appctx.UserContext) ([]*trash.Record, error)
	Restore(ctx context.Context, trashID int64, caller *appctx.UserContext) (*trash.Record, error)
	Purge(ctx context.Context, trashID int64, caller *appctx.UserContext) (*trash.Record, error)
}

// TrashHandler serves /api/v1/trash.
type TrashHandler struct {
	*BaseHandler
	service TrashService
}

func NewTrashHandler(base *BaseHandler, service TrashService) *TrashHandler {
	return &TrashHandler{BaseHandler: base, service: service}
}

// List returns trash records, newest first.
// GET /api/v1/trash
func (h *TrashHandler) List(c *gin.Context) {
	var q dto.TrashListQuery
	if !h.BindQuery(c, &q) {
		return
	}

	filter := q.Filter()
	records, err := h.service.List(c.Request.Context(), filter, h.Caller(c))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.ListResponse[*trash.Record]{Items: records, Limit: filter.EffectiveLimit(), Offset: q.Offset})
}

// Get returns one trash record.
// GET /api/v1/trash/:id
func (h *TrashHandler) Get(c *gin.Context) {
	h.withRecord(c, h.service.Get)
}

// Restore brings the archived row back.
// POST /api/v1/trash/:id/restore
func (h *TrashHandler) Restore(c *gin.Context) {
	h.withRecord(c, h.service.Restore)
}

// Purge hard-deletes the archived row.
// POST /api/v1/trash/:id/purge
func (h *TrashHandler) Purge(c *gin.Context) {
	h.withRecord(c, h.service.Purge)
}

func (h *TrashHandler) withRecord(c *gin.Context, op func(context.Context, int64, *appctx.UserContext) (*trash.Record, error)) {
	trashID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	rec, err := op(c.Request.Context(), trashID, h.Caller(c))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, rec)
}
