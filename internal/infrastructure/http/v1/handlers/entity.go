package handlers

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	"medshard/internal/core/apperror"
	appctx "medshard/internal/core/context"
	"medshard/internal/domain/routing"
	"medshard/internal/domain/trash"
	"medshard/internal/infrastructure/http/v1/dto"
	"medshard/internal/infrastructure/http/v1/middleware"
)

// Locator finds the shard that holds an entity. *routing.Resolver implements it.
type Locator interface {
	Locate(ctx context.Context, q routing.LocateQuery) (int64, error)
}

// EntityRouter checks out a shard for one entity. *routing.Router implements it.
type EntityRouter interface {
	RouteEntity(ctx context.Context, hints routing.HintSet, caller *appctx.UserContext, entityType, key string) (*routing.Route, error)
}

// EntityHandler serves cross-shard entity lookups and soft deletes.
type EntityHandler struct {
	*BaseHandler
	locator Locator
	router  EntityRouter
	trash   TrashService
}

func NewEntityHandler(base *BaseHandler, locator Locator, router EntityRouter, trash TrashService) *EntityHandler {
	return &EntityHandler{BaseHandler: base, locator: locator, router: router, trash: trash}
}

// Location returns the hospital whose shard holds the entity.
// GET /api/v1/entities/:type/:key/location
func (h *EntityHandler) Location(c *gin.Context) {
	entityType, key := c.Param("type"), c.Param("key")

	hints := middleware.GetHints(c)
	if caller := h.Caller(c); caller != nil {
		hints.Caller = caller.TenantID
	}

	tenantID, err := h.locator.Locate(c.Request.Context(), routing.LocateQuery{
		EntityType: entityType,
		Key:        key,
		Hints:      hints,
	})
	if err != nil {
		h.Error(c, entityError(err, entityType, key))
		return
	}

	middleware.SetHintSource(c, routing.SourceResolver)
	h.OK(c, dto.LocationResponse{EntityType: entityType, Key: key, TenantID: tenantID})
}

// Delete soft-deletes the entity in its shard and archives it to the trash.
// DELETE /api/v1/entities/:type/:key
func (h *EntityHandler) Delete(c *gin.Context) {
	entityType, key := c.Param("type"), c.Param("key")

	var req dto.DeleteEntityRequest
	if !h.BindOptionalJSON(c, &req) {
		return
	}

	hints := middleware.GetHints(c)
	bodyHint, err := routing.HintFromAny(req.HospitalID)
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid hospital hint").WithDetail("body", "hospital_id"))
		return
	}
	hints.Body = bodyHint

	ctx := c.Request.Context()
	caller := h.Caller(c)

	route, err := h.router.RouteEntity(ctx, hints, caller, entityType, key)
	if err != nil {
		h.Error(c, entityError(err, entityType, key))
		return
	}
	defer route.Release()
	middleware.SetHintSource(c, route.Source)

	rec, err := h.trash.SoftDelete(ctx, trash.SoftDeleteInput{
		TenantID:   route.TenantID,
		EntityType: entityType,
		Key:        key,
		Reason:     req.Reason,
	}, caller)
	if err != nil {
		h.Error(c, entityError(err, entityType, key))
		return
	}

	h.OK(c, dto.DeleteEntityResponse{TenantID: route.TenantID, Trash: rec})
}

// entityError attaches the entity to not-found errors.
func entityError(err error, entityType, key string) error {
	if errors.Is(err, routing.ErrEntityNotFound) || errors.Is(err, trash.ErrRowNotFound) {
		return apperror.NewEntityNotFound(entityType, key).WithCause(err)
	}
	return err
}
