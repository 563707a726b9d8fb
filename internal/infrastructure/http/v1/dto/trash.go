package dto

import "medshard/internal/domain/trash"

// TrashListQuery binds GET /api/v1/trash.
type TrashListQuery struct {
	TenantID   int64  `form:"tenant_id" binding:"omitempty,min=1"`
	EntityType string `form:"entity_type"`
	State      string `form:"state" binding:"omitempty,oneof=active restored purged"`
	Limit      int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset     int    `form:"offset" binding:"omitempty,min=0"`
}

// Filter converts the query into a service filter.
func (q TrashListQuery) Filter() trash.Filter {
	return trash.Filter{
		TenantID:   q.TenantID,
		EntityType: q.EntityType,
		State:      trash.State(q.State),
		Limit:      q.Limit,
		Offset:     q.Offset,
	}
}
