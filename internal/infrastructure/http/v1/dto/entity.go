package dto

import "medshard/internal/domain/trash"

// LocationResponse answers GET /api/v1/entities/:type/:key/location.
type LocationResponse struct {
	EntityType string `json:"entityType"`
	Key        string `json:"key"`
	TenantID   int64  `json:"tenantId"`
}

// DeleteEntityRequest is the optional body of DELETE /api/v1/entities/:type/:key.
// HospitalID is the body hint; it loses to the query hint.
type DeleteEntityRequest struct {
	HospitalID any    `json:"hospital_id"`
	Reason     string `json:"reason" binding:"max=1000"`
}

// DeleteEntityResponse names the trash record that can undo the delete.
type DeleteEntityResponse struct {
	TenantID int64         `json:"tenantId"`
	Trash    *trash.Record `json:"trash"`
}
