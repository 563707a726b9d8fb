package dto

// ProcessRequest is the optional body of POST /sync/process.
type ProcessRequest struct {
	BatchSize int `json:"batchSize" binding:"omitempty,min=1"`
}

// CleanupQuery binds DELETE /sync/cleanup.
type CleanupQuery struct {
	DaysOld int `form:"daysOld" binding:"omitempty,min=1"`
}

// CleanupResponse reports how many processed inbox rows were removed.
type CleanupResponse struct {
	DaysOld int   `json:"daysOld"`
	Deleted int64 `json:"deleted"`
}
