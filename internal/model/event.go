package model

import "time"

const (
	EventUploadCreated    = "upload.created"
	EventSummaryGenerated = "summary.generated"
)

// PipelineEvent is published after an upload or summary has been committed.
type PipelineEvent struct {
	Type       string    `json:"type"`
	UploadID   uint      `json:"upload_id"`
	OwnerID    uint      `json:"owner_id"`
	ObjectKey  string    `json:"object_key"`
	OccurredAt time.Time `json:"occurred_at"`
}
