package model

import "time"

// UploadRecord describes one stored image and its derived summary.
// SummaryText, SummaryGeneratedAt and SummaryRequestedAt are written together
// or not at all.
type UploadRecord struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	OwnerID            uint       `gorm:"not null;index:idx_upload_owner_created,priority:1" json:"owner_id"`
	ObjectKey          string     `gorm:"size:512;not null;uniqueIndex" json:"object_key"`
	DisplayName        string     `gorm:"size:256;not null" json:"display_name"`
	ByteSize           int64      `gorm:"not null" json:"byte_size"`
	MIMEType           string     `gorm:"column:mime_type;size:64;not null" json:"mime_type"`
	Width              int        `json:"width"`
	Height             int        `json:"height"`
	CreatedAt          time.Time  `gorm:"type:datetime(6);not null;index:idx_upload_owner_created,priority:2" json:"created_at"`
	SummaryText        *string    `gorm:"type:text" json:"summary_text,omitempty"`
	SummaryGeneratedAt *time.Time `gorm:"type:datetime(6)" json:"summary_generated_at,omitempty"`
	SummaryRequestedAt *time.Time `gorm:"type:datetime(6)" json:"-"`
}

func (UploadRecord) TableName() string {
	return "upload_records"
}

// HasSummary reports whether a summary has been persisted.
func (r *UploadRecord) HasSummary() bool {
	return r.SummaryText != nil && r.SummaryGeneratedAt != nil
}
