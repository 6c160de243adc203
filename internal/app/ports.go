package app

import (
	"context"
	"time"

	"snapsummary/internal/ai"
	"snapsummary/internal/model"
)

// Principal is the authenticated caller. Coordinators receive it explicitly.
type Principal struct {
	UserID    uint
	Username  string
	TokenID   string
	ExpiresAt time.Time
}

func (p Principal) Authenticated() bool {
	return p.UserID != 0
}

type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

type UploadStore interface {
	Insert(ctx context.Context, record *model.UploadRecord) error
	UpdateSummary(ctx context.Context, id uint, text string, generatedAt, requestedAt time.Time) (bool, error)
	LatestByOwner(ctx context.Context, ownerID uint) (*model.UploadRecord, error)
	GetByIDAndOwner(ctx context.Context, id, ownerID uint) (*model.UploadRecord, error)
	ListByOwner(ctx context.Context, ownerID uint, limit int) ([]model.UploadRecord, error)
}

type ImageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

type ImageDescriber interface {
	DescribeImage(ctx context.Context, cfg ai.ModelConfig, prompt, mimeType string, image []byte) (string, error)
}

// EventPublisher delivers pipeline events. Delivery is best-effort.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event model.PipelineEvent) error
}

// Timeouts bound each remote call made by a coordinator.
type Timeouts struct {
	Storage   time.Duration
	Metadata  time.Duration
	Inference time.Duration
	Fetch     time.Duration
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
