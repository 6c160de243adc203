package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"snapsummary/internal/metrics"
	"snapsummary/internal/model"
	"snapsummary/internal/pkg/imagecheck"
)

const (
	maxKeyNameLen   = 64
	maxDisplayName  = 255
	eventPublishTTL = 2 * time.Second
)

type UploadLimits struct {
	MaxBytes         int64
	AllowedMIMETypes []string
}

type UploadService struct {
	blobs   BlobStore
	records UploadStore
	events  EventPublisher
	limits  UploadLimits
	timeout Timeouts
	logger  *slog.Logger
	now     func() time.Time
}

type SubmitInput struct {
	DisplayName string
	FileName    string
	MIMEType    string
	Data        []byte
	// SizeLimit lowers the configured ceiling for this call when positive.
	SizeLimit int64
}

func NewUploadService(
	blobs BlobStore,
	records UploadStore,
	events EventPublisher,
	limits UploadLimits,
	timeouts Timeouts,
	logger *slog.Logger,
) *UploadService {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadService{
		blobs:   blobs,
		records: records,
		events:  events,
		limits:  limits,
		timeout: timeouts,
		logger:  logger,
		now:     nowUTC,
	}
}

// Submit stores the image bytes and commits its metadata record. On success the
// blob exists under the returned record's ObjectKey; on failure no record exists
// and the blob was removed, unless an *OrphanedBlobError is returned.
func (s *UploadService) Submit(ctx context.Context, principal Principal, input SubmitInput) (*model.UploadRecord, error) {
	if !principal.Authenticated() {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrAuth
	}
	in, info, err := s.validate(input)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	createdAt := s.now()
	key := objectKey(principal.UserID, createdAt, in.FileName, in.DisplayName)

	if err := s.putBlob(ctx, key, in.Data, in.MIMEType); err != nil {
		metrics.UploadsTotal.WithLabelValues("storage_error").Inc()
		return nil, classify(ErrStorage, "store image", err)
	}

	record := &model.UploadRecord{
		OwnerID:     principal.UserID,
		ObjectKey:   key,
		DisplayName: in.DisplayName,
		ByteSize:    int64(len(in.Data)),
		MIMEType:    in.MIMEType,
		Width:       info.Width,
		Height:      info.Height,
		CreatedAt:   createdAt,
	}
	if err := s.insertRecord(ctx, record); err != nil {
		cause := classify(ErrMetadata, "insert upload record", err)
		if delErr := s.compensate(ctx, key); delErr != nil {
			metrics.UploadsTotal.WithLabelValues("orphaned").Inc()
			metrics.OrphanedBlobsTotal.Inc()
			s.logger.Error("orphaned blob after failed metadata insert",
				slog.String("object_key", key),
				slog.Uint64("owner_id", uint64(principal.UserID)),
				slog.Any("metadata_error", err),
				slog.Any("delete_error", delErr),
			)
			return nil, &OrphanedBlobError{ObjectKey: key, Cause: cause, CompensationErr: delErr}
		}
		metrics.UploadsTotal.WithLabelValues("metadata_error").Inc()
		s.logger.Warn("upload rolled back", slog.String("object_key", key), slog.Any("error", err))
		return nil, cause
	}

	metrics.UploadsTotal.WithLabelValues("ok").Inc()
	s.logger.Info("upload committed",
		slog.Uint64("upload_id", uint64(record.ID)),
		slog.String("object_key", key),
		slog.Int64("bytes", record.ByteSize),
	)
	s.publish(ctx, model.EventUploadCreated, record)
	return record, nil
}

// List returns the caller's uploads, newest first.
func (s *UploadService) List(ctx context.Context, principal Principal, limit int) ([]model.UploadRecord, error) {
	if !principal.Authenticated() {
		return nil, ErrAuth
	}
	callCtx, cancel := withTimeout(ctx, s.timeout.Metadata)
	defer cancel()
	records, err := s.records.ListByOwner(callCtx, principal.UserID, limit)
	if err != nil {
		return nil, classify(ErrMetadata, "list uploads", err)
	}
	return records, nil
}

// Latest returns the caller's most recent upload or ErrNotFound.
func (s *UploadService) Latest(ctx context.Context, principal Principal) (*model.UploadRecord, error) {
	if !principal.Authenticated() {
		return nil, ErrAuth
	}
	callCtx, cancel := withTimeout(ctx, s.timeout.Metadata)
	defer cancel()
	record, err := s.records.LatestByOwner(callCtx, principal.UserID)
	if err != nil {
		return nil, classify(ErrMetadata, "query latest upload", err)
	}
	if record == nil {
		return nil, fmt.Errorf("%w: no uploads", ErrNotFound)
	}
	return record, nil
}

// SignedURL issues a time-limited read URL for one of the caller's uploads.
func (s *UploadService) SignedURL(ctx context.Context, principal Principal, uploadID uint, ttl time.Duration) (string, error) {
	if !principal.Authenticated() {
		return "", ErrAuth
	}
	if uploadID == 0 {
		return "", validationError("upload id is required")
	}
	metaCtx, cancel := withTimeout(ctx, s.timeout.Metadata)
	record, err := s.records.GetByIDAndOwner(metaCtx, uploadID, principal.UserID)
	cancel()
	if err != nil {
		return "", classify(ErrMetadata, "get upload", err)
	}
	if record == nil {
		return "", fmt.Errorf("%w: upload %d", ErrNotFound, uploadID)
	}

	blobCtx, cancel := withTimeout(ctx, s.timeout.Storage)
	defer cancel()
	url, err := s.blobs.SignedURL(blobCtx, record.ObjectKey, ttl)
	if err != nil {
		return "", classify(ErrStorage, "sign url", err)
	}
	return url, nil
}

func (s *UploadService) validate(input SubmitInput) (SubmitInput, imagecheck.Info, error) {
	input.DisplayName = strings.TrimSpace(input.DisplayName)
	if input.DisplayName == "" {
		return input, imagecheck.Info{}, validationError("display name is required")
	}
	if len(input.DisplayName) > maxDisplayName {
		return input, imagecheck.Info{}, validationError("display name exceeds %d bytes", maxDisplayName)
	}
	if len(input.Data) == 0 {
		return input, imagecheck.Info{}, validationError("file is empty")
	}

	limit := s.limits.MaxBytes
	if input.SizeLimit > 0 && (limit <= 0 || input.SizeLimit < limit) {
		limit = input.SizeLimit
	}
	if limit > 0 && int64(len(input.Data)) > limit {
		return input, imagecheck.Info{}, validationError("file is %d bytes, limit is %d", len(input.Data), limit)
	}

	mimeType, err := normalizeMIME(input.MIMEType)
	if err != nil {
		return input, imagecheck.Info{}, err
	}
	if !s.allowed(mimeType) {
		return input, imagecheck.Info{}, validationError("unsupported image type %q", mimeType)
	}
	input.MIMEType = mimeType

	info, err := imagecheck.Verify(input.Data, mimeType)
	if err != nil {
		return input, imagecheck.Info{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return input, info, nil
}

func (s *UploadService) allowed(mimeType string) bool {
	if len(s.limits.AllowedMIMETypes) == 0 {
		return true
	}
	for _, t := range s.limits.AllowedMIMETypes {
		if strings.EqualFold(t, mimeType) {
			return true
		}
	}
	return false
}

func (s *UploadService) putBlob(ctx context.Context, key string, data []byte, mimeType string) error {
	callCtx, cancel := withTimeout(ctx, s.timeout.Storage)
	defer cancel()
	start := time.Now()
	err := s.blobs.Put(callCtx, key, data, mimeType)
	metrics.ObserveCall("blob_put", start, err)
	return err
}

func (s *UploadService) insertRecord(ctx context.Context, record *model.UploadRecord) error {
	callCtx, cancel := withTimeout(ctx, s.timeout.Metadata)
	defer cancel()
	start := time.Now()
	err := s.records.Insert(callCtx, record)
	metrics.ObserveCall("metadata_insert", start, err)
	return err
}

// compensate runs even if the caller has gone away.
func (s *UploadService) compensate(ctx context.Context, key string) error {
	callCtx, cancel := withTimeout(context.WithoutCancel(ctx), s.timeout.Storage)
	defer cancel()
	start := time.Now()
	err := s.blobs.Delete(callCtx, key)
	metrics.ObserveCall("blob_delete", start, err)
	if err != nil {
		return fmt.Errorf("delete object %s failed: %w", key, err)
	}
	return nil
}

func (s *UploadService) publish(ctx context.Context, eventType string, record *model.UploadRecord) {
	publishEvent(ctx, s.events, s.logger, model.PipelineEvent{
		Type:       eventType,
		UploadID:   record.ID,
		OwnerID:    record.OwnerID,
		ObjectKey:  record.ObjectKey,
		OccurredAt: s.now(),
	})
}

func publishEvent(ctx context.Context, events EventPublisher, logger *slog.Logger, event model.PipelineEvent) {
	if events == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTTL)
	defer cancel()
	if err := events.PublishEvent(callCtx, event); err != nil {
		logger.Warn("publish pipeline event failed",
			slog.String("type", event.Type),
			slog.Uint64("upload_id", uint64(event.UploadID)),
			slog.Any("error", err),
		)
	}
}

func normalizeMIME(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", validationError("mime type is required")
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return "", validationError("invalid mime type %q", raw)
	}
	if mediaType == "image/jpg" {
		mediaType = "image/jpeg"
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return "", validationError("mime type %q is not an image", mediaType)
	}
	return mediaType, nil
}

// objectKey builds uploads/<owner>/<unix-millis>_<uuid>_<name>.
func objectKey(ownerID uint, at time.Time, fileName, displayName string) string {
	name := sanitizeName(fileName)
	if name == "" {
		name = sanitizeName(displayName)
	}
	if name == "" {
		name = "image"
	}
	return fmt.Sprintf("uploads/%d/%d_%s_%s", ownerID, at.UnixMilli(), uuid.NewString(), name)
}

func sanitizeName(raw string) string {
	raw = path.Base(strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/"))
	if raw == "." || raw == "/" {
		return ""
	}

	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	name := strings.Trim(b.String(), "-.")
	if len(name) > maxKeyNameLen {
		name = strings.Trim(name[:maxKeyNameLen], "-.")
	}
	return name
}

// IsOrphanedBlob reports whether err carries an orphaned blob, and its key.
func IsOrphanedBlob(err error) (string, bool) {
	var orphan *OrphanedBlobError
	if errors.As(err, &orphan) {
		return orphan.ObjectKey, true
	}
	return "", false
}
