package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"snapsummary/internal/ai"
	"snapsummary/internal/metrics"
	"snapsummary/internal/model"
)

const defaultSummaryPrompt = "Summarize what is shown in this image in two or three sentences."

type SummaryConfig struct {
	Model        ai.ModelConfig
	Prompt       string
	SignedURLTTL time.Duration
}

type SummaryService struct {
	records UploadStore
	blobs   BlobStore
	fetcher ImageFetcher
	model   ImageDescriber
	events  EventPublisher
	cfg     SummaryConfig
	timeout Timeouts
	logger  *slog.Logger
	now     func() time.Time
}

func NewSummaryService(
	records UploadStore,
	blobs BlobStore,
	fetcher ImageFetcher,
	describer ImageDescriber,
	events EventPublisher,
	cfg SummaryConfig,
	timeouts Timeouts,
	logger *slog.Logger,
) *SummaryService {
	if strings.TrimSpace(cfg.Prompt) == "" {
		cfg.Prompt = defaultSummaryPrompt
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SummaryService{
		records: records,
		blobs:   blobs,
		fetcher: fetcher,
		model:   describer,
		events:  events,
		cfg:     cfg,
		timeout: timeouts,
		logger:  logger,
		now:     nowUTC,
	}
}

// SummarizeLatest summarizes the caller's most recent upload. The returned
// record carries the summary that is persisted when the call returns.
func (s *SummaryService) SummarizeLatest(ctx context.Context, principal Principal) (*model.UploadRecord, error) {
	if !principal.Authenticated() {
		return nil, ErrAuth
	}
	requestedAt := s.now()

	metaCtx, cancel := withTimeout(ctx, s.timeout.Metadata)
	record, err := s.records.LatestByOwner(metaCtx, principal.UserID)
	cancel()
	if err != nil {
		metrics.SummariesTotal.WithLabelValues("metadata_error").Inc()
		return nil, classify(ErrMetadata, "query latest upload", err)
	}
	if record == nil {
		metrics.SummariesTotal.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: nothing to summarize", ErrNotFound)
	}
	return s.summarize(ctx, principal, record, requestedAt)
}

// Summarize summarizes one specific upload owned by the caller.
func (s *SummaryService) Summarize(ctx context.Context, principal Principal, uploadID uint) (*model.UploadRecord, error) {
	if !principal.Authenticated() {
		return nil, ErrAuth
	}
	if uploadID == 0 {
		return nil, validationError("upload id is required")
	}
	requestedAt := s.now()

	record, err := s.get(ctx, principal, uploadID)
	if err != nil {
		metrics.SummariesTotal.WithLabelValues("metadata_error").Inc()
		return nil, err
	}
	if record == nil {
		metrics.SummariesTotal.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: upload %d", ErrNotFound, uploadID)
	}
	return s.summarize(ctx, principal, record, requestedAt)
}

func (s *SummaryService) summarize(ctx context.Context, principal Principal, record *model.UploadRecord, requestedAt time.Time) (*model.UploadRecord, error) {
	image, err := s.materialize(ctx, record)
	if err != nil {
		metrics.SummariesTotal.WithLabelValues("storage_error").Inc()
		return nil, err
	}

	text, err := s.describe(ctx, record.MIMEType, image)
	if err != nil {
		metrics.SummariesTotal.WithLabelValues("inference_error").Inc()
		return nil, err
	}

	generatedAt := s.now()
	metaCtx, cancel := withTimeout(ctx, s.timeout.Metadata)
	start := time.Now()
	applied, err := s.records.UpdateSummary(metaCtx, record.ID, text, generatedAt, requestedAt)
	metrics.ObserveCall("metadata_update", start, err)
	cancel()
	if err != nil {
		metrics.SummariesTotal.WithLabelValues("metadata_error").Inc()
		return nil, classify(ErrMetadata, "persist summary", err)
	}

	if !applied {
		// A request that started later already stored its summary.
		current, err := s.get(ctx, principal, record.ID)
		if err != nil {
			metrics.SummariesTotal.WithLabelValues("metadata_error").Inc()
			return nil, err
		}
		if current == nil {
			metrics.SummariesTotal.WithLabelValues("not_found").Inc()
			return nil, fmt.Errorf("%w: upload %d", ErrNotFound, record.ID)
		}
		metrics.SummariesTotal.WithLabelValues("superseded").Inc()
		s.logger.Info("summary superseded by newer request",
			slog.Uint64("upload_id", uint64(record.ID)),
			slog.Time("requested_at", requestedAt),
		)
		return current, nil
	}

	record.SummaryText = &text
	record.SummaryGeneratedAt = &generatedAt
	record.SummaryRequestedAt = &requestedAt

	metrics.SummariesTotal.WithLabelValues("ok").Inc()
	s.logger.Info("summary stored",
		slog.Uint64("upload_id", uint64(record.ID)),
		slog.Int("chars", len(text)),
	)
	publishEvent(ctx, s.events, s.logger, model.PipelineEvent{
		Type:       model.EventSummaryGenerated,
		UploadID:   record.ID,
		OwnerID:    record.OwnerID,
		ObjectKey:  record.ObjectKey,
		OccurredAt: generatedAt,
	})
	return record, nil
}

// materialize reads the blob back through a short-lived signed URL.
func (s *SummaryService) materialize(ctx context.Context, record *model.UploadRecord) ([]byte, error) {
	signCtx, cancel := withTimeout(ctx, s.timeout.Storage)
	url, err := s.blobs.SignedURL(signCtx, record.ObjectKey, s.cfg.SignedURLTTL)
	cancel()
	if err != nil {
		return nil, classify(ErrStorage, "sign url", err)
	}

	// The URL stops working after its TTL, so never wait longer than that.
	fetchTimeout := s.timeout.Fetch
	if fetchTimeout <= 0 || fetchTimeout > s.cfg.SignedURLTTL {
		fetchTimeout = s.cfg.SignedURLTTL
	}
	fetchCtx, cancel := withTimeout(ctx, fetchTimeout)
	defer cancel()
	start := time.Now()
	data, _, err := s.fetcher.Fetch(fetchCtx, url)
	metrics.ObserveCall("blob_fetch", start, err)
	if err != nil {
		return nil, classify(ErrStorage, "fetch image", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("fetch image failed: %w: empty body", ErrStorage)
	}
	return data, nil
}

func (s *SummaryService) describe(ctx context.Context, mimeType string, image []byte) (string, error) {
	callCtx, cancel := withTimeout(ctx, s.timeout.Inference)
	defer cancel()
	start := time.Now()
	text, err := s.model.DescribeImage(callCtx, s.cfg.Model, s.cfg.Prompt, mimeType, image)
	metrics.ObserveCall("inference", start, err)
	if err != nil {
		return "", classify(ErrInference, "describe image", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("describe image failed: %w: %w", ErrInference, ai.ErrMalformedResponse)
	}
	return text, nil
}

func (s *SummaryService) get(ctx context.Context, principal Principal, id uint) (*model.UploadRecord, error) {
	callCtx, cancel := withTimeout(ctx, s.timeout.Metadata)
	defer cancel()
	record, err := s.records.GetByIDAndOwner(callCtx, id, principal.UserID)
	if err != nil {
		return nil, classify(ErrMetadata, "get upload", err)
	}
	return record, nil
}
