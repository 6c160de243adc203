package app

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"snapsummary/internal/ai"
	"snapsummary/internal/model"
)

var errBoom = errors.New("boom")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pngOfSize returns a valid PNG padded with trailing zeros to exactly n bytes.
func pngOfSize(t *testing.T, n int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.RGBA{G: 200, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.LessOrEqual(t, buf.Len(), n)
	out := make([]byte, n)
	copy(out, buf.Bytes())
	return out
}

type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newStepClock(start time.Time) *stepClock {
	return &stepClock{t: start, step: time.Millisecond}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

type fakeBlobStore struct {
	mu          sync.Mutex
	objects     map[string][]byte
	putErr      error
	deleteErr   error
	signErr     error
	blockPut    bool
	putCalls    int
	deleteCalls int
	signCalls   int
	signedTTL   time.Duration
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}}
}

func (f *fakeBlobStore) Put(ctx context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	f.putCalls++
	block, putErr := f.blockPut, f.putErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if putErr != nil {
		return putErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[key]; ok {
		return errors.New("object exists")
	}
	f.objects[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeBlobStore) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signCalls++
	f.signedTTL = ttl
	if f.signErr != nil {
		return "", f.signErr
	}
	return "https://blobs.test/" + key + "?sig=1", nil
}

func (f *fakeBlobStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeBlobStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

type fakeUploadStore struct {
	mu        sync.Mutex
	records   []model.UploadRecord
	nextID    uint
	insertErr error
	updateErr error
	queryErr  error
	calls     int
}

func (f *fakeUploadStore) Insert(_ context.Context, record *model.UploadRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.insertErr != nil {
		return f.insertErr
	}
	f.nextID++
	record.ID = f.nextID
	f.records = append(f.records, *record)
	return nil
}

func (f *fakeUploadStore) UpdateSummary(_ context.Context, id uint, text string, generatedAt, requestedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.updateErr != nil {
		return false, f.updateErr
	}
	for i := range f.records {
		rec := &f.records[i]
		if rec.ID != id {
			continue
		}
		if rec.SummaryRequestedAt != nil && rec.SummaryRequestedAt.After(requestedAt) {
			return false, nil
		}
		rec.SummaryText = &text
		rec.SummaryGeneratedAt = &generatedAt
		rec.SummaryRequestedAt = &requestedAt
		return true, nil
	}
	return false, nil
}

func (f *fakeUploadStore) LatestByOwner(_ context.Context, ownerID uint) (*model.UploadRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	owned := f.owned(ownerID)
	if len(owned) == 0 {
		return nil, nil
	}
	return &owned[0], nil
}

func (f *fakeUploadStore) GetByIDAndOwner(_ context.Context, id, ownerID uint) (*model.UploadRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	for _, rec := range f.records {
		if rec.ID == id && rec.OwnerID == ownerID {
			out := rec
			return &out, nil
		}
	}
	return nil, nil
}

func (f *fakeUploadStore) ListByOwner(_ context.Context, ownerID uint, limit int) ([]model.UploadRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	owned := f.owned(ownerID)
	if limit > 0 && len(owned) > limit {
		owned = owned[:limit]
	}
	return owned, nil
}

func (f *fakeUploadStore) owned(ownerID uint) []model.UploadRecord {
	var out []model.UploadRecord
	for _, rec := range f.records {
		if rec.OwnerID == ownerID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (f *fakeUploadStore) byID(id uint) model.UploadRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.ID == id {
			return rec
		}
	}
	return model.UploadRecord{}
}

type fakeFetcher struct {
	blobs  *fakeBlobStore
	err    error
	calls  int
	gotURL string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, string, error) {
	f.calls++
	f.gotURL = url
	if f.err != nil {
		return nil, "", f.err
	}
	f.blobs.mu.Lock()
	defer f.blobs.mu.Unlock()
	for key, data := range f.blobs.objects {
		if url == "https://blobs.test/"+key+"?sig=1" {
			return data, "application/octet-stream", nil
		}
	}
	return nil, "", errors.New("404")
}

type fakeDescriber struct {
	text     string
	err      error
	block    bool
	calls    int
	gotMIME  string
	gotImage []byte
}

func (f *fakeDescriber) DescribeImage(ctx context.Context, _ ai.ModelConfig, _ string, mimeType string, image []byte) (string, error) {
	f.calls++
	f.gotMIME = mimeType
	f.gotImage = image
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.text, f.err
}

type fakeEvents struct {
	mu     sync.Mutex
	events []model.PipelineEvent
	err    error
}

func (f *fakeEvents) PublishEvent(_ context.Context, event model.PipelineEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}
