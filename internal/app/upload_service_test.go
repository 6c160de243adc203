package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapsummary/internal/metrics"
)

var alice = Principal{UserID: 7, Username: "alice", TokenID: "t-1"}

type uploadFixture struct {
	svc     *UploadService
	blobs   *fakeBlobStore
	records *fakeUploadStore
	events  *fakeEvents
}

func newUploadFixture(t *testing.T) *uploadFixture {
	t.Helper()
	f := &uploadFixture{
		blobs:   newFakeBlobStore(),
		records: &fakeUploadStore{},
		events:  &fakeEvents{},
	}
	f.svc = NewUploadService(f.blobs, f.records, f.events,
		UploadLimits{
			MaxBytes:         5 << 20,
			AllowedMIMETypes: []string{"image/png", "image/jpeg", "image/gif", "image/webp"},
		},
		Timeouts{Storage: time.Second, Metadata: time.Second},
		discardLogger(),
	)
	f.svc.now = newStepClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)).Now
	return f
}

func TestSubmit_StoresBlobAndRecord(t *testing.T) {
	f := newUploadFixture(t)
	data := pngOfSize(t, 1200)

	rec, err := f.svc.Submit(context.Background(), alice, SubmitInput{
		DisplayName: "cat",
		FileName:    "cat.png",
		MIMEType:    "image/png",
		Data:        data,
		SizeLimit:   5_242_880,
	})
	require.NoError(t, err)

	assert.NotZero(t, rec.ID)
	assert.Equal(t, uint(7), rec.OwnerID)
	assert.Equal(t, "cat", rec.DisplayName)
	assert.Equal(t, int64(1200), rec.ByteSize)
	assert.Equal(t, "image/png", rec.MIMEType)
	assert.Equal(t, 8, rec.Width)
	assert.Nil(t, rec.SummaryText)
	assert.Nil(t, rec.SummaryGeneratedAt)
	assert.True(t, strings.HasPrefix(rec.ObjectKey, "uploads/7/"))
	assert.Contains(t, rec.ObjectKey, "cat")

	require.True(t, f.blobs.has(rec.ObjectKey))
	assert.Equal(t, data, f.blobs.objects[rec.ObjectKey])
	assert.Equal(t, rec.ObjectKey, f.records.byID(rec.ID).ObjectKey)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, "upload.created", f.events.events[0].Type)
	assert.Equal(t, rec.ID, f.events.events[0].UploadID)
}

func TestSubmit_SameNameGetsDistinctKeys(t *testing.T) {
	f := newUploadFixture(t)
	in := SubmitInput{DisplayName: "cat", MIMEType: "image/png", Data: pngOfSize(t, 300)}

	first, err := f.svc.Submit(context.Background(), alice, in)
	require.NoError(t, err)
	second, err := f.svc.Submit(context.Background(), alice, in)
	require.NoError(t, err)

	assert.NotEqual(t, first.ObjectKey, second.ObjectKey)
	assert.Equal(t, 2, f.blobs.putCalls)
}

func TestSubmit_RejectsOversizeBeforeAnyNetworkCall(t *testing.T) {
	f := newUploadFixture(t)

	_, err := f.svc.Submit(context.Background(), alice, SubmitInput{
		DisplayName: "big",
		MIMEType:    "image/png",
		Data:        make([]byte, 6_000_000),
		SizeLimit:   5_242_880,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, f.blobs.putCalls)
	assert.Zero(t, f.records.calls)
}

func TestSubmit_ValidationFailures(t *testing.T) {
	pngData := func(t *testing.T) []byte { return pngOfSize(t, 200) }

	tests := []struct {
		name      string
		principal Principal
		input     func(t *testing.T) SubmitInput
		want      error
	}{
		{
			name:      "unauthenticated",
			principal: Principal{},
			input: func(t *testing.T) SubmitInput {
				return SubmitInput{DisplayName: "x", MIMEType: "image/png", Data: pngData(t)}
			},
			want: ErrAuth,
		},
		{
			name:      "blank display name",
			principal: alice,
			input: func(t *testing.T) SubmitInput {
				return SubmitInput{DisplayName: "   ", MIMEType: "image/png", Data: pngData(t)}
			},
			want: ErrValidation,
		},
		{
			name:      "empty file",
			principal: alice,
			input: func(t *testing.T) SubmitInput {
				return SubmitInput{DisplayName: "x", MIMEType: "image/png"}
			},
			want: ErrValidation,
		},
		{
			name:      "not an image type",
			principal: alice,
			input: func(t *testing.T) SubmitInput {
				return SubmitInput{DisplayName: "x", MIMEType: "application/pdf", Data: pngData(t)}
			},
			want: ErrValidation,
		},
		{
			name:      "image type not allowed",
			principal: alice,
			input: func(t *testing.T) SubmitInput {
				return SubmitInput{DisplayName: "x", MIMEType: "image/tiff", Data: pngData(t)}
			},
			want: ErrValidation,
		},
		{
			name:      "bytes do not match declared type",
			principal: alice,
			input: func(t *testing.T) SubmitInput {
				return SubmitInput{DisplayName: "x", MIMEType: "image/jpeg", Data: pngData(t)}
			},
			want: ErrValidation,
		},
		{
			name:      "per call limit below configured ceiling",
			principal: alice,
			input: func(t *testing.T) SubmitInput {
				return SubmitInput{DisplayName: "x", MIMEType: "image/png", Data: pngData(t), SizeLimit: 100}
			},
			want: ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newUploadFixture(t)
			_, err := f.svc.Submit(context.Background(), tt.principal, tt.input(t))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, f.blobs.putCalls)
			assert.Zero(t, f.records.calls)
		})
	}
}

func TestSubmit_AcceptsParametersAndJPGAlias(t *testing.T) {
	f := newUploadFixture(t)
	rec, err := f.svc.Submit(context.Background(), alice, SubmitInput{
		DisplayName: "x",
		MIMEType:    "IMAGE/PNG; charset=binary",
		Data:        pngOfSize(t, 200),
	})
	require.NoError(t, err)
	assert.Equal(t, "image/png", rec.MIMEType)
}

func TestSubmit_StorageFailureLeavesNoRecord(t *testing.T) {
	f := newUploadFixture(t)
	f.blobs.putErr = errBoom

	_, err := f.svc.Submit(context.Background(), alice, SubmitInput{DisplayName: "x", MIMEType: "image/png", Data: pngOfSize(t, 200)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Zero(t, f.records.calls)
	assert.Empty(t, f.events.events)
}

func TestSubmit_StorageTimeoutIsClassified(t *testing.T) {
	f := newUploadFixture(t)
	f.blobs.blockPut = true
	f.svc.timeout.Storage = 20 * time.Millisecond

	_, err := f.svc.Submit(context.Background(), alice, SubmitInput{DisplayName: "x", MIMEType: "image/png", Data: pngOfSize(t, 200)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, f.records.calls)
}

func TestSubmit_MetadataFailureRemovesBlob(t *testing.T) {
	f := newUploadFixture(t)
	f.records.insertErr = errBoom

	rec, err := f.svc.Submit(context.Background(), alice, SubmitInput{DisplayName: "x", MIMEType: "image/png", Data: pngOfSize(t, 200)})
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrMetadata)
	_, orphaned := IsOrphanedBlob(err)
	assert.False(t, orphaned)

	assert.Equal(t, 1, f.blobs.putCalls)
	assert.Equal(t, 1, f.blobs.deleteCalls)
	assert.Empty(t, f.blobs.objects)
	assert.Empty(t, f.records.records)
}

func TestSubmit_CompensationFailureReportsOrphan(t *testing.T) {
	f := newUploadFixture(t)
	f.records.insertErr = errBoom
	f.blobs.deleteErr = errors.New("delete refused")
	orphansBefore := testutil.ToFloat64(metrics.OrphanedBlobsTotal)
	orphanedOutcomeBefore := testutil.ToFloat64(metrics.UploadsTotal.WithLabelValues("orphaned"))

	_, err := f.svc.Submit(context.Background(), alice, SubmitInput{DisplayName: "x", MIMEType: "image/png", Data: pngOfSize(t, 200)})
	require.Error(t, err)

	var orphan *OrphanedBlobError
	require.ErrorAs(t, err, &orphan)
	assert.True(t, f.blobs.has(orphan.ObjectKey))
	assert.ErrorIs(t, err, ErrMetadata)
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "delete refused")

	key, ok := IsOrphanedBlob(err)
	assert.True(t, ok)
	assert.Equal(t, orphan.ObjectKey, key)

	assert.Equal(t, orphansBefore+1, testutil.ToFloat64(metrics.OrphanedBlobsTotal))
	assert.Equal(t, orphanedOutcomeBefore+1, testutil.ToFloat64(metrics.UploadsTotal.WithLabelValues("orphaned")))
}

func TestSubmit_SuccessfulCompensationIsNotCountedAsOrphan(t *testing.T) {
	f := newUploadFixture(t)
	f.records.insertErr = errBoom
	before := testutil.ToFloat64(metrics.OrphanedBlobsTotal)

	_, err := f.svc.Submit(context.Background(), alice, SubmitInput{DisplayName: "x", MIMEType: "image/png", Data: pngOfSize(t, 200)})
	require.ErrorIs(t, err, ErrMetadata)
	assert.Equal(t, before, testutil.ToFloat64(metrics.OrphanedBlobsTotal))
}

func TestSubmit_CompensationRunsAfterCallerCancels(t *testing.T) {
	f := newUploadFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.records.insertErr = context.Canceled
	defer cancel()

	// Cancel once the blob is written, so the insert fails on a dead context.
	f.svc.blobs = &cancelAfterPut{fakeBlobStore: f.blobs, cancel: cancel}

	_, err := f.svc.Submit(ctx, alice, SubmitInput{DisplayName: "x", MIMEType: "image/png", Data: pngOfSize(t, 200)})
	require.ErrorIs(t, err, ErrMetadata)
	assert.Equal(t, 1, f.blobs.deleteCalls)
	assert.Empty(t, f.blobs.objects)
}

type cancelAfterPut struct {
	*fakeBlobStore
	cancel context.CancelFunc
}

func (c *cancelAfterPut) Put(ctx context.Context, key string, data []byte, contentType string) error {
	err := c.fakeBlobStore.Put(ctx, key, data, contentType)
	c.cancel()
	return err
}

func (c *cancelAfterPut) Delete(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return c.fakeBlobStore.Delete(ctx, key)
}

func TestSubmit_EventFailureDoesNotFailUpload(t *testing.T) {
	f := newUploadFixture(t)
	f.events.err = errBoom

	rec, err := f.svc.Submit(context.Background(), alice, SubmitInput{DisplayName: "x", MIMEType: "image/png", Data: pngOfSize(t, 200)})
	require.NoError(t, err)
	assert.True(t, f.blobs.has(rec.ObjectKey))
}

func TestLatestAndList(t *testing.T) {
	f := newUploadFixture(t)

	_, err := f.svc.Latest(context.Background(), alice)
	assert.ErrorIs(t, err, ErrNotFound)

	for _, name := range []string{"one", "two"} {
		_, err := f.svc.Submit(context.Background(), alice, SubmitInput{DisplayName: name, MIMEType: "image/png", Data: pngOfSize(t, 200)})
		require.NoError(t, err)
	}

	latest, err := f.svc.Latest(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, "two", latest.DisplayName)

	list, err := f.svc.List(context.Background(), alice, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "two", list[0].DisplayName)

	other, err := f.svc.List(context.Background(), Principal{UserID: 99}, 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSignedURL_OnlyForOwner(t *testing.T) {
	f := newUploadFixture(t)
	rec, err := f.svc.Submit(context.Background(), alice, SubmitInput{DisplayName: "x", MIMEType: "image/png", Data: pngOfSize(t, 200)})
	require.NoError(t, err)

	url, err := f.svc.SignedURL(context.Background(), alice, rec.ID, time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url, rec.ObjectKey)
	assert.Equal(t, time.Minute, f.blobs.signedTTL)

	_, err = f.svc.SignedURL(context.Background(), Principal{UserID: 99}, rec.ID, time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestObjectKey(t *testing.T) {
	at := time.UnixMilli(1714564800123)

	tests := []struct {
		name        string
		fileName    string
		displayName string
		wantSuffix  string
	}{
		{name: "file name wins", fileName: "My Cat.PNG", displayName: "ignored", wantSuffix: "_my-cat.png"},
		{name: "path stripped", fileName: `C:\photos\dog.jpg`, displayName: "x", wantSuffix: "_dog.jpg"},
		{name: "falls back to display name", fileName: "", displayName: "Sunset at the beach", wantSuffix: "_sunset-at-the-beach"},
		{name: "nothing usable", fileName: "???", displayName: "!!!", wantSuffix: "_image"},
		{name: "traversal", fileName: "../../etc/passwd", displayName: "x", wantSuffix: "_passwd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := objectKey(3, at, tt.fileName, tt.displayName)
			assert.True(t, strings.HasPrefix(key, "uploads/3/1714564800123_"), key)
			assert.True(t, strings.HasSuffix(key, tt.wantSuffix), key)
			assert.NotContains(t, key, "..")
		})
	}
}

func TestSanitizeName_Truncates(t *testing.T) {
	name := sanitizeName(strings.Repeat("a", 200) + ".png")
	assert.LessOrEqual(t, len(name), maxKeyNameLen)
}

func TestClassify(t *testing.T) {
	err := classify(ErrStorage, "put", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	err = classify(ErrInference, "describe", errBoom)
	assert.ErrorIs(t, err, ErrInference)
	assert.NotErrorIs(t, err, ErrTimeout)
}
