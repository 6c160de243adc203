package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusError is a non-2xx answer to a signed-URL GET.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch object status %d", e.StatusCode)
}

// HTTPFetcher downloads objects through signed URLs.
type HTTPFetcher struct {
	httpClient *http.Client
	maxBytes   int64
}

func NewHTTPFetcher(maxBytes int64) *HTTPFetcher {
	return &HTTPFetcher{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		maxBytes:   maxBytes,
	}
}

// Fetch returns the body and its Content-Type. Bodies larger than maxBytes are rejected.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build fetch request failed: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch object failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, "", &StatusError{StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read object body failed: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", fmt.Errorf("object body exceeds %d bytes", f.maxBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
