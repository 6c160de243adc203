package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrMalformedResponse is returned when a 2xx response does not carry generated text.
var ErrMalformedResponse = errors.New("malformed generateContent response")

// APIError is a non-2xx answer from the inference endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini response status %d: %s", e.StatusCode, e.Body)
}

type ModelConfig struct {
	BaseURL    string
	APIVersion string
	APIKey     string
	Model      string
}

type InlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

// Part holds either Text or InlineData.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inline_data,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type generateRequest struct {
	Contents []Content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content *struct {
			Parts []struct {
				Text *string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// text returns the concatenated text parts of the first candidate.
func (r *generateResponse) text() (string, error) {
	if len(r.Candidates) == 0 {
		if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("%w: prompt blocked (%s)", ErrMalformedResponse, r.PromptFeedback.BlockReason)
		}
		return "", fmt.Errorf("%w: no candidates", ErrMalformedResponse)
	}
	content := r.Candidates[0].Content
	if content == nil {
		return "", fmt.Errorf("%w: candidate has no content (finish reason %q)", ErrMalformedResponse, r.Candidates[0].FinishReason)
	}
	var sb strings.Builder
	found := false
	for _, p := range content.Parts {
		if p.Text != nil {
			found = true
			sb.WriteString(*p.Text)
		}
	}
	if !found {
		return "", fmt.Errorf("%w: candidate has no text part", ErrMalformedResponse)
	}
	return sb.String(), nil
}

type GeminiClient struct {
	httpClient *http.Client
}

func NewGeminiClient() *GeminiClient {
	return &GeminiClient{
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
}

// NewGeminiClientWithHTTP lets callers supply their own transport.
func NewGeminiClientWithHTTP(httpClient *http.Client) *GeminiClient {
	return &GeminiClient{httpClient: httpClient}
}

// GenerateContent sends contents to {base}/{version}/models/{model}:generateContent
// and returns the generated text.
func (c *GeminiClient) GenerateContent(ctx context.Context, cfg ModelConfig, contents []Content) (string, error) {
	resp, err := c.post(ctx, cfg, "generateContent", "", contents)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read gemini response failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
	}

	var parsed generateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return parsed.text()
}

// DescribeImage asks the model to respond to prompt about one inline image.
func (c *GeminiClient) DescribeImage(ctx context.Context, cfg ModelConfig, prompt, mimeType string, image []byte) (string, error) {
	return c.GenerateContent(ctx, cfg, []Content{{
		Role: "user",
		Parts: []Part{
			{Text: prompt},
			{InlineData: &InlineData{
				MIMEType: mimeType,
				Data:     base64.StdEncoding.EncodeToString(image),
			}},
		},
	}})
}

// StreamGenerateContent uses the SSE variant of the endpoint and calls onChunk
// for every text delta. The full text is returned once the stream ends.
func (c *GeminiClient) StreamGenerateContent(
	ctx context.Context,
	cfg ModelConfig,
	contents []Content,
	onChunk func(chunk string) error,
) (string, error) {
	resp, err := c.post(ctx, cfg, "streamGenerateContent", "alt=sse", contents)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return "", &APIError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var full strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var chunk generateResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		text, err := chunk.text()
		if err != nil || text == "" {
			// trailing chunks may carry only finishReason or usage metadata
			continue
		}

		full.WriteString(text)
		if err := onChunk(text); err != nil {
			return "", err
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan gemini stream failed: %w", err)
	}
	if full.Len() == 0 {
		return "", fmt.Errorf("%w: stream carried no text", ErrMalformedResponse)
	}
	return full.String(), nil
}

func (c *GeminiClient) post(ctx context.Context, cfg ModelConfig, method, query string, contents []Content) (*http.Response, error) {
	if len(contents) == 0 {
		return nil, fmt.Errorf("gemini request has no contents")
	}
	bodyBytes, err := json.Marshal(generateRequest{Contents: contents})
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request failed: %w", err)
	}

	url := fmt.Sprintf("%s/%s/models/%s:%s",
		strings.TrimRight(cfg.BaseURL, "/"),
		strings.Trim(cfg.APIVersion, "/"),
		cfg.Model,
		method,
	)
	if query != "" {
		url += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build gemini request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
