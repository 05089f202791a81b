// Package extractor talks to the headless-browser automation service.
// Its contract is deliberately small: given a provider target, return a
// captured manifest URL or fail. Whatever heuristics run inside the
// browser are the collaborator's business.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"streamrelay/models"
)

// ErrExtractionFailed covers every upstream failure reason. The resolver
// treats the reason as opaque and moves on to the next provider.
var ErrExtractionFailed = errors.New("extraction failed")

// Target identifies what the browser should extract.
type Target struct {
	Provider string `json:"provider"`
	Type     string `json:"type"` // movie | series
	ID       string `json:"id"`   // identifier in the provider's space
	Season   int    `json:"season,omitempty"`
	Episode  int    `json:"episode,omitempty"`
	Language string `json:"language,omitempty"`
}

// Result is a successful capture.
type Result struct {
	ManifestURL   string            `json:"manifestUrl"`
	SourcePageURL string            `json:"sourcePageUrl"`
	Subtitles     []models.Subtitle `json:"subtitles,omitempty"`
}

// Client is the HTTP client for the extraction service.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient builds a client with the given per-extraction timeout.
// Extractions drive a full browser session, so the timeout is on the
// order of tens of seconds.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
}

// Extract asks the collaborator to capture a manifest for the target.
// Transport-level failures are retried once; an answered failure is
// final for this attempt.
func (c *Client) Extract(ctx context.Context, target Target) (*Result, error) {
	payload, err := json.Marshal(target)
	if err != nil {
		return nil, err
	}

	return retry.DoWithData(
		func() (*Result, error) {
			return c.extractOnce(ctx, payload, target)
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
	)
}

func (c *Client) extractOnce(ctx context.Context, payload []byte, target Target) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call extractor: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read extractor response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &failure)
		reason := strings.TrimSpace(failure.Error)
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s %s: %s", ErrExtractionFailed, target.Provider, target.ID, reason)
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode extractor response: %w", err)
	}
	if strings.TrimSpace(result.ManifestURL) == "" {
		return nil, fmt.Errorf("%w: %s %s: empty manifest url", ErrExtractionFailed, target.Provider, target.ID)
	}
	return &result, nil
}

// isTransient limits retries to transport-level problems. An answered
// extraction failure is non-retryable within the same attempt.
func isTransient(err error) bool {
	if errors.Is(err, ErrExtractionFailed) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset")
}
