// Package videomerge implements ports.VideoMergeSubmitter and
// ports.VideoMergePoller as a JSON/REST client against the external
// video-composition service, grounded on the retry/breaker wrapping pattern
// shared with internal/collaborators/mediafetch.
package videomerge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/textloom/orchestrator/internal/collaborators/resilience"
	"github.com/textloom/orchestrator/internal/ports"
)

// Client implements both ports.VideoMergeSubmitter and ports.VideoMergePoller
// against a single base URL.
type Client struct {
	baseURL string
	http    *http.Client
	policy  *resilience.Policy
}

// New builds a Client. httpClient defaults to http.DefaultClient when nil.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: httpClient, policy: resilience.NewPolicy("video-merge")}
}

// WithObserver attaches a metrics observer, returning c for chaining.
func (c *Client) WithObserver(obs resilience.Observer) *Client {
	c.policy.WithObserver(obs)
	return c
}

type submitResponse struct {
	ExternalID string `json:"external_id"`
}

// Submit implements ports.VideoMergeSubmitter. idempotencyKey is sent as the
// Idempotency-Key header; the external service is required to honor it for
// at least 24h (spec §6.5) so retried submissions never double-create a job.
func (c *Client) Submit(ctx context.Context, payload []byte, idempotencyKey string) (string, error) {
	var externalID string
	err := resilience.Call(ctx, c.policy, isRetryable, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", bytes.NewReader(payload))
		if err != nil {
			return ports.NewCollaboratorError(ports.Permanent, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", idempotencyKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return ports.NewCollaboratorError(ports.Transient, err)
		}
		defer resp.Body.Close()

		if err := statusToError(resp); err != nil {
			return err
		}

		var parsed submitResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return ports.NewCollaboratorError(ports.Permanent, fmt.Errorf("decoding submit response: %w", err))
		}
		externalID = parsed.ExternalID
		return nil
	})
	if err != nil {
		return "", err
	}
	return externalID, nil
}

type statusResponse struct {
	State        string `json:"state"`
	VideoURL     string `json:"video_url"`
	ThumbnailURL string `json:"thumbnail_url"`
	DurationMs   int    `json:"duration_ms"`
	Error        string `json:"error"`
}

// Status implements ports.VideoMergePoller.
func (c *Client) Status(ctx context.Context, externalID string) (ports.MergeStatus, error) {
	var result ports.MergeStatus
	err := resilience.Call(ctx, c.policy, isRetryable, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+externalID, nil)
		if err != nil {
			return ports.NewCollaboratorError(ports.Permanent, err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return ports.NewCollaboratorError(ports.Transient, err)
		}
		defer resp.Body.Close()

		if err := statusToError(resp); err != nil {
			return err
		}

		var parsed statusResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return ports.NewCollaboratorError(ports.Permanent, fmt.Errorf("decoding status response: %w", err))
		}
		result = ports.MergeStatus{
			State:        ports.MergeState(parsed.State),
			VideoURL:     parsed.VideoURL,
			ThumbnailURL: parsed.ThumbnailURL,
			DurationMs:   parsed.DurationMs,
			Err:          parsed.Error,
		}
		return nil
	})
	if err != nil {
		return ports.MergeStatus{}, err
	}
	return result, nil
}

func statusToError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("video merge service returned %d: %s", resp.StatusCode, string(body))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ports.NewCollaboratorError(ports.Permanent, err)
	case resp.StatusCode == http.StatusTooManyRequests:
		return ports.NewCollaboratorError(ports.Quota, err)
	case resp.StatusCode >= 500:
		return ports.NewCollaboratorError(ports.Transient, err)
	default:
		return ports.NewCollaboratorError(ports.Permanent, err)
	}
}

func isRetryable(err error) bool {
	var ce *ports.CollaboratorError
	if errors.As(err, &ce) {
		return ce.Kind == ports.Transient
	}
	return true
}
