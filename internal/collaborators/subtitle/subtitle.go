// Package subtitle implements ports.SubtitleRenderer as a fire-and-forget
// HTTP POST to a subtitle-burning service. The call is long-running and
// synchronous from the caller's point of view; the Poller invokes it in its
// own goroutine (spec §4.4) so a slow render never blocks poll cycles.
package subtitle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Renderer is the HTTP-backed ports.SubtitleRenderer.
type Renderer struct {
	baseURL string
	http    *http.Client
}

// New builds a Renderer. httpClient defaults to http.DefaultClient when nil.
func New(baseURL string, httpClient *http.Client) *Renderer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Renderer{baseURL: baseURL, http: httpClient}
}

type renderRequest struct {
	SubTaskID string `json:"sub_task_id"`
	VideoURL  string `json:"video_url"`
}

// Render implements ports.SubtitleRenderer. No backoff/breaker wrapping: a
// render failure degrades the child to a completed-with-warning state
// (spec §7) rather than being retried, so a single attempt is correct here.
func (r *Renderer) Render(ctx context.Context, subTaskID, videoURL string) error {
	body, err := json.Marshal(renderRequest{SubTaskID: subTaskID, VideoURL: videoURL})
	if err != nil {
		return fmt.Errorf("encoding render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling subtitle renderer for %s: %w", subTaskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("subtitle renderer returned %d for %s: %s", resp.StatusCode, subTaskID, string(respBody))
	}
	return nil
}
