// Package mediafetch implements ports.MediaFetcher by downloading a source
// URL over plain HTTP into the task workspace, grounded on the reference
// service's transport-error classification in pkg/mcp/recovery.go.
package mediafetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/textloom/orchestrator/internal/collaborators/resilience"
	"github.com/textloom/orchestrator/internal/ports"
)

// Fetcher is the HTTP-backed ports.MediaFetcher.
type Fetcher struct {
	client *http.Client
	policy *resilience.Policy
}

// New builds a Fetcher using httpClient for transport and breaker/retry
// policy scoped under the name "media-fetch".
func New(httpClient *http.Client) *Fetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Fetcher{client: httpClient, policy: resilience.NewPolicy("media-fetch")}
}

// WithObserver attaches a metrics observer, returning f for chaining.
func (f *Fetcher) WithObserver(obs resilience.Observer) *Fetcher {
	f.policy.WithObserver(obs)
	return f
}

// allowedSchemes restricts Fetch to http/https to avoid SSRF via file://,
// gopher://, or other url.Parse-legal-but-dangerous schemes.
var allowedSchemes = map[string]bool{"http": true, "https": true}

// Fetch implements ports.MediaFetcher.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, workspaceDir string) (ports.FetchResult, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || !allowedSchemes[parsed.Scheme] || parsed.Host == "" {
		return ports.FetchResult{}, ports.NewCollaboratorError(ports.Unsupported, fmt.Errorf("unsupported media url %q", rawURL))
	}

	var result ports.FetchResult
	err = resilience.Call(ctx, f.policy, isRetryableHTTP, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return ports.NewCollaboratorError(ports.Permanent, err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return ports.NewCollaboratorError(ports.Transient, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			return ports.NewCollaboratorError(ports.Permanent, fmt.Errorf("fetching %s: status %d", rawURL, resp.StatusCode))
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return ports.NewCollaboratorError(ports.Transient, fmt.Errorf("fetching %s: status %d", rawURL, resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return ports.NewCollaboratorError(ports.Permanent, fmt.Errorf("fetching %s: status %d", rawURL, resp.StatusCode))
		}

		destPath := destinationPath(workspaceDir, parsed, resp.Header.Get("Content-Type"))
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return ports.NewCollaboratorError(ports.Permanent, fmt.Errorf("preparing workspace: %w", err))
		}
		out, err := os.Create(destPath)
		if err != nil {
			return ports.NewCollaboratorError(ports.Permanent, fmt.Errorf("creating local file: %w", err))
		}
		defer out.Close()

		n, err := io.Copy(out, resp.Body)
		if err != nil {
			return ports.NewCollaboratorError(ports.Transient, fmt.Errorf("copying body: %w", err))
		}

		result = ports.FetchResult{
			LocalPath: destPath,
			Bytes:     n,
			MimeType:  contentType(resp.Header.Get("Content-Type"), destPath),
		}
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if parsed, perr := strconv.ParseInt(cl, 10, 64); perr == nil {
				result.Bytes = parsed
			}
		}
		return nil
	})
	if err != nil {
		return ports.FetchResult{}, err
	}
	return result, nil
}

func destinationPath(workspaceDir string, u *url.URL, contentType string) string {
	name := filepath.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		name = "asset"
	}
	return filepath.Join(workspaceDir, "media", name)
}

func contentType(header, path string) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil {
			return mt
		}
		return header
	}
	if ext := filepath.Ext(path); ext != "" {
		if mt := mime.TypeByExtension(ext); mt != "" {
			return mt
		}
	}
	return "application/octet-stream"
}

func isRetryableHTTP(err error) bool {
	var cerr *ports.CollaboratorError
	if errors.As(err, &cerr) {
		return cerr.Kind == ports.Transient
	}
	return strings.Contains(err.Error(), "timeout")
}
