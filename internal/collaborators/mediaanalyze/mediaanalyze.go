// Package mediaanalyze implements ports.MediaAnalyzer with a direct call to
// the Anthropic Messages API — no gRPC sidecar or codegen step, unlike the
// reference service's Python LLM service split.
package mediaanalyze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/textloom/orchestrator/internal/collaborators/resilience"
	"github.com/textloom/orchestrator/internal/ports"
)

// Analyzer is the Anthropic-backed ports.MediaAnalyzer.
type Analyzer struct {
	client anthropic.Client
	model  anthropic.Model
	policy *resilience.Policy
}

// New builds an Analyzer. model defaults to Claude 3.5 Sonnet when empty.
func New(apiKey string, model anthropic.Model) *Analyzer {
	if model == "" {
		model = anthropic.ModelClaude3_5SonnetLatest
	}
	return &Analyzer{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		policy: resilience.NewPolicy("media-analyzer"),
	}
}

// WithObserver attaches a metrics observer, returning a for chaining.
func (a *Analyzer) WithObserver(obs resilience.Observer) *Analyzer {
	a.policy.WithObserver(obs)
	return a
}

type analysisJSON struct {
	Description  string   `json:"description"`
	Tags         []string `json:"tags"`
	Theme        string   `json:"theme"`
	QualityScore *float64 `json:"quality_score,omitempty"`
}

// Analyze implements ports.MediaAnalyzer.
func (a *Analyzer) Analyze(ctx context.Context, item ports.MediaItemInput) (ports.AnalysisResult, error) {
	prompt := fmt.Sprintf(
		"Analyze this %s media asset at %s (mime type %s). Respond with ONLY a JSON object: "+
			`{"description": string, "tags": [string], "theme": string, "quality_score": number 0-1}`,
		item.MediaType, item.RemoteURL, item.MimeType)

	var result ports.AnalysisResult
	err := resilience.Call(ctx, a.policy, isRetryable, func(ctx context.Context) error {
		msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     a.model,
			MaxTokens: 1024,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return classify(err)
		}
		if len(msg.Content) == 0 {
			return ports.NewCollaboratorError(ports.Permanent, fmt.Errorf("analyzing %s: empty response", item.ID))
		}

		var parsed analysisJSON
		if err := json.Unmarshal([]byte(msg.Content[0].Text), &parsed); err != nil {
			return ports.NewCollaboratorError(ports.Permanent, fmt.Errorf("parsing analysis response for %s: %w", item.ID, err))
		}
		result = ports.AnalysisResult{
			Description:  parsed.Description,
			Tags:         parsed.Tags,
			Theme:        parsed.Theme,
			QualityScore: parsed.QualityScore,
		}
		return nil
	})
	if err != nil {
		return ports.AnalysisResult{}, err
	}
	return result, nil
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return ports.NewCollaboratorError(ports.Quota, err)
		case 500, 502, 503, 504:
			return ports.NewCollaboratorError(ports.Transient, err)
		default:
			return ports.NewCollaboratorError(ports.Permanent, err)
		}
	}
	return ports.NewCollaboratorError(ports.Transient, err)
}

func isRetryable(err error) bool {
	var ce *ports.CollaboratorError
	if errors.As(err, &ce) {
		return ce.Kind == ports.Transient
	}
	return true
}
