// Package scriptgen implements ports.ScriptGenerator with two pluggable
// backends, mirroring the multi-provider split the kubernaut example keeps
// under pkg/ai: a direct Anthropic adapter and a langchaingo-mediated
// adapter for providers langchaingo wraps (OpenAI, local models, etc).
package scriptgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tmc/langchaingo/llms"
	lcanthropic "github.com/tmc/langchaingo/llms/anthropic"

	"github.com/textloom/orchestrator/internal/collaborators/resilience"
	"github.com/textloom/orchestrator/internal/ports"
)

// Backend selects which LLM client New wires up.
type Backend string

// Supported backends.
const (
	BackendAnthropicDirect Backend = "anthropic"
	BackendLangchain       Backend = "langchain"
)

// Config configures New.
type Config struct {
	Backend Backend
	APIKey  string
	Model   string
}

// Generator is the LLM-backed ports.ScriptGenerator.
type Generator struct {
	direct    *anthropic.Client
	directMdl anthropic.Model
	chain     llms.Model
	policy    *resilience.Policy
}

// New builds a Generator for the configured Backend.
func New(cfg Config) (*Generator, error) {
	g := &Generator{policy: resilience.NewPolicy("script-generator")}
	switch cfg.Backend {
	case "", BackendAnthropicDirect:
		client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
		g.direct = &client
		g.directMdl = anthropic.Model(cfg.Model)
		if g.directMdl == "" {
			g.directMdl = anthropic.ModelClaude3_5SonnetLatest
		}
	case BackendLangchain:
		model := cfg.Model
		if model == "" {
			model = "claude-3-5-sonnet-20241022"
		}
		chain, err := lcanthropic.New(lcanthropic.WithModel(model), lcanthropic.WithToken(cfg.APIKey))
		if err != nil {
			return nil, fmt.Errorf("constructing langchain backend: %w", err)
		}
		g.chain = chain
	default:
		return nil, fmt.Errorf("unknown script generator backend %q", cfg.Backend)
	}
	return g, nil
}

// WithObserver attaches a metrics observer, returning g for chaining.
func (g *Generator) WithObserver(obs resilience.Observer) *Generator {
	g.policy.WithObserver(obs)
	return g
}

type sceneJSON struct {
	Text         string   `json:"text"`
	DurationS    int      `json:"duration_s"`
	MediaItemIDs []string `json:"media_item_ids"`
}

type scriptJSON struct {
	Titles             []string    `json:"titles"`
	EstimatedDurationS int         `json:"estimated_duration_s"`
	Scenes             []sceneJSON `json:"scenes"`
}

// Generate implements ports.ScriptGenerator.
func (g *Generator) Generate(ctx context.Context, task ports.TaskContext, analyses []ports.AnalysisContext, style string) (ports.ScriptResult, error) {
	prompt := buildPrompt(task, analyses, style)

	var raw string
	err := resilience.Call(ctx, g.policy, isRetryable, func(ctx context.Context) error {
		var err error
		if g.direct != nil {
			raw, err = g.generateDirect(ctx, prompt)
		} else {
			raw, err = g.generateChain(ctx, prompt)
		}
		return err
	})
	if err != nil {
		return ports.ScriptResult{}, err
	}

	var parsed scriptJSON
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return ports.ScriptResult{}, ports.NewCollaboratorError(ports.Permanent, fmt.Errorf("parsing script for %s: %w", task.TaskID, err))
	}

	scenes := make([]ports.ScriptSceneInput, 0, len(parsed.Scenes))
	wordCount := 0
	for _, sc := range parsed.Scenes {
		scenes = append(scenes, ports.ScriptSceneInput{
			Text:         sc.Text,
			DurationS:    sc.DurationS,
			MediaItemIDs: sc.MediaItemIDs,
		})
		wordCount += len(strings.Fields(sc.Text))
	}

	return ports.ScriptResult{
		Titles:             parsed.Titles,
		WordCount:          wordCount,
		EstimatedDurationS: parsed.EstimatedDurationS,
		Scenes:             scenes,
	}, nil
}

func (g *Generator) generateDirect(ctx context.Context, prompt string) (string, error) {
	msg, err := g.direct.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     g.directMdl,
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", classifyAnthropic(err)
	}
	if len(msg.Content) == 0 {
		return "", ports.NewCollaboratorError(ports.Permanent, errors.New("empty script response"))
	}
	return msg.Content[0].Text, nil
}

func (g *Generator) generateChain(ctx context.Context, prompt string) (string, error) {
	completion, err := llms.GenerateFromSinglePrompt(ctx, g.chain, prompt)
	if err != nil {
		return "", ports.NewCollaboratorError(ports.Transient, err)
	}
	return completion, nil
}

func buildPrompt(task ports.TaskContext, analyses []ports.AnalysisContext, style string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write a %q-style short video script for %q.\n", style, task.Title)
	if task.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", task.Description)
	}
	sb.WriteString("Available material:\n")
	for _, a := range analyses {
		fmt.Fprintf(&sb, "- media_item_id=%s theme=%q tags=%v: %s\n", a.MediaItemID, a.Theme, a.Tags, a.Description)
	}
	sb.WriteString(`Respond with ONLY a JSON object: {"titles": [string], "estimated_duration_s": int, ` +
		`"scenes": [{"text": string, "duration_s": int, "media_item_ids": [string]}]}`)
	return sb.String()
}

func classifyAnthropic(err error) error {
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
