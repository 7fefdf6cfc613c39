// Package notify sends Slack notifications on task terminal states,
// adapted from the reference service's pkg/slack session-started/
// session-completed notifications (spec §7's operator-facing observability
// surface — not part of the state machine itself).
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/textloom/orchestrator/internal/store"
)

var statusEmoji = map[store.TaskStatus]string{
	store.TaskCompleted:      ":white_check_mark:",
	store.TaskFailed:         ":x:",
	store.TaskCancelled:      ":no_entry_sign:",
	store.TaskPartialSuccess: ":warning:",
}

var statusLabel = map[store.TaskStatus]string{
	store.TaskCompleted:      "Video Ready",
	store.TaskFailed:         "Video Generation Failed",
	store.TaskCancelled:      "Video Generation Cancelled",
	store.TaskPartialSuccess: "Video Ready (Partial)",
}

// Config configures a Service. Token and Channel must both be non-empty for
// notifications to actually send.
type Config struct {
	Token        string
	Channel      string
	DashboardURL string
}

// Service notifies a Slack channel when a Task reaches a terminal status.
// Nil-safe: every method is a no-op when Service is nil, so callers can
// construct one unconditionally from optional config and pass it around
// without a feature-flag check at every call site.
type Service struct {
	api          *goslack.Client
	channel      string
	dashboardURL string
}

// New builds a Service, or returns nil if Token/Channel are not configured —
// Slack notification is an optional operator convenience, never required
// for the state machine to function.
func New(cfg Config) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		api:          goslack.New(cfg.Token),
		channel:      cfg.Channel,
		dashboardURL: cfg.DashboardURL,
	}
}

// NotifyTerminal posts a terminal-state message for a task. Fail-open:
// errors are logged, never returned, since a notification failure must
// never affect task processing.
func (s *Service) NotifyTerminal(ctx context.Context, task *store.Task) {
	if s == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	blocks := buildTerminalMessage(task, s.dashboardURL)
	if _, _, err := s.api.PostMessageContext(ctx, s.channel, goslack.MsgOptionBlocks(blocks...)); err != nil {
		slog.Error("slack terminal notification failed", "task_id", task.ID, "status", task.Status, "error", err)
	}
}

func buildTerminalMessage(task *store.Task, dashboardURL string) []goslack.Block {
	emoji := statusEmoji[task.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := statusLabel[task.Status]
	if label == "" {
		label = "Task " + string(task.Status)
	}

	header := fmt.Sprintf("%s *%s* — %s", emoji, label, task.Title)
	blocks := []goslack.Block{
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false), nil, nil),
	}

	var detail string
	switch {
	case task.VideoURL != nil:
		detail = fmt.Sprintf("<%s|View video>", *task.VideoURL)
	case task.ErrorMessage != nil:
		detail = *task.ErrorMessage
	}
	if dashboardURL != "" {
		url := fmt.Sprintf("%s/tasks/%s", dashboardURL, task.ID)
		if detail != "" {
			detail += "\n"
		}
		detail += fmt.Sprintf("<%s|View in Dashboard>", url)
	}
	if detail != "" {
		blocks = append(blocks, goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, detail, false, false), nil, nil))
	}

	return blocks
}
