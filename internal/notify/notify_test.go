package notify

import (
	"context"
	"testing"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textloom/orchestrator/internal/store"
)

func TestNewReturnsNilWithoutTokenOrChannel(t *testing.T) {
	assert.Nil(t, New(Config{}))
	assert.Nil(t, New(Config{Token: "xoxb-test"}))
	assert.Nil(t, New(Config{Channel: "#releases"}))
	assert.NotNil(t, New(Config{Token: "xoxb-test", Channel: "#releases"}))
}

func TestNilServiceNotifyTerminalIsNoop(t *testing.T) {
	var s *Service
	assert.NotPanics(t, func() {
		s.NotifyTerminal(context.Background(), &store.Task{ID: "t1", Status: store.TaskCompleted})
	})
}

func blockText(t *testing.T, b goslack.Block) string {
	t.Helper()
	section, ok := b.(*goslack.SectionBlock)
	require.True(t, ok)
	return section.Text.Text
}

func TestBuildTerminalMessageCompletedIncludesVideoLink(t *testing.T) {
	url := "https://cdn.example.test/out.mp4"
	task := &store.Task{ID: "t1", Title: "promo", Status: store.TaskCompleted, VideoURL: &url}

	blocks := buildTerminalMessage(task, "")
	require.Len(t, blocks, 2)
	assert.Contains(t, blockText(t, blocks[0]), "Video Ready")
	assert.Contains(t, blockText(t, blocks[0]), "promo")
	assert.Contains(t, blockText(t, blocks[1]), url)
}

func TestBuildTerminalMessageFailedIncludesErrorMessage(t *testing.T) {
	msg := "all variants failed"
	task := &store.Task{ID: "t2", Title: "promo", Status: store.TaskFailed, ErrorMessage: &msg}

	blocks := buildTerminalMessage(task, "")
	require.Len(t, blocks, 2)
	assert.Contains(t, blockText(t, blocks[0]), "Video Generation Failed")
	assert.Contains(t, blockText(t, blocks[1]), msg)
}

func TestBuildTerminalMessageAppendsDashboardLink(t *testing.T) {
	task := &store.Task{ID: "t3", Title: "promo", Status: store.TaskCancelled}

	blocks := buildTerminalMessage(task, "https://dash.example.test")
	require.Len(t, blocks, 2)
	assert.Contains(t, blockText(t, blocks[1]), "https://dash.example.test/tasks/t3")
}

func TestBuildTerminalMessageUnknownStatusFallsBackGracefully(t *testing.T) {
	task := &store.Task{ID: "t4", Title: "promo", Status: store.TaskPending}

	blocks := buildTerminalMessage(task, "")
	assert.Contains(t, blockText(t, blocks[0]), ":question:")
	assert.Contains(t, blockText(t, blocks[0]), "Task pending")
}
