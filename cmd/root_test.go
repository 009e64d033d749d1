package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/adalundhe/flowsync/core/config"
	"github.com/adalundhe/flowsync/core/document"
	"github.com/adalundhe/flowsync/core/history"
	"github.com/adalundhe/flowsync/core/queue"
)

func TestCommandRegistration(t *testing.T) {
	names := make(map[string]bool)
	for _, sub := range rootCmd.Commands() {
		names[sub.Name()] = true
	}

	assert.True(t, names["queue"])
	assert.True(t, names["history"])
	assert.True(t, names["hub"])
	assert.True(t, names["config"])
}

func TestQueueSubcommands(t *testing.T) {
	assert.NotNil(t, queueListCmd.RunE)
	assert.NotNil(t, queueBlockedCmd.RunE)
	assert.NotNil(t, queueDeadLettersCmd.RunE)
	assert.NotNil(t, queueRequeueCmd.RunE)
	assert.NotNil(t, queueStatsCmd.RunE)
}

func TestHistorySubcommands(t *testing.T) {
	assert.NotNil(t, historyListCmd.RunE)
	assert.NotNil(t, historySearchCmd.RunE)
	assert.NotNil(t, historyStatsCmd.RunE)
}

func TestWriteActions(t *testing.T) {
	var buf bytes.Buffer
	writeActions(&buf, []queue.QueuedAction{
		{
			ID:         "a1",
			Op:         queue.OpCreate,
			EntityType: document.EntityTask,
			EntityID:   "t1",
			Priority:   queue.PriorityNormal,
			EnqueuedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		},
	})

	out := buf.String()
	assert.Contains(t, out, "a1")
	assert.Contains(t, out, "create")
	assert.Contains(t, out, "task/t1")
	assert.Contains(t, out, "2026-08-01T12:00:00Z")
}

func TestWriteRecords(t *testing.T) {
	resolvedAt := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	writeRecords(&buf, []*history.ConflictHistoryRecord{
		{
			ID:                 "r1",
			ProjectID:          "p1",
			ConflictedAt:       time.Date(2026, 8, 2, 8, 0, 0, 0, time.UTC),
			Reason:             history.ReasonConcurrentEdit,
			ResolvedAt:         &resolvedAt,
			ResolutionStrategy: history.StrategyPreferLocal,
		},
		{
			ID:           "r2",
			ProjectID:    "p1",
			ConflictedAt: time.Date(2026, 8, 2, 8, 30, 0, 0, time.UTC),
			Reason:       history.ReasonDeleteVersusEdit,
		},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[1], "prefer_local")
	assert.Contains(t, lines[2], "delete_vs_edit")
}

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", ""} {
		logger := newLogger(config.LoggingConfig{Level: level, Format: "text"})
		assert.NotNil(t, logger)
	}
}
