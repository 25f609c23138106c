package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceHandler_NoSpanPassesThrough(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	// No active span: no correlation attrs.
	_, hasTrace := rec["trace_id"]
	assert.False(t, hasTrace)
}

func TestTeeHandler_DeliversToAllChildren(t *testing.T) {
	t.Parallel()

	var a, b bytes.Buffer
	tee := NewTeeHandler(
		slog.NewJSONHandler(&a, nil),
		slog.NewJSONHandler(&b, nil),
	)
	logger := slog.New(tee)

	logger.Info("fan out", "k", "v")

	assert.Contains(t, a.String(), "fan out")
	assert.Contains(t, b.String(), "fan out")
}

func TestTeeHandler_RespectsChildLevels(t *testing.T) {
	t.Parallel()

	var quiet, chatty bytes.Buffer
	tee := NewTeeHandler(
		slog.NewJSONHandler(&quiet, &slog.HandlerOptions{Level: slog.LevelError}),
		slog.NewJSONHandler(&chatty, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	logger := slog.New(tee)

	logger.Debug("only chatty sees this")

	assert.Empty(t, quiet.String())
	assert.Contains(t, chatty.String(), "only chatty sees this")
}
