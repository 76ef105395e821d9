package simulator_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/MegaGrindStone/carla-mcp/mcp"
	"github.com/MegaGrindStone/carla-mcp/servers/simulator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogHandler(t *testing.T) (*simulator.LogHandler, *bytes.Buffer, <-chan mcp.LogParams) {
	t.Helper()

	var buf bytes.Buffer
	h := simulator.NewLogHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	logs := make(chan mcp.LogParams, 100)
	go func() {
		for params := range h.LogStreams() {
			logs <- params
		}
		close(logs)
	}()
	t.Cleanup(h.Close)

	return h, &buf, logs
}

func nextLog(t *testing.T, logs <-chan mcp.LogParams) (mcp.LogParams, map[string]any) {
	t.Helper()
	select {
	case params := <-logs:
		var data map[string]any
		require.NoError(t, json.Unmarshal(params.Data, &data))
		return params, data
	case <-time.After(5 * time.Second):
		t.Fatal("no log forwarded")
	}
	return mcp.LogParams{}, nil
}

func expectNoLog(t *testing.T, logs <-chan mcp.LogParams) {
	t.Helper()
	select {
	case params := <-logs:
		t.Fatalf("unexpected log %s", params.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLogHandlerForwards(t *testing.T) {
	h, buf, logs := newLogHandler(t)
	logger := slog.New(h).With(slog.String("component", "simulator"))

	logger.Info("actor spawned", slog.Int("actor_id", 7), slog.Duration("took", time.Second))

	params, data := nextLog(t, logs)
	assert.Equal(t, mcp.LogLevelInfo, params.Level)
	assert.Equal(t, "simulator", params.Logger)
	assert.Equal(t, map[string]any{"message": "actor spawned", "actor_id": float64(7), "took": "1s"}, data)

	// The wrapped handler only logs warnings.
	assert.Empty(t, buf.String())

	logger.Error("tick failed", slog.Any("err", errors.New("boom")))
	params, data = nextLog(t, logs)
	assert.Equal(t, mcp.LogLevelError, params.Level)
	assert.Equal(t, "boom", data["err"])
	assert.Contains(t, buf.String(), "tick failed")
}

func TestLogHandlerLevel(t *testing.T) {
	h, _, logs := newLogHandler(t)
	logger := slog.New(h)

	logger.Debug("hidden")
	expectNoLog(t, logs)

	h.SetLogLevel(mcp.LogLevelDebug)
	logger.Debug("shown")
	params, data := nextLog(t, logs)
	assert.Equal(t, mcp.LogLevelDebug, params.Level)
	assert.Equal(t, "carla-mcp", params.Logger)
	assert.Equal(t, "shown", data["message"])

	h.SetLogLevel(mcp.LogLevelError)
	logger.Warn("quiet")
	expectNoLog(t, logs)

	// Invalid levels are ignored.
	h.SetLogLevel("verbose")
	logger.Warn("still quiet")
	expectNoLog(t, logs)
}

func TestLogHandlerGroups(t *testing.T) {
	h, _, logs := newLogHandler(t)

	slog.New(h).WithGroup("run").Info("frame", slog.Int("index", 3), slog.Group("actor", slog.Int("id", 9)))

	_, data := nextLog(t, logs)
	assert.Equal(t, float64(3), data["run.index"])
	assert.Equal(t, map[string]any{"id": float64(9)}, data["run.actor"])
}

func TestLogHandlerSkipsProtocolLogs(t *testing.T) {
	h, _, logs := newLogHandler(t)

	slog.New(h).With(slog.String("package", "mcp"), slog.String("component", "server")).
		Error("failed to send message")
	expectNoLog(t, logs)

	slog.New(h).Error("simulator error")
	params, _ := nextLog(t, logs)
	assert.Equal(t, mcp.LogLevelError, params.Level)
}
