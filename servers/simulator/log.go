package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/carla-mcp/mcp"
)

// LogHandler is a slog.Handler that passes records to another handler and forwards
// them to MCP clients as notifications/message. It implements mcp.LogHandler.
//
// Records logged by the mcp package itself are never forwarded, so a failing client
// connection cannot feed on its own error logs.
type LogHandler struct {
	next   slog.Handler
	shared *logShared

	attrs  []slog.Attr
	prefix string
	local  bool
}

type logShared struct {
	severity atomic.Int32
	logs     chan mcp.LogParams
	done     chan struct{}
	once     sync.Once
}

const (
	defaultLoggerName = "carla-mcp"
	logBuffer         = 64
)

// NewLogHandler creates a LogHandler in front of next. Records at info and above are
// forwarded until a client sets another level.
func NewLogHandler(next slog.Handler) *LogHandler {
	shared := &logShared{
		logs: make(chan mcp.LogParams, logBuffer),
		done: make(chan struct{}),
	}
	shared.severity.Store(int32(mcp.LogLevelInfo.Severity()))
	return &LogHandler{next: next, shared: shared}
}

// Close ends LogStreams.
func (h *LogHandler) Close() {
	h.shared.once.Do(func() {
		close(h.shared.done)
	})
}

// LogStreams implements mcp.LogHandler.
func (h *LogHandler) LogStreams() iter.Seq[mcp.LogParams] {
	return func(yield func(mcp.LogParams) bool) {
		for {
			select {
			case <-h.shared.done:
				return
			case params := <-h.shared.logs:
				if !yield(params) {
					return
				}
			}
		}
	}
}

// SetLogLevel implements mcp.LogHandler.
func (h *LogHandler) SetLogLevel(level mcp.LogLevel) {
	if !level.Valid() {
		return
	}
	h.shared.severity.Store(int32(level.Severity()))
}

// Enabled implements slog.Handler.
func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level) || h.forwards(level)
}

// Handle implements slog.Handler.
func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.next.Enabled(ctx, r.Level) {
		err = h.next.Handle(ctx, r)
	}
	if h.forwards(r.Level) {
		h.forward(r)
	}
	return err
}

// WithAttrs implements slog.Handler.
func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	c.next = h.next.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == "package" && a.Value.String() == "mcp" {
			c.local = true
		}
		a.Key = c.prefix + a.Key
		c.attrs = append(c.attrs, a)
	}
	return c
}

// WithGroup implements slog.Handler.
func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.next = h.next.WithGroup(name)
	c.prefix += name + "."
	return c
}

func (h *LogHandler) clone() *LogHandler {
	c := *h
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	return &c
}

func (h *LogHandler) forwards(level slog.Level) bool {
	return !h.local && int32(mcpLevel(level).Severity()) >= h.shared.severity.Load()
}

func (h *LogHandler) forward(r slog.Record) {
	data := map[string]any{"message": r.Message}
	logger := defaultLoggerName

	add := func(a slog.Attr) {
		if a.Equal(slog.Attr{}) {
			return
		}
		if a.Key == "component" {
			logger = a.Value.String()
			return
		}
		data[a.Key] = attrValue(a.Value)
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		a.Key = h.prefix + a.Key
		add(a)
		return true
	})

	dataBs, err := json.Marshal(data)
	if err != nil {
		dataBs, _ = json.Marshal(map[string]any{"message": r.Message})
	}

	select {
	case h.shared.logs <- mcp.LogParams{Level: mcpLevel(r.Level), Logger: logger, Data: dataBs}:
	case <-h.shared.done:
	default:
	}
}

// mcpLevel maps slog levels onto syslog severities. Levels above error become
// critical.
func mcpLevel(level slog.Level) mcp.LogLevel {
	switch {
	case level < slog.LevelInfo:
		return mcp.LogLevelDebug
	case level < slog.LevelWarn:
		return mcp.LogLevelInfo
	case level < slog.LevelError:
		return mcp.LogLevelWarning
	case level == slog.LevelError:
		return mcp.LogLevelError
	default:
		return mcp.LogLevelCritical
	}
}

func attrValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		group := make(map[string]any)
		for _, a := range v.Group() {
			group[a.Key] = attrValue(a.Value)
		}
		return group
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return x.Error()
		case json.Marshaler:
			return x
		case fmt.Stringer:
			return x.String()
		default:
			if _, err := json.Marshal(x); err != nil {
				return fmt.Sprint(x)
			}
			return x
		}
	default:
		return v.Any()
	}
}
