package events

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ANSI color codes for the console sink.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// ConsoleSink writes one color-coded line per event.
type ConsoleSink struct {
	Out   io.Writer
	Color bool
}

// NewConsoleSink writes colored event lines to stderr.
func NewConsoleSink() *ConsoleSink {
	return &ConsoleSink{Out: os.Stderr, Color: true}
}

func (s *ConsoleSink) Write(e Event) error {
	ts := time.Unix(0, int64(e.Timestamp*float64(time.Second))).UTC().Format(time.RFC3339)
	line := fmt.Sprintf("%s %s %v\n", ts, e.Type, compactPayload(e.Payload))
	if s.Color {
		line = eventColor(e.Type) + line + colorReset
	}
	_, err := io.WriteString(s.Out, line)
	return err
}

func (s *ConsoleSink) Close() error { return nil }

func eventColor(eventType string) string {
	switch eventType {
	case EventErrorOccurred, EventBudgetExceeded, EventCircuitBreakerOpened:
		return colorRed
	case EventBudgetWarning, EventRetryAttempted, EventHITLEscalated:
		return colorYellow
	case EventAgentCompleted, EventValidationComplete, EventCircuitBreakerClosed:
		return colorGreen
	case EventAgentStarted, EventTaskQueued:
		return colorBlue
	case EventRoutingDecision:
		return colorCyan
	default:
		return colorGray
	}
}

// compactPayload keeps console lines readable: a handful of well-known keys
// in a stable order, everything else omitted (the file sink has it all).
func compactPayload(p map[string]any) string {
	out := ""
	for _, k := range []string{"task_id", "agent", "worker", "status", "reason", "cost_usd", "error"} {
		if v, ok := p[k]; ok {
			if out != "" {
				out += " "
			}
			out += fmt.Sprintf("%s=%v", k, v)
		}
	}
	if out == "" {
		return fmt.Sprintf("keys=%d", len(p))
	}
	return out
}

// FileSink appends newline-delimited JSON events to a log file. The file is
// append-only; rotation is outside the core's responsibility.
type FileSink struct {
	f *os.File
}

// NewFileSink opens (or creates) the NDJSON event log at path.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	return &FileSink{f: f}, nil
}

func (s *FileSink) Write(e Event) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	_, err = s.f.Write(append(data, '\n'))
	return err
}

func (s *FileSink) Close() error { return s.f.Close() }

// WebSocketSink broadcasts every event to the global channel and, when the
// payload carries a task_id, to that task's channel.
type WebSocketSink struct {
	manager *ConnectionManager
}

// NewWebSocketSink wraps a ConnectionManager as a bus sink.
func NewWebSocketSink(m *ConnectionManager) *WebSocketSink {
	return &WebSocketSink{manager: m}
}

func (s *WebSocketSink) Write(e Event) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	s.manager.Broadcast(GlobalChannel, data)
	if taskID, ok := e.Payload["task_id"].(string); ok && taskID != "" {
		s.manager.Broadcast(TaskChannel(taskID), data)
	}
	return nil
}

func (s *WebSocketSink) Close() error { return nil }
