package framework

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// EventType categorizes telemetry events.
type EventType string

const (
	EventRunStart        EventType = "run_start"
	EventRunFinish       EventType = "run_finish"
	EventIterationStart  EventType = "iteration_start"
	EventIterationFinish EventType = "iteration_finish"
	EventStageStart      EventType = "stage_start"
	EventStageFinish     EventType = "stage_finish"
	EventStageError      EventType = "stage_error"
	EventStageRepair     EventType = "stage_repair"
	EventLevelStart      EventType = "level_start"
	EventAttemptStart    EventType = "attempt_start"
	EventAttemptFinish   EventType = "attempt_finish"
	EventVerdict         EventType = "verdict"
	EventDecision        EventType = "decision"
	EventLLMPrompt       EventType = "llm_prompt"
	EventLLMResponse     EventType = "llm_response"
)

// Event captures structured telemetry data. NodeID names the stage or the
// executor that produced the event.
type Event struct {
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Iteration int            `json:"iteration,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Telemetry receives execution traces emitted by the engine.
type Telemetry interface {
	Emit(event Event)
}

// TelemetryFunc adapts a function to Telemetry.
type TelemetryFunc func(Event)

// Emit implements Telemetry.
func (f TelemetryFunc) Emit(event Event) { f(event) }

// MultiplexTelemetry broadcasts events to multiple sinks.
type MultiplexTelemetry struct {
	Sinks []Telemetry
}

// Emit forwards the event to all registered sinks.
func (m MultiplexTelemetry) Emit(event Event) {
	for _, s := range m.Sinks {
		if s != nil {
			s.Emit(event)
		}
	}
}

// JSONFileTelemetry writes events as newline-delimited JSON to a file.
type JSONFileTelemetry struct {
	file *os.File
	enc  *json.Encoder
	mu   sync.Mutex
}

// NewJSONFileTelemetry opens (or creates) the log file.
func NewJSONFileTelemetry(path string) (*JSONFileTelemetry, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONFileTelemetry{file: f, enc: json.NewEncoder(f)}, nil
}

// Emit writes the JSON record.
func (j *JSONFileTelemetry) Emit(event Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.enc != nil {
		_ = j.enc.Encode(event)
	}
}

// Close releases the file handle.
func (j *JSONFileTelemetry) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		return j.file.Close()
	}
	return nil
}

// SlogTelemetry emits events through a structured logger. Failures log at
// warn level, everything else at debug except run and decision events.
type SlogTelemetry struct {
	Logger *slog.Logger
}

// Emit logs the event.
func (t SlogTelemetry) Emit(event Event) {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelDebug
	switch event.Type {
	case EventRunStart, EventRunFinish, EventDecision, EventIterationStart:
		level = slog.LevelInfo
	case EventStageError:
		level = slog.LevelWarn
	case EventAttemptFinish:
		if ok, _ := event.Metadata["success"].(bool); !ok {
			level = slog.LevelWarn
		}
	}
	attrs := []slog.Attr{slog.String("run", event.RunID)}
	if event.Iteration > 0 {
		attrs = append(attrs, slog.Int("iteration", event.Iteration))
	}
	if event.NodeID != "" {
		attrs = append(attrs, slog.String("node", event.NodeID))
	}
	if event.TaskID != "" {
		attrs = append(attrs, slog.String("task", event.TaskID))
	}
	if event.Message != "" {
		attrs = append(attrs, slog.String("msg", event.Message))
	}
	for key, value := range event.Metadata {
		attrs = append(attrs, slog.Any(key, value))
	}
	logger.LogAttrs(context.Background(), level, string(event.Type), attrs...)
}

// ChannelTelemetry forwards events to a channel without blocking; events are
// dropped when the buffer is full.
type ChannelTelemetry struct {
	C chan Event
}

// NewChannelTelemetry creates a sink with the given buffer.
func NewChannelTelemetry(buffer int) *ChannelTelemetry {
	return &ChannelTelemetry{C: make(chan Event, buffer)}
}

// Emit implements Telemetry.
func (c *ChannelTelemetry) Emit(event Event) {
	select {
	case c.C <- event:
	default:
	}
}
