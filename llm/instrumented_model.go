package llm

import (
	"context"
	"strings"
	"time"

	"github.com/lexcodex/goalloop/framework"
)

// InstrumentedModel wraps a LanguageModel and emits telemetry for prompts and
// responses. Full prompt text is only attached when Debug is set.
type InstrumentedModel struct {
	Inner     framework.LanguageModel
	Telemetry framework.Telemetry
	Debug     bool
}

func NewInstrumentedModel(inner framework.LanguageModel, telemetry framework.Telemetry, debug bool) *InstrumentedModel {
	return &InstrumentedModel{Inner: inner, Telemetry: telemetry, Debug: debug}
}

func (m *InstrumentedModel) Generate(ctx context.Context, prompt string, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	metadata := map[string]any{
		"model":          modelFromOptions(options),
		"prompt_chars":   len(prompt),
		"prompt_preview": clip(prompt, 1024),
	}
	if options != nil && options.ResponseFormat != "" {
		metadata["format"] = options.ResponseFormat
	}
	if m.Debug {
		metadata["prompt"] = clip(prompt, 8192)
	}
	m.emit(framework.EventLLMPrompt, "llm generate prompt", metadata)

	start := time.Now()
	resp, err := m.Inner.Generate(ctx, prompt, options)

	metadata = map[string]any{"duration_ms": time.Since(start).Milliseconds()}
	if resp != nil {
		metadata["finish_reason"] = resp.FinishReason
		metadata["text_preview"] = clip(resp.Text, 1024)
		metadata["usage"] = resp.Usage
	}
	if err != nil {
		metadata["error"] = err.Error()
	}
	m.emit(framework.EventLLMResponse, "llm generate response", metadata)
	return resp, err
}

func (m *InstrumentedModel) emit(kind framework.EventType, message string, metadata map[string]any) {
	if m == nil || m.Telemetry == nil {
		return
	}
	m.Telemetry.Emit(framework.Event{
		Type:      kind,
		Timestamp: time.Now().UTC(),
		Message:   message,
		Metadata:  metadata,
	})
}

func modelFromOptions(options *framework.LLMOptions) string {
	if options != nil && options.Model != "" {
		return options.Model
	}
	return ""
}

func clip(s string, max int) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
