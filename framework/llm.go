package framework

import "context"

// ResponseFormatJSON asks the model for a single JSON object.
const ResponseFormatJSON = "json"

// LLMOptions configures language model calls. Keeping the options struct inside
// the framework avoids hard-coding provider specific fields in engine code.
type LLMOptions struct {
	Model          string
	ResponseFormat string
	Temperature    float64
	MaxTokens      int
	Stop           []string
}

// LLMResponse is the result of a language model invocation.
type LLMResponse struct {
	Text         string         `json:"text,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Usage        map[string]int `json:"usage,omitempty"`
}

// LanguageModel is the model-request collaborator. Callers parse the text.
type LanguageModel interface {
	Generate(ctx context.Context, prompt string, options *LLMOptions) (*LLMResponse, error)
}

// LanguageModelFunc adapts a function to LanguageModel.
type LanguageModelFunc func(ctx context.Context, prompt string, options *LLMOptions) (*LLMResponse, error)

// Generate implements LanguageModel.
func (f LanguageModelFunc) Generate(ctx context.Context, prompt string, options *LLMOptions) (*LLMResponse, error) {
	return f(ctx, prompt, options)
}
