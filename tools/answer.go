package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lexcodex/goalloop/framework"
)

// AnswerWorker implements qa/answer.ask by asking the language model
// directly. It backs single-shot query goals.
type AnswerWorker struct {
	Model       framework.LanguageModel
	ModelName   string
	Temperature float64
	MaxTokens   int
}

// Invoke answers params.question (aliases: prompt, query), optionally
// grounded on params.context.
func (w *AnswerWorker) Invoke(ctx context.Context, params map[string]any) (any, error) {
	if w.Model == nil {
		return nil, errors.New("answer worker has no model")
	}
	question := firstParam(params, "question", "prompt", "query")
	if question == "" {
		return nil, errors.New("question required")
	}
	var prompt strings.Builder
	prompt.WriteString("Answer the question concisely and accurately. ")
	prompt.WriteString("If you do not know, say so.\n")
	if extra := stringParam(params, "context"); extra != "" {
		fmt.Fprintf(&prompt, "\nContext:\n%s\n", extra)
	}
	fmt.Fprintf(&prompt, "\nQuestion: %s\nAnswer:", question)

	resp, err := w.Model.Generate(ctx, prompt.String(), &framework.LLMOptions{
		Model:       w.ModelName,
		Temperature: w.Temperature,
		MaxTokens:   w.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("answer: %w", err)
	}
	answer := strings.TrimSpace(resp.Text)
	if answer == "" {
		return map[string]any{"success": false, "error": "empty answer"}, nil
	}
	return envelope(map[string]any{"question": question, "answer": answer}), nil
}

// EchoWorker implements core/echo.say.
type EchoWorker struct{}

// Invoke returns params.message (alias: text) unchanged.
func (EchoWorker) Invoke(ctx context.Context, params map[string]any) (any, error) {
	message := firstParam(params, "message", "text")
	if message == "" {
		return nil, errors.New("message required")
	}
	return envelope(map[string]any{"message": message}), nil
}
