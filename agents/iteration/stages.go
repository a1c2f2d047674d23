package iteration

import (
	"context"
	"fmt"

	"github.com/lexcodex/goalloop/framework"
	"github.com/lexcodex/goalloop/framework/contract"
)

// StageOutput is what one stage invocation produced. Raw is always the text
// of the last model response; Data is only set when it parsed.
type StageOutput struct {
	Stage    framework.StageName `json:"stage"`
	Raw      string              `json:"raw"`
	Data     map[string]any      `json:"data,omitempty"`
	Valid    bool                `json:"valid"`
	Reason   string              `json:"reason,omitempty"`
	Repaired bool                `json:"repaired,omitempty"`
	Calls    int                 `json:"calls"`
}

// StageInvoker wraps a single model call per stage with a JSON output hint and,
// for Plan and Assign, one repair re-prompt.
type StageInvoker struct {
	Model       framework.LanguageModel
	ModelName   string
	Temperature float64
	MaxTokens   int
}

// Invoke runs prompt for stage. A transport error from the model is returned
// as an error; contract failures are reported through StageOutput.
func (s *StageInvoker) Invoke(ctx context.Context, stage framework.StageName, prompt string) (StageOutput, error) {
	if s.Model == nil {
		return StageOutput{}, fmt.Errorf("stage invoker missing model")
	}
	out := StageOutput{Stage: stage}
	raw, err := s.generate(ctx, prompt)
	out.Calls++
	if err != nil {
		return out, fmt.Errorf("%s stage: %w", stage, err)
	}
	out.Raw = raw

	switch stage {
	case framework.StageThink, framework.StageAnalyze:
		// Free-form stages: keep whatever parsed, never fail.
		if data, err := contract.Parse(raw); err == nil {
			out.Data = data
		}
		out.Valid = true
		return out, nil
	case framework.StageCritic:
		res := contract.Validate(stage, raw)
		out.Data, out.Valid, out.Reason = res.Data, res.OK, res.Reason
		return out, nil
	}

	res := contract.Validate(stage, raw)
	if res.OK {
		out.Data, out.Valid = res.Data, true
		return out, nil
	}

	repaired, err := s.generate(ctx, repairPrompt(prompt, stage, res.Reason))
	out.Calls++
	out.Repaired = true
	if err != nil {
		return out, fmt.Errorf("%s stage repair: %w", stage, err)
	}
	out.Raw = repaired
	res = contract.Validate(stage, repaired)
	out.Data, out.Valid, out.Reason = res.Data, res.OK, res.Reason
	return out, nil
}

func (s *StageInvoker) generate(ctx context.Context, prompt string) (string, error) {
	resp, err := s.Model.Generate(ctx, prompt, &framework.LLMOptions{
		Model:          s.ModelName,
		ResponseFormat: framework.ResponseFormatJSON,
		Temperature:    s.Temperature,
		MaxTokens:      s.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", nil
	}
	return resp.Text, nil
}
