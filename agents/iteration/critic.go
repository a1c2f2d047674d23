package iteration

import (
	"context"
	"fmt"

	"github.com/lexcodex/goalloop/framework"
	"github.com/lexcodex/goalloop/framework/contract"
)

// CriticInput is everything the critic sees about one attempt.
type CriticInput struct {
	Goal     string
	Task     framework.Task
	Envelope framework.Envelope
	Context  framework.ContextSnapshot
	Attempt  int
}

// Critic judges a finished attempt.
type Critic interface {
	Review(ctx context.Context, in CriticInput) (framework.CriticVerdict, error)
}

// CriticFunc adapts a function to Critic.
type CriticFunc func(ctx context.Context, in CriticInput) (framework.CriticVerdict, error)

func (f CriticFunc) Review(ctx context.Context, in CriticInput) (framework.CriticVerdict, error) {
	return f(ctx, in)
}

// LLMCritic asks the model for a Critic stage verdict.
type LLMCritic struct {
	Stages *StageInvoker
}

func (c *LLMCritic) Review(ctx context.Context, in CriticInput) (framework.CriticVerdict, error) {
	out, err := c.Stages.Invoke(ctx, framework.StageCritic, criticPrompt(in))
	if err != nil {
		return framework.CriticVerdict{}, err
	}
	if !out.Valid {
		return framework.CriticVerdict{}, fmt.Errorf("critic output invalid: %s", out.Reason)
	}
	verdict, err := contract.DecodeVerdict(out.Data)
	if err != nil {
		return framework.CriticVerdict{}, err
	}
	verdict.TaskID = in.Task.ID
	return verdict, nil
}

// synthesizeVerdict builds a verdict from the envelope alone for attempts the
// critic did not sample.
func synthesizeVerdict(taskID string, env framework.Envelope) framework.CriticVerdict {
	verdict := framework.CriticVerdict{
		TaskID:   taskID,
		Success:  env.Success,
		Progress: env.Success,
		Critic:   "not sampled; verdict derived from envelope",
		Next:     framework.NextStep{Action: framework.ActionContinue},
	}
	if !env.Success {
		verdict.Next.Action = framework.ActionRetry
		if env.Meta.Error != "" {
			verdict.Recommendations = []string{env.Meta.Error}
		}
	}
	return verdict
}

// failedVerdict is used when the critic itself errors.
func failedVerdict(taskID string, err error) framework.CriticVerdict {
	return framework.CriticVerdict{
		TaskID:          taskID,
		Success:         false,
		Critic:          "critic failed: " + err.Error(),
		Recommendations: []string{"retry the task"},
		Next:            framework.NextStep{Action: framework.ActionRetry},
	}
}
