package iteration

import (
	"fmt"
	"strings"

	"github.com/lexcodex/goalloop/framework"
)

// IntentDefaults are injected into assignments that omit retries or timeout.
type IntentDefaults struct {
	Retries   int `yaml:"retries" json:"retries"`
	TimeoutMS int `yaml:"timeout_ms" json:"timeout_ms"`
}

// DefaultIntentDefaults returns the built-in per-intent table.
func DefaultIntentDefaults() map[framework.Intent]IntentDefaults {
	return map[framework.Intent]IntentDefaults{
		framework.IntentQuery:   {Retries: 1, TimeoutMS: 30_000},
		framework.IntentTask:    {Retries: 2, TimeoutMS: 60_000},
		framework.IntentBrowser: {Retries: 1, TimeoutMS: 120_000},
		framework.IntentDevice:  {Retries: 1, TimeoutMS: 120_000},
	}
}

// Policy normalizes raw Assign output before execution.
type Policy struct {
	Capabilities *framework.CapabilitySet
	Defaults     map[framework.Intent]IntentDefaults
}

// PolicyResult lists the surviving assignments and why others were removed.
type PolicyResult struct {
	Assignments []framework.Assignment `json:"assignments"`
	Dropped     []string               `json:"dropped,omitempty"`
}

// Apply enforces the assignment policy for intent. Assignments that reference
// unknown tasks, repeat a task, have a malformed executor, or target a
// namespace reserved for another intent are dropped. Single-shot intents keep
// only the first survivor. An empty result is an assign_invalid error.
func (p Policy) Apply(intent framework.Intent, plan framework.Plan, raw []framework.Assignment) (PolicyResult, error) {
	caps := p.Capabilities
	if caps == nil {
		caps = framework.DefaultCapabilitySet()
	}
	defaults := p.defaultsFor(intent)

	var result PolicyResult
	seen := make(map[string]bool, len(raw))
	for _, assignment := range raw {
		if _, ok := plan.TaskByID(assignment.TaskID); !ok {
			result.Dropped = append(result.Dropped, fmt.Sprintf("%s: unknown task", assignment.TaskID))
			continue
		}
		if seen[assignment.TaskID] {
			result.Dropped = append(result.Dropped, fmt.Sprintf("%s: duplicate assignment", assignment.TaskID))
			continue
		}
		capability, err := framework.ParseCapability(strings.TrimSpace(assignment.Executor))
		if err != nil {
			result.Dropped = append(result.Dropped, fmt.Sprintf("%s: %v", assignment.TaskID, err))
			continue
		}
		if capability.Action == "" {
			if action, ok := caps.DefaultAction(capability.Namespace); ok {
				capability = capability.WithDefaultAction(action)
			}
		}
		if reserved, ok := caps.ReservedIntent(capability.String()); ok && reserved != intent {
			result.Dropped = append(result.Dropped, fmt.Sprintf("%s: %s reserved for %s", assignment.TaskID, capability, reserved))
			continue
		}

		normalized := assignment
		normalized.Executor = capability.String()
		normalized.Params = copyParams(assignment.Params)
		if normalized.Retries == nil {
			normalized.Retries = framework.IntPtr(defaults.Retries)
		}
		if normalized.TimeoutMS == nil {
			normalized.TimeoutMS = framework.IntPtr(defaults.TimeoutMS)
		}
		seen[assignment.TaskID] = true
		result.Assignments = append(result.Assignments, normalized)
	}

	if intent.SingleShot() && len(result.Assignments) > 1 {
		for _, extra := range result.Assignments[1:] {
			result.Dropped = append(result.Dropped, fmt.Sprintf("%s: single-shot intent", extra.TaskID))
		}
		result.Assignments = result.Assignments[:1]
	}
	if len(result.Assignments) == 0 {
		return result, framework.AssignInvalid("empty_after_policy")
	}
	return result, nil
}

func (p Policy) defaultsFor(intent framework.Intent) IntentDefaults {
	if d, ok := p.Defaults[intent]; ok {
		return d
	}
	if d, ok := DefaultIntentDefaults()[intent]; ok {
		return d
	}
	return DefaultIntentDefaults()[framework.IntentTask]
}

func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
