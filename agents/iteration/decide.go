package iteration

import (
	"fmt"

	"github.com/lexcodex/goalloop/framework"
)

// Decide picks the engine action for an iteration from its verdicts. The
// first matching rule wins:
//
//  1. a verdict asks to retry and its task still has budget
//  2. a verdict asks to replan
//  3. every planned task has a successful verdict
//  4. single-shot intent with at least one success
//  5. otherwise continue
func Decide(tasks []framework.Task, verdicts []framework.CriticVerdict, retries map[string]framework.RetryState, intent framework.Intent) framework.Decision {
	for _, v := range verdicts {
		if v.Next.Action == framework.ActionRetry && retries[v.TaskID].Left > 0 {
			return framework.Decision{
				Action: framework.ActionRetry,
				TaskID: v.TaskID,
				Reason: fmt.Sprintf("critic requested retry with %d retries left", retries[v.TaskID].Left),
			}
		}
	}
	for _, v := range verdicts {
		if v.Next.Action == framework.ActionReplan {
			return framework.Decision{
				Action: framework.ActionReplan,
				TaskID: v.TaskID,
				Reason: "critic requested replan",
			}
		}
	}

	succeeded := 0
	for _, v := range verdicts {
		if v.Success {
			succeeded++
		}
	}
	if len(verdicts) > 0 && succeeded == len(verdicts) && len(verdicts) == len(tasks) {
		return framework.Decision{Action: framework.ActionHalt, Reason: "all tasks succeeded"}
	}
	if intent.SingleShot() && succeeded > 0 {
		return framework.Decision{Action: framework.ActionHalt, Reason: "single-shot goal answered"}
	}
	return framework.Decision{
		Action: framework.ActionContinue,
		Reason: fmt.Sprintf("%d of %d tasks succeeded", succeeded, len(tasks)),
	}
}
