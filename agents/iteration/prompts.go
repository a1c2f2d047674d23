package iteration

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lexcodex/goalloop/framework"
	"github.com/lexcodex/goalloop/framework/contract"
)

// Feedback carries the previous iteration's conclusion into the next Think
// prompt.
type Feedback struct {
	Iteration       int                `json:"iteration"`
	Decision        framework.Decision `json:"decision"`
	Failed          []string           `json:"failed,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
}

func (f *Feedback) render() string {
	if f == nil {
		return "none (first iteration)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "iteration %d ended with %s", f.Iteration, f.Decision.Action)
	if f.Decision.Reason != "" {
		fmt.Fprintf(&b, " (%s)", f.Decision.Reason)
	}
	if len(f.Failed) > 0 {
		fmt.Fprintf(&b, "\nfailed tasks: %s", strings.Join(f.Failed, ", "))
	}
	for _, rec := range f.Recommendations {
		fmt.Fprintf(&b, "\n- %s", rec)
	}
	return b.String()
}

func thinkPrompt(goal string, snapshot framework.ContextSnapshot, feedback *Feedback) string {
	return fmt.Sprintf(`You are the reasoning stage of a goal execution engine.
Goal: %s

Memory:
%s

Workspace:
%s

Guidelines:
%s

Previous iteration feedback:
%s

Think about what must happen next to reach the goal.
Respond with a single JSON object {"stage":"Think","thoughts":"...","approach":"..."}.`,
		goal,
		orNone(snapshot.MemorySnippet),
		orNone(snapshot.FolderSummary),
		orNone(snapshot.Conscience),
		feedback.render())
}

func analyzePrompt(goal string, think StageOutput, snapshot framework.ContextSnapshot) string {
	return fmt.Sprintf(`Classify the goal below.
Goal: %s
Workspace: %s
Guidelines: %s
Reasoning so far: %s

Intents:
- "query": a single question that one answer satisfies
- "task": multi-step work on files, commands or services
- "browser": work that drives a web browser
- "device": work that drives a phone or device

Respond with a single JSON object {"stage":"Analyze","intent":"query|task|browser|device","summary":"...","risks":["..."]}.`,
		goal,
		orNone(snapshot.FolderSummaryShort),
		orNone(snapshot.ConscienceLite),
		thoughtText(think))
}

func planPrompt(goal string, analysis contract.Analysis, think StageOutput, executors []string) string {
	return fmt.Sprintf(`You are a planning agent. Break the goal into at most %d small tasks.
Goal: %s
Intent: %s
Summary: %s
Reasoning: %s
Available executors: %s

Tasks may depend on other tasks by id. Dependencies must not form cycles.
Respond with a single JSON object:
{"stage":"Plan","tasks":[{"id":"t1","name":"...","objective":"...","inputs":{},"outputs":{},"actions":["..."],"dependencies":[],"acceptance":["..."]}]}`,
		framework.MaxPlanTasks,
		goal,
		analysis.Intent,
		orNone(analysis.Summary),
		thoughtText(think),
		strings.Join(executors, ", "))
}

func assignPrompt(goal string, plan framework.Plan, intent framework.Intent, executors []string) string {
	return fmt.Sprintf(`Assign every task of the plan to one executor.
Goal: %s
Intent: %s
Plan: %s
Available executors (namespace/module.action; the action may be omitted): %s

Params may reference context values with {"$ref":"context.memorySnippet"} (also folderSummary, conscience, conscienceLite, folderSummaryShort, goal)
or the data of a finished dependency with {"$ref":"task.<id>"}.
Respond with a single JSON object:
{"stage":"Assign","assignments":[{"task_id":"t1","executor":"qa/answer.ask","params":{},"timeout_ms":30000,"retries":1}]}`,
		goal,
		intent,
		compactJSON(plan.Tasks),
		strings.Join(executors, ", "))
}

func criticPrompt(in CriticInput) string {
	return fmt.Sprintf(`You are the critic of a goal execution engine. Judge whether the task was accomplished.
Goal: %s
Task: %s
Acceptance criteria: %s
Attempt: %d
Result envelope: %s
Guidelines: %s

Choose next.action from "continue" (done or good enough), "retry" (try the same task again), "replan" (the plan is wrong), "skip" (give up on this task).
Respond with a single JSON object:
{"stage":"Critic","task_id":"%s","success":true,"progress":true,"critic":"...","recommendations":["..."],"next":{"action":"continue"}}`,
		in.Goal,
		compactJSON(in.Task),
		strings.Join(in.Task.Acceptance, "; "),
		in.Attempt,
		clip(compactJSON(in.Envelope), 4000),
		orNone(in.Context.ConscienceLite),
		in.Task.ID)
}

func repairPrompt(original string, stage framework.StageName, reason string) string {
	item := "task"
	if stage == framework.StageAssign {
		item = "assignment"
	}
	return fmt.Sprintf(`%s

Your previous answer was rejected (%s).
Return ONLY one strict JSON object with "stage":"%s" and at least one %s. No prose, no markdown fences.`,
		original, reason, stage, item)
}

func thoughtText(think StageOutput) string {
	if think.Data != nil {
		if v, ok := think.Data["thoughts"].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return orNone(clip(strings.TrimSpace(think.Raw), 2000))
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none"
	}
	return s
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
