// Package testsuite holds fakes shared by package tests and the end-to-end
// tests of the engine wired to real stores and builtin workers.
package testsuite

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/lexcodex/goalloop/framework"
)

var promptStages = []framework.StageName{
	framework.StageCritic,
	framework.StageAssign,
	framework.StagePlan,
	framework.StageAnalyze,
	framework.StageThink,
}

// StageOf reports which stage a prompt was built for.
func StageOf(prompt string) framework.StageName {
	for _, stage := range promptStages {
		if strings.Contains(prompt, `"stage":"`+string(stage)+`"`) {
			return stage
		}
	}
	return ""
}

// ScriptedModel answers each stage from a queue of canned responses. The last
// response of a stage repeats once its queue is drained. Prompts that belong
// to no stage (worker prompts) are answered from Free.
type ScriptedModel struct {
	mu        sync.Mutex
	responses map[framework.StageName][]string
	calls     map[framework.StageName]int
	prompts   map[framework.StageName][]string
	options   []*framework.LLMOptions
	Free      string
}

// NewScriptedModel builds a model over per-stage responses.
func NewScriptedModel(responses map[framework.StageName][]string) *ScriptedModel {
	return &ScriptedModel{
		responses: responses,
		calls:     map[framework.StageName]int{},
		prompts:   map[framework.StageName][]string{},
	}
}

// Generate implements framework.LanguageModel.
func (m *ScriptedModel) Generate(ctx context.Context, prompt string, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stage := StageOf(prompt)
	m.calls[stage]++
	m.prompts[stage] = append(m.prompts[stage], prompt)
	m.options = append(m.options, options)
	if stage == "" {
		if m.Free == "" {
			return nil, fmt.Errorf("no scripted answer for free prompt")
		}
		return &framework.LLMResponse{Text: m.Free}, nil
	}
	queue := m.responses[stage]
	if len(queue) == 0 {
		return nil, fmt.Errorf("no scripted response for stage %q", stage)
	}
	idx := m.calls[stage] - 1
	if idx >= len(queue) {
		idx = len(queue) - 1
	}
	return &framework.LLMResponse{Text: queue[idx]}, nil
}

// Calls returns how often a stage was asked; "" counts free prompts.
func (m *ScriptedModel) Calls(stage framework.StageName) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[stage]
}

// Prompts returns the prompts sent for a stage, in order.
func (m *ScriptedModel) Prompts(stage framework.StageName) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts[stage]...)
}

// Options returns the options of every call, in order.
func (m *ScriptedModel) Options() []*framework.LLMOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*framework.LLMOptions(nil), m.options...)
}

// Stage responses used across tests.
const (
	ThinkJSON    = `{"stage":"Think","thoughts":"look it up","approach":"one task"}`
	AnalyzeTask  = `{"stage":"Analyze","intent":"task","summary":"multi step"}`
	AnalyzeQuery = `{"stage":"Analyze","intent":"query","summary":"single question"}`
)

// PlanJSON renders a Plan response.
func PlanJSON(tasks ...string) string {
	return `{"stage":"Plan","tasks":[` + strings.Join(tasks, ",") + `]}`
}

// TaskJSON renders one plan task.
func TaskJSON(id string, deps ...string) string {
	quoted := make([]string, len(deps))
	for i, d := range deps {
		quoted[i] = `"` + d + `"`
	}
	return fmt.Sprintf(`{"id":%q,"name":"task %s","objective":"do %s","inputs":{},"outputs":{},"dependencies":[%s],"acceptance":["done"]}`,
		id, id, id, strings.Join(quoted, ","))
}

// AssignJSON renders an Assign response.
func AssignJSON(items ...string) string {
	return `{"stage":"Assign","assignments":[` + strings.Join(items, ",") + `]}`
}

// AssignmentJSON renders one assignment.
func AssignmentJSON(taskID, executor, params string) string {
	return fmt.Sprintf(`{"task_id":%q,"executor":%q,"params":%s}`, taskID, executor, params)
}

// CriticJSON renders a Critic response.
func CriticJSON(taskID string, success bool, next framework.Action) string {
	return fmt.Sprintf(`{"stage":"Critic","task_id":%q,"success":%t,"progress":%t,"critic":"reviewed","recommendations":[],"next":{"action":%q}}`,
		taskID, success, success, next)
}
