// Package contract validates the structured outputs of engine stages. Every
// function here is pure: results are returned as values so callers can branch
// without handling errors or panics.
package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lexcodex/goalloop/framework"
)

// Reason tags reported by Validate.
const (
	ReasonParse             = "parse_error"
	ReasonStageMismatch     = "stage_mismatch"
	ReasonEmptyTasks        = "empty_tasks"
	ReasonEmptyAssignments  = "empty_assignments"
	ReasonTaskFields        = "task_fields"
	ReasonAssignmentFields  = "assignment_fields"
	ReasonSuccessNotBool    = "success_not_bool"
	ReasonNextActionMissing = "next_action_missing"
	ReasonUnsupportedStage  = "unsupported_stage"
)

// Result is the typed outcome of a validation.
type Result struct {
	OK     bool
	Data   map[string]any
	Reason string
	Detail string
}

func fail(data map[string]any, reason, detail string) Result {
	return Result{OK: false, Data: data, Reason: reason, Detail: detail}
}

// Parse turns text or structured input into a JSON object. Structured input
// is round-tripped through encoding/json so numbers and nested values have
// the same shapes as parsed text.
func Parse(value any) (map[string]any, error) {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil, errors.New("empty input")
	case string:
		raw = []byte(ExtractJSON(v))
	case []byte:
		raw = []byte(ExtractJSON(string(v)))
	case json.RawMessage:
		raw = []byte(ExtractJSON(string(v)))
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	if len(raw) == 0 {
		return nil, errors.New("no JSON object found")
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.New("JSON value is not an object")
	}
	return data, nil
}

// Validate parses value and checks it against the contract for stage.
func Validate(stage framework.StageName, value any) Result {
	data, err := Parse(value)
	if err != nil {
		return fail(nil, ReasonParse, err.Error())
	}
	switch stage {
	case framework.StagePlan:
		return validatePlan(data)
	case framework.StageAssign:
		return validateAssign(data)
	case framework.StageCritic:
		return validateCritic(data)
	default:
		return fail(data, ReasonUnsupportedStage, string(stage))
	}
}

func stageMatches(data map[string]any, stage framework.StageName) bool {
	declared, _ := data["stage"].(string)
	return strings.TrimSpace(declared) == string(stage)
}

func validatePlan(data map[string]any) Result {
	if !stageMatches(data, framework.StagePlan) {
		return fail(data, ReasonStageMismatch, fmt.Sprintf("stage=%v", data["stage"]))
	}
	tasks, _ := data["tasks"].([]any)
	if len(tasks) == 0 {
		return fail(data, ReasonEmptyTasks, "")
	}
	return checkSchema(framework.StagePlan, data, "/tasks", ReasonTaskFields)
}

func validateAssign(data map[string]any) Result {
	if !stageMatches(data, framework.StageAssign) {
		return fail(data, ReasonStageMismatch, fmt.Sprintf("stage=%v", data["stage"]))
	}
	assignments, _ := data["assignments"].([]any)
	if len(assignments) == 0 {
		return fail(data, ReasonEmptyAssignments, "")
	}
	return checkSchema(framework.StageAssign, data, "/assignments", ReasonAssignmentFields)
}

func validateCritic(data map[string]any) Result {
	if !stageMatches(data, framework.StageCritic) {
		return fail(data, ReasonStageMismatch, fmt.Sprintf("stage=%v", data["stage"]))
	}
	if _, ok := data["success"].(bool); !ok {
		return fail(data, ReasonSuccessNotBool, fmt.Sprintf("success=%v", data["success"]))
	}
	next, _ := data["next"].(map[string]any)
	if action, _ := next["action"].(string); strings.TrimSpace(action) == "" {
		return fail(data, ReasonNextActionMissing, "")
	}
	return checkSchema(framework.StageCritic, data, "", "")
}

// checkSchema runs the compiled JSON Schema. Violations under itemPrefix are
// reported as itemReason; anything else as "schema:<instance location>".
func checkSchema(stage framework.StageName, data map[string]any, itemPrefix, itemReason string) Result {
	compiled, err := compiledSchemas()
	if err != nil {
		return fail(data, "schema_unavailable", err.Error())
	}
	if err := compiled[stage].Validate(any(data)); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			return fail(data, "schema", err.Error())
		}
		leaf := deepestCause(verr)
		location := leaf.InstanceLocation
		if itemPrefix != "" && strings.HasPrefix(location, itemPrefix+"/") {
			return fail(data, itemReason, location+": "+leaf.Message)
		}
		if location == "" {
			location = "/"
		}
		return fail(data, "schema:"+location, leaf.Message)
	}
	return Result{OK: true, Data: data}
}

func deepestCause(err *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(err.Causes) > 0 {
		err = err.Causes[0]
	}
	return err
}

// DecodePlan converts validated Plan data into a framework.Plan.
func DecodePlan(data map[string]any) (framework.Plan, error) {
	var plan framework.Plan
	err := remarshal(data, &plan)
	return plan, err
}

// DecodeAssignments converts validated Assign data into assignments.
func DecodeAssignments(data map[string]any) ([]framework.Assignment, error) {
	var payload struct {
		Assignments []framework.Assignment `json:"assignments"`
	}
	if err := remarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload.Assignments, nil
}

// DecodeVerdict converts validated Critic data into a verdict.
func DecodeVerdict(data map[string]any) (framework.CriticVerdict, error) {
	var verdict framework.CriticVerdict
	err := remarshal(data, &verdict)
	return verdict, err
}

// Analysis is the lenient output of the Analyze stage.
type Analysis struct {
	Intent  framework.Intent `json:"intent"`
	Summary string           `json:"summary"`
	Risks   []string         `json:"risks,omitempty"`
}

// DecodeAnalysis reads the Analyze stage output. Missing or unknown intents
// fall back to the multi-step task intent.
func DecodeAnalysis(value any) Analysis {
	data, err := Parse(value)
	if err != nil {
		return Analysis{Intent: framework.IntentTask}
	}
	var analysis Analysis
	_ = remarshal(data, &analysis)
	analysis.Intent = framework.ParseIntent(string(analysis.Intent))
	return analysis
}

func remarshal(in any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
