package framework

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MaxPlanTasks caps the number of tasks a single Plan may declare.
const MaxPlanTasks = 7

// StageName identifies one step of an iteration.
type StageName string

const (
	StageThink   StageName = "Think"
	StageAnalyze StageName = "Analyze"
	StagePlan    StageName = "Plan"
	StageAssign  StageName = "Assign"
	StageExecute StageName = "Execute"
	StageCritic  StageName = "Critic"
	StageDecide  StageName = "Decide"
)

// Intent is the coarse classification of a goal that drives policy defaults.
type Intent string

const (
	IntentQuery   Intent = "query"
	IntentTask    Intent = "task"
	IntentBrowser Intent = "browser"
	IntentDevice  Intent = "device"
)

// ParseIntent normalizes model output into a known intent, falling back to
// IntentTask for anything unrecognized.
func ParseIntent(raw string) Intent {
	switch Intent(strings.ToLower(strings.TrimSpace(raw))) {
	case IntentQuery, "question", "answer":
		return IntentQuery
	case IntentBrowser:
		return IntentBrowser
	case IntentDevice:
		return IntentDevice
	default:
		return IntentTask
	}
}

// SingleShot reports whether the intent only ever needs one successful task.
func (i Intent) SingleShot() bool { return i == IntentQuery }

// Action enumerates critic recommendations and engine decisions.
type Action string

const (
	ActionContinue Action = "continue"
	ActionRetry    Action = "retry"
	ActionReplan   Action = "replan"
	ActionSkip     Action = "skip"
	ActionHalt     Action = "halt"
)

// Run identifies one invocation of the engine. Only Iteration changes after
// creation.
type Run struct {
	ID            string    `json:"run_id"`
	SessionID     string    `json:"session_id"`
	Goal          string    `json:"goal"`
	MaxIterations int       `json:"max_iterations"`
	Iteration     int       `json:"iteration"`
	StartedAt     time.Time `json:"started_at"`
}

// NewRunID returns a lexically sortable run identifier.
func NewRunID() string {
	return ulid.Make().String()
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Task is a unit of planned work. Tasks are read-only once the Plan stage
// produced them.
type Task struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Objective    string         `json:"objective"`
	Inputs       map[string]any `json:"inputs"`
	Outputs      map[string]any `json:"outputs"`
	Actions      []string       `json:"actions,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Acceptance   []string       `json:"acceptance"`
}

// Plan is the decoded output of the Plan stage.
type Plan struct {
	Tasks []Task `json:"tasks"`
}

// TaskByID returns the task with the given id.
func (p Plan) TaskByID(id string) (Task, bool) {
	for _, task := range p.Tasks {
		if task.ID == id {
			return task, true
		}
	}
	return Task{}, false
}

// Assignment binds a task to an executor capability.
type Assignment struct {
	TaskID    string         `json:"task_id"`
	Executor  string         `json:"executor"`
	Params    map[string]any `json:"params"`
	TimeoutMS *int           `json:"timeout_ms,omitempty"`
	Retries   *int           `json:"retries,omitempty"`
}

// Timeout returns the attempt timeout, or zero when unset.
func (a Assignment) Timeout() time.Duration {
	if a.TimeoutMS == nil || *a.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(*a.TimeoutMS) * time.Millisecond
}

// RetryBudget returns the configured retries, or zero when unset.
func (a Assignment) RetryBudget() int {
	if a.Retries == nil || *a.Retries < 0 {
		return 0
	}
	return *a.Retries
}

// IntPtr is a small helper for optional assignment fields.
func IntPtr(v int) *int { return &v }

// RetryState tracks the remaining retries of one task.
type RetryState struct {
	Left int `json:"left"`
}

// Consume decrements the budget and reports whether a retry was available.
func (r *RetryState) Consume() bool {
	if r.Left <= 0 {
		r.Left = 0
		return false
	}
	r.Left--
	return true
}

// EnvelopeMeta carries attempt bookkeeping.
type EnvelopeMeta struct {
	DurationMS  int64  `json:"duration_ms"`
	Executor    string `json:"executor"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Envelope is the normalized result of one task attempt.
type Envelope struct {
	Success   bool         `json:"success"`
	Data      any          `json:"data"`
	Artifacts []string     `json:"artifacts"`
	Logs      []string     `json:"logs"`
	Meta      EnvelopeMeta `json:"meta"`
}

// NextStep is the critic's recommendation.
type NextStep struct {
	Action Action `json:"action"`
}

// CriticVerdict is the critic's judgement of one attempt.
type CriticVerdict struct {
	TaskID          string   `json:"task_id"`
	Success         bool     `json:"success"`
	Progress        bool     `json:"progress"`
	Critic          string   `json:"critic"`
	Recommendations []string `json:"recommendations"`
	Next            NextStep `json:"next"`
}

// Decision is the engine's choice at the end of an iteration.
type Decision struct {
	Action Action `json:"action"`
	TaskID string `json:"task_id,omitempty"`
	Reason string `json:"reason"`
}

// Terminal reports whether the decision ends the iteration loop.
func (d Decision) Terminal() bool {
	return d.Action == ActionHalt || d.Action == ActionReplan
}
