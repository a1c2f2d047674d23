package framework

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the engine.
type ErrorKind string

const (
	KindContract  ErrorKind = "contract"
	KindPolicy    ErrorKind = "policy"
	KindExecution ErrorKind = "execution"
	KindCritic    ErrorKind = "critic"
)

var (
	ErrContract  = errors.New("contract violation")
	ErrPolicy    = errors.New("policy violation")
	ErrExecution = errors.New("execution failure")
	ErrCritic    = errors.New("critic failure")
)

// EngineError is a tagged, run-level failure. Tag is the machine readable
// form printed to users, e.g. "plan_invalid:empty_tasks".
type EngineError struct {
	Kind  ErrorKind
	Tag   string
	Stage StageName
	Err   error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%v)", e.Tag, e.Err)
	}
	return e.Tag
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is lets errors.Is match the kind sentinels.
func (e *EngineError) Is(target error) bool {
	switch target {
	case ErrContract:
		return e.Kind == KindContract
	case ErrPolicy:
		return e.Kind == KindPolicy
	case ErrExecution:
		return e.Kind == KindExecution
	case ErrCritic:
		return e.Kind == KindCritic
	}
	return false
}

// PlanInvalid reports a Plan stage contract violation.
func PlanInvalid(reason string) *EngineError {
	return &EngineError{Kind: KindContract, Stage: StagePlan, Tag: "plan_invalid:" + reason}
}

// AssignInvalid reports an Assign stage contract violation.
func AssignInvalid(reason string) *EngineError {
	return &EngineError{Kind: KindContract, Stage: StageAssign, Tag: "assign_invalid:" + reason}
}

// PlanTooLarge reports a plan that exceeds MaxPlanTasks.
func PlanTooLarge(count int) *EngineError {
	return &EngineError{
		Kind:  KindPolicy,
		Stage: StagePlan,
		Tag:   "plan_too_large",
		Err:   fmt.Errorf("%d tasks exceeds limit of %d", count, MaxPlanTasks),
	}
}

// ErrorTag extracts the tag of an EngineError, or the plain message.
func ErrorTag(err error) string {
	if err == nil {
		return ""
	}
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Tag
	}
	return err.Error()
}
