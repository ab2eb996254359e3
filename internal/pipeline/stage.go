package pipeline

import "fmt"

// Stage names one step of a task.
type Stage string

const (
	StageAnalyze  Stage = "analyze"
	StagePlan     Stage = "plan"
	StageExecute  Stage = "execute"
	StageValidate Stage = "validate"
	StageCommit   Stage = "commit"
	StageFail     Stage = "fail"
)

// Stages lists all stages in pipeline order.
var Stages = []Stage{StageAnalyze, StagePlan, StageExecute, StageValidate, StageCommit, StageFail}

// IsTerminal reports whether no stage follows s.
func (s Stage) IsTerminal() bool {
	return s == StageCommit || s == StageFail
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, known := range Stages {
		if s == known {
			return true
		}
	}
	return false
}

func (s Stage) String() string { return string(s) }

// ParseStages converts names to stages, rejecting unknown names.
func ParseStages(names []string) ([]Stage, error) {
	out := make([]Stage, 0, len(names))
	for _, n := range names {
		s := Stage(n)
		if !s.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStage, n)
		}
		out = append(out, s)
	}
	return out, nil
}
