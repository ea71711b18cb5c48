package pipeline

import "fmt"

// State is the run lifecycle: Idle -> Running(stage) -> {Succeeded, Failed}.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Stage is one step of the fixed stage sequence.
type Stage string

const (
	StageStaging    Stage = "staging"
	StageDimensions Stage = "dimensions"
	StageFacts      Stage = "facts"
	StageMetrics    Stage = "metrics"
	StageAudit      Stage = "audit"
)

// Stages is the run order. There is no branching.
var Stages = []Stage{StageStaging, StageDimensions, StageFacts, StageMetrics, StageAudit}

// Machine tracks one run. It holds no locks so workflow code can use it directly.
type Machine struct {
	State State  `json:"state"`
	Stage Stage  `json:"stage,omitempty"`
	RunID string `json:"runId,omitempty"`
	// Failed names the stage that stopped the run.
	Failed Stage `json:"failedStage,omitempty"`
}

// NewMachine returns an idle machine.
func NewMachine() Machine {
	return Machine{State: StateIdle}
}

// Start enters the first stage.
func (m *Machine) Start(runID string) error {
	if m.State != StateIdle {
		return fmt.Errorf("cannot start run from state %s", m.State)
	}
	m.State, m.Stage, m.RunID = StateRunning, Stages[0], runID
	return nil
}

// Enter moves to stage, which must be the next one in order.
func (m *Machine) Enter(stage Stage) error {
	if m.State != StateRunning {
		return fmt.Errorf("cannot enter %s from state %s", stage, m.State)
	}
	if stage == m.Stage {
		return nil
	}
	if next, ok := nextStage(m.Stage); !ok || next != stage {
		return fmt.Errorf("cannot enter %s after %s", stage, m.Stage)
	}
	m.Stage = stage
	return nil
}

// Succeed closes the run; only valid from the last stage.
func (m *Machine) Succeed() error {
	if m.State != StateRunning || m.Stage != Stages[len(Stages)-1] {
		return fmt.Errorf("cannot succeed from %s/%s", m.State, m.Stage)
	}
	m.State = StateSucceeded
	return nil
}

// Fail closes the run at the current stage.
func (m *Machine) Fail() error {
	if m.State != StateRunning {
		return fmt.Errorf("cannot fail from state %s", m.State)
	}
	m.State, m.Failed = StateFailed, m.Stage
	return nil
}

func nextStage(s Stage) (Stage, bool) {
	for i, st := range Stages {
		if st == s && i+1 < len(Stages) {
			return Stages[i+1], true
		}
	}
	return "", false
}
