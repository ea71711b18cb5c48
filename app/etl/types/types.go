package types

import (
	"time"

	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/pipeline"
)

// PipelineInput starts one run. A zero End means the workflow's start time, a zero
// Start resumes from the last successful run.
type PipelineInput struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// PipelineResult is the closed run as the workflow reports it.
type PipelineResult struct {
	RunID       string           `json:"runId"`
	Window      dwh.Window       `json:"window"`
	Status      dwh.RunStatus    `json:"status"`
	Summary     pipeline.Summary `json:"summary"`
	FailedStage pipeline.Stage   `json:"failedStage,omitempty"`
	StageCounts map[string]int64 `json:"stageCounts"`
	ErrorCounts map[string]int64 `json:"errorCounts"`
	Error       string           `json:"error,omitempty"`
	DurationMs  float64          `json:"durationMs"`
}

type ResolveWindowInput struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type ResolveWindowOutput struct {
	Window     dwh.Window `json:"window"`
	DurationMs float64    `json:"durationMs"`
}

type BeginRunInput struct {
	Window dwh.Window `json:"window"`
}

type BeginRunOutput struct {
	Entry      dwh.AuditEntry `json:"entry"`
	DurationMs float64        `json:"durationMs"`
}

type RunStageInput struct {
	Stage pipeline.Stage `json:"stage"`
	Entry dwh.AuditEntry `json:"entry"`
}

type RunStageOutput struct {
	Report     pipeline.StageReport `json:"report"`
	DurationMs float64              `json:"durationMs"`
}

type RecordRunInput struct {
	Entry       dwh.AuditEntry   `json:"entry"`
	StageCounts map[string]int64 `json:"stageCounts"`
	ErrorCounts map[string]int64 `json:"errorCounts"`
	// Error is the message of the error that stopped the run, empty when every stage completed.
	Error string `json:"error,omitempty"`
}

type RecordRunOutput struct {
	Entry      dwh.AuditEntry `json:"entry"`
	DurationMs float64        `json:"durationMs"`
}
