package redis

import (
	"context"
	"time"

	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"go.uber.org/zap"
)

// Channels and streams the pipeline publishes to.
const (
	RunChannel     = "commercex:pipeline.run"
	QualityChannel = "commercex:quality.checks"
	// RunStream keeps a capped history of closed runs for late subscribers.
	RunStream = "commercex:pipeline.runs"
)

// publishTimeout bounds each notification so a slow Redis never holds up a run.
const publishTimeout = 3 * time.Second

// RunEvent is published when a run closes.
type RunEvent struct {
	RunID       string           `json:"runId"`
	Status      dwh.RunStatus    `json:"status"`
	Window      dwh.Window       `json:"window"`
	StartedAt   time.Time        `json:"startedAt"`
	EndedAt     *time.Time       `json:"endedAt,omitempty"`
	StageCounts map[string]int64 `json:"stageCounts"`
	ErrorCounts map[string]int64 `json:"errorCounts"`
	Error       string           `json:"error,omitempty"`
}

// QualityEvent carries the advisory checks of one run grouped by table.
type QualityEvent struct {
	RunID   string                        `json:"runId"`
	Passed  int                           `json:"passed"`
	Failed  int                           `json:"failed"`
	ByTable map[string][]dwh.QualityCheck `json:"byTable"`
}

func newRunEvent(entry dwh.AuditEntry) RunEvent {
	return RunEvent{
		RunID:       entry.RunID,
		Status:      entry.Status,
		Window:      entry.Window(),
		StartedAt:   entry.StartedAt,
		EndedAt:     entry.EndedAt,
		StageCounts: entry.StageCounts,
		ErrorCounts: entry.ErrorCounts,
		Error:       entry.ErrorText,
	}
}

func newQualityEvent(runID string, report map[string][]dwh.QualityCheck) QualityEvent {
	ev := QualityEvent{RunID: runID, ByTable: report}
	for _, checks := range report {
		for _, q := range checks {
			if q.Passed {
				ev.Passed++
			} else {
				ev.Failed++
			}
		}
	}
	return ev
}

// NotifyRun publishes the closed run and appends it to the run stream.
func (c *Client) NotifyRun(ctx context.Context, entry dwh.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	c.Publish(ctx, RunChannel, newRunEvent(entry))
	c.XAdd(ctx, RunStream, map[string]any{
		"runId":  entry.RunID,
		"status": string(entry.Status),
		"start":  entry.WindowStart.UTC().Format(time.RFC3339),
		"end":    entry.WindowEnd.UTC().Format(time.RFC3339),
	})
	c.logger.Debug("Published run notification",
		zap.String("runId", entry.RunID),
		zap.String("status", string(entry.Status)))
}

// NotifyQuality publishes the quality report of a run.
func (c *Client) NotifyQuality(ctx context.Context, runID string, report map[string][]dwh.QualityCheck) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	c.Publish(ctx, QualityChannel, newQualityEvent(runID, report))
}
