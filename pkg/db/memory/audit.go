package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/canopy-network/commercex/pkg/db"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/etlerr"
)

var _ db.AuditStore = (*AuditLog)(nil)

// AuditLog is the in-memory run ledger.
type AuditLog struct {
	mu      sync.Mutex
	runs    map[string]dwh.AuditEntry
	order   []string
	quality []dwh.QualityCheck
}

func NewAuditLog() *AuditLog {
	return &AuditLog{runs: make(map[string]dwh.AuditEntry)}
}

func (a *AuditLog) Close() error { return nil }

func (a *AuditLog) BeginRun(ctx context.Context, entry dwh.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range a.order {
		if a.runs[id].Status == dwh.RunRunning {
			return fmt.Errorf("run %s: %w", id, etlerr.ErrRunInProgress)
		}
	}
	if _, exists := a.runs[entry.RunID]; exists {
		return fmt.Errorf("run %s already recorded", entry.RunID)
	}
	entry.Status = dwh.RunRunning
	a.runs[entry.RunID] = cloneEntry(entry)
	a.order = append(a.order, entry.RunID)
	return nil
}

func (a *AuditLog) FinishRun(ctx context.Context, entry dwh.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !entry.Status.Closed() {
		return fmt.Errorf("run %s: cannot finish with status %q", entry.RunID, entry.Status)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	current, ok := a.runs[entry.RunID]
	if !ok {
		return fmt.Errorf("run %s not found", entry.RunID)
	}
	if current.Status.Closed() {
		return fmt.Errorf("run %s already closed as %s", entry.RunID, current.Status)
	}
	a.runs[entry.RunID] = cloneEntry(entry)
	return nil
}

func (a *AuditLog) GetRun(ctx context.Context, runID string) (*dwh.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.runs[runID]
	if !ok {
		return nil, nil
	}
	out := cloneEntry(e)
	return &out, nil
}

func (a *AuditLog) LastSuccessfulRun(ctx context.Context) (*dwh.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var last *dwh.AuditEntry
	for _, id := range a.order {
		e := a.runs[id]
		if e.Status != dwh.RunSuccess && e.Status != dwh.RunPartial {
			continue
		}
		if last == nil || e.WindowEnd.After(last.WindowEnd) {
			c := cloneEntry(e)
			last = &c
		}
	}
	return last, nil
}

func (a *AuditLog) RecentRuns(ctx context.Context, limit int) ([]dwh.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]dwh.AuditEntry, 0, len(a.order))
	for i := len(a.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, cloneEntry(a.runs[a.order[i]]))
	}
	return out, nil
}

func (a *AuditLog) RecordQuality(ctx context.Context, checks []dwh.QualityCheck) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quality = append(a.quality, checks...)
	return nil
}

func (a *AuditLog) QualityForRun(ctx context.Context, runID string) ([]dwh.QualityCheck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []dwh.QualityCheck
	for _, q := range a.quality {
		if q.RunID == runID {
			out = append(out, q)
		}
	}
	return out, nil
}

func (a *AuditLog) QualityHistory(ctx context.Context, table, checkType string, limit int) ([]dwh.QualityCheck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []dwh.QualityCheck
	for _, q := range a.quality {
		if q.Table == table && q.CheckType == checkType {
			out = append(out, q)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CheckedAt.After(out[j].CheckedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneEntry(e dwh.AuditEntry) dwh.AuditEntry {
	out := e
	out.StageCounts = make(map[string]int64, len(e.StageCounts))
	for k, v := range e.StageCounts {
		out.StageCounts[k] = v
	}
	out.ErrorCounts = make(map[string]int64, len(e.ErrorCounts))
	for k, v := range e.ErrorCounts {
		out.ErrorCounts[k] = v
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		out.EndedAt = &t
	}
	return out
}
