package dwh

import "time"

// RunStatus is the lifecycle state of an audit entry.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunPartial RunStatus = "partial"
)

// Closed reports whether the entry is final.
func (s RunStatus) Closed() bool {
	return s == RunSuccess || s == RunFailed || s == RunPartial
}

// AuditEntry is the record of one pipeline run. Immutable once closed.
type AuditEntry struct {
	RunID       string           `json:"runId"`
	WindowStart time.Time        `json:"windowStart"`
	WindowEnd   time.Time        `json:"windowEnd"`
	StartedAt   time.Time        `json:"startedAt"`
	EndedAt     *time.Time       `json:"endedAt,omitempty"`
	Status      RunStatus        `json:"status"`
	StageCounts map[string]int64 `json:"stageCounts"`
	ErrorCounts map[string]int64 `json:"errorCounts"`
	ErrorText   string           `json:"errorText,omitempty"`
}

func (e AuditEntry) Window() Window {
	return Window{Start: e.WindowStart, End: e.WindowEnd}
}

// QualityCheck is the advisory outcome of one check against one table.
type QualityCheck struct {
	RunID          string    `json:"runId"`
	Table          string    `json:"table"`
	CheckType      string    `json:"checkType"`
	Passed         bool      `json:"passed"`
	RecordsChecked int64     `json:"recordsChecked"`
	RecordsFailed  int64     `json:"recordsFailed"`
	Details        string    `json:"details,omitempty"`
	CheckedAt      time.Time `json:"checkedAt"`
}

// Result renders Passed as the pass/fail label used in reports.
func (q QualityCheck) Result() string {
	if q.Passed {
		return "pass"
	}
	return "fail"
}
