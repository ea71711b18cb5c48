package db

import (
	"context"
	"time"

	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
)

// StagingStore is the append-only landing zone for source records.
type StagingStore interface {
	// ExistingStageKeys returns which of keys are already staged for entity.
	ExistingStageKeys(ctx context.Context, entity entities.Entity, keys []dwh.StageKey) (map[dwh.StageKey]bool, error)
	// AppendStaged appends records and assigns their Seq. Existing rows are never touched.
	AppendStaged(ctx context.Context, records []dwh.StagedRecord) error
	// ScanStaged returns records of entity with from <= SourceTime < to, ordered by Seq.
	ScanStaged(ctx context.Context, entity entities.Entity, from, to time.Time) ([]dwh.StagedRecord, error)
	// ScanStagedAfter returns records of entity with Seq > afterSeq, ordered by Seq.
	ScanStagedAfter(ctx context.Context, entity entities.Entity, afterSeq uint64) ([]dwh.StagedRecord, error)
	CountStaged(ctx context.Context, entity entities.Entity) (int64, error)
}

// DimensionStore holds type 2 dimension history.
type DimensionStore interface {
	// CurrentDimensions returns every row flagged current for each requested key.
	// More than one row per key is a consistency violation the caller must detect.
	CurrentDimensions(ctx context.Context, dim entities.Dimension, naturalKeys []string) (map[string][]dwh.DimensionRow, error)
	// DimensionHistory returns all versions per key ordered by effective date.
	DimensionHistory(ctx context.Context, dim entities.Dimension, naturalKeys []string) (map[string][]dwh.DimensionRow, error)
	// InsertDimension stores the first version of a key and assigns its surrogate key.
	InsertDimension(ctx context.Context, row dwh.DimensionRow) (dwh.DimensionRow, error)
	// SupersedeDimension atomically closes current at expiry and inserts next as the new current row.
	SupersedeDimension(ctx context.Context, current dwh.DimensionRow, expiry time.Time, next dwh.DimensionRow) (dwh.DimensionRow, error)
	ScanDimensions(ctx context.Context, dim entities.Dimension) ([]dwh.DimensionRow, error)
}

// FactStore holds immutable fact rows.
type FactStore interface {
	ExistingFacts(ctx context.Context, fact entities.Fact, ids []dwh.FactID) (map[dwh.FactID]bool, error)

	InsertOrderFacts(ctx context.Context, rows []dwh.OrderFact) error
	InsertOrderItemFacts(ctx context.Context, rows []dwh.OrderItemFact) error
	InsertWebEventFacts(ctx context.Context, rows []dwh.WebEventFact) error
	InsertBehaviorFacts(ctx context.Context, rows []dwh.BehaviorFact) error

	// OrderFactsForCustomers returns every order fact version for the given customer natural keys.
	OrderFactsForCustomers(ctx context.Context, customerIDs []string) (map[string][]dwh.OrderFact, error)
	// OrderFactsByID returns every version of the given orders.
	OrderFactsByID(ctx context.Context, orderIDs []string) (map[string][]dwh.OrderFact, error)

	ScanOrderFacts(ctx context.Context, from, to time.Time) ([]dwh.OrderFact, error)
	ScanOrderItemFacts(ctx context.Context, from, to time.Time) ([]dwh.OrderItemFact, error)
	ScanWebEventFacts(ctx context.Context, from, to time.Time) ([]dwh.WebEventFact, error)
	ScanBehaviorFacts(ctx context.Context, from, to time.Time) ([]dwh.BehaviorFact, error)

	// WebEventFactsForSessions returns every web event fact of the given sessions.
	WebEventFactsForSessions(ctx context.Context, sessionIDs []string) (map[string][]dwh.WebEventFact, error)
	// SummarisedSessions reports which of the given sessions already have a behavior fact.
	SummarisedSessions(ctx context.Context, sessionIDs []string) (map[string]bool, error)

	CountFacts(ctx context.Context, fact entities.Fact) (int64, error)
}

// MetricStore holds derived metric tables.
type MetricStore interface {
	// ReplaceRFM, ReplaceCohorts and ReplaceAffinity swap the whole table in one step.
	ReplaceRFM(ctx context.Context, rows []dwh.RFMRow) error
	ReplaceCohorts(ctx context.Context, rows []dwh.CohortRow) error
	ReplaceAffinity(ctx context.Context, rows []dwh.AffinityRow) error

	// MaxFunnelDate returns the latest funnel date stored, false when empty.
	MaxFunnelDate(ctx context.Context) (time.Time, bool, error)
	AppendFunnel(ctx context.Context, rows []dwh.FunnelRow) error

	RFM(ctx context.Context) ([]dwh.RFMRow, error)
	Funnel(ctx context.Context, from, to time.Time) ([]dwh.FunnelRow, error)
	Cohorts(ctx context.Context) ([]dwh.CohortRow, error)
	Affinity(ctx context.Context) ([]dwh.AffinityRow, error)
}

// ProgressStore tracks, per stage, the highest staging Seq already consumed.
type ProgressStore interface {
	// Progress returns the stored Seq of name, zero when none was recorded.
	Progress(ctx context.Context, name string) (uint64, error)
	SetProgress(ctx context.Context, name string, seq uint64) error
}

// Store is the warehouse as seen by the pipeline stages.
//
// Every Scan* method treats its range as [from, to) and a zero to as unbounded.
type Store interface {
	StagingStore
	DimensionStore
	FactStore
	MetricStore
	ProgressStore
	Close() error
}

// AuditStore is the run ledger. Entries are immutable once closed.
type AuditStore interface {
	// BeginRun persists a running entry. It returns etlerr.ErrRunInProgress when another run is open.
	BeginRun(ctx context.Context, entry dwh.AuditEntry) error
	// FinishRun closes a running entry. Closing an already closed entry is an error.
	FinishRun(ctx context.Context, entry dwh.AuditEntry) error
	GetRun(ctx context.Context, runID string) (*dwh.AuditEntry, error)
	LastSuccessfulRun(ctx context.Context) (*dwh.AuditEntry, error)
	RecentRuns(ctx context.Context, limit int) ([]dwh.AuditEntry, error)

	RecordQuality(ctx context.Context, checks []dwh.QualityCheck) error
	QualityForRun(ctx context.Context, runID string) ([]dwh.QualityCheck, error)
	// QualityHistory returns the most recent results for table and check type, newest first.
	QualityHistory(ctx context.Context, table, checkType string, limit int) ([]dwh.QualityCheck, error)
	Close() error
}
