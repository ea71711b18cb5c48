package dwh

import (
	"strconv"
	"time"

	"github.com/canopy-network/commercex/pkg/db/entities"
)

// RawRecord is one untyped source record as delivered by an upstream feed.
type RawRecord struct {
	Entity entities.Entity `json:"entity"`
	Fields map[string]any  `json:"fields"`
}

// StagedRecord is a coerced, validated source record. Fields hold canonical string
// forms so every staging table shares one layout.
type StagedRecord struct {
	// Seq is assigned by the store on append and orders records within an entity.
	Seq        uint64
	Entity     entities.Entity
	NaturalKey string
	SourceTime time.Time
	LoadedAt   time.Time
	BatchID    string
	Fields     map[string]string
}

// StageKey identifies a staged record for deduplication.
type StageKey struct {
	NaturalKey string
	SourceTime int64 // unix nanos
}

func (r StagedRecord) Key() StageKey {
	return StageKey{NaturalKey: r.NaturalKey, SourceTime: r.SourceTime.UnixNano()}
}

// Field returns the canonical value of a field or "" when absent.
func (r StagedRecord) Field(name string) string {
	return r.Fields[name]
}

func (r StagedRecord) Float(name string) float64 {
	f, _ := strconv.ParseFloat(r.Fields[name], 64)
	return f
}

func (r StagedRecord) Int(name string) int64 {
	n, _ := strconv.ParseInt(r.Fields[name], 10, 64)
	return n
}

func (r StagedRecord) Bool(name string) bool {
	return r.Fields[name] == "true"
}

// Time returns the parsed time field and whether it was present.
func (r StagedRecord) Time(name string) (time.Time, bool) {
	v, ok := r.Fields[name]
	if !ok || v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// StagedColumns is shared by every *_staging table.
var StagedColumns = []ColumnDef{
	{Name: "seq", Type: "UInt64", Codec: "DoubleDelta, LZ4"},
	{Name: "entity", Type: "LowCardinality(String)"},
	{Name: "natural_key", Type: "String", Codec: "ZSTD(1)"},
	{Name: "source_time", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
	{Name: "loaded_at", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
	{Name: "batch_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "fields", Type: "Map(String, String)", Codec: "ZSTD(3)"},
}
