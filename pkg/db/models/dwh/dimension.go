package dwh

import (
	"time"

	"github.com/canopy-network/commercex/pkg/db/entities"
)

// DimensionRow is one version of a type 2 dimension member.
type DimensionRow struct {
	Dimension     entities.Dimension
	SurrogateKey  uint64            `ch:"surrogate_key"`
	NaturalKey    string            `ch:"natural_key"`
	Attributes    map[string]string `ch:"attributes"`
	EffectiveDate time.Time         `ch:"effective_date"`
	// ExpiryDate is nil while the row is current.
	ExpiryDate *time.Time `ch:"expiry_date"`
	IsCurrent  bool       `ch:"is_current"`
	// Version increases each time the row is rewritten (closing bumps it).
	Version uint64 `ch:"version"`
}

// Covers reports whether the row was in effect at t: effective <= t < expiry.
func (r DimensionRow) Covers(t time.Time) bool {
	if t.Before(r.EffectiveDate) {
		return false
	}
	return r.ExpiryDate == nil || t.Before(*r.ExpiryDate)
}

// Closed returns a copy of r expired at t.
func (r DimensionRow) Closed(t time.Time) DimensionRow {
	out := r.Clone()
	expiry := t
	out.ExpiryDate = &expiry
	out.IsCurrent = false
	out.Version = r.Version + 1
	return out
}

func (r DimensionRow) Clone() DimensionRow {
	out := r
	out.Attributes = make(map[string]string, len(r.Attributes))
	for k, v := range r.Attributes {
		out.Attributes[k] = v
	}
	if r.ExpiryDate != nil {
		e := *r.ExpiryDate
		out.ExpiryDate = &e
	}
	return out
}

// DimensionColumns is shared by every dim_* table.
var DimensionColumns = []ColumnDef{
	{Name: "surrogate_key", Type: "UInt64", Codec: "Delta, ZSTD(3)"},
	{Name: "natural_key", Type: "String", Codec: "ZSTD(1)"},
	{Name: "attributes", Type: "Map(String, String)", Codec: "ZSTD(3)"},
	{Name: "effective_date", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
	{Name: "expiry_date", Type: "Nullable(DateTime64(6))"},
	{Name: "is_current", Type: "Bool"},
	{Name: "version", Type: "UInt64"},
}
