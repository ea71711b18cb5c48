package dwh

import (
	"fmt"
	"strings"
)

// ColumnDef defines a single column of a warehouse table. Storage adapters render
// CREATE TABLE and INSERT statements from these lists so the row types and the DDL
// cannot drift apart.
type ColumnDef struct {
	Name string
	// Type is the ClickHouse data type (e.g., "UInt64", "String", "DateTime64(6)")
	Type string
	// Codec is the optional compression codec (e.g., "ZSTD(1)", "Delta, ZSTD(3)")
	Codec string
}

// SQL returns the full column definition for CREATE TABLE statements.
// Example: "order_id String CODEC(ZSTD(1))"
func (c ColumnDef) SQL() string {
	if c.Codec != "" {
		return fmt.Sprintf("%s %s CODEC(%s)", c.Name, c.Type, c.Codec)
	}
	return fmt.Sprintf("%s %s", c.Name, c.Type)
}

func (c ColumnDef) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("column name cannot be empty")
	}
	if c.Type == "" {
		return fmt.Errorf("column %s: type cannot be empty", c.Name)
	}
	return nil
}

// ColumnsToSchemaSQL converts a list of ColumnDef to a CREATE TABLE schema string.
func ColumnsToSchemaSQL(columns []ColumnDef) string {
	parts := make([]string, 0, len(columns))
	for _, col := range columns {
		parts = append(parts, col.SQL())
	}
	return strings.Join(parts, ",\n\t\t\t")
}

// ColumnsToNameList extracts the column names, in order, for INSERT and SELECT lists.
func ColumnsToNameList(columns []ColumnDef) []string {
	names := make([]string, 0, len(columns))
	for _, col := range columns {
		names = append(names, col.Name)
	}
	return names
}

// ValidateColumns returns the first invalid or duplicated column.
func ValidateColumns(columns []ColumnDef) error {
	seen := make(map[string]bool, len(columns))
	for _, col := range columns {
		if err := col.Validate(); err != nil {
			return err
		}
		if seen[col.Name] {
			return fmt.Errorf("column %s: defined twice", col.Name)
		}
		seen[col.Name] = true
	}
	return nil
}
