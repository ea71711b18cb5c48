// Package entities provides type-safe names for every table the warehouse owns.
//
// Staging entities are the raw source feeds. Dimensions, facts and metrics are the
// conformed layers derived from them. Each kind knows its own table name so storage
// adapters never build table names from free-form strings.
//
//	for _, e := range entities.All() {
//	    loader.Load(ctx, batches[e])
//	}
//
//	dim, err := entities.DimensionFromString("customer")
//	if err != nil {
//	    return fmt.Errorf("invalid dimension: %w", err)
//	}
//	query := fmt.Sprintf("SELECT * FROM %s FINAL", dim.TableName())
//
// All functions and methods in this package are safe for concurrent use.
package entities

import (
	"fmt"
	"sort"
	"strings"
)

// Entity is a raw source feed landed in staging.
type Entity string

const (
	// Events is clickstream activity. Staging table: events_staging
	Events Entity = "events"
	// Orders is order headers. Staging table: orders_staging
	Orders Entity = "orders"
	// OrderItems is order lines. Staging table: order_items_staging
	OrderItems Entity = "order_items"
	// Products is the product catalog feed. Staging table: products_staging
	Products Entity = "products"
	// Customers is the customer master feed. Staging table: customers_staging
	Customers Entity = "customers"
)

// allEntities is the iteration order used by the loader: descriptive feeds first.
//
// IMPORTANT: When adding a new entity constant above, you MUST also add it here.
var allEntities = []Entity{
	Customers,
	Products,
	Events,
	Orders,
	OrderItems,
}

var entitySet map[Entity]bool

func init() {
	entitySet = make(map[Entity]bool, len(allEntities))
	for _, e := range allEntities {
		entitySet[e] = true
	}

	for _, e := range allEntities {
		if e == "" {
			panic("entities: empty entity name detected in allEntities")
		}
		if strings.Contains(string(e), "_staging") {
			panic(fmt.Sprintf("entities: entity name %q contains '_staging' - use base name only", e))
		}
		if strings.Contains(string(e), " ") {
			panic(fmt.Sprintf("entities: entity name %q contains whitespace", e))
		}
	}
	validateWarehouseNames()
}

// String implements fmt.Stringer.
func (e Entity) String() string {
	return string(e)
}

// StagingTableName returns the append-only staging table for this entity.
//
//	entities.Orders.StagingTableName() // "orders_staging"
func (e Entity) StagingTableName() string {
	return string(e) + "_staging"
}

// IsValid returns true if this entity is in the list of known entities.
func (e Entity) IsValid() bool {
	return entitySet[e]
}

// MarshalText implements encoding.TextMarshaler.
func (e Entity) MarshalText() ([]byte, error) {
	return []byte(e), nil
}

// UnmarshalText implements encoding.TextUnmarshaler and rejects unknown names.
func (e *Entity) UnmarshalText(text []byte) error {
	entity := Entity(text)
	if !entity.IsValid() {
		return fmt.Errorf("invalid entity: %q", text)
	}
	*e = entity
	return nil
}

// FromString converts a string to an Entity and validates it.
func FromString(s string) (Entity, error) {
	entity := Entity(s)
	if !entity.IsValid() {
		return "", fmt.Errorf("unknown entity %q, valid entities: %s", s, joinSorted(AllStrings()))
	}
	return entity, nil
}

// All returns a copy of all staging entities.
func All() []Entity {
	result := make([]Entity, len(allEntities))
	copy(result, allEntities)
	return result
}

// AllStrings returns all entity names as strings.
func AllStrings() []string {
	result := make([]string, len(allEntities))
	for i, e := range allEntities {
		result[i] = e.String()
	}
	return result
}

func joinSorted(names []string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return strings.Join(sorted, ", ")
}
