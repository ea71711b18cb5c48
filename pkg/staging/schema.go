package staging

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/canopy-network/commercex/pkg/db/entities"
)

// Kind is the declared type of a source field.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	}
	return "unknown"
}

// Field describes one typed source field.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
}

// Schema describes how a raw record of one entity is validated.
type Schema struct {
	Entity   entities.Entity
	KeyField string
	// TimeFields are tried in order; the first present one is the record's source time.
	TimeFields []string
	Fields     []Field
}

var schemas = map[entities.Entity]Schema{
	entities.Customers: {
		Entity:     entities.Customers,
		KeyField:   "customer_id",
		TimeFields: []string{"updated_at"},
		Fields: []Field{
			{Name: "name", Kind: KindString},
			{Name: "email", Kind: KindString},
			{Name: "city", Kind: KindString},
			{Name: "state", Kind: KindString},
			{Name: "country", Kind: KindString},
			{Name: "tier", Kind: KindString},
			{Name: "signup_date", Kind: KindTime},
		},
	},
	entities.Products: {
		Entity:     entities.Products,
		KeyField:   "product_id",
		TimeFields: []string{"updated_at"},
		Fields: []Field{
			{Name: "name", Kind: KindString},
			{Name: "category", Kind: KindString},
			{Name: "subcategory", Kind: KindString},
			{Name: "brand", Kind: KindString},
			{Name: "unit_price", Kind: KindFloat},
			{Name: "unit_cost", Kind: KindFloat},
			{Name: "is_active", Kind: KindBool},
		},
	},
	entities.Events: {
		Entity:     entities.Events,
		KeyField:   "event_id",
		TimeFields: []string{"event_timestamp"},
		Fields: []Field{
			{Name: "session_id", Kind: KindString, Required: true},
			{Name: "customer_id", Kind: KindString},
			{Name: "device_type", Kind: KindString},
			{Name: "traffic_source", Kind: KindString},
			{Name: "page_url", Kind: KindString},
			{Name: "product_id", Kind: KindString},
			{Name: "page_views", Kind: KindInt},
			{Name: "product_views", Kind: KindInt},
			{Name: "add_to_cart", Kind: KindInt},
			{Name: "checkout_started", Kind: KindInt},
			{Name: "purchase_completed", Kind: KindInt},
		},
	},
	entities.Orders: {
		Entity:     entities.Orders,
		KeyField:   "order_id",
		TimeFields: []string{"updated_at", "order_date"},
		Fields: []Field{
			{Name: "customer_id", Kind: KindString, Required: true},
			{Name: "order_date", Kind: KindTime, Required: true},
			{Name: "order_status", Kind: KindString},
			{Name: "payment_method", Kind: KindString},
			{Name: "order_total", Kind: KindFloat},
			{Name: "shipping_cost", Kind: KindFloat},
			{Name: "discount_amount", Kind: KindFloat},
		},
	},
	entities.OrderItems: {
		Entity:     entities.OrderItems,
		KeyField:   "order_item_id",
		TimeFields: []string{"updated_at"},
		Fields: []Field{
			{Name: "order_id", Kind: KindString, Required: true},
			{Name: "product_id", Kind: KindString, Required: true},
			{Name: "quantity", Kind: KindInt, Required: true},
			{Name: "unit_price", Kind: KindFloat, Required: true},
			{Name: "discount", Kind: KindFloat},
		},
	},
}

// SchemaFor returns the schema of entity.
func SchemaFor(entity entities.Entity) (Schema, bool) {
	s, ok := schemas[entity]
	return s, ok
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Coerce converts a raw value to the canonical string form of kind.
// ok is false when the value is absent (nil or blank).
func Coerce(v any, kind Kind) (canonical string, ok bool, err error) {
	if v == nil {
		return "", false, nil
	}
	if s, isString := v.(string); isString {
		s = strings.TrimSpace(s)
		if s == "" {
			return "", false, nil
		}
		v = s
	}
	switch kind {
	case KindString:
		return coerceString(v)
	case KindInt:
		return coerceInt(v)
	case KindFloat:
		return coerceFloat(v)
	case KindBool:
		return coerceBool(v)
	case KindTime:
		return coerceTime(v)
	}
	return "", false, fmt.Errorf("unknown kind %d", kind)
}

func coerceString(v any) (string, bool, error) {
	switch t := v.(type) {
	case string:
		return t, true, nil
	case json.Number:
		return t.String(), true, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true, nil
	case int:
		return strconv.Itoa(t), true, nil
	case int64:
		return strconv.FormatInt(t, 10), true, nil
	case bool:
		return strconv.FormatBool(t), true, nil
	}
	return "", false, fmt.Errorf("cannot use %T as string", v)
}

func coerceInt(v any) (string, bool, error) {
	var f float64
	switch t := v.(type) {
	case int:
		return strconv.Itoa(t), true, nil
	case int64:
		return strconv.FormatInt(t, 10), true, nil
	case float64:
		f = t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return strconv.FormatInt(n, 10), true, nil
		}
		parsed, err := t.Float64()
		if err != nil {
			return "", false, fmt.Errorf("%q is not an integer", t)
		}
		f = parsed
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return strconv.FormatInt(n, 10), true, nil
		}
		parsed, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return "", false, fmt.Errorf("%q is not an integer", t)
		}
		f = parsed
	default:
		return "", false, fmt.Errorf("cannot use %T as integer", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return "", false, fmt.Errorf("%v is not an integer", f)
	}
	return strconv.FormatInt(int64(f), 10), true, nil
}

func coerceFloat(v any) (string, bool, error) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return "", false, fmt.Errorf("%q is not a number", t)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return "", false, fmt.Errorf("%q is not a number", t)
		}
		f = parsed
	default:
		return "", false, fmt.Errorf("cannot use %T as number", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false, fmt.Errorf("%v is not a finite number", f)
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true, nil
}

func coerceBool(v any) (string, bool, error) {
	switch t := v.(type) {
	case bool:
		return strconv.FormatBool(t), true, nil
	case float64:
		if t == 0 || t == 1 {
			return strconv.FormatBool(t == 1), true, nil
		}
	case int:
		if t == 0 || t == 1 {
			return strconv.FormatBool(t == 1), true, nil
		}
	case string:
		switch strings.ToLower(t) {
		case "true", "1", "yes", "y":
			return "true", true, nil
		case "false", "0", "no", "n":
			return "false", true, nil
		}
	}
	return "", false, fmt.Errorf("%v is not a boolean", v)
}

func coerceTime(v any) (string, bool, error) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return "", false, nil
		}
		return t.UTC().Format(time.RFC3339Nano), true, nil
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC().Format(time.RFC3339Nano), true, nil
			}
		}
		return "", false, fmt.Errorf("unparseable timestamp %q", t)
	}
	return "", false, fmt.Errorf("cannot use %T as timestamp", v)
}
