package dwh

import "time"

// FactID identifies one immutable fact version.
type FactID struct {
	NaturalKey string
	Version    int64 // unix nanos of the staged source time
}

// OrderFact is one version of an order header. Derived measures are frozen at write time.
type OrderFact struct {
	OrderID            string    `ch:"order_id"`
	Version            time.Time `ch:"version"`
	CustomerID         string    `ch:"customer_id"`
	CustomerKey        uint64    `ch:"customer_key"`
	OrderDate          time.Time `ch:"order_date"`
	Status             string    `ch:"status"`
	PaymentMethod      string    `ch:"payment_method"`
	OrderTotal         float64   `ch:"order_total"`
	ShippingCost       float64   `ch:"shipping_cost"`
	DiscountAmount     float64   `ch:"discount_amount"`
	IsFirstOrder       bool      `ch:"is_first_order"`
	DaysSinceLastOrder *int32    `ch:"days_since_last_order"`
	BuiltAt            time.Time `ch:"built_at"`
}

func (f OrderFact) ID() FactID { return FactID{NaturalKey: f.OrderID, Version: f.Version.UnixNano()} }

// Order statuses understood by the metric engine.
const (
	StatusCompleted = "completed"
	StatusPending   = "pending"
	StatusCancelled = "cancelled"
)

var OrderFactColumns = []ColumnDef{
	{Name: "order_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "version", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
	{Name: "customer_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "customer_key", Type: "UInt64", Codec: "Delta, ZSTD(3)"},
	{Name: "order_date", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
	{Name: "status", Type: "LowCardinality(String)"},
	{Name: "payment_method", Type: "LowCardinality(String)"},
	{Name: "order_total", Type: "Float64"},
	{Name: "shipping_cost", Type: "Float64"},
	{Name: "discount_amount", Type: "Float64"},
	{Name: "is_first_order", Type: "Bool"},
	{Name: "days_since_last_order", Type: "Nullable(Int32)"},
	{Name: "built_at", Type: "DateTime64(6)"},
}

// OrderItemFact is one order line with line-level profitability.
type OrderItemFact struct {
	OrderItemID string    `ch:"order_item_id"`
	Version     time.Time `ch:"version"`
	OrderID     string    `ch:"order_id"`
	OrderDate   time.Time `ch:"order_date"`
	CustomerKey uint64    `ch:"customer_key"`
	ProductID   string    `ch:"product_id"`
	ProductKey  uint64    `ch:"product_key"`
	Quantity    int64     `ch:"quantity"`
	UnitPrice   float64   `ch:"unit_price"`
	Discount    float64   `ch:"discount"`
	LineTotal   float64   `ch:"line_total"`
	UnitCost    float64   `ch:"unit_cost"`
	LineCost    float64   `ch:"line_cost"`
	Profit      float64   `ch:"profit"`
	Margin      float64   `ch:"margin"`
	BuiltAt     time.Time `ch:"built_at"`
}

func (f OrderItemFact) ID() FactID {
	return FactID{NaturalKey: f.OrderItemID, Version: f.Version.UnixNano()}
}

var OrderItemFactColumns = []ColumnDef{
	{Name: "order_item_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "version", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
	{Name: "order_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "order_date", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
	{Name: "customer_key", Type: "UInt64", Codec: "Delta, ZSTD(3)"},
	{Name: "product_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "product_key", Type: "UInt64", Codec: "Delta, ZSTD(3)"},
	{Name: "quantity", Type: "Int64"},
	{Name: "unit_price", Type: "Float64"},
	{Name: "discount", Type: "Float64"},
	{Name: "line_total", Type: "Float64"},
	{Name: "unit_cost", Type: "Float64"},
	{Name: "line_cost", Type: "Float64"},
	{Name: "profit", Type: "Float64"},
	{Name: "margin", Type: "Float64"},
	{Name: "built_at", Type: "DateTime64(6)"},
}

// WebEventFact is one clickstream event resolved against the session and customer dimensions.
type WebEventFact struct {
	EventID           string    `ch:"event_id"`
	Version           time.Time `ch:"version"`
	SessionID         string    `ch:"session_id"`
	SessionKey        uint64    `ch:"session_key"`
	CustomerID        string    `ch:"customer_id"`
	CustomerKey       uint64    `ch:"customer_key"` // 0 for anonymous events
	EventTime         time.Time `ch:"event_time"`
	EventDate         time.Time `ch:"event_date"`
	ProductID         string    `ch:"product_id"`
	PageViews         int64     `ch:"page_views"`
	ProductViews      int64     `ch:"product_views"`
	AddToCart         int64     `ch:"add_to_cart"`
	CheckoutStarted   int64     `ch:"checkout_started"`
	PurchaseCompleted int64     `ch:"purchase_completed"`
	BuiltAt           time.Time `ch:"built_at"`
}

func (f WebEventFact) ID() FactID { return FactID{NaturalKey: f.EventID, Version: f.Version.UnixNano()} }

var WebEventFactColumns = []ColumnDef{
	{Name: "event_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "version", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
	{Name: "session_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "session_key", Type: "UInt64", Codec: "Delta, ZSTD(3)"},
	{Name: "customer_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "customer_key", Type: "UInt64", Codec: "Delta, ZSTD(3)"},
	{Name: "event_time", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
	{Name: "event_date", Type: "Date"},
	{Name: "product_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "page_views", Type: "Int64"},
	{Name: "product_views", Type: "Int64"},
	{Name: "add_to_cart", Type: "Int64"},
	{Name: "checkout_started", Type: "Int64"},
	{Name: "purchase_completed", Type: "Int64"},
	{Name: "built_at", Type: "DateTime64(6)"},
}

// BehaviorFact summarises one browsing session.
type BehaviorFact struct {
	SessionID              string    `ch:"session_id"`
	CustomerID             string    `ch:"customer_id"`
	SessionKey             uint64    `ch:"session_key"`
	CustomerKey            uint64    `ch:"customer_key"`
	FirstEventAt           time.Time `ch:"first_event_at"`
	LastEventAt            time.Time `ch:"last_event_at"`
	EventCount             int64     `ch:"event_count"`
	PageViews              int64     `ch:"page_views"`
	ProductViews           int64     `ch:"product_views"`
	AddToCart              int64     `ch:"add_to_cart"`
	CheckoutStarted        int64     `ch:"checkout_started"`
	PurchaseCompleted      int64     `ch:"purchase_completed"`
	SessionDurationSeconds int64     `ch:"session_duration_seconds"`
	Converted              bool      `ch:"converted"`
	AbandonedCart          bool      `ch:"abandoned_cart"`
	BuiltAt                time.Time `ch:"built_at"`
}

// ID uses the session start as the version; a session is summarised once.
func (f BehaviorFact) ID() FactID {
	return FactID{NaturalKey: f.SessionID, Version: f.FirstEventAt.UnixNano()}
}

var BehaviorFactColumns = []ColumnDef{
	{Name: "session_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "customer_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "session_key", Type: "UInt64", Codec: "Delta, ZSTD(3)"},
	{Name: "customer_key", Type: "UInt64", Codec: "Delta, ZSTD(3)"},
	{Name: "first_event_at", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
	{Name: "last_event_at", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
	{Name: "event_count", Type: "Int64"},
	{Name: "page_views", Type: "Int64"},
	{Name: "product_views", Type: "Int64"},
	{Name: "add_to_cart", Type: "Int64"},
	{Name: "checkout_started", Type: "Int64"},
	{Name: "purchase_completed", Type: "Int64"},
	{Name: "session_duration_seconds", Type: "Int64"},
	{Name: "converted", Type: "Bool"},
	{Name: "abandoned_cart", Type: "Bool"},
	{Name: "built_at", Type: "DateTime64(6)"},
}

// LatestOrders keeps the newest version per order id.
func LatestOrders(facts []OrderFact) map[string]OrderFact {
	latest := make(map[string]OrderFact, len(facts))
	for _, f := range facts {
		if cur, ok := latest[f.OrderID]; !ok || f.Version.After(cur.Version) {
			latest[f.OrderID] = f
		}
	}
	return latest
}

// LatestOrderItems keeps the newest version per order item id.
func LatestOrderItems(facts []OrderItemFact) map[string]OrderItemFact {
	latest := make(map[string]OrderItemFact, len(facts))
	for _, f := range facts {
		if cur, ok := latest[f.OrderItemID]; !ok || f.Version.After(cur.Version) {
			latest[f.OrderItemID] = f
		}
	}
	return latest
}
