package dwh

import "time"

// Customer segments, in decision-table order.
const (
	SegmentChampions          = "Champions"
	SegmentLoyal              = "Loyal Customers"
	SegmentNew                = "New Customers"
	SegmentAtRisk             = "At Risk"
	SegmentLost               = "Lost Customers"
	SegmentPotentialLoyalists = "Potential Loyalists"
	SegmentRegular            = "Regular Customers"
)

// RFMRow is the recency/frequency/monetary profile of one customer.
type RFMRow struct {
	CustomerKey uint64  `ch:"customer_key"`
	CustomerID  string  `ch:"customer_id"`
	RecencyDays int64   `ch:"recency_days"`
	Frequency   int64   `ch:"frequency"`
	Monetary    float64 `ch:"monetary"`
	// AvgOrderValue is nil when the customer has no completed orders.
	AvgOrderValue *float64  `ch:"avg_order_value"`
	RScore        uint8     `ch:"r_score"`
	FScore        uint8     `ch:"f_score"`
	MScore        uint8     `ch:"m_score"`
	RFMScore      string    `ch:"rfm_score"`
	Segment       string    `ch:"segment"`
	ComputedAt    time.Time `ch:"computed_at"`
}

var RFMColumns = []ColumnDef{
	{Name: "customer_key", Type: "UInt64"},
	{Name: "customer_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "recency_days", Type: "Int64"},
	{Name: "frequency", Type: "Int64"},
	{Name: "monetary", Type: "Float64"},
	{Name: "avg_order_value", Type: "Nullable(Float64)"},
	{Name: "r_score", Type: "UInt8"},
	{Name: "f_score", Type: "UInt8"},
	{Name: "m_score", Type: "UInt8"},
	{Name: "rfm_score", Type: "String"},
	{Name: "segment", Type: "LowCardinality(String)"},
	{Name: "computed_at", Type: "DateTime64(6)"},
}

// Funnel stages in order.
const (
	StageVisit       = "Visit"
	StageProductView = "Product View"
	StageAddToCart   = "Add to Cart"
	StageCheckout    = "Checkout"
	StagePurchase    = "Purchase"
)

// FunnelStages lists the stages in funnel order.
var FunnelStages = []string{StageVisit, StageProductView, StageAddToCart, StageCheckout, StagePurchase}

// FunnelRow is one stage of the daily conversion funnel.
type FunnelRow struct {
	Date            time.Time `ch:"date"`
	Stage           string    `ch:"stage"`
	StageOrder      uint8     `ch:"stage_order"`
	Sessions        int64     `ch:"sessions"`
	ConversionRate  float64   `ch:"conversion_rate"`
	DropOffRate     float64   `ch:"drop_off_rate"`
	StageConversion float64   `ch:"stage_conversion"`
}

var FunnelColumns = []ColumnDef{
	{Name: "date", Type: "Date"},
	{Name: "stage", Type: "LowCardinality(String)"},
	{Name: "stage_order", Type: "UInt8"},
	{Name: "sessions", Type: "Int64"},
	{Name: "conversion_rate", Type: "Float64"},
	{Name: "drop_off_rate", Type: "Float64"},
	{Name: "stage_conversion", Type: "Float64"},
}

// CohortRow is retention of a first-order cohort a number of months later.
type CohortRow struct {
	CohortMonth      time.Time `ch:"cohort_month"`
	MonthsSinceFirst int32     `ch:"months_since_first"`
	CohortSize       int64     `ch:"cohort_size"`
	ActiveCustomers  int64     `ch:"active_customers"`
	RetentionRate    float64   `ch:"retention_rate"`
	Revenue          float64   `ch:"revenue"`
}

var CohortColumns = []ColumnDef{
	{Name: "cohort_month", Type: "Date"},
	{Name: "months_since_first", Type: "Int32"},
	{Name: "cohort_size", Type: "Int64"},
	{Name: "active_customers", Type: "Int64"},
	{Name: "retention_rate", Type: "Float64"},
	{Name: "revenue", Type: "Float64"},
}

// AffinityRow is a product pair bought together. ProductA < ProductB always.
type AffinityRow struct {
	ProductA     uint64  `ch:"product_a"`
	ProductB     uint64  `ch:"product_b"`
	CoOccurrence int64   `ch:"co_occurrence"`
	Support      float64 `ch:"support"`
	Confidence   float64 `ch:"confidence"`
	Lift         float64 `ch:"lift"`
}

var AffinityColumns = []ColumnDef{
	{Name: "product_a", Type: "UInt64"},
	{Name: "product_b", Type: "UInt64"},
	{Name: "co_occurrence", Type: "Int64"},
	{Name: "support", Type: "Float64"},
	{Name: "confidence", Type: "Float64"},
	{Name: "lift", Type: "Float64"},
}
