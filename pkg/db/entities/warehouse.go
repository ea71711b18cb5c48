package entities

import "fmt"

// Dimension is a slowly changing (type 2) dimension.
type Dimension string

const (
	CustomerDim Dimension = "customer"
	ProductDim  Dimension = "product"
	SessionDim  Dimension = "session"
)

var allDimensions = []Dimension{CustomerDim, ProductDim, SessionDim}

func (d Dimension) String() string { return string(d) }

// TableName returns the dimension table, e.g. "dim_customer".
func (d Dimension) TableName() string { return "dim_" + string(d) }

// Source returns the staging entity the dimension is conformed from.
func (d Dimension) Source() Entity {
	switch d {
	case CustomerDim:
		return Customers
	case ProductDim:
		return Products
	case SessionDim:
		return Events
	}
	return ""
}

func (d Dimension) IsValid() bool {
	for _, v := range allDimensions {
		if v == d {
			return true
		}
	}
	return false
}

func DimensionFromString(s string) (Dimension, error) {
	d := Dimension(s)
	if !d.IsValid() {
		names := make([]string, len(allDimensions))
		for i, v := range allDimensions {
			names[i] = v.String()
		}
		return "", fmt.Errorf("unknown dimension %q, valid dimensions: %s", s, joinSorted(names))
	}
	return d, nil
}

// Dimensions returns a copy of all dimensions.
func Dimensions() []Dimension {
	return append([]Dimension(nil), allDimensions...)
}

// Fact is an immutable fact table.
type Fact string

const (
	OrderFacts     Fact = "orders"
	OrderItemFacts Fact = "order_items"
	WebEventFacts  Fact = "web_events"
	BehaviorFacts  Fact = "customer_behavior"
)

var allFacts = []Fact{OrderFacts, OrderItemFacts, WebEventFacts, BehaviorFacts}

func (f Fact) String() string { return string(f) }

// TableName returns the fact table, e.g. "fact_orders".
func (f Fact) TableName() string { return "fact_" + string(f) }

// Source returns the staging entity the fact is built from. Behavior facts are
// derived from web event facts and report Events.
func (f Fact) Source() Entity {
	switch f {
	case OrderFacts:
		return Orders
	case OrderItemFacts:
		return OrderItems
	case WebEventFacts, BehaviorFacts:
		return Events
	}
	return ""
}

// Dimensions lists the dimensions a fact resolves at its business timestamp.
func (f Fact) Dimensions() []Dimension {
	switch f {
	case OrderFacts:
		return []Dimension{CustomerDim}
	case OrderItemFacts:
		return []Dimension{CustomerDim, ProductDim}
	case WebEventFacts, BehaviorFacts:
		return []Dimension{SessionDim, CustomerDim}
	}
	return nil
}

func (f Fact) IsValid() bool {
	for _, v := range allFacts {
		if v == f {
			return true
		}
	}
	return false
}

func FactFromString(s string) (Fact, error) {
	f := Fact(s)
	if !f.IsValid() {
		names := make([]string, len(allFacts))
		for i, v := range allFacts {
			names[i] = v.String()
		}
		return "", fmt.Errorf("unknown fact %q, valid facts: %s", s, joinSorted(names))
	}
	return f, nil
}

// Facts returns a copy of all facts in build order.
func Facts() []Fact {
	return append([]Fact(nil), allFacts...)
}

// Metric is a derived metric table.
type Metric string

const (
	RFMMetric      Metric = "customer_rfm"
	FunnelMetric   Metric = "conversion_funnel"
	CohortMetric   Metric = "cohort_retention"
	AffinityMetric Metric = "product_affinity"
)

var allMetrics = []Metric{RFMMetric, FunnelMetric, CohortMetric, AffinityMetric}

func (m Metric) String() string { return string(m) }

// TableName returns the metric table, e.g. "metric_customer_rfm".
func (m Metric) TableName() string { return "metric_" + string(m) }

func (m Metric) IsValid() bool {
	for _, v := range allMetrics {
		if v == m {
			return true
		}
	}
	return false
}

func MetricFromString(s string) (Metric, error) {
	m := Metric(s)
	if !m.IsValid() {
		names := make([]string, len(allMetrics))
		for i, v := range allMetrics {
			names[i] = v.String()
		}
		return "", fmt.Errorf("unknown metric %q, valid metrics: %s", s, joinSorted(names))
	}
	return m, nil
}

// Metrics returns a copy of all metrics.
func Metrics() []Metric {
	return append([]Metric(nil), allMetrics...)
}

func validateWarehouseNames() {
	seen := make(map[string]string)
	check := func(kind, table string) {
		if prev, ok := seen[table]; ok {
			panic(fmt.Sprintf("entities: table %q claimed by both %s and %s", table, prev, kind))
		}
		seen[table] = kind
	}
	for _, e := range allEntities {
		check("entity "+e.String(), e.StagingTableName())
	}
	for _, d := range allDimensions {
		check("dimension "+d.String(), d.TableName())
		if !d.Source().IsValid() {
			panic(fmt.Sprintf("entities: dimension %q has no staging source", d))
		}
	}
	for _, f := range allFacts {
		check("fact "+f.String(), f.TableName())
	}
	for _, m := range allMetrics {
		check("metric "+m.String(), m.TableName())
	}
}
