package store

import (
	"sort"

	"fleetstats/internal/rollup"
)

// Kind selects the rollup table family a metric reads from.
type Kind int

const (
	KindStats Kind = iota
	KindDistinct
)

// Spec describes one queryable rollup metric: which table family and column
// it reads. Adding a metric is a table entry here, not new control flow.
type Spec struct {
	Name   string
	Kind   Kind
	Column string
}

var specs = map[string]Spec{
	"total_time_seconds":      {Name: "total_time_seconds", Kind: KindStats, Column: "total_time_seconds"},
	"total_time_hours":        {Name: "total_time_hours", Kind: KindStats, Column: "total_time_hours"},
	"total_invoice_amount":    {Name: "total_invoice_amount", Kind: KindStats, Column: "total_invoice_amount"},
	"total_ram_hours":         {Name: "total_ram_hours", Kind: KindStats, Column: "total_ram_hours"},
	"total_cpu_hours":         {Name: "total_cpu_hours", Kind: KindStats, Column: "total_cpu_hours"},
	"total_transaction_count": {Name: "total_transaction_count", Kind: KindStats, Column: "total_transaction_count"},
	"unique_node_count":       {Name: "unique_node_count", Kind: KindDistinct, Column: "unique_node_count"},
	"unique_node_ram":         {Name: "unique_node_ram", Kind: KindDistinct, Column: "unique_node_ram"},
	"unique_node_cpu":         {Name: "unique_node_cpu", Kind: KindDistinct, Column: "unique_node_cpu"},
}

// LookupMetric resolves a metric name to its spec.
func LookupMetric(name string) (Spec, bool) {
	s, ok := specs[name]
	return s, ok
}

// MetricNames lists all queryable rollup metrics, sorted.
func MetricNames() []string {
	out := make([]string, 0, len(specs))
	for name := range specs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Table resolves the physical table for a metric at a granularity.
func (s Spec) Table(g rollup.Granularity) string {
	switch {
	case s.Kind == KindDistinct && g == rollup.Day:
		return "daily_distinct_counts"
	case s.Kind == KindDistinct:
		return "hourly_distinct_counts"
	case g == rollup.Day:
		return "daily_gpu_stats"
	default:
		return "hourly_gpu_stats"
	}
}
