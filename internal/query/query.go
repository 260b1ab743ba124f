// Package query resolves (metric, period, group) requests into rollup-table
// reads and chart-ready reductions. It validates inputs before touching the
// store and owns the period-to-window mapping.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"fleetstats/internal/gpuclass"
	"fleetstats/internal/reduce"
	"fleetstats/internal/rollup"
	"fleetstats/internal/store"
)

// TopGroups is how many GPU classes keep their own series before the rest
// collapse into Other.
const TopGroups = 5

var (
	// ErrInvalidArgument rejects a request before any store access.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNoData means the combination is valid but nothing is stored for it.
	ErrNoData = errors.New("no data")
)

// Window is a resolved lookback period.
type Window struct {
	Since       time.Time
	Granularity rollup.Granularity
}

var periods = map[string]struct {
	lookback time.Duration
	g        rollup.Granularity
}{
	"day":       {24 * time.Hour, rollup.Hour},
	"week":      {7 * 24 * time.Hour, rollup.Day},
	"two_weeks": {14 * 24 * time.Hour, rollup.Day},
	"month":     {31 * 24 * time.Hour, rollup.Day},
}

// PeriodNames lists the accepted period values, sorted.
func PeriodNames() []string {
	out := make([]string, 0, len(periods))
	for name := range periods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ParsePeriod maps a period name to its window, measured back from now.
func ParsePeriod(name string, now time.Time) (Window, error) {
	p, ok := periods[name]
	if !ok {
		return Window{}, fmt.Errorf("%w: period %q (allowed: %s)",
			ErrInvalidArgument, name, strings.Join(PeriodNames(), ", "))
	}
	return Window{Since: now.UTC().Add(-p.lookback), Granularity: p.g}, nil
}

// decomposed lists the metrics that get gpu_<m> and vram_<m> Top-N breakdowns
// in the trends response.
var decomposed = []string{"total_time_hours", "total_invoice_amount", "unique_node_count"}

// ScalarMetrics maps a scalar trend endpoint name to its stored metric name.
// cpu_cores is a legacy alias of total_cpu_cores and serves the same series.
var ScalarMetrics = map[string]string{
	"total_nodes":           "total_nodes",
	"total_disk":            "total_disk",
	"total_memory":          "total_memory",
	"total_cpu_cores":       "total_cores",
	"cpu_cores":             "total_cores",
	"running_replica_count": "running_replica_count",
	"running_min_disk":      "running_min_disk",
	"running_min_cpu":       "running_min_cpu",
	"running_min_ram":       "running_min_ram",
}

// ScalarMetricNames lists the scalar trend endpoint names, sorted.
func ScalarMetricNames() []string {
	out := make([]string, 0, len(ScalarMetrics))
	for name := range ScalarMetrics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Service is the read path. Dir is loaded once at startup and never mutated,
// so concurrent requests share it without locking.
type Service struct {
	Store *store.Store
	Dir   *gpuclass.Directory
	Log   *zap.Logger
	Now   func() time.Time
}

func New(st *store.Store, dir *gpuclass.Directory, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{Store: st, Dir: dir, Log: log, Now: time.Now}
}

func normalizeGroup(gpu string) string {
	if gpu == "" {
		return rollup.GroupAll
	}
	return gpu
}

// Stats returns one scalar per rollup metric: the sum over the window for the
// requested group.
func (s *Service) Stats(ctx context.Context, period, gpu string) (map[string]float64, error) {
	w, err := ParsePeriod(period, s.Now())
	if err != nil {
		return nil, err
	}
	group := normalizeGroup(gpu)

	out := make(map[string]float64, len(store.MetricNames()))
	for _, name := range store.MetricNames() {
		spec, _ := store.LookupMetric(name)
		v, err := s.Store.SumMetric(ctx, spec, w.Granularity, group, w.Since)
		if err != nil {
			return nil, fmt.Errorf("sum %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// Trends returns, per metric, the plain series for the requested group, plus
// gpu_<m> and vram_<m> Top-N decompositions for the designated subset.
func (s *Service) Trends(ctx context.Context, period, gpu string) (map[string]any, error) {
	w, err := ParsePeriod(period, s.Now())
	if err != nil {
		return nil, err
	}
	group := normalizeGroup(gpu)

	out := make(map[string]any)
	for _, name := range store.MetricNames() {
		spec, _ := store.LookupMetric(name)
		series, err := s.Store.MetricSeries(ctx, spec, w.Granularity, group, w.Since)
		if err != nil {
			return nil, fmt.Errorf("series %s: %w", name, err)
		}
		if series == nil {
			series = []reduce.Point{}
		}
		out[name] = series
	}

	for _, name := range decomposed {
		spec, _ := store.LookupMetric(name)
		rows, err := s.Store.MetricSeriesByClass(ctx, spec, w.Granularity, w.Since)
		if err != nil {
			return nil, fmt.Errorf("series by class %s: %w", name, err)
		}
		out["gpu_"+name] = reduce.TopN(rows, TopGroups, s.Dir.Label)
		out["vram_"+name] = reduce.TopN(reduce.MapGroups(rows, s.Dir.VRAMTier), TopGroups, nil)
	}
	return out, nil
}

// GPUStats returns the Top-N/Other decomposition of one metric across GPU
// classes.
func (s *Service) GPUStats(ctx context.Context, period, metric string) (reduce.MultiSeries, error) {
	w, err := ParsePeriod(period, s.Now())
	if err != nil {
		return reduce.MultiSeries{}, err
	}
	spec, ok := store.LookupMetric(metric)
	if !ok {
		return reduce.MultiSeries{}, fmt.Errorf("%w: metric %q (allowed: %s)",
			ErrInvalidArgument, metric, strings.Join(store.MetricNames(), ", "))
	}
	rows, err := s.Store.MetricSeriesByClass(ctx, spec, w.Granularity, w.Since)
	if err != nil {
		return reduce.MultiSeries{}, err
	}
	return reduce.TopN(rows, TopGroups, s.Dir.Label), nil
}

// ScalarTrend returns the fleet-wide scalar series named by a trend endpoint.
func (s *Service) ScalarTrend(ctx context.Context, endpoint, period string) ([]reduce.Point, error) {
	metric, ok := ScalarMetrics[endpoint]
	if !ok {
		return nil, fmt.Errorf("%w: scalar metric %q (allowed: %s)",
			ErrInvalidArgument, endpoint, strings.Join(ScalarMetricNames(), ", "))
	}
	w, err := ParsePeriod(period, s.Now())
	if err != nil {
		return nil, err
	}
	pts, err := s.Store.ScalarSeries(ctx, metric, w.Since)
	if err != nil {
		return nil, err
	}
	if len(pts) == 0 {
		return nil, fmt.Errorf("%w: %s over %s", ErrNoData, metric, period)
	}
	return pts, nil
}

// Locations returns the latest geographic snapshot of the given kind.
func (s *Service) Locations(ctx context.Context, kind string) ([]store.LocationCount, error) {
	locs, err := s.Store.LatestLocationCounts(ctx, kind)
	if err != nil {
		return nil, err
	}
	if locs == nil {
		locs = []store.LocationCount{}
	}
	return locs, nil
}
