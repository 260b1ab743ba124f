// Package rollup turns raw usage records into pre-aggregated rows keyed by
// (time bucket, GPU group). It is pure in-memory computation; persistence
// lives in internal/store.
package rollup

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fleetstats/internal/metrics"
)

type Granularity int

const (
	Hour Granularity = iota
	Day
)

func (g Granularity) String() string {
	if g == Day {
		return "day"
	}
	return "hour"
}

// Bucket truncates t to the start of the granularity interval, in UTC.
func (g Granularity) Bucket(t time.Time) time.Time {
	t = t.UTC()
	if g == Day {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Hour)
}

// GPU group taxonomy. A record belongs to exactly one breakdown group (its
// class id, or no_gpu) and additionally rolls up into any_gpu and all.
const (
	GroupAll    = "all"
	GroupAnyGPU = "any_gpu"
	GroupNoGPU  = "no_gpu"
)

// IsAggregateGroup reports whether g is one of the synthetic rollup groups
// rather than a specific GPU class or the no_gpu breakdown.
func IsAggregateGroup(g string) bool { return g == GroupAll || g == GroupAnyGPU }

// UsageRecord is one completed usage session as emitted by the plan source.
type UsageRecord struct {
	NodeID        string
	StartAt       time.Time
	StopAt        time.Time
	GPUClassID    string // empty when the session ran without a GPU
	InvoiceAmount decimal.Decimal
	RAMMB         int64
	CPUMillicores int64
}

func (r UsageRecord) group() string {
	if r.GPUClassID == "" {
		return GroupNoGPU
	}
	return r.GPUClassID
}

// StatsRow is one (bucket, group) row of the stats table family.
type StatsRow struct {
	Bucket                time.Time
	Group                 string
	TotalTimeSeconds      float64
	TotalTimeHours        float64
	TotalInvoiceAmount    decimal.Decimal
	TotalRAMHours         float64
	TotalCPUHours         float64
	TotalTransactionCount int64
}

// DistinctRow is one (bucket, group) row of the distinct-count table family.
// Resource values are sums of the per-node maximum allocation seen in the
// bucket, not sums over records.
type DistinctRow struct {
	Bucket          time.Time
	Group           string
	UniqueNodeCount int64
	UniqueNodeRAM   int64
	UniqueNodeCPU   int64
}

// Result is the output of one aggregation pass over a record window.
type Result struct {
	Stats    []StatsRow
	Distinct []DistinctRow
	Skipped  int
}

type Aggregator struct {
	Log *zap.Logger
}

func NewAggregator(log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{Log: log}
}

type bucketKey struct {
	bucket time.Time
	group  string
}

type nodeKey struct {
	bucket time.Time
	group  string
	node   string
}

// Aggregate computes the stats and distinct-count rollups for one window of
// records at the given granularity. Malformed records (missing node id,
// stop before start) are skipped and counted, never fail the batch. Running
// Aggregate twice over the same window produces identical rows, so upserting
// the output is idempotent.
func (a *Aggregator) Aggregate(records []UsageRecord, g Granularity) Result {
	stats := make(map[bucketKey]*StatsRow)
	maxima := make(map[nodeKey]*DistinctRow) // per-node maxima, UniqueNodeCount unused here

	var skipped int
	for _, r := range records {
		if r.NodeID == "" {
			skipped++
			metrics.IncSkipped("missing_node_id")
			a.Log.Warn("skipping record without node id", zap.Time("stop_at", r.StopAt))
			continue
		}
		if r.StopAt.Before(r.StartAt) {
			skipped++
			metrics.IncSkipped("negative_duration")
			a.Log.Warn("skipping record with stop before start",
				zap.String("node_id", r.NodeID),
				zap.Time("start_at", r.StartAt), zap.Time("stop_at", r.StopAt))
			continue
		}

		bucket := g.Bucket(r.StopAt)
		breakdown := r.group()

		seconds := r.StopAt.Sub(r.StartAt).Seconds()
		hours := seconds / 3600
		ramHours := float64(r.RAMMB) * hours / 1024 // MB -> GB-hours
		cpuHours := float64(r.CPUMillicores) * hours / 1000

		groups := []string{breakdown, GroupAll}
		if breakdown != GroupNoGPU {
			groups = append(groups, GroupAnyGPU)
		}
		for _, grp := range groups {
			k := bucketKey{bucket, grp}
			row, ok := stats[k]
			if !ok {
				row = &StatsRow{Bucket: bucket, Group: grp}
				stats[k] = row
			}
			row.TotalTimeSeconds += seconds
			row.TotalTimeHours += hours
			row.TotalInvoiceAmount = row.TotalInvoiceAmount.Add(r.InvoiceAmount)
			row.TotalRAMHours += ramHours
			row.TotalCPUHours += cpuHours
			row.TotalTransactionCount++

			nk := nodeKey{bucket, grp, r.NodeID}
			m, ok := maxima[nk]
			if !ok {
				m = &DistinctRow{Bucket: bucket, Group: grp}
				maxima[nk] = m
			}
			if r.RAMMB > m.UniqueNodeRAM {
				m.UniqueNodeRAM = r.RAMMB
			}
			if r.CPUMillicores > m.UniqueNodeCPU {
				m.UniqueNodeCPU = r.CPUMillicores
			}
		}
	}

	// Collapse per-node maxima into per-group counts and sums.
	distinct := make(map[bucketKey]*DistinctRow)
	for nk, m := range maxima {
		k := bucketKey{nk.bucket, nk.group}
		row, ok := distinct[k]
		if !ok {
			row = &DistinctRow{Bucket: nk.bucket, Group: nk.group}
			distinct[k] = row
		}
		row.UniqueNodeCount++
		row.UniqueNodeRAM += m.UniqueNodeRAM
		row.UniqueNodeCPU += m.UniqueNodeCPU
	}

	out := Result{Skipped: skipped}
	for _, row := range stats {
		out.Stats = append(out.Stats, *row)
	}
	for _, row := range distinct {
		out.Distinct = append(out.Distinct, *row)
	}
	sort.Slice(out.Stats, func(i, j int) bool {
		if !out.Stats[i].Bucket.Equal(out.Stats[j].Bucket) {
			return out.Stats[i].Bucket.Before(out.Stats[j].Bucket)
		}
		return out.Stats[i].Group < out.Stats[j].Group
	})
	sort.Slice(out.Distinct, func(i, j int) bool {
		if !out.Distinct[i].Bucket.Equal(out.Distinct[j].Bucket) {
			return out.Distinct[i].Bucket.Before(out.Distinct[j].Bucket)
		}
		return out.Distinct[i].Group < out.Distinct[j].Group
	})
	return out
}
