// Package reduce collapses high-cardinality grouped time series into
// chart-ready multi-series: the top N groups by total volume plus one
// synthesized Other series, all aligned to a shared timestamp axis.
package reduce

import (
	"sort"
	"time"
)

// OtherLabel names the remainder series.
const OtherLabel = "Other"

// Point is one (timestamp, value) sample of a single series.
type Point struct {
	TS    time.Time `json:"x"`
	Value float64   `json:"y"`
}

// GroupPoint is one raw rollup sample: a value for one group at one bucket.
type GroupPoint struct {
	TS    time.Time
	Group string
	Value float64
}

// Dataset is one labelled series, dense and aligned to MultiSeries.Labels.
type Dataset struct {
	Label string    `json:"label"`
	Data  []float64 `json:"data"`
}

// MultiSeries is the presentation shape: a shared sorted timestamp axis and
// one dense dataset per label. Never mutated after construction.
type MultiSeries struct {
	Labels   []string  `json:"labels"`
	Datasets []Dataset `json:"datasets"`
}

// MapGroups rewrites group keys through fn, merging values that land on the
// same key bucket-by-bucket. Used to re-bucket GPU classes into VRAM tiers
// before ranking.
func MapGroups(rows []GroupPoint, fn func(group string) string) []GroupPoint {
	type key struct {
		ts    time.Time
		group string
	}
	merged := make(map[key]float64)
	order := make([]key, 0, len(rows))
	for _, r := range rows {
		k := key{r.TS, fn(r.Group)}
		if _, ok := merged[k]; !ok {
			order = append(order, k)
		}
		merged[k] += r.Value
	}
	out := make([]GroupPoint, 0, len(order))
	for _, k := range order {
		out = append(out, GroupPoint{TS: k.ts, Group: k.group, Value: merged[k]})
	}
	return out
}

// TopN reduces raw group samples to the n largest groups plus Other.
//
// Ranking is by total value over the whole window, descending; equal totals
// are broken by group key ascending so the result is deterministic
// regardless of input order. The timestamp axis is the sorted union of all
// timestamps present in rows; every dataset is dense over that axis with
// zeroes where a group has no sample. Other is the bucket-wise sum of all
// non-top groups and is omitted when it is zero everywhere. The relabel
// function maps group keys to display labels (pass nil for identity).
func TopN(rows []GroupPoint, n int, relabel func(group string) string) MultiSeries {
	if relabel == nil {
		relabel = func(g string) string { return g }
	}

	totals := make(map[string]float64)
	byGroup := make(map[string]map[time.Time]float64)
	tsSet := make(map[time.Time]struct{})
	for _, r := range rows {
		totals[r.Group] += r.Value
		m, ok := byGroup[r.Group]
		if !ok {
			m = make(map[time.Time]float64)
			byGroup[r.Group] = m
		}
		m[r.TS] += r.Value
		tsSet[r.TS] = struct{}{}
	}

	groups := make([]string, 0, len(totals))
	for g := range totals {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if totals[groups[i]] != totals[groups[j]] {
			return totals[groups[i]] > totals[groups[j]]
		}
		return groups[i] < groups[j]
	})

	axis := make([]time.Time, 0, len(tsSet))
	for ts := range tsSet {
		axis = append(axis, ts)
	}
	sort.Slice(axis, func(i, j int) bool { return axis[i].Before(axis[j]) })

	labels := make([]string, len(axis))
	for i, ts := range axis {
		labels[i] = ts.UTC().Format(time.RFC3339)
	}

	out := MultiSeries{Labels: labels}
	top := groups
	if len(top) > n {
		top = top[:n]
	}
	for _, g := range top {
		data := make([]float64, len(axis))
		for i, ts := range axis {
			data[i] = byGroup[g][ts]
		}
		out.Datasets = append(out.Datasets, Dataset{Label: relabel(g), Data: data})
	}

	if len(groups) > n {
		other := make([]float64, len(axis))
		nonzero := false
		for _, g := range groups[n:] {
			for i, ts := range axis {
				v := byGroup[g][ts]
				other[i] += v
				if v != 0 {
					nonzero = true
				}
			}
		}
		if nonzero {
			out.Datasets = append(out.Datasets, Dataset{Label: OtherLabel, Data: other})
		}
	}
	return out
}
