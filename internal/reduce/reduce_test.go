package reduce

import (
	"math"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

func ts(h int) time.Time { return t0.Add(time.Duration(h) * time.Hour) }

func samples() []GroupPoint {
	// Seven groups over three buckets with deliberately ragged coverage:
	// g7 has no sample at ts(1), g1 none at ts(0).
	rows := []GroupPoint{
		{ts(0), "g2", 60}, {ts(1), "g2", 60}, {ts(2), "g2", 60}, // total 180
		{ts(0), "g1", 0}, {ts(1), "g1", 100}, {ts(2), "g1", 100}, // total 200
		{ts(0), "g3", 50}, {ts(1), "g3", 50}, {ts(2), "g3", 50}, // 150
		{ts(0), "g4", 40}, {ts(1), "g4", 40}, {ts(2), "g4", 40}, // 120
		{ts(0), "g5", 30}, {ts(1), "g5", 30}, {ts(2), "g5", 30}, // 90
		{ts(0), "g6", 5}, {ts(1), "g6", 5}, {ts(2), "g6", 5}, // 15
		{ts(0), "g7", 10}, {ts(2), "g7", 10}, // 20, sparse
	}
	return rows
}

func dataset(t *testing.T, ms MultiSeries, label string) Dataset {
	t.Helper()
	for _, d := range ms.Datasets {
		if d.Label == label {
			return d
		}
	}
	t.Fatalf("no dataset labelled %q", label)
	return Dataset{}
}

func TestTopNSelectsByTotalVolume(t *testing.T) {
	ms := TopN(samples(), 5, nil)

	want := []string{"g1", "g2", "g3", "g4", "g5", OtherLabel}
	if len(ms.Datasets) != len(want) {
		t.Fatalf("got %d datasets, want %d", len(ms.Datasets), len(want))
	}
	for i, label := range want {
		if ms.Datasets[i].Label != label {
			t.Errorf("dataset %d = %q, want %q", i, ms.Datasets[i].Label, label)
		}
	}
}

func TestTopNAlignment(t *testing.T) {
	ms := TopN(samples(), 5, nil)
	if len(ms.Labels) != 3 {
		t.Fatalf("axis length = %d, want 3 (union of timestamps)", len(ms.Labels))
	}
	for _, d := range ms.Datasets {
		if len(d.Data) != len(ms.Labels) {
			t.Errorf("dataset %q length %d != axis %d", d.Label, len(d.Data), len(ms.Labels))
		}
	}
	// g1 has no sample at ts(0): dense zero, not missing.
	g1 := dataset(t, ms, "g1")
	if g1.Data[0] != 0 {
		t.Errorf("g1 at first bucket = %v, want 0 fill", g1.Data[0])
	}
}

func TestTopNCompleteness(t *testing.T) {
	rows := samples()
	ms := TopN(rows, 5, nil)

	// At each timestamp the top-5 series plus Other must sum to the raw
	// total across all groups.
	rawByTS := make(map[string]float64)
	for _, r := range rows {
		rawByTS[r.TS.UTC().Format(time.RFC3339)] += r.Value
	}
	for i, label := range ms.Labels {
		var sum float64
		for _, d := range ms.Datasets {
			sum += d.Data[i]
		}
		if math.Abs(sum-rawByTS[label]) > 1e-9 {
			t.Errorf("bucket %s: reduced sum %v != raw sum %v", label, sum, rawByTS[label])
		}
	}
}

func TestTopNOtherSuppressedWhenAllZero(t *testing.T) {
	rows := samples()
	// Zero out every non-top-5 group.
	for i := range rows {
		if rows[i].Group == "g6" || rows[i].Group == "g7" {
			rows[i].Value = 0
		}
	}
	ms := TopN(rows, 5, nil)
	for _, d := range ms.Datasets {
		if d.Label == OtherLabel {
			t.Fatalf("Other emitted despite all-zero remainder")
		}
	}
}

func TestTopNTieBreakIsLexical(t *testing.T) {
	rows := []GroupPoint{
		{ts(0), "zeta", 10},
		{ts(0), "alpha", 10},
		{ts(0), "mid", 10},
	}
	ms := TopN(rows, 2, nil)
	if ms.Datasets[0].Label != "alpha" || ms.Datasets[1].Label != "mid" {
		t.Errorf("tie-break order = %q, %q; want alpha, mid", ms.Datasets[0].Label, ms.Datasets[1].Label)
	}
}

func TestTopNRelabel(t *testing.T) {
	rows := []GroupPoint{{ts(0), "class-1", 5}}
	ms := TopN(rows, 5, func(g string) string { return "Display " + g })
	if ms.Datasets[0].Label != "Display class-1" {
		t.Errorf("label = %q", ms.Datasets[0].Label)
	}
}

func TestTopNFewerGroupsThanN(t *testing.T) {
	rows := []GroupPoint{{ts(0), "only", 5}}
	ms := TopN(rows, 5, nil)
	if len(ms.Datasets) != 1 {
		t.Fatalf("got %d datasets, want 1 and no Other", len(ms.Datasets))
	}
}

func TestMapGroupsMergesBuckets(t *testing.T) {
	rows := []GroupPoint{
		{ts(0), "a", 1},
		{ts(0), "b", 2},
		{ts(1), "a", 3},
	}
	merged := MapGroups(rows, func(string) string { return "tier" })
	if len(merged) != 2 {
		t.Fatalf("got %d rows, want 2", len(merged))
	}
	byTS := make(map[time.Time]float64)
	for _, r := range merged {
		if r.Group != "tier" {
			t.Errorf("group = %q", r.Group)
		}
		byTS[r.TS] = r.Value
	}
	if byTS[ts(0)] != 3 || byTS[ts(1)] != 3 {
		t.Errorf("merged values = %v", byTS)
	}
}
