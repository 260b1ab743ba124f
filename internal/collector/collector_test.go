package collector

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"fleetstats/internal/geo"
	"fleetstats/internal/source"
	"fleetstats/internal/store"
)

var runTS = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	nodes     []source.Node
	workloads []source.Workload
	err       error
}

func (f *fakeSource) EligibleNodes(_ context.Context, _ int64, _ time.Time) ([]source.Node, error) {
	return f.nodes, f.err
}

func (f *fakeSource) Workloads(context.Context) ([]source.Workload, error) {
	return f.workloads, f.err
}

func newTestRunner(t *testing.T, src FleetSource) (*Runner, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	r := NewRunner(store.New(sqlDB, nil), src, nil, nil, 2003009, 48*time.Hour, nil)
	r.Now = func() time.Time { return runTS }
	return r, mock
}

func expectScalarUpserts(mock sqlmock.Sqlmock, n int) {
	for i := 0; i < n; i++ {
		mock.ExpectExec("INSERT INTO metrics_scalar").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
}

func TestRunStoresFleetScalarsAndRollups(t *testing.T) {
	src := &fakeSource{
		nodes: []source.Node{
			{NodeID: "a", CPUCores: 8, WSLMemory: 4 << 30, AvailableDisk: 100 << 30},
		},
		workloads: []source.Workload{
			{ReplicaCount: 2, MinCPU: 2000, MinRAM: 2048, MinDisk: 10 << 30,
				Instances: []source.WorkloadInstance{{Status: "running"}}},
		},
	}
	r, mock := newTestRunner(t, src)

	expectScalarUpserts(mock, 8)
	// Plan window with one record: hourly then daily, stats then distinct.
	planRows := func() *sqlmock.Rows {
		start := runTS.Add(-2 * time.Hour)
		return sqlmock.NewRows([]string{"node_id", "start_at", "stop_at", "invoice_amount", "gpu_class_id", "ram", "cpu"}).
			AddRow("node-1", start.UnixMilli(), start.Add(time.Hour).UnixMilli(), "1.5", "x100", int64(1024), int64(2000))
	}
	mock.ExpectQuery("FROM node_plan").WillReturnRows(planRows())
	// Groups for a GPU record: x100, all, any_gpu -> 3 stats + 3 distinct rows
	// per granularity.
	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO hourly_gpu_stats").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO hourly_distinct_counts").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO daily_gpu_stats").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO daily_distinct_counts").WillReturnResult(sqlmock.NewResult(0, 1))
	}

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// seededGeocoder builds a geocoder whose cache already resolves the given
// places, so tests never reach the network.
func seededGeocoder(t *testing.T, kind string, entries map[string]geo.Coords) *geo.Geocoder {
	t.Helper()
	dir := t.TempDir()
	raw, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("marshal cache: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, kind+"_geocode_cache.json"), raw, 0o644); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	g, err := geo.NewGeocoder(dir, kind, nil)
	if err != nil {
		t.Fatalf("geocoder: %v", err)
	}
	return g
}

func TestGeoSnapshotSkippedWhenFleetSnapshotFails(t *testing.T) {
	src := &fakeSource{
		nodes: []source.Node{{NodeID: "a", IP: source.NodeIP{City: "Berlin", CountryCode: "DE"}}},
	}
	r, mock := newTestRunner(t, src)
	r.CityGeo = seededGeocoder(t, "city", map[string]geo.Coords{"Berlin": {Lat: 52.52, Lon: 13.405}})
	r.CountryGeo = seededGeocoder(t, "country", map[string]geo.Coords{"DE": {Lat: 51.16, Lon: 10.45}})

	emptyPlan := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"node_id", "start_at", "stop_at", "invoice_amount", "gpu_class_id", "ram", "cpu"})
	}

	// First run: snapshot succeeds and both geo snapshots are written.
	expectScalarUpserts(mock, 8)
	mock.ExpectQuery("FROM node_plan").WillReturnRows(emptyPlan())
	mock.ExpectExec("INSERT INTO city_snapshots").
		WithArgs(runTS, "Berlin", int64(1), 52.52, 13.405).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO country_snapshots").
		WithArgs(runTS, "DE", int64(1), 51.16, 10.45).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Second run: the fleet snapshot fails, so no location counters exist
	// for this run and no snapshot rows may be written. Only the plan query
	// is expected; a snapshot upsert would be an unmatched call.
	src.err = errors.New("mongo down")
	mock.ExpectQuery("FROM node_plan").WillReturnRows(emptyPlan())
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("second run must report the snapshot failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRunContinuesPastFleetSnapshotFailure(t *testing.T) {
	r, mock := newTestRunner(t, &fakeSource{err: errors.New("mongo down")})

	// The rollup step must still run and succeed.
	mock.ExpectQuery("FROM node_plan").
		WillReturnRows(sqlmock.NewRows([]string{"node_id", "start_at", "stop_at", "invoice_amount", "gpu_class_id", "ram", "cpu"}))

	err := r.Run(context.Background())
	if err == nil {
		t.Fatalf("run must report the snapshot failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("rollup step skipped: %v", err)
	}
}

func TestRunReportsRollupFailure(t *testing.T) {
	r, mock := newTestRunner(t, &fakeSource{})

	expectScalarUpserts(mock, 8)
	mock.ExpectQuery("FROM node_plan").WillReturnError(errors.New("pg down"))

	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("run must surface the rollup failure")
	}
}

func TestLoopSurvivesFailingRunsAndStopsOnCancel(t *testing.T) {
	r, mock := newTestRunner(t, &fakeSource{err: errors.New("always down")})
	mock.MatchExpectationsInOrder(false)
	// Every pass also fails its plan query; the loop must keep ticking.

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Loop(ctx, time.Millisecond, time.Millisecond) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("loop returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("loop did not stop on cancel")
	}
}

func TestLoopFloorsIntervalAtMinRetry(t *testing.T) {
	r, _ := newTestRunner(t, &fakeSource{err: errors.New("down")})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	r.Loop(ctx, time.Nanosecond, 10*time.Millisecond)
	// With the floor applied, at most a handful of runs fit in the window.
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("loop returned after %v, before the floored interval", elapsed)
	}
}
