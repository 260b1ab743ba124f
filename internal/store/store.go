// Package store is the persistence layer: rollup tables with atomic
// conflict-resolving upserts, scalar fleet metrics, geographic snapshots and
// the transaction feed.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fleetstats/internal/gpuclass"
	"fleetstats/internal/metrics"
	"fleetstats/internal/reduce"
	"fleetstats/internal/rollup"
)

type Store struct {
	DB  *sql.DB
	Log *zap.Logger
}

func New(db *sql.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{DB: db, Log: log}
}

func statsTable(g rollup.Granularity) string {
	if g == rollup.Day {
		return "daily_gpu_stats"
	}
	return "hourly_gpu_stats"
}

func distinctTable(g rollup.Granularity) string {
	if g == rollup.Day {
		return "daily_distinct_counts"
	}
	return "hourly_distinct_counts"
}

// UpsertStatsRows writes stats rollup rows. Each key's non-key columns are
// fully overwritten, so re-running aggregation over the same window is
// idempotent (last writer wins, never additive).
func (s *Store) UpsertStatsRows(ctx context.Context, g rollup.Granularity, rows []rollup.StatsRow) error {
	table := statsTable(g)
	q := fmt.Sprintf(`INSERT INTO %s
		(bucket_ts, gpu_group, total_time_seconds, total_time_hours, total_invoice_amount, total_ram_hours, total_cpu_hours, total_transaction_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (bucket_ts, gpu_group) DO UPDATE SET
			total_time_seconds = EXCLUDED.total_time_seconds,
			total_time_hours = EXCLUDED.total_time_hours,
			total_invoice_amount = EXCLUDED.total_invoice_amount,
			total_ram_hours = EXCLUDED.total_ram_hours,
			total_cpu_hours = EXCLUDED.total_cpu_hours,
			total_transaction_count = EXCLUDED.total_transaction_count`, table)
	t0 := time.Now()
	for _, r := range rows {
		if _, err := s.DB.ExecContext(ctx, q,
			r.Bucket, r.Group, r.TotalTimeSeconds, r.TotalTimeHours,
			r.TotalInvoiceAmount, r.TotalRAMHours, r.TotalCPUHours, r.TotalTransactionCount); err != nil {
			return fmt.Errorf("upsert %s (%s/%s): %w", table, r.Bucket.Format(time.RFC3339), r.Group, err)
		}
	}
	metrics.ObserveDB("upsert_"+table, time.Since(t0))
	metrics.AddRollupRows(table, len(rows))
	return nil
}

// UpsertDistinctRows writes distinct-count rollup rows with the same
// overwrite-on-conflict contract as UpsertStatsRows.
func (s *Store) UpsertDistinctRows(ctx context.Context, g rollup.Granularity, rows []rollup.DistinctRow) error {
	table := distinctTable(g)
	q := fmt.Sprintf(`INSERT INTO %s
		(bucket_ts, gpu_group, unique_node_count, unique_node_ram, unique_node_cpu)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (bucket_ts, gpu_group) DO UPDATE SET
			unique_node_count = EXCLUDED.unique_node_count,
			unique_node_ram = EXCLUDED.unique_node_ram,
			unique_node_cpu = EXCLUDED.unique_node_cpu`, table)
	t0 := time.Now()
	for _, r := range rows {
		if _, err := s.DB.ExecContext(ctx, q,
			r.Bucket, r.Group, r.UniqueNodeCount, r.UniqueNodeRAM, r.UniqueNodeCPU); err != nil {
			return fmt.Errorf("upsert %s (%s/%s): %w", table, r.Bucket.Format(time.RFC3339), r.Group, err)
		}
	}
	metrics.ObserveDB("upsert_"+table, time.Since(t0))
	metrics.AddRollupRows(table, len(rows))
	return nil
}

// SumMetric returns the sum of a rollup metric for one group since a cutoff.
func (s *Store) SumMetric(ctx context.Context, spec Spec, g rollup.Granularity, group string, since time.Time) (float64, error) {
	q := fmt.Sprintf(`SELECT COALESCE(SUM(%s), 0) FROM %s WHERE gpu_group = $1 AND bucket_ts >= $2`, spec.Column, spec.Table(g))
	t0 := time.Now()
	var v float64
	err := s.DB.QueryRowContext(ctx, q, group, since).Scan(&v)
	metrics.ObserveDB("sum_"+spec.Name, time.Since(t0))
	return v, err
}

// MetricSeries returns the (timestamp, value) series for one group, ascending.
func (s *Store) MetricSeries(ctx context.Context, spec Spec, g rollup.Granularity, group string, since time.Time) ([]reduce.Point, error) {
	q := fmt.Sprintf(`SELECT bucket_ts, %s FROM %s WHERE gpu_group = $1 AND bucket_ts >= $2 ORDER BY bucket_ts ASC`, spec.Column, spec.Table(g))
	t0 := time.Now()
	rows, err := s.DB.QueryContext(ctx, q, group, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reduce.Point
	for rows.Next() {
		var p reduce.Point
		if err := rows.Scan(&p.TS, &p.Value); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	metrics.ObserveDB("series_"+spec.Name, time.Since(t0))
	return out, rows.Err()
}

// MetricSeriesByClass returns per-GPU-class samples (aggregate groups and
// no_gpu excluded) for top-N reduction, ascending by bucket.
func (s *Store) MetricSeriesByClass(ctx context.Context, spec Spec, g rollup.Granularity, since time.Time) ([]reduce.GroupPoint, error) {
	q := fmt.Sprintf(`SELECT bucket_ts, gpu_group, %s FROM %s
		WHERE bucket_ts >= $1 AND gpu_group NOT IN ('all', 'any_gpu', 'no_gpu')
		ORDER BY bucket_ts ASC, gpu_group ASC`, spec.Column, spec.Table(g))
	t0 := time.Now()
	rows, err := s.DB.QueryContext(ctx, q, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reduce.GroupPoint
	for rows.Next() {
		var p reduce.GroupPoint
		if err := rows.Scan(&p.TS, &p.Group, &p.Value); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	metrics.ObserveDB("series_by_class_"+spec.Name, time.Since(t0))
	return out, rows.Err()
}

// UpsertScalarMetric records one fleet-wide scalar sample at ts.
func (s *Store) UpsertScalarMetric(ctx context.Context, ts time.Time, name string, value float64) error {
	t0 := time.Now()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO metrics_scalar (ts, metric_name, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (ts, metric_name) DO UPDATE SET value = EXCLUDED.value`, ts, name, value)
	metrics.ObserveDB("upsert_scalar", time.Since(t0))
	return err
}

// ScalarSeries returns the scalar metric trend since a cutoff, ascending.
func (s *Store) ScalarSeries(ctx context.Context, name string, since time.Time) ([]reduce.Point, error) {
	t0 := time.Now()
	rows, err := s.DB.QueryContext(ctx, `SELECT ts, value FROM metrics_scalar
		WHERE metric_name = $1 AND ts >= $2 ORDER BY ts ASC`, name, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reduce.Point
	for rows.Next() {
		var p reduce.Point
		if err := rows.Scan(&p.TS, &p.Value); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	metrics.ObserveDB("scalar_series", time.Since(t0))
	return out, rows.Err()
}

// LocationCount is one geographic snapshot row.
type LocationCount struct {
	Name  string  `json:"name"`
	Count int64   `json:"count"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
}

func snapshotTable(kind string) (string, error) {
	switch kind {
	case "city":
		return "city_snapshots", nil
	case "country":
		return "country_snapshots", nil
	}
	return "", fmt.Errorf("unknown snapshot kind %q", kind)
}

// UpsertLocationCounts writes one geographic snapshot at ts.
func (s *Store) UpsertLocationCounts(ctx context.Context, kind string, ts time.Time, locs []LocationCount) error {
	table, err := snapshotTable(kind)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (ts, name, count, lat, long) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (ts, name) DO UPDATE SET
			count = EXCLUDED.count, lat = EXCLUDED.lat, long = EXCLUDED.long`, table)
	t0 := time.Now()
	for _, l := range locs {
		if _, err := s.DB.ExecContext(ctx, q, ts, l.Name, l.Count, l.Lat, l.Lon); err != nil {
			return fmt.Errorf("upsert %s %q: %w", table, l.Name, err)
		}
	}
	metrics.ObserveDB("upsert_"+table, time.Since(t0))
	return nil
}

// LatestLocationCounts returns the most recent geographic snapshot.
func (s *Store) LatestLocationCounts(ctx context.Context, kind string) ([]LocationCount, error) {
	table, err := snapshotTable(kind)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT name, count, lat, long FROM %s
		WHERE ts = (SELECT MAX(ts) FROM %s) ORDER BY count DESC, name ASC`, table, table)
	t0 := time.Now()
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LocationCount
	for rows.Next() {
		var l LocationCount
		if err := rows.Scan(&l.Name, &l.Count, &l.Lat, &l.Lon); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	metrics.ObserveDB("latest_"+table, time.Since(t0))
	return out, rows.Err()
}

// UpsertGPUClasses refreshes the gpu_classes reference table from a catalog
// fetch.
func (s *Store) UpsertGPUClasses(ctx context.Context, infos []gpuclass.Info) error {
	t0 := time.Now()
	for _, in := range infos {
		if _, err := s.DB.ExecContext(ctx, `INSERT INTO gpu_classes
			(gpu_class_id, gpu_class_name, vram_gb, gpu_type, batch_price, low_price, medium_price, high_price)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (gpu_class_id) DO UPDATE SET
				gpu_class_name = EXCLUDED.gpu_class_name,
				vram_gb = EXCLUDED.vram_gb,
				gpu_type = EXCLUDED.gpu_type,
				batch_price = EXCLUDED.batch_price,
				low_price = EXCLUDED.low_price,
				medium_price = EXCLUDED.medium_price,
				high_price = EXCLUDED.high_price`,
			in.GPUClassID, in.Name, in.VRAMGB, in.GPUType,
			in.BatchPrice, in.LowPrice, in.MediumPrice, in.HighPrice); err != nil {
			return fmt.Errorf("upsert gpu_class %q: %w", in.GPUClassID, err)
		}
	}
	metrics.ObserveDB("upsert_gpu_classes", time.Since(t0))
	return nil
}

// ListGPUClasses loads the reference table for the in-process directory.
func (s *Store) ListGPUClasses(ctx context.Context) ([]gpuclass.Info, error) {
	t0 := time.Now()
	rows, err := s.DB.QueryContext(ctx, `SELECT gpu_class_id, gpu_class_name, vram_gb, gpu_type, batch_price, low_price, medium_price, high_price
		FROM gpu_classes ORDER BY gpu_class_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []gpuclass.Info
	for rows.Next() {
		var in gpuclass.Info
		if err := rows.Scan(&in.GPUClassID, &in.Name, &in.VRAMGB, &in.GPUType,
			&in.BatchPrice, &in.LowPrice, &in.MediumPrice, &in.HighPrice); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	metrics.ObserveDB("list_gpu_classes", time.Since(t0))
	return out, rows.Err()
}

// PlanRecords fetches the raw usage window for aggregation. start_at/stop_at
// are stored as epoch milliseconds by the plan importer.
func (s *Store) PlanRecords(ctx context.Context, since, until time.Time) ([]rollup.UsageRecord, error) {
	t0 := time.Now()
	rows, err := s.DB.QueryContext(ctx, `SELECT node_id, start_at, stop_at,
			COALESCE(invoice_amount, 0), COALESCE(gpu_class_id, ''), COALESCE(ram, 0), COALESCE(cpu, 0)
		FROM node_plan WHERE stop_at >= $1 AND stop_at < $2 ORDER BY stop_at ASC`,
		since.UnixMilli(), until.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rollup.UsageRecord
	for rows.Next() {
		var (
			rec         rollup.UsageRecord
			start, stop int64
			invoice     decimal.Decimal
		)
		if err := rows.Scan(&rec.NodeID, &start, &stop, &invoice, &rec.GPUClassID, &rec.RAMMB, &rec.CPUMillicores); err != nil {
			return nil, err
		}
		rec.StartAt = time.UnixMilli(start).UTC()
		rec.StopAt = time.UnixMilli(stop).UTC()
		rec.InvoiceAmount = invoice
		out = append(out, rec)
	}
	metrics.ObserveDB("plan_records", time.Since(t0))
	return out, rows.Err()
}

// InsertLoadSample stores one node load report with a server-assigned
// timestamp.
func (s *Store) InsertLoadSample(ctx context.Context, nodeID string, cpuLoad, memoryLoad float64) error {
	t0 := time.Now()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO node_load_stats (node_id, cpu_load, memory_load, ts)
		VALUES ($1, $2, $3, now())`, nodeID, cpuLoad, memoryLoad)
	metrics.ObserveDB("insert_load", time.Since(t0))
	return err
}
