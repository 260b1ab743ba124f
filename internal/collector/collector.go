// Package collector is the periodic batch job: one run snapshots the fleet,
// rolls up the usage window, and refreshes the geographic snapshots.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fleetstats/internal/geo"
	"fleetstats/internal/metrics"
	"fleetstats/internal/rollup"
	"fleetstats/internal/source"
	"fleetstats/internal/store"
)

// updatedWindow bounds how stale a node report may be and still count toward
// the fleet snapshot.
const updatedWindow = 2 * time.Hour

// FleetSource is the document-store read surface the runner needs.
type FleetSource interface {
	EligibleNodes(ctx context.Context, minAgentVersion int64, updatedSince time.Time) ([]source.Node, error)
	Workloads(ctx context.Context) ([]source.Workload, error)
}

type Runner struct {
	Store           *store.Store
	Source          FleetSource
	CityGeo         *geo.Geocoder
	CountryGeo      *geo.Geocoder
	Log             *zap.Logger
	MinAgentVersion int64
	PlanLookback    time.Duration
	Now             func() time.Time

	// location counters carried from the fleet snapshot to the geo step
	// within one run
	cities    map[string]int64
	countries map[string]int64
}

func NewRunner(st *store.Store, src FleetSource, cityGeo, countryGeo *geo.Geocoder, minAgentVersion int64, planLookback time.Duration, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		Store: st, Source: src, CityGeo: cityGeo, CountryGeo: countryGeo,
		Log: log, MinAgentVersion: minAgentVersion, PlanLookback: planLookback,
		Now: time.Now,
	}
}

// Run executes one collection pass. The steps are independent: a failure in
// one is recorded and the rest still run, so a flaky catalog or geocoder
// cannot starve the rollups.
func (r *Runner) Run(ctx context.Context) error {
	now := r.Now().UTC()

	// Location counters only live for the duration of one run; a failed
	// fleet snapshot must not leave the previous run's counters behind for
	// the geo step to re-publish at this run's timestamp.
	r.cities, r.countries = nil, nil

	var errs []error
	if err := r.fleetSnapshot(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("fleet snapshot: %w", err))
	}
	if err := r.planRollups(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("plan rollups: %w", err))
	}
	if err := r.geoSnapshots(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("geo snapshots: %w", err))
	}
	return errors.Join(errs...)
}

// fleetSnapshot derives the scalar fleet metrics from one pass over the
// document store and upserts them at the run timestamp.
func (r *Runner) fleetSnapshot(ctx context.Context, now time.Time) error {
	nodes, err := r.Source.EligibleNodes(ctx, r.MinAgentVersion, now.Add(-updatedWindow))
	if err != nil {
		return err
	}
	workloads, err := r.Source.Workloads(ctx)
	if err != nil {
		return err
	}

	totals := source.Totals(nodes)
	running := source.Running(workloads)
	scalars := map[string]float64{
		"total_nodes":           float64(totals.Nodes),
		"total_disk":            totals.Disk,
		"total_memory":          totals.Memory,
		"total_cores":           float64(totals.Cores),
		"running_replica_count": float64(running.ReplicaCount),
		"running_min_disk":      running.MinDisk,
		"running_min_cpu":       running.MinCPU,
		"running_min_ram":       running.MinRAM,
	}
	for name, value := range scalars {
		if err := r.Store.UpsertScalarMetric(ctx, now, name, value); err != nil {
			return fmt.Errorf("scalar %s: %w", name, err)
		}
	}
	r.Log.Info("fleet snapshot stored",
		zap.Int64("nodes", totals.Nodes),
		zap.Int64("running_replicas", running.ReplicaCount))

	r.cities = source.CityCounts(nodes)
	r.countries = source.CountryCounts(nodes)
	return nil
}

// planRollups aggregates the usage window at both granularities and upserts
// the rollup rows. Re-running over an overlapping window overwrites the same
// keys with identical values.
func (r *Runner) planRollups(ctx context.Context, now time.Time) error {
	records, err := r.Store.PlanRecords(ctx, now.Add(-r.PlanLookback), now)
	if err != nil {
		return err
	}

	agg := rollup.NewAggregator(r.Log)
	for _, g := range []rollup.Granularity{rollup.Hour, rollup.Day} {
		result := agg.Aggregate(records, g)
		if err := r.Store.UpsertStatsRows(ctx, g, result.Stats); err != nil {
			return err
		}
		if err := r.Store.UpsertDistinctRows(ctx, g, result.Distinct); err != nil {
			return err
		}
		r.Log.Info("rollups stored",
			zap.String("granularity", g.String()),
			zap.Int("stats_rows", len(result.Stats)),
			zap.Int("distinct_rows", len(result.Distinct)),
			zap.Int("skipped", result.Skipped))
	}
	return nil
}

// geoSnapshots geocodes the location counters from the fleet snapshot and
// writes one snapshot per kind. Skipped when the fleet snapshot failed or no
// geocoders are configured.
func (r *Runner) geoSnapshots(ctx context.Context, now time.Time) error {
	if r.CityGeo == nil || r.CountryGeo == nil || r.cities == nil {
		return nil
	}

	var errs []error
	for _, part := range []struct {
		kind   string
		geo    *geo.Geocoder
		counts map[string]int64
	}{
		{"city", r.CityGeo, r.cities},
		{"country", r.CountryGeo, r.countries},
	} {
		rows := part.geo.Resolve(ctx, part.counts)
		if err := part.geo.Save(); err != nil {
			errs = append(errs, fmt.Errorf("save %s cache: %w", part.kind, err))
		}
		if err := r.Store.UpsertLocationCounts(ctx, part.kind, now, rows); err != nil {
			errs = append(errs, err)
			continue
		}
		r.Log.Info("geo snapshot stored", zap.String("kind", part.kind), zap.Int("rows", len(rows)))
	}
	return errors.Join(errs...)
}

// Loop runs collection passes until the context is cancelled. A failed run is
// logged and retried on the next tick; the interval never drops below
// minRetry.
func (r *Runner) Loop(ctx context.Context, interval, minRetry time.Duration) error {
	if interval < minRetry {
		interval = minRetry
	}
	for {
		start := time.Now()
		if err := r.Run(ctx); err != nil {
			metrics.IncRun("error")
			r.Log.Error("collection run failed", zap.Error(err))
		} else {
			metrics.IncRun("ok")
		}
		metrics.ObserveRun(time.Since(start))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
