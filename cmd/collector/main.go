package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"fleetstats/internal/catalog"
	"fleetstats/internal/collector"
	"fleetstats/internal/config"
	"fleetstats/internal/db"
	"fleetstats/internal/geo"
	"fleetstats/internal/gpuclass"
	"fleetstats/internal/logging"
	"fleetstats/internal/source"
	"fleetstats/internal/store"
	"fleetstats/internal/version"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		logging.New("collector", "").Fatal("config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logging.New("collector", "").Fatal("config", zap.Error(err))
	}
	lg := logging.New("collector", cfg.LogFile)
	defer lg.Sync()
	lg.Info("starting", zap.String("version", version.Full()))

	d, err := db.Connect(cfg.DBURL)
	if err != nil {
		lg.Fatal("db connect", zap.Error(err))
	}
	ctx := context.Background()
	if err := d.Ping(ctx); err != nil {
		lg.Fatal("db ping", zap.Error(err))
	}
	d.ConfigurePool(cfg.DBMaxOpen, cfg.DBMaxIdle, cfg.DBConnMaxLife)
	if err := d.Migrate(ctx); err != nil {
		lg.Fatal("migrate", zap.Error(err))
	}
	st := store.New(d.DB, lg)

	src, err := source.Dial(ctx, cfg.MongoURL, cfg.MongoDB, lg)
	if err != nil {
		lg.Fatal("document store", zap.Error(err))
	}
	defer src.Close(context.Background())

	// GPU class refresh happens once per process start; a catalog outage
	// keeps whatever the reference table already holds. An export file takes
	// precedence over the live catalog for air-gapped runs.
	switch {
	case cfg.GPUClassExport != "":
		raw, err := os.ReadFile(cfg.GPUClassExport)
		if err != nil {
			lg.Fatal("read gpu class export", zap.Error(err))
		}
		infos, err := gpuclass.ParseExport(raw)
		if err != nil {
			lg.Fatal("parse gpu class export", zap.Error(err))
		}
		if err := st.UpsertGPUClasses(ctx, infos); err != nil {
			lg.Error("store gpu classes", zap.Error(err))
		}
	case cfg.CatalogURL != "":
		cat := catalog.New(cfg.CatalogURL, cfg.CatalogID, cfg.CatalogPassword, lg)
		if infos, err := cat.GPUClasses(ctx); err != nil {
			lg.Warn("gpu class refresh failed, keeping stored classes", zap.Error(err))
		} else if err := st.UpsertGPUClasses(ctx, infos); err != nil {
			lg.Error("store gpu classes", zap.Error(err))
		}
	}

	cityGeo, err := geo.NewGeocoder(cfg.GeoCacheDir, "city", lg)
	if err != nil {
		lg.Fatal("city geocoder", zap.Error(err))
	}
	countryGeo, err := geo.NewGeocoder(cfg.GeoCacheDir, "country", lg)
	if err != nil {
		lg.Fatal("country geocoder", zap.Error(err))
	}

	runner := collector.NewRunner(st, src, cityGeo, countryGeo,
		int64(cfg.MinAgentVersion), time.Duration(cfg.PlanLookbackHours)*time.Hour, lg)

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-done
		lg.Info("shutting down")
		cancel()
	}()

	if err := runner.Loop(loopCtx, cfg.CollectInterval(), cfg.MinRetry()); !errors.Is(err, context.Canceled) {
		lg.Fatal("collector loop", zap.Error(err))
	}
}
