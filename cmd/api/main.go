package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"fleetstats/internal/api"
	"fleetstats/internal/cache"
	"fleetstats/internal/config"
	"fleetstats/internal/db"
	"fleetstats/internal/gpuclass"
	"fleetstats/internal/logging"
	"fleetstats/internal/query"
	"fleetstats/internal/store"
	"fleetstats/internal/version"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		logging.New("api", "").Fatal("config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logging.New("api", "").Fatal("config", zap.Error(err))
	}
	lg := logging.New("api", cfg.LogFile)
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
	infos, err := st.ListGPUClasses(ctx)
	if err != nil {
		lg.Fatal("load gpu classes", zap.Error(err))
	}
	dir := gpuclass.NewDirectory(infos, lg)
	lg.Info("gpu class directory loaded", zap.Int("classes", dir.Len()))

	// The cache is optional: no Redis address, or Redis down at startup,
	// degrades to direct computation.
	var backend cache.Backend
	if cfg.RedisAddr != "" {
		redis, err := cache.DialRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			lg.Warn("redis unavailable, serving uncached", zap.Error(err))
		} else {
			backend = redis
			defer redis.Close()
		}
	}
	c := cache.New(backend, cache.TTLs{
		Live:      time.Duration(cfg.CacheTTLLive) * time.Second,
		Aggregate: time.Duration(cfg.CacheTTLAggregate) * time.Second,
		Snapshot:  time.Duration(cfg.CacheTTLSnapshot) * time.Second,
	}, lg)

	svc := query.New(st, dir, lg)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(lg, d, svc, c, cfg.CORSOrigins).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		lg.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatal("http", zap.Error(err))
		}
	}()

	<-done
	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("shutdown", zap.Error(err))
	}
}
