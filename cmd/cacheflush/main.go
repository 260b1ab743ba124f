// Command cacheflush drops every cached query response. Run it after backfills
// or manual rollup edits so the API stops serving stale payloads.
package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fleetstats/internal/cache"
	"fleetstats/internal/config"
	"fleetstats/internal/logging"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		logging.New("cacheflush", "").Fatal("config", zap.Error(err))
	}
	lg := logging.New("cacheflush", "")
	defer lg.Sync()

	if cfg.RedisAddr == "" {
		lg.Info("no redis configured, nothing to flush")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	redis, err := cache.DialRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		lg.Fatal("redis", zap.Error(err))
	}
	defer redis.Close()

	n, err := cache.New(redis, cache.TTLs{}, lg).Flush(ctx)
	if err != nil {
		lg.Fatal("flush", zap.Error(err))
	}
	lg.Info("cache flushed", zap.Int64("keys", n))
}
