package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DBURL         string `yaml:"db_url"`
	DBMaxOpen     int    `yaml:"db_max_open"`
	DBMaxIdle     int    `yaml:"db_max_idle"`
	DBConnMaxLife int    `yaml:"db_conn_max_lifetime"` // seconds
	DBTimeoutMS   int    `yaml:"db_timeout_ms"`

	HTTPAddr    string   `yaml:"http_addr"`
	CORSOrigins []string `yaml:"cors_origins"`

	MongoURL string `yaml:"mongo_url"`
	MongoDB  string `yaml:"mongo_db"`

	CatalogURL      string `yaml:"catalog_url"`
	CatalogID       string `yaml:"catalog_id"`
	CatalogPassword string `yaml:"catalog_password"`
	// GPUClassExport points at a gpu_classes export JSON file used instead of
	// the live catalog when set.
	GPUClassExport string `yaml:"gpu_class_export"`

	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`

	// Cache TTLs per endpoint class, seconds.
	CacheTTLLive      int `yaml:"cache_ttl_live"`
	CacheTTLAggregate int `yaml:"cache_ttl_aggregate"`
	CacheTTLSnapshot  int `yaml:"cache_ttl_snapshot"`

	CollectIntervalMin int    `yaml:"collect_interval_minutes"`
	MinRetryMin        int    `yaml:"min_retry_minutes"`
	PlanLookbackHours  int    `yaml:"plan_lookback_hours"`
	MinAgentVersion    int    `yaml:"min_agent_version"`
	GeoCacheDir        string `yaml:"geo_cache_dir"`

	LogFile string `yaml:"log_file"`
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// intenv keeps cur unless the variable is set to a parseable integer. A set
// but empty or malformed value is ignored, an explicit "0" is honored.
func intenv(key string, cur int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return cur
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return cur
	}
	return n
}

// Parse builds configuration in three layers: baked-in defaults, an optional
// YAML overlay (FLEETSTATS_CONFIG), then FLEETSTATS_* environment variables.
// Later layers win, and an explicit zero in either overlay is kept rather
// than falling back to the default. Callers that need a full configuration
// run Validate themselves.
func Parse() (*Config, error) {
	cfg := &Config{
		DBMaxOpen:     10,
		DBMaxIdle:     5,
		DBConnMaxLife: 1800,
		DBTimeoutMS:   2000,

		HTTPAddr: ":8080",

		CacheTTLLive:      30,
		CacheTTLAggregate: 300,
		CacheTTLSnapshot:  3600,

		CollectIntervalMin: 120,
		MinRetryMin:        10,
		PlanLookbackHours:  48,
		MinAgentVersion:    2003009,
		GeoCacheDir:        "./data",
	}
	if path := os.Getenv("FLEETSTATS_CONFIG"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, err
		}
	}

	cfg.DBURL = getenv("FLEETSTATS_DB_URL", cfg.DBURL)
	cfg.DBMaxOpen = intenv("FLEETSTATS_DB_MAX_OPEN", cfg.DBMaxOpen)
	cfg.DBMaxIdle = intenv("FLEETSTATS_DB_MAX_IDLE", cfg.DBMaxIdle)
	cfg.DBConnMaxLife = intenv("FLEETSTATS_DB_CONN_MAX_LIFETIME", cfg.DBConnMaxLife)
	cfg.DBTimeoutMS = intenv("FLEETSTATS_DB_TIMEOUT_MS", cfg.DBTimeoutMS)

	cfg.HTTPAddr = getenv("FLEETSTATS_HTTP_ADDR", cfg.HTTPAddr)
	if v := os.Getenv("FLEETSTATS_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}

	cfg.MongoURL = getenv("FLEETSTATS_MONGO_URL", cfg.MongoURL)
	cfg.MongoDB = getenv("FLEETSTATS_MONGO_DB", cfg.MongoDB)

	cfg.CatalogURL = getenv("FLEETSTATS_CATALOG_URL", cfg.CatalogURL)
	cfg.CatalogID = getenv("FLEETSTATS_CATALOG_ID", cfg.CatalogID)
	cfg.CatalogPassword = getenv("FLEETSTATS_CATALOG_PASSWORD", cfg.CatalogPassword)
	cfg.GPUClassExport = getenv("FLEETSTATS_GPU_CLASS_EXPORT", cfg.GPUClassExport)

	cfg.RedisAddr = getenv("FLEETSTATS_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisDB = intenv("FLEETSTATS_REDIS_DB", cfg.RedisDB)

	cfg.CacheTTLLive = intenv("FLEETSTATS_CACHE_TTL_LIVE", cfg.CacheTTLLive)
	cfg.CacheTTLAggregate = intenv("FLEETSTATS_CACHE_TTL_AGGREGATE", cfg.CacheTTLAggregate)
	cfg.CacheTTLSnapshot = intenv("FLEETSTATS_CACHE_TTL_SNAPSHOT", cfg.CacheTTLSnapshot)

	cfg.CollectIntervalMin = intenv("FLEETSTATS_COLLECT_INTERVAL_MINUTES", cfg.CollectIntervalMin)
	cfg.MinRetryMin = intenv("FLEETSTATS_MIN_RETRY_MINUTES", cfg.MinRetryMin)
	cfg.PlanLookbackHours = intenv("FLEETSTATS_PLAN_LOOKBACK_HOURS", cfg.PlanLookbackHours)
	cfg.MinAgentVersion = intenv("FLEETSTATS_MIN_AGENT_VERSION", cfg.MinAgentVersion)
	cfg.GeoCacheDir = getenv("FLEETSTATS_GEO_CACHE_DIR", cfg.GeoCacheDir)

	cfg.LogFile = getenv("FLEETSTATS_LOG_FILE", cfg.LogFile)

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DBURL == "" {
		return errors.New("FLEETSTATS_DB_URL is required")
	}
	if c.CollectIntervalMin <= 0 {
		return errors.New("FLEETSTATS_COLLECT_INTERVAL_MINUTES must be positive")
	}
	if c.MinRetryMin <= 0 {
		return errors.New("FLEETSTATS_MIN_RETRY_MINUTES must be positive")
	}
	return nil
}

func (c *Config) CollectInterval() time.Duration { return time.Duration(c.CollectIntervalMin) * time.Minute }
func (c *Config) MinRetry() time.Duration        { return time.Duration(c.MinRetryMin) * time.Minute }
func (c *Config) DBTimeout() time.Duration       { return time.Duration(c.DBTimeoutMS) * time.Millisecond }

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
