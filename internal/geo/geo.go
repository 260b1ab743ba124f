// Package geo resolves place names to coordinates through the OpenStreetMap
// Nominatim API. Results, including failed lookups, are cached in a JSON file
// so repeat runs only hit the network for places never seen before, and a
// polite delay follows every live request.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"fleetstats/internal/metrics"
	"fleetstats/internal/store"
)

const (
	nominatimURL = "https://nominatim.openstreetmap.org"
	userAgent    = "fleetstats/1.0"
	politeDelay  = 2 * time.Second
)

// Coords is one cached geocoding result. A nil *Coords in the cache is a
// negative entry: the lookup failed before and is not retried.
type Coords struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Geocoder struct {
	http      *resty.Client
	cachePath string
	param     string // Nominatim search parameter: "city" or "country"
	cache     map[string]*Coords
	dirty     bool
	log       *zap.Logger
	sleep     func(time.Duration)
}

// NewGeocoder loads the cache file for one lookup kind. A missing or corrupt
// cache file starts an empty cache rather than failing.
func NewGeocoder(cacheDir, kind string, log *zap.Logger) (*Geocoder, error) {
	if kind != "city" && kind != "country" {
		return nil, fmt.Errorf("unknown geocoder kind %q", kind)
	}
	if log == nil {
		log = zap.NewNop()
	}

	g := &Geocoder{
		http:      resty.New().SetBaseURL(nominatimURL).SetHeader("User-Agent", userAgent).SetTimeout(15 * time.Second),
		cachePath: filepath.Join(cacheDir, kind+"_geocode_cache.json"),
		param:     kind,
		cache:     map[string]*Coords{},
		log:       log,
		sleep:     time.Sleep,
	}
	raw, err := os.ReadFile(g.cachePath)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &g.cache); err != nil {
			log.Warn("geocode cache unreadable, starting empty",
				zap.String("path", g.cachePath), zap.Error(err))
			g.cache = map[string]*Coords{}
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}
	return g, nil
}

type searchResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Lookup resolves one place name. The returned Coords is nil when the place
// cannot be geocoded; that outcome is cached and not retried.
func (g *Geocoder) Lookup(ctx context.Context, name string) *Coords {
	if name == "" || name == "N/A" {
		return nil
	}
	if c, ok := g.cache[name]; ok {
		metrics.IncGeocode("cache")
		return c
	}

	c := g.fetch(ctx, name)
	g.cache[name] = c
	g.dirty = true
	g.sleep(politeDelay)
	return c
}

func (g *Geocoder) fetch(ctx context.Context, name string) *Coords {
	var results []searchResult
	resp, err := g.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{g.param: name, "format": "json", "limit": "1"}).
		SetResult(&results).
		Get("/search")
	if err != nil || resp.IsError() || len(results) == 0 {
		metrics.IncGeocode("miss")
		g.log.Warn("geocoding failed", zap.String("name", name), zap.Error(err))
		return nil
	}
	lat, latErr := strconv.ParseFloat(results[0].Lat, 64)
	lon, lonErr := strconv.ParseFloat(results[0].Lon, 64)
	if latErr != nil || lonErr != nil {
		metrics.IncGeocode("miss")
		return nil
	}
	metrics.IncGeocode("network")
	return &Coords{Lat: lat, Lon: lon}
}

// Save writes the cache back to disk if any lookup changed it.
func (g *Geocoder) Save() error {
	if !g.dirty {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(g.cachePath), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(g.cache, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(g.cachePath, raw, 0o644); err != nil {
		return err
	}
	g.dirty = false
	return nil
}

// Resolve turns per-place counters into snapshot rows, dropping places that
// cannot be geocoded. Output is sorted by count descending then name for
// stable snapshots.
func (g *Geocoder) Resolve(ctx context.Context, counts map[string]int64) []store.LocationCount {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]store.LocationCount, 0, len(names))
	for _, name := range names {
		c := g.Lookup(ctx, name)
		if c == nil {
			continue
		}
		out = append(out, store.LocationCount{Name: name, Count: counts[name], Lat: c.Lat, Lon: c.Lon})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}
