// Package catalog fetches the GPU class list from the pricing/catalog
// service. Authentication is a credential login that yields a bearer token;
// the token is reused until shortly before its expiry claim.
package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"fleetstats/internal/gpuclass"
)

// expirySlack renews the token this long before it actually expires.
const expirySlack = time.Minute

type Client struct {
	http     *resty.Client
	identity string
	password string
	log      *zap.Logger

	mu      sync.Mutex
	token   string
	expires time.Time
}

func New(baseURL, identity, password string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Accept", "application/json")
	return &Client{http: http, identity: identity, password: password, log: log}
}

type loginResponse struct {
	JWT string `json:"jwt"`
}

// classEntry is the catalog's wire shape for one GPU class.
type classEntry struct {
	UUID       string   `json:"uuid"`
	Name       string   `json:"name"`
	VRAM       *int     `json:"vram"`
	GPUType    string   `json:"gpu_type"`
	BatchPrice *float64 `json:"batch_price"`
	LowPrice   *float64 `json:"low_price"`
	MedPrice   *float64 `json:"medium_price"`
	HighPrice  *float64 `json:"high_price"`
}

func (c *Client) login(ctx context.Context) (string, error) {
	var out loginResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"identifier": c.identity, "password": c.password}).
		SetResult(&out).
		Post("/auth/local")
	if err != nil {
		return "", fmt.Errorf("catalog login: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("catalog login: status %d", resp.StatusCode())
	}
	if out.JWT == "" {
		return "", fmt.Errorf("catalog login: empty token")
	}
	return out.JWT, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// catalog signed it and we only need the renewal deadline.
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && (c.expires.IsZero() || time.Now().Before(c.expires.Add(-expirySlack))) {
		return c.token, nil
	}
	token, err := c.login(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	c.expires = tokenExpiry(token)
	return token, nil
}

// GPUClasses logs in if needed and fetches the published class list. Classes
// without an explicit VRAM figure fall back to parsing it from the display
// name.
func (c *Client) GPUClasses(ctx context.Context) ([]gpuclass.Info, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}

	var entries []classEntry
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&entries).
		Get("/gpu-classes")
	if err != nil {
		return nil, fmt.Errorf("catalog gpu-classes: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("catalog gpu-classes: status %d", resp.StatusCode())
	}

	infos := make([]gpuclass.Info, 0, len(entries))
	for _, e := range entries {
		if e.UUID == "" {
			c.log.Warn("skipping catalog entry without uuid", zap.String("name", e.Name))
			continue
		}
		infos = append(infos, gpuclass.Info{
			GPUClassID:  e.UUID,
			Name:        e.Name,
			VRAMGB:      e.VRAM,
			GPUType:     e.GPUType,
			BatchPrice:  e.BatchPrice,
			LowPrice:    e.LowPrice,
			MediumPrice: e.MedPrice,
			HighPrice:   e.HighPrice,
		})
	}
	c.log.Info("fetched gpu classes", zap.Int("count", len(infos)))
	return infos, nil
}
