// Package cache keeps the application usable offline. Every outbound
// request is classified and served through one of five strategies over
// a bbolt-backed blob store partitioned into regions: static assets
// (versioned, never auto-expired), dynamic API responses (swept after
// 24 hours), and map tiles (7-day freshness, stale-on-failure).
package cache

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/navraksha/relay/pkg/errmodel"
)

// Default freshness windows.
const (
	DefaultTileMaxAge    = 7 * 24 * time.Hour
	DefaultDynamicMaxAge = 24 * time.Hour
)

const unavailableBody = "Offline - Content not available"

// Result is what a strategy hands back to the caller. A synthetic
// result means neither cache nor network could serve the request.
type Result struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"-"`
	Source      string `json:"source"` // "cache", "network", or "synthetic"
	Stale       bool   `json:"stale,omitempty"`
}

// Fetcher performs the network round trip for a request. A non-nil
// error means the network itself failed; HTTP error statuses come back
// as a Result.
type Fetcher interface {
	Fetch(ctx context.Context, method, url, accept string) (Result, error)
}

// HTTPFetcher fetches over net/http with an instrumented transport.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher builds a fetcher with a bounded timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPFetcher{Client: &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   timeout,
	}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, method, url, accept string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return Result{}, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	res, err := f.Client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Status:      res.StatusCode,
		ContentType: res.Header.Get("Content-Type"),
		Body:        body,
		Source:      "network",
	}, nil
}

// Engine applies the per-class caching strategies.
type Engine struct {
	store      *Store
	fetcher    Fetcher
	classifier *Classifier
	shellKey   string
	tileMaxAge time.Duration

	// Identical concurrent fetches collapse into one round trip.
	group singleflight.Group

	now      func() time.Time
	sweeping atomic.Bool
}

// EngineOption configures the Engine at construction time.
type EngineOption func(*Engine)

// WithClock injects a time source. Tests use this to age entries.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithTileMaxAge overrides the tile freshness window.
func WithTileMaxAge(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.tileMaxAge = d
		}
	}
}

// NewEngine constructs a cache engine. shellURL is the cached
// application shell served when a navigation fails offline.
func NewEngine(st *Store, f Fetcher, cl *Classifier, shellURL string, opts ...EngineOption) *Engine {
	e := &Engine{
		store:      st,
		fetcher:    f,
		classifier: cl,
		shellKey:   requestKey(http.MethodGet, shellURL),
		tileMaxAge: DefaultTileMaxAge,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func requestKey(method, url string) string { return method + " " + url }

// Handle serves one request through the strategy its class selects.
// Non-GET requests bypass the cache entirely.
func (e *Engine) Handle(ctx context.Context, method, url, accept string) (Result, error) {
	tr := otel.Tracer("cache")
	ctx, span := tr.Start(ctx, "Engine.Handle")
	defer span.End()

	if method != http.MethodGet {
		res, err := e.fetch(ctx, method, url, accept)
		if err != nil {
			return synthetic(), nil
		}
		return res, nil
	}

	class := e.classifier.Classify(method, url, accept)
	span.SetAttributes(attribute.String("cache.class", class.String()))

	switch class {
	case ClassStatic:
		return e.cacheFirst(ctx, RegionStatic, method, url, accept)
	case ClassTile:
		return e.cacheFirstWithExpiration(ctx, RegionTiles, method, url, accept, e.tileMaxAge)
	case ClassAPI:
		return e.networkFirstWithCache(ctx, RegionDynamic, method, url, accept)
	case ClassNavigation:
		return e.navigation(ctx, method, url, accept)
	default:
		return e.networkFirst(ctx, RegionDynamic, method, url, accept)
	}
}

// fetch runs the network round trip, collapsing concurrent identical
// requests.
func (e *Engine) fetch(ctx context.Context, method, url, accept string) (Result, error) {
	v, err, _ := e.group.Do(requestKey(method, url), func() (any, error) {
		return e.fetcher.Fetch(ctx, method, url, accept)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func synthetic() Result {
	return Result{
		Status:      http.StatusServiceUnavailable,
		ContentType: "text/plain",
		Body:        []byte(unavailableBody),
		Source:      "synthetic",
	}
}

func cached(e Entry, stale bool) Result {
	return Result{
		Status:      e.Status,
		ContentType: e.ContentType,
		Body:        e.Body,
		Source:      "cache",
		Stale:       stale,
	}
}

func ok(r Result) bool { return r.Status >= 200 && r.Status <= 299 }

func (e *Engine) storeResult(region Region, method, url string, r Result) {
	_ = e.store.Put(region, Entry{
		Key:         requestKey(method, url),
		Status:      r.Status,
		ContentType: r.ContentType,
		Body:        r.Body,
		StoredAt:    e.now(),
	})
}

// cacheFirst serves from cache when possible and fills the cache from
// the network otherwise.
func (e *Engine) cacheFirst(ctx context.Context, region Region, method, url, accept string) (Result, error) {
	if ent, found, _ := e.store.Get(region, requestKey(method, url)); found {
		return cached(ent, false), nil
	}
	res, err := e.fetch(ctx, method, url, accept)
	if err != nil {
		return synthetic(), nil
	}
	if ok(res) {
		e.storeResult(region, method, url, res)
	}
	return res, nil
}

// cacheFirstWithExpiration serves a fresh cached entry, refreshes an
// expired one from the network, and falls back to the stale entry when
// the refresh fails.
func (e *Engine) cacheFirstWithExpiration(ctx context.Context, region Region, method, url, accept string, maxAge time.Duration) (Result, error) {
	ent, found, _ := e.store.Get(region, requestKey(method, url))
	if found && e.now().Sub(ent.StoredAt) < maxAge {
		return cached(ent, false), nil
	}
	res, err := e.fetch(ctx, method, url, accept)
	if err == nil {
		if ok(res) {
			e.storeResult(region, method, url, res)
		}
		return res, nil
	}
	if found {
		return cached(ent, true), nil
	}
	return synthetic(), nil
}

// networkFirstWithCache prefers the network, falls back to a cached
// copy marked stale, and answers a structured offline payload when
// neither is available.
func (e *Engine) networkFirstWithCache(ctx context.Context, region Region, method, url, accept string) (Result, error) {
	res, err := e.fetch(ctx, method, url, accept)
	if err == nil && ok(res) {
		e.storeResult(region, method, url, res)
		return res, nil
	}
	if ent, found, _ := e.store.Get(region, requestKey(method, url)); found {
		return cached(ent, true), nil
	}
	body, _ := json.Marshal(map[string]any{
		"error":   "Offline - Data not available",
		"offline": true,
	})
	return Result{
		Status:      http.StatusServiceUnavailable,
		ContentType: "application/json",
		Body:        body,
		Source:      "synthetic",
	}, nil
}

// navigation prefers the network and falls back to the cached
// application shell.
func (e *Engine) navigation(ctx context.Context, method, url, accept string) (Result, error) {
	res, err := e.fetch(ctx, method, url, accept)
	if err == nil {
		return res, nil
	}
	if ent, found, _ := e.store.Get(RegionStatic, e.shellKey); found {
		return cached(ent, true), nil
	}
	return synthetic(), nil
}

// networkFirst prefers the network, caching successes, and falls back
// to any cached copy.
func (e *Engine) networkFirst(ctx context.Context, region Region, method, url, accept string) (Result, error) {
	res, err := e.fetch(ctx, method, url, accept)
	if err == nil {
		if ok(res) {
			e.storeResult(region, method, url, res)
		}
		return res, nil
	}
	if ent, found, _ := e.store.Get(region, requestKey(method, url)); found {
		return cached(ent, false), nil
	}
	return synthetic(), nil
}

// SeedDynamic writes a payload into the dynamic region under a request
// identity, so reads hit the cache while offline.
func (e *Engine) SeedDynamic(url string, contentType string, payload []byte) error {
	return e.store.Put(RegionDynamic, Entry{
		Key:         requestKey(http.MethodGet, url),
		Status:      http.StatusOK,
		ContentType: contentType,
		Body:        payload,
		StoredAt:    e.now(),
	})
}

// InstallStatic prefetches the application shell into a staged static
// version. Activation is a separate step so a half-installed version is
// never served.
func (e *Engine) InstallStatic(ctx context.Context, version string, urls []string) error {
	if err := e.store.stagePending(version); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, u := range urls {
		g.Go(func() error {
			res, err := e.fetch(gctx, http.MethodGet, u, "")
			if err != nil {
				return err
			}
			if !ok(res) {
				return errmodel.Cache("prefetch_failed", u, map[string]any{"status": res.Status})
			}
			return e.store.putVersioned(version, Entry{
				Key:         requestKey(http.MethodGet, u),
				Status:      res.Status,
				ContentType: res.ContentType,
				Body:        res.Body,
				StoredAt:    e.now(),
			})
		})
	}
	return g.Wait()
}

// ActivateStatic promotes the pending static version (or the named
// one) and discards superseded versions.
func (e *Engine) ActivateStatic(version string) error {
	return e.store.activate(version)
}

// Status returns per-region entry counts.
func (e *Engine) Status() (map[string]int, error) {
	return e.store.Status()
}

// SweepDynamic removes dynamic entries older than maxAge. Other
// regions are untouched.
func (e *Engine) SweepDynamic(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultDynamicMaxAge
	}
	return e.store.sweepDynamic(e.now().Add(-maxAge))
}

// RunSweeper sweeps the dynamic region on a fixed interval until ctx is
// done. A tick that lands while a sweep is running is skipped; two
// sweeps of the same region never run concurrently.
func (e *Engine) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.sweeping.CompareAndSwap(false, true) {
				continue
			}
			_, _ = e.SweepDynamic(maxAge)
			e.sweeping.Store(false)
		}
	}
}
