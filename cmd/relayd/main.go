// Command relayd runs the offline-first relay daemon: a durable event
// store, a queue-draining sync engine, and a response cache behind a
// small control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/navraksha/relay/internal/app"
	"github.com/navraksha/relay/internal/control"
	"github.com/navraksha/relay/pkg/cache"
	"github.com/navraksha/relay/pkg/config"
	"github.com/navraksha/relay/pkg/connectivity"
	"github.com/navraksha/relay/pkg/otel"
	"github.com/navraksha/relay/pkg/store/sqlstore"
	"github.com/navraksha/relay/pkg/syncer"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	var showVersion bool
	var addr string

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&addr, "addr", getEnv("RELAY_ADDR", ":8090"), "control api listen address")
	flag.Parse()

	if showVersion {
		fmt.Printf("relayd %s (commit=%s, date=%s)\n", version, commit, date)
		return
	}

	if err := run(addr); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
}

func run(addr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}

	shutdownOTel, err := otel.Init(ctx, otel.Config{
		ServiceName:    "relayd",
		ServiceVersion: version,
		UseStdout:      cfg.OTelStdout,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(sctx)
	}()

	st, err := sqlstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	cs, err := cache.OpenStore(cfg.CachePath)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer func() { _ = cs.Close() }()

	cacheEng := cache.NewEngine(cs,
		cache.NewHTTPFetcher(cfg.FetchTimeout),
		cache.NewClassifier(cfg.StaticAssets),
		cfg.ShellURL)

	deliverer := syncer.NewHTTPDeliverer(cfg.RemoteBaseURL, cfg.DeliveryTimeout)

	// The daemon starts offline until the first probe says otherwise.
	mon := connectivity.NewMonitor(connectivity.Offline)
	syncEng := syncer.NewEngine(st, deliverer, mon.Online)

	pl := app.New(st, cacheEng, syncEng, mon)

	// Stage and activate the app shell so offline navigations have
	// something to fall back to. A failed prefetch (cold boot with no
	// network) is not fatal; INSTALL_STATIC can retry later.
	assets, err := staticAssetURLs(cfg.ShellURL, cfg.StaticAssets)
	if err != nil {
		return fmt.Errorf("static assets: %w", err)
	}
	if err := installStatic(ctx, cacheEng, cfg.StaticVersion, assets); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: static install skipped: %v\n", err)
	}

	go mon.Watch(ctx, deliverer, cfg.ProbeInterval)
	go syncEng.Run(ctx, cfg.DrainInterval)
	go cacheEng.RunSweeper(ctx, cfg.SweepInterval, cache.DefaultDynamicMaxAge)

	handler := otelhttp.NewHandler(control.New(pl).Mux(), "relayd")
	server := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	errc := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(sctx)
}

// staticAssetURLs resolves the configured asset paths against the
// shell's origin and dedupes, with the shell itself first.
func staticAssetURLs(shellURL string, assets []string) ([]string, error) {
	base, err := url.Parse(shellURL)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(assets)+1)
	seen := make(map[string]struct{}, len(assets)+1)
	for _, a := range append([]string{shellURL}, assets...) {
		ref, err := url.Parse(a)
		if err != nil {
			return nil, err
		}
		u := base.ResolveReference(ref).String()
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	return urls, nil
}

func installStatic(ctx context.Context, eng *cache.Engine, version string, urls []string) error {
	if err := eng.InstallStatic(ctx, version, urls); err != nil {
		return err
	}
	return eng.ActivateStatic(version)
}

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
