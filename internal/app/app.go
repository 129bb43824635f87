// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis when a plugin asks for it)
//  2. initServices — target registry, Prometheus metrics
//  3. initPlugins  — plugin instantiation in configured order
//  4. initServer   — dispatcher + HTTP front end
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/powerproxy/powerproxy-aoai/internal/config"
	"github.com/powerproxy/powerproxy-aoai/internal/kv"
	"github.com/powerproxy/powerproxy-aoai/internal/metrics"
	"github.com/powerproxy/powerproxy-aoai/internal/plugins"
	"github.com/powerproxy/powerproxy-aoai/internal/proxy"
	"github.com/powerproxy/powerproxy-aoai/internal/registry"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connection — nil unless a plugin requests it.
	kvStore *kv.RedisStore

	prom *metrics.Registry
	reg  *registry.Registry
	bus  *proxy.Bus
	srv  *proxy.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"plugins", a.initPlugins},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// initInfra establishes optional external connections. Redis is only needed
// when the LimitUsage plugin is configured with a redis_url, to share budgets
// across replicas.
func (a *App) initInfra(ctx context.Context) error {
	for _, pc := range a.cfg.Plugins {
		if pc.Name != "LimitUsage" {
			continue
		}
		url := pc.String("redis_url")
		if url == "" {
			continue
		}

		a.log.Info("connecting to redis", slog.String("url", redactURL(url)))
		store, err := kv.NewRedisStore(ctx, url)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.kvStore = store
		a.log.Info("redis connected")
		break
	}
	return nil
}

// initServices builds the target registry and the Prometheus registry.
func (a *App) initServices(_ context.Context) error {
	reg, err := registry.New(a.cfg)
	if err != nil {
		return err
	}
	a.reg = reg
	a.log.Info("targets loaded", slog.Int("targets", len(reg.Targets())))

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initPlugins instantiates the configured plugins in declared order and fires
// their instantiation event.
func (a *App) initPlugins(ctx context.Context) error {
	var store kv.Store
	if a.kvStore != nil {
		store = a.kvStore
	}

	plugs, err := plugins.NewAll(ctx, a.cfg, plugins.Deps{
		Cfg:     a.cfg,
		Log:     a.log,
		Metrics: a.prom,
		KV:      store,
	})
	if err != nil {
		return err
	}

	a.bus = proxy.NewBus(plugs...)
	if err := a.bus.OnPluginInstantiated(); err != nil {
		return err
	}

	names := make([]string, 0, len(plugs))
	for _, p := range plugs {
		names = append(names, p.Name())
	}
	a.log.Info("plugins loaded", slog.Any("plugins", names))

	return nil
}

// initServer wires the dispatcher and the HTTP front end.
func (a *App) initServer(_ context.Context) error {
	dispatcher := proxy.NewDispatcher(a.reg, a.log, a.prom)
	a.srv = proxy.NewServer(a.cfg, a.log, a.bus, dispatcher, a.prom)
	return nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting proxy",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("clients", len(a.cfg.Clients)),
		slog.Int("targets", len(a.reg.Targets())),
	)
	a.bus.OnPrintConfiguration(func(line string) {
		a.log.Info(line)
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.bus != nil {
		for _, p := range a.bus.Plugins() {
			if c, ok := p.(io.Closer); ok {
				if err := c.Close(); err != nil {
					a.log.Error("plugin close error",
						slog.String("plugin", p.Name()),
						slog.String("error", err.Error()),
					)
				}
			}
		}
		a.bus = nil
	}
	if a.reg != nil {
		a.reg.Close()
		a.reg = nil
	}
	if a.kvStore != nil {
		if err := a.kvStore.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.kvStore = nil
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
