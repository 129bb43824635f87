// Package plugins contains the built-in request-lifecycle plugins and the
// factory that instantiates them from configuration.
//
// The plugins list in the configuration is ordered; the factory preserves
// that order and the event bus delivers events in it.
package plugins

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/powerproxy/powerproxy-aoai/internal/config"
	"github.com/powerproxy/powerproxy-aoai/internal/kv"
	"github.com/powerproxy/powerproxy-aoai/internal/metrics"
	"github.com/powerproxy/powerproxy-aoai/internal/proxy"
)

// Deps carries the shared dependencies a plugin may need. Metrics and KV are
// optional.
type Deps struct {
	Cfg     *config.Config
	Log     *slog.Logger
	Metrics *metrics.Registry
	KV      kv.Store
}

// New instantiates the plugin named in pc. Unknown names are a configuration
// error.
func New(ctx context.Context, pc config.PluginConfig, deps Deps) (proxy.Plugin, error) {
	switch pc.Name {
	case "AllowDeployments":
		return NewAllowDeployments(deps.Cfg), nil
	case "LimitUsage":
		return NewLimitUsage(deps.Cfg, deps.Log, deps.Metrics, deps.KV), nil
	case "LogUsageToConsole":
		return NewLogUsageToConsole(deps.Log), nil
	case "LogUsageToCsvFile":
		return NewLogUsageToCsvFile(pc, deps.Log)
	case "LogUsageToClickHouse":
		return NewLogUsageToClickHouse(ctx, pc, deps.Log)
	default:
		return nil, fmt.Errorf("plugins: unknown plugin %q", pc.Name)
	}
}

// NewAll instantiates every configured plugin in declared order.
func NewAll(ctx context.Context, cfg *config.Config, deps Deps) ([]proxy.Plugin, error) {
	out := make([]proxy.Plugin, 0, len(cfg.Plugins))
	for _, pc := range cfg.Plugins {
		p, err := New(ctx, pc, deps)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
