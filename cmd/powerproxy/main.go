// Command powerproxy is a reverse proxy for Azure OpenAI.
//
// It identifies clients by proxy-specific API keys, swaps in the real backend
// credentials, spreads load across endpoints and deployments, and runs an
// ordered plugin pipeline for access control, rate limiting and usage logging.
//
// Configuration is a single YAML or JSON document, supplied via exactly one
// of the flags below:
//
//	powerproxy --config-file config.yaml
//	powerproxy --config-env-var POWERPROXY_CONFIG_STRING
//	powerproxy --config-string "$(cat config.yaml)"
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/powerproxy/powerproxy-aoai/internal/app"
	"github.com/powerproxy/powerproxy-aoai/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	var (
		configFile   string
		configEnvVar string
		configString string
		port         int
	)
	pflag.StringVar(&configFile, "config-file", "", "path to a YAML or JSON configuration file")
	pflag.StringVar(&configEnvVar, "config-env-var", "", "environment variable holding the full configuration document")
	pflag.StringVar(&configString, "config-string", "", "inline configuration document")
	pflag.IntVar(&port, "port", 0, "override the configured proxy port")
	pflag.Parse()

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration — exits with a descriptive error on any violation.
	cfg, err := loadConfig(configFile, configEnvVar, configString)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if pflag.CommandLine.Changed("port") {
		cfg.Port = port
	}

	// Build the structured logger. All subsystems share this instance.
	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// Initialise and run the application.
	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("proxy stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// loadConfig resolves the configuration from exactly one of the three
// sources. With no flag set, it falls back to the POWERPROXY_CONFIG_STRING
// environment variable so containerised deployments work without arguments.
func loadConfig(file, envVar, inline string) (*config.Config, error) {
	switch {
	case file != "":
		return config.LoadFile(file)
	case envVar != "":
		return config.LoadEnvVar(envVar)
	case inline != "":
		return config.LoadString(inline)
	default:
		return config.LoadEnvVar("POWERPROXY_CONFIG_STRING")
	}
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}))
}
