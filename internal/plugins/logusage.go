package plugins

import (
	"context"
	"log/slog"

	"github.com/powerproxy/powerproxy-aoai/internal/config"
	"github.com/powerproxy/powerproxy-aoai/internal/logusage"
	"github.com/powerproxy/powerproxy-aoai/internal/proxy"
)

// LogUsage emits one usage record per accounted request to a sink. The sink
// varies per plugin name (console, CSV file, ClickHouse); the accounting is
// shared. Sink failures are logged and never fail the proxied request.
type LogUsage struct {
	proxy.NopPlugin
	tokenCounting

	name string
	log  *slog.Logger
	sink logusage.Sink
}

func newLogUsage(name string, log *slog.Logger, sink logusage.Sink) *LogUsage {
	if log == nil {
		log = slog.Default()
	}
	p := &LogUsage{name: name, log: log, sink: sink}
	p.tokenCounting.onCounts = p.appendRecord
	return p
}

// NewLogUsageToConsole logs usage records as structured log lines.
func NewLogUsageToConsole(log *slog.Logger) *LogUsage {
	return newLogUsage("LogUsageToConsole", log, logusage.NewConsoleSink(log))
}

// NewLogUsageToCsvFile logs usage records to a CSV file. The path is taken
// from the plugin's "file" setting, defaulting to "powerproxy.usage.csv".
func NewLogUsageToCsvFile(pc config.PluginConfig, log *slog.Logger) (*LogUsage, error) {
	path := pc.String("file")
	if path == "" {
		path = "powerproxy.usage.csv"
	}
	sink, err := logusage.NewCSVSink(path)
	if err != nil {
		return nil, err
	}
	return newLogUsage("LogUsageToCsvFile", log, sink), nil
}

// NewLogUsageToClickHouse logs usage records to a ClickHouse table via
// batched async inserts. Settings: "dsn" (required), "table" (optional).
func NewLogUsageToClickHouse(ctx context.Context, pc config.PluginConfig, log *slog.Logger) (*LogUsage, error) {
	sink, err := logusage.NewClickHouseSink(ctx, pc.String("dsn"), pc.String("table"), log)
	if err != nil {
		return nil, err
	}
	return newLogUsage("LogUsageToClickHouse", log, sink), nil
}

func (p *LogUsage) Name() string { return p.name }

func (p *LogUsage) OnBodyDictFromTargetAvailable(slip *proxy.RoutingSlip) error {
	return p.handleBodyDict(slip)
}

func (p *LogUsage) OnEndOfTargetResponseStreamReached(slip *proxy.RoutingSlip) error {
	return p.handleStreamEnd(slip)
}

// Close flushes and releases the sink.
func (p *LogUsage) Close() error {
	return p.sink.Close()
}

func (p *LogUsage) appendRecord(slip *proxy.RoutingSlip) error {
	rec := logusage.Record{
		RequestReceivedUTC: slip.RequestReceivedUTC,
		Client:             slip.Client,
		IsStreaming:        slip.IsEventStream,
		RoundtripMS:        slip.RoundtripMS,
		Region:             slip.HeadersFromTarget["x-ms-region"],
		EndpointName:       slip.AOAIEndpoint,
		VirtualDeployment:  slip.AOAIVirtualDeployment,
		StandinDeployment:  slip.AOAIStandinDeployment,
	}
	if slip.Tokens.Prompt != nil {
		rec.PromptTokens = *slip.Tokens.Prompt
	}
	if slip.Tokens.Completion != nil {
		rec.CompletionTokens = *slip.Tokens.Completion
	}
	if slip.Tokens.Total != nil {
		rec.TotalTokens = *slip.Tokens.Total
	}

	if err := p.sink.Append(rec); err != nil {
		p.log.Error("usage_append_failed",
			slog.String("plugin", p.name),
			slog.String("client", slip.Client),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
