// Package logusage defines the usage record emitted once per accounted request
// and the interchangeable sinks that persist it.
//
// Sink failures must never fail the proxied request: Append errors are logged
// by the caller and otherwise swallowed.
package logusage

import (
	"log/slog"
	"time"
)

// Record is one usage line, emitted when token counts for a request become
// available.
type Record struct {
	RequestReceivedUTC time.Time
	Client             string
	IsStreaming        bool
	PromptTokens       int
	CompletionTokens   int
	TotalTokens        int
	RoundtripMS        int64
	Region             string
	EndpointName       string
	VirtualDeployment  string
	StandinDeployment  string
}

// Sink persists usage records.
type Sink interface {
	Append(rec Record) error
	Close() error
}

// ConsoleSink writes usage records as structured log lines.
type ConsoleSink struct {
	log *slog.Logger
}

// NewConsoleSink creates a sink writing to the given logger (slog.Default
// when nil).
func NewConsoleSink(log *slog.Logger) *ConsoleSink {
	if log == nil {
		log = slog.Default()
	}
	return &ConsoleSink{log: log}
}

func (s *ConsoleSink) Append(rec Record) error {
	s.log.Info("usage",
		slog.Time("request_received_utc", rec.RequestReceivedUTC),
		slog.String("client", rec.Client),
		slog.Bool("is_streaming", rec.IsStreaming),
		slog.Int("prompt_tokens", rec.PromptTokens),
		slog.Int("completion_tokens", rec.CompletionTokens),
		slog.Int("total_tokens", rec.TotalTokens),
		slog.Int64("aoai_roundtrip_time_ms", rec.RoundtripMS),
		slog.String("aoai_region", rec.Region),
		slog.String("aoai_endpoint_name", rec.EndpointName),
		slog.String("aoai_virtual_deployment", rec.VirtualDeployment),
		slog.String("aoai_standin_deployment", rec.StandinDeployment),
	)
	return nil
}

func (s *ConsoleSink) Close() error { return nil }
