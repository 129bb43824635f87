package proxy

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/powerproxy/powerproxy-aoai/internal/config"
	"github.com/powerproxy/powerproxy-aoai/internal/metrics"
	"github.com/powerproxy/powerproxy-aoai/pkg/apierr"
)

const (
	// inboundKeepAlive bounds idle inbound connections.
	inboundKeepAlive = 120 * time.Second

	// maxStreamLine caps a single upstream event-stream line.
	maxStreamLine = 1 << 20
)

// Server is the HTTP front end: it accepts requests, builds the routing slip,
// drives the plugin pipeline and writes the response.
type Server struct {
	cfg        *config.Config
	log        *slog.Logger
	bus        *Bus
	identifier *ClientIdentifier
	dispatcher *Dispatcher
	metrics    *metrics.Registry

	srv *fasthttp.Server
}

// NewServer wires the front end. The metrics registry may be nil.
func NewServer(
	cfg *config.Config,
	log *slog.Logger,
	bus *Bus,
	dispatcher *Dispatcher,
	m *metrics.Registry,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		identifier: NewClientIdentifier(cfg),
		dispatcher: dispatcher,
		metrics:    m,
	}
}

// Handler builds the full request handler including routes and middleware.
// Exposed so tests can drive the server in-process.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.GET("/powerproxy/health/liveness", s.handleLiveness)
	if s.metrics != nil {
		r.GET("/powerproxy/metrics", s.metrics.Handler())
	}
	r.GET("/{path:*}", s.handleProxy)
	r.POST("/{path:*}", s.handleProxy)

	return applyMiddleware(r.Handler,
		recovery(s.log),
		requestID,
		timing,
	)
}

// ListenAndServe starts the HTTP server on addr and blocks until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:               s.Handler(),
		ReadTimeout:           inboundKeepAlive,
		IdleTimeout:           inboundKeepAlive,
		NoDefaultServerHeader: true,
		NoDefaultDate:         true,
	}
	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

// recordTokens exports the per-request token counts once, after the plugins
// that compute them have run.
func (s *Server) recordTokens(slip *RoutingSlip) {
	if slip.Tokens.Prompt == nil && slip.Tokens.Completion == nil {
		return
	}
	prompt, completion := 0, 0
	if slip.Tokens.Prompt != nil {
		prompt = *slip.Tokens.Prompt
	}
	if slip.Tokens.Completion != nil {
		completion = *slip.Tokens.Completion
	}
	s.metrics.AddTokens(slip.Client, prompt, completion)
}

func (s *Server) handleLiveness(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// handleProxy is the entry point for every proxied request.
func (s *Server) handleProxy(ctx *fasthttp.RequestCtx) {
	s.metrics.IncInFlight()

	slip := NewRoutingSlip(ctx)

	streaming, err := s.process(ctx, slip)
	if err != nil {
		apierr.WriteError(ctx, err)
		var ir *apierr.ImmediateResponse
		if !errors.As(err, &ir) {
			s.log.Error("request failed",
				slog.String("request_id", slip.RequestID),
				slog.String("path", slip.Path),
				slog.String("error", err.Error()),
			)
		}
	}
	if !streaming {
		// Streaming requests decrement once the stream writer finishes.
		s.metrics.DecInFlight()
		s.metrics.RecordRequest(slip.Client, slip.AOAIEndpoint, ctx.Response.StatusCode())
	}
}

// process runs the pipeline. It reports whether the response is being
// streamed, in which case metrics finalisation is deferred to the stream
// writer.
func (s *Server) process(ctx *fasthttp.RequestCtx, slip *RoutingSlip) (bool, error) {
	if err := s.bus.OnNewRequestReceived(slip); err != nil {
		return false, err
	}

	client, err := s.identifier.Identify(&ctx.Request.Header)
	if err != nil {
		return false, err
	}
	slip.Client = client

	if err := s.bus.OnClientIdentified(slip); err != nil {
		return false, err
	}

	up, err := s.dispatcher.Dispatch(slip, &ctx.Request.Header)
	if err != nil {
		return false, err
	}

	slip.HeadersFromTarget = up.Header
	slip.IsEventStream = up.IsEventStream

	if err := s.bus.OnHeadersFromTargetReceived(slip); err != nil {
		up.Release()
		return false, err
	}

	if up.IsEventStream {
		s.streamResponse(ctx, slip, up)
		return true, nil
	}

	return false, s.bufferResponse(ctx, slip, up)
}

// bufferResponse reads the full upstream body, fires the body-dict event when
// the body parses as JSON, and forwards status, headers and body verbatim.
func (s *Server) bufferResponse(ctx *fasthttp.RequestCtx, slip *RoutingSlip, up *UpstreamResponse) error {
	body, err := up.Body()
	if err != nil {
		up.Release()
		if errors.Is(err, fasthttp.ErrTimeout) {
			return apierr.JSON(fasthttp.StatusRequestTimeout,
				map[string]string{"error": "upstream endpoint timed out"})
		}
		return apierr.JSON(fasthttp.StatusBadGateway,
			map[string]string{"error": "failed to read upstream response"})
	}
	slip.RoundtripMS = s.dispatcher.nowMS() - slip.RequestStartMS
	slip.BodyFromTarget = body

	var dict map[string]any
	if json.Unmarshal(body, &dict) == nil && dict != nil {
		slip.BodyJSONFromTarget = dict
		if err := s.bus.OnBodyDictFromTargetAvailable(slip); err != nil {
			up.Release()
			return err
		}
		s.recordTokens(slip)
	}

	ctx.SetStatusCode(up.StatusCode)
	up.CopyHeadersTo(&ctx.Response.Header)
	ctx.SetBody(body)
	up.Release()

	s.metrics.ObserveRoundtrip(slip.AOAIEndpoint, time.Duration(slip.RoundtripMS)*time.Millisecond)
	return nil
}

// streamResponse forwards the upstream event stream line by line. Each line is
// written verbatim with a CRLF terminator; payloads of "data: " lines fire the
// data event unless they equal "[DONE]" — the sentinel itself is still
// forwarded. After the upstream stream closes, the round-trip time is measured
// and the end-of-stream event fires exactly once.
func (s *Server) streamResponse(ctx *fasthttp.RequestCtx, slip *RoutingSlip, up *UpstreamResponse) {
	ctx.SetStatusCode(up.StatusCode)
	up.CopyHeadersTo(&ctx.Response.Header)

	stream := up.BodyStream()
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			up.Release()
			s.metrics.DecInFlight()
			s.metrics.RecordRequest(slip.Client, slip.AOAIEndpoint, up.StatusCode)
		}()

		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)

		for scanner.Scan() {
			line := scanner.Text()

			w.WriteString(line)   //nolint:errcheck // surfaces via Flush
			w.WriteString("\r\n") //nolint:errcheck
			if err := w.Flush(); err != nil {
				// Client went away; stop reading upstream at this point.
				s.log.Debug("stream aborted by client",
					slog.String("request_id", slip.RequestID),
					slog.String("error", err.Error()),
				)
				return
			}

			slip.DataFromTarget = ""
			if payload, ok := strings.CutPrefix(line, "data: "); ok && payload != "[DONE]" {
				slip.DataFromTarget = payload
				slip.DataEventCount++
				if err := s.bus.OnDataEventFromTargetReceived(slip); err != nil {
					s.log.Error("plugin aborted stream",
						slog.String("request_id", slip.RequestID),
						slog.String("error", err.Error()),
					)
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			s.log.Warn("upstream stream error",
				slog.String("request_id", slip.RequestID),
				slog.String("error", err.Error()),
			)
		}

		slip.RoundtripMS = s.dispatcher.nowMS() - slip.RequestStartMS
		s.metrics.ObserveRoundtrip(slip.AOAIEndpoint, time.Duration(slip.RoundtripMS)*time.Millisecond)

		if err := s.bus.OnEndOfTargetResponseStreamReached(slip); err != nil {
			s.log.Error("end-of-stream plugin error",
				slog.String("request_id", slip.RequestID),
				slog.String("error", err.Error()),
			)
		}
		s.recordTokens(slip)
	})
}
