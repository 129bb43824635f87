// Package proxy is the core request dispatch engine.
//
// The Dispatcher walks the target registry in declared order and picks the
// first target that passes the backoff gate, the virtual-deployment match and
// the non-streaming admission filter. Throttled targets (backend 429/500) are
// placed into backoff and the walk continues; when every target is skipped or
// throttled the caller receives a 429.
package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/powerproxy/powerproxy-aoai/internal/metrics"
	"github.com/powerproxy/powerproxy-aoai/internal/registry"
	"github.com/powerproxy/powerproxy-aoai/pkg/apierr"
)

// defaultRetryAfterMS is the backoff applied when the backend throttles
// without a retry-after-ms header.
const defaultRetryAfterMS = 10_000

// Dispatcher selects a target per request and forwards the request to it.
type Dispatcher struct {
	registry *registry.Registry
	log      *slog.Logger
	metrics  *metrics.Registry

	// Injection points for tests.
	randFloat func() float64
	nowMS     func() int64
	sleep     func(time.Duration)
}

// NewDispatcher creates a Dispatcher over the given registry. The metrics
// registry may be nil.
func NewDispatcher(reg *registry.Registry, log *slog.Logger, m *metrics.Registry) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry:  reg,
		log:       log,
		metrics:   m,
		randFloat: rand.Float64,
		nowMS:     func() int64 { return time.Now().UnixMilli() },
		sleep:     time.Sleep,
	}
}

// UpstreamResponse is an open backend response. The caller must Release it.
type UpstreamResponse struct {
	Target        *registry.Target
	StatusCode    int
	Header        map[string]string // keys lowercased
	IsEventStream bool

	resp     *fasthttp.Response
	mockBody []byte
}

// Body reads the full response body. Buffered path only.
func (u *UpstreamResponse) Body() ([]byte, error) {
	if u.resp == nil {
		return u.mockBody, nil
	}
	if rs := u.resp.BodyStream(); rs != nil {
		return io.ReadAll(rs)
	}
	return u.resp.Body(), nil
}

// BodyStream returns the response body as a reader. Streaming path only.
func (u *UpstreamResponse) BodyStream() io.Reader {
	if u.resp == nil {
		return bytes.NewReader(u.mockBody)
	}
	if rs := u.resp.BodyStream(); rs != nil {
		return rs
	}
	return bytes.NewReader(u.resp.Body())
}

// CopyHeadersTo copies the upstream response headers onto h, skipping the
// framing headers (Content-Length, Transfer-Encoding, Connection) that the
// server manages itself. Dropping Content-Length here is what keeps chunked
// upstream responses from carrying a stale length downstream.
func (u *UpstreamResponse) CopyHeadersTo(h *fasthttp.ResponseHeader) {
	if u.resp == nil {
		h.SetContentType("application/json")
		return
	}
	u.resp.Header.VisitAll(func(k, v []byte) {
		switch strings.ToLower(string(k)) {
		case "content-length", "transfer-encoding", "connection":
		default:
			h.AddBytesKV(k, v)
		}
	})
}

// Release returns the pooled response object. Safe to call once.
func (u *UpstreamResponse) Release() {
	if u.resp != nil {
		fasthttp.ReleaseResponse(u.resp)
		u.resp = nil
	}
}

// Dispatch selects a target for the slip and issues the upstream request.
// Inbound headers are rewritten per the credential-swap and header-hygiene
// rules. Returns an *apierr.ImmediateResponse error when no target was usable.
func (d *Dispatcher) Dispatch(slip *RoutingSlip, inbound *fasthttp.RequestHeader) (*UpstreamResponse, error) {
	for _, t := range d.registry.Targets() {
		if t.BlockedUntilMS() > d.nowMS() {
			continue
		}
		if t.Kind == registry.KindVirtualDeploymentStandin && slip.VirtualDeployment != t.VirtualDeployment {
			continue
		}
		if slip.NonStreamingRequested && !d.admitNonStreaming(t) {
			continue
		}

		slip.AOAIEndpoint = t.EndpointName
		slip.AOAIVirtualDeployment = t.VirtualDeployment
		slip.AOAIStandinDeployment = t.Standin
		slip.RequestStartMS = d.nowMS()

		if t.Mock != nil {
			return d.dispatchMock(t)
		}

		req := fasthttp.AcquireRequest()
		buildUpstreamRequest(req, t, slip, inbound)

		resp := fasthttp.AcquireResponse()
		err := t.Do(req, resp)
		fasthttp.ReleaseRequest(req)

		if err != nil {
			fasthttp.ReleaseResponse(resp)
			d.log.Error("upstream request failed",
				slog.String("request_id", slip.RequestID),
				slog.String("target", t.ID),
				slog.String("error", err.Error()),
			)
			if errors.Is(err, fasthttp.ErrTimeout) {
				return nil, apierr.JSON(fasthttp.StatusRequestTimeout,
					map[string]string{"error": "upstream endpoint timed out"})
			}
			return nil, apierr.JSON(fasthttp.StatusServiceUnavailable,
				map[string]string{"error": "upstream endpoint unavailable"})
		}

		status := resp.StatusCode()
		if status == fasthttp.StatusTooManyRequests || status == fasthttp.StatusInternalServerError {
			retryMS := retryAfterMS(&resp.Header)
			t.BlockUntil(d.nowMS() + retryMS)
			d.metrics.RecordBackoff(t.ID, status)
			d.log.Warn("target throttled",
				slog.String("request_id", slip.RequestID),
				slog.String("target", t.ID),
				slog.Int("status", status),
				slog.Int64("retry_after_ms", retryMS),
			)
			fasthttp.ReleaseResponse(resp)
			continue
		}

		headers := headerMap(&resp.Header)
		return &UpstreamResponse{
			Target:        t,
			StatusCode:    status,
			Header:        headers,
			IsEventStream: headers["content-type"] == "text/event-stream",
			resp:          resp,
		}, nil
	}

	d.metrics.RecordDispatchExhausted()
	return nil, apierr.JSON(fasthttp.StatusTooManyRequests, map[string]string{
		"message": "Could not find any endpoint or deployment with remaining capacity. Try again later.",
	})
}

// admitNonStreaming applies the non-streaming fraction: fraction 1 always
// admits, 0 never does, anything in between is a uniform coin flip. The
// fraction reserves headroom on a target for streaming traffic.
func (d *Dispatcher) admitNonStreaming(t *registry.Target) bool {
	switch f := t.NonStreamingFraction; {
	case f >= 1:
		return true
	case f <= 0:
		return false
	default:
		return d.randFloat() < f
	}
}

func (d *Dispatcher) dispatchMock(t *registry.Target) (*UpstreamResponse, error) {
	if t.Mock.MsToWaitBeforeReturn > 0 {
		d.sleep(time.Duration(t.Mock.MsToWaitBeforeReturn) * time.Millisecond)
	}
	body, err := json.Marshal(t.Mock.JSON)
	if err != nil {
		return nil, apierr.JSON(fasthttp.StatusInternalServerError,
			map[string]string{"error": "invalid mock_response configuration"})
	}
	return &UpstreamResponse{
		Target:        t,
		StatusCode:    fasthttp.StatusOK,
		Header:        map[string]string{"content-type": "application/json"},
		IsEventStream: false,
		mockBody:      body,
	}, nil
}

// buildUpstreamRequest assembles the outbound request for target t.
//
// Headers: all inbound headers are forwarded except Host and Content-Length
// (the client owns those) and api-key. The api-key header is set to the
// target's backend key when one exists; otherwise it is omitted entirely so
// an Authorization bearer passes through to the backend. The proxy key never
// leaves the proxy.
func buildUpstreamRequest(req *fasthttp.Request, t *registry.Target, slip *RoutingSlip, inbound *fasthttp.RequestHeader) {
	path := slip.Path
	if t.Kind == registry.KindVirtualDeploymentStandin && slip.VirtualDeployment != "" {
		path = strings.Replace(path,
			"/deployments/"+slip.VirtualDeployment,
			"/deployments/"+t.Standin, 1)
	}

	req.Header.SetMethod(slip.Method)
	req.SetRequestURI(t.Scheme + "://" + t.Addr + t.PathPrefix + path)
	if slip.QueryString != "" {
		req.URI().SetQueryString(slip.QueryString)
	}

	inbound.VisitAll(func(k, v []byte) {
		switch strings.ToLower(string(k)) {
		case "host", "content-length", "connection", "api-key":
		default:
			req.Header.AddBytesKV(k, v)
		}
	})
	if t.BackendKey != "" {
		req.Header.Set("api-key", t.BackendKey)
	}

	req.SetBody(slip.RequestBody)
}

// retryAfterMS reads the backend's retry-after-ms header, falling back to the
// default when absent or malformed.
func retryAfterMS(h *fasthttp.ResponseHeader) int64 {
	raw := string(h.Peek("retry-after-ms"))
	if raw == "" {
		return defaultRetryAfterMS
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return defaultRetryAfterMS
	}
	return ms
}

// headerMap copies response headers into a plain map with lowercased keys so
// plugins can read them after the pooled response has been released.
func headerMap(h *fasthttp.ResponseHeader) map[string]string {
	out := make(map[string]string, 16)
	h.VisitAll(func(k, v []byte) {
		out[strings.ToLower(string(k))] = string(v)
	})
	return out
}
