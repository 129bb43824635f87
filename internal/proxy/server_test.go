package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/powerproxy/powerproxy-aoai/internal/config"
	"github.com/powerproxy/powerproxy-aoai/internal/registry"
	"github.com/powerproxy/powerproxy-aoai/pkg/apierr"
)

// eventsPlugin records every per-request event and the relevant slip state at
// the time of delivery.
type eventsPlugin struct {
	NopPlugin

	events       []string
	dataPayloads []string
	bodyDict     map[string]any
	headers      map[string]string
	failOn       string
	err          error
}

func (p *eventsPlugin) Name() string { return "events" }

func (p *eventsPlugin) record(event string) error {
	p.events = append(p.events, event)
	if event == p.failOn {
		return p.err
	}
	return nil
}

func (p *eventsPlugin) OnNewRequestReceived(*RoutingSlip) error {
	return p.record("new_request")
}

func (p *eventsPlugin) OnClientIdentified(*RoutingSlip) error {
	return p.record("client_identified")
}

func (p *eventsPlugin) OnHeadersFromTargetReceived(slip *RoutingSlip) error {
	p.headers = slip.HeadersFromTarget
	return p.record("headers")
}

func (p *eventsPlugin) OnBodyDictFromTargetAvailable(slip *RoutingSlip) error {
	p.bodyDict = slip.BodyJSONFromTarget
	return p.record("body_dict")
}

func (p *eventsPlugin) OnDataEventFromTargetReceived(slip *RoutingSlip) error {
	p.dataPayloads = append(p.dataPayloads, slip.DataFromTarget)
	return p.record("data")
}

func (p *eventsPlugin) OnEndOfTargetResponseStreamReached(*RoutingSlip) error {
	return p.record("end_of_stream")
}

func (p *eventsPlugin) count(event string) int {
	n := 0
	for _, e := range p.events {
		if e == event {
			n++
		}
	}
	return n
}

// serveProxy starts the full server handler on an in-memory listener and
// returns an HTTP client routing to it.
func serveProxy(t *testing.T, cfg *config.Config, plugs ...Plugin) *http.Client {
	t.Helper()

	reg, err := registry.New(cfg)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	t.Cleanup(reg.Close)

	dispatcher := NewDispatcher(reg, discardLogger(), nil)
	srv := NewServer(cfg, discardLogger(), NewBus(plugs...), dispatcher, nil)

	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, srv.Handler())
	}()
	t.Cleanup(func() { _ = ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func proxyConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Port:     80,
		LogLevel: "info",
		Clients:  []config.Client{{Name: "Team 1", Key: "key-1"}},
		AOAI: config.AOAI{Endpoints: []config.Endpoint{
			{Name: "main", URL: upstreamURL, Key: "backend-key"},
		}},
	}
}

func doProxyPost(t *testing.T, client *http.Client, path, apiKey string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://proxy"+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("api-key", apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestServer_Liveness(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	client := serveProxy(t, proxyConfig(ts.URL))
	resp, err := client.Get("http://proxy/powerproxy/health/liveness")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestServer_BufferedFlow(t *testing.T) {
	upstreamBody := `{"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":12,"total_tokens":21}}`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("x-ms-region", "swedencentral")
		io.WriteString(w, upstreamBody)
	}))
	defer ts.Close()

	plug := &eventsPlugin{}
	client := serveProxy(t, proxyConfig(ts.URL), plug)

	resp := doProxyPost(t, client,
		"/openai/deployments/gpt/chat/completions?api-version=2024-02-01",
		"key-1", `{"messages":[{"role":"user","content":"hi"}]}`)
	body := readAll(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %q", resp.StatusCode, body)
	}
	if body != upstreamBody {
		t.Errorf("body = %q, not forwarded verbatim", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID missing")
	}
	if resp.Header.Get("x-ms-region") != "swedencentral" {
		t.Error("upstream headers not forwarded")
	}

	want := []string{"new_request", "client_identified", "headers", "body_dict"}
	if len(plug.events) != len(want) {
		t.Fatalf("events = %v, want %v", plug.events, want)
	}
	for i := range want {
		if plug.events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, plug.events[i], want[i])
		}
	}
	if usage, ok := plug.bodyDict["usage"].(map[string]any); !ok || usage["total_tokens"] != float64(21) {
		t.Errorf("bodyDict = %v", plug.bodyDict)
	}
	if plug.headers["x-ms-region"] != "swedencentral" {
		t.Errorf("plugin saw headers %v", plug.headers)
	}
}

func TestServer_BufferedNonJSONSkipsBodyDict(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "plain response")
	}))
	defer ts.Close()

	plug := &eventsPlugin{}
	client := serveProxy(t, proxyConfig(ts.URL), plug)

	resp := doProxyPost(t, client, "/openai/deployments/gpt/chat/completions", "key-1", `{}`)
	body := readAll(t, resp)

	if body != "plain response" {
		t.Errorf("body = %q", body)
	}
	if plug.count("body_dict") != 0 {
		t.Error("body_dict fired for non-JSON body")
	}
}

func TestServer_StreamingFlow(t *testing.T) {
	sse := "data: {\"id\":\"1\"}\n\ndata: {\"id\":\"2\"}\n\ndata: [DONE]\n\n"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sse)
	}))
	defer ts.Close()

	plug := &eventsPlugin{}
	client := serveProxy(t, proxyConfig(ts.URL), plug)

	resp := doProxyPost(t, client, "/openai/deployments/gpt/chat/completions",
		"key-1", `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	body := readAll(t, resp)

	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}

	// Every line is forwarded with a CRLF terminator, the [DONE] sentinel
	// included.
	want := "data: {\"id\":\"1\"}\r\n\r\ndata: {\"id\":\"2\"}\r\n\r\ndata: [DONE]\r\n\r\n"
	if body != want {
		t.Errorf("body = %q, want %q", body, want)
	}

	// Two data events — [DONE] and blank lines fire none.
	if got := plug.count("data"); got != 2 {
		t.Errorf("data events = %d, want 2", got)
	}
	if len(plug.dataPayloads) != 2 || plug.dataPayloads[0] != `{"id":"1"}` || plug.dataPayloads[1] != `{"id":"2"}` {
		t.Errorf("dataPayloads = %v", plug.dataPayloads)
	}
	if got := plug.count("end_of_stream"); got != 1 {
		t.Errorf("end_of_stream events = %d, want 1", got)
	}
	if got := plug.count("body_dict"); got != 0 {
		t.Errorf("body_dict fired on streaming response (%d times)", got)
	}
}

func TestServer_UnknownKeyRejectedBeforeDispatch(t *testing.T) {
	var upstreamHits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
	}))
	defer ts.Close()

	client := serveProxy(t, proxyConfig(ts.URL))
	resp := doProxyPost(t, client, "/openai/deployments/gpt/chat/completions", "wrong-key", `{}`)
	body := readAll(t, resp)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if !strings.Contains(body, "not a valid PowerProxy key") {
		t.Errorf("body = %q", body)
	}
	if upstreamHits.Load() != 0 {
		t.Error("backend contacted despite rejected key")
	}
}

func TestServer_PluginAbortShortCircuits(t *testing.T) {
	var upstreamHits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
	}))
	defer ts.Close()

	plug := &eventsPlugin{
		failOn: "client_identified",
		err:    apierr.Text(fasthttp.StatusTooManyRequests, "Too many requests for client 'Team 1'. Try again later."),
	}
	client := serveProxy(t, proxyConfig(ts.URL), plug)

	resp := doProxyPost(t, client, "/openai/deployments/gpt/chat/completions", "key-1", `{}`)
	body := readAll(t, resp)

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
	if !strings.Contains(body, "Too many requests") {
		t.Errorf("body = %q", body)
	}
	if upstreamHits.Load() != 0 {
		t.Error("backend contacted despite plugin rejection")
	}
}
