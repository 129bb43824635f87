package proxy

import (
	"bytes"
	"encoding/json"
	"regexp"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/powerproxy/powerproxy-aoai/internal/tokens"
)

// deploymentPattern extracts the virtual deployment name as the path segment
// following "/deployments/". Matching is case-sensitive.
var deploymentPattern = regexp.MustCompile(`deployments/([^/?]+)`)

// TokenCounts carries the per-request token accounting computed by
// token-counting plugins. Nil pointers mean "not yet known".
type TokenCounts struct {
	Prompt     *int
	Completion *int
	Total      *int
}

// RoutingSlip is the per-request record threaded through the pipeline. It is
// owned exclusively by one request and is the sole medium of cross-component
// state between the server, the dispatcher and the plugins.
type RoutingSlip struct {
	RequestID          string
	RequestReceivedUTC time.Time

	Method      string
	Path        string
	QueryString string

	// RequestBody is a copy of the full inbound body; RequestBodyJSON is its
	// parsed form, nil when the body is not valid JSON.
	RequestBody     []byte
	RequestBodyJSON map[string]any

	// VirtualDeployment is the deployment name extracted from the URL path.
	VirtualDeployment string

	// NonStreamingRequested is true unless the body carries "stream": true.
	NonStreamingRequested bool

	// Client is the proxy-internal client name, empty when unidentified.
	Client string

	// Fields of the chosen dispatch target.
	AOAIEndpoint          string
	AOAIVirtualDeployment string
	AOAIStandinDeployment string

	// RequestStartMS is set just before the upstream request is issued;
	// RoundtripMS is measured once the upstream body is fully read (buffered)
	// or the stream has closed.
	RequestStartMS int64
	RoundtripMS    int64

	// HeadersFromTarget holds the upstream response headers, keys lowercased.
	HeadersFromTarget map[string]string

	// IsEventStream reports whether the upstream response is a text/event-stream.
	IsEventStream bool

	// BodyFromTarget / BodyJSONFromTarget are filled on the buffered path.
	BodyFromTarget     []byte
	BodyJSONFromTarget map[string]any

	// DataFromTarget is the payload of the current streaming data event;
	// DataEventCount is the number of data events seen so far ([DONE] excluded).
	DataFromTarget string
	DataEventCount int

	Tokens TokenCounts
}

// NewRoutingSlip builds the slip for an inbound request: copies the body,
// attempts a JSON parse (failure tolerated), derives the streaming flag and
// extracts the requested virtual deployment from the path.
func NewRoutingSlip(ctx *fasthttp.RequestCtx) *RoutingSlip {
	reqID, _ := ctx.UserValue("request_id").(string)

	slip := &RoutingSlip{
		RequestID:          reqID,
		RequestReceivedUTC: time.Now().UTC(),
		Method:             string(ctx.Method()),
		Path:               string(ctx.Path()),
		QueryString:        string(ctx.URI().QueryString()),
		RequestBody:        append([]byte(nil), ctx.PostBody()...),
	}

	slip.NonStreamingRequested = true
	if len(slip.RequestBody) > 0 && bytes.Contains(slip.RequestBody, []byte("stream")) {
		var body map[string]any
		if err := json.Unmarshal(slip.RequestBody, &body); err == nil {
			slip.RequestBodyJSON = body
			if stream, ok := body["stream"].(bool); ok && stream {
				slip.NonStreamingRequested = false
			}
		}
	} else if len(slip.RequestBody) > 0 {
		var body map[string]any
		if err := json.Unmarshal(slip.RequestBody, &body); err == nil {
			slip.RequestBodyJSON = body
		}
	}

	if m := deploymentPattern.FindStringSubmatch(slip.Path); m != nil {
		slip.VirtualDeployment = m[1]
	}

	return slip
}

// RequestMessages returns the messages array of the request body, empty when
// the body has none.
func (s *RoutingSlip) RequestMessages() []tokens.Message {
	if len(s.RequestBody) == 0 {
		return nil
	}
	var req struct {
		Messages []tokens.Message `json:"messages"`
	}
	if err := json.Unmarshal(s.RequestBody, &req); err != nil {
		return nil
	}
	return req.Messages
}
