package plugins

import (
	"github.com/powerproxy/powerproxy-aoai/internal/proxy"
	"github.com/powerproxy/powerproxy-aoai/internal/tokens"
)

// tokenCounting is the shared token-accounting core embedded by plugins that
// need per-request token counts (LimitUsage, the LogUsage family).
//
// Counts are derived from facts already on the routing slip, so the
// computation is idempotent: when several embedding plugins run in the same
// request they all arrive at the same numbers and the slip is written once.
//
// Buffered responses use the exact usage block reported by the backend.
// Streaming responses carry no usage block, so the prompt side is estimated
// from the request messages and the completion side approximated as one token
// per data event.
type tokenCounting struct {
	// estimate is the prompt-token estimator, injectable for tests.
	estimate func(msgs []tokens.Message) int

	// onCounts fires once per request when counts are on the slip.
	onCounts func(slip *proxy.RoutingSlip) error
}

// handleBodyDict accounts a buffered response. Responses without a usage
// block (non-chat payloads, error bodies) are not accounted.
func (t *tokenCounting) handleBodyDict(slip *proxy.RoutingSlip) error {
	usage, ok := slip.BodyJSONFromTarget["usage"].(map[string]any)
	if !ok {
		return nil
	}

	prompt := intField(usage, "prompt_tokens")
	completion := intField(usage, "completion_tokens")
	total, found := intFieldOK(usage, "total_tokens")
	if !found {
		total = prompt + completion
	}

	slip.Tokens.Prompt = &prompt
	slip.Tokens.Completion = &completion
	slip.Tokens.Total = &total

	if t.onCounts != nil {
		return t.onCounts(slip)
	}
	return nil
}

// handleStreamEnd accounts a streaming response after the stream has closed.
func (t *tokenCounting) handleStreamEnd(slip *proxy.RoutingSlip) error {
	estimate := t.estimate
	if estimate == nil {
		estimate = tokens.EstimateMessages
	}

	prompt := estimate(slip.RequestMessages())
	completion := slip.DataEventCount
	total := prompt + completion

	slip.Tokens.Prompt = &prompt
	slip.Tokens.Completion = &completion
	slip.Tokens.Total = &total

	if t.onCounts != nil {
		return t.onCounts(slip)
	}
	return nil
}

func intField(m map[string]any, key string) int {
	n, _ := intFieldOK(m, key)
	return n
}

func intFieldOK(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
