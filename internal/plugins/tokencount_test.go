package plugins

import (
	"testing"

	"github.com/powerproxy/powerproxy-aoai/internal/proxy"
	"github.com/powerproxy/powerproxy-aoai/internal/tokens"
)

func TestTokenCounting_BufferedUsesExactUsage(t *testing.T) {
	fired := 0
	tc := tokenCounting{onCounts: func(*proxy.RoutingSlip) error { fired++; return nil }}

	slip := &proxy.RoutingSlip{BodyJSONFromTarget: map[string]any{
		"usage": map[string]any{
			"prompt_tokens":     float64(9),
			"completion_tokens": float64(12),
			"total_tokens":      float64(21),
		},
	}}
	if err := tc.handleBodyDict(slip); err != nil {
		t.Fatalf("handleBodyDict: %v", err)
	}

	if fired != 1 {
		t.Fatalf("onCounts fired %d times, want 1", fired)
	}
	if *slip.Tokens.Prompt != 9 || *slip.Tokens.Completion != 12 || *slip.Tokens.Total != 21 {
		t.Errorf("tokens = %d/%d/%d", *slip.Tokens.Prompt, *slip.Tokens.Completion, *slip.Tokens.Total)
	}
}

func TestTokenCounting_EmbeddingsUsageWithoutCompletion(t *testing.T) {
	tc := tokenCounting{}

	slip := &proxy.RoutingSlip{BodyJSONFromTarget: map[string]any{
		"usage": map[string]any{
			"prompt_tokens": float64(8),
			"total_tokens":  float64(8),
		},
	}}
	if err := tc.handleBodyDict(slip); err != nil {
		t.Fatal(err)
	}
	if *slip.Tokens.Completion != 0 {
		t.Errorf("completion = %d, want 0", *slip.Tokens.Completion)
	}
	if *slip.Tokens.Total != 8 {
		t.Errorf("total = %d, want 8", *slip.Tokens.Total)
	}
}

func TestTokenCounting_MissingTotalDerivedFromParts(t *testing.T) {
	tc := tokenCounting{}

	slip := &proxy.RoutingSlip{BodyJSONFromTarget: map[string]any{
		"usage": map[string]any{
			"prompt_tokens":     float64(3),
			"completion_tokens": float64(4),
		},
	}}
	if err := tc.handleBodyDict(slip); err != nil {
		t.Fatal(err)
	}
	if *slip.Tokens.Total != 7 {
		t.Errorf("total = %d, want 7", *slip.Tokens.Total)
	}
}

func TestTokenCounting_NoUsageBlockIsNotAccounted(t *testing.T) {
	fired := 0
	tc := tokenCounting{onCounts: func(*proxy.RoutingSlip) error { fired++; return nil }}

	slip := &proxy.RoutingSlip{BodyJSONFromTarget: map[string]any{"error": "throttled"}}
	if err := tc.handleBodyDict(slip); err != nil {
		t.Fatal(err)
	}
	if fired != 0 {
		t.Error("onCounts fired without a usage block")
	}
	if slip.Tokens.Total != nil {
		t.Error("tokens set without a usage block")
	}
}

func TestTokenCounting_StreamEndEstimatesFromEvents(t *testing.T) {
	fired := 0
	tc := tokenCounting{
		estimate: func([]tokens.Message) int { return 42 },
		onCounts: func(*proxy.RoutingSlip) error { fired++; return nil },
	}

	slip := &proxy.RoutingSlip{
		RequestBody:    []byte(`{"messages":[{"role":"user","content":"hi"}]}`),
		DataEventCount: 17,
	}
	if err := tc.handleStreamEnd(slip); err != nil {
		t.Fatal(err)
	}

	if fired != 1 {
		t.Fatalf("onCounts fired %d times, want 1", fired)
	}
	if *slip.Tokens.Prompt != 42 {
		t.Errorf("prompt = %d, want 42", *slip.Tokens.Prompt)
	}
	if *slip.Tokens.Completion != 17 {
		t.Errorf("completion = %d, want one per data event (17)", *slip.Tokens.Completion)
	}
	if *slip.Tokens.Total != 59 {
		t.Errorf("total = %d, want 59", *slip.Tokens.Total)
	}
}

func TestIntFieldOK(t *testing.T) {
	m := map[string]any{"f": float64(5), "i": 7, "s": "no"}
	if n, ok := intFieldOK(m, "f"); !ok || n != 5 {
		t.Errorf("float field: %d %v", n, ok)
	}
	if n, ok := intFieldOK(m, "i"); !ok || n != 7 {
		t.Errorf("int field: %d %v", n, ok)
	}
	if _, ok := intFieldOK(m, "s"); ok {
		t.Error("string field reported ok")
	}
	if _, ok := intFieldOK(m, "missing"); ok {
		t.Error("missing field reported ok")
	}
}
