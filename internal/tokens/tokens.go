// Package tokens estimates prompt token counts for chat-format requests.
//
// Azure OpenAI reports exact usage only for non-streaming responses. For
// streaming requests the prompt side has to be estimated from the request
// messages. The arithmetic follows the published chat-format accounting for
// cl100k_base models: 3 tokens per message, 1 extra token when a name is set,
// and 3 tokens priming the reply.
package tokens

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const (
	encodingName     = "cl100k_base"
	tokensPerMessage = 3
	tokensPerName    = 1
	tokensPerReply   = 3
)

// Message is one entry of a chat request's messages array.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func getEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		// Load failures (e.g. no network to fetch the BPE table) leave
		// encoding nil; EstimateMessages then falls back to the chars/4
		// heuristic.
		encoding, _ = tiktoken.GetEncoding(encodingName)
	})
	return encoding
}

// EstimateMessages returns the estimated prompt token count for messages.
func EstimateMessages(messages []Message) int {
	if len(messages) == 0 {
		return 0
	}

	enc := getEncoding()
	n := 0
	for _, m := range messages {
		n += tokensPerMessage
		n += countString(enc, m.Role)
		n += countString(enc, m.Content)
		if m.Name != "" {
			n += countString(enc, m.Name)
			n += tokensPerName
		}
	}
	return n + tokensPerReply
}

// EstimateRequestBody extracts the messages array from a raw chat request body
// and estimates its prompt tokens. Bodies without messages estimate to 0.
func EstimateRequestBody(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	var req struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return 0
	}
	return EstimateMessages(req.Messages)
}

func countString(enc *tiktoken.Tiktoken, s string) int {
	if s == "" {
		return 0
	}
	if enc == nil {
		// ~4 characters per token, the usual GPT-style heuristic.
		n := len(s) / 4
		if n == 0 {
			n = 1
		}
		return n
	}
	return len(enc.Encode(s, nil, nil))
}
