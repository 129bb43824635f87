package proxy

import (
	"github.com/valyala/fasthttp"

	"github.com/powerproxy/powerproxy-aoai/internal/config"
	"github.com/powerproxy/powerproxy-aoai/pkg/apierr"
)

// ClientIdentifier maps inbound auth headers to a proxy-internal client name.
//
// Policy:
//   - fixed_client configured             → that client, always.
//   - api-key header matches a client key → that client.
//   - api-key header, no match            → 401.
//   - no api-key but an Authorization
//     header (AAD bearer)                 → the designated Entra ID client,
//     or "" when none is declared.
//   - neither header                      → "" (the request proceeds; plugins
//     decide what an anonymous client may do).
type ClientIdentifier struct {
	cfg *config.Config
}

// NewClientIdentifier creates an identifier over the given configuration.
func NewClientIdentifier(cfg *config.Config) *ClientIdentifier {
	return &ClientIdentifier{cfg: cfg}
}

// Identify resolves the client for the inbound request headers. Unknown
// api-key values yield an *apierr.ImmediateResponse with status 401.
func (ci *ClientIdentifier) Identify(h *fasthttp.RequestHeader) (string, error) {
	client := ci.cfg.FixedClient

	if apiKey := string(h.Peek("api-key")); apiKey != "" {
		cl, ok := ci.cfg.ClientByKey(apiKey)
		if !ok {
			return "", apierr.JSON(fasthttp.StatusUnauthorized, map[string]string{
				"error": "The provided API key is not a valid PowerProxy key. " +
					"Ensure that the 'api-key' header contains a valid API key " +
					"from the PowerProxy's configuration.",
			})
		}
		if client == "" {
			client = cl.Name
		}
		return client, nil
	}

	if len(h.Peek("Authorization")) > 0 && client == "" {
		if entra, ok := ci.cfg.EntraIDClient(); ok {
			client = entra
		}
	}

	return client, nil
}
