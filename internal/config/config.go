// Package config loads and validates all runtime configuration for the proxy.
//
// Configuration is a single YAML or JSON document supplied via one of three
// sources: a file (--config-file), an environment variable holding the whole
// document (--config-env-var), or an inline string (--config-string). A .env
// file in the working directory is loaded first so containerised deployments
// can inject the document through the environment.
//
// Validation happens once at startup; the process exits non-zero with a
// diagnostic on any violation. After Load succeeds the Config is treated as an
// immutable snapshot — components hold typed accessors, never raw paths.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 80.
	Port int `mapstructure:"port"`

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string `mapstructure:"log_level"`

	// FixedClient attributes every request to the named client, regardless of
	// headers. Used when a dedicated proxy instance serves a single client,
	// e.g. behind Entra ID auth where the proxy cannot inspect the token.
	FixedClient string `mapstructure:"fixed_client"`

	// Clients is the proxy-internal identity table.
	Clients []Client `mapstructure:"clients"`

	// Plugins is the ordered plugin list. Order is event-delivery order.
	Plugins []PluginConfig `mapstructure:"plugins"`

	// AOAI holds the Azure OpenAI backend configuration.
	AOAI AOAI `mapstructure:"aoai"`
}

// Client describes one proxy-internal identity.
type Client struct {
	// Name uniquely identifies the client.
	Name string `mapstructure:"name"`

	// Key is the proxy-specific API key presented in the api-key header.
	// Optional; a client without a key can only be matched via Entra ID auth
	// or fixed_client.
	Key string `mapstructure:"key"`

	// UsesEntraIDAuth marks the single client that AAD-authenticated requests
	// resolve to. At most one client may set this.
	UsesEntraIDAuth bool `mapstructure:"uses_entra_id_auth"`

	// DeploymentsAllowed is either a list of deployment names or a single
	// comma-separated string. Consumed by the AllowDeployments plugin.
	DeploymentsAllowed any `mapstructure:"deployments_allowed"`

	// MaxTokensPerMinuteInK is the per-minute token budget in thousands.
	// Required when the LimitUsage plugin is enabled.
	MaxTokensPerMinuteInK *float64 `mapstructure:"max_tokens_per_minute_in_k"`
}

// AllowedDeployments normalises DeploymentsAllowed to a trimmed string slice.
// The second return value reports whether the setting is present at all.
func (c *Client) AllowedDeployments() ([]string, bool) {
	switch v := c.DeploymentsAllowed.(type) {
	case nil:
		return nil, false
	case string:
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		return out, true
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, strings.TrimSpace(fmt.Sprint(item)))
		}
		return out, true
	default:
		return nil, false
	}
}

// PluginConfig is one entry of the plugins list. Name selects the plugin;
// the remaining keys are plugin-specific and interpreted by the plugin itself.
type PluginConfig struct {
	Name     string         `mapstructure:"name"`
	Settings map[string]any `mapstructure:",remain"`
}

// String returns the string-typed setting for key, or "" when absent.
func (p *PluginConfig) String(key string) string {
	if v, ok := p.Settings[key]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

// AOAI holds the backend endpoint configuration.
type AOAI struct {
	Endpoints []Endpoint `mapstructure:"endpoints"`

	// MockResponse, when set, replaces all endpoints with a single synthetic
	// target returning the given JSON body. Used for load testing the proxy
	// itself without an AOAI deployment.
	MockResponse *MockResponse `mapstructure:"mock_response"`
}

// Endpoint is one Azure OpenAI resource.
type Endpoint struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`

	// Key is the real backend key. Optional: when absent, the proxy forwards
	// the caller's Authorization header instead of an api-key header.
	Key string `mapstructure:"key"`

	// NonStreamingFraction is the probability (0..1) that this endpoint
	// accepts a non-streaming request. Absent means 1.
	NonStreamingFraction *float64 `mapstructure:"non_streaming_fraction"`

	VirtualDeployments []VirtualDeployment `mapstructure:"virtual_deployments"`
}

// VirtualDeployment maps a caller-visible deployment name to one or more real
// deployments ("standins") on the endpoint.
type VirtualDeployment struct {
	Name     string    `mapstructure:"name"`
	Standins []Standin `mapstructure:"standins"`
}

// Standin is one real deployment behind a virtual deployment.
type Standin struct {
	Name                 string   `mapstructure:"name"`
	NonStreamingFraction *float64 `mapstructure:"non_streaming_fraction"`
}

// MockResponse configures the synthetic dispatch target.
type MockResponse struct {
	JSON                 map[string]any `mapstructure:"json"`
	MsToWaitBeforeReturn int            `mapstructure:"ms_to_wait_before_return"`
}

// LoadFile reads and validates configuration from a YAML or JSON file.
func LoadFile(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	return parse(data, format)
}

// LoadEnvVar reads the full configuration document from the named environment
// variable.
func LoadEnvVar(name string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return nil, fmt.Errorf("config: environment variable %s is not set", name)
	}
	return parse([]byte(raw), "yaml")
}

// LoadString parses an inline configuration document. YAML is a superset of
// JSON, so both formats are accepted.
func LoadString(doc string) (*Config, error) {
	return parse([]byte(doc), "yaml")
}

func parse(data []byte, format string) (*Config, error) {
	v := viper.New()
	v.SetConfigType(format)

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	v.SetDefault("port", 80)
	v.SetDefault("log_level", "info")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}

	if len(c.Clients) == 0 {
		return errors.New("config: at least one client must be configured")
	}

	names := make(map[string]bool, len(c.Clients))
	keys := make(map[string]string, len(c.Clients))
	entraClients := 0
	for i, cl := range c.Clients {
		if cl.Name == "" {
			return fmt.Errorf("config: clients[%d] misses a name", i)
		}
		if names[cl.Name] {
			return fmt.Errorf("config: duplicate client name %q", cl.Name)
		}
		names[cl.Name] = true
		if cl.Key != "" {
			if other, dup := keys[cl.Key]; dup {
				return fmt.Errorf("config: clients %q and %q share the same key; keys must be globally unique", other, cl.Name)
			}
			keys[cl.Key] = cl.Name
		}
		if cl.UsesEntraIDAuth {
			entraClients++
		}
	}
	if entraClients > 1 {
		return errors.New("config: at most one client may set uses_entra_id_auth")
	}

	if c.AOAI.MockResponse == nil && len(c.AOAI.Endpoints) == 0 {
		return errors.New("config: aoai.endpoints must not be empty (or set aoai.mock_response)")
	}
	if c.AOAI.MockResponse != nil && c.AOAI.MockResponse.JSON == nil {
		return errors.New("config: aoai.mock_response misses a json body")
	}

	for i, ep := range c.AOAI.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("config: aoai.endpoints[%d] misses a name", i)
		}
		if ep.URL == "" {
			return fmt.Errorf("config: aoai.endpoint %q misses a url", ep.Name)
		}
		if err := validFraction(ep.NonStreamingFraction); err != nil {
			return fmt.Errorf("config: aoai.endpoint %q: %w", ep.Name, err)
		}
		for _, vd := range ep.VirtualDeployments {
			if vd.Name == "" {
				return fmt.Errorf("config: aoai.endpoint %q has a virtual deployment without a name", ep.Name)
			}
			if len(vd.Standins) == 0 {
				return fmt.Errorf("config: virtual deployment %q on endpoint %q has no standins", vd.Name, ep.Name)
			}
			for _, st := range vd.Standins {
				if st.Name == "" {
					return fmt.Errorf("config: virtual deployment %q on endpoint %q has a standin without a name", vd.Name, ep.Name)
				}
				if err := validFraction(st.NonStreamingFraction); err != nil {
					return fmt.Errorf("config: standin %q of virtual deployment %q: %w", st.Name, vd.Name, err)
				}
			}
			// The last standin must accept every non-streaming request so the
			// dispatcher cannot run out of candidates by chance alone.
			last := vd.Standins[len(vd.Standins)-1]
			if last.NonStreamingFraction != nil && *last.NonStreamingFraction != 1 {
				return fmt.Errorf(
					"config: the last standin %q of virtual deployment %q must have a non_streaming_fraction of 1 (or none)",
					last.Name, vd.Name)
			}
		}
	}

	// Same rule for the last flat endpoint.
	if n := len(c.AOAI.Endpoints); n > 0 {
		last := c.AOAI.Endpoints[n-1]
		if len(last.VirtualDeployments) == 0 &&
			last.NonStreamingFraction != nil && *last.NonStreamingFraction != 1 {
			return fmt.Errorf(
				"config: the last aoai endpoint %q must have a non_streaming_fraction of 1 (or none)",
				last.Name)
		}
	}

	return nil
}

func validFraction(f *float64) error {
	if f != nil && (*f < 0 || *f > 1) {
		return fmt.Errorf("non_streaming_fraction %v is outside [0, 1]", *f)
	}
	return nil
}

// ── Typed accessors (ConfigView) ─────────────────────────────────────────────

// ClientByKey returns the client whose proxy key equals key.
func (c *Config) ClientByKey(key string) (*Client, bool) {
	for i := range c.Clients {
		if c.Clients[i].Key != "" && c.Clients[i].Key == key {
			return &c.Clients[i], true
		}
	}
	return nil, false
}

// ClientByName returns the client with the given name.
func (c *Config) ClientByName(name string) (*Client, bool) {
	for i := range c.Clients {
		if c.Clients[i].Name == name {
			return &c.Clients[i], true
		}
	}
	return nil, false
}

// EntraIDClient returns the name of the client designated for AAD-authenticated
// requests, if one is declared.
func (c *Config) EntraIDClient() (string, bool) {
	for i := range c.Clients {
		if c.Clients[i].UsesEntraIDAuth {
			return c.Clients[i].Name, true
		}
	}
	return "", false
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
