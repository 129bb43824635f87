package plugins

import (
	"slices"

	"github.com/valyala/fasthttp"

	"github.com/powerproxy/powerproxy-aoai/internal/config"
	"github.com/powerproxy/powerproxy-aoai/internal/proxy"
	"github.com/powerproxy/powerproxy-aoai/pkg/apierr"
)

// AllowDeployments restricts each client to the deployments listed in its
// deployments_allowed setting. The check runs once per request, right after
// client identification and before any backend is contacted.
//
// A client without the setting is denied outright: enabling the plugin turns
// the deployment list into a required part of every client's configuration.
type AllowDeployments struct {
	proxy.NopPlugin
	cfg *config.Config
}

// NewAllowDeployments creates the plugin over the client table in cfg.
func NewAllowDeployments(cfg *config.Config) *AllowDeployments {
	return &AllowDeployments{cfg: cfg}
}

func (p *AllowDeployments) Name() string { return "AllowDeployments" }

func (p *AllowDeployments) OnClientIdentified(slip *proxy.RoutingSlip) error {
	var allowed []string
	present := false
	if client, ok := p.cfg.ClientByName(slip.Client); ok {
		allowed, present = client.AllowedDeployments()
	}
	if !present {
		return apierr.JSON(fasthttp.StatusInternalServerError, map[string]string{
			"error": "Configuration for client '" + slip.Client + "' misses a valid " +
				"'deployments_allowed' setting. This needs to be set when the " +
				"AllowDeployments plugin is enabled.",
		})
	}

	if !slices.Contains(allowed, slip.VirtualDeployment) || slip.VirtualDeployment == "" {
		return apierr.JSON(fasthttp.StatusUnauthorized, map[string]string{
			"error": "Access to requested deployment '" + slip.VirtualDeployment + "' is denied. " +
				"The PowerProxy configuration for client '" + slip.Client + "' misses a " +
				"'deployments_allowed' setting which includes that deployment. This needs " +
				"to be set when the AllowDeployments plugin is enabled.",
		})
	}

	return nil
}
