package gateway

import (
	"fmt"

	"channelhub/internal/config"
	"channelhub/internal/core/domain"
	"channelhub/internal/core/ports"
)

var _ ports.ProviderRegistry = (*Registry)(nil)

// Registry holds one client per configured provider. Providers without
// credentials in the environment are absent, and Lookup reports them the same
// as unknown names.
type Registry struct {
	clients map[string]ports.ProviderClient
}

// NewRegistry builds clients for every provider with configured credentials.
func NewRegistry(cfg map[string]config.ProviderConfig) *Registry {
	r := &Registry{clients: make(map[string]ports.ProviderClient)}
	for name, pc := range cfg {
		switch name {
		case "slack":
			r.clients[name] = NewSlackClient(pc)
		case "facebook":
			r.clients[name] = NewFacebookClient(pc)
		case "salesforce":
			r.clients[name] = NewSalesforceClient(pc)
		case "hubspot":
			r.clients[name] = NewHubSpotClient(pc)
		}
	}
	return r
}

// Lookup returns the client for the provider key.
func (r *Registry) Lookup(name string) (ports.ProviderClient, error) {
	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q not configured", domain.ErrNotFound, name)
	}
	return client, nil
}

// Names lists the configured providers.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	return out
}
