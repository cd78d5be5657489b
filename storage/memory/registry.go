package memory

import (
	"context"
	"slices"

	"github.com/giantswarm/oidc-engine/storage"
)

// Registry is a read-only ClientStore and ResourceStore over a fixed configuration.
type Registry struct {
	clients   map[string]*storage.Client
	resources storage.Resources
}

var (
	_ storage.ClientStore   = (*Registry)(nil)
	_ storage.ResourceStore = (*Registry)(nil)
)

// NewRegistry creates a registry. A nil resources value yields an empty resource set.
func NewRegistry(clients []*storage.Client, resources *storage.Resources) *Registry {
	r := &Registry{clients: make(map[string]*storage.Client, len(clients))}
	for _, c := range clients {
		r.clients[c.ClientID] = c
	}
	if resources != nil {
		r.resources = *resources
	}
	return r
}

// FindClientByID returns the client, enabled or not, or storage.ErrNotFound
func (r *Registry) FindClientByID(_ context.Context, clientID string) (*storage.Client, error) {
	c, ok := r.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c, nil
}

// FindEnabledResourcesByScope returns the enabled resources related to scopeNames
func (r *Registry) FindEnabledResourcesByScope(_ context.Context, scopeNames []string) (*storage.Resources, error) {
	out := &storage.Resources{}
	for _, ir := range r.resources.IdentityResources {
		if ir.Enabled && slices.Contains(scopeNames, ir.Name) {
			out.IdentityResources = append(out.IdentityResources, ir)
		}
	}
	for _, s := range r.resources.APIScopes {
		if s.Enabled && slices.Contains(scopeNames, s.Name) {
			out.APIScopes = append(out.APIScopes, s)
		}
	}
	for _, api := range r.resources.APIResources {
		if !api.Enabled {
			continue
		}
		if slices.ContainsFunc(api.Scopes, func(s string) bool { return slices.Contains(scopeNames, s) }) {
			out.APIResources = append(out.APIResources, api)
		}
	}
	return out, nil
}

// FindAPIResourcesByName returns the API resources with the given names
func (r *Registry) FindAPIResourcesByName(_ context.Context, names []string) ([]*storage.APIResource, error) {
	var out []*storage.APIResource
	for _, api := range r.resources.APIResources {
		if slices.Contains(names, api.Name) {
			out = append(out, api)
		}
	}
	return out, nil
}
