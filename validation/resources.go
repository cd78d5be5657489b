package validation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/giantswarm/oidc-engine/storage"
)

// ValidatedResources is the outcome of resolving requested scopes and resource indicators.
type ValidatedResources struct {
	// Resources holds the identity resources, API scopes and API resources the client may use
	Resources storage.Resources

	// OfflineAccess is set when offline_access was requested and is allowed
	OfflineAccess bool

	// Scopes are the accepted scope values
	Scopes []string

	// ResourceIndicators are the accepted resource indicators
	ResourceIndicators []string

	InvalidScopes             []string
	InvalidResourceIndicators []string
}

// Succeeded reports whether every scope and resource indicator was accepted.
func (r *ValidatedResources) Succeeded() bool {
	return len(r.InvalidScopes) == 0 && len(r.InvalidResourceIndicators) == 0
}

// IdentityScopes returns the accepted identity scope names.
func (r *ValidatedResources) IdentityScopes() []string {
	var out []string
	for _, ir := range r.Resources.IdentityResources {
		out = append(out, ir.Name)
	}
	return out
}

// APIScopes returns the accepted API scope names.
func (r *ValidatedResources) APIScopes() []string {
	var out []string
	for _, s := range r.Resources.APIScopes {
		out = append(out, s.Name)
	}
	return out
}

// APIResourceNames returns the names of the API resources that become token audiences.
func (r *ValidatedResources) APIResourceNames() []string {
	var out []string
	for _, api := range r.Resources.APIResources {
		out = append(out, api.Name)
	}
	return out
}

// FilterByResourceIndicator narrows the result to a single API resource. An empty
// indicator keeps every API resource that does not require an explicit indicator.
func (r *ValidatedResources) FilterByResourceIndicator(indicator string) *ValidatedResources {
	out := &ValidatedResources{
		OfflineAccess:      r.OfflineAccess,
		ResourceIndicators: slices.Clone(r.ResourceIndicators),
	}
	out.Resources.IdentityResources = slices.Clone(r.Resources.IdentityResources)

	var exposed []string
	for _, api := range r.Resources.APIResources {
		keep := indicator == api.Name || (indicator == "" && !api.RequireResourceIndicator)
		if keep {
			out.Resources.APIResources = append(out.Resources.APIResources, api)
			exposed = append(exposed, api.Scopes...)
		}
	}
	for _, s := range r.Resources.APIScopes {
		if indicator == "" || slices.Contains(exposed, s.Name) {
			out.Resources.APIScopes = append(out.Resources.APIScopes, s)
		}
	}

	out.Scopes = append(out.IdentityScopes(), out.APIScopes()...)
	if out.OfflineAccess {
		out.Scopes = append(out.Scopes, ScopeOfflineAccess)
	}
	slices.Sort(out.Scopes)
	return out
}

// ResourceValidator resolves requested scopes and resource indicators for a client.
type ResourceValidator interface {
	ValidateRequestedResources(ctx context.Context, client *storage.Client, scopes, resourceIndicators []string) (*ValidatedResources, error)
}

// DefaultResourceValidator resolves scopes against a ResourceStore.
type DefaultResourceValidator struct {
	store  storage.ResourceStore
	logger *slog.Logger
}

var _ ResourceValidator = (*DefaultResourceValidator)(nil)

// NewDefaultResourceValidator creates the validator.
func NewDefaultResourceValidator(store storage.ResourceStore, logger *slog.Logger) *DefaultResourceValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultResourceValidator{store: store, logger: logger}
}

// ValidateRequestedResources accepts a scope when it names an enabled identity resource
// or API scope the client is allowed, or offline_access for clients allowing it. API
// resources that require an indicator only become audiences when requested. Each
// indicator must name an API resource that exposes an accepted scope.
func (v *DefaultResourceValidator) ValidateRequestedResources(ctx context.Context, client *storage.Client, scopes, resourceIndicators []string) (*ValidatedResources, error) {
	found, err := v.store.FindEnabledResourcesByScope(ctx, scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to load resources: %w", err)
	}

	out := &ValidatedResources{}
	var acceptedAPIScopes []string

	for _, scope := range scopes {
		if scope == ScopeOfflineAccess {
			if client.AllowOfflineAccess {
				out.OfflineAccess = true
				out.Scopes = append(out.Scopes, scope)
			} else {
				out.InvalidScopes = append(out.InvalidScopes, scope)
			}
			continue
		}

		identity := findIdentityResource(found.IdentityResources, scope)
		apiScope := findAPIScope(found.APIScopes, scope)
		switch {
		case identity == nil && apiScope == nil:
			v.logger.Debug("Scope not found", "scope", scope)
			out.InvalidScopes = append(out.InvalidScopes, scope)
		case !client.HasScope(scope):
			v.logger.Debug("Scope not allowed for client", "client_id", client.ClientID, "scope", scope)
			out.InvalidScopes = append(out.InvalidScopes, scope)
		default:
			if identity != nil {
				out.Resources.IdentityResources = append(out.Resources.IdentityResources, identity)
			}
			if apiScope != nil {
				out.Resources.APIScopes = append(out.Resources.APIScopes, apiScope)
				acceptedAPIScopes = append(acceptedAPIScopes, scope)
			}
			out.Scopes = append(out.Scopes, scope)
		}
	}

	for _, api := range found.APIResources {
		if !api.Enabled {
			continue
		}
		if api.RequireResourceIndicator && !slices.Contains(resourceIndicators, api.Name) {
			continue
		}
		if slices.ContainsFunc(api.Scopes, func(s string) bool { return slices.Contains(acceptedAPIScopes, s) }) {
			out.Resources.APIResources = append(out.Resources.APIResources, api)
		}
	}

	for _, indicator := range resourceIndicators {
		if slices.ContainsFunc(out.Resources.APIResources, func(api *storage.APIResource) bool { return api.Name == indicator }) {
			out.ResourceIndicators = append(out.ResourceIndicators, indicator)
			continue
		}
		v.logger.Debug("Resource indicator does not match a requested API", "resource", indicator)
		out.InvalidResourceIndicators = append(out.InvalidResourceIndicators, indicator)
	}

	return out, nil
}

func findIdentityResource(resources []*storage.IdentityResource, name string) *storage.IdentityResource {
	for _, r := range resources {
		if r.Enabled && r.Name == name {
			return r
		}
	}
	return nil
}

func findAPIScope(scopes []*storage.APIScope, name string) *storage.APIScope {
	for _, s := range scopes {
		if s.Enabled && s.Name == name {
			return s
		}
	}
	return nil
}
