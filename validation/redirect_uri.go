package validation

import (
	"context"
	"net"
	"net/url"
	"slices"

	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/storage"
)

// RedirectURIValidator decides whether a redirect URI may be used with a client.
type RedirectURIValidator interface {
	IsRedirectURIValid(ctx context.Context, redirectURI string, client *storage.Client) (bool, error)
	IsPostLogoutRedirectURIValid(ctx context.Context, redirectURI string, client *storage.Client) (bool, error)
}

// StrictRedirectURIValidator accepts only exact matches of registered URIs.
type StrictRedirectURIValidator struct{}

var _ RedirectURIValidator = StrictRedirectURIValidator{}

// IsRedirectURIValid reports whether redirectURI is registered for the client.
func (StrictRedirectURIValidator) IsRedirectURIValid(_ context.Context, redirectURI string, client *storage.Client) (bool, error) {
	return slices.Contains(client.RedirectURIs, redirectURI), nil
}

// IsPostLogoutRedirectURIValid reports whether redirectURI is a registered post-logout URI.
func (StrictRedirectURIValidator) IsPostLogoutRedirectURIValid(_ context.Context, redirectURI string, client *storage.Client) (bool, error) {
	return slices.Contains(client.PostLogoutRedirectURIs, redirectURI), nil
}

// LoopbackRedirectURIValidator extends strict matching for native clients (RFC 8252
// section 7.3): an http URI on a loopback IP literal matches a registered loopback URI
// with any port.
type LoopbackRedirectURIValidator struct {
	StrictRedirectURIValidator
}

var _ RedirectURIValidator = LoopbackRedirectURIValidator{}

// IsRedirectURIValid accepts exact matches and loopback URIs that differ only in port.
func (v LoopbackRedirectURIValidator) IsRedirectURIValid(ctx context.Context, redirectURI string, client *storage.Client) (bool, error) {
	if ok, err := v.StrictRedirectURIValidator.IsRedirectURIValid(ctx, redirectURI, client); ok || err != nil {
		return ok, err
	}
	requested, ok := loopbackURI(redirectURI)
	if !ok {
		return false, nil
	}
	for _, registered := range client.RedirectURIs {
		r, ok := loopbackURI(registered)
		if !ok {
			continue
		}
		if r.Hostname() == requested.Hostname() && r.Path == requested.Path && r.RawQuery == requested.RawQuery {
			return true, nil
		}
	}
	return false, nil
}

// loopbackURI parses raw and reports whether it is http on a loopback IP literal.
// localhost is not accepted since it may resolve elsewhere.
func loopbackURI(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "http" || u.Fragment != "" {
		return nil, false
	}
	host := u.Hostname()
	if net.ParseIP(host) == nil || !util.IsLoopbackHostname(host) {
		return nil, false
	}
	return u, true
}
