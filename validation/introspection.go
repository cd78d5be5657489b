package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
)

// APISecretValidator authenticates API resources calling the introspection endpoint
// with their name and a shared secret.
type APISecretValidator struct {
	resources storage.ResourceStore
	auditor   *security.Auditor
	logger    *slog.Logger
	opts      Options
}

// NewAPISecretValidator creates the validator.
func NewAPISecretValidator(resources storage.ResourceStore, opts Options, auditor *security.Auditor) *APISecretValidator {
	opts = opts.withDefaults()
	return &APISecretValidator{
		resources: resources,
		auditor:   auditor,
		logger:    opts.Logger,
		opts:      opts,
	}
}

// Validate returns the API resource named by secret when the secret matches one of
// its current shared secrets.
func (v *APISecretValidator) Validate(ctx context.Context, secret *ParsedSecret, ipAddress string) (*Result[storage.APIResource], error) {
	fail := func(name string) *Result[storage.APIResource] {
		v.logger.Warn("API authentication failed", "api", name)
		v.auditor.LogClientAuthenticationFailed(ctx, name, AuthMethodClientSecretBasic, ipAddress)
		return invalid(storage.APIResource{Name: name}, newError(ErrorInvalidClient, ""))
	}
	if secret == nil || secret.ClientID == "" || secret.Credential == "" {
		return fail(""), nil
	}

	apis, err := v.resources.FindAPIResourcesByName(ctx, []string{secret.ClientID})
	if err != nil {
		return nil, fmt.Errorf("failed to load API resource: %w", err)
	}
	now := v.opts.Now()
	for _, api := range apis {
		if api.Name != secret.ClientID || !api.Enabled {
			continue
		}
		var shared []storage.Secret
		for _, s := range api.Secrets {
			if s.Type == storage.SecretTypeSharedSecret && !s.HasExpired(now) {
				shared = append(shared, s)
			}
		}
		if matchSharedSecret(shared, secret.Credential) {
			return valid(*api), nil
		}
	}
	return fail(secret.ClientID), nil
}

// IntrospectionRequest is a validated introspection request. A request for an unknown,
// expired or foreign token is valid but inactive.
type IntrospectionRequest struct {
	Raw           url.Values
	Token         string
	TokenTypeHint string

	// exactly one of API and Client is the authenticated caller
	API    *storage.APIResource
	Client *storage.Client

	IsActive bool

	// AccessToken is set for an active access token
	AccessToken *ValidatedToken

	// RefreshToken is set for an active refresh token
	RefreshToken *grants.RefreshToken
}

// IntrospectionRequestValidatorConfig configures IntrospectionRequestValidator.
type IntrospectionRequestValidatorConfig struct {
	Options Options

	Tokens        *TokenValidator
	RefreshTokens *grants.RefreshTokenStore

	Auditor *security.Auditor
}

// IntrospectionRequestValidator validates introspection requests.
type IntrospectionRequestValidator struct {
	opts          Options
	tokens        *TokenValidator
	refreshTokens *grants.RefreshTokenStore
	auditor       *security.Auditor
	logger        *slog.Logger
	telemetry     telemetry
}

// NewIntrospectionRequestValidator creates the validator.
func NewIntrospectionRequestValidator(cfg IntrospectionRequestValidatorConfig) *IntrospectionRequestValidator {
	opts := cfg.Options.withDefaults()
	return &IntrospectionRequestValidator{
		opts:          opts,
		tokens:        cfg.Tokens,
		refreshTokens: cfg.RefreshTokens,
		auditor:       cfg.Auditor,
		logger:        opts.Logger,
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for validation spans
func (v *IntrospectionRequestValidator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	v.telemetry.set(inst)
}

// Validate validates raw for an authenticated API or client; one of api and client
// must be non-nil.
func (v *IntrospectionRequestValidator) Validate(ctx context.Context, raw url.Values, api *storage.APIResource, client *storage.Client) (*Result[IntrospectionRequest], error) {
	req := IntrospectionRequest{
		Raw:           cloneValues(raw),
		Token:         raw.Get(ParamToken),
		TokenTypeHint: raw.Get(ParamTokenTypeHint),
		API:           api,
		Client:        client,
	}
	caller := req.callerName()

	ctx, span := v.telemetry.startSpan(ctx, "validation.introspection",
		attribute.String(instrumentation.AttrClientID, caller))
	defer span.End()

	if api == nil && client == nil {
		return nil, errors.New("introspection caller is not authenticated")
	}
	if req.Token == "" {
		perr := newError(ErrorInvalidRequest, "Missing token")
		finishSpan(span, perr, nil)
		v.logger.Warn("Introspection request validation failed", "caller", caller, "error", perr.Code)
		v.auditor.LogValidationFailure(ctx, "introspection", caller, perr.Code, perr.Description)
		return invalid(req, perr), nil
	}

	lookups := []func(context.Context, *IntrospectionRequest) (bool, error){v.introspectAccessToken, v.introspectRefreshToken}
	if req.TokenTypeHint == TokenTypeHintRefreshToken {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}
	for _, lookup := range lookups {
		active, err := lookup(ctx, &req)
		if err != nil {
			finishSpan(span, nil, err)
			return nil, err
		}
		if active {
			req.IsActive = true
			break
		}
	}
	finishSpan(span, nil, nil)
	return valid(req), nil
}

func (r *IntrospectionRequest) callerName() string {
	if r.API != nil {
		return r.API.Name
	}
	if r.Client != nil {
		return r.Client.ClientID
	}
	return ""
}

func (v *IntrospectionRequestValidator) introspectAccessToken(ctx context.Context, req *IntrospectionRequest) (bool, error) {
	if v.tokens == nil {
		return false, nil
	}
	result, err := v.tokens.ValidateAccessToken(ctx, req.Token)
	if err != nil {
		return false, err
	}
	if result.IsError() {
		return false, nil
	}
	token := result.Request

	switch {
	case req.API != nil:
		if !containsAny(req.API.Scopes, token.Scopes) {
			v.logger.Debug("API introspected a token without any of its scopes", "api", req.API.Name)
			return false, nil
		}
	case token.ClientID != req.Client.ClientID:
		v.logger.Debug("Client introspected a token issued to another client",
			"client_id", req.Client.ClientID,
			"token_client_id", token.ClientID)
		return false, nil
	}
	req.AccessToken = token
	return true, nil
}

// introspectRefreshToken resolves refresh tokens for the client they were issued to.
// APIs never see refresh tokens.
func (v *IntrospectionRequestValidator) introspectRefreshToken(ctx context.Context, req *IntrospectionRequest) (bool, error) {
	if v.refreshTokens == nil || req.Client == nil || tooLong(req.Token, v.opts.InputLengthRestrictions.RefreshToken) {
		return false, nil
	}
	token, err := v.refreshTokens.GetRefreshToken(ctx, req.Token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if token.ConsumedTime != nil || token.HasExpired(v.opts.Now()) {
		return false, nil
	}
	if token.ClientID != req.Client.ClientID {
		v.logger.Debug("Client introspected a refresh token issued to another client",
			"client_id", req.Client.ClientID,
			"handle", util.SafeTruncate(req.Token, 8))
		return false, nil
	}
	req.RefreshToken = token
	return true, nil
}
