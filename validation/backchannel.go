package validation

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
)

// maxRequestedExpiryLength bounds requested_expiry before it is parsed
const maxRequestedExpiryLength = 9

// BackchannelAuthenticationRequest is a validated CIBA authentication request.
type BackchannelAuthenticationRequest struct {
	Raw    url.Values
	Client *storage.Client
	Secret *ParsedSecret

	RequestedScopes             []string
	RequestedResourceIndicators []string
	ValidatedResources          *ValidatedResources

	AuthenticationContextReferences []string
	IdP                             string
	Tenant                          string

	LoginHint      string
	LoginHintToken string
	IDTokenHint    string

	// IDTokenHintClaims is set when the user was identified by id_token_hint
	IDTokenHintClaims *ValidatedToken

	BindingMessage string
	UserCode       string

	// RequestedExpiry is zero when the client did not ask for one
	RequestedExpiry time.Duration

	// Subject is the user the hints resolved to
	Subject *storage.Subject
}

// Lifetime returns the requested expiry, or the client or default CIBA lifetime.
func (r *BackchannelAuthenticationRequest) Lifetime(defaultLifetime time.Duration) time.Duration {
	if r.RequestedExpiry > 0 {
		return r.RequestedExpiry
	}
	return cibaLifetime(r.Client, defaultLifetime)
}

func cibaLifetime(client *storage.Client, defaultLifetime time.Duration) time.Duration {
	if client != nil && client.CIBALifetime != nil {
		return *client.CIBALifetime
	}
	return defaultLifetime
}

// BackchannelUserResult is the outcome of resolving the user of a backchannel request.
type BackchannelUserResult struct {
	Subject          *storage.Subject
	Error            string
	ErrorDescription string
}

// BackchannelUserValidator resolves the hints of a backchannel request to a user.
// Hosts implement it against their user directory.
type BackchannelUserValidator interface {
	ValidateRequest(ctx context.Context, req *BackchannelAuthenticationRequest) (*BackchannelUserResult, error)
}

// BackchannelAuthenticationRequestValidatorConfig configures the validator.
type BackchannelAuthenticationRequestValidatorConfig struct {
	Options Options

	Resources ResourceValidator
	Tokens    *TokenValidator
	Users     BackchannelUserValidator

	Auditor *security.Auditor
}

// BackchannelAuthenticationRequestValidator validates requests at the backchannel
// authentication endpoint of authenticated clients.
type BackchannelAuthenticationRequestValidator struct {
	opts      Options
	resources ResourceValidator
	tokens    *TokenValidator
	users     BackchannelUserValidator
	auditor   *security.Auditor
	logger    *slog.Logger
	telemetry telemetry
}

// NewBackchannelAuthenticationRequestValidator creates the validator. Without a user
// validator every request fails with unknown_user_id.
func NewBackchannelAuthenticationRequestValidator(cfg BackchannelAuthenticationRequestValidatorConfig) *BackchannelAuthenticationRequestValidator {
	opts := cfg.Options.withDefaults()
	return &BackchannelAuthenticationRequestValidator{
		opts:      opts,
		resources: cfg.Resources,
		tokens:    cfg.Tokens,
		users:     cfg.Users,
		auditor:   cfg.Auditor,
		logger:    opts.Logger,
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for validation spans
func (v *BackchannelAuthenticationRequestValidator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	v.telemetry.set(inst)
}

// Validate validates raw for the authenticated client.
func (v *BackchannelAuthenticationRequestValidator) Validate(ctx context.Context, raw url.Values, auth *ClientAuthentication) (*Result[BackchannelAuthenticationRequest], error) {
	req := BackchannelAuthenticationRequest{
		Raw:    cloneValues(raw),
		Client: auth.Client,
		Secret: auth.Secret,
	}

	ctx, span := v.telemetry.startSpan(ctx, "validation.backchannel_authentication",
		attribute.String(instrumentation.AttrClientID, req.Client.ClientID))
	defer span.End()

	state, perr, err := runPipeline(ctx, req,
		v.validateClient,
		v.validateScopes,
		v.validateHints,
		v.validateOptionalParameters,
		v.validateUser,
	)
	finishSpan(span, perr, err)
	if err != nil {
		return nil, err
	}
	if perr != nil {
		v.logger.Warn("Backchannel authentication request validation failed",
			"client_id", state.Client.ClientID,
			"error", perr.Code,
			"error_description", perr.Description)
		v.auditor.LogValidationFailure(ctx, "backchannel_authentication", state.Client.ClientID, perr.Code, perr.Description)
		return invalid(state, perr), nil
	}
	return valid(state), nil
}

func (v *BackchannelAuthenticationRequestValidator) validateClient(_ context.Context, req BackchannelAuthenticationRequest) (BackchannelAuthenticationRequest, *Error, error) {
	if !req.Client.HasGrantType(storage.GrantTypeCIBA) {
		return req, newError(ErrorUnauthorizedClient, "Unauthorized client"), nil
	}
	return req, nil, nil
}

func (v *BackchannelAuthenticationRequestValidator) validateScopes(ctx context.Context, req BackchannelAuthenticationRequest) (BackchannelAuthenticationRequest, *Error, error) {
	scope := req.Raw.Get(ParamScope)
	if scope == "" {
		return req, newError(ErrorInvalidRequest, "Missing scope"), nil
	}
	if tooLong(scope, v.opts.InputLengthRestrictions.Scope) {
		return req, newError(ErrorInvalidRequest, "scopes too long"), nil
	}
	scopes := util.ParseSpaceDelimited(scope)
	if !slices.Contains(scopes, ScopeOpenID) {
		return req, newError(ErrorInvalidRequest, "Missing the openid scope"), nil
	}
	req.RequestedScopes = scopes

	indicators, perr := parseResourceIndicators(req.Raw[ParamResource], v.opts.InputLengthRestrictions.ResourceIndicatorMaxLength)
	if perr != nil {
		return req, perr, nil
	}
	req.RequestedResourceIndicators = indicators

	resources, err := v.resources.ValidateRequestedResources(ctx, req.Client, scopes, indicators)
	if err != nil {
		return req, nil, err
	}
	if perr := checkValidatedResources(resources); perr != nil {
		return req, perr, nil
	}
	req.ValidatedResources = resources
	return req, nil, nil
}

// validateHints requires exactly one of login_hint, login_hint_token and id_token_hint.
func (v *BackchannelAuthenticationRequestValidator) validateHints(ctx context.Context, req BackchannelAuthenticationRequest) (BackchannelAuthenticationRequest, *Error, error) {
	limits := v.opts.InputLengthRestrictions
	req.LoginHint = req.Raw.Get(ParamLoginHint)
	req.LoginHintToken = req.Raw.Get(ParamLoginHintToken)
	req.IDTokenHint = req.Raw.Get(ParamIDTokenHint)

	hints := 0
	for _, hint := range []string{req.LoginHint, req.LoginHintToken, req.IDTokenHint} {
		if hint != "" {
			hints++
		}
	}
	if hints != 1 {
		return req, newError(ErrorInvalidRequest, "Exactly one hint is required"), nil
	}

	switch {
	case req.LoginHint != "":
		if tooLong(req.LoginHint, limits.LoginHint) {
			return req, newError(ErrorInvalidRequest, "Login hint too long"), nil
		}
	case req.LoginHintToken != "":
		if tooLong(req.LoginHintToken, limits.LoginHintToken) {
			return req, newError(ErrorInvalidRequest, "Login hint token too long"), nil
		}
	default:
		if tooLong(req.IDTokenHint, limits.IdTokenHint) {
			return req, newError(ErrorInvalidRequest, "id_token_hint too long"), nil
		}
		if v.tokens == nil {
			return req, newError(ErrorInvalidRequest, "Invalid id_token_hint"), nil
		}
		result, err := v.tokens.ValidateIdentityToken(ctx, req.IDTokenHint, req.Client.ClientID, false)
		if err != nil {
			return req, nil, err
		}
		if result.IsError() {
			return req, newError(ErrorInvalidRequest, "Invalid id_token_hint"), nil
		}
		req.IDTokenHintClaims = result.Request
	}
	return req, nil, nil
}

func (v *BackchannelAuthenticationRequestValidator) validateOptionalParameters(_ context.Context, req BackchannelAuthenticationRequest) (BackchannelAuthenticationRequest, *Error, error) {
	limits := v.opts.InputLengthRestrictions

	if acr := req.Raw.Get(ParamACRValues); acr != "" {
		if tooLong(acr, limits.AcrValues) {
			return req, newError(ErrorInvalidRequest, "Acr values too long"), nil
		}
		req.AuthenticationContextReferences, req.IdP, req.Tenant = splitAcrValues(acr)
	}

	if message := req.Raw.Get(ParamBindingMessage); message != "" {
		if tooLong(message, limits.BindingMessage) {
			return req, newError(ErrorInvalidBindingMessage, "Binding message too long"), nil
		}
		req.BindingMessage = message
	}

	if code := req.Raw.Get(ParamUserCode); code != "" {
		if tooLong(code, limits.UserCode) {
			return req, newError(ErrorInvalidRequest, "User code too long"), nil
		}
		req.UserCode = code
	}

	if raw := req.Raw.Get(ParamRequestedExpiry); raw != "" {
		expiry, perr := parseRequestedExpiry(raw, cibaLifetime(req.Client, v.opts.CIBADefaultLifetime))
		if perr != nil {
			return req, perr, nil
		}
		req.RequestedExpiry = expiry
	}
	return req, nil, nil
}

// parseRequestedExpiry parses requested_expiry in seconds. It must be positive and
// not exceed the lifetime configured for the client.
func parseRequestedExpiry(raw string, lifetime time.Duration) (time.Duration, *Error) {
	if len(raw) > maxRequestedExpiryLength {
		return 0, newError(ErrorInvalidRequest, "Invalid requested_expiry")
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0, newError(ErrorInvalidRequest, "Invalid requested_expiry")
	}
	expiry := time.Duration(seconds) * time.Second
	if expiry > lifetime {
		return 0, newError(ErrorInvalidRequest, "requested_expiry exceeds the allowed lifetime")
	}
	return expiry, nil
}

func (v *BackchannelAuthenticationRequestValidator) validateUser(ctx context.Context, req BackchannelAuthenticationRequest) (BackchannelAuthenticationRequest, *Error, error) {
	if v.users == nil {
		return req, newError(ErrorUnknownUserID, ""), nil
	}
	result, err := v.users.ValidateRequest(ctx, &req)
	if err != nil {
		return req, nil, fmt.Errorf("failed to resolve backchannel user: %w", err)
	}
	if result == nil {
		return req, newError(ErrorUnknownUserID, ""), nil
	}
	if result.Error != "" {
		return req, newError(result.Error, result.ErrorDescription), nil
	}
	if result.Subject.SubjectID() == "" {
		return req, newError(ErrorUnknownUserID, ""), nil
	}
	req.Subject = result.Subject
	return req, nil, nil
}
