package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/services"
	"github.com/giantswarm/oidc-engine/storage"
)

// TokenRequest is a validated token endpoint request.
type TokenRequest struct {
	Raw       url.Values
	Client    *storage.Client
	Secret    *ParsedSecret
	GrantType string

	// Subject is nil for client credentials
	Subject   *storage.Subject
	SessionID string

	RequestedScopes    []string
	ValidatedResources *ValidatedResources

	// RequestedResourceIndicator is the single resource the tokens are issued for
	RequestedResourceIndicator string

	AuthorizationCodeHandle string
	AuthorizationCode       *grants.AuthorizationCode
	CodeVerifier            string

	RefreshTokenHandle string
	RefreshToken       *grants.RefreshToken

	DeviceCodeHandle string
	DeviceCode       *grants.DeviceCode

	AuthenticationRequestID string
	BackChannelRequest      *grants.BackChannelAuthenticationRequest
}

// TokenRequestValidatorConfig configures TokenRequestValidator.
type TokenRequestValidatorConfig struct {
	Options Options

	Resources           ResourceValidator
	AuthorizationCodes  *grants.AuthorizationCodeStore
	RefreshTokens       services.RefreshTokenService
	DeviceCodes         *grants.DeviceCodeStore
	BackchannelRequests *grants.BackChannelAuthenticationRequestStore
	Throttle            *services.PollingThrottle

	Auditor *security.Auditor
}

// TokenRequestValidator validates token endpoint requests of authenticated clients.
type TokenRequestValidator struct {
	opts        Options
	resources   ResourceValidator
	codes       *grants.AuthorizationCodeStore
	refresh     services.RefreshTokenService
	devices     *grants.DeviceCodeStore
	backchannel *grants.BackChannelAuthenticationRequestStore
	throttle    *services.PollingThrottle
	auditor     *security.Auditor
	logger      *slog.Logger
	telemetry   telemetry
}

// NewTokenRequestValidator creates the validator. Grants whose store is nil are
// rejected as unsupported.
func NewTokenRequestValidator(cfg TokenRequestValidatorConfig) *TokenRequestValidator {
	opts := cfg.Options.withDefaults()
	return &TokenRequestValidator{
		opts:        opts,
		resources:   cfg.Resources,
		codes:       cfg.AuthorizationCodes,
		refresh:     cfg.RefreshTokens,
		devices:     cfg.DeviceCodes,
		backchannel: cfg.BackchannelRequests,
		throttle:    cfg.Throttle,
		auditor:     cfg.Auditor,
		logger:      opts.Logger,
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for validation spans and metrics
func (v *TokenRequestValidator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	v.telemetry.set(inst)
}

// Validate validates raw for the authenticated client.
func (v *TokenRequestValidator) Validate(ctx context.Context, raw url.Values, auth *ClientAuthentication) (*Result[TokenRequest], error) {
	req := TokenRequest{
		Raw:       cloneValues(raw),
		Client:    auth.Client,
		Secret:    auth.Secret,
		GrantType: raw.Get(ParamGrantType),
	}

	ctx, span := v.telemetry.startSpan(ctx, "validation.token",
		attribute.String(instrumentation.AttrClientID, req.Client.ClientID),
		attribute.String(instrumentation.AttrGrantType, req.GrantType))
	defer span.End()

	state, perr, err := runPipeline(ctx, req, v.validateGrantType, v.validateGrant)
	finishSpan(span, perr, err)
	if err != nil {
		return nil, err
	}

	if inst := v.telemetry.instrumentation; inst != nil {
		code := ""
		if perr != nil {
			code = perr.Code
		}
		inst.Metrics().RecordTokenValidation(ctx, state.GrantType, code)
	}

	if perr != nil {
		// pending polls are the expected outcome of device and backchannel grants
		if perr.Code != ErrorAuthorizationPending && perr.Code != ErrorSlowDown {
			v.logger.Warn("Token request validation failed",
				"client_id", state.Client.ClientID,
				"grant_type", state.GrantType,
				"error", perr.Code,
				"error_description", perr.Description)
			v.auditor.LogValidationFailure(ctx, "token", state.Client.ClientID, perr.Code, perr.Description)
		}
		return invalid(state, perr), nil
	}
	return valid(state), nil
}

func (v *TokenRequestValidator) validateGrantType(_ context.Context, req TokenRequest) (TokenRequest, *Error, error) {
	if req.GrantType == "" || tooLong(req.GrantType, v.opts.InputLengthRestrictions.GrantType) {
		return req, newError(ErrorUnsupportedGrantType, ""), nil
	}
	return req, nil, nil
}

func (v *TokenRequestValidator) validateGrant(ctx context.Context, req TokenRequest) (TokenRequest, *Error, error) {
	switch {
	case req.GrantType == storage.GrantTypeAuthorizationCode && v.codes != nil:
		return v.validateAuthorizationCode(ctx, req)
	case req.GrantType == storage.GrantTypeRefreshToken && v.refresh != nil:
		return v.validateRefreshToken(ctx, req)
	case req.GrantType == storage.GrantTypeClientCredentials:
		return v.validateClientCredentials(ctx, req)
	case req.GrantType == storage.GrantTypeDeviceCode && v.devices != nil:
		return v.validateDeviceCode(ctx, req)
	case req.GrantType == storage.GrantTypeCIBA && v.backchannel != nil:
		return v.validateBackchannel(ctx, req)
	default:
		return req, newError(ErrorUnsupportedGrantType, ""), nil
	}
}

func (v *TokenRequestValidator) validateAuthorizationCode(ctx context.Context, req TokenRequest) (TokenRequest, *Error, error) {
	client := req.Client
	if !client.HasGrantType(storage.GrantTypeAuthorizationCode) && !client.HasGrantType(storage.GrantTypeHybrid) {
		return req, newError(ErrorUnauthorizedClient, ""), nil
	}

	handle := req.Raw.Get(ParamCode)
	if handle == "" || tooLong(handle, v.opts.InputLengthRestrictions.AuthorizationCode) {
		return req, newError(ErrorInvalidGrant, "Invalid authorization code"), nil
	}
	req.AuthorizationCodeHandle = handle

	code, err := v.codes.GetAuthorizationCode(ctx, handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return req, newError(ErrorInvalidGrant, "Invalid authorization code"), nil
		}
		return req, nil, fmt.Errorf("failed to load authorization code: %w", err)
	}

	// consume first so that a code is redeemed at most once
	removed, err := v.codes.RemoveAuthorizationCode(ctx, handle)
	if err != nil {
		return req, nil, fmt.Errorf("failed to remove authorization code: %w", err)
	}
	if !removed {
		if inst := v.telemetry.instrumentation; inst != nil {
			inst.Metrics().RecordCodeReuseDetected(ctx)
		}
		v.auditor.LogReuseDetected(ctx, security.EventAuthorizationCodeReuseDetected, code.Subject.SubjectID(), client.ClientID)
		return req, newError(ErrorInvalidGrant, "Invalid authorization code"), nil
	}
	req.AuthorizationCode = code

	if code.HasExpired(v.opts.Now()) {
		return req, newError(ErrorInvalidGrant, "Authorization code expired"), nil
	}
	if code.ClientID != client.ClientID {
		v.logger.Warn("Authorization code presented by another client",
			"client_id", client.ClientID,
			"code_client_id", code.ClientID)
		return req, newError(ErrorInvalidGrant, "Invalid client"), nil
	}

	redirectURI := req.Raw.Get(ParamRedirectURI)
	if redirectURI == "" || redirectURI != code.RedirectURI {
		return req, newError(ErrorUnauthorizedClient, "Invalid redirect_uri"), nil
	}
	if len(code.RequestedScopes) == 0 {
		return req, newError(ErrorInvalidGrant, "Authorization code has no scopes"), nil
	}
	if !code.Subject.IsAuthenticated() {
		return req, newError(ErrorInvalidGrant, "Authorization code has no subject"), nil
	}

	if perr := v.validatePKCE(ctx, req, code); perr != nil {
		return req, perr, nil
	}
	req.CodeVerifier = req.Raw.Get(ParamCodeVerifier)

	req.Subject = code.Subject
	req.SessionID = code.SessionID
	return v.resolveResources(ctx, req, code.RequestedScopes, code.RequestedResourceIndicators)
}

func (v *TokenRequestValidator) validatePKCE(ctx context.Context, req TokenRequest, code *grants.AuthorizationCode) *Error {
	verifier := req.Raw.Get(ParamCodeVerifier)
	usesPKCE := req.Client.RequirePKCE || code.CodeChallenge != ""
	if !usesPKCE {
		if verifier != "" {
			return newError(ErrorInvalidGrant, "Unexpected code_verifier")
		}
		return nil
	}

	fail := func(description string) *Error {
		if inst := v.telemetry.instrumentation; inst != nil {
			inst.Metrics().RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
		}
		v.auditor.LogEvent(ctx, security.Event{
			Type:      security.EventPKCEValidationFailed,
			SubjectID: code.Subject.SubjectID(),
			ClientID:  req.Client.ClientID,
			Details:   map[string]any{"reason": description},
		})
		return newError(ErrorInvalidGrant, description)
	}

	limits := v.opts.InputLengthRestrictions
	switch {
	case code.CodeChallenge == "" || code.CodeChallengeMethod == "":
		return fail("Client is missing code challenge or code challenge method")
	case verifier == "":
		return fail("Missing code_verifier")
	case len(verifier) < limits.CodeVerifierMinLength || len(verifier) > limits.CodeVerifierMaxLength:
		return fail("code_verifier is too short or too long.")
	case !codeVerifierPattern.MatchString(verifier):
		return fail("Invalid code_verifier")
	case !slices.Contains(supportedCodeChallengeMethods, code.CodeChallengeMethod):
		return fail("Unsupported code challenge method")
	case !codeVerifierMatches(verifier, code.CodeChallenge, code.CodeChallengeMethod):
		return fail("Transformed code verifier does not match code challenge")
	}
	return nil
}

func (v *TokenRequestValidator) validateRefreshToken(ctx context.Context, req TokenRequest) (TokenRequest, *Error, error) {
	handle := req.Raw.Get(ParamRefreshToken)
	if handle == "" {
		return req, newError(ErrorInvalidRequest, "Refresh token is missing"), nil
	}
	if tooLong(handle, v.opts.InputLengthRestrictions.RefreshToken) {
		return req, newError(ErrorInvalidGrant, "Refresh token too long"), nil
	}
	req.RefreshTokenHandle = handle

	result, err := v.refresh.ValidateRefreshToken(ctx, handle, req.Client)
	if err != nil {
		return req, nil, fmt.Errorf("failed to validate refresh token: %w", err)
	}
	if result.IsError() {
		return req, newError(ErrorInvalidGrant, result.Error), nil
	}
	token := result.RefreshToken
	req.RefreshToken = token
	req.Subject = token.Subject
	req.SessionID = token.SessionID

	scopes := token.AuthorizedScopes
	if requested := util.ParseSpaceDelimited(req.Raw.Get(ParamScope)); len(requested) > 0 {
		for _, s := range requested {
			if !slices.Contains(token.AuthorizedScopes, s) {
				return req, newError(ErrorInvalidScope, "Requested scope not granted to refresh token"), nil
			}
		}
		scopes = requested
	}
	return v.resolveResources(ctx, req, scopes, token.AuthorizedResourceIndicators)
}

func (v *TokenRequestValidator) validateClientCredentials(ctx context.Context, req TokenRequest) (TokenRequest, *Error, error) {
	client := req.Client
	if !client.HasGrantType(storage.GrantTypeClientCredentials) {
		return req, newError(ErrorUnauthorizedClient, ""), nil
	}

	scope := req.Raw.Get(ParamScope)
	if tooLong(scope, v.opts.InputLengthRestrictions.Scope) {
		return req, newError(ErrorInvalidScope, "Scope parameter exceeds max allowed length"), nil
	}
	scopes := util.ParseSpaceDelimited(scope)
	if slices.Contains(scopes, ScopeOfflineAccess) {
		return req, newError(ErrorInvalidScope, "offline_access is not allowed for client credentials"), nil
	}
	if len(scopes) == 0 {
		var err error
		scopes, err = v.allowedAPIScopes(ctx, client)
		if err != nil {
			return req, nil, err
		}
		if len(scopes) == 0 {
			return req, newError(ErrorInvalidScope, "No allowed scopes configured for client"), nil
		}
	}

	indicator, perr := v.singleResourceIndicator(req.Raw)
	if perr != nil {
		return req, perr, nil
	}
	var indicators []string
	if indicator != "" {
		indicators = []string{indicator}
	}

	next, perr, err := v.resolveResources(ctx, req, scopes, indicators)
	if perr != nil || err != nil {
		return next, perr, err
	}
	if len(next.ValidatedResources.Resources.IdentityResources) > 0 {
		return next, newError(ErrorInvalidScope, "Identity scopes are not allowed for client credentials"), nil
	}
	return next, nil, nil
}

// allowedAPIScopes returns the client's allowed scopes that are API scopes.
func (v *TokenRequestValidator) allowedAPIScopes(ctx context.Context, client *storage.Client) ([]string, error) {
	resources, err := v.resources.ValidateRequestedResources(ctx, client, client.AllowedScopes, nil)
	if err != nil {
		return nil, err
	}
	scopes := resources.APIScopes()
	slices.Sort(scopes)
	return scopes, nil
}

func (v *TokenRequestValidator) validateDeviceCode(ctx context.Context, req TokenRequest) (TokenRequest, *Error, error) {
	client := req.Client
	if !client.HasGrantType(storage.GrantTypeDeviceCode) {
		return req, newError(ErrorUnauthorizedClient, ""), nil
	}

	handle := req.Raw.Get(ParamDeviceCode)
	if handle == "" || tooLong(handle, v.opts.InputLengthRestrictions.DeviceCode) {
		return req, newError(ErrorInvalidGrant, "Invalid device code"), nil
	}
	req.DeviceCodeHandle = handle

	code, err := v.devices.FindByDeviceCode(ctx, handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return req, newError(ErrorInvalidGrant, "Invalid device code"), nil
		}
		return req, nil, fmt.Errorf("failed to load device code: %w", err)
	}
	if code.ClientID != client.ClientID {
		return req, newError(ErrorInvalidGrant, "Invalid client"), nil
	}

	if v.throttle != nil {
		slow, err := v.throttle.ShouldSlowDownDevice(ctx, handle, code)
		if err != nil {
			return req, nil, err
		}
		if slow {
			return req, newError(ErrorSlowDown, ""), nil
		}
	}
	if code.HasExpired(v.opts.Now()) {
		return req, newError(ErrorExpiredToken, ""), nil
	}
	if !code.IsAuthorized {
		return req, newError(ErrorAuthorizationPending, ""), nil
	}
	if len(code.AuthorizedScopes) == 0 {
		return req, newError(ErrorAccessDenied, ""), nil
	}

	removed, err := v.devices.RemoveByDeviceCode(ctx, handle)
	if err != nil {
		return req, nil, fmt.Errorf("failed to remove device code: %w", err)
	}
	if !removed {
		return req, newError(ErrorInvalidGrant, "Invalid device code"), nil
	}

	req.DeviceCode = code
	req.Subject = code.Subject
	req.SessionID = code.SessionID
	return v.resolveResources(ctx, req, code.AuthorizedScopes, nil)
}

func (v *TokenRequestValidator) validateBackchannel(ctx context.Context, req TokenRequest) (TokenRequest, *Error, error) {
	client := req.Client
	if !client.HasGrantType(storage.GrantTypeCIBA) {
		return req, newError(ErrorUnauthorizedClient, ""), nil
	}

	id := req.Raw.Get(ParamAuthRequestID)
	if id == "" || tooLong(id, v.opts.InputLengthRestrictions.AuthenticationRequestID) {
		return req, newError(ErrorInvalidGrant, "Invalid auth_req_id"), nil
	}
	req.AuthenticationRequestID = id

	login, err := v.backchannel.GetByAuthenticationRequestID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return req, newError(ErrorInvalidGrant, "Invalid auth_req_id"), nil
		}
		return req, nil, fmt.Errorf("failed to load backchannel request: %w", err)
	}
	if login.ClientID != client.ClientID {
		return req, newError(ErrorInvalidGrant, "Invalid client"), nil
	}

	if v.throttle != nil {
		slow, err := v.throttle.ShouldSlowDown(ctx, id, login)
		if err != nil {
			return req, nil, err
		}
		if slow {
			return req, newError(ErrorSlowDown, ""), nil
		}
	}
	if login.HasExpired(v.opts.Now()) {
		return req, newError(ErrorExpiredToken, ""), nil
	}
	if !login.IsComplete {
		return req, newError(ErrorAuthorizationPending, ""), nil
	}
	if login.IsDenied() {
		return req, newError(ErrorAccessDenied, ""), nil
	}

	removed, err := v.backchannel.RemoveByInternalID(ctx, login.InternalID)
	if err != nil {
		return req, nil, fmt.Errorf("failed to remove backchannel request: %w", err)
	}
	if !removed {
		return req, newError(ErrorInvalidGrant, "Invalid auth_req_id"), nil
	}

	req.BackChannelRequest = login
	req.Subject = login.Subject
	req.SessionID = login.SessionID
	return v.resolveResources(ctx, req, login.AuthorizedScopes, login.RequestedResourceIndicators)
}

// resolveResources validates scopes against the resources known to the server and
// narrows the result to the resource parameter, which must be one of authorized.
func (v *TokenRequestValidator) resolveResources(ctx context.Context, req TokenRequest, scopes, authorized []string) (TokenRequest, *Error, error) {
	indicator, perr := v.singleResourceIndicator(req.Raw)
	if perr != nil {
		return req, perr, nil
	}
	if indicator != "" && !slices.Contains(authorized, indicator) {
		return req, newError(ErrorInvalidTarget, "Resource indicator does not match any resource indicator in the original request."), nil
	}

	resources, err := v.resources.ValidateRequestedResources(ctx, req.Client, scopes, authorized)
	if err != nil {
		return req, nil, err
	}
	if perr := checkValidatedResources(resources); perr != nil {
		return req, perr, nil
	}

	req.RequestedScopes = scopes
	req.RequestedResourceIndicator = indicator
	req.ValidatedResources = resources.FilterByResourceIndicator(indicator)
	return req, nil, nil
}

// singleResourceIndicator returns the resource parameter. The token endpoint issues
// tokens for at most one resource.
func (v *TokenRequestValidator) singleResourceIndicator(raw url.Values) (string, *Error) {
	values := raw[ParamResource]
	if len(values) > 1 {
		return "", newError(ErrorInvalidTarget, "Multiple resource indicators are not supported on the token endpoint.")
	}
	indicators, perr := parseResourceIndicators(values, v.opts.InputLengthRestrictions.ResourceIndicatorMaxLength)
	if perr != nil || len(indicators) == 0 {
		return "", perr
	}
	return indicators[0], nil
}
