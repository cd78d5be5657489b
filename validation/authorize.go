package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/services"
	"github.com/giantswarm/oidc-engine/storage"
)

// RequestType distinguishes front-channel authorize requests from pushed ones.
type RequestType int

const (
	RequestTypeAuthorize RequestType = iota
	RequestTypePushedAuthorization
)

// AuthorizeRequest is the state of an authorize request as it moves through validation.
type AuthorizeRequest struct {
	RequestType RequestType

	// Raw holds the effective parameters: the request's own, or those of the pushed
	// request, with request object values merged in
	Raw url.Values

	Subject   *storage.Subject
	SessionID string

	ClientID string
	Client   *storage.Client

	RedirectURI  string
	State        string
	ResponseType string
	ResponseMode string
	GrantType    string

	RequestedScopes             []string
	IsOpenIDRequest             bool
	IsAPIResourceRequest        bool
	RequestedResourceIndicators []string
	ValidatedResources          *ValidatedResources

	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string

	OriginalPromptModes  []string
	ProcessedPromptModes []string
	PromptModes          []string

	MaxAge        *int
	UILocales     string
	DisplayMode   string
	LoginHint     string
	IDTokenHint   string
	AcrValues     []string
	IdP           string
	Tenant        string
	RequestObject string

	// RequestObjectValues are the parameters taken from the request object
	RequestObjectValues url.Values

	PushedAuthorizationReferenceValue string
	PushedAuthorizationExpiresAt      time.Time
}

// IsPushed reports whether the parameters came from a pushed authorization request.
func (r *AuthorizeRequest) IsPushed() bool {
	return r.PushedAuthorizationReferenceValue != ""
}

// AuthorizeRequestValidatorConfig configures AuthorizeRequestValidator.
type AuthorizeRequestValidatorConfig struct {
	Options Options

	Clients   storage.ClientStore
	Resources ResourceValidator

	// RedirectURIs defaults to StrictRedirectURIValidator
	RedirectURIs RedirectURIValidator

	// RequestObjects defaults to a validator without request_uri support
	RequestObjects *RequestObjectValidator

	// PushedAuthorization resolves request_uri values of pushed requests. Nil disables
	// pushed authorization.
	PushedAuthorization *services.PushedAuthorizationService

	Auditor *security.Auditor
}

// AuthorizeRequestValidator validates authorize and pushed authorization requests.
type AuthorizeRequestValidator struct {
	opts           Options
	clients        storage.ClientStore
	resources      ResourceValidator
	redirectURIs   RedirectURIValidator
	requestObjects *RequestObjectValidator
	pushed         *services.PushedAuthorizationService
	auditor        *security.Auditor
	logger         *slog.Logger
	telemetry      telemetry
}

// NewAuthorizeRequestValidator creates the validator.
func NewAuthorizeRequestValidator(cfg AuthorizeRequestValidatorConfig) *AuthorizeRequestValidator {
	opts := cfg.Options.withDefaults()
	if cfg.RedirectURIs == nil {
		cfg.RedirectURIs = StrictRedirectURIValidator{}
	}
	if cfg.RequestObjects == nil {
		cfg.RequestObjects = NewRequestObjectValidator(RequestObjectValidatorConfig{Options: opts, Auditor: cfg.Auditor})
	}
	return &AuthorizeRequestValidator{
		opts:           opts,
		clients:        cfg.Clients,
		resources:      cfg.Resources,
		redirectURIs:   cfg.RedirectURIs,
		requestObjects: cfg.RequestObjects,
		pushed:         cfg.PushedAuthorization,
		auditor:        cfg.Auditor,
		logger:         opts.Logger,
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for validation spans and metrics
func (v *AuthorizeRequestValidator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	v.telemetry.set(inst)
}

// Validate validates a front-channel authorize request. subject is the current user
// and may be nil.
func (v *AuthorizeRequestValidator) Validate(ctx context.Context, raw url.Values, subject *storage.Subject) (*Result[AuthorizeRequest], error) {
	return v.validate(ctx, AuthorizeRequest{
		RequestType: RequestTypeAuthorize,
		Raw:         cloneValues(raw),
		Subject:     subject,
	}, "authorize")
}

func (v *AuthorizeRequestValidator) validate(ctx context.Context, req AuthorizeRequest, endpoint string) (*Result[AuthorizeRequest], error) {
	ctx, span := v.telemetry.startSpan(ctx, "validation."+endpoint,
		attribute.String(instrumentation.AttrClientID, req.Raw.Get(ParamClientID)))
	defer span.End()

	state, perr, err := runPipeline(ctx, req,
		v.loadClient,
		v.loadPushedAuthorization,
		v.loadRequestObject,
		v.validateRedirectURI,
		v.validateResponseType,
		v.validateScopes,
		v.validateOptionalParameters,
	)
	finishSpan(span, perr, err)
	if err != nil {
		return nil, err
	}

	if inst := v.telemetry.instrumentation; inst != nil {
		code := ""
		if perr != nil {
			code = perr.Code
		}
		inst.Metrics().RecordAuthorizeValidation(ctx, state.ClientID, code)
	}

	if perr != nil {
		v.logger.Warn("Authorize request validation failed",
			"endpoint", endpoint,
			"client_id", state.ClientID,
			"error", perr.Code,
			"error_description", perr.Description)
		v.auditor.LogValidationFailure(ctx, endpoint, state.ClientID, perr.Code, perr.Description)
		return invalid(state, perr), nil
	}

	instrumentation.AddProtocolAttributes(span, state.ClientID, state.Subject.SubjectID(), util.JoinSpaceDelimited(state.RequestedScopes))
	return valid(state), nil
}

func (v *AuthorizeRequestValidator) loadClient(ctx context.Context, req AuthorizeRequest) (AuthorizeRequest, *Error, error) {
	clientID := req.Raw.Get(ParamClientID)
	if clientID == "" || tooLong(clientID, v.opts.InputLengthRestrictions.ClientID) {
		return req, newError(ErrorInvalidRequest, "Invalid client_id"), nil
	}
	req.ClientID = clientID

	client, err := v.clients.FindClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return req, newError(ErrorUnauthorizedClient, "Unknown client or client not enabled"), nil
		}
		return req, nil, fmt.Errorf("failed to load client: %w", err)
	}
	if !client.Enabled {
		return req, newError(ErrorUnauthorizedClient, "Unknown client or client not enabled"), nil
	}
	req.Client = client
	return req, nil, nil
}

func (v *AuthorizeRequestValidator) loadPushedAuthorization(ctx context.Context, req AuthorizeRequest) (AuthorizeRequest, *Error, error) {
	if req.RequestType != RequestTypeAuthorize {
		return req, nil, nil
	}

	requestURI := req.Raw.Get(ParamRequestURI)
	if !strings.HasPrefix(requestURI, PushedAuthorizationRequestURIPrefix) {
		if v.opts.RequirePushedAuthorization || req.Client.RequirePushedAuthorization {
			return req, newError(ErrorInvalidRequest, "Pushed authorization is required."), nil
		}
		return req, nil, nil
	}

	if v.opts.DisablePushedAuthorization || v.pushed == nil {
		return req, newError(ErrorInvalidRequest, "Pushed authorization is disabled."), nil
	}

	referenceValue := strings.TrimPrefix(requestURI, PushedAuthorizationRequestURIPrefix)
	par, err := v.pushed.Get(ctx, referenceValue)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return req, newError(ErrorInvalidRequest, "invalid or reused PAR request uri"), nil
		}
		return req, nil, err
	}

	if perr := validatePushedAuthorizationBinding(par, req.ClientID); perr != nil {
		return req, perr, nil
	}
	if perr := validatePushedAuthorizationExpiration(par, v.opts.Now()); perr != nil {
		return req, perr, nil
	}

	req.PushedAuthorizationReferenceValue = referenceValue
	req.PushedAuthorizationExpiresAt = par.ExpiresAt
	req.Raw = cloneValues(par.Parameters)
	return req, nil, nil
}

// validatePushedAuthorizationBinding requires the pushed request to belong to the
// client presenting it.
func validatePushedAuthorizationBinding(par *services.PushedAuthorization, clientID string) *Error {
	if par.Parameters.Get(ParamClientID) != clientID {
		return newError(ErrorInvalidRequest, "invalid client for pushed authorization request")
	}
	return nil
}

// validatePushedAuthorizationExpiration rejects pushed requests whose lifetime is over.
func validatePushedAuthorizationExpiration(par *services.PushedAuthorization, now time.Time) *Error {
	if !par.ExpiresAt.After(now) {
		return newError(ErrorInvalidRequest, "expired pushed authorization request")
	}
	return nil
}

func (v *AuthorizeRequestValidator) loadRequestObject(ctx context.Context, req AuthorizeRequest) (AuthorizeRequest, *Error, error) {
	jwt, perr, err := v.requestObjects.Load(ctx, req.Raw, req.Client)
	if perr != nil || err != nil {
		return req, perr, err
	}
	if jwt == "" {
		if req.Client.RequireRequestObject {
			return req, newError(ErrorInvalidRequest, "Client must use request object, but no request or request_uri parameter present"), nil
		}
		return req, nil, nil
	}

	payload, perr, err := v.requestObjects.Validate(ctx, req.Client, jwt, req.IsPushed())
	if perr != nil || err != nil {
		return req, perr, err
	}

	if payloadType := payload.Get(ParamResponseType); payloadType != "" {
		if outer := req.Raw.Get(ParamResponseType); outer != "" && outer != payloadType {
			return req, newError(ErrorInvalidRequest, "Invalid JWT request"), nil
		}
	}
	payloadClientID := payload.Get(ParamClientID)
	if payloadClientID == "" {
		return req, newError(ErrorInvalidRequestObject, "Invalid JWT request"), nil
	}
	if payloadClientID != req.ClientID {
		return req, newError(ErrorInvalidRequest, "Invalid JWT request"), nil
	}

	req.RequestObject = jwt
	req.RequestObjectValues = payload
	req.Raw = mergeRequestObject(req.Raw, payload)
	return req, nil, nil
}

func (v *AuthorizeRequestValidator) validateRedirectURI(ctx context.Context, req AuthorizeRequest) (AuthorizeRequest, *Error, error) {
	redirectURI := req.Raw.Get(ParamRedirectURI)
	if redirectURI == "" || tooLong(redirectURI, v.opts.InputLengthRestrictions.RedirectURI) || !util.IsAbsoluteURI(redirectURI) {
		return req, newError(ErrorInvalidRequest, "Invalid redirect_uri"), nil
	}

	unregisteredAllowed := v.opts.AllowUnregisteredPushedRedirectURIs &&
		req.Client.RequireClientSecret &&
		(req.IsPushed() || req.RequestType == RequestTypePushedAuthorization)
	if !unregisteredAllowed {
		ok, err := v.redirectURIs.IsRedirectURIValid(ctx, redirectURI, req.Client)
		if err != nil {
			return req, nil, fmt.Errorf("failed to validate redirect_uri: %w", err)
		}
		if !ok {
			return req, newError(ErrorInvalidRequest, "Invalid redirect_uri"), nil
		}
	}

	req.RedirectURI = redirectURI
	return req, nil, nil
}

func (v *AuthorizeRequestValidator) validateResponseType(_ context.Context, req AuthorizeRequest) (AuthorizeRequest, *Error, error) {
	state := req.Raw.Get(ParamState)
	if tooLong(state, v.opts.InputLengthRestrictions.State) {
		return req, newError(ErrorInvalidRequest, "Invalid state"), nil
	}
	req.State = state

	rawType := req.Raw.Get(ParamResponseType)
	if rawType == "" {
		return req, newError(ErrorInvalidRequest, "Missing response_type"), nil
	}
	responseType := normalizeResponseType(rawType)
	grantType, ok := responseTypeGrantTypes[responseType]
	if !ok {
		return req, newError(ErrorUnsupportedResponseType, "Response type not supported"), nil
	}
	req.ResponseType = responseType
	req.GrantType = grantType

	if !req.Client.HasGrantType(grantType) {
		return req, newError(ErrorUnauthorizedClient, "Invalid grant type for client"), nil
	}
	if responseTypeIncludes(responseType, ResponseTypeToken) && !req.Client.AllowAccessTokensViaBrowser {
		return req, newError(ErrorInvalidRequest, "Client not configured to receive access tokens via browser"), nil
	}

	req.ResponseMode = defaultResponseMode(grantType)
	if mode := req.Raw.Get(ParamResponseMode); mode != "" {
		if !slices.Contains(supportedResponseModes, mode) {
			return req, newError(ErrorInvalidRequest, "Unsupported response_mode"), nil
		}
		if !slices.Contains(allowedResponseModes[grantType], mode) {
			return req, newError(ErrorInvalidRequest, "Invalid response_mode for response_type"), nil
		}
		req.ResponseMode = mode
	}

	if grantType == storage.GrantTypeAuthorizationCode || grantType == storage.GrantTypeHybrid {
		return v.validatePKCE(req)
	}
	return req, nil, nil
}

func (v *AuthorizeRequestValidator) validatePKCE(req AuthorizeRequest) (AuthorizeRequest, *Error, error) {
	challenge := req.Raw.Get(ParamCodeChallenge)
	if challenge == "" {
		if req.Client.RequirePKCE {
			return req, newError(ErrorInvalidRequest, "code challenge required"), nil
		}
		return req, nil, nil
	}

	limits := v.opts.InputLengthRestrictions
	if len(challenge) < limits.CodeChallengeMinLength || len(challenge) > limits.CodeChallengeMaxLength {
		return req, newError(ErrorInvalidRequest, "code_challenge is either too short or too long"), nil
	}

	method := req.Raw.Get(ParamCodeChallengeMethod)
	if method == "" {
		method = CodeChallengeMethodPlain
	}
	if !slices.Contains(supportedCodeChallengeMethods, method) {
		return req, newError(ErrorInvalidRequest, "Transform algorithm not supported"), nil
	}
	if method == CodeChallengeMethodPlain && !req.Client.AllowPlainTextPKCE {
		return req, newError(ErrorInvalidRequest, "Transform algorithm not supported"), nil
	}

	req.CodeChallenge = challenge
	req.CodeChallengeMethod = method
	return req, nil, nil
}

func (v *AuthorizeRequestValidator) validateScopes(ctx context.Context, req AuthorizeRequest) (AuthorizeRequest, *Error, error) {
	scope := req.Raw.Get(ParamScope)
	if strings.TrimSpace(scope) == "" {
		return req, newError(ErrorInvalidRequest, "Missing scope"), nil
	}
	if tooLong(scope, v.opts.InputLengthRestrictions.Scope) {
		return req, newError(ErrorInvalidRequest, "scopes too long"), nil
	}
	req.RequestedScopes = util.ParseSpaceDelimited(scope)
	req.IsOpenIDRequest = slices.Contains(req.RequestedScopes, ScopeOpenID)

	requirement := responseTypeScopeRequirements[req.ResponseType]
	if (requirement == scopeRequirementIdentity || requirement == scopeRequirementIdentityOnly) && !req.IsOpenIDRequest {
		return req, newError(ErrorInvalidRequest, "response_type requires the openid scope"), nil
	}

	indicators, perr := v.parseResourceIndicators(req.Raw[ParamResource])
	if perr != nil {
		return req, perr, nil
	}
	if len(indicators) > 0 && req.GrantType == storage.GrantTypeImplicit {
		return req, newError(ErrorInvalidTarget, "Resource indicators not allowed for response_type 'token'."), nil
	}
	req.RequestedResourceIndicators = indicators

	resources, err := v.resources.ValidateRequestedResources(ctx, req.Client, req.RequestedScopes, indicators)
	if err != nil {
		return req, nil, err
	}
	if perr := checkValidatedResources(resources); perr != nil {
		return req, perr, nil
	}

	identity := len(resources.Resources.IdentityResources) > 0
	api := len(resources.Resources.APIScopes) > 0 || resources.OfflineAccess
	switch requirement {
	case scopeRequirementIdentityOnly:
		if api {
			return req, newError(ErrorInvalidScope, "Invalid scope for response type"), nil
		}
	case scopeRequirementResourceOnly:
		if identity {
			return req, newError(ErrorInvalidScope, "Invalid scope for response type"), nil
		}
	}

	req.ValidatedResources = resources
	req.IsAPIResourceRequest = len(resources.Resources.APIScopes) > 0
	return req, nil, nil
}

// parseResourceIndicators deduplicates resource values and checks their format.
func (v *AuthorizeRequestValidator) parseResourceIndicators(values []string) ([]string, *Error) {
	return parseResourceIndicators(values, v.opts.InputLengthRestrictions.ResourceIndicatorMaxLength)
}

func parseResourceIndicators(values []string, maxLength int) ([]string, *Error) {
	indicators := util.Dedupe(values)
	for _, indicator := range indicators {
		if tooLong(indicator, maxLength) {
			return nil, newError(ErrorInvalidTarget, "Resource indicator maximum length exceeded")
		}
		if !isValidResourceIndicator(indicator) {
			return nil, newError(ErrorInvalidTarget, "Invalid resource indicator format")
		}
	}
	return indicators, nil
}

// checkValidatedResources maps resource validation failures to protocol errors.
func checkValidatedResources(resources *ValidatedResources) *Error {
	if len(resources.InvalidResourceIndicators) > 0 {
		return newError(ErrorInvalidTarget, "Invalid resource indicator")
	}
	if len(resources.InvalidScopes) > 0 {
		return newError(ErrorInvalidScope, "Invalid scope")
	}
	return nil
}

func (v *AuthorizeRequestValidator) validateOptionalParameters(_ context.Context, req AuthorizeRequest) (AuthorizeRequest, *Error, error) {
	limits := v.opts.InputLengthRestrictions
	raw := req.Raw

	nonce := raw.Get(ParamNonce)
	if tooLong(nonce, limits.Nonce) {
		return req, newError(ErrorInvalidRequest, "Invalid nonce"), nil
	}
	if nonce == "" && req.IsOpenIDRequest &&
		(req.GrantType == storage.GrantTypeImplicit || req.GrantType == storage.GrantTypeHybrid) {
		return req, newError(ErrorInvalidRequest, "Nonce required for implicit and hybrid flow with openid scope"), nil
	}
	req.Nonce = nonce

	prompts, perr := v.parsePrompt(raw.Get(ParamPrompt))
	if perr != nil {
		return req, perr, nil
	}
	req.OriginalPromptModes = prompts
	req.ProcessedPromptModes = util.ParseSpaceDelimited(raw.Get(ParamSuppressedPrompt))
	req.PromptModes = nil
	for _, p := range prompts {
		if !slices.Contains(req.ProcessedPromptModes, p) {
			req.PromptModes = append(req.PromptModes, p)
		}
	}

	uiLocales := raw.Get(ParamUILocales)
	if tooLong(uiLocales, limits.UILocale) {
		return req, newError(ErrorInvalidRequest, "Invalid ui_locales"), nil
	}
	req.UILocales = uiLocales

	if display := raw.Get(ParamDisplay); display != "" {
		if slices.Contains(supportedDisplayModes, display) {
			req.DisplayMode = display
		} else {
			v.logger.Debug("Unsupported display mode ignored", "display", display)
		}
	}

	if maxAge := raw.Get(ParamMaxAge); maxAge != "" {
		seconds, err := strconv.Atoi(maxAge)
		if err != nil || seconds < 0 {
			return req, newError(ErrorInvalidRequest, "Invalid max_age"), nil
		}
		req.MaxAge = &seconds
	}

	loginHint := raw.Get(ParamLoginHint)
	if tooLong(loginHint, limits.LoginHint) {
		return req, newError(ErrorInvalidRequest, "Invalid login_hint"), nil
	}
	req.LoginHint = loginHint

	acrValues := raw.Get(ParamACRValues)
	if tooLong(acrValues, limits.AcrValues) {
		return req, newError(ErrorInvalidRequest, "Invalid acr_values"), nil
	}
	req.AcrValues, req.IdP, req.Tenant = splitAcrValues(acrValues)

	idTokenHint := raw.Get(ParamIDTokenHint)
	if tooLong(idTokenHint, limits.IdTokenHint) {
		return req, newError(ErrorInvalidRequest, "Invalid id_token_hint"), nil
	}
	req.IDTokenHint = idTokenHint

	if req.Subject.IsAuthenticated() {
		req.SessionID = req.Subject.SessionID
	} else {
		req.SessionID = ""
	}
	return req, nil, nil
}

// parsePrompt keeps the supported prompt values. none must appear alone.
func (v *AuthorizeRequestValidator) parsePrompt(prompt string) ([]string, *Error) {
	var out []string
	for _, p := range util.ParseSpaceDelimited(prompt) {
		if slices.Contains(v.opts.PromptValuesSupported, p) {
			out = append(out, p)
		} else {
			v.logger.Debug("Unsupported prompt mode ignored", "prompt", p)
		}
	}
	if len(out) > 1 && slices.Contains(out, PromptNone) {
		return nil, newError(ErrorInvalidRequest, "Invalid prompt")
	}
	return out, nil
}

// splitAcrValues separates the idp: and tenant: entries from the remaining values.
func splitAcrValues(acrValues string) (values []string, idp, tenant string) {
	for _, value := range strings.Fields(acrValues) {
		switch {
		case strings.HasPrefix(value, acrPrefixIdP):
			idp = strings.TrimPrefix(value, acrPrefixIdP)
		case strings.HasPrefix(value, acrPrefixTenant):
			tenant = strings.TrimPrefix(value, acrPrefixTenant)
		default:
			values = append(values, value)
		}
	}
	return values, idp, tenant
}
