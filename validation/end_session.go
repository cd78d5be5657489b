package validation

import (
	"context"
	"log/slog"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
)

// EndSessionRequest is a validated end session (logout) request.
type EndSessionRequest struct {
	Raw url.Values

	// Subject is the current user and may be nil
	Subject *storage.Subject

	// Client and ClientID are set when a valid id_token_hint was presented
	Client   *storage.Client
	ClientID string

	IDTokenHint *ValidatedToken

	// PostLogoutRedirectURI is only set when it is registered for the client
	PostLogoutRedirectURI string
	State                 string
	UILocales             string
}

// EndSessionRequestValidatorConfig configures EndSessionRequestValidator.
type EndSessionRequestValidatorConfig struct {
	Options Options

	Tokens       *TokenValidator
	RedirectURIs RedirectURIValidator

	Auditor *security.Auditor
}

// EndSessionRequestValidator validates end session requests.
type EndSessionRequestValidator struct {
	opts         Options
	tokens       *TokenValidator
	redirectURIs RedirectURIValidator
	auditor      *security.Auditor
	logger       *slog.Logger
	telemetry    telemetry
}

// NewEndSessionRequestValidator creates the validator. Post-logout redirect URIs are
// matched exactly unless RedirectURIs is set.
func NewEndSessionRequestValidator(cfg EndSessionRequestValidatorConfig) *EndSessionRequestValidator {
	opts := cfg.Options.withDefaults()
	redirectURIs := cfg.RedirectURIs
	if redirectURIs == nil {
		redirectURIs = StrictRedirectURIValidator{}
	}
	return &EndSessionRequestValidator{
		opts:         opts,
		tokens:       cfg.Tokens,
		redirectURIs: redirectURIs,
		auditor:      cfg.Auditor,
		logger:       opts.Logger,
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for validation spans
func (v *EndSessionRequestValidator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	v.telemetry.set(inst)
}

// Validate validates raw for the current user. Expired id_token_hint values are
// accepted; the hint must belong to the current user when one is signed in.
func (v *EndSessionRequestValidator) Validate(ctx context.Context, raw url.Values, subject *storage.Subject) (*Result[EndSessionRequest], error) {
	req := EndSessionRequest{
		Raw:     cloneValues(raw),
		Subject: subject,
	}

	ctx, span := v.telemetry.startSpan(ctx, "validation.end_session")
	defer span.End()

	state, perr, err := runPipeline(ctx, req, v.validateIDTokenHint, v.validatePostLogoutRedirectURI)
	finishSpan(span, perr, err)
	if err != nil {
		return nil, err
	}
	if perr != nil {
		v.logger.Warn("End session request validation failed",
			"client_id", state.ClientID,
			"error", perr.Code,
			"error_description", perr.Description)
		v.auditor.LogValidationFailure(ctx, "end_session", state.ClientID, perr.Code, perr.Description)
		return invalid(state, perr), nil
	}
	return valid(state), nil
}

func (v *EndSessionRequestValidator) validateIDTokenHint(ctx context.Context, req EndSessionRequest) (EndSessionRequest, *Error, error) {
	hint := req.Raw.Get(ParamIDTokenHint)
	if hint == "" {
		return req, nil, nil
	}
	if v.tokens == nil {
		return req, newError(ErrorInvalidRequest, "Error validating id token hint"), nil
	}

	result, err := v.tokens.ValidateIdentityToken(ctx, hint, "", false)
	if err != nil {
		return req, nil, err
	}
	if result.IsError() {
		return req, newError(ErrorInvalidRequest, "Error validating id token hint"), nil
	}
	token := result.Request
	if req.Subject.IsAuthenticated() && token.SubjectID != req.Subject.ID {
		return req, newError(ErrorInvalidRequest, "Current user does not match identity token"), nil
	}

	req.IDTokenHint = token
	req.Client = token.Client
	req.ClientID = token.ClientID
	trace.SpanFromContext(ctx).SetAttributes(attribute.String(instrumentation.AttrClientID, token.ClientID))
	return req, nil, nil
}

func (v *EndSessionRequestValidator) validatePostLogoutRedirectURI(ctx context.Context, req EndSessionRequest) (EndSessionRequest, *Error, error) {
	limits := v.opts.InputLengthRestrictions
	if locales := req.Raw.Get(ParamUILocales); locales != "" {
		if tooLong(locales, limits.UILocale) {
			return req, newError(ErrorInvalidRequest, "UI locale too long"), nil
		}
		req.UILocales = locales
	}

	uri := req.Raw.Get(ParamPostLogoutRedirectURI)
	if uri == "" {
		return req, nil, nil
	}
	// a post-logout redirect needs a client to check it against
	if req.Client == nil {
		v.logger.Debug("Ignoring post_logout_redirect_uri without id_token_hint")
		return req, nil, nil
	}
	if tooLong(uri, limits.RedirectURI) {
		return req, newError(ErrorInvalidRequest, "post_logout_redirect_uri too long"), nil
	}
	ok, err := v.redirectURIs.IsPostLogoutRedirectURIValid(ctx, uri, req.Client)
	if err != nil {
		return req, nil, err
	}
	if !ok {
		return req, newError(ErrorInvalidRequest, "Invalid post logout URI"), nil
	}

	req.PostLogoutRedirectURI = uri
	state := req.Raw.Get(ParamState)
	if tooLong(state, limits.State) {
		return req, newError(ErrorInvalidRequest, "State too long"), nil
	}
	req.State = state
	return req, nil, nil
}
