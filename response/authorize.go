package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/services"
	"github.com/giantswarm/oidc-engine/storage"
	"github.com/giantswarm/oidc-engine/validation"
)

// DefaultAuthorizationCodeLifetime applies to clients without an authorization code lifetime
const DefaultAuthorizationCodeLifetime = 5 * time.Minute

// AuthorizeResponse is a successful authorize response before it is delivered to the
// client's redirect URI.
type AuthorizeResponse struct {
	Request *validation.AuthorizeRequest

	RedirectURI  string
	ResponseMode string

	Code                string
	IdentityToken       string
	AccessToken         string
	AccessTokenLifetime time.Duration
	Scope               string
	State               string
	SessionState        string
	Issuer              string

	// Error and ErrorDescription are set on error responses
	Error            string
	ErrorDescription string
}

// NewAuthorizeErrorResponse creates an error response for a request whose redirect URI
// has been validated. Empty issuer omits iss.
func NewAuthorizeErrorResponse(req *validation.AuthorizeRequest, issuer, code, description string) *AuthorizeResponse {
	responseMode := req.ResponseMode
	if responseMode == "" {
		responseMode = validation.ResponseModeQuery
	}
	return &AuthorizeResponse{
		Request:          req,
		RedirectURI:      req.RedirectURI,
		ResponseMode:     responseMode,
		State:            req.State,
		Issuer:           issuer,
		Error:            code,
		ErrorDescription: description,
	}
}

// Values returns the response parameters.
func (r *AuthorizeResponse) Values() url.Values {
	values := url.Values{}
	set := func(key, value string) {
		if value != "" {
			values.Set(key, value)
		}
	}
	if r.Error != "" {
		values.Set("error", r.Error)
		set("error_description", r.ErrorDescription)
		set("state", r.State)
		set("iss", r.Issuer)
		return values
	}
	set("code", r.Code)
	set("id_token", r.IdentityToken)
	if r.AccessToken != "" {
		values.Set("access_token", r.AccessToken)
		values.Set("token_type", "Bearer")
		values.Set("expires_in", strconv.Itoa(int(r.AccessTokenLifetime.Seconds())))
		set("scope", r.Scope)
	}
	set("state", r.State)
	set("session_state", r.SessionState)
	set("iss", r.Issuer)
	return values
}

// RedirectLocation returns the redirect URI carrying the response in its query or
// fragment. form_post responses are rendered by the endpoint and yield an error.
func (r *AuthorizeResponse) RedirectLocation() (string, error) {
	u, err := url.Parse(r.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("failed to parse redirect uri: %w", err)
	}
	switch r.ResponseMode {
	case validation.ResponseModeQuery:
		query := u.Query()
		for key, values := range r.Values() {
			query[key] = values
		}
		u.RawQuery = query.Encode()
	case validation.ResponseModeFragment:
		u.Fragment = ""
		u.RawFragment = ""
		return u.String() + "#" + r.Values().Encode(), nil
	default:
		return "", fmt.Errorf("response mode %q cannot be delivered by redirect", r.ResponseMode)
	}
	return u.String(), nil
}

// AuthorizeResponseGeneratorConfig configures AuthorizeResponseGenerator.
type AuthorizeResponseGeneratorConfig struct {
	Issuer string

	Codes  *grants.AuthorizationCodeStore
	Tokens *TokenCreationService

	// PushedAuthorization consumes pushed requests once they produced a response
	PushedAuthorization *services.PushedAuthorizationService

	// EmitSessionState adds session_state to responses of OpenID requests
	EmitSessionState bool

	// EmitIssuer adds iss to every response
	EmitIssuer bool

	Auditor *security.Auditor
	Logger  *slog.Logger
	Clock   func() time.Time
}

// AuthorizeResponseGenerator creates the responses of the authorize endpoint.
type AuthorizeResponseGenerator struct {
	issuer           string
	codes            *grants.AuthorizationCodeStore
	tokens           *TokenCreationService
	pushed           *services.PushedAuthorizationService
	emitSessionState bool
	emitIssuer       bool
	auditor          *security.Auditor
	logger           *slog.Logger
	now              func() time.Time
	instrumentation  *instrumentation.Instrumentation
}

// NewAuthorizeResponseGenerator creates the generator.
func NewAuthorizeResponseGenerator(cfg AuthorizeResponseGeneratorConfig) *AuthorizeResponseGenerator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &AuthorizeResponseGenerator{
		issuer:           cfg.Issuer,
		codes:            cfg.Codes,
		tokens:           cfg.Tokens,
		pushed:           cfg.PushedAuthorization,
		emitSessionState: cfg.EmitSessionState,
		emitIssuer:       cfg.EmitIssuer,
		auditor:          cfg.Auditor,
		logger:           cfg.Logger,
		now:              cfg.Clock,
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for issued token metrics
func (g *AuthorizeResponseGenerator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	g.instrumentation = inst
}

// CreateResponse issues the code and tokens requested by req. The user must be
// authenticated; interaction such as login and consent happens before.
func (g *AuthorizeResponseGenerator) CreateResponse(ctx context.Context, req *validation.AuthorizeRequest) (*AuthorizeResponse, error) {
	if req == nil || req.Client == nil || req.ValidatedResources == nil {
		return nil, errors.New("authorize response requires a validated request")
	}
	if !req.Subject.IsAuthenticated() {
		return nil, errors.New("authorize response requires an authenticated user")
	}

	if req.IsPushed() && g.pushed != nil {
		if err := g.pushed.Consume(ctx, req.PushedAuthorizationReferenceValue); err != nil {
			return nil, err
		}
	}

	var (
		resp *AuthorizeResponse
		err  error
	)
	switch req.GrantType {
	case storage.GrantTypeAuthorizationCode:
		resp, err = g.createCodeFlowResponse(ctx, req)
	case storage.GrantTypeImplicit:
		resp, err = g.createImplicitFlowResponse(ctx, req, "")
	case storage.GrantTypeHybrid:
		resp, err = g.createHybridFlowResponse(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported grant type %q", req.GrantType)
	}
	if err != nil {
		return nil, err
	}

	if g.emitSessionState && req.IsOpenIDRequest {
		resp.SessionState, err = SessionState(req.ClientID, req.RedirectURI, req.SessionID)
		if err != nil {
			return nil, err
		}
	}
	if g.emitIssuer {
		resp.Issuer = g.issuer
	}
	return resp, nil
}

func (g *AuthorizeResponseGenerator) newResponse(req *validation.AuthorizeRequest) *AuthorizeResponse {
	return &AuthorizeResponse{
		Request:      req,
		RedirectURI:  req.RedirectURI,
		ResponseMode: req.ResponseMode,
		State:        req.State,
		Scope:        util.JoinSpaceDelimited(req.ValidatedResources.Scopes),
	}
}

func (g *AuthorizeResponseGenerator) createCodeFlowResponse(ctx context.Context, req *validation.AuthorizeRequest) (*AuthorizeResponse, error) {
	handle, err := g.createCode(ctx, req)
	if err != nil {
		return nil, err
	}
	resp := g.newResponse(req)
	resp.Code = handle
	return resp, nil
}

func (g *AuthorizeResponseGenerator) createHybridFlowResponse(ctx context.Context, req *validation.AuthorizeRequest) (*AuthorizeResponse, error) {
	handle, err := g.createCode(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := g.createImplicitFlowResponse(ctx, req, handle)
	if err != nil {
		return nil, err
	}
	resp.Code = handle
	return resp, nil
}

// createImplicitFlowResponse issues the tokens of the response type. code is set for
// hybrid responses and bound to the identity token by c_hash.
func (g *AuthorizeResponseGenerator) createImplicitFlowResponse(ctx context.Context, req *validation.AuthorizeRequest, code string) (*AuthorizeResponse, error) {
	resp := g.newResponse(req)
	tokenReq := &TokenCreationRequest{
		Subject:   req.Subject,
		SessionID: req.SessionID,
		Client:    req.Client,
		Resources: req.ValidatedResources,
		Nonce:     req.Nonce,
	}

	types := util.ParseSpaceDelimited(req.ResponseType)
	if slices.Contains(types, validation.ResponseTypeToken) {
		token, err := g.tokens.CreateAccessToken(ctx, tokenReq)
		if err != nil {
			return nil, fmt.Errorf("failed to create access token: %w", err)
		}
		jwt, err := g.tokens.CreateSecurityToken(ctx, token)
		if err != nil {
			return nil, err
		}
		resp.AccessToken = jwt
		resp.AccessTokenLifetime = token.Lifetime
		g.recordIssued(ctx, req, storage.GrantTypeImplicit)
	}

	if slices.Contains(types, validation.ResponseTypeIDToken) {
		tokenReq.AccessTokenToHash = resp.AccessToken
		tokenReq.AuthorizationCodeToHash = code
		if code != "" {
			tokenReq.StateToHash = req.State
		}
		tokenReq.IncludeAllIdentityClaims = resp.AccessToken == ""

		token, err := g.tokens.CreateIdentityToken(ctx, tokenReq)
		if err != nil {
			return nil, fmt.Errorf("failed to create identity token: %w", err)
		}
		jwt, err := g.tokens.CreateSecurityToken(ctx, token)
		if err != nil {
			return nil, err
		}
		resp.IdentityToken = jwt
	}
	return resp, nil
}

func (g *AuthorizeResponseGenerator) createCode(ctx context.Context, req *validation.AuthorizeRequest) (string, error) {
	lifetime := req.Client.AuthorizationCodeLifetime
	if lifetime <= 0 {
		lifetime = DefaultAuthorizationCodeLifetime
	}

	code := &grants.AuthorizationCode{
		CreationTime:                g.now().UTC(),
		Lifetime:                    lifetime,
		ClientID:                    req.ClientID,
		Subject:                     req.Subject,
		SessionID:                   req.SessionID,
		IsOpenID:                    req.IsOpenIDRequest,
		RequestedScopes:             req.ValidatedResources.Scopes,
		RequestedResourceIndicators: req.RequestedResourceIndicators,
		RedirectURI:                 req.RedirectURI,
		Nonce:                       req.Nonce,
		CodeChallenge:               req.CodeChallenge,
		CodeChallengeMethod:         req.CodeChallengeMethod,
	}
	if req.State != "" {
		code.StateHash = security.Sha256(req.State)
	}

	handle, err := g.codes.StoreAuthorizationCode(ctx, code)
	if err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}

	g.logger.Debug("Authorization code issued",
		"client_id", req.ClientID,
		"code", util.SafeTruncate(handle, 8))
	g.auditor.LogEvent(ctx, security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		SubjectID: req.Subject.SubjectID(),
		ClientID:  req.ClientID,
		Details: map[string]any{
			"scope":  util.JoinSpaceDelimited(code.RequestedScopes),
			"pushed": req.IsPushed(),
		},
	})
	return handle, nil
}

func (g *AuthorizeResponseGenerator) recordIssued(ctx context.Context, req *validation.AuthorizeRequest, grantType string) {
	if g.instrumentation != nil {
		g.instrumentation.Metrics().RecordTokenIssued(ctx, req.ClientID, grantType)
	}
	g.auditor.LogTokenIssued(ctx, req.Subject.SubjectID(), req.ClientID, grantType, util.JoinSpaceDelimited(req.ValidatedResources.Scopes))
}
