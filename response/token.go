package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/services"
	"github.com/giantswarm/oidc-engine/storage"
	"github.com/giantswarm/oidc-engine/validation"
)

// TokenTypeBearer is the token_type of every access token
const TokenTypeBearer = "Bearer"

// TokenResponse is the JSON body of a successful token endpoint response.
type TokenResponse struct {
	AccessToken   string `json:"access_token"`
	IdentityToken string `json:"id_token,omitempty"`
	RefreshToken  string `json:"refresh_token,omitempty"`
	ExpiresIn     int    `json:"expires_in"`
	TokenType     string `json:"token_type"`
	Scope         string `json:"scope,omitempty"`
}

// TokenResponseGeneratorConfig configures TokenResponseGenerator.
type TokenResponseGeneratorConfig struct {
	Tokens *TokenCreationService

	// RefreshTokens issues and rotates refresh tokens. Nil disables refresh tokens.
	RefreshTokens services.RefreshTokenService

	Auditor *security.Auditor
	Logger  *slog.Logger
}

// TokenResponseGenerator creates the responses of the token endpoint.
type TokenResponseGenerator struct {
	tokens          *TokenCreationService
	refreshTokens   services.RefreshTokenService
	auditor         *security.Auditor
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

// NewTokenResponseGenerator creates the generator.
func NewTokenResponseGenerator(cfg TokenResponseGeneratorConfig) *TokenResponseGenerator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TokenResponseGenerator{
		tokens:        cfg.Tokens,
		refreshTokens: cfg.RefreshTokens,
		auditor:       cfg.Auditor,
		logger:        cfg.Logger,
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for issued token metrics
func (g *TokenResponseGenerator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	g.instrumentation = inst
}

// ProcessRequest issues the tokens for a validated token request.
func (g *TokenResponseGenerator) ProcessRequest(ctx context.Context, req *validation.TokenRequest) (*TokenResponse, error) {
	if req == nil || req.Client == nil || req.ValidatedResources == nil {
		return nil, errors.New("token response requires a validated request")
	}

	var (
		resp *TokenResponse
		err  error
	)
	switch req.GrantType {
	case storage.GrantTypeClientCredentials:
		resp, err = g.processClientCredentials(ctx, req)
	case storage.GrantTypeAuthorizationCode:
		resp, err = g.processAuthorizationCode(ctx, req)
	case storage.GrantTypeRefreshToken:
		resp, err = g.processRefreshToken(ctx, req)
	case storage.GrantTypeDeviceCode:
		if req.DeviceCode == nil {
			return nil, errors.New("device code grant without a device code")
		}
		resp, err = g.processUserGrant(ctx, req, req.DeviceCode.IsOpenID, nil)
	case storage.GrantTypeCIBA:
		login := req.BackChannelRequest
		if login == nil {
			return nil, errors.New("backchannel grant without a backchannel request")
		}
		resp, err = g.processUserGrant(ctx, req, slices.Contains(login.RequestedScopes, validation.ScopeOpenID), login.RequestedResourceIndicators)
	default:
		return nil, fmt.Errorf("unsupported grant type %q", req.GrantType)
	}
	if err != nil {
		return nil, err
	}

	g.logger.Debug("Tokens issued",
		"client_id", req.Client.ClientID,
		"grant_type", req.GrantType,
		"refresh_token", resp.RefreshToken != "",
		"identity_token", resp.IdentityToken != "")
	if g.instrumentation != nil {
		g.instrumentation.Metrics().RecordTokenIssued(ctx, req.Client.ClientID, req.GrantType)
	}
	g.auditor.LogTokenIssued(ctx, req.Subject.SubjectID(), req.Client.ClientID, req.GrantType, resp.Scope)
	return resp, nil
}

func (g *TokenResponseGenerator) creationRequest(req *validation.TokenRequest) *TokenCreationRequest {
	return &TokenCreationRequest{
		Subject:   req.Subject,
		SessionID: req.SessionID,
		Client:    req.Client,
		Resources: req.ValidatedResources,
	}
}

// createAccessToken returns the serialized access token and its model.
func (g *TokenResponseGenerator) createAccessToken(ctx context.Context, tokenReq *TokenCreationRequest) (string, *grants.Token, error) {
	token, err := g.tokens.CreateAccessToken(ctx, tokenReq)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create access token: %w", err)
	}
	serialized, err := g.tokens.CreateSecurityToken(ctx, token)
	if err != nil {
		return "", nil, err
	}
	return serialized, token, nil
}

func (g *TokenResponseGenerator) createIdentityToken(ctx context.Context, tokenReq *TokenCreationRequest, accessToken string) (string, error) {
	tokenReq.AccessTokenToHash = accessToken
	token, err := g.tokens.CreateIdentityToken(ctx, tokenReq)
	if err != nil {
		return "", fmt.Errorf("failed to create identity token: %w", err)
	}
	return g.tokens.CreateSecurityToken(ctx, token)
}

func newTokenResponse(accessToken string, token *grants.Token, resources *validation.ValidatedResources) *TokenResponse {
	return &TokenResponse{
		AccessToken: accessToken,
		ExpiresIn:   int(token.Lifetime / time.Second),
		TokenType:   TokenTypeBearer,
		Scope:       util.JoinSpaceDelimited(resources.Scopes),
	}
}

func (g *TokenResponseGenerator) processClientCredentials(ctx context.Context, req *validation.TokenRequest) (*TokenResponse, error) {
	tokenReq := g.creationRequest(req)
	tokenReq.Subject = nil
	accessToken, token, err := g.createAccessToken(ctx, tokenReq)
	if err != nil {
		return nil, err
	}
	return newTokenResponse(accessToken, token, req.ValidatedResources), nil
}

func (g *TokenResponseGenerator) processAuthorizationCode(ctx context.Context, req *validation.TokenRequest) (*TokenResponse, error) {
	code := req.AuthorizationCode
	if code == nil {
		return nil, errors.New("authorization code grant without a code")
	}

	tokenReq := g.creationRequest(req)
	tokenReq.Description = code.Description
	accessToken, token, err := g.createAccessToken(ctx, tokenReq)
	if err != nil {
		return nil, err
	}
	resp := newTokenResponse(accessToken, token, req.ValidatedResources)

	if err := g.maybeCreateRefreshToken(ctx, req, resp, token, code.RequestedResourceIndicators); err != nil {
		return nil, err
	}

	if code.IsOpenID {
		tokenReq.Nonce = code.Nonce
		resp.IdentityToken, err = g.createIdentityToken(ctx, tokenReq, accessToken)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// processUserGrant handles the device code and backchannel grants, which issue tokens
// for the user who approved the request on another device.
func (g *TokenResponseGenerator) processUserGrant(ctx context.Context, req *validation.TokenRequest, isOpenID bool, indicators []string) (*TokenResponse, error) {
	tokenReq := g.creationRequest(req)
	accessToken, token, err := g.createAccessToken(ctx, tokenReq)
	if err != nil {
		return nil, err
	}
	resp := newTokenResponse(accessToken, token, req.ValidatedResources)

	if err := g.maybeCreateRefreshToken(ctx, req, resp, token, indicators); err != nil {
		return nil, err
	}

	if isOpenID {
		resp.IdentityToken, err = g.createIdentityToken(ctx, tokenReq, accessToken)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (g *TokenResponseGenerator) processRefreshToken(ctx context.Context, req *validation.TokenRequest) (*TokenResponse, error) {
	if g.refreshTokens == nil || req.RefreshToken == nil {
		return nil, errors.New("refresh token grant without a refresh token")
	}

	tokenReq := g.creationRequest(req)
	accessToken, token, err := g.createAccessToken(ctx, tokenReq)
	if err != nil {
		return nil, err
	}
	resp := newTokenResponse(accessToken, token, req.ValidatedResources)

	resp.RefreshToken, err = g.refreshTokens.UpdateRefreshToken(ctx, &services.RefreshTokenUpdateRequest{
		Handle:       req.RefreshTokenHandle,
		Client:       req.Client,
		RefreshToken: req.RefreshToken,
		AccessToken:  token,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update refresh token: %w", err)
	}

	if slices.Contains(req.ValidatedResources.Scopes, validation.ScopeOpenID) && req.Subject.IsAuthenticated() {
		resp.IdentityToken, err = g.createIdentityToken(ctx, tokenReq, accessToken)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// maybeCreateRefreshToken adds a refresh token when offline_access was granted.
func (g *TokenResponseGenerator) maybeCreateRefreshToken(ctx context.Context, req *validation.TokenRequest, resp *TokenResponse, token *grants.Token, indicators []string) error {
	if !req.ValidatedResources.OfflineAccess || g.refreshTokens == nil || !req.Subject.IsAuthenticated() {
		return nil
	}

	subject := req.Subject
	if req.SessionID != "" && subject.SessionID != req.SessionID {
		s := *subject
		s.SessionID = req.SessionID
		subject = &s
	}

	handle, err := g.refreshTokens.CreateRefreshToken(ctx, &services.RefreshTokenCreationRequest{
		Subject:                      subject,
		Client:                       req.Client,
		AccessToken:                  token,
		AuthorizedScopes:             req.RequestedScopes,
		AuthorizedResourceIndicators: indicators,
		Description:                  token.Description,
	})
	if err != nil {
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	resp.RefreshToken = handle
	return nil
}
