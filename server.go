package oidc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/giantswarm/oidc-engine/cache"
	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/response"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/services"
	"github.com/giantswarm/oidc-engine/storage"
	"github.com/giantswarm/oidc-engine/storage/cleanup"
	"github.com/giantswarm/oidc-engine/validation"
)

// Endpoint paths relative to the issuer
const (
	PathDiscovery                 = "/.well-known/openid-configuration"
	PathJWKS                      = "/.well-known/openid-configuration/jwks"
	PathAuthorize                 = "/connect/authorize"
	PathToken                     = "/connect/token"
	PathPushedAuthorization       = "/connect/par"
	PathBackchannelAuthentication = "/connect/ciba"
	PathIntrospection             = "/connect/introspect"
	PathEndSession                = "/connect/endsession"
)

// ServerOptions holds the optional collaborators of a Server
type ServerOptions struct {
	// BackchannelUsers resolves the user named by a backchannel authentication request.
	// Without it every backchannel request fails with unknown_user_id.
	BackchannelUsers validation.BackchannelUserValidator

	// BackchannelNotifier asks the user to approve a backchannel login
	BackchannelNotifier response.BackchannelUserNotifier

	// Instrumentation enables tracing and metrics
	Instrumentation *instrumentation.Instrumentation

	// Clock returns the current time (default: time.Now)
	Clock func() time.Time
}

// Server implements the protocol engine. It wires the stores, validators, services
// and response generators and exposes one operation per endpoint. Handler is a thin
// HTTP adapter on top of it.
type Server struct {
	Config          *Config
	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation

	// Typed grant stores
	AuthorizationCodes  *grants.AuthorizationCodeStore
	RefreshTokens       *grants.RefreshTokenStore
	ReferenceTokens     *grants.ReferenceTokenStore
	DeviceCodes         *grants.DeviceCodeStore
	BackchannelRequests *grants.BackChannelAuthenticationRequestStore
	UserConsents        *grants.UserConsentStore

	PushedAuthorization *services.PushedAuthorizationService
	RefreshTokenService services.RefreshTokenService

	// Sessions is nil unless server-side sessions are enabled
	Sessions *services.SessionCoordinationService

	backend   Backend
	clients   storage.ClientStore
	resources storage.ResourceStore
	keys      *services.KeyMaterialService
	clock     func() time.Time

	clientSecrets      *validation.ClientSecretValidator
	apiSecrets         *validation.APISecretValidator
	tokenValidator     *validation.TokenValidator
	authorizeValidator *validation.AuthorizeRequestValidator
	pushedValidator    *validation.PushedAuthorizationRequestValidator
	tokenRequests      *validation.TokenRequestValidator
	backchannel        *validation.BackchannelAuthenticationRequestValidator
	introspection      *validation.IntrospectionRequestValidator
	endSession         *validation.EndSessionRequestValidator

	authorizeResponses   *response.AuthorizeResponseGenerator
	tokenResponses       *response.TokenResponseGenerator
	pushedResponses      *response.PushedAuthorizationResponseGenerator
	backchannelResponses *response.BackchannelAuthenticationResponseGenerator

	rateLimiter *security.RateLimiter
	ipResolver  security.ClientIPResolver
	cleanup     *cleanup.Service
}

// NewServer creates a new protocol engine
func NewServer(backend Backend, registry Registry, keys services.KeyLoader, config *Config, opts ServerOptions) (*Server, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if keys == nil {
		return nil, fmt.Errorf("key loader is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	applySecureDefaults(config, logger)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	inst := opts.Instrumentation

	// no key leaves grants and pushed requests unencrypted
	var encryptionKey []byte
	if encoded := config.Security.EncryptionKey; encoded != "" {
		decoded, err := security.KeyFromBase64(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		encryptionKey = decoded
	}
	encryptor, err := security.NewEncryptor(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	encryptor.SetInstrumentation(inst)

	auditor := security.NewAuditor(logger, config.Security.EnableAuditLogging)
	auditor.SetInstrumentation(inst)
	setBackendInstrumentation(backend, inst)

	var clients storage.ClientStore = registry
	if config.ClientCacheDuration > 0 {
		cached := cache.NewCachingClientStore(registry, config.ClientCacheDuration)
		cached.SetClock(clock)
		clients = cached
	}

	s := &Server{
		Config:          config,
		Logger:          logger,
		Auditor:         auditor,
		Instrumentation: inst,
		backend:         backend,
		clients:         clients,
		resources:       registry,
		keys:            services.NewKeyMaterialService(keys, services.NewSigningKeyCache(clock), 0),
		clock:           clock,
		ipResolver: security.ClientIPResolver{
			TrustProxy:        config.RateLimit.TrustProxy,
			TrustedProxyCount: config.RateLimit.TrustedProxyCount,
		},
	}

	serializer := grants.NewSerializer(encryptor)
	storeOpts := &grants.Options{Logger: logger}
	s.AuthorizationCodes = grants.NewAuthorizationCodeStore(backend, serializer, storeOpts)
	s.RefreshTokens = grants.NewRefreshTokenStore(backend, serializer, storeOpts)
	s.ReferenceTokens = grants.NewReferenceTokenStore(backend, serializer, storeOpts)
	s.DeviceCodes = grants.NewDeviceCodeStore(backend, serializer, storeOpts)
	s.BackchannelRequests = grants.NewBackChannelAuthenticationRequestStore(backend, serializer, storeOpts)
	s.UserConsents = grants.NewUserConsentStore(backend, serializer, storeOpts)

	s.PushedAuthorization = services.NewPushedAuthorizationService(backend, services.NewPushedAuthorizationSerializer(encryptor), logger)
	s.PushedAuthorization.SetInstrumentation(inst)

	refreshTokens := services.NewDefaultRefreshTokenService(s.RefreshTokens, services.RefreshTokenConfig{
		DeleteOneTimeOnlyRefreshTokensOnUse: config.RefreshTokens.DeleteOneTimeOnlyOnUse,
		RevokeOnReuse:                       config.RefreshTokens.RevokeOnReuse,
		Logger:                              logger,
		Clock:                               clock,
		Auditor:                             auditor,
	})
	refreshTokens.SetInstrumentation(inst)
	s.RefreshTokenService = refreshTokens
	if config.Sessions.Enabled {
		s.Sessions = services.NewSessionCoordinationService(backend, backend, clients, services.SessionCoordinationConfig{
			CoordinateClientLifetimesWithUserSession: config.Sessions.CoordinateClientLifetimesWithUserSession,
			SlidingSessionLifetime:                   config.Sessions.SlidingLifetime,
			Logger:                                   logger,
			Clock:                                    clock,
		})
		s.RefreshTokenService = services.NewServerSideSessionRefreshTokenService(refreshTokens, s.Sessions, s.RefreshTokens, logger)
	}

	replay := services.NewReplayCache(backend, clock)
	replay.SetInstrumentation(inst)
	throttle := services.NewPollingThrottle(backend, clients, services.PollingThrottleConfig{
		BackchannelInterval: config.CIBA.DefaultPollingInterval,
		DeviceFlowInterval:  config.DeviceFlow.PollingInterval,
		Logger:              logger,
		Clock:               clock,
	})
	throttle.SetInstrumentation(inst)

	s.buildValidators(replay, throttle, opts.BackchannelUsers)
	s.buildGenerators(opts.BackchannelNotifier)

	if config.RateLimit.RequestsPerSecond > 0 {
		s.rateLimiter = security.NewRateLimiter(security.RateLimiterConfig{
			Name:              "endpoints",
			RequestsPerSecond: config.RateLimit.RequestsPerSecond,
			Burst:             config.RateLimit.Burst,
			Logger:            logger,
		})
		s.rateLimiter.SetInstrumentation(inst)
	}

	s.cleanup = cleanup.New(backend, cleanup.Config{
		Interval:                  config.Cleanup.Interval,
		RemoveConsumedTokens:      config.Cleanup.RemoveConsumedTokens,
		ConsumedTokenCleanupDelay: config.Cleanup.ConsumedTokenCleanupDelay,
		Logger:                    logger,
		Clock:                     clock,
	})
	s.cleanup.SetInstrumentation(inst)
	if remover, ok := backend.(cleanup.ExpiredPushedAuthorizationRequestRemover); ok {
		s.cleanup.SetPushedAuthorizationRequestRemover(remover)
	}
	if s.Sessions != nil {
		s.cleanup.SetSessionStore(backend, s.Sessions)
	}

	return s, nil
}

func (s *Server) validationOptions() validation.Options {
	c := s.Config
	return validation.Options{
		Issuer:                              c.Issuer,
		InputLengthRestrictions:             c.InputLengthRestrictions,
		DisablePushedAuthorization:          c.PushedAuthorization.Disabled,
		RequirePushedAuthorization:          c.PushedAuthorization.Required,
		AllowUnregisteredPushedRedirectURIs: c.PushedAuthorization.AllowUnregisteredRedirectURIs,
		StrictRequestObjectType:             c.Security.StrictRequestObjectType,
		CIBADefaultLifetime:                 c.CIBA.DefaultLifetime,
		PromptValuesSupported:               c.Endpoints.PromptValuesSupported,
		ClockSkew:                           c.Security.ClockSkew,
		Logger:                              s.Logger,
		Now:                                 s.clock,
	}
}

func (s *Server) buildValidators(replay *services.ReplayCache, throttle *services.PollingThrottle, users validation.BackchannelUserValidator) {
	opts := s.validationOptions()
	resources := validation.NewDefaultResourceValidator(s.resources, s.Logger)

	s.tokenValidator = validation.NewTokenValidator(validation.TokenValidatorConfig{
		Options:         opts,
		Keys:            s.keys,
		Clients:         s.clients,
		ReferenceTokens: s.ReferenceTokens,
	})

	requestObjects := validation.RequestObjectValidatorConfig{Options: opts, Replay: replay, Auditor: s.Auditor}
	if s.Config.Security.EnableRequestURI {
		requestObjects.Fetcher = validation.NewHTTPRequestURIFetcher(validation.HTTPRequestURIFetcherConfig{
			StrictContentType: s.Config.Security.StrictRequestObjectType,
			HTTPClient:        s.Config.HTTPClient,
			Auditor:           s.Auditor,
			Logger:            s.Logger,
		})
	}

	var pushed *services.PushedAuthorizationService
	if !s.Config.PushedAuthorization.Disabled {
		pushed = s.PushedAuthorization
	}
	s.authorizeValidator = validation.NewAuthorizeRequestValidator(validation.AuthorizeRequestValidatorConfig{
		Options:             opts,
		Clients:             s.clients,
		Resources:           resources,
		RequestObjects:      validation.NewRequestObjectValidator(requestObjects),
		PushedAuthorization: pushed,
		Auditor:             s.Auditor,
	})
	s.pushedValidator = validation.NewPushedAuthorizationRequestValidator(s.authorizeValidator)

	s.clientSecrets = validation.NewClientSecretValidator(s.clients, validation.ClientSecretValidatorConfig{
		Options:       opts,
		TokenEndpoint: s.endpoint(PathToken),
		Replay:        replay,
		Auditor:       s.Auditor,
	})
	s.apiSecrets = validation.NewAPISecretValidator(s.resources, opts, s.Auditor)

	s.tokenRequests = validation.NewTokenRequestValidator(validation.TokenRequestValidatorConfig{
		Options:             opts,
		Resources:           resources,
		AuthorizationCodes:  s.AuthorizationCodes,
		RefreshTokens:       s.RefreshTokenService,
		DeviceCodes:         s.DeviceCodes,
		BackchannelRequests: s.BackchannelRequests,
		Throttle:            throttle,
		Auditor:             s.Auditor,
	})
	s.backchannel = validation.NewBackchannelAuthenticationRequestValidator(validation.BackchannelAuthenticationRequestValidatorConfig{
		Options:   opts,
		Resources: resources,
		Tokens:    s.tokenValidator,
		Users:     users,
		Auditor:   s.Auditor,
	})
	s.introspection = validation.NewIntrospectionRequestValidator(validation.IntrospectionRequestValidatorConfig{
		Options:       opts,
		Tokens:        s.tokenValidator,
		RefreshTokens: s.RefreshTokens,
		Auditor:       s.Auditor,
	})
	s.endSession = validation.NewEndSessionRequestValidator(validation.EndSessionRequestValidatorConfig{
		Options: opts,
		Tokens:  s.tokenValidator,
		Auditor: s.Auditor,
	})

	if inst := s.Instrumentation; inst != nil {
		s.authorizeValidator.SetInstrumentation(inst)
		s.clientSecrets.SetInstrumentation(inst)
		s.tokenRequests.SetInstrumentation(inst)
		s.backchannel.SetInstrumentation(inst)
		s.introspection.SetInstrumentation(inst)
		s.endSession.SetInstrumentation(inst)
	}
}

func (s *Server) buildGenerators(notifier response.BackchannelUserNotifier) {
	tokens := response.NewTokenCreationService(response.TokenCreationConfig{
		Issuer:          s.Config.Issuer,
		Keys:            s.keys,
		ReferenceTokens: s.ReferenceTokens,
		Logger:          s.Logger,
		Clock:           s.clock,
	})

	s.authorizeResponses = response.NewAuthorizeResponseGenerator(response.AuthorizeResponseGeneratorConfig{
		Issuer:              s.Config.Issuer,
		Codes:               s.AuthorizationCodes,
		Tokens:              tokens,
		PushedAuthorization: s.PushedAuthorization,
		EmitSessionState:    !s.Config.Endpoints.DisableSessionState,
		EmitIssuer:          !s.Config.Endpoints.DisableIssuerParameter,
		Auditor:             s.Auditor,
		Logger:              s.Logger,
		Clock:               s.clock,
	})
	s.tokenResponses = response.NewTokenResponseGenerator(response.TokenResponseGeneratorConfig{
		Tokens:        tokens,
		RefreshTokens: s.RefreshTokenService,
		Auditor:       s.Auditor,
		Logger:        s.Logger,
	})
	s.pushedResponses = response.NewPushedAuthorizationResponseGenerator(s.PushedAuthorization, s.Config.PushedAuthorization.Lifetime, s.Auditor, s.clock)
	s.backchannelResponses = response.NewBackchannelAuthenticationResponseGenerator(response.BackchannelAuthenticationResponseGeneratorConfig{
		Store:                  s.BackchannelRequests,
		Notifier:               notifier,
		DefaultLifetime:        s.Config.CIBA.DefaultLifetime,
		DefaultPollingInterval: s.Config.CIBA.DefaultPollingInterval,
		Auditor:                s.Auditor,
		Logger:                 s.Logger,
		Clock:                  s.clock,
	})

	if inst := s.Instrumentation; inst != nil {
		s.authorizeResponses.SetInstrumentation(inst)
		s.tokenResponses.SetInstrumentation(inst)
	}
}

// endpoint returns the absolute URL of path
func (s *Server) endpoint(path string) string {
	return strings.TrimSuffix(s.Config.Issuer, "/") + path
}

// RunCleanup removes expired grants, pushed requests and sessions until ctx is done.
// It returns immediately when cleanup is disabled.
func (s *Server) RunCleanup(ctx context.Context) error {
	if s.Config.Cleanup.Disabled {
		return nil
	}
	return s.cleanup.Run(ctx)
}

// Shutdown releases the resources owned by the server
func (s *Server) Shutdown() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// allow reports whether the caller is within the rate limit. Always true when
// rate limiting is disabled.
func (s *Server) allow(ctx context.Context, clientIP, endpoint string) bool {
	if s.rateLimiter == nil || s.rateLimiter.Allow(ctx, clientIP) {
		return true
	}
	s.Auditor.LogRateLimitExceeded(ctx, "", clientIP, endpoint)
	return false
}

// ==================== Client authentication ====================

// AuthenticateClient authenticates the client of a back-channel request from its
// Authorization header and form parameters.
func (s *Server) AuthenticateClient(ctx context.Context, authorization string, form url.Values, clientIP string) (*validation.ClientAuthentication, *Error, error) {
	secret, perr := validation.ParseClientCredentials(authorization, form)
	if perr != nil {
		return nil, FromValidationError(perr), nil
	}
	result, err := s.clientSecrets.Validate(ctx, secret, clientIP)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to authenticate client: %w", err)
	}
	if result.IsError() {
		return nil, ErrInvalidClient(result.Error.Description), nil
	}
	return result.Request, nil, nil
}

// ==================== Authorize ====================

// ValidateAuthorizeRequest validates a front-channel authorize request for the
// current user, who may be nil.
func (s *Server) ValidateAuthorizeRequest(ctx context.Context, raw url.Values, subject *storage.Subject) (*validation.Result[validation.AuthorizeRequest], error) {
	return s.authorizeValidator.Validate(ctx, raw, subject)
}

// LoginRequired reports whether the user must sign in before the request can be
// answered: nobody is signed in, the client asked for a fresh login or account
// selection, or the authentication is older than max_age. suppressed lists prompt
// values already satisfied by a previous login round trip.
func (s *Server) LoginRequired(req *validation.AuthorizeRequest, suppressed []string) bool {
	if !req.Subject.IsAuthenticated() {
		return true
	}
	for _, prompt := range req.PromptModes {
		if (prompt == validation.PromptLogin || prompt == validation.PromptSelectAccount) && !slices.Contains(suppressed, prompt) {
			return true
		}
	}
	if req.MaxAge != nil && !req.Subject.AuthTime.IsZero() {
		maxAge := time.Duration(*req.MaxAge) * time.Second
		if s.clock().After(req.Subject.AuthTime.Add(maxAge)) {
			return true
		}
	}
	return false
}

// CreateAuthorizeResponse issues the code and tokens of a validated authorize request
func (s *Server) CreateAuthorizeResponse(ctx context.Context, req *validation.AuthorizeRequest) (*response.AuthorizeResponse, error) {
	return s.authorizeResponses.CreateResponse(ctx, req)
}

// ==================== Pushed authorization ====================

// PushAuthorizationRequest validates and stores the parameters of a pushed request
func (s *Server) PushAuthorizationRequest(ctx context.Context, raw url.Values, auth *validation.ClientAuthentication) (*response.PushedAuthorizationResponse, *Error, error) {
	if s.Config.PushedAuthorization.Disabled {
		return nil, ErrInvalidRequest("Pushed authorization is disabled."), nil
	}
	result, err := s.pushedValidator.Validate(ctx, raw, auth)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to validate pushed authorization request: %w", err)
	}
	if result.IsError() {
		return nil, FromValidationError(result.Error), nil
	}
	resp, err := s.pushedResponses.CreateResponse(ctx, result.Request)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to store pushed authorization request: %w", err)
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordPushedRequestStored(ctx, auth.Client.ClientID)
	}
	return resp, nil, nil
}

// ==================== Token ====================

// ProcessTokenRequest validates a token request of an authenticated client and
// issues the tokens
func (s *Server) ProcessTokenRequest(ctx context.Context, raw url.Values, auth *validation.ClientAuthentication) (*response.TokenResponse, *Error, error) {
	result, err := s.tokenRequests.Validate(ctx, raw, auth)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to validate token request: %w", err)
	}
	if result.IsError() {
		return nil, FromValidationError(result.Error), nil
	}
	resp, err := s.tokenResponses.ProcessRequest(ctx, result.Request)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create token response: %w", err)
	}
	return resp, nil, nil
}

// ==================== Backchannel authentication ====================

// ProcessBackchannelRequest validates a backchannel authentication request of an
// authenticated client, stores it and notifies the user
func (s *Server) ProcessBackchannelRequest(ctx context.Context, raw url.Values, auth *validation.ClientAuthentication) (*response.BackchannelAuthenticationResponse, *Error, error) {
	result, err := s.backchannel.Validate(ctx, raw, auth)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to validate backchannel request: %w", err)
	}
	if result.IsError() {
		return nil, FromValidationError(result.Error), nil
	}
	resp, err := s.backchannelResponses.CreateResponse(ctx, result.Request)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create backchannel response: %w", err)
	}
	return resp, nil, nil
}

// CompleteBackchannelLogin records the user's decision on a pending backchannel
// request. An empty authorizedScopes denies the request.
func (s *Server) CompleteBackchannelLogin(ctx context.Context, internalID string, subject *storage.Subject, authorizedScopes []string) error {
	login, err := s.BackchannelRequests.GetByInternalID(ctx, internalID)
	if err != nil {
		return fmt.Errorf("failed to load backchannel request: %w", err)
	}
	if login.IsComplete {
		return fmt.Errorf("backchannel request is already complete")
	}
	if subject.SubjectID() != login.Subject.SubjectID() {
		return fmt.Errorf("backchannel request belongs to another user")
	}
	for _, scope := range authorizedScopes {
		if !slices.Contains(login.RequestedScopes, scope) {
			return fmt.Errorf("scope %q was not requested", scope)
		}
	}

	login.IsComplete = true
	login.AuthorizedScopes = authorizedScopes
	login.SessionID = subject.SessionID
	login.Subject = subject
	if err := s.BackchannelRequests.UpdateByInternalID(ctx, internalID, login); err != nil {
		return fmt.Errorf("failed to update backchannel request: %w", err)
	}

	s.Auditor.LogEvent(ctx, security.Event{
		Type:      security.EventBackchannelAuthenticationCompleted,
		SubjectID: subject.SubjectID(),
		ClientID:  login.ClientID,
		Details:   map[string]any{"denied": len(authorizedScopes) == 0},
	})
	return nil
}

// ==================== Introspection ====================

// AuthenticateIntrospectionCaller authenticates an API with its secret, or a
// confidential client. Public clients cannot introspect.
func (s *Server) AuthenticateIntrospectionCaller(ctx context.Context, authorization string, form url.Values, clientIP string) (*storage.APIResource, *storage.Client, *Error, error) {
	secret, perr := validation.ParseClientCredentials(authorization, form)
	if perr != nil {
		return nil, nil, FromValidationError(perr), nil
	}
	if secret == nil || secret.Credential == "" {
		return nil, nil, ErrInvalidClient("Client authentication is required"), nil
	}

	api, err := s.apiSecrets.Validate(ctx, secret, clientIP)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to authenticate api: %w", err)
	}
	if !api.IsError() {
		return api.Request, nil, nil, nil
	}

	client, err := s.clientSecrets.Validate(ctx, secret, clientIP)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to authenticate client: %w", err)
	}
	if client.IsError() || client.Request.Public {
		return nil, nil, ErrInvalidClient(""), nil
	}
	return nil, client.Request.Client, nil, nil
}

// Introspect resolves the state of a token for an authenticated API or client
func (s *Server) Introspect(ctx context.Context, raw url.Values, api *storage.APIResource, client *storage.Client) (*IntrospectionResponse, *Error, error) {
	result, err := s.introspection.Validate(ctx, raw, api, client)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to introspect token: %w", err)
	}
	if result.IsError() {
		return nil, FromValidationError(result.Error), nil
	}

	req := result.Request
	resp := &IntrospectionResponse{Active: req.IsActive}
	switch {
	case req.AccessToken != nil:
		token := req.AccessToken
		resp.Scope = util.JoinSpaceDelimited(token.Scopes)
		resp.ClientID = token.ClientID
		resp.Subject = token.SubjectID
		resp.SessionID = token.SessionID
		resp.Audience = token.Audiences
		resp.Issuer = s.Config.Issuer
		resp.IssuedAt = unixOrZero(token.IssuedAt)
		resp.ExpiresAt = unixOrZero(token.Expiration)
		resp.JWTID = token.JWTID
		resp.TokenType = validation.TokenTypeHintAccessToken
	case req.RefreshToken != nil:
		token := req.RefreshToken
		resp.Scope = util.JoinSpaceDelimited(token.AuthorizedScopes)
		resp.ClientID = token.ClientID
		resp.Subject = token.SubjectID()
		resp.SessionID = token.SessionID
		resp.Issuer = s.Config.Issuer
		resp.IssuedAt = unixOrZero(token.CreationTime)
		resp.ExpiresAt = unixOrZero(token.Expiration())
		resp.TokenType = validation.TokenTypeHintRefreshToken
	}
	return resp, nil, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// ==================== End session ====================

// EndSessionResult is the outcome of a validated end session request
type EndSessionResult struct {
	Request *validation.EndSessionRequest

	// RedirectURI is the post logout redirect URI with state, or empty
	RedirectURI string

	// GrantsRemoved counts the tokens revoked with the user session
	GrantsRemoved int
}

// EndSession validates an end session request and revokes the tokens bound to the
// user session of coordinating clients
func (s *Server) EndSession(ctx context.Context, raw url.Values, subject *storage.Subject) (*EndSessionResult, *Error, error) {
	result, err := s.endSession.Validate(ctx, raw, subject)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to validate end session request: %w", err)
	}
	if result.IsError() {
		return nil, FromValidationError(result.Error), nil
	}

	req := result.Request
	out := &EndSessionResult{Request: req}
	if req.PostLogoutRedirectURI != "" {
		out.RedirectURI, err = appendQuery(req.PostLogoutRedirectURI, validation.ParamState, req.State)
		if err != nil {
			return nil, nil, err
		}
	}

	if s.Sessions != nil && subject.IsAuthenticated() {
		out.GrantsRemoved, err = s.Sessions.ProcessLogout(ctx, subject.ID, subject.SessionID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to process logout: %w", err)
		}
	}

	s.Auditor.LogEvent(ctx, security.Event{
		Type:      security.EventUserSignedOut,
		SubjectID: subject.SubjectID(),
		ClientID:  req.ClientID,
		Details:   map[string]any{"grants_removed": out.GrantsRemoved},
	})
	return out, nil, nil
}

// appendQuery adds key=value to the query of uri. Empty values are skipped.
func appendQuery(uri, key, value string) (string, error) {
	if value == "" {
		return uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("failed to parse uri: %w", err)
	}
	query := u.Query()
	query.Set(key, value)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// ==================== Discovery ====================

// Discovery returns the OpenID provider metadata
func (s *Server) Discovery(ctx context.Context) (*DiscoveryDocument, error) {
	key, err := s.keys.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	algorithm := key.Algorithm
	if algorithm == "" {
		algorithm = response.DefaultSigningAlgorithm
	}

	doc := &DiscoveryDocument{
		Issuer:                                 s.Config.Issuer,
		JWKSURI:                                s.endpoint(PathJWKS),
		AuthorizationEndpoint:                  s.endpoint(PathAuthorize),
		TokenEndpoint:                          s.endpoint(PathToken),
		IntrospectionEndpoint:                  s.endpoint(PathIntrospection),
		EndSessionEndpoint:                     s.endpoint(PathEndSession),
		BackchannelAuthenticationEndpoint:      s.endpoint(PathBackchannelAuthentication),
		BackchannelTokenDeliveryModesSupported: []string{"poll"},
		BackchannelUserCodeParameterSupported:  true,
		GrantTypesSupported: []string{
			storage.GrantTypeAuthorizationCode,
			storage.GrantTypeClientCredentials,
			storage.GrantTypeRefreshToken,
			storage.GrantTypeImplicit,
			storage.GrantTypeDeviceCode,
			storage.GrantTypeCIBA,
		},
		ResponseTypesSupported: []string{
			validation.ResponseTypeCode,
			validation.ResponseTypeToken,
			validation.ResponseTypeIDToken,
			validation.ResponseTypeIDTokenToken,
			validation.ResponseTypeCodeIDToken,
			validation.ResponseTypeCodeToken,
			validation.ResponseTypeCodeIDTokenToken,
		},
		ResponseModesSupported: []string{validation.ResponseModeFormPost, validation.ResponseModeQuery, validation.ResponseModeFragment},
		TokenEndpointAuthMethodsSupported: []string{
			validation.AuthMethodClientSecretBasic,
			validation.AuthMethodClientSecretPost,
			validation.AuthMethodPrivateKeyJWT,
		},
		SubjectTypesSupported:                      []string{"public"},
		IDTokenSigningAlgValuesSupported:           []string{algorithm},
		CodeChallengeMethodsSupported:              []string{validation.CodeChallengeMethodPlain, validation.CodeChallengeMethodS256},
		RequestParameterSupported:                  true,
		RequestURIParameterSupported:               s.Config.Security.EnableRequestURI,
		PromptValuesSupported:                      s.Config.Endpoints.PromptValuesSupported,
		AuthorizationResponseIssParameterSupported: !s.Config.Endpoints.DisableIssuerParameter,
	}
	if !s.Config.PushedAuthorization.Disabled {
		doc.PushedAuthorizationRequestEndpoint = s.endpoint(PathPushedAuthorization)
		doc.RequirePushedAuthorizationRequests = s.Config.PushedAuthorization.Required
	}
	return doc, nil
}

// JSONWebKeySet returns the public keys validating issued tokens
func (s *Server) JSONWebKeySet(ctx context.Context) (any, error) {
	set, err := s.keys.ValidationKeys(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load validation keys: %w", err)
	}
	return set, nil
}
