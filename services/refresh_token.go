package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
)

// RefreshTokenVersion is the payload version written for new refresh tokens
const RefreshTokenVersion = 5

// RefreshTokenValidation is the outcome of validating a refresh token handle.
// A non-empty Error describes why the token is not valid; the token endpoint reports
// it as invalid_grant.
type RefreshTokenValidation struct {
	RefreshToken *grants.RefreshToken
	Client       *storage.Client
	Error        string
}

// IsError reports whether the refresh token was rejected.
func (v *RefreshTokenValidation) IsError() bool { return v.Error != "" }

func invalidRefreshToken(description string) *RefreshTokenValidation {
	return &RefreshTokenValidation{Error: description}
}

// RefreshTokenCreationRequest describes a refresh token to create.
type RefreshTokenCreationRequest struct {
	Subject                      *storage.Subject
	Client                       *storage.Client
	AccessToken                  *grants.Token
	AuthorizedScopes             []string
	AuthorizedResourceIndicators []string
	Description                  string
}

// RefreshTokenUpdateRequest describes the use of a refresh token at the token endpoint.
type RefreshTokenUpdateRequest struct {
	Handle       string
	Client       *storage.Client
	RefreshToken *grants.RefreshToken

	// AccessToken is the newly issued access token to remember with the refresh token
	AccessToken *grants.Token

	// MustUpdate forces a store write even when the usage and expiration policies
	// would not change the stored token
	MustUpdate bool
}

// RefreshTokenService validates, creates and updates refresh tokens.
type RefreshTokenService interface {
	ValidateRefreshToken(ctx context.Context, handle string, client *storage.Client) (*RefreshTokenValidation, error)
	CreateRefreshToken(ctx context.Context, req *RefreshTokenCreationRequest) (string, error)
	UpdateRefreshToken(ctx context.Context, req *RefreshTokenUpdateRequest) (string, error)
}

// RefreshTokenConfig configures DefaultRefreshTokenService.
type RefreshTokenConfig struct {
	// DeleteOneTimeOnlyRefreshTokensOnUse removes a OneTimeOnly token when it is used
	// instead of marking it consumed. Consumed tokens allow replay detection.
	DeleteOneTimeOnlyRefreshTokensOnUse bool

	// RevokeOnReuse removes every refresh token of the subject and client when a
	// consumed token is presented again
	RevokeOnReuse bool

	Logger  *slog.Logger
	Clock   func() time.Time
	Auditor *security.Auditor
}

// DefaultRefreshTokenService implements RefreshTokenService over a RefreshTokenStore.
type DefaultRefreshTokenService struct {
	store           *grants.RefreshTokenStore
	deleteOnUse     bool
	revokeOnReuse   bool
	logger          *slog.Logger
	now             func() time.Time
	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
}

var _ RefreshTokenService = (*DefaultRefreshTokenService)(nil)

// NewDefaultRefreshTokenService creates the service.
func NewDefaultRefreshTokenService(store *grants.RefreshTokenStore, cfg RefreshTokenConfig) *DefaultRefreshTokenService {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &DefaultRefreshTokenService{
		store:         store,
		deleteOnUse:   cfg.DeleteOneTimeOnlyRefreshTokensOnUse,
		revokeOnReuse: cfg.RevokeOnReuse,
		logger:        cfg.Logger,
		now:           cfg.Clock,
		auditor:       cfg.Auditor,
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for refresh token metrics
func (s *DefaultRefreshTokenService) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// ValidateRefreshToken loads the token for handle and checks it is usable by client.
// An expired token is removed.
func (s *DefaultRefreshTokenService) ValidateRefreshToken(ctx context.Context, handle string, client *storage.Client) (*RefreshTokenValidation, error) {
	token, err := s.store.GetRefreshToken(ctx, handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("Refresh token not found", "handle", util.SafeTruncate(handle, 8))
			return invalidRefreshToken("Refresh token not found"), nil
		}
		return nil, err
	}

	if token.HasExpired(s.now()) {
		s.logger.Warn("Refresh token has expired", "client_id", token.ClientID)
		if _, err := s.store.RemoveRefreshToken(ctx, handle); err != nil {
			s.logger.Warn("Failed to remove expired refresh token", "error", err)
		}
		return invalidRefreshToken("Refresh token has expired"), nil
	}

	if token.ClientID != client.ClientID {
		s.logger.Warn("Refresh token issued to another client",
			"client_id", client.ClientID,
			"token_client_id", token.ClientID)
		return invalidRefreshToken("Invalid client binding"), nil
	}

	if !client.AllowOfflineAccess {
		s.logger.Warn("Client does not have access to offline_access anymore", "client_id", client.ClientID)
		return invalidRefreshToken("Client does not have access to offline_access scope anymore"), nil
	}

	if token.ConsumedTime != nil {
		s.handleReuse(ctx, token)
		return invalidRefreshToken("Refresh token has been consumed"), nil
	}

	return &RefreshTokenValidation{RefreshToken: token, Client: client}, nil
}

func (s *DefaultRefreshTokenService) handleReuse(ctx context.Context, token *grants.RefreshToken) {
	s.logger.Warn("Consumed refresh token presented again",
		"client_id", token.ClientID,
		"consumed_at", token.ConsumedTime)
	s.auditor.LogReuseDetected(ctx, security.EventRefreshTokenReuseDetected, token.SubjectID(), token.ClientID)

	if !s.revokeOnReuse {
		return
	}
	n, err := s.store.RemoveRefreshTokens(ctx, token.SubjectID(), token.ClientID)
	if err != nil {
		s.logger.Warn("Failed to revoke refresh tokens after reuse", "error", err)
		return
	}
	s.logger.Info("Revoked refresh tokens after reuse", "client_id", token.ClientID, "count", n)
}

// lifetime returns the initial lifetime of a refresh token for client.
func refreshTokenLifetime(client *storage.Client) time.Duration {
	if client.RefreshTokenExpiration == storage.TokenExpirationAbsolute {
		return client.AbsoluteRefreshTokenLifetime
	}
	lifetime := client.SlidingRefreshTokenLifetime
	if client.AbsoluteRefreshTokenLifetime > 0 && lifetime > client.AbsoluteRefreshTokenLifetime {
		lifetime = client.AbsoluteRefreshTokenLifetime
	}
	return lifetime
}

// CreateRefreshToken stores a new refresh token and returns its handle.
func (s *DefaultRefreshTokenService) CreateRefreshToken(ctx context.Context, req *RefreshTokenCreationRequest) (string, error) {
	if req == nil || req.Client == nil || req.Subject == nil {
		return "", fmt.Errorf("refresh token creation requires a client and a subject")
	}

	token := &grants.RefreshToken{
		CreationTime:                 s.now(),
		Lifetime:                     refreshTokenLifetime(req.Client),
		ClientID:                     req.Client.ClientID,
		Subject:                      req.Subject,
		SessionID:                    req.Subject.SessionID,
		Description:                  req.Description,
		AuthorizedScopes:             req.AuthorizedScopes,
		AuthorizedResourceIndicators: req.AuthorizedResourceIndicators,
		AccessToken:                  req.AccessToken,
		Version:                      RefreshTokenVersion,
	}
	return s.store.StoreRefreshToken(ctx, token)
}

// UpdateRefreshToken applies the client's usage and expiration policies to a used
// refresh token and returns the handle the client must use next.
func (s *DefaultRefreshTokenService) UpdateRefreshToken(ctx context.Context, req *RefreshTokenUpdateRequest) (string, error) {
	if req == nil || req.Client == nil || req.RefreshToken == nil {
		return "", fmt.Errorf("refresh token update requires a client and a token")
	}

	token := req.RefreshToken
	handle := req.Handle
	now := s.now()

	needsCreate := false
	needsUpdate := req.MustUpdate

	if req.Client.RefreshTokenUsage == storage.TokenUsageOneTimeOnly {
		if s.deleteOnUse {
			if _, err := s.store.RemoveRefreshToken(ctx, handle); err != nil {
				return "", err
			}
		} else {
			if err := s.store.MarkConsumed(ctx, handle, token, now); err != nil {
				return "", err
			}
		}
		needsCreate = true
	}

	if req.Client.RefreshTokenExpiration == storage.TokenExpirationSliding {
		// The absolute lifetime caps the slide; zero allows sliding indefinitely.
		lifetime := now.Sub(token.CreationTime) + req.Client.SlidingRefreshTokenLifetime
		if req.Client.AbsoluteRefreshTokenLifetime > 0 && lifetime > req.Client.AbsoluteRefreshTokenLifetime {
			lifetime = req.Client.AbsoluteRefreshTokenLifetime
		}
		token.Lifetime = lifetime
		needsUpdate = true
	}

	if req.AccessToken != nil {
		token.AccessToken = req.AccessToken
		needsUpdate = true
	}

	switch {
	case needsCreate:
		token.ConsumedTime = nil
		newHandle, err := s.store.StoreRefreshToken(ctx, token)
		if err != nil {
			return "", err
		}
		handle = newHandle
	case needsUpdate:
		if err := s.store.UpdateRefreshToken(ctx, handle, token); err != nil {
			return "", err
		}
	}

	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordRefreshTokenUpdate(ctx, req.Client.ClientID, needsCreate)
	}
	s.auditor.LogRefreshTokenUpdated(ctx, token.SubjectID(), req.Client.ClientID, needsCreate)
	return handle, nil
}

// ServerSideSessionRefreshTokenService rejects refresh tokens whose server-side session
// is gone. Creation and update are delegated unchanged.
type ServerSideSessionRefreshTokenService struct {
	inner    RefreshTokenService
	sessions SessionValidator
	store    *grants.RefreshTokenStore
	logger   *slog.Logger
}

var _ RefreshTokenService = (*ServerSideSessionRefreshTokenService)(nil)

// NewServerSideSessionRefreshTokenService decorates inner with session validation.
// When store is non-nil a refresh token rejected because of its session is removed
// instead of being left to expire.
func NewServerSideSessionRefreshTokenService(inner RefreshTokenService, sessions SessionValidator, store *grants.RefreshTokenStore, logger *slog.Logger) *ServerSideSessionRefreshTokenService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServerSideSessionRefreshTokenService{
		inner:    inner,
		sessions: sessions,
		store:    store,
		logger:   logger,
	}
}

// ValidateRefreshToken validates with the inner service, then checks the session.
func (s *ServerSideSessionRefreshTokenService) ValidateRefreshToken(ctx context.Context, handle string, client *storage.Client) (*RefreshTokenValidation, error) {
	result, err := s.inner.ValidateRefreshToken(ctx, handle, client)
	if err != nil || result.IsError() {
		return result, err
	}

	valid, err := s.sessions.ValidateSession(ctx, SessionValidationRequest{
		SubjectID: result.RefreshToken.SubjectID(),
		SessionID: result.RefreshToken.SessionID,
		Client:    result.Client,
		Type:      SessionValidationRefreshToken,
	})
	if err != nil {
		return nil, err
	}
	if valid {
		return result, nil
	}

	if s.store != nil {
		if _, err := s.store.RemoveRefreshToken(ctx, handle); err != nil {
			s.logger.Warn("Failed to remove refresh token of ended session", "error", err)
		}
	}
	return invalidRefreshToken("Session has ended"), nil
}

// CreateRefreshToken delegates to the inner service.
func (s *ServerSideSessionRefreshTokenService) CreateRefreshToken(ctx context.Context, req *RefreshTokenCreationRequest) (string, error) {
	return s.inner.CreateRefreshToken(ctx, req)
}

// UpdateRefreshToken delegates to the inner service.
func (s *ServerSideSessionRefreshTokenService) UpdateRefreshToken(ctx context.Context, req *RefreshTokenUpdateRequest) (string, error) {
	return s.inner.UpdateRefreshToken(ctx, req)
}
