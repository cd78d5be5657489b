package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/giantswarm/oidc-engine/storage"
)

// SessionValidationType identifies the artifact whose session is being validated.
type SessionValidationType string

const (
	SessionValidationRefreshToken SessionValidationType = "refresh_token"
	SessionValidationAccessToken  SessionValidationType = "access_token"
)

// SessionValidationRequest describes a token whose validity depends on its session.
type SessionValidationRequest struct {
	SubjectID string
	SessionID string
	Client    *storage.Client
	Type      SessionValidationType
}

// SessionValidator decides whether the session behind a token is still valid.
type SessionValidator interface {
	ValidateSession(ctx context.Context, req SessionValidationRequest) (bool, error)
}

// coordinatedGrantTypes are removed when their session ends
var coordinatedGrantTypes = []string{
	storage.RefreshTokenGrantType,
	storage.ReferenceTokenGrantType,
}

// SessionCoordinationConfig configures SessionCoordinationService.
type SessionCoordinationConfig struct {
	// CoordinateClientLifetimesWithUserSession is the default for clients that do not
	// set CoordinateLifetimeWithUserSession.
	CoordinateClientLifetimesWithUserSession bool

	// SlidingSessionLifetime, when positive, extends a validated session that has an
	// expiry to now + SlidingSessionLifetime.
	SlidingSessionLifetime time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
}

// SessionCoordinationService coordinates token lifetimes with server-side sessions.
type SessionCoordinationService struct {
	sessions storage.ServerSideSessionStore
	grants   storage.GrantStore
	clients  storage.ClientStore

	coordinateByDefault bool
	slidingLifetime     time.Duration
	logger              *slog.Logger
	now                 func() time.Time
}

var _ SessionValidator = (*SessionCoordinationService)(nil)

// NewSessionCoordinationService creates the service. sessions may be nil when
// server-side sessions are not used, in which case every session is valid.
func NewSessionCoordinationService(sessions storage.ServerSideSessionStore, grants storage.GrantStore, clients storage.ClientStore, cfg SessionCoordinationConfig) *SessionCoordinationService {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &SessionCoordinationService{
		sessions:            sessions,
		grants:              grants,
		clients:             clients,
		coordinateByDefault: cfg.CoordinateClientLifetimesWithUserSession,
		slidingLifetime:     cfg.SlidingSessionLifetime,
		logger:              cfg.Logger,
		now:                 cfg.Clock,
	}
}

// ShouldCoordinate reports whether the client's token lifetimes follow the user session.
func (s *SessionCoordinationService) ShouldCoordinate(client *storage.Client) bool {
	if client == nil {
		return false
	}
	if client.CoordinateLifetimeWithUserSession != nil {
		return *client.CoordinateLifetimeWithUserSession
	}
	return s.coordinateByDefault
}

// ProcessLogout removes the refresh and reference tokens issued within the session for
// every coordinating client. It returns the number of grants removed.
func (s *SessionCoordinationService) ProcessLogout(ctx context.Context, subjectID, sessionID string) (int, error) {
	if subjectID == "" || sessionID == "" {
		return 0, nil
	}

	grants, err := s.grants.GetAllGrants(ctx, storage.GrantFilter{
		SubjectID: subjectID,
		SessionID: sessionID,
		Types:     coordinatedGrantTypes,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load session grants: %w", err)
	}

	seen := make(map[string]bool)
	var clientIDs []string
	for _, grant := range grants {
		if seen[grant.ClientID] {
			continue
		}
		seen[grant.ClientID] = true

		coordinate, err := s.clientCoordinates(ctx, grant.ClientID)
		if err != nil {
			return 0, err
		}
		if coordinate {
			clientIDs = append(clientIDs, grant.ClientID)
		}
	}
	if len(clientIDs) == 0 {
		return 0, nil
	}
	slices.Sort(clientIDs)

	removed, err := s.grants.RemoveAllGrants(ctx, storage.GrantFilter{
		SubjectID: subjectID,
		SessionID: sessionID,
		ClientIDs: clientIDs,
		Types:     coordinatedGrantTypes,
	})
	if err != nil {
		return removed, fmt.Errorf("failed to remove session grants: %w", err)
	}

	s.logger.Debug("Removed grants for ended session",
		"count", removed,
		"clients", clientIDs)
	return removed, nil
}

// ProcessExpiration handles a session removed by the cleanup service.
func (s *SessionCoordinationService) ProcessExpiration(ctx context.Context, session *storage.ServerSideSession) error {
	if session == nil {
		return nil
	}
	_, err := s.ProcessLogout(ctx, session.SubjectID, session.SessionID)
	return err
}

// ValidateSession reports whether the session behind a token still exists and has not
// expired. Clients that do not coordinate with the user session always validate.
func (s *SessionCoordinationService) ValidateSession(ctx context.Context, req SessionValidationRequest) (bool, error) {
	if s.sessions == nil || !s.ShouldCoordinate(req.Client) || req.SubjectID == "" {
		return true, nil
	}

	sessions, err := s.sessions.GetSessions(ctx, storage.SessionFilter{
		SubjectID: req.SubjectID,
		SessionID: req.SessionID,
	})
	if err != nil {
		return false, fmt.Errorf("failed to load sessions: %w", err)
	}

	now := s.now()
	var current *storage.ServerSideSession
	for _, session := range sessions {
		if !session.HasExpired(now) {
			current = session
			break
		}
	}
	if current == nil {
		s.logger.Debug("Session validation failed",
			"type", req.Type,
			"client_id", req.Client.ClientID,
			"sessions", len(sessions))
		return false, nil
	}

	if s.slidingLifetime > 0 && current.Expires != nil {
		renewed := current.Clone()
		expires := now.Add(s.slidingLifetime)
		renewed.Renewed = now
		renewed.Expires = &expires
		if err := s.sessions.UpdateSession(ctx, renewed); err != nil {
			s.logger.Warn("Failed to extend session", "error", err)
		}
	}
	return true, nil
}

func (s *SessionCoordinationService) clientCoordinates(ctx context.Context, clientID string) (bool, error) {
	client, err := s.clients.FindClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load client: %w", err)
	}
	return s.ShouldCoordinate(client), nil
}
