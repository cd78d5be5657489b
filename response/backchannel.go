package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/services"
	"github.com/giantswarm/oidc-engine/validation"
)

// BackchannelAuthenticationResponse is the JSON body of a successful backchannel
// authentication response.
type BackchannelAuthenticationResponse struct {
	AuthenticationRequestID string `json:"auth_req_id"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// BackchannelLoginRequest is passed to a BackchannelUserNotifier.
type BackchannelLoginRequest struct {
	// InternalID identifies the stored request for the completion callback
	InternalID string

	Request *validation.BackchannelAuthenticationRequest
}

// BackchannelUserNotifier contacts the user's authentication device.
type BackchannelUserNotifier interface {
	SendLoginRequest(ctx context.Context, req *BackchannelLoginRequest) error
}

// BackchannelAuthenticationResponseGeneratorConfig configures
// BackchannelAuthenticationResponseGenerator.
type BackchannelAuthenticationResponseGeneratorConfig struct {
	Store *grants.BackChannelAuthenticationRequestStore

	// Notifier is optional
	Notifier BackchannelUserNotifier

	DefaultLifetime        time.Duration
	DefaultPollingInterval time.Duration

	Auditor *security.Auditor
	Logger  *slog.Logger
	Clock   func() time.Time
}

// BackchannelAuthenticationResponseGenerator stores validated backchannel requests and
// notifies the user.
type BackchannelAuthenticationResponseGenerator struct {
	store           *grants.BackChannelAuthenticationRequestStore
	notifier        BackchannelUserNotifier
	defaultLifetime time.Duration
	defaultInterval time.Duration
	auditor         *security.Auditor
	logger          *slog.Logger
	now             func() time.Time
}

// NewBackchannelAuthenticationResponseGenerator creates the generator.
func NewBackchannelAuthenticationResponseGenerator(cfg BackchannelAuthenticationResponseGeneratorConfig) *BackchannelAuthenticationResponseGenerator {
	if cfg.DefaultLifetime <= 0 {
		cfg.DefaultLifetime = validation.DefaultCIBALifetime
	}
	if cfg.DefaultPollingInterval <= 0 {
		cfg.DefaultPollingInterval = services.DefaultBackchannelPollingInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &BackchannelAuthenticationResponseGenerator{
		store:           cfg.Store,
		notifier:        cfg.Notifier,
		defaultLifetime: cfg.DefaultLifetime,
		defaultInterval: cfg.DefaultPollingInterval,
		auditor:         cfg.Auditor,
		logger:          cfg.Logger,
		now:             cfg.Clock,
	}
}

// CreateResponse stores req as a pending login and returns its auth_req_id.
func (g *BackchannelAuthenticationResponseGenerator) CreateResponse(ctx context.Context, req *validation.BackchannelAuthenticationRequest) (*BackchannelAuthenticationResponse, error) {
	if req == nil || req.Client == nil || !req.Subject.IsAuthenticated() {
		return nil, errors.New("backchannel response requires a validated request with a user")
	}

	lifetime := req.Lifetime(g.defaultLifetime)
	interval := g.defaultInterval
	if req.Client.PollingInterval != nil {
		interval = *req.Client.PollingInterval
	}

	login := &grants.BackChannelAuthenticationRequest{
		CreationTime:                    g.now().UTC(),
		Lifetime:                        lifetime,
		ClientID:                        req.Client.ClientID,
		Subject:                         req.Subject,
		RequestedScopes:                 req.RequestedScopes,
		RequestedResourceIndicators:     req.RequestedResourceIndicators,
		AuthenticationContextReferences: req.AuthenticationContextReferences,
		Tenant:                          req.Tenant,
		IdP:                             req.IdP,
		BindingMessage:                  req.BindingMessage,
	}
	requestID, err := g.store.CreateRequest(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("failed to store backchannel request: %w", err)
	}

	if g.notifier != nil {
		err := g.notifier.SendLoginRequest(ctx, &BackchannelLoginRequest{InternalID: login.InternalID, Request: req})
		if err != nil {
			return nil, fmt.Errorf("failed to notify user: %w", err)
		}
	}

	g.logger.Debug("Backchannel authentication request stored",
		"client_id", req.Client.ClientID,
		"expires_in", lifetime)
	g.auditor.LogEvent(ctx, security.Event{
		Type:      security.EventBackchannelAuthenticationStarted,
		SubjectID: req.Subject.SubjectID(),
		ClientID:  req.Client.ClientID,
		Details: map[string]any{
			"expires_in": int(lifetime / time.Second),
		},
	})

	return &BackchannelAuthenticationResponse{
		AuthenticationRequestID: requestID,
		ExpiresIn:               int(lifetime / time.Second),
		Interval:                int(interval / time.Second),
	}, nil
}
