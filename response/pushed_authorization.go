package response

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/services"
	"github.com/giantswarm/oidc-engine/validation"
)

// DefaultPushedAuthorizationLifetime applies to clients without a pushed authorization lifetime
const DefaultPushedAuthorizationLifetime = 10 * time.Minute

// PushedAuthorizationResponse is the JSON body of a successful pushed authorization response.
type PushedAuthorizationResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

// client credentials never reach the stored parameter set
var pushedCredentialParameters = []string{
	validation.ParamClientSecret,
	validation.ParamClientAssertion,
	validation.ParamClientAssertionType,
}

// PushedAuthorizationResponseGenerator stores validated pushed requests under a new
// reference value.
type PushedAuthorizationResponseGenerator struct {
	service         *services.PushedAuthorizationService
	defaultLifetime time.Duration
	auditor         *security.Auditor
	now             func() time.Time
}

// NewPushedAuthorizationResponseGenerator creates the generator. A zero defaultLifetime
// selects DefaultPushedAuthorizationLifetime.
func NewPushedAuthorizationResponseGenerator(service *services.PushedAuthorizationService, defaultLifetime time.Duration, auditor *security.Auditor, clock func() time.Time) *PushedAuthorizationResponseGenerator {
	if defaultLifetime <= 0 {
		defaultLifetime = DefaultPushedAuthorizationLifetime
	}
	if clock == nil {
		clock = time.Now
	}
	return &PushedAuthorizationResponseGenerator{
		service:         service,
		defaultLifetime: defaultLifetime,
		auditor:         auditor,
		now:             clock,
	}
}

// CreateResponse stores the parameters of req and returns the request_uri referencing them.
func (g *PushedAuthorizationResponseGenerator) CreateResponse(ctx context.Context, req *validation.AuthorizeRequest) (*PushedAuthorizationResponse, error) {
	if req == nil || req.Client == nil {
		return nil, errors.New("pushed authorization response requires a validated request")
	}

	referenceValue, err := security.GenerateHandle()
	if err != nil {
		return nil, err
	}

	lifetime := g.defaultLifetime
	if req.Client.PushedAuthorizationLifetime != nil {
		lifetime = *req.Client.PushedAuthorizationLifetime
	}

	params := make(map[string][]string, len(req.Raw))
	for key, values := range req.Raw {
		params[key] = append([]string(nil), values...)
	}
	for _, key := range pushedCredentialParameters {
		delete(params, key)
	}

	err = g.service.Store(ctx, &services.PushedAuthorization{
		ReferenceValue: referenceValue,
		Parameters:     params,
		ExpiresAt:      g.now().UTC().Add(lifetime),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store pushed authorization request: %w", err)
	}

	g.auditor.LogEvent(ctx, security.Event{
		Type:     security.EventPushedAuthorizationRequestStored,
		ClientID: req.ClientID,
		Details: map[string]any{
			"expires_in": int(lifetime / time.Second),
		},
	})

	return &PushedAuthorizationResponse{
		RequestURI: validation.PushedAuthorizationRequestURIPrefix + referenceValue,
		ExpiresIn:  int(lifetime / time.Second),
	}, nil
}
