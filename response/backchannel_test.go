package response

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/validation"
)

type recordingNotifier struct {
	requests []*BackchannelLoginRequest
	err      error
}

func (n *recordingNotifier) SendLoginRequest(_ context.Context, req *BackchannelLoginRequest) error {
	n.requests = append(n.requests, req)
	return n.err
}

func (f *fixture) backchannelRequest(t *testing.T, clientID string) *validation.BackchannelAuthenticationRequest {
	t.Helper()
	client := f.client(t, clientID)
	return &validation.BackchannelAuthenticationRequest{
		Client:                          client,
		RequestedScopes:                 []string{"openid", "api1"},
		ValidatedResources:              f.resources(t, client, "openid", "api1"),
		AuthenticationContextReferences: []string{"mfa"},
		IdP:                             "google",
		BindingMessage:                  "W4SCT",
		Subject:                         subject(),
	}
}

func TestBackchannelAuthenticationResponseGenerator_CreateResponse(t *testing.T) {
	f := newFixture(t)
	store := grants.NewBackChannelAuthenticationRequestStore(f.backend, nil, nil)
	notifier := &recordingNotifier{}
	g := NewBackchannelAuthenticationResponseGenerator(BackchannelAuthenticationResponseGeneratorConfig{
		Store:    store,
		Notifier: notifier,
		Logger:   f.logger,
		Clock:    f.clock.Now,
	})

	req := f.backchannelRequest(t, "ciba")
	req.RequestedExpiry = 2 * time.Minute

	resp, err := g.CreateResponse(f.ctx, req)
	if err != nil {
		t.Fatalf("CreateResponse() error = %v", err)
	}
	if resp.AuthenticationRequestID == "" || resp.ExpiresIn != 120 || resp.Interval != 5 {
		t.Errorf("response = %+v", resp)
	}

	login, err := store.GetByAuthenticationRequestID(f.ctx, resp.AuthenticationRequestID)
	if err != nil {
		t.Fatalf("GetByAuthenticationRequestID() error = %v", err)
	}
	if login.ClientID != "ciba" || login.Subject.SubjectID() != "bob" || login.IsComplete {
		t.Errorf("ClientID, Subject, IsComplete = %q, %q, %v", login.ClientID, login.Subject.SubjectID(), login.IsComplete)
	}
	if login.BindingMessage != "W4SCT" || login.IdP != "google" {
		t.Errorf("BindingMessage, IdP = %q, %q", login.BindingMessage, login.IdP)
	}
	if diff := cmp.Diff([]string{"openid", "api1"}, login.RequestedScopes); diff != "" {
		t.Errorf("RequestedScopes mismatch (-want +got):\n%s", diff)
	}
	if !login.Expiration().Equal(testNow.Add(2 * time.Minute)) {
		t.Errorf("Expiration() = %v", login.Expiration())
	}

	if len(notifier.requests) != 1 {
		t.Fatalf("notifier called %d times, want 1", len(notifier.requests))
	}
	if got := notifier.requests[0].InternalID; got != login.InternalID {
		t.Errorf("InternalID = %q, want %q", got, login.InternalID)
	}
}

func TestBackchannelAuthenticationResponseGenerator_Defaults(t *testing.T) {
	f := newFixture(t)
	g := NewBackchannelAuthenticationResponseGenerator(BackchannelAuthenticationResponseGeneratorConfig{
		Store:                  grants.NewBackChannelAuthenticationRequestStore(f.backend, nil, nil),
		DefaultLifetime:        10 * time.Minute,
		DefaultPollingInterval: 7 * time.Second,
		Clock:                  f.clock.Now,
	})

	req := f.backchannelRequest(t, "ciba")
	req.Client.PollingInterval = nil

	resp, err := g.CreateResponse(f.ctx, req)
	if err != nil {
		t.Fatalf("CreateResponse() error = %v", err)
	}
	if resp.ExpiresIn != 600 || resp.Interval != 7 {
		t.Errorf("ExpiresIn, Interval = %d, %d, want 600, 7", resp.ExpiresIn, resp.Interval)
	}
}

func TestBackchannelAuthenticationResponseGenerator_NotifierError(t *testing.T) {
	f := newFixture(t)
	notifier := &recordingNotifier{err: errors.New("push gateway unavailable")}
	g := NewBackchannelAuthenticationResponseGenerator(BackchannelAuthenticationResponseGeneratorConfig{
		Store:    grants.NewBackChannelAuthenticationRequestStore(f.backend, nil, nil),
		Notifier: notifier,
		Clock:    f.clock.Now,
	})

	if _, err := g.CreateResponse(f.ctx, f.backchannelRequest(t, "ciba")); !errors.Is(err, notifier.err) {
		t.Errorf("CreateResponse() error = %v, want %v", err, notifier.err)
	}
}

func TestBackchannelAuthenticationResponseGenerator_RequiresUser(t *testing.T) {
	f := newFixture(t)
	g := NewBackchannelAuthenticationResponseGenerator(BackchannelAuthenticationResponseGeneratorConfig{
		Store: grants.NewBackChannelAuthenticationRequestStore(f.backend, nil, nil),
		Clock: f.clock.Now,
	})
	req := f.backchannelRequest(t, "ciba")
	req.Subject = nil

	if _, err := g.CreateResponse(f.ctx, req); err == nil {
		t.Error("CreateResponse() without user succeeded")
	}
}
