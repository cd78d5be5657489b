package response

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/giantswarm/oidc-engine/services"
	"github.com/giantswarm/oidc-engine/validation"
)

func TestPushedAuthorizationResponseGenerator_CreateResponse(t *testing.T) {
	tests := []struct {
		name          string
		clientID      string
		wantExpiresIn int
	}{
		{name: "client lifetime", clientID: "parclient", wantExpiresIn: 60},
		{name: "default lifetime", clientID: "codeclient", wantExpiresIn: 600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			service := services.NewPushedAuthorizationService(f.backend, nil, f.logger)
			g := NewPushedAuthorizationResponseGenerator(service, 0, nil, f.clock.Now)

			raw := url.Values{
				"client_id":     {tt.clientID},
				"client_secret": {"secret"},
				"response_type": {"code"},
				"scope":         {"openid api1"},
				"resource":      {"urn:api1", "urn:isolated"},
			}
			client := f.client(t, tt.clientID)
			req := &validation.AuthorizeRequest{
				RequestType: validation.RequestTypePushedAuthorization,
				Raw:         raw,
				Client:      client,
				ClientID:    client.ClientID,
			}

			resp, err := g.CreateResponse(f.ctx, req)
			if err != nil {
				t.Fatalf("CreateResponse() error = %v", err)
			}
			if resp.ExpiresIn != tt.wantExpiresIn {
				t.Errorf("ExpiresIn = %d, want %d", resp.ExpiresIn, tt.wantExpiresIn)
			}
			reference, ok := strings.CutPrefix(resp.RequestURI, validation.PushedAuthorizationRequestURIPrefix)
			if !ok || reference == "" {
				t.Fatalf("RequestURI = %q", resp.RequestURI)
			}

			stored, err := service.Get(f.ctx, reference)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			want := url.Values{
				"client_id":     {tt.clientID},
				"response_type": {"code"},
				"scope":         {"openid api1"},
				"resource":      {"urn:api1", "urn:isolated"},
			}
			if diff := cmp.Diff(want, stored.Parameters); diff != "" {
				t.Errorf("Parameters mismatch (-want +got):\n%s", diff)
			}
			if !stored.ExpiresAt.Equal(testNow.Add(time.Duration(tt.wantExpiresIn) * time.Second)) {
				t.Errorf("ExpiresAt = %v", stored.ExpiresAt)
			}
			if raw.Get("client_secret") != "secret" {
				t.Error("request parameters were modified")
			}
		})
	}
}

func TestPushedAuthorizationResponseGenerator_UniqueReferences(t *testing.T) {
	f := newFixture(t)
	service := services.NewPushedAuthorizationService(f.backend, nil, f.logger)
	g := NewPushedAuthorizationResponseGenerator(service, time.Minute, nil, f.clock.Now)
	client := f.client(t, "codeclient")
	req := &validation.AuthorizeRequest{Raw: url.Values{"client_id": {"codeclient"}}, Client: client, ClientID: client.ClientID}

	seen := map[string]bool{}
	for range 5 {
		resp, err := g.CreateResponse(f.ctx, req)
		if err != nil {
			t.Fatalf("CreateResponse() error = %v", err)
		}
		if seen[resp.RequestURI] {
			t.Fatalf("duplicate request_uri %q", resp.RequestURI)
		}
		seen[resp.RequestURI] = true
		if resp.ExpiresIn != 60 {
			t.Errorf("ExpiresIn = %d, want 60", resp.ExpiresIn)
		}
	}
}
