package validation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/services"
	"github.com/giantswarm/oidc-engine/storage"
)

// Client authentication methods
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodPrivateKeyJWT     = "private_key_jwt"
)

// ClientAssertionTypeJWTBearer is the only accepted client_assertion_type
const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Replay purposes for JWT ids
const (
	ReplayPurposeClientAssertion = "private_key_jwt"
	ReplayPurposeRequestObject   = "request_object"
)

// ParsedSecret is a client credential found on a request.
type ParsedSecret struct {
	ClientID   string
	Credential string
	Method     string
}

// ParseClientCredentials extracts client credentials from the Authorization header
// value and the form. It returns nil when the request carries no client identifier.
// Credentials in more than one place are rejected.
func ParseClientCredentials(authorization string, form url.Values) (*ParsedSecret, *Error) {
	var found []*ParsedSecret

	if scheme, value, ok := strings.Cut(authorization, " "); ok && strings.EqualFold(scheme, "Basic") {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return nil, newError(ErrorInvalidClient, "Malformed basic authentication header")
		}
		rawID, rawSecret, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return nil, newError(ErrorInvalidClient, "Malformed basic authentication header")
		}
		id, err1 := url.QueryUnescape(rawID)
		secret, err2 := url.QueryUnescape(rawSecret)
		if err1 != nil || err2 != nil {
			return nil, newError(ErrorInvalidClient, "Malformed basic authentication header")
		}
		found = append(found, &ParsedSecret{ClientID: id, Credential: secret, Method: AuthMethodClientSecretBasic})
	}

	if assertion := form.Get(ParamClientAssertion); assertion != "" {
		if form.Get(ParamClientAssertionType) != ClientAssertionTypeJWTBearer {
			return nil, newError(ErrorInvalidClient, "Unsupported client_assertion_type")
		}
		clientID := form.Get(ParamClientID)
		if clientID == "" {
			claims, err := unverifiedClaims(assertion)
			if err != nil {
				return nil, newError(ErrorInvalidClient, "Malformed client assertion")
			}
			clientID = claims.Subject
		}
		found = append(found, &ParsedSecret{ClientID: clientID, Credential: assertion, Method: AuthMethodPrivateKeyJWT})
	} else if secret := form.Get(ParamClientSecret); secret != "" {
		found = append(found, &ParsedSecret{ClientID: form.Get(ParamClientID), Credential: secret, Method: AuthMethodClientSecretPost})
	}

	switch len(found) {
	case 0:
		if id := form.Get(ParamClientID); id != "" {
			return &ParsedSecret{ClientID: id, Method: AuthMethodNone}, nil
		}
		return nil, nil
	case 1:
		return found[0], nil
	default:
		return nil, newError(ErrorInvalidClient, "Multiple client authentication methods used")
	}
}

// ClientAuthentication is an authenticated client.
type ClientAuthentication struct {
	Client *storage.Client
	Secret *ParsedSecret

	// Public is set when the client authenticated without a credential
	Public bool
}

// ClientSecretValidatorConfig configures ClientSecretValidator.
type ClientSecretValidatorConfig struct {
	Options Options

	// TokenEndpoint is accepted as client assertion audience in addition to the issuer
	TokenEndpoint string

	Replay  *services.ReplayCache
	Auditor *security.Auditor
}

// ClientSecretValidator authenticates clients at the back-channel endpoints.
type ClientSecretValidator struct {
	clients         storage.ClientStore
	opts            Options
	tokenEndpoint   string
	replay          *services.ReplayCache
	auditor         *security.Auditor
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

// NewClientSecretValidator creates the validator.
func NewClientSecretValidator(clients storage.ClientStore, cfg ClientSecretValidatorConfig) *ClientSecretValidator {
	opts := cfg.Options.withDefaults()
	return &ClientSecretValidator{
		clients:       clients,
		opts:          opts,
		tokenEndpoint: cfg.TokenEndpoint,
		replay:        cfg.Replay,
		auditor:       cfg.Auditor,
		logger:        opts.Logger,
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for authentication failure metrics
func (v *ClientSecretValidator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	v.instrumentation = inst
}

// Validate authenticates the client named by secret. ipAddress is only used for auditing.
func (v *ClientSecretValidator) Validate(ctx context.Context, secret *ParsedSecret, ipAddress string) (*Result[ClientAuthentication], error) {
	auth := ClientAuthentication{Secret: secret}
	if secret == nil || secret.ClientID == "" {
		return invalid(auth, newError(ErrorInvalidClient, "No client id found")), nil
	}

	fail := func(reason string) *Result[ClientAuthentication] {
		v.logger.Warn("Client authentication failed",
			"client_id", secret.ClientID,
			"method", secret.Method,
			"reason", reason)
		if v.instrumentation != nil {
			v.instrumentation.Metrics().RecordClientAuthenticationFailed(ctx, secret.Method)
		}
		v.auditor.LogClientAuthenticationFailed(ctx, secret.ClientID, secret.Method, ipAddress)
		return invalid(auth, newError(ErrorInvalidClient, ""))
	}

	limits := v.opts.InputLengthRestrictions
	if tooLong(secret.ClientID, limits.ClientID) {
		return fail("client id too long"), nil
	}

	client, err := v.clients.FindClientByID(ctx, secret.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fail("unknown client"), nil
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	if !client.Enabled {
		return fail("client disabled"), nil
	}
	auth.Client = client

	if !client.RequireClientSecret {
		auth.Public = true
		return valid(auth), nil
	}

	now := v.opts.Now()
	switch secret.Method {
	case AuthMethodClientSecretBasic, AuthMethodClientSecretPost:
		if tooLong(secret.Credential, limits.ClientSecret) {
			return fail("client secret too long"), nil
		}
		if !matchSharedSecret(client.SecretsOfType(storage.SecretTypeSharedSecret, now), secret.Credential) {
			return fail("invalid client secret"), nil
		}
	case AuthMethodPrivateKeyJWT:
		reason, err := v.validateAssertion(ctx, client, secret.Credential, now)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			return fail(reason), nil
		}
	default:
		return fail("client secret required"), nil
	}
	return valid(auth), nil
}

func matchSharedSecret(secrets []storage.Secret, presented string) bool {
	for _, s := range secrets {
		if bcrypt.CompareHashAndPassword([]byte(s.Value), []byte(presented)) == nil {
			return true
		}
	}
	return false
}

// validateAssertion checks a private_key_jwt client assertion. A non-empty reason
// means the assertion was rejected.
func (v *ClientSecretValidator) validateAssertion(ctx context.Context, client *storage.Client, assertion string, now time.Time) (string, error) {
	if tooLong(assertion, v.opts.InputLengthRestrictions.Jwt) {
		return "client assertion too long", nil
	}
	token, err := verifyJWT(assertion, clientJSONWebKeys(client, now))
	if err != nil {
		return err.Error(), nil
	}
	if token.Claims.Issuer != client.ClientID || token.Claims.Subject != client.ClientID {
		return "iss and sub must equal client_id", nil
	}
	audiences := []string{v.opts.Issuer}
	if v.tokenEndpoint != "" {
		audiences = append(audiences, v.tokenEndpoint)
	}
	if !containsAny(token.Claims.Audience, audiences) {
		return "invalid audience", nil
	}
	if err := token.validateLifetime(now, v.opts.ClockSkew, true); err != nil {
		return err.Error(), nil
	}
	if token.Claims.ID == "" {
		return errMissingJWTID.Error(), nil
	}
	if v.replay != nil {
		added, err := v.replay.AddIfAbsent(ctx, ReplayPurposeClientAssertion, token.Claims.ID, token.expiration(now, v.opts.ClockSkew))
		if err != nil {
			return "", err
		}
		if !added {
			v.auditor.LogEvent(ctx, security.Event{
				Type:     security.EventJWTReplayDetected,
				ClientID: client.ClientID,
				Details:  map[string]any{"purpose": ReplayPurposeClientAssertion},
			})
			return "client assertion replayed", nil
		}
	}
	return "", nil
}

func containsAny[S ~[]string](values S, candidates []string) bool {
	for _, v := range values {
		for _, c := range candidates {
			if c != "" && v == c {
				return true
			}
		}
	}
	return false
}
