package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/services"
	"github.com/giantswarm/oidc-engine/storage"
)

// ValidatedToken is an identity or access token issued by this server.
type ValidatedToken struct {
	// JWT is set for self-contained tokens
	JWT string

	// Reference is set for reference access tokens
	Reference *grants.Token

	Client     *storage.Client
	ClientID   string
	SubjectID  string
	SessionID  string
	Scopes     []string
	Audiences  []string
	Expiration time.Time
	IssuedAt   time.Time
	JWTID      string

	// Claims holds every claim of a JWT
	Claims map[string]any
}

// TokenValidatorConfig configures TokenValidator.
type TokenValidatorConfig struct {
	Options Options

	Keys            *services.KeyMaterialService
	Clients         storage.ClientStore
	ReferenceTokens *grants.ReferenceTokenStore
}

// TokenValidator validates tokens this server issued.
type TokenValidator struct {
	opts            Options
	keys            *services.KeyMaterialService
	clients         storage.ClientStore
	referenceTokens *grants.ReferenceTokenStore
	logger          *slog.Logger
}

// NewTokenValidator creates the validator.
func NewTokenValidator(cfg TokenValidatorConfig) *TokenValidator {
	opts := cfg.Options.withDefaults()
	return &TokenValidator{
		opts:            opts,
		keys:            cfg.Keys,
		clients:         cfg.Clients,
		referenceTokens: cfg.ReferenceTokens,
		logger:          opts.Logger,
	}
}

func invalidToken(description string) *Error {
	return newError(ErrorInvalidToken, description)
}

// ValidateIdentityToken validates an identity token. With an empty clientID the
// client is taken from the audience. Expired tokens are accepted when
// validateLifetime is false, as for id_token_hint.
func (v *TokenValidator) ValidateIdentityToken(ctx context.Context, token, clientID string, validateLifetime bool) (*Result[ValidatedToken], error) {
	out := ValidatedToken{JWT: token}
	if token == "" || tooLong(token, v.opts.InputLengthRestrictions.IdTokenHint) {
		return invalid(out, invalidToken("Invalid identity token")), nil
	}

	verified, perr, err := v.verify(ctx, token, validateLifetime)
	if err != nil {
		return nil, err
	}
	if perr != nil {
		return invalid(out, perr), nil
	}
	fillFromJWT(&out, verified)

	if clientID == "" {
		if len(out.Audiences) == 0 {
			return invalid(out, invalidToken("No audience")), nil
		}
		clientID = out.Audiences[0]
	} else if !slices.Contains(out.Audiences, clientID) {
		return invalid(out, invalidToken("Invalid audience")), nil
	}
	out.ClientID = clientID

	if out.SubjectID == "" {
		return invalid(out, invalidToken("Missing subject")), nil
	}

	client, perr, err := v.loadClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if perr != nil {
		return invalid(out, perr), nil
	}
	out.Client = client
	return valid(out), nil
}

// ValidateAccessToken validates a JWT or reference access token.
func (v *TokenValidator) ValidateAccessToken(ctx context.Context, token string) (*Result[ValidatedToken], error) {
	if strings.Count(token, ".") == 2 {
		return v.validateJWTAccessToken(ctx, token)
	}
	return v.validateReferenceToken(ctx, token)
}

func (v *TokenValidator) validateJWTAccessToken(ctx context.Context, token string) (*Result[ValidatedToken], error) {
	out := ValidatedToken{JWT: token}
	if tooLong(token, v.opts.InputLengthRestrictions.Jwt) {
		return invalid(out, invalidToken("Token too long")), nil
	}
	verified, perr, err := v.verify(ctx, token, true)
	if err != nil {
		return nil, err
	}
	if perr != nil {
		return invalid(out, perr), nil
	}
	fillFromJWT(&out, verified)
	out.ClientID, _ = verified.Payload[grants.ClaimClientID].(string)

	if out.ClientID != "" {
		client, perr, err := v.loadClient(ctx, out.ClientID)
		if err != nil {
			return nil, err
		}
		if perr != nil {
			return invalid(out, perr), nil
		}
		out.Client = client
	}
	return valid(out), nil
}

func (v *TokenValidator) validateReferenceToken(ctx context.Context, handle string) (*Result[ValidatedToken], error) {
	out := ValidatedToken{}
	if handle == "" || tooLong(handle, v.opts.InputLengthRestrictions.TokenHandle) || v.referenceTokens == nil {
		return invalid(out, invalidToken("Invalid reference token")), nil
	}

	token, err := v.referenceTokens.GetReferenceToken(ctx, handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			v.logger.Debug("Reference token not found", "handle", util.SafeTruncate(handle, 8))
			return invalid(out, invalidToken("Invalid reference token")), nil
		}
		return nil, fmt.Errorf("failed to load reference token: %w", err)
	}
	if !token.Expiration().After(v.opts.Now()) {
		return invalid(out, invalidToken("Token expired")), nil
	}

	out.Reference = token
	out.ClientID = token.ClientID
	out.SubjectID = token.SubjectID()
	out.SessionID = token.SessionID()
	out.Scopes = token.Scopes()
	out.Audiences = token.Audiences
	out.Expiration = token.Expiration()
	out.IssuedAt = token.CreationTime
	out.JWTID = token.ClaimValue(grants.ClaimJWTID)

	client, perr, err := v.loadClient(ctx, out.ClientID)
	if err != nil {
		return nil, err
	}
	if perr != nil {
		return invalid(out, perr), nil
	}
	out.Client = client
	return valid(out), nil
}

// verify checks signature, issuer and optionally lifetime against the server keys.
func (v *TokenValidator) verify(ctx context.Context, token string, validateLifetime bool) (*verifiedJWT, *Error, error) {
	if v.keys == nil {
		return nil, invalidToken("No validation keys"), nil
	}
	set, err := v.keys.ValidationKeys(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load validation keys: %w", err)
	}
	verified, err := verifyJWT(token, set.Keys)
	if err != nil {
		v.logger.Debug("Token signature validation failed", "error", err)
		return nil, invalidToken("Invalid token"), nil
	}
	if verified.Claims.Issuer != v.opts.Issuer {
		return nil, invalidToken("Invalid issuer"), nil
	}
	if validateLifetime {
		if err := verified.validateLifetime(v.opts.Now(), v.opts.ClockSkew, true); err != nil {
			return nil, invalidToken("Token expired"), nil
		}
	}
	return verified, nil, nil
}

func (v *TokenValidator) loadClient(ctx context.Context, clientID string) (*storage.Client, *Error, error) {
	client, err := v.clients.FindClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, invalidToken("Unknown client"), nil
		}
		return nil, nil, fmt.Errorf("failed to load client: %w", err)
	}
	if !client.Enabled {
		return nil, invalidToken("Client disabled"), nil
	}
	return client, nil, nil
}

func fillFromJWT(out *ValidatedToken, verified *verifiedJWT) {
	out.Claims = verified.Payload
	out.SubjectID = verified.Claims.Subject
	out.Audiences = verified.Claims.Audience
	out.JWTID = verified.Claims.ID
	out.SessionID, _ = verified.Payload[grants.ClaimSessionID].(string)
	if verified.Claims.Expiry != nil {
		out.Expiration = verified.Claims.Expiry.Time()
	}
	if verified.Claims.IssuedAt != nil {
		out.IssuedAt = verified.Claims.IssuedAt.Time()
	}
	switch scope := verified.Payload[grants.ClaimScope].(type) {
	case string:
		out.Scopes = util.ParseSpaceDelimited(scope)
	case []any:
		for _, s := range scope {
			if str, ok := s.(string); ok {
				out.Scopes = append(out.Scopes, str)
			}
		}
	}
}
