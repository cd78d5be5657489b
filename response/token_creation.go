package response

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/services"
	"github.com/giantswarm/oidc-engine/storage"
	"github.com/giantswarm/oidc-engine/validation"
)

// Default token lifetimes for clients that leave them unset
const (
	DefaultAccessTokenLifetime   = time.Hour
	DefaultIdentityTokenLifetime = 5 * time.Minute
)

// JWT typ headers
const (
	AccessTokenJWTType   = "at+jwt"
	IdentityTokenJWTType = "JWT"
)

// Identity token claims binding the token to other response values
const (
	ClaimNonce           = "nonce"
	ClaimAccessTokenHash = "at_hash"
	ClaimCodeHash        = "c_hash"
	ClaimStateHash       = "s_hash"
)

// claims that are always serialized as JSON arrays
var arrayClaims = []string{grants.ClaimScope, grants.ClaimAMR}

// claims that are serialized as numbers
var numericClaims = []string{grants.ClaimAuthTime}

// TokenCreationRequest describes the tokens to create for a validated request.
type TokenCreationRequest struct {
	// Subject is nil for client credentials
	Subject   *storage.Subject
	SessionID string

	Client    *storage.Client
	Resources *validation.ValidatedResources

	Nonce                   string
	AccessTokenToHash       string
	AuthorizationCodeToHash string
	StateToHash             string

	// IncludeAllIdentityClaims adds the user claims of the requested identity resources
	// to the identity token. Set when no access token is issued alongside it.
	IncludeAllIdentityClaims bool

	Description string
}

func (r *TokenCreationRequest) sessionID() string {
	if r.SessionID != "" {
		return r.SessionID
	}
	if r.Subject != nil {
		return r.Subject.SessionID
	}
	return ""
}

// TokenCreationConfig configures TokenCreationService.
type TokenCreationConfig struct {
	Issuer string

	Keys *services.KeyMaterialService

	// ReferenceTokens stores access tokens of clients using reference tokens
	ReferenceTokens *grants.ReferenceTokenStore

	Logger *slog.Logger
	Clock  func() time.Time
}

// TokenCreationService builds access and identity tokens and serializes them as
// signed JWTs or reference handles.
type TokenCreationService struct {
	issuer     string
	keys       *services.KeyMaterialService
	references *grants.ReferenceTokenStore
	logger     *slog.Logger
	now        func() time.Time
}

// NewTokenCreationService creates the service.
func NewTokenCreationService(cfg TokenCreationConfig) *TokenCreationService {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &TokenCreationService{
		issuer:     cfg.Issuer,
		keys:       cfg.Keys,
		references: cfg.ReferenceTokens,
		logger:     cfg.Logger,
		now:        cfg.Clock,
	}
}

// CreateAccessToken builds the access token for req. The audiences are the API
// resources of the validated resources.
func (s *TokenCreationService) CreateAccessToken(_ context.Context, req *TokenCreationRequest) (*grants.Token, error) {
	if req == nil || req.Client == nil || req.Resources == nil {
		return nil, errors.New("access token creation requires a client and resources")
	}

	lifetime := req.Client.AccessTokenLifetime
	if lifetime <= 0 {
		lifetime = DefaultAccessTokenLifetime
	}

	token := &grants.Token{
		Type:            grants.TokenTypeAccessToken,
		CreationTime:    s.now().UTC().Truncate(time.Second),
		Lifetime:        lifetime,
		Issuer:          s.issuer,
		ClientID:        req.Client.ClientID,
		Audiences:       req.Resources.APIResourceNames(),
		AccessTokenType: req.Client.AccessTokenType,
		Description:     req.Description,
	}

	token.Claims = append(token.Claims, grants.Claim{Type: grants.ClaimClientID, Value: req.Client.ClientID})
	token.Claims = append(token.Claims, subjectClaims(req.Subject, req.sessionID())...)
	for _, scope := range req.Resources.Scopes {
		token.Claims = append(token.Claims, grants.Claim{Type: grants.ClaimScope, Value: scope})
	}
	token.Claims = append(token.Claims, grants.Claim{Type: grants.ClaimJWTID, Value: strings.ReplaceAll(uuid.NewString(), "-", "")})
	return token, nil
}

// CreateIdentityToken builds the identity token for req. The hash claims use the
// digest matching the active signing algorithm.
func (s *TokenCreationService) CreateIdentityToken(ctx context.Context, req *TokenCreationRequest) (*grants.Token, error) {
	if req == nil || req.Client == nil || !req.Subject.IsAuthenticated() {
		return nil, errors.New("identity token creation requires a client and an authenticated subject")
	}

	key, err := s.signingKey(ctx)
	if err != nil {
		return nil, err
	}
	algorithm := signingAlgorithm(key)

	lifetime := req.Client.IdentityTokenLifetime
	if lifetime <= 0 {
		lifetime = DefaultIdentityTokenLifetime
	}

	token := &grants.Token{
		Type:                     grants.TokenTypeIdentityToken,
		CreationTime:             s.now().UTC().Truncate(time.Second),
		Lifetime:                 lifetime,
		Issuer:                   s.issuer,
		ClientID:                 req.Client.ClientID,
		Audiences:                []string{req.Client.ClientID},
		AllowedSigningAlgorithms: []string{algorithm},
		Description:              req.Description,
	}

	token.Claims = subjectClaims(req.Subject, req.sessionID())
	if req.Nonce != "" {
		token.Claims = append(token.Claims, grants.Claim{Type: ClaimNonce, Value: req.Nonce})
	}
	if req.AccessTokenToHash != "" {
		token.Claims = append(token.Claims, grants.Claim{Type: ClaimAccessTokenHash, Value: LeftHalfHash(req.AccessTokenToHash, algorithm)})
	}
	if req.AuthorizationCodeToHash != "" {
		token.Claims = append(token.Claims, grants.Claim{Type: ClaimCodeHash, Value: LeftHalfHash(req.AuthorizationCodeToHash, algorithm)})
	}
	if req.StateToHash != "" {
		token.Claims = append(token.Claims, grants.Claim{Type: ClaimStateHash, Value: LeftHalfHash(req.StateToHash, algorithm)})
	}
	if req.IncludeAllIdentityClaims && req.Resources != nil {
		token.Claims = append(token.Claims, identityResourceClaims(req.Subject, req.Resources.Resources.IdentityResources)...)
	}
	return token, nil
}

// CreateSecurityToken serializes token. Reference access tokens are stored and their
// handle returned; every other token becomes a signed JWT.
func (s *TokenCreationService) CreateSecurityToken(ctx context.Context, token *grants.Token) (string, error) {
	if token.Type == grants.TokenTypeAccessToken && token.AccessTokenType == storage.AccessTokenTypeReference {
		if s.references == nil {
			return "", errors.New("reference tokens are not configured")
		}
		handle, err := s.references.StoreReferenceToken(ctx, token)
		if err != nil {
			return "", fmt.Errorf("failed to store reference token: %w", err)
		}
		return handle, nil
	}
	return s.sign(ctx, token)
}

func (s *TokenCreationService) signingKey(ctx context.Context) (*jose.JSONWebKey, error) {
	if s.keys == nil {
		return nil, errors.New("no signing key configured")
	}
	key, err := s.keys.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	return key, nil
}

func (s *TokenCreationService) sign(ctx context.Context, token *grants.Token) (string, error) {
	key, err := s.signingKey(ctx)
	if err != nil {
		return "", err
	}
	algorithm := signingAlgorithm(key)
	if len(token.AllowedSigningAlgorithms) > 0 && !slices.Contains(token.AllowedSigningAlgorithms, algorithm) {
		return "", fmt.Errorf("signing algorithm %s is not allowed for the token", algorithm)
	}

	typ := IdentityTokenJWTType
	if token.Type == grants.TokenTypeAccessToken {
		typ = AccessTokenJWTType
	}
	opts := (&jose.SignerOptions{}).WithType(jose.ContentType(typ))
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.SignatureAlgorithm(algorithm), Key: key}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	payload, err := json.Marshal(jwtPayload(token))
	if err != nil {
		return "", fmt.Errorf("failed to marshal token claims: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return jws.CompactSerialize()
}

// jwtPayload maps token onto JWT claims. Repeated claim types become arrays.
func jwtPayload(token *grants.Token) map[string]any {
	claims := map[string]any{
		"iss": token.Issuer,
		"iat": token.CreationTime.Unix(),
		"nbf": token.CreationTime.Unix(),
		"exp": token.Expiration().Unix(),
	}
	switch len(token.Audiences) {
	case 0:
	case 1:
		claims[grants.ClaimAudience] = token.Audiences[0]
	default:
		claims[grants.ClaimAudience] = token.Audiences
	}
	if token.Confirmation != "" {
		claims[grants.ClaimConfirm] = json.RawMessage(token.Confirmation)
	}

	grouped := map[string][]string{}
	var order []string
	for _, c := range token.Claims {
		if _, ok := grouped[c.Type]; !ok {
			order = append(order, c.Type)
		}
		grouped[c.Type] = append(grouped[c.Type], c.Value)
	}
	for _, claimType := range order {
		values := grouped[claimType]
		switch {
		case slices.Contains(numericClaims, claimType) && len(values) == 1:
			if n, err := strconv.ParseInt(values[0], 10, 64); err == nil {
				claims[claimType] = n
				continue
			}
			claims[claimType] = values[0]
		case len(values) > 1 || slices.Contains(arrayClaims, claimType):
			claims[claimType] = values
		default:
			claims[claimType] = values[0]
		}
	}
	return claims
}

// subjectClaims returns the authentication claims of subject. An anonymous subject has none.
func subjectClaims(subject *storage.Subject, sessionID string) []grants.Claim {
	if !subject.IsAuthenticated() {
		return nil
	}
	claims := []grants.Claim{{Type: grants.ClaimSubject, Value: subject.ID}}
	if !subject.AuthTime.IsZero() {
		claims = append(claims, grants.Claim{Type: grants.ClaimAuthTime, Value: strconv.FormatInt(subject.AuthTime.Unix(), 10)})
	}
	if subject.IdentityProvider != "" {
		claims = append(claims, grants.Claim{Type: grants.ClaimIdP, Value: subject.IdentityProvider})
	}
	for _, amr := range subject.AuthenticationMethods {
		claims = append(claims, grants.Claim{Type: grants.ClaimAMR, Value: amr})
	}
	if sessionID != "" {
		claims = append(claims, grants.Claim{Type: grants.ClaimSessionID, Value: sessionID})
	}
	return claims
}

// identityResourceClaims returns the subject's values of the user claims of resources.
func identityResourceClaims(subject *storage.Subject, resources []*storage.IdentityResource) []grants.Claim {
	var out []grants.Claim
	seen := map[string]bool{grants.ClaimSubject: true}
	for _, resource := range resources {
		for _, claimType := range resource.UserClaims {
			if seen[claimType] {
				continue
			}
			seen[claimType] = true
			value, ok := subject.Claims[claimType]
			if !ok {
				continue
			}
			for _, v := range claimValues(value) {
				out = append(out, grants.Claim{Type: claimType, Value: v})
			}
		}
	}
	return out
}

func claimValues(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}

// DefaultSigningAlgorithm is used for keys that do not name their algorithm
const DefaultSigningAlgorithm = string(jose.RS256)

func signingAlgorithm(key *jose.JSONWebKey) string {
	if key.Algorithm != "" {
		return key.Algorithm
	}
	return DefaultSigningAlgorithm
}

// LeftHalfHash returns the base64url encoded left half of the digest of value, as used
// by at_hash, c_hash and s_hash. The digest size follows the signing algorithm.
func LeftHalfHash(value, algorithm string) string {
	var h hash.Hash
	switch {
	case strings.HasSuffix(algorithm, "384"):
		h = sha512.New384()
	case strings.HasSuffix(algorithm, "512"):
		h = sha512.New()
	default:
		h = sha256.New()
	}
	h.Write([]byte(value))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
