package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/services"
	"github.com/giantswarm/oidc-engine/storage"
)

// Request object media types (RFC 9101)
const (
	RequestObjectType        = "oauth-authz-req+jwt"
	RequestObjectContentType = "application/oauth-authz-req+jwt"
)

// maxRequestURIResponseSize bounds the body read from a request_uri
const maxRequestURIResponseSize = 1 << 20

// DefaultRequestURIFetchTimeout bounds a request_uri fetch when the context has no deadline
const DefaultRequestURIFetchTimeout = 10 * time.Second

// claims that never overwrite request parameters
var filteredRequestObjectClaims = []string{"aud", "exp", "iat", "iss", "nbf", "jti"}

// RequestURIFetcher loads a request object by reference. An empty result with a nil
// error means nothing usable was returned; an error means the fetch could not be
// performed.
type RequestURIFetcher interface {
	Fetch(ctx context.Context, requestURI string, client *storage.Client) (string, error)
}

// HTTPRequestURIFetcherConfig configures HTTPRequestURIFetcher.
type HTTPRequestURIFetcherConfig struct {
	// Timeout bounds each fetch. Default: DefaultRequestURIFetchTimeout
	Timeout time.Duration

	// StrictContentType requires the application/oauth-authz-req+jwt content type
	StrictContentType bool

	// AllowPrivateNetworks disables the public address check. Only for tests.
	AllowPrivateNetworks bool

	// HTTPClient replaces the default client. The public address check is then the
	// caller's responsibility.
	HTTPClient *http.Client

	Auditor *security.Auditor
	Logger  *slog.Logger
}

// HTTPRequestURIFetcher fetches request objects over HTTPS. Redirects are not
// followed and connections to non-public addresses are refused.
type HTTPRequestURIFetcher struct {
	client            *http.Client
	strictContentType bool
	auditor           *security.Auditor
	logger            *slog.Logger
}

var _ RequestURIFetcher = (*HTTPRequestURIFetcher)(nil)

// NewHTTPRequestURIFetcher creates the fetcher.
func NewHTTPRequestURIFetcher(cfg HTTPRequestURIFetcherConfig) *HTTPRequestURIFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestURIFetchTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		dialer := &net.Dialer{Timeout: cfg.Timeout}
		if !cfg.AllowPrivateNetworks {
			dialer.Control = util.PublicOnlyDialControl
		}
		client = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &http.Transport{DialContext: dialer.DialContext, TLSHandshakeTimeout: cfg.Timeout},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &HTTPRequestURIFetcher{
		client:            client,
		strictContentType: cfg.StrictContentType,
		auditor:           cfg.Auditor,
		logger:            cfg.Logger,
	}
}

// Fetch performs a GET on requestURI and returns the body of a 200 response.
func (f *HTTPRequestURIFetcher) Fetch(ctx context.Context, requestURI string, client *storage.Client) (string, error) {
	u, err := url.Parse(requestURI)
	if err != nil || u.Scheme != "https" {
		f.logger.Warn("Refusing non-https request_uri", "client_id", client.ClientID)
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURI, nil)
	if err != nil {
		return "", nil
	}
	req.Header.Set("Accept", RequestObjectContentType+", application/jwt")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, util.ErrNonPublicAddress) {
			f.auditor.LogEvent(ctx, security.Event{
				Type:     security.EventRequestURIFetchBlocked,
				ClientID: client.ClientID,
				Details:  map[string]any{"host": u.Hostname()},
			})
			return "", nil
		}
		return "", fmt.Errorf("failed to fetch request_uri: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		f.logger.Warn("request_uri returned non-success status",
			"client_id", client.ClientID,
			"status", resp.StatusCode)
		return "", nil
	}
	if f.strictContentType {
		mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if err != nil || mediaType != RequestObjectContentType {
			f.logger.Warn("request_uri returned unexpected content type",
				"client_id", client.ClientID,
				"content_type", resp.Header.Get("Content-Type"))
			return "", nil
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestURIResponseSize))
	if err != nil {
		return "", fmt.Errorf("failed to read request_uri response: %w", err)
	}
	return string(body), nil
}

// RequestObjectValidatorConfig configures RequestObjectValidator.
type RequestObjectValidatorConfig struct {
	Options Options

	// Fetcher enables request_uri by reference. Nil rejects request_uri with
	// request_uri_not_supported.
	Fetcher RequestURIFetcher

	Replay  *services.ReplayCache
	Auditor *security.Auditor
}

// RequestObjectValidator loads, verifies and merges JWT-secured authorization requests.
type RequestObjectValidator struct {
	opts    Options
	fetcher RequestURIFetcher
	replay  *services.ReplayCache
	auditor *security.Auditor
	logger  *slog.Logger
}

// NewRequestObjectValidator creates the validator.
func NewRequestObjectValidator(cfg RequestObjectValidatorConfig) *RequestObjectValidator {
	opts := cfg.Options.withDefaults()
	return &RequestObjectValidator{
		opts:    opts,
		fetcher: cfg.Fetcher,
		replay:  cfg.Replay,
		auditor: cfg.Auditor,
		logger:  opts.Logger,
	}
}

// Load returns the request object carried by value in request or by reference in
// request_uri, or "" when there is none.
func (v *RequestObjectValidator) Load(ctx context.Context, raw url.Values, client *storage.Client) (string, *Error, error) {
	jwt := raw.Get(ParamRequest)
	requestURI := raw.Get(ParamRequestURI)

	if jwt != "" && requestURI != "" {
		return "", newError(ErrorInvalidRequest, "Only one request parameter is allowed"), nil
	}

	if requestURI != "" {
		if v.fetcher == nil {
			return "", newError(ErrorRequestURINotSupported, ""), nil
		}
		if tooLong(requestURI, v.opts.InputLengthRestrictions.RequestURI) {
			return "", newError(ErrorInvalidRequestURI, "request_uri is too long"), nil
		}
		fetched, err := v.fetcher.Fetch(ctx, requestURI, client)
		if err != nil {
			return "", nil, err
		}
		if fetched == "" {
			return "", newError(ErrorInvalidRequestURI, "no value returned from request_uri"), nil
		}
		jwt = fetched
	}

	if jwt != "" && len(jwt) >= v.opts.InputLengthRestrictions.Jwt {
		return "", newError(ErrorInvalidRequestObject, "Invalid request value"), nil
	}
	return jwt, nil, nil
}

// Validate verifies jwt with the client's keys and returns its payload as parameters.
// Replay detection is skipped for pushed requests, whose one-time use is enforced by
// the pushed authorization store.
func (v *RequestObjectValidator) Validate(ctx context.Context, client *storage.Client, jwt string, pushed bool) (url.Values, *Error, error) {
	now := v.opts.Now()
	invalidJWT := newError(ErrorInvalidRequestObject, "Invalid JWT request")

	token, err := verifyJWT(jwt, clientJSONWebKeys(client, now))
	if err != nil {
		v.logger.Warn("Request object signature validation failed", "client_id", client.ClientID, "error", err)
		return nil, invalidJWT, nil
	}
	if reason := v.checkClaims(token, client, now); reason != nil {
		v.logger.Warn("Request object validation failed", "client_id", client.ClientID, "error", reason)
		return nil, invalidJWT, nil
	}

	if !pushed && token.Claims.ID != "" && v.replay != nil {
		added, err := v.replay.AddIfAbsent(ctx, ReplayPurposeRequestObject, token.Claims.ID, token.expiration(now, v.opts.ClockSkew))
		if err != nil {
			return nil, nil, err
		}
		if !added {
			v.auditor.LogEvent(ctx, security.Event{
				Type:     security.EventJWTReplayDetected,
				ClientID: client.ClientID,
				Details:  map[string]any{"purpose": ReplayPurposeRequestObject},
			})
			return nil, invalidJWT, nil
		}
	}

	return payloadValues(token.Payload), nil, nil
}

func (v *RequestObjectValidator) checkClaims(token *verifiedJWT, client *storage.Client, now time.Time) error {
	if v.opts.StrictRequestObjectType && token.Type != RequestObjectType {
		return errUnexpectedJWTType
	}
	if token.Claims.Issuer != client.ClientID {
		return fmt.Errorf("iss must equal client_id")
	}
	if !slices.Contains(token.Claims.Audience, v.opts.Issuer) {
		return fmt.Errorf("aud must contain the issuer")
	}
	if err := token.validateLifetime(now, v.opts.ClockSkew, true); err != nil {
		return err
	}
	if _, ok := token.Payload[ParamRequest]; ok {
		return errNestedRequestParam
	}
	if _, ok := token.Payload[ParamRequestURI]; ok {
		return errNestedRequestParam
	}
	return nil
}

// payloadValues converts JWT claims to request parameters. Arrays become repeated
// values and objects their JSON encoding.
func payloadValues(payload map[string]any) url.Values {
	out := url.Values{}
	for name, value := range payload {
		if slices.Contains(filteredRequestObjectClaims, name) {
			continue
		}
		switch val := value.(type) {
		case []any:
			for _, item := range val {
				out.Add(name, claimString(item))
			}
		default:
			out.Add(name, claimString(val))
		}
	}
	return out
}

func claimString(value any) string {
	switch val := value.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// mergeRequestObject returns raw with every parameter present in the request object
// replaced by the request object's values.
func mergeRequestObject(raw, payload url.Values) url.Values {
	out := cloneValues(raw)
	for name, values := range payload {
		out[name] = slices.Clone(values)
	}
	return out
}
