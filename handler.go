package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/response"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
	"github.com/giantswarm/oidc-engine/validation"
)

const (
	defaultCORSMaxAge = 3600 // 1 hour default for preflight cache

	// returnURLParameter carries the authorize URL to the login page
	returnURLParameter = "returnUrl"
)

// UserSession connects the front-channel endpoints to the host application's
// login. The engine never authenticates users itself.
type UserSession interface {
	// CurrentSubject returns the signed-in user of the request, or nil
	CurrentSubject(r *http.Request) (*storage.Subject, error)

	// SignOut ends the user's login session at the host
	SignOut(w http.ResponseWriter, r *http.Request) error
}

// Handler is a thin HTTP adapter for the protocol Server.
// It handles HTTP requests and delegates to the Server for protocol logic.
type Handler struct {
	server *Server
	users  UserSession
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, users UserSession, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		users:  users,
		logger: logger,
	}

	// Initialize tracer if instrumentation is enabled
	if server.Instrumentation != nil {
		h.tracer = server.Instrumentation.Tracer("http")
	}

	return h
}

// RegisterRoutes registers every endpoint below the issuer path
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	base := h.issuerPath()
	mux.HandleFunc(base+PathDiscovery, h.ServeDiscovery)
	mux.HandleFunc(base+PathJWKS, h.ServeJWKS)
	mux.HandleFunc(base+PathAuthorize, h.ServeAuthorize)
	mux.HandleFunc(base+PathToken, h.ServeToken)
	mux.HandleFunc(base+PathBackchannelAuthentication, h.ServeBackchannelAuthentication)
	mux.HandleFunc(base+PathIntrospection, h.ServeIntrospection)
	mux.HandleFunc(base+PathEndSession, h.ServeEndSession)
	if !h.server.Config.PushedAuthorization.Disabled {
		mux.HandleFunc(base+PathPushedAuthorization, h.ServePushedAuthorization)
	}
}

// issuerPath returns the path component of the issuer without trailing slash
func (h *Handler) issuerPath() string {
	u, err := url.Parse(h.server.Config.Issuer)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(u.Path, "/")
}

// serve runs an endpoint inside an optional span and records its metrics.
// fn returns the HTTP status it wrote.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, endpoint string, fn func(http.ResponseWriter, *http.Request, trace.Span) int) {
	startTime := time.Now()

	// Create span if tracing is enabled
	var span trace.Span
	if h.tracer != nil {
		var ctx context.Context
		ctx, span = h.tracer.Start(r.Context(), "oidc.http."+endpoint)
		defer span.End()
		r = r.WithContext(ctx)
	}

	status := fn(w, r, span)

	instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
	h.recordHTTPMetrics(endpoint, r.Method, status, startTime)
}

// ==================== Discovery ====================

// ServeDiscovery serves the OpenID provider metadata
func (h *Handler) ServeDiscovery(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "discovery", func(w http.ResponseWriter, r *http.Request, span trace.Span) int {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return http.StatusMethodNotAllowed
		}
		h.setCORSHeaders(w, r)

		doc, err := h.server.Discovery(r.Context())
		if err != nil {
			return h.writeServerError(w, span, "Failed to build discovery document", err)
		}
		return h.writeJSON(w, http.StatusOK, doc)
	})
}

// ServeJWKS serves the public signing keys
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "jwks", func(w http.ResponseWriter, r *http.Request, span trace.Span) int {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return http.StatusMethodNotAllowed
		}
		h.setCORSHeaders(w, r)

		keys, err := h.server.JSONWebKeySet(r.Context())
		if err != nil {
			return h.writeServerError(w, span, "Failed to load validation keys", err)
		}
		return h.writeJSON(w, http.StatusOK, keys)
	})
}

// ==================== Authorize ====================

// ServeAuthorize handles front-channel authorization requests. Users that must sign
// in are sent to the configured login URL and come back through returnUrl.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "authorize", func(w http.ResponseWriter, r *http.Request, span trace.Span) int {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return http.StatusMethodNotAllowed
		}
		if err := r.ParseForm(); err != nil {
			return h.writeError(w, validation.ErrorInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		}
		ctx := r.Context()

		subject, err := h.users.CurrentSubject(r)
		if err != nil {
			return h.writeServerError(w, span, "Failed to resolve current user", err)
		}

		result, err := h.server.ValidateAuthorizeRequest(ctx, r.Form, subject)
		if err != nil {
			return h.writeServerError(w, span, "Failed to validate authorize request", err)
		}
		req := result.Request
		if result.IsError() {
			instrumentation.AddProtocolError(span, result.Error.Code, result.Error.Description)
			return h.writeAuthorizeError(w, r, req, result.Error.Code, result.Error.Description)
		}
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrClientID, req.ClientID),
			attribute.String(instrumentation.AttrResponseType, req.ResponseType),
			attribute.String(instrumentation.AttrResponseMode, req.ResponseMode),
		)

		suppressed := util.ParseSpaceDelimited(r.Form.Get(validation.ParamSuppressedPrompt))
		if h.server.LoginRequired(req, suppressed) {
			if slices.Contains(req.PromptModes, validation.PromptNone) || h.server.Config.LoginURL == "" {
				return h.writeAuthorizeError(w, r, req, validation.ErrorLoginRequired, "")
			}
			return h.redirectToLogin(w, r, req)
		}

		resp, err := h.server.CreateAuthorizeResponse(ctx, req)
		if err != nil {
			return h.writeServerError(w, span, "Failed to create authorize response", err)
		}
		instrumentation.SetSpanSuccess(span)
		return h.writeAuthorizeResponse(w, r, resp)
	})
}

// redirectToLogin sends the user to the login page. The prompt values that caused
// the login are suppressed on the way back.
func (h *Handler) redirectToLogin(w http.ResponseWriter, r *http.Request, req *validation.AuthorizeRequest) int {
	params := url.Values{}
	for key, values := range r.Form {
		params[key] = slices.Clone(values)
	}
	var satisfied []string
	for _, prompt := range req.PromptModes {
		if prompt == validation.PromptLogin || prompt == validation.PromptSelectAccount {
			satisfied = append(satisfied, prompt)
		}
	}
	if len(satisfied) > 0 {
		params.Set(validation.ParamSuppressedPrompt, util.JoinSpaceDelimited(satisfied))
	}

	returnURL := h.server.endpoint(PathAuthorize) + "?" + params.Encode()
	location, err := appendQuery(h.server.Config.LoginURL, returnURLParameter, returnURL)
	if err != nil {
		return h.writeServerError(w, nil, "Failed to build login URL", err)
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, location, http.StatusFound)
	return http.StatusFound
}

// writeAuthorizeError returns the error to the client's redirect URI once it has been
// validated. Before that the error is shown to the user agent.
func (h *Handler) writeAuthorizeError(w http.ResponseWriter, r *http.Request, req *validation.AuthorizeRequest, code, description string) int {
	if req == nil || req.RedirectURI == "" {
		return h.writeError(w, code, description, http.StatusBadRequest)
	}
	issuer := ""
	if !h.server.Config.Endpoints.DisableIssuerParameter {
		issuer = h.server.Config.Issuer
	}
	return h.writeAuthorizeResponse(w, r, response.NewAuthorizeErrorResponse(req, issuer, code, description))
}

// formPostTemplate auto-submits the response to the client's redirect URI.
// The script is static so its hash can be allowed by the CSP.
var formPostTemplate = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html>
<head><title>Submit this form</title></head>
<body>
<form method="post" action="{{.Action}}">
{{range $key, $values := .Values}}{{range $values}}<input type="hidden" name="{{$key}}" value="{{.}}"/>
{{end}}{{end}}<noscript><button type="submit">Continue</button></noscript>
</form>
<script>{{.Script}}</script>
</body>
</html>
`))

type formPostData struct {
	Action string
	Values url.Values
	Script template.JS
}

// writeAuthorizeResponse delivers the response according to its response mode
func (h *Handler) writeAuthorizeResponse(w http.ResponseWriter, r *http.Request, resp *response.AuthorizeResponse) int {
	if resp.ResponseMode == validation.ResponseModeFormPost {
		security.SetFormPostSecurityHeaders(w, h.server.Config.Issuer)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		data := formPostData{
			Action: resp.RedirectURI,
			Values: resp.Values(),
			Script: template.JS(security.FormPostScript), //nolint:gosec // G203: static script constant
		}
		if err := formPostTemplate.Execute(w, data); err != nil {
			h.logger.Error("Failed to render form post response", "error", err)
		}
		return http.StatusOK
	}

	location, err := resp.RedirectLocation()
	if err != nil {
		return h.writeServerError(w, nil, "Failed to build authorize response", err)
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, location, http.StatusFound)
	return http.StatusFound
}

// ==================== Back-channel endpoints ====================

// authenticatedForm parses a back-channel POST, applies the rate limit and
// authenticates the client. It returns false after writing an error response.
func (h *Handler) authenticatedForm(w http.ResponseWriter, r *http.Request, span trace.Span, endpoint string) (*validation.ClientAuthentication, int, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, http.StatusMethodNotAllowed, false
	}
	h.setCORSHeaders(w, r)

	ctx := r.Context()
	clientIP := h.server.ipResolver.ClientIP(r)
	if h.server.Instrumentation != nil && h.server.Instrumentation.ShouldLogClientIPs() {
		instrumentation.AddSecurityAttributes(span, clientIP)
	}
	if !h.server.allow(ctx, clientIP, endpoint) {
		h.recordRateLimitExceeded(ctx)
		return nil, h.writeProtocolError(w, span, ErrRateLimitExceeded()), false
	}

	if err := r.ParseForm(); err != nil {
		return nil, h.writeError(w, validation.ErrorInvalidRequest, "Failed to parse request", http.StatusBadRequest), false
	}

	auth, perr, err := h.server.AuthenticateClient(ctx, r.Header.Get("Authorization"), r.PostForm, clientIP)
	if err != nil {
		return nil, h.writeServerError(w, span, "Failed to authenticate client", err), false
	}
	if perr != nil {
		return nil, h.writeProtocolError(w, span, perr), false
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, auth.Client.ClientID))
	return auth, 0, true
}

// ServeToken handles token requests of every supported grant type
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "token", func(w http.ResponseWriter, r *http.Request, span trace.Span) int {
		auth, status, ok := h.authenticatedForm(w, r, span, "token")
		if !ok {
			return status
		}
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, r.PostForm.Get(validation.ParamGrantType)))

		resp, perr, err := h.server.ProcessTokenRequest(r.Context(), r.PostForm, auth)
		if err != nil {
			return h.writeServerError(w, span, "Failed to process token request", err)
		}
		if perr != nil {
			return h.writeProtocolError(w, span, perr)
		}
		instrumentation.SetSpanSuccess(span)
		return h.writeJSON(w, http.StatusOK, resp)
	})
}

// ServePushedAuthorization handles pushed authorization requests (RFC 9126)
func (h *Handler) ServePushedAuthorization(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "par", func(w http.ResponseWriter, r *http.Request, span trace.Span) int {
		auth, status, ok := h.authenticatedForm(w, r, span, "par")
		if !ok {
			return status
		}

		resp, perr, err := h.server.PushAuthorizationRequest(r.Context(), r.PostForm, auth)
		if err != nil {
			return h.writeServerError(w, span, "Failed to store pushed authorization request", err)
		}
		if perr != nil {
			return h.writeProtocolError(w, span, perr)
		}
		instrumentation.SetSpanSuccess(span)
		return h.writeJSON(w, http.StatusCreated, resp)
	})
}

// ServeBackchannelAuthentication handles client initiated backchannel authentication requests
func (h *Handler) ServeBackchannelAuthentication(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "ciba", func(w http.ResponseWriter, r *http.Request, span trace.Span) int {
		auth, status, ok := h.authenticatedForm(w, r, span, "ciba")
		if !ok {
			return status
		}

		resp, perr, err := h.server.ProcessBackchannelRequest(r.Context(), r.PostForm, auth)
		if err != nil {
			return h.writeServerError(w, span, "Failed to process backchannel authentication request", err)
		}
		if perr != nil {
			return h.writeProtocolError(w, span, perr)
		}
		instrumentation.SetSpanSuccess(span)
		return h.writeJSON(w, http.StatusOK, resp)
	})
}

// ServeIntrospection handles token introspection requests (RFC 7662). APIs
// authenticate with their API secret, clients with their client credentials.
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "introspect", func(w http.ResponseWriter, r *http.Request, span trace.Span) int {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return http.StatusMethodNotAllowed
		}
		h.setCORSHeaders(w, r)

		ctx := r.Context()
		clientIP := h.server.ipResolver.ClientIP(r)
		if !h.server.allow(ctx, clientIP, "introspect") {
			h.recordRateLimitExceeded(ctx)
			return h.writeProtocolError(w, span, ErrRateLimitExceeded())
		}
		if err := r.ParseForm(); err != nil {
			return h.writeError(w, validation.ErrorInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		}

		api, client, perr, err := h.server.AuthenticateIntrospectionCaller(ctx, r.Header.Get("Authorization"), r.PostForm, clientIP)
		if err != nil {
			return h.writeServerError(w, span, "Failed to authenticate caller", err)
		}
		if perr != nil {
			return h.writeProtocolError(w, span, perr)
		}

		resp, perr, err := h.server.Introspect(ctx, r.PostForm, api, client)
		if err != nil {
			return h.writeServerError(w, span, "Failed to introspect token", err)
		}
		if perr != nil {
			return h.writeProtocolError(w, span, perr)
		}
		instrumentation.SetSpanSuccess(span)
		return h.writeJSON(w, http.StatusOK, resp)
	})
}

// ==================== End session ====================

const signedOutPage = `<!DOCTYPE html>
<html><head><title>Signed out</title></head><body><p>You are now signed out.</p></body></html>
`

// ServeEndSession handles RP-initiated logout. The user's login session is ended
// and tokens bound to it are revoked before returning to the client.
func (h *Handler) ServeEndSession(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "endsession", func(w http.ResponseWriter, r *http.Request, span trace.Span) int {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return http.StatusMethodNotAllowed
		}
		if err := r.ParseForm(); err != nil {
			return h.writeError(w, validation.ErrorInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		}

		subject, err := h.users.CurrentSubject(r)
		if err != nil {
			return h.writeServerError(w, span, "Failed to resolve current user", err)
		}

		result, perr, err := h.server.EndSession(r.Context(), r.Form, subject)
		if err != nil {
			return h.writeServerError(w, span, "Failed to end session", err)
		}
		if perr != nil {
			return h.writeProtocolError(w, span, perr)
		}

		if subject.IsAuthenticated() {
			if err := h.users.SignOut(w, r); err != nil {
				return h.writeServerError(w, span, "Failed to sign out user", err)
			}
		}
		instrumentation.SetSpanSuccess(span)

		security.SetSecurityHeaders(w, h.server.Config.Issuer)
		if result.RedirectURI != "" {
			http.Redirect(w, r, result.RedirectURI, http.StatusFound)
			return http.StatusFound
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(signedOutPage))
		return http.StatusOK
	})
}

// ==================== Responses ====================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) int {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
	return status
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) int {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", h.server.Config.Issuer))
	}
	return h.writeJSON(w, status, ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) writeProtocolError(w http.ResponseWriter, span trace.Span, perr *Error) int {
	instrumentation.AddProtocolError(span, perr.Code, perr.Description)
	return h.writeError(w, perr.Code, perr.Description, perr.Status)
}

// writeServerError logs err and answers server_error without exposing it
func (h *Handler) writeServerError(w http.ResponseWriter, span trace.Span, message string, err error) int {
	h.logger.Error(message, "error", err)
	instrumentation.RecordError(span, err)
	instrumentation.SetSpanError(span, message)
	serverErr := ErrServerError()
	return h.writeError(w, serverErr.Code, serverErr.Description, serverErr.Status)
}

// ==================== CORS ====================

// setCORSHeaders sets CORS headers if configured and the origin is allowed.
// Only applies if AllowedOrigins is configured, Origin header is present, and origin is allowed.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	cors := h.server.Config.CORS
	if len(cors.AllowedOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	if !h.isAllowedOrigin(origin) {
		h.logger.Debug("CORS request from disallowed origin", "origin", origin)
		return
	}

	// Echo back the specific origin rather than using "*"
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")

	if cors.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	maxAge := cors.MaxAge
	if maxAge == 0 {
		maxAge = defaultCORSMaxAge
	}

	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", maxAge))
}

// isAllowedOrigin checks if the given origin is in the allowed origins list.
// Supports exact matching and wildcard "*" for development.
func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.server.Config.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServePreflightRequest handles CORS preflight (OPTIONS) requests
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodOptions {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

// ==================== Metrics ====================

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.server.Instrumentation.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}

func (h *Handler) recordRateLimitExceeded(ctx context.Context) {
	if h.server.Instrumentation == nil {
		return
	}
	h.server.Instrumentation.Metrics().RecordRateLimitExceeded(ctx, "ip")
}
