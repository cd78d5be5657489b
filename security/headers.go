package security

import (
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/url"
)

// FormPostScript auto-submits the response_mode=form_post page.
const FormPostScript = "window.addEventListener('load',function(){document.forms[0].submit();});"

// FormPostScriptHash is the CSP source expression allowing FormPostScript.
var FormPostScriptHash = scriptHash(FormPostScript)

func scriptHash(script string) string {
	sum := sha256.Sum256([]byte(script))
	return "'sha256-" + base64.StdEncoding.EncodeToString(sum[:]) + "'"
}

// SetSecurityHeaders sets the headers every protocol endpoint response carries.
// Responses contain codes, tokens or request URIs and must never be cached.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(issuer); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	h.Set("Cache-Control", "no-store, no-cache, max-age=0")
	h.Set("Pragma", "no-cache")
}

// SetFormPostSecurityHeaders sets the headers for an auto-submitting form_post page.
// The page may post to any origin but only FormPostScript may run.
func SetFormPostSecurityHeaders(w http.ResponseWriter, issuer string) {
	SetSecurityHeaders(w, issuer)
	w.Header().Set("Content-Security-Policy",
		"default-src 'none'; frame-ancestors 'none'; form-action *; script-src "+FormPostScriptHash)
}
