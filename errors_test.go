package oidc

import (
	"net/http"
	"testing"

	"github.com/giantswarm/oidc-engine/validation"
)

func TestStatusForCode(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{validation.ErrorInvalidRequest, http.StatusBadRequest},
		{validation.ErrorInvalidGrant, http.StatusBadRequest},
		{validation.ErrorAuthorizationPending, http.StatusBadRequest},
		{validation.ErrorInvalidClient, http.StatusUnauthorized},
		{validation.ErrorInvalidToken, http.StatusUnauthorized},
		{ErrorCodeRateLimitExceeded, http.StatusTooManyRequests},
		{ErrorCodeServerError, http.StatusInternalServerError},
		{ErrorCodeTemporarilyUnavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := StatusForCode(tt.code); got != tt.want {
				t.Errorf("StatusForCode(%q) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}

func TestFromValidationError(t *testing.T) {
	if got := FromValidationError(nil); got != nil {
		t.Errorf("FromValidationError(nil) = %v, want nil", got)
	}

	got := FromValidationError(&validation.Error{Code: validation.ErrorInvalidClient, Description: "bad secret"})
	if got.Code != validation.ErrorInvalidClient || got.Description != "bad secret" || got.Status != http.StatusUnauthorized {
		t.Errorf("FromValidationError() = %+v", got)
	}
	if got.Error() != "invalid_client: bad secret" {
		t.Errorf("Error() = %q", got.Error())
	}
}

func TestErrServerError_HidesCause(t *testing.T) {
	err := ErrServerError()
	if err.Description != errorDescriptionInternalFailure {
		t.Errorf("Description = %q, want %q", err.Description, errorDescriptionInternalFailure)
	}
	if err.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d, want 500", err.Status)
	}
}
