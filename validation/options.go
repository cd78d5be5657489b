package validation

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
)

// InputLengthRestrictions bounds the size of untrusted protocol parameters.
type InputLengthRestrictions struct {
	ClientID                   int `yaml:"client_id" validate:"gt=0"`
	ClientSecret               int `yaml:"client_secret" validate:"gt=0"`
	Scope                      int `yaml:"scope" validate:"gt=0"`
	RedirectURI                int `yaml:"redirect_uri" validate:"gt=0"`
	Nonce                      int `yaml:"nonce" validate:"gt=0"`
	UILocale                   int `yaml:"ui_locale" validate:"gt=0"`
	LoginHint                  int `yaml:"login_hint" validate:"gt=0"`
	AcrValues                  int `yaml:"acr_values" validate:"gt=0"`
	GrantType                  int `yaml:"grant_type" validate:"gt=0"`
	AuthorizationCode          int `yaml:"authorization_code" validate:"gt=0"`
	DeviceCode                 int `yaml:"device_code" validate:"gt=0"`
	RefreshToken               int `yaml:"refresh_token" validate:"gt=0"`
	TokenHandle                int `yaml:"token_handle" validate:"gt=0"`
	Jwt                        int `yaml:"jwt" validate:"gt=0"`
	CodeChallengeMinLength     int `yaml:"code_challenge_min_length" validate:"gt=0"`
	CodeChallengeMaxLength     int `yaml:"code_challenge_max_length" validate:"gtefield=CodeChallengeMinLength"`
	CodeVerifierMinLength      int `yaml:"code_verifier_min_length" validate:"gt=0"`
	CodeVerifierMaxLength      int `yaml:"code_verifier_max_length" validate:"gtefield=CodeVerifierMinLength"`
	ResourceIndicatorMaxLength int `yaml:"resource_indicator_max_length" validate:"gt=0"`
	RequestURI                 int `yaml:"request_uri" validate:"gt=0"`
	BindingMessage             int `yaml:"binding_message" validate:"gt=0"`
	UserCode                   int `yaml:"user_code" validate:"gt=0"`
	IdTokenHint                int `yaml:"id_token_hint" validate:"gt=0"`
	LoginHintToken             int `yaml:"login_hint_token" validate:"gt=0"`
	AuthenticationRequestID    int `yaml:"authentication_request_id" validate:"gt=0"`
	State                      int `yaml:"state" validate:"gt=0"`
}

// DefaultInputLengthRestrictions returns the default parameter limits.
func DefaultInputLengthRestrictions() InputLengthRestrictions {
	return InputLengthRestrictions{
		ClientID:                   100,
		ClientSecret:               100,
		Scope:                      300,
		RedirectURI:                400,
		Nonce:                      300,
		UILocale:                   100,
		LoginHint:                  100,
		AcrValues:                  300,
		GrantType:                  100,
		AuthorizationCode:          100,
		DeviceCode:                 100,
		RefreshToken:               100,
		TokenHandle:                100,
		Jwt:                        51200,
		CodeChallengeMinLength:     43,
		CodeChallengeMaxLength:     128,
		CodeVerifierMinLength:      43,
		CodeVerifierMaxLength:      128,
		ResourceIndicatorMaxLength: 512,
		RequestURI:                 512,
		BindingMessage:             100,
		UserCode:                   100,
		IdTokenHint:                4000,
		LoginHintToken:             4000,
		AuthenticationRequestID:    100,
		State:                      2000,
	}
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that every limit is positive and the min/max pairs are ordered.
func (r InputLengthRestrictions) Validate() error {
	if err := structValidator.Struct(r); err != nil {
		return fmt.Errorf("invalid input length restrictions: %w", err)
	}
	return nil
}

// Default option values
const (
	DefaultPushedAuthorizationLifetime = 10 * time.Minute
	DefaultCIBALifetime                = 5 * time.Minute
	DefaultClockSkew                   = 5 * time.Minute
)

// Options configures the validators.
type Options struct {
	// Issuer is the expected audience of request objects and client assertions
	// and the issuer of identity tokens
	Issuer string

	InputLengthRestrictions InputLengthRestrictions

	// DisablePushedAuthorization rejects request_uri values referencing pushed requests
	DisablePushedAuthorization bool

	// RequirePushedAuthorization rejects authorize requests that were not pushed
	RequirePushedAuthorization bool

	// AllowUnregisteredPushedRedirectURIs lets confidential clients push redirect URIs
	// that are not registered
	AllowUnregisteredPushedRedirectURIs bool

	// StrictRequestObjectType requires request objects to carry typ oauth-authz-req+jwt
	StrictRequestObjectType bool

	// CIBADefaultLifetime is the backchannel request lifetime for clients without one
	CIBADefaultLifetime time.Duration

	// PromptValuesSupported lists the accepted prompt values. Others are ignored.
	PromptValuesSupported []string

	// ClockSkew is tolerated when checking JWT lifetimes
	ClockSkew time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.InputLengthRestrictions == (InputLengthRestrictions{}) {
		out.InputLengthRestrictions = DefaultInputLengthRestrictions()
	}
	if out.CIBADefaultLifetime <= 0 {
		out.CIBADefaultLifetime = DefaultCIBALifetime
	}
	if len(out.PromptValuesSupported) == 0 {
		out.PromptValuesSupported = DefaultPromptValuesSupported
	}
	if out.ClockSkew <= 0 {
		out.ClockSkew = DefaultClockSkew
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}
