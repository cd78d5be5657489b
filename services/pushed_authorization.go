package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
)

// PushedAuthorizationSerializer converts pushed parameter sets to and from the
// protected string kept in the PAR store.
type PushedAuthorizationSerializer struct {
	encryptor *security.Encryptor
}

// NewPushedAuthorizationSerializer creates a serializer. With a nil or disabled
// encryptor the parameters are only encoded.
func NewPushedAuthorizationSerializer(encryptor *security.Encryptor) *PushedAuthorizationSerializer {
	return &PushedAuthorizationSerializer{encryptor: encryptor}
}

// Serialize encodes params. Repeated values keep their order.
func (s *PushedAuthorizationSerializer) Serialize(params url.Values) (string, error) {
	raw, err := json.Marshal(map[string][]string(params))
	if err != nil {
		return "", fmt.Errorf("failed to marshal pushed parameters: %w", err)
	}
	if s.encryptor == nil {
		return string(raw), nil
	}
	return s.encryptor.Protect(security.PurposePushedAuthorization, raw)
}

// Deserialize decodes a value produced by Serialize.
func (s *PushedAuthorizationSerializer) Deserialize(data string) (url.Values, error) {
	raw := []byte(data)
	if s.encryptor != nil {
		plain, err := s.encryptor.Unprotect(security.PurposePushedAuthorization, data)
		if err != nil {
			return nil, fmt.Errorf("failed to unprotect pushed parameters: %w", err)
		}
		raw = plain
	}

	var params map[string][]string
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pushed parameters: %w", err)
	}
	return url.Values(params), nil
}

// PushedAuthorization is a pushed parameter set with its reference value.
type PushedAuthorization struct {
	ReferenceValue string
	Parameters     url.Values
	ExpiresAt      time.Time
}

// PushedAuthorizationService stores and consumes pushed authorization requests.
// Only the hash of the reference value reaches the store.
type PushedAuthorizationService struct {
	store           storage.PushedAuthorizationRequestStore
	serializer      *PushedAuthorizationSerializer
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

// NewPushedAuthorizationService creates the service.
func NewPushedAuthorizationService(store storage.PushedAuthorizationRequestStore, serializer *PushedAuthorizationSerializer, logger *slog.Logger) *PushedAuthorizationService {
	if serializer == nil {
		serializer = NewPushedAuthorizationSerializer(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PushedAuthorizationService{store: store, serializer: serializer, logger: logger}
}

// SetInstrumentation sets OpenTelemetry instrumentation for pushed request metrics
func (s *PushedAuthorizationService) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// Store persists par. A reference value that is already stored yields
// storage.ErrAlreadyExists.
func (s *PushedAuthorizationService) Store(ctx context.Context, par *PushedAuthorization) error {
	if par == nil || par.ReferenceValue == "" {
		return fmt.Errorf("reference value is required")
	}

	parameters, err := s.serializer.Serialize(par.Parameters)
	if err != nil {
		return err
	}

	err = s.store.StorePushedAuthorizationRequest(ctx, &storage.PushedAuthorizationRequest{
		ID:                 uuid.NewString(),
		ReferenceValueHash: security.Sha256(par.ReferenceValue),
		ExpiresAt:          par.ExpiresAt,
		Parameters:         parameters,
	})
	if err != nil {
		return fmt.Errorf("failed to store pushed authorization request: %w", err)
	}

	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordPushedRequestStored(ctx, par.Parameters.Get("client_id"))
	}
	return nil
}

// Get returns the pushed request for referenceValue or storage.ErrNotFound. Expired
// requests are returned; the caller decides how to report them.
func (s *PushedAuthorizationService) Get(ctx context.Context, referenceValue string) (*PushedAuthorization, error) {
	stored, err := s.store.GetPushedAuthorizationRequest(ctx, security.Sha256(referenceValue))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load pushed authorization request: %w", err)
	}

	params, err := s.serializer.Deserialize(stored.Parameters)
	if err != nil {
		return nil, err
	}
	return &PushedAuthorization{
		ReferenceValue: referenceValue,
		Parameters:     params,
		ExpiresAt:      stored.ExpiresAt,
	}, nil
}

// Consume deletes the pushed request. Removing anything other than exactly one record
// is logged as an anomaly and otherwise treated as already consumed.
func (s *PushedAuthorizationService) Consume(ctx context.Context, referenceValue string) error {
	hash := security.Sha256(referenceValue)
	n, err := s.store.ConsumePushedAuthorizationRequest(ctx, hash)
	if err != nil {
		return fmt.Errorf("failed to consume pushed authorization request: %w", err)
	}
	if n != 1 {
		s.logger.Warn("Unexpected number of pushed authorization requests consumed",
			"count", n,
			"reference_hash", hash[:8])
	}
	return nil
}
