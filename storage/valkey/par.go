package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/giantswarm/oidc-engine/storage"
)

// ============================================================
// PushedAuthorizationRequestStore Implementation
// ============================================================

// StorePushedAuthorizationRequest stores a pushed request with SET NX.
// A request with the same reference hash yields storage.ErrAlreadyExists.
func (s *Store) StorePushedAuthorizationRequest(ctx context.Context, par *storage.PushedAuthorizationRequest) error {
	ctx, span := s.startStorageSpan(ctx, "store_par")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "store_par", err, startTime)
	}()

	if par == nil || par.ReferenceValueHash == "" {
		err = fmt.Errorf("reference value hash is required")
		return err
	}

	data, err := json.Marshal(par)
	if err != nil {
		err = fmt.Errorf("failed to marshal pushed authorization request: %w", err)
		return err
	}
	if len(data) > MaxRecordSize {
		err = errRecordTooLarge
		return err
	}

	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.parKey(par.ReferenceValueHash)).Value(string(data)).Nx().Ex(s.ttlUntil(par.ExpiresAt)).Build(),
	).Error()
	if err != nil {
		if isNilError(err) {
			err = storage.ErrAlreadyExists
			return err
		}
		err = fmt.Errorf("failed to store pushed authorization request: %w", err)
		return err
	}
	return nil
}

// GetPushedAuthorizationRequest returns the request or storage.ErrNotFound
func (s *Store) GetPushedAuthorizationRequest(ctx context.Context, referenceValueHash string) (*storage.PushedAuthorizationRequest, error) {
	ctx, span := s.startStorageSpan(ctx, "get_par")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_par", err, startTime)
	}()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.parKey(referenceValueHash)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			err = nil
			return nil, storage.ErrNotFound
		}
		err = fmt.Errorf("failed to get pushed authorization request: %w", err)
		return nil, err
	}

	var par storage.PushedAuthorizationRequest
	if err = json.Unmarshal([]byte(data), &par); err != nil {
		err = fmt.Errorf("failed to unmarshal pushed authorization request: %w", err)
		return nil, err
	}
	return &par, nil
}

// ConsumePushedAuthorizationRequest deletes the request and returns the number removed
func (s *Store) ConsumePushedAuthorizationRequest(ctx context.Context, referenceValueHash string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_par")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_par", err, startTime)
	}()

	n, err := s.client.Do(ctx, s.client.B().Del().Key(s.parKey(referenceValueHash)).Build()).AsInt64()
	if err != nil {
		err = fmt.Errorf("failed to consume pushed authorization request: %w", err)
		return 0, err
	}
	return int(n), nil
}
