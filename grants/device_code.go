package grants

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
)

// userCodeKeyType namespaces the hash of user codes so they never collide with device codes.
const userCodeKeyType = "device_user_code"

// deviceCodeLookup maps a user code to the stored device code.
type deviceCodeLookup struct {
	DeviceKey string `json:"device_key"`
}

// DeviceCodeStore persists device authorizations. Each authorization is reachable
// by its device code (polled by the device) and by its user code (entered by the user).
type DeviceCodeStore struct {
	items   *Store[DeviceCode]
	lookups *Store[deviceCodeLookup]
}

// NewDeviceCodeStore creates a device code store over store.
func NewDeviceCodeStore(store storage.GrantStore, serializer *Serializer, opts *Options) *DeviceCodeStore {
	return &DeviceCodeStore{
		items:   NewStore[DeviceCode](storage.DeviceCodeGrantType, store, serializer, opts),
		lookups: NewStore[deviceCodeLookup](storage.DeviceCodeGrantType, store, serializer, opts),
	}
}

func userCodeKey(userCode string) string {
	return security.HashGrantKey(userCode, userCodeKeyType)
}

func deviceCodeMetadata(code *DeviceCode) itemMetadata {
	return itemMetadata{
		ClientID:   code.ClientID,
		SubjectID:  code.Subject.SubjectID(),
		SessionID:  code.SessionID,
		Created:    code.CreationTime,
		Expiration: expiresAt(code.CreationTime, code.Lifetime),
	}
}

// StoreDeviceAuthorization persists code under both the device code and the user code.
func (s *DeviceCodeStore) StoreDeviceAuthorization(ctx context.Context, deviceCode, userCode string, code *DeviceCode) error {
	deviceKey := s.items.HashedKey(deviceCode)
	code.UserCodeKey = userCodeKey(userCode)

	md := deviceCodeMetadata(code)
	if err := s.items.storeItemByHash(ctx, deviceKey, code, md); err != nil {
		return err
	}
	if err := s.lookups.storeItemByHash(ctx, code.UserCodeKey, &deviceCodeLookup{DeviceKey: deviceKey}, md); err != nil {
		return fmt.Errorf("failed to index user code: %w", err)
	}
	return nil
}

// FindByDeviceCode returns the authorization for deviceCode or storage.ErrNotFound.
func (s *DeviceCodeStore) FindByDeviceCode(ctx context.Context, deviceCode string) (*DeviceCode, error) {
	code, _, err := s.items.getItem(ctx, deviceCode)
	return code, err
}

// FindByUserCode returns the authorization for userCode or storage.ErrNotFound.
func (s *DeviceCodeStore) FindByUserCode(ctx context.Context, userCode string) (*DeviceCode, error) {
	deviceKey, err := s.deviceKeyForUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}
	code, _, err := s.items.getItemByHash(ctx, deviceKey)
	return code, err
}

// UpdateByUserCode replaces the authorization entered with userCode, typically after
// the user approved or denied it.
func (s *DeviceCodeStore) UpdateByUserCode(ctx context.Context, userCode string, code *DeviceCode) error {
	deviceKey, err := s.deviceKeyForUserCode(ctx, userCode)
	if err != nil {
		return err
	}
	code.UserCodeKey = userCodeKey(userCode)
	return s.items.storeItemByHash(ctx, deviceKey, code, deviceCodeMetadata(code))
}

// RemoveByDeviceCode deletes the authorization and its user code index and reports
// whether the authorization existed.
func (s *DeviceCodeStore) RemoveByDeviceCode(ctx context.Context, deviceCode string) (bool, error) {
	key := s.items.HashedKey(deviceCode)
	code, _, err := s.items.getItemByHash(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	if code != nil && code.UserCodeKey != "" {
		if _, err := s.lookups.removeItemByHash(ctx, code.UserCodeKey); err != nil {
			return false, err
		}
	}
	return s.items.removeItemByHash(ctx, key)
}

func (s *DeviceCodeStore) deviceKeyForUserCode(ctx context.Context, userCode string) (string, error) {
	lookup, _, err := s.lookups.getItemByHash(ctx, userCodeKey(userCode))
	if err != nil {
		return "", err
	}
	if lookup.DeviceKey == "" {
		return "", storage.ErrNotFound
	}
	return lookup.DeviceKey, nil
}
