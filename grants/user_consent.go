package grants

import (
	"context"
	"errors"

	"github.com/giantswarm/oidc-engine/storage"
)

// UserConsentStore persists remembered consent keyed by subject and client.
type UserConsentStore struct {
	items *Store[UserConsent]
}

// NewUserConsentStore creates a user consent store over store.
func NewUserConsentStore(store storage.GrantStore, serializer *Serializer, opts *Options) *UserConsentStore {
	return &UserConsentStore{
		items: NewStore[UserConsent](storage.UserConsentGrantType, store, serializer, opts),
	}
}

func (s *UserConsentStore) consentKey(subjectID, clientID string) string {
	return s.items.HashedKey(subjectID + "|" + clientID)
}

// StoreUserConsent inserts or replaces the consent of the subject for the client.
func (s *UserConsentStore) StoreUserConsent(ctx context.Context, consent *UserConsent) error {
	return s.items.storeItemByHash(ctx, s.consentKey(consent.SubjectID, consent.ClientID), consent, itemMetadata{
		ClientID:   consent.ClientID,
		SubjectID:  consent.SubjectID,
		Created:    consent.CreationTime,
		Expiration: consent.Expiration,
	})
}

// GetUserConsent returns the consent, or nil when none is stored.
func (s *UserConsentStore) GetUserConsent(ctx context.Context, subjectID, clientID string) (*UserConsent, error) {
	consent, _, err := s.items.getItemByHash(ctx, s.consentKey(subjectID, clientID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return consent, err
}

// RemoveUserConsent deletes the consent of the subject for the client.
func (s *UserConsentStore) RemoveUserConsent(ctx context.Context, subjectID, clientID string) error {
	_, err := s.items.removeItemByHash(ctx, s.consentKey(subjectID, clientID))
	return err
}
