package grants

import (
	"context"

	"github.com/giantswarm/oidc-engine/storage"
)

// AuthorizationCodeStore persists authorization codes.
type AuthorizationCodeStore struct {
	items *Store[AuthorizationCode]
}

// NewAuthorizationCodeStore creates an authorization code store over store.
func NewAuthorizationCodeStore(store storage.GrantStore, serializer *Serializer, opts *Options) *AuthorizationCodeStore {
	return &AuthorizationCodeStore{
		items: NewStore[AuthorizationCode](storage.AuthorizationCodeGrantType, store, serializer, opts),
	}
}

// StoreAuthorizationCode persists code and returns its new handle.
func (s *AuthorizationCodeStore) StoreAuthorizationCode(ctx context.Context, code *AuthorizationCode) (string, error) {
	return s.items.createItem(ctx, code, itemMetadata{
		ClientID:    code.ClientID,
		SubjectID:   code.Subject.SubjectID(),
		SessionID:   code.SessionID,
		Description: code.Description,
		Created:     code.CreationTime,
		Expiration:  expiresAt(code.CreationTime, code.Lifetime),
	})
}

// GetAuthorizationCode returns the code for handle or storage.ErrNotFound.
func (s *AuthorizationCodeStore) GetAuthorizationCode(ctx context.Context, handle string) (*AuthorizationCode, error) {
	code, _, err := s.items.getItem(ctx, handle)
	return code, err
}

// RemoveAuthorizationCode deletes the code and reports whether this call removed it.
// Only the caller that observes true may redeem the code.
func (s *AuthorizationCodeStore) RemoveAuthorizationCode(ctx context.Context, handle string) (bool, error) {
	return s.items.removeItemByHash(ctx, s.items.HashedKey(handle))
}
