package grants

import (
	"context"

	"github.com/giantswarm/oidc-engine/storage"
)

// ReferenceTokenStore persists access tokens issued as opaque references.
type ReferenceTokenStore struct {
	items *Store[Token]
}

// NewReferenceTokenStore creates a reference token store over store.
func NewReferenceTokenStore(store storage.GrantStore, serializer *Serializer, opts *Options) *ReferenceTokenStore {
	return &ReferenceTokenStore{
		items: NewStore[Token](storage.ReferenceTokenGrantType, store, serializer, opts),
	}
}

// StoreReferenceToken persists token and returns the handle given to the client.
func (s *ReferenceTokenStore) StoreReferenceToken(ctx context.Context, token *Token) (string, error) {
	return s.items.createItem(ctx, token, itemMetadata{
		ClientID:    token.ClientID,
		SubjectID:   token.SubjectID(),
		SessionID:   token.SessionID(),
		Description: token.Description,
		Created:     token.CreationTime,
		Expiration:  expiresAt(token.CreationTime, token.Lifetime),
	})
}

// GetReferenceToken returns the token for handle or storage.ErrNotFound.
func (s *ReferenceTokenStore) GetReferenceToken(ctx context.Context, handle string) (*Token, error) {
	token, _, err := s.items.getItem(ctx, handle)
	return token, err
}

// RemoveReferenceToken deletes the token and reports whether it existed.
func (s *ReferenceTokenStore) RemoveReferenceToken(ctx context.Context, handle string) (bool, error) {
	return s.items.removeItemByHash(ctx, s.items.HashedKey(handle))
}

// RemoveReferenceTokens deletes every reference token of the subject for clientID.
func (s *ReferenceTokenStore) RemoveReferenceTokens(ctx context.Context, subjectID, clientID string) (int, error) {
	return s.items.removeAll(ctx, subjectID, clientID)
}
