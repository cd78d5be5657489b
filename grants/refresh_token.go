package grants

import (
	"context"
	"time"

	"github.com/giantswarm/oidc-engine/storage"
)

// RefreshTokenStore persists refresh tokens. Tokens are updated in place when the
// handle is reused and removed or marked consumed when it is rotated.
type RefreshTokenStore struct {
	items *Store[RefreshToken]
}

// NewRefreshTokenStore creates a refresh token store over store.
func NewRefreshTokenStore(store storage.GrantStore, serializer *Serializer, opts *Options) *RefreshTokenStore {
	return &RefreshTokenStore{
		items: NewStore[RefreshToken](storage.RefreshTokenGrantType, store, serializer, opts),
	}
}

func refreshTokenMetadata(token *RefreshToken) itemMetadata {
	return itemMetadata{
		ClientID:    token.ClientID,
		SubjectID:   token.SubjectID(),
		SessionID:   token.SessionID,
		Description: token.Description,
		Created:     token.CreationTime,
		Expiration:  expiresAt(token.CreationTime, token.Lifetime),
		Consumed:    token.ConsumedTime,
	}
}

// StoreRefreshToken persists token under a new handle.
func (s *RefreshTokenStore) StoreRefreshToken(ctx context.Context, token *RefreshToken) (string, error) {
	return s.items.createItem(ctx, token, refreshTokenMetadata(token))
}

// UpdateRefreshToken replaces the token stored under handle.
func (s *RefreshTokenStore) UpdateRefreshToken(ctx context.Context, handle string, token *RefreshToken) error {
	return s.items.storeItemByHash(ctx, s.items.HashedKey(handle), token, refreshTokenMetadata(token))
}

// GetRefreshToken returns the token for handle or storage.ErrNotFound. The consumed
// time recorded on the grant wins over the payload.
func (s *RefreshTokenStore) GetRefreshToken(ctx context.Context, handle string) (*RefreshToken, error) {
	token, grant, err := s.items.getItem(ctx, handle)
	if err != nil {
		return nil, err
	}
	if grant.ConsumedTime != nil {
		consumed := *grant.ConsumedTime
		token.ConsumedTime = &consumed
	}
	return token, nil
}

// MarkConsumed records the consumed time on the stored token. A token that is
// already consumed keeps its original consumed time.
func (s *RefreshTokenStore) MarkConsumed(ctx context.Context, handle string, token *RefreshToken, at time.Time) error {
	if token.ConsumedTime == nil {
		consumed := at
		token.ConsumedTime = &consumed
	}
	return s.UpdateRefreshToken(ctx, handle, token)
}

// RemoveRefreshToken deletes the token and reports whether it existed.
func (s *RefreshTokenStore) RemoveRefreshToken(ctx context.Context, handle string) (bool, error) {
	return s.items.removeItemByHash(ctx, s.items.HashedKey(handle))
}

// RemoveRefreshTokens deletes every refresh token of the subject for clientID.
func (s *RefreshTokenStore) RemoveRefreshTokens(ctx context.Context, subjectID, clientID string) (int, error) {
	return s.items.removeAll(ctx, subjectID, clientID)
}
