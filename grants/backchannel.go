package grants

import (
	"context"

	"github.com/giantswarm/oidc-engine/storage"
)

// BackChannelAuthenticationRequestStore persists pending CIBA logins. The internal id
// is the hashed key of the request id handed to the client.
type BackChannelAuthenticationRequestStore struct {
	items *Store[BackChannelAuthenticationRequest]
}

// NewBackChannelAuthenticationRequestStore creates a backchannel request store over store.
func NewBackChannelAuthenticationRequestStore(store storage.GrantStore, serializer *Serializer, opts *Options) *BackChannelAuthenticationRequestStore {
	return &BackChannelAuthenticationRequestStore{
		items: NewStore[BackChannelAuthenticationRequest](storage.BackchannelRequestGrantType, store, serializer, opts),
	}
}

func backchannelMetadata(req *BackChannelAuthenticationRequest) itemMetadata {
	return itemMetadata{
		ClientID:    req.ClientID,
		SubjectID:   req.Subject.SubjectID(),
		SessionID:   req.SessionID,
		Description: req.Description,
		Created:     req.CreationTime,
		Expiration:  expiresAt(req.CreationTime, req.Lifetime),
	}
}

// CreateRequest persists req and returns the authentication request id. req.InternalID
// is set to the stored key.
func (s *BackChannelAuthenticationRequestStore) CreateRequest(ctx context.Context, req *BackChannelAuthenticationRequest) (string, error) {
	handle, err := s.items.CreateHandle()
	if err != nil {
		return "", err
	}
	key := s.items.HashedKey(handle)
	if err := s.items.storeItemByHash(ctx, key, req, backchannelMetadata(req)); err != nil {
		return "", err
	}
	req.InternalID = key
	return handle, nil
}

// GetByAuthenticationRequestID returns the request for the id issued to the client.
func (s *BackChannelAuthenticationRequestStore) GetByAuthenticationRequestID(ctx context.Context, requestID string) (*BackChannelAuthenticationRequest, error) {
	return s.GetByInternalID(ctx, s.items.HashedKey(requestID))
}

// GetByInternalID returns the request stored under internalID.
func (s *BackChannelAuthenticationRequestStore) GetByInternalID(ctx context.Context, internalID string) (*BackChannelAuthenticationRequest, error) {
	req, _, err := s.items.getItemByHash(ctx, internalID)
	if err != nil {
		return nil, err
	}
	req.InternalID = internalID
	return req, nil
}

// UpdateByInternalID replaces the request stored under internalID.
func (s *BackChannelAuthenticationRequestStore) UpdateByInternalID(ctx context.Context, internalID string, req *BackChannelAuthenticationRequest) error {
	return s.items.storeItemByHash(ctx, internalID, req, backchannelMetadata(req))
}

// RemoveByInternalID deletes the request and reports whether it existed.
func (s *BackChannelAuthenticationRequestStore) RemoveByInternalID(ctx context.Context, internalID string) (bool, error) {
	return s.items.removeItemByHash(ctx, internalID)
}

// GetLoginsForUser returns the requests of the subject, optionally limited to clientID.
func (s *BackChannelAuthenticationRequestStore) GetLoginsForUser(ctx context.Context, subjectID, clientID string) ([]*BackChannelAuthenticationRequest, error) {
	items, grants, err := s.items.getAll(ctx, storage.GrantFilter{
		SubjectID: subjectID,
		ClientID:  clientID,
	})
	if err != nil {
		return nil, err
	}
	for i, item := range items {
		item.InternalID = grants[i].Key
	}
	return items, nil
}
