package grants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
)

// keyLogLength is the number of characters of a hashed key included in logs
const keyLogLength = 8

// Options configures the typed stores.
type Options struct {
	// HandleGenerator creates new handles (default: security.GenerateHandle)
	HandleGenerator func() (string, error)

	// Logger (default: slog.Default())
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.HandleGenerator == nil {
		out.HandleGenerator = security.GenerateHandle
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// itemMetadata is the grant metadata recorded alongside an item.
type itemMetadata struct {
	ClientID    string
	SubjectID   string
	SessionID   string
	Description string
	Created     time.Time
	Expiration  *time.Time
	Consumed    *time.Time
}

// Store is the generic handle-keyed store shared by the typed stores. All items are
// stored with the same grant type.
type Store[T any] struct {
	grantType  string
	store      storage.GrantStore
	serializer *Serializer
	handles    func() (string, error)
	logger     *slog.Logger
}

// NewStore creates a generic store for grantType.
func NewStore[T any](grantType string, store storage.GrantStore, serializer *Serializer, opts *Options) *Store[T] {
	o := opts.withDefaults()
	if serializer == nil {
		serializer = NewSerializer(nil)
	}
	return &Store[T]{
		grantType:  grantType,
		store:      store,
		serializer: serializer,
		handles:    o.HandleGenerator,
		logger:     o.Logger,
	}
}

// GrantType returns the grant type of stored items.
func (s *Store[T]) GrantType() string { return s.grantType }

// HashedKey returns the storage key for handle.
func (s *Store[T]) HashedKey(handle string) string {
	return security.HashGrantKey(handle, s.grantType)
}

// CreateHandle generates a new handle.
func (s *Store[T]) CreateHandle() (string, error) {
	handle, err := s.handles()
	if err != nil {
		return "", fmt.Errorf("failed to generate handle: %w", err)
	}
	return handle, nil
}

// createItem stores item under a new handle and returns the handle.
func (s *Store[T]) createItem(ctx context.Context, item *T, md itemMetadata) (string, error) {
	handle, err := s.CreateHandle()
	if err != nil {
		return "", err
	}
	if err := s.storeItemByHash(ctx, s.HashedKey(handle), item, md); err != nil {
		return "", err
	}
	return handle, nil
}

// storeItemByHash upserts item under an existing hashed key.
func (s *Store[T]) storeItemByHash(ctx context.Context, key string, item *T, md itemMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := s.serializer.Serialize(item)
	if err != nil {
		return err
	}

	grant := &storage.PersistedGrant{
		Key:          key,
		Type:         s.grantType,
		ClientID:     md.ClientID,
		SubjectID:    md.SubjectID,
		SessionID:    md.SessionID,
		Description:  md.Description,
		CreationTime: md.Created,
		Expiration:   md.Expiration,
		ConsumedTime: md.Consumed,
		Data:         data,
	}
	if err := s.store.StoreGrant(ctx, grant); err != nil {
		return fmt.Errorf("failed to store %s: %w", s.grantType, err)
	}
	return nil
}

// getItemByHash loads the item stored under key. Grants of another type, and grants
// whose payload cannot be read, are reported as storage.ErrNotFound.
func (s *Store[T]) getItemByHash(ctx context.Context, key string) (*T, *storage.PersistedGrant, error) {
	grant, err := s.store.GetGrant(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, storage.ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to load %s: %w", s.grantType, err)
	}
	if grant.Type != s.grantType {
		s.logger.Debug("Grant type mismatch",
			"expected", s.grantType,
			"actual", grant.Type,
			"key", util.SafeTruncate(key, keyLogLength))
		return nil, nil, storage.ErrNotFound
	}

	item := new(T)
	if err := s.serializer.Deserialize(grant.Data, item); err != nil {
		s.logger.Warn("Failed to deserialize grant",
			"type", s.grantType,
			"key", util.SafeTruncate(key, keyLogLength),
			"error", err)
		return nil, nil, storage.ErrNotFound
	}
	return item, grant, nil
}

// getItem loads the item for handle.
func (s *Store[T]) getItem(ctx context.Context, handle string) (*T, *storage.PersistedGrant, error) {
	return s.getItemByHash(ctx, s.HashedKey(handle))
}

// removeItemByHash deletes the item under key and reports whether it existed.
func (s *Store[T]) removeItemByHash(ctx context.Context, key string) (bool, error) {
	removed, err := s.store.RemoveGrant(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to remove %s: %w", s.grantType, err)
	}
	return removed, nil
}

// getAll returns every readable item of this type matching filter.
func (s *Store[T]) getAll(ctx context.Context, filter storage.GrantFilter) ([]*T, []*storage.PersistedGrant, error) {
	filter.Type = s.grantType
	filter.Types = nil

	grants, err := s.store.GetAllGrants(ctx, filter)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list %s: %w", s.grantType, err)
	}

	items := make([]*T, 0, len(grants))
	kept := make([]*storage.PersistedGrant, 0, len(grants))
	for _, grant := range grants {
		item := new(T)
		if err := s.serializer.Deserialize(grant.Data, item); err != nil {
			s.logger.Warn("Failed to deserialize grant",
				"type", s.grantType,
				"key", util.SafeTruncate(grant.Key, keyLogLength),
				"error", err)
			continue
		}
		items = append(items, item)
		kept = append(kept, grant)
	}
	return items, kept, nil
}

// removeAll deletes every item of this type for the subject and client.
// An empty clientID matches all clients.
func (s *Store[T]) removeAll(ctx context.Context, subjectID, clientID string) (int, error) {
	n, err := s.store.RemoveAllGrants(ctx, storage.GrantFilter{
		SubjectID: subjectID,
		ClientID:  clientID,
		Type:      s.grantType,
	})
	if err != nil {
		return n, fmt.Errorf("failed to remove %s grants: %w", s.grantType, err)
	}
	return n, nil
}

func expiresAt(created time.Time, lifetime time.Duration) *time.Time {
	if lifetime <= 0 {
		return nil
	}
	exp := created.Add(lifetime)
	return &exp
}
