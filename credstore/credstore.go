// Package credstore keeps authenticated identities and links them to MCP
// sessions, so that follow-up requests on a session run as the user who
// opened it.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/storage"
	"github.com/google/uuid"
)

const (
	credentialNamespace  = "credentials"
	associationNamespace = "associations"
)

// DefaultTTL is how long an association and its credential outlive the last
// RefreshSession. It should be at least the session idle timeout, or an idle
// but still registered session loses its owner and is refused.
const DefaultTTL = 24 * time.Hour

// ErrNotInitialized is returned when the store is used before Initialize.
var ErrNotInitialized = errors.New("credstore: not initialized")

// Store is the credential store collaborator used by the transports and the
// shutdown path.
type Store interface {
	Initialize(ctx context.Context) error
	// SaveCredential persists id and returns its credential session id.
	SaveCredential(ctx context.Context, id auth.Identity) (string, error)
	AssociateSession(ctx context.Context, mcpSessionID, credentialSessionID string) error
	RemoveSessionAssociation(ctx context.Context, mcpSessionID string) error
	// RefreshSession restarts the TTL of a session's association and its
	// credential, so that sessions in use do not lose their owner.
	RefreshSession(ctx context.Context, mcpSessionID, credentialSessionID string) error
	// ResolveSession returns the identity associated with an MCP session.
	ResolveSession(ctx context.Context, mcpSessionID string) (auth.Identity, bool, error)
	Close() error
}

// Option configures a StorageStore.
type Option func(*StorageStore)

// WithTTL bounds how long credentials and associations are kept.
func WithTTL(ttl time.Duration) Option {
	return func(s *StorageStore) { s.ttl = ttl }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *StorageStore) { s.log = log }
}

// StorageStore implements Store over a storage.Storage backend.
type StorageStore struct {
	backend storage.Storage
	ttl     time.Duration
	log     *slog.Logger

	mu          sync.Mutex
	initialized bool
}

var _ Store = (*StorageStore)(nil)

// New returns a Store persisting into backend with DefaultTTL.
func New(backend storage.Storage, opts ...Option) *StorageStore {
	s := &StorageStore{backend: backend, ttl: DefaultTTL, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type credentialRecord struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username,omitempty"`
	Token    string    `json:"token,omitempty"`
	Scopes   []string  `json:"scopes,omitempty"`
	SavedAt  time.Time `json:"saved_at"`
}

func (s *StorageStore) Initialize(ctx context.Context) error {
	if err := s.backend.Ping(ctx); err != nil {
		return fmt.Errorf("credstore: backend unavailable: %w", err)
	}
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	s.log.InfoContext(ctx, "credstore.init.ok")
	return nil
}

func (s *StorageStore) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (s *StorageStore) SaveCredential(ctx context.Context, id auth.Identity) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(credentialRecord{
		UserID:   id.UserID,
		Username: id.Username,
		Token:    id.Token,
		Scopes:   id.Scopes,
		SavedAt:  time.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("credstore: marshal credential: %w", err)
	}
	credID := uuid.NewString()
	if err := s.backend.Set(ctx, credID, raw, storage.WithNamespace(credentialNamespace), storage.WithTTL(s.ttl)); err != nil {
		return "", fmt.Errorf("credstore: save credential: %w", err)
	}
	return credID, nil
}

func (s *StorageStore) AssociateSession(ctx context.Context, mcpSessionID, credentialSessionID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	err := s.backend.Set(ctx, mcpSessionID, []byte(credentialSessionID),
		storage.WithNamespace(associationNamespace), storage.WithTTL(s.ttl))
	if err != nil {
		return fmt.Errorf("credstore: associate session %s: %w", mcpSessionID, err)
	}
	return nil
}

func (s *StorageStore) RemoveSessionAssociation(ctx context.Context, mcpSessionID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, mcpSessionID, storage.WithNamespace(associationNamespace)); err != nil {
		return fmt.Errorf("credstore: remove association %s: %w", mcpSessionID, err)
	}
	return nil
}

func (s *StorageStore) RefreshSession(ctx context.Context, mcpSessionID, credentialSessionID string) error {
	if err := s.AssociateSession(ctx, mcpSessionID, credentialSessionID); err != nil {
		return err
	}
	item, err := s.backend.Get(ctx, credentialSessionID, storage.WithNamespace(credentialNamespace))
	if err != nil {
		return fmt.Errorf("credstore: load credential: %w", err)
	}
	if item == nil {
		return nil
	}
	if err := s.backend.Set(ctx, credentialSessionID, item.Data,
		storage.WithNamespace(credentialNamespace), storage.WithTTL(s.ttl)); err != nil {
		return fmt.Errorf("credstore: refresh credential %s: %w", credentialSessionID, err)
	}
	return nil
}

func (s *StorageStore) ResolveSession(ctx context.Context, mcpSessionID string) (auth.Identity, bool, error) {
	if err := s.ready(); err != nil {
		return auth.Identity{}, false, err
	}
	assoc, err := s.backend.Get(ctx, mcpSessionID, storage.WithNamespace(associationNamespace))
	if err != nil {
		return auth.Identity{}, false, fmt.Errorf("credstore: load association: %w", err)
	}
	if assoc == nil {
		return auth.Identity{}, false, nil
	}
	credID := string(assoc.Data)

	item, err := s.backend.Get(ctx, credID, storage.WithNamespace(credentialNamespace))
	if err != nil {
		return auth.Identity{}, false, fmt.Errorf("credstore: load credential: %w", err)
	}
	if item == nil {
		return auth.Identity{}, false, nil
	}
	var rec credentialRecord
	if err := json.Unmarshal(item.Data, &rec); err != nil {
		return auth.Identity{}, false, fmt.Errorf("credstore: decode credential: %w", err)
	}
	return auth.Identity{
		UserID:              rec.UserID,
		Username:            rec.Username,
		Token:               rec.Token,
		Scopes:              rec.Scopes,
		CredentialSessionID: credID,
	}, true, nil
}

func (s *StorageStore) Close() error {
	s.mu.Lock()
	s.initialized = false
	s.mu.Unlock()
	return s.backend.Close()
}
