package fga

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Store is the isolation boundary for authorization models and tuples.
// Tuples and models of one store are never visible to another, even for
// identical type/object/relation names.
type Store struct {
	ID                  uuid.UUID `json:"id"`
	Name                string    `json:"name"`
	Description         string    `json:"description,omitempty"`
	CurrentModelVersion int       `json:"current_model_version"`
	IsActive            bool      `json:"is_active"`
	TupleCount          int64     `json:"tuple_count"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// AuthorizationModel is an immutable snapshot identified by (StoreID,
// Version). Versions are strictly increasing per store; writing a new model
// never mutates older versions. Invalid models are persisted for
// inspection but never advance the store's version pointer.
type AuthorizationModel struct {
	ID               uuid.UUID        `json:"id"`
	StoreID          uuid.UUID        `json:"store_id"`
	Version          int              `json:"version"`
	Schema           *Schema          `json:"schema"`
	DSL              string           `json:"dsl,omitempty"`
	IsValid          bool             `json:"is_valid"`
	ValidationErrors ValidationErrors `json:"validation_errors,omitempty"`
	CreatedBy        string           `json:"created_by,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// APIKey grants programmatic access to a single store. The secret itself
// is never stored; only its SHA-256 hash and a short display prefix are.
type APIKey struct {
	ID          uuid.UUID  `json:"id"`
	StoreID     uuid.UUID  `json:"store_id"`
	Name        string     `json:"name"`
	KeyPrefix   string     `json:"key_prefix"`
	Permissions []string   `json:"permissions"`
	IsActive    bool       `json:"is_active"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// API key permissions. A key may invoke an operation only if its
// permission list contains the operation's class (admin implies all).
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
	PermissionCheck = "check"
	PermissionAdmin = "admin"
)

// HasPermission reports whether the key may perform operations of the
// given class.
func (k *APIKey) HasPermission(perm string) bool {
	for _, p := range k.Permissions {
		if p == perm || p == PermissionAdmin {
			return true
		}
	}
	return false
}

// Storage is the persistence boundary of the engine. Every call is scoped
// by store ID; implementations must guarantee that no operation observes
// data of another store.
//
// Atomicity contract: WriteModel persists the model and advances the
// store's version pointer in one transaction; WriteTuples applies all adds
// and deletes together or not at all, so the resolver never observes a
// half-applied batch. Reads may reflect either side of a concurrent batch
// (read-committed), never the middle.
type Storage interface {
	// Stores
	CreateStore(ctx context.Context, store *Store) error
	GetStore(ctx context.Context, id uuid.UUID) (*Store, error)
	ListStores(ctx context.Context, includeInactive bool) ([]*Store, error)
	UpdateStore(ctx context.Context, store *Store) error
	// DeleteStore soft-deletes by default; hard removes the store and
	// cascades its models, tuples and API keys.
	DeleteStore(ctx context.Context, id uuid.UUID, hard bool) error

	// Authorization models. WriteModel assigns
	// version = store.CurrentModelVersion+1 and, for valid models,
	// advances the pointer atomically.
	WriteModel(ctx context.Context, model *AuthorizationModel) error
	GetModel(ctx context.Context, storeID uuid.UUID, version int) (*AuthorizationModel, error)
	GetCurrentModel(ctx context.Context, storeID uuid.UUID) (*AuthorizationModel, error)
	ListModels(ctx context.Context, storeID uuid.UUID) ([]*AuthorizationModel, error)

	// Tuples. Adding an existing tuple and deleting a missing one are
	// no-ops. ReadTuples must be efficient for filters on any prefix of
	// (object_type, object_id, relation) and for
	// (subject_type, subject_id), the two traversal directions of the
	// resolver.
	WriteTuples(ctx context.Context, storeID uuid.UUID, writes, deletes []Tuple) error
	ReadTuples(ctx context.Context, storeID uuid.UUID, filter TupleFilter) ([]Tuple, error)
	TupleExists(ctx context.Context, storeID uuid.UUID, t Tuple) (bool, error)

	// API keys
	CreateAPIKey(ctx context.Context, key *APIKey, keyHash string) error
	ListAPIKeys(ctx context.Context, storeID uuid.UUID) ([]*APIKey, error)
	RevokeAPIKey(ctx context.Context, storeID, keyID uuid.UUID) error
	// GetAPIKeyByHash resolves a secret's hash to its key record and
	// stamps LastUsedAt. Revocation and expiry are enforced by the caller.
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)

	Close() error
}
