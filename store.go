package fga

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
)

// StoreService wraps a Storage with the write-side semantics the raw
// interface does not enforce: model validation, tuple validation against
// the current model, API key generation, and cache invalidation after
// tuple writes.
type StoreService struct {
	storage Storage
	cache   CheckCache
	log     *slog.Logger
}

type StoreServiceOption func(*StoreService)

func WithServiceCache(cache CheckCache) StoreServiceOption {
	return func(s *StoreService) { s.cache = cache }
}

func WithServiceLogger(log *slog.Logger) StoreServiceOption {
	return func(s *StoreService) { s.log = log }
}

func NewStoreService(storage Storage, options ...StoreServiceOption) *StoreService {
	s := &StoreService{
		storage: storage,
		cache:   NopCache{},
		log:     slog.Default(),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// CreateStore creates an active store with a fresh ID and no model.
func (s *StoreService) CreateStore(ctx context.Context, name, description string) (*Store, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ValidationErrors{{Reason: "store name must not be empty"}}
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	store := &Store{
		ID:          id,
		Name:        name,
		Description: description,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.storage.CreateStore(ctx, store); err != nil {
		return nil, err
	}
	s.log.Info("store created", slog.String("store_id", id.String()), slog.String("name", name))
	return store, nil
}

func (s *StoreService) GetStore(ctx context.Context, id uuid.UUID) (*Store, error) {
	return s.storage.GetStore(ctx, id)
}

func (s *StoreService) ListStores(ctx context.Context, includeInactive bool) ([]*Store, error) {
	return s.storage.ListStores(ctx, includeInactive)
}

// UpdateStore changes name and description only; lifecycle and model
// pointer fields are managed by their own operations.
func (s *StoreService) UpdateStore(ctx context.Context, id uuid.UUID, name, description string) (*Store, error) {
	store, err := s.storage.GetStore(ctx, id)
	if err != nil {
		return nil, err
	}
	if !store.IsActive {
		return nil, ErrStoreInactive
	}
	if strings.TrimSpace(name) != "" {
		store.Name = name
	}
	store.Description = description
	store.UpdatedAt = time.Now().UTC()
	if err := s.storage.UpdateStore(ctx, store); err != nil {
		return nil, err
	}
	return store, nil
}

// DeleteStore soft-deletes by default, keeping models and tuples around
// for recovery. hard removes everything. Either way the store's cached
// decisions are dropped; a hard delete also releases the cache's
// per-store bookkeeping, since the ID never comes back.
func (s *StoreService) DeleteStore(ctx context.Context, id uuid.UUID, hard bool) error {
	if err := s.storage.DeleteStore(ctx, id, hard); err != nil {
		return err
	}
	if hard {
		s.cache.Forget(id)
	} else {
		s.cache.Invalidate(id)
	}
	s.log.Info("store deleted", slog.String("store_id", id.String()), slog.Bool("hard", hard))
	return nil
}

// WriteModelDSL parses the textual model and writes it as the next
// version. Parse errors fail the write outright; validation errors are
// persisted with the model (IsValid=false) so the author can inspect
// them, but the store keeps serving its previous valid version.
func (s *StoreService) WriteModelDSL(ctx context.Context, storeID uuid.UUID, dsl, createdBy string) (*AuthorizationModel, error) {
	schema, err := ParseDSL(dsl)
	if err != nil {
		return nil, err
	}
	return s.writeModel(ctx, storeID, schema, dsl, createdBy)
}

// WriteModelSchema writes a pre-built schema as the next version and
// derives its DSL rendering for display.
func (s *StoreService) WriteModelSchema(ctx context.Context, storeID uuid.UUID, schema *Schema, createdBy string) (*AuthorizationModel, error) {
	return s.writeModel(ctx, storeID, schema, RenderDSL(schema), createdBy)
}

// WriteModelJSON accepts the schema's JSON form, as produced by the
// model registry itself.
func (s *StoreService) WriteModelJSON(ctx context.Context, storeID uuid.UUID, raw []byte, createdBy string) (*AuthorizationModel, error) {
	var schema Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	return s.writeModel(ctx, storeID, &schema, RenderDSL(&schema), createdBy)
}

func (s *StoreService) writeModel(ctx context.Context, storeID uuid.UUID, schema *Schema, dsl, createdBy string) (*AuthorizationModel, error) {
	store, err := s.storage.GetStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if !store.IsActive {
		return nil, ErrStoreInactive
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	validationErrs := ValidateSchema(schema)
	model := &AuthorizationModel{
		ID:               id,
		StoreID:          storeID,
		Schema:           schema,
		DSL:              dsl,
		IsValid:          len(validationErrs) == 0,
		ValidationErrors: validationErrs,
		CreatedBy:        createdBy,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.storage.WriteModel(ctx, model); err != nil {
		return nil, err
	}
	if !model.IsValid {
		s.log.Warn("model stored with validation errors",
			slog.String("store_id", storeID.String()),
			slog.Int("version", model.Version),
			slog.Int("errors", len(validationErrs)))
	}
	return model, nil
}

func (s *StoreService) GetModel(ctx context.Context, storeID uuid.UUID, version int) (*AuthorizationModel, error) {
	return s.storage.GetModel(ctx, storeID, version)
}

func (s *StoreService) GetCurrentModel(ctx context.Context, storeID uuid.UUID) (*AuthorizationModel, error) {
	return s.storage.GetCurrentModel(ctx, storeID)
}

func (s *StoreService) ListModels(ctx context.Context, storeID uuid.UUID) ([]*AuthorizationModel, error) {
	return s.storage.ListModels(ctx, storeID)
}

// WriteTuples validates every add against the store's current model, then
// applies the whole batch atomically and drops the store's cached
// decisions. Deletes are not validated: removing a tuple the current
// model no longer describes must stay possible.
func (s *StoreService) WriteTuples(ctx context.Context, storeID uuid.UUID, writes, deletes []Tuple) error {
	if len(writes) == 0 && len(deletes) == 0 {
		return nil
	}
	for _, t := range deletes {
		if !t.IsValid() {
			return ValidationErrors{{Reason: fmt.Sprintf("incomplete tuple %q", t.String())}}
		}
	}
	if len(writes) > 0 {
		model, err := s.storage.GetCurrentModel(ctx, storeID)
		if err != nil {
			return err
		}
		var errs ValidationErrors
		for _, t := range writes {
			errs = append(errs, validateTupleWrite(model.Schema, t)...)
		}
		if len(errs) > 0 {
			return errs
		}
	}

	if err := s.storage.WriteTuples(ctx, storeID, writes, deletes); err != nil {
		return err
	}
	s.cache.Invalidate(storeID)
	return nil
}

func (s *StoreService) ReadTuples(ctx context.Context, storeID uuid.UUID, filter TupleFilter) ([]Tuple, error) {
	return s.storage.ReadTuples(ctx, storeID, filter)
}

// validateTupleWrite checks one tuple against the schema: object type and
// relation must exist, and when the relation has a direct-assignment leaf
// the subject must match one of its allowed types. Relations without a
// `this` leaf accept any subject shape; the tuple is simply unreachable
// until the model grows one.
func validateTupleWrite(schema *Schema, t Tuple) ValidationErrors {
	if !t.IsValid() {
		return ValidationErrors{{Reason: fmt.Sprintf("incomplete tuple %q", t.String())}}
	}
	td, ok := schema.TypeDefinition(t.ObjectType)
	if !ok {
		return ValidationErrors{{Type: t.ObjectType, Reason: "type is not defined in the authorization model"}}
	}
	if _, ok := td.Relation(t.Relation); !ok {
		return ValidationErrors{{Type: t.ObjectType, Relation: t.Relation, Reason: "relation is not defined in the authorization model"}}
	}

	refs, hasThis := schema.DirectTypes(t.ObjectType, t.Relation)
	if !hasThis {
		return nil
	}
	allowed := lo.ContainsBy(refs, func(ref SubjectRef) bool {
		return ref.Type == t.SubjectType && ref.Relation == t.SubjectRelation
	})
	if !allowed {
		subject := t.SubjectType
		if t.SubjectRelation != "" {
			subject += "#" + t.SubjectRelation
		}
		return ValidationErrors{{
			Type:     t.ObjectType,
			Relation: t.Relation,
			Reason:   fmt.Sprintf("subject type %q is not assignable to this relation", subject),
		}}
	}
	return nil
}

// API key secrets look like `fga_` followed by 32 hex characters. Only
// the SHA-256 of the full secret is stored; KeyPrefix keeps the first 12
// characters for display.
const (
	apiKeySecretPrefix  = "fga_"
	apiKeyDisplayLength = 12
)

// APIKeyWithSecret is returned once at creation time. The Secret field is
// not recoverable afterwards.
type APIKeyWithSecret struct {
	APIKey
	Secret string `json:"secret"`
}

// CreateAPIKey mints a key scoped to the store. Empty permissions default
// to read, write and check; admin has to be granted explicitly.
func (s *StoreService) CreateAPIKey(ctx context.Context, storeID uuid.UUID, name string, permissions []string, expiresAt *time.Time) (*APIKeyWithSecret, error) {
	store, err := s.storage.GetStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if !store.IsActive {
		return nil, ErrStoreInactive
	}
	if strings.TrimSpace(name) == "" {
		return nil, ValidationErrors{{Reason: "api key name must not be empty"}}
	}
	if len(permissions) == 0 {
		permissions = []string{PermissionRead, PermissionWrite, PermissionCheck}
	}
	for _, perm := range permissions {
		switch perm {
		case PermissionRead, PermissionWrite, PermissionCheck, PermissionAdmin:
		default:
			return nil, ValidationErrors{{Reason: fmt.Sprintf("unknown permission %q", perm)}}
		}
	}

	secret, err := newAPIKeySecret()
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	key := &APIKey{
		ID:          id,
		StoreID:     storeID,
		Name:        name,
		KeyPrefix:   secret[:apiKeyDisplayLength],
		Permissions: permissions,
		IsActive:    true,
		ExpiresAt:   expiresAt,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.storage.CreateAPIKey(ctx, key, HashAPIKey(secret)); err != nil {
		return nil, err
	}
	s.log.Info("api key created",
		slog.String("store_id", storeID.String()),
		slog.String("key_id", id.String()),
		slog.String("prefix", key.KeyPrefix))
	return &APIKeyWithSecret{APIKey: *key, Secret: secret}, nil
}

func (s *StoreService) ListAPIKeys(ctx context.Context, storeID uuid.UUID) ([]*APIKey, error) {
	return s.storage.ListAPIKeys(ctx, storeID)
}

func (s *StoreService) RevokeAPIKey(ctx context.Context, storeID, keyID uuid.UUID) error {
	return s.storage.RevokeAPIKey(ctx, storeID, keyID)
}

// ValidateAPIKey resolves a presented secret to its key record. Unknown,
// revoked and expired keys all come back as ErrUnauthorized without
// detail, so probing cannot tell them apart.
func (s *StoreService) ValidateAPIKey(ctx context.Context, secret string) (*APIKey, error) {
	if !strings.HasPrefix(secret, apiKeySecretPrefix) {
		return nil, ErrUnauthorized
	}
	key, err := s.storage.GetAPIKeyByHash(ctx, HashAPIKey(secret))
	if err != nil {
		return nil, ErrUnauthorized
	}
	if !key.IsActive {
		return nil, ErrUnauthorized
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrUnauthorized
	}
	return key, nil
}

// HashAPIKey is the stored form of a key secret.
func HashAPIKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEquals compares two hashes without leaking the position of
// the first mismatch.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func newAPIKeySecret() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return apiKeySecretPrefix + hex.EncodeToString(raw), nil
}
