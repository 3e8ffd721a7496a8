// Package memory provides an in-process Storage for tests, development
// and single-node deployments that do not need durability.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/coreauth/fga"
)

type storeState struct {
	store  fga.Store
	models []*fga.AuthorizationModel
	tuples map[string]fga.Tuple
	keys   map[uuid.UUID]*apiKeyState
}

type apiKeyState struct {
	key  fga.APIKey
	hash string
}

// Storage keeps everything behind one RWMutex. Batches hold the lock for
// their whole duration, which gives the atomicity the interface demands
// for free.
type Storage struct {
	mu     sync.RWMutex
	stores map[uuid.UUID]*storeState
}

var _ fga.Storage = (*Storage)(nil)

func NewStorage() *Storage {
	return &Storage{stores: map[uuid.UUID]*storeState{}}
}

func (s *Storage) CreateStore(_ context.Context, store *fga.Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[store.ID] = &storeState{
		store:  *store,
		tuples: map[string]fga.Tuple{},
		keys:   map[uuid.UUID]*apiKeyState{},
	}
	return nil
}

func (s *Storage) GetStore(_ context.Context, id uuid.UUID) (*fga.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.stores[id]
	if !ok {
		return nil, fga.ErrNotFound
	}
	store := state.store
	return &store, nil
}

func (s *Storage) ListStores(_ context.Context, includeInactive bool) ([]*fga.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stores := make([]*fga.Store, 0, len(s.stores))
	for _, state := range s.stores {
		if !state.store.IsActive && !includeInactive {
			continue
		}
		store := state.store
		stores = append(stores, &store)
	}
	sort.Slice(stores, func(i, j int) bool { return stores[i].CreatedAt.Before(stores[j].CreatedAt) })
	return stores, nil
}

func (s *Storage) UpdateStore(_ context.Context, store *fga.Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.stores[store.ID]
	if !ok {
		return fga.ErrNotFound
	}
	updated := *store
	updated.CurrentModelVersion = state.store.CurrentModelVersion
	updated.TupleCount = state.store.TupleCount
	state.store = updated
	return nil
}

func (s *Storage) DeleteStore(_ context.Context, id uuid.UUID, hard bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.stores[id]
	if !ok {
		return fga.ErrNotFound
	}
	if hard {
		delete(s.stores, id)
		return nil
	}
	state.store.IsActive = false
	state.store.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Storage) WriteModel(_ context.Context, model *fga.AuthorizationModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.stores[model.StoreID]
	if !ok {
		return fga.ErrNotFound
	}
	version := 0
	if n := len(state.models); n > 0 {
		version = state.models[n-1].Version
	}
	model.Version = version + 1

	stored := *model
	state.models = append(state.models, &stored)
	if model.IsValid {
		state.store.CurrentModelVersion = model.Version
		state.store.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *Storage) GetModel(_ context.Context, storeID uuid.UUID, version int) (*fga.AuthorizationModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.stores[storeID]
	if !ok {
		return nil, fga.ErrNotFound
	}
	for _, model := range state.models {
		if model.Version == version {
			copied := *model
			return &copied, nil
		}
	}
	return nil, fga.ErrNotFound
}

func (s *Storage) GetCurrentModel(_ context.Context, storeID uuid.UUID) (*fga.AuthorizationModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.stores[storeID]
	if !ok {
		return nil, fga.ErrNotFound
	}
	if !state.store.IsActive {
		return nil, fga.ErrStoreInactive
	}
	if state.store.CurrentModelVersion == 0 {
		return nil, fga.ErrNoModel
	}
	for _, model := range state.models {
		if model.Version == state.store.CurrentModelVersion {
			copied := *model
			return &copied, nil
		}
	}
	return nil, fga.ErrNoModel
}

func (s *Storage) ListModels(_ context.Context, storeID uuid.UUID) ([]*fga.AuthorizationModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.stores[storeID]
	if !ok {
		return nil, fga.ErrNotFound
	}
	models := make([]*fga.AuthorizationModel, 0, len(state.models))
	for i := len(state.models) - 1; i >= 0; i-- {
		copied := *state.models[i]
		models = append(models, &copied)
	}
	return models, nil
}

func (s *Storage) WriteTuples(_ context.Context, storeID uuid.UUID, writes, deletes []fga.Tuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.stores[storeID]
	if !ok {
		return fga.ErrNotFound
	}
	if !state.store.IsActive {
		return fga.ErrStoreInactive
	}
	for _, t := range writes {
		if _, exists := state.tuples[t.String()]; !exists {
			state.tuples[t.String()] = t
			state.store.TupleCount++
		}
	}
	for _, t := range deletes {
		if _, exists := state.tuples[t.String()]; exists {
			delete(state.tuples, t.String())
			state.store.TupleCount--
		}
	}
	return nil
}

func (s *Storage) ReadTuples(_ context.Context, storeID uuid.UUID, filter fga.TupleFilter) ([]fga.Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.stores[storeID]
	if !ok {
		return nil, fga.ErrNotFound
	}
	var tuples []fga.Tuple
	for _, t := range state.tuples {
		if filter.Matches(t) {
			tuples = append(tuples, t)
		}
	}
	sort.Slice(tuples, func(i, j int) bool { return tuples[i].String() < tuples[j].String() })
	return tuples, nil
}

func (s *Storage) TupleExists(_ context.Context, storeID uuid.UUID, t fga.Tuple) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.stores[storeID]
	if !ok {
		return false, fga.ErrNotFound
	}
	_, exists := state.tuples[t.String()]
	return exists, nil
}

func (s *Storage) CreateAPIKey(_ context.Context, key *fga.APIKey, keyHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.stores[key.StoreID]
	if !ok {
		return fga.ErrNotFound
	}
	state.keys[key.ID] = &apiKeyState{key: *key, hash: keyHash}
	return nil
}

func (s *Storage) ListAPIKeys(_ context.Context, storeID uuid.UUID) ([]*fga.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.stores[storeID]
	if !ok {
		return nil, fga.ErrNotFound
	}
	keys := make([]*fga.APIKey, 0, len(state.keys))
	for _, ks := range state.keys {
		key := ks.key
		keys = append(keys, &key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys, nil
}

func (s *Storage) RevokeAPIKey(_ context.Context, storeID, keyID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.stores[storeID]
	if !ok {
		return fga.ErrNotFound
	}
	ks, ok := state.keys[keyID]
	if !ok || ks.key.StoreID != storeID {
		return fga.ErrNotFound
	}
	ks.key.IsActive = false
	return nil
}

func (s *Storage) GetAPIKeyByHash(_ context.Context, keyHash string) (*fga.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range s.stores {
		for _, ks := range state.keys {
			if fga.ConstantTimeEquals(ks.hash, keyHash) {
				now := time.Now().UTC()
				ks.key.LastUsedAt = &now
				key := ks.key
				return &key, nil
			}
		}
	}
	return nil, fga.ErrNotFound
}

func (s *Storage) Close() error {
	return nil
}
