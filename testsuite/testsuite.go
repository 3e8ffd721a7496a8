// Package testsuite holds the conformance tests every Storage
// implementation has to pass. Backend packages call RunAll from their own
// tests with a factory for a fresh, empty storage.
package testsuite

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/coreauth/fga"
)

type Factory func(t *testing.T) fga.Storage

func RunAll(t *testing.T, factory Factory) {
	t.Run("StoreLifecycle", func(t *testing.T) { TestStoreLifecycle(t, factory(t)) })
	t.Run("ModelVersioning", func(t *testing.T) { TestModelVersioning(t, factory(t)) })
	t.Run("TupleWrites", func(t *testing.T) { TestTupleWrites(t, factory(t)) })
	t.Run("TupleFilters", func(t *testing.T) { TestTupleFilters(t, factory(t)) })
	t.Run("StoreIsolation", func(t *testing.T) { TestStoreIsolation(t, factory(t)) })
	t.Run("APIKeys", func(t *testing.T) { TestAPIKeys(t, factory(t)) })
}

func newStore(t *testing.T, storage fga.Storage, name string) *fga.Store {
	t.Helper()
	id, err := uuid.NewV4()
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Microsecond)
	store := &fga.Store{ID: id, Name: name, IsActive: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, storage.CreateStore(context.Background(), store))
	return store
}

func newModel(t *testing.T, storage fga.Storage, storeID uuid.UUID, schema *fga.Schema) *fga.AuthorizationModel {
	t.Helper()
	id, err := uuid.NewV4()
	require.NoError(t, err)
	errs := fga.ValidateSchema(schema)
	model := &fga.AuthorizationModel{
		ID:               id,
		StoreID:          storeID,
		Schema:           schema,
		IsValid:          len(errs) == 0,
		ValidationErrors: errs,
		CreatedAt:        time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, storage.WriteModel(context.Background(), model))
	return model
}

func docSchema() *fga.Schema {
	return &fga.Schema{
		SchemaVersion: fga.SchemaVersion,
		TypeDefinitions: []fga.TypeDefinition{
			{Type: "user"},
			{Type: "doc", Relations: map[string]*fga.Userset{
				"owner":  fga.Direct(fga.Ref("user")),
				"viewer": fga.Union(fga.Direct(fga.Ref("user")), fga.Computed("owner")),
			}},
		},
	}
}

func TestStoreLifecycle(t *testing.T, storage fga.Storage) {
	defer storage.Close()
	ctx := context.Background()

	store := newStore(t, storage, "lifecycle")

	got, err := storage.GetStore(ctx, store.ID)
	require.NoError(t, err)
	require.Equal(t, store.Name, got.Name)
	require.True(t, got.IsActive)

	unknown, err := uuid.NewV4()
	require.NoError(t, err)
	_, err = storage.GetStore(ctx, unknown)
	require.ErrorIs(t, err, fga.ErrNotFound)

	got.Description = "updated"
	require.NoError(t, storage.UpdateStore(ctx, got))
	got, err = storage.GetStore(ctx, store.ID)
	require.NoError(t, err)
	require.Equal(t, "updated", got.Description)

	// Soft delete keeps the record but hides it from the default listing.
	require.NoError(t, storage.DeleteStore(ctx, store.ID, false))
	got, err = storage.GetStore(ctx, store.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)

	active, err := storage.ListStores(ctx, false)
	require.NoError(t, err)
	require.Empty(t, active)
	all, err := storage.ListStores(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, storage.DeleteStore(ctx, store.ID, true))
	_, err = storage.GetStore(ctx, store.ID)
	require.ErrorIs(t, err, fga.ErrNotFound)
}

func TestModelVersioning(t *testing.T, storage fga.Storage) {
	defer storage.Close()
	ctx := context.Background()

	store := newStore(t, storage, "models")

	_, err := storage.GetCurrentModel(ctx, store.ID)
	require.ErrorIs(t, err, fga.ErrNoModel)

	m1 := newModel(t, storage, store.ID, docSchema())
	require.Equal(t, 1, m1.Version)
	require.True(t, m1.IsValid)

	current, err := storage.GetCurrentModel(ctx, store.ID)
	require.NoError(t, err)
	require.Equal(t, 1, current.Version)

	// An invalid model gets the next version but does not advance the pointer.
	broken := &fga.Schema{TypeDefinitions: []fga.TypeDefinition{
		{Type: "doc", Relations: map[string]*fga.Userset{"viewer": fga.Computed("missing")}},
	}}
	m2 := newModel(t, storage, store.ID, broken)
	require.Equal(t, 2, m2.Version)
	require.False(t, m2.IsValid)

	current, err = storage.GetCurrentModel(ctx, store.ID)
	require.NoError(t, err)
	require.Equal(t, 1, current.Version)

	// Older versions stay readable and unchanged.
	got, err := storage.GetModel(ctx, store.ID, 1)
	require.NoError(t, err)
	require.True(t, got.IsValid)
	_, ok := got.Schema.TypeDefinition("doc")
	require.True(t, ok)

	m3 := newModel(t, storage, store.ID, docSchema())
	require.Equal(t, 3, m3.Version)
	current, err = storage.GetCurrentModel(ctx, store.ID)
	require.NoError(t, err)
	require.Equal(t, 3, current.Version)

	models, err := storage.ListModels(ctx, store.ID)
	require.NoError(t, err)
	require.Len(t, models, 3)
	require.Equal(t, 3, models[0].Version)
}

func TestTupleWrites(t *testing.T, storage fga.Storage) {
	defer storage.Close()
	ctx := context.Background()

	store := newStore(t, storage, "tuples")
	alice := fga.TupleString("doc:readme#viewer@user:alice")
	bob := fga.TupleString("doc:readme#viewer@user:bob")

	require.NoError(t, storage.WriteTuples(ctx, store.ID, []fga.Tuple{alice, bob}, nil))

	// Re-adding is a no-op, not a duplicate and not an error.
	require.NoError(t, storage.WriteTuples(ctx, store.ID, []fga.Tuple{alice}, nil))
	tuples, err := storage.ReadTuples(ctx, store.ID, fga.TupleFilter{ObjectType: "doc", ObjectID: "readme"})
	require.NoError(t, err)
	require.Len(t, tuples, 2)

	got, err := storage.GetStore(ctx, store.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, got.TupleCount)

	exists, err := storage.TupleExists(ctx, store.ID, alice)
	require.NoError(t, err)
	require.True(t, exists)

	// Deleting a missing tuple is a no-op; a mixed batch applies both sides.
	carol := fga.TupleString("doc:readme#viewer@user:carol")
	require.NoError(t, storage.WriteTuples(ctx, store.ID, []fga.Tuple{carol}, []fga.Tuple{alice, fga.TupleString("doc:readme#viewer@user:nobody")}))

	exists, err = storage.TupleExists(ctx, store.ID, alice)
	require.NoError(t, err)
	require.False(t, exists)
	exists, err = storage.TupleExists(ctx, store.ID, carol)
	require.NoError(t, err)
	require.True(t, exists)

	got, err = storage.GetStore(ctx, store.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, got.TupleCount)
}

func TestTupleFilters(t *testing.T, storage fga.Storage) {
	defer storage.Close()
	ctx := context.Background()

	store := newStore(t, storage, "filters")
	seed := []fga.Tuple{
		fga.TupleString("doc:a#viewer@user:alice"),
		fga.TupleString("doc:a#owner@user:bob"),
		fga.TupleString("doc:b#viewer@user:alice"),
		fga.TupleString("doc:b#viewer@group:eng#member"),
		fga.TupleString("folder:root#viewer@user:alice"),
	}
	require.NoError(t, storage.WriteTuples(ctx, store.ID, seed, nil))

	// Object-side prefix, the forward traversal direction.
	tuples, err := storage.ReadTuples(ctx, store.ID, fga.TupleFilter{ObjectType: "doc", ObjectID: "a", Relation: "viewer"})
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	require.Equal(t, "user:alice", tuples[0].SubjectString())

	tuples, err = storage.ReadTuples(ctx, store.ID, fga.TupleFilter{ObjectType: "doc"})
	require.NoError(t, err)
	require.Len(t, tuples, 4)

	// Subject side, the reverse direction.
	tuples, err = storage.ReadTuples(ctx, store.ID, fga.TupleFilter{SubjectType: "user", SubjectID: "alice"})
	require.NoError(t, err)
	require.Len(t, tuples, 3)

	tuples, err = storage.ReadTuples(ctx, store.ID, fga.TupleFilter{SubjectType: "group", SubjectRelation: "member"})
	require.NoError(t, err)
	require.Len(t, tuples, 1)

	tuples, err = storage.ReadTuples(ctx, store.ID, fga.TupleFilter{})
	require.NoError(t, err)
	require.Len(t, tuples, 5)
}

func TestStoreIsolation(t *testing.T, storage fga.Storage) {
	defer storage.Close()
	ctx := context.Background()

	a := newStore(t, storage, "tenant-a")
	b := newStore(t, storage, "tenant-b")

	shared := fga.TupleString("doc:readme#viewer@user:alice")
	require.NoError(t, storage.WriteTuples(ctx, a.ID, []fga.Tuple{shared}, nil))

	exists, err := storage.TupleExists(ctx, b.ID, shared)
	require.NoError(t, err)
	require.False(t, exists)
	tuples, err := storage.ReadTuples(ctx, b.ID, fga.TupleFilter{})
	require.NoError(t, err)
	require.Empty(t, tuples)

	// Deleting in one store must not touch the identical tuple elsewhere.
	require.NoError(t, storage.WriteTuples(ctx, b.ID, []fga.Tuple{shared}, nil))
	require.NoError(t, storage.WriteTuples(ctx, b.ID, nil, []fga.Tuple{shared}))
	exists, err = storage.TupleExists(ctx, a.ID, shared)
	require.NoError(t, err)
	require.True(t, exists)

	newModel(t, storage, a.ID, docSchema())
	_, err = storage.GetCurrentModel(ctx, b.ID)
	require.ErrorIs(t, err, fga.ErrNoModel)
}

func TestAPIKeys(t *testing.T, storage fga.Storage) {
	defer storage.Close()
	ctx := context.Background()

	store := newStore(t, storage, "keys")
	id, err := uuid.NewV4()
	require.NoError(t, err)
	secret := "fga_0123456789abcdef0123456789abcdef"
	key := &fga.APIKey{
		ID:          id,
		StoreID:     store.ID,
		Name:        "ci",
		KeyPrefix:   secret[:12],
		Permissions: []string{fga.PermissionRead, fga.PermissionCheck},
		IsActive:    true,
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, storage.CreateAPIKey(ctx, key, fga.HashAPIKey(secret)))

	got, err := storage.GetAPIKeyByHash(ctx, fga.HashAPIKey(secret))
	require.NoError(t, err)
	require.Equal(t, key.ID, got.ID)
	require.NotNil(t, got.LastUsedAt)

	_, err = storage.GetAPIKeyByHash(ctx, fga.HashAPIKey("fga_wrong"))
	require.ErrorIs(t, err, fga.ErrNotFound)

	keys, err := storage.ListAPIKeys(ctx, store.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, secret[:12], keys[0].KeyPrefix)

	require.NoError(t, storage.RevokeAPIKey(ctx, store.ID, key.ID))
	keys, err = storage.ListAPIKeys(ctx, store.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.False(t, keys[0].IsActive)

	other := newStore(t, storage, "keys-other")
	require.ErrorIs(t, storage.RevokeAPIKey(ctx, other.ID, key.ID), fga.ErrNotFound)
}
