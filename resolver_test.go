package fga_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/coreauth/fga"
	"github.com/coreauth/fga/storage/memory"
)

// docsDSL is the canonical document-sharing model used throughout the
// resolver tests: folders grant through `parent`, groups through
// `member`, and `blocked` carves subjects out of `viewer`.
const docsDSL = `
model
  schema 1.1

type user

type group
  relations
    define member: [user, group#member]

type folder
  relations
    define owner: [user]
    define viewer: [user, group#member] or owner

type doc
  relations
    define parent: [folder]
    define owner: [user]
    define blocked: [user]
    define editor: [user] or owner
    define viewer: [user, group#member] or editor or viewer from parent but not blocked
`

func newEngine(t *testing.T) (*fga.StoreService, *fga.Resolver, uuid.UUID) {
	t.Helper()
	storage := memory.NewStorage()
	t.Cleanup(func() { storage.Close() })

	service := fga.NewStoreService(storage)
	store, err := service.CreateStore(context.Background(), "test", "")
	require.NoError(t, err)
	_, err = service.WriteModelDSL(context.Background(), store.ID, docsDSL, "test")
	require.NoError(t, err)

	return service, fga.NewResolver(storage), store.ID
}

func write(t *testing.T, service *fga.StoreService, storeID uuid.UUID, tuples ...string) {
	t.Helper()
	writes := make([]fga.Tuple, len(tuples))
	for i, s := range tuples {
		writes[i] = fga.TupleString(s)
	}
	require.NoError(t, service.WriteTuples(context.Background(), storeID, writes, nil))
}

func check(t *testing.T, resolver *fga.Resolver, storeID uuid.UUID, tuple string) fga.CheckResult {
	t.Helper()
	result, err := resolver.Check(context.Background(), storeID, fga.TupleString(tuple))
	require.NoError(t, err)
	return result
}

func TestCheckDirect(t *testing.T) {
	service, resolver, storeID := newEngine(t)
	write(t, service, storeID, "doc:readme#viewer@user:alice")

	result := check(t, resolver, storeID, "doc:readme#viewer@user:alice")
	require.True(t, result.Allowed)
	require.NotEmpty(t, result.ResolutionPath)

	require.False(t, check(t, resolver, storeID, "doc:readme#viewer@user:bob").Allowed)
	require.False(t, check(t, resolver, storeID, "doc:other#viewer@user:alice").Allowed)
}

func TestCheckComputedUserset(t *testing.T) {
	service, resolver, storeID := newEngine(t)
	write(t, service, storeID, "doc:readme#owner@user:alice")

	// owner grants editor grants viewer, two computed hops.
	require.True(t, check(t, resolver, storeID, "doc:readme#editor@user:alice").Allowed)
	require.True(t, check(t, resolver, storeID, "doc:readme#viewer@user:alice").Allowed)
	// The implication is one-way.
	write(t, service, storeID, "doc:readme#viewer@user:bob")
	require.False(t, check(t, resolver, storeID, "doc:readme#owner@user:bob").Allowed)
}

func TestCheckUsersetIndirection(t *testing.T) {
	service, resolver, storeID := newEngine(t)
	write(t, service, storeID,
		"group:eng#member@user:alice",
		"group:all#member@group:eng#member",
		"doc:readme#viewer@group:all#member",
	)

	// alice -> eng#member -> all#member -> viewer
	require.True(t, check(t, resolver, storeID, "doc:readme#viewer@user:alice").Allowed)
	require.False(t, check(t, resolver, storeID, "doc:readme#viewer@user:mallory").Allowed)
}

func TestCheckTupleToUserset(t *testing.T) {
	service, resolver, storeID := newEngine(t)
	write(t, service, storeID,
		"doc:readme#parent@folder:specs",
		"folder:specs#viewer@user:alice",
		"folder:specs#owner@user:carol",
	)

	require.True(t, check(t, resolver, storeID, "doc:readme#viewer@user:alice").Allowed)
	// Rewrites apply on the parent too: folder owner implies folder viewer.
	require.True(t, check(t, resolver, storeID, "doc:readme#viewer@user:carol").Allowed)
	require.False(t, check(t, resolver, storeID, "doc:readme#viewer@user:bob").Allowed)

	// A doc without a parent tuple resolves the branch to false.
	write(t, service, storeID, "folder:specs#viewer@user:dan")
	require.False(t, check(t, resolver, storeID, "doc:orphan#viewer@user:dan").Allowed)
}

func TestCheckExclusion(t *testing.T) {
	service, resolver, storeID := newEngine(t)
	write(t, service, storeID,
		"doc:readme#viewer@user:alice",
		"doc:readme#blocked@user:alice",
		"doc:readme#viewer@user:bob",
	)

	require.False(t, check(t, resolver, storeID, "doc:readme#viewer@user:alice").Allowed)
	require.True(t, check(t, resolver, storeID, "doc:readme#viewer@user:bob").Allowed)
	// Blocked without a base grant is still denied.
	require.False(t, check(t, resolver, storeID, "doc:readme#viewer@user:carol").Allowed)
}

func TestCheckIntersection(t *testing.T) {
	storage := memory.NewStorage()
	t.Cleanup(func() { storage.Close() })
	service := fga.NewStoreService(storage)
	resolver := fga.NewResolver(storage)

	store, err := service.CreateStore(context.Background(), "intersect", "")
	require.NoError(t, err)
	_, err = service.WriteModelDSL(context.Background(), store.ID, `
type user

type repo
  relations
    define maintainer: [user]
    define cleared: [user]
    define releaser: maintainer and cleared
`, "test")
	require.NoError(t, err)

	write(t, service, store.ID,
		"repo:core#maintainer@user:alice",
		"repo:core#cleared@user:alice",
		"repo:core#maintainer@user:bob",
	)

	require.True(t, check(t, resolver, store.ID, "repo:core#releaser@user:alice").Allowed)
	require.False(t, check(t, resolver, store.ID, "repo:core#releaser@user:bob").Allowed)
}

func TestCheckDataCycleTerminates(t *testing.T) {
	service, resolver, storeID := newEngine(t)
	// Two groups that are members of each other: resolvable schema, cyclic
	// data. The visited set must cut the loop and resolve false.
	write(t, service, storeID,
		"group:a#member@group:b#member",
		"group:b#member@group:a#member",
		"doc:readme#viewer@group:a#member",
	)

	require.False(t, check(t, resolver, storeID, "doc:readme#viewer@user:alice").Allowed)

	// A concrete member inside the cycle is still found.
	write(t, service, storeID, "group:b#member@user:alice")
	require.True(t, check(t, resolver, storeID, "doc:readme#viewer@user:alice").Allowed)
}

func TestCheckDepthLimit(t *testing.T) {
	storage := memory.NewStorage()
	t.Cleanup(func() { storage.Close() })
	service := fga.NewStoreService(storage)
	resolver := fga.NewResolver(storage, fga.WithMaxDepth(3))

	store, err := service.CreateStore(context.Background(), "deep", "")
	require.NoError(t, err)
	_, err = service.WriteModelDSL(context.Background(), store.ID, `
type user

type group
  relations
    define member: [user, group#member]
`, "test")
	require.NoError(t, err)

	// A membership chain longer than the depth cap.
	write(t, service, store.ID,
		"group:g0#member@group:g1#member",
		"group:g1#member@group:g2#member",
		"group:g2#member@group:g3#member",
		"group:g3#member@group:g4#member",
		"group:g4#member@user:alice",
	)

	_, err = resolver.Check(context.Background(), store.ID, fga.TupleString("group:g0#member@user:alice"))
	require.ErrorIs(t, err, fga.ErrDepthExceeded)
}

func TestCheckStoreIsolation(t *testing.T) {
	storage := memory.NewStorage()
	t.Cleanup(func() { storage.Close() })
	service := fga.NewStoreService(storage)
	resolver := fga.NewResolver(storage)

	var ids []uuid.UUID
	for _, name := range []string{"tenant-a", "tenant-b"} {
		store, err := service.CreateStore(context.Background(), name, "")
		require.NoError(t, err)
		_, err = service.WriteModelDSL(context.Background(), store.ID, docsDSL, "test")
		require.NoError(t, err)
		ids = append(ids, store.ID)
	}

	write(t, service, ids[0], "doc:readme#viewer@user:alice")
	require.True(t, check(t, resolver, ids[0], "doc:readme#viewer@user:alice").Allowed)
	require.False(t, check(t, resolver, ids[1], "doc:readme#viewer@user:alice").Allowed)
}

func TestCheckUnknownTypeOrRelation(t *testing.T) {
	_, resolver, storeID := newEngine(t)

	_, err := resolver.Check(context.Background(), storeID, fga.TupleString("nope:x#viewer@user:alice"))
	_, ok := fga.AsValidationErrors(err)
	require.True(t, ok)

	_, err = resolver.Check(context.Background(), storeID, fga.TupleString("doc:x#nope@user:alice"))
	_, ok = fga.AsValidationErrors(err)
	require.True(t, ok)
}

func TestCheckNoModel(t *testing.T) {
	storage := memory.NewStorage()
	t.Cleanup(func() { storage.Close() })
	service := fga.NewStoreService(storage)
	resolver := fga.NewResolver(storage)

	store, err := service.CreateStore(context.Background(), "empty", "")
	require.NoError(t, err)

	_, err = resolver.Check(context.Background(), store.ID, fga.TupleString("doc:x#viewer@user:alice"))
	require.ErrorIs(t, err, fga.ErrNoModel)
}

// failingStorage breaks ReadTuples after the model is loaded, to prove
// errors surface as errors and never as a grant.
type failingStorage struct {
	fga.Storage
	readErr error
}

func (f *failingStorage) ReadTuples(ctx context.Context, storeID uuid.UUID, filter fga.TupleFilter) ([]fga.Tuple, error) {
	return nil, f.readErr
}

func (f *failingStorage) TupleExists(ctx context.Context, storeID uuid.UUID, t fga.Tuple) (bool, error) {
	return false, f.readErr
}

func TestCheckFailsClosed(t *testing.T) {
	storage := memory.NewStorage()
	t.Cleanup(func() { storage.Close() })
	service := fga.NewStoreService(storage)

	store, err := service.CreateStore(context.Background(), "broken", "")
	require.NoError(t, err)
	_, err = service.WriteModelDSL(context.Background(), store.ID, docsDSL, "test")
	require.NoError(t, err)

	boom := errors.New("backend down")
	resolver := fga.NewResolver(&failingStorage{Storage: storage, readErr: boom})

	result, err := resolver.Check(context.Background(), store.ID, fga.TupleString("doc:readme#viewer@user:alice"))
	require.ErrorIs(t, err, boom)
	require.False(t, result.Allowed)
}

func TestCheckContextCancellation(t *testing.T) {
	service, resolver, storeID := newEngine(t)
	write(t, service, storeID, "doc:readme#viewer@user:alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := resolver.Check(ctx, storeID, fga.TupleString("doc:readme#viewer@user:alice"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestCheckCaching(t *testing.T) {
	storage := memory.NewStorage()
	t.Cleanup(func() { storage.Close() })
	cache, err := fga.NewLRUCache(128)
	require.NoError(t, err)

	service := fga.NewStoreService(storage, fga.WithServiceCache(cache))
	resolver := fga.NewResolver(storage, fga.WithCheckCache(cache))

	store, err := service.CreateStore(context.Background(), "cached", "")
	require.NoError(t, err)
	_, err = service.WriteModelDSL(context.Background(), store.ID, docsDSL, "test")
	require.NoError(t, err)

	write(t, service, store.ID, "doc:readme#viewer@user:alice")
	require.True(t, check(t, resolver, store.ID, "doc:readme#viewer@user:alice").Allowed)

	// Tuple writes drop the store's cached decisions, so a revoke is
	// visible on the next check.
	require.NoError(t, service.WriteTuples(context.Background(), store.ID, nil,
		[]fga.Tuple{fga.TupleString("doc:readme#viewer@user:alice")}))
	require.False(t, check(t, resolver, store.ID, "doc:readme#viewer@user:alice").Allowed)

	// A new model version changes the cache key, so stale entries of the
	// old version cannot be served either.
	write(t, service, store.ID, "doc:readme#owner@user:alice")
	require.True(t, check(t, resolver, store.ID, "doc:readme#viewer@user:alice").Allowed)
	_, err = service.WriteModelDSL(context.Background(), store.ID, docsDSL, "test")
	require.NoError(t, err)
	require.True(t, check(t, resolver, store.ID, "doc:readme#viewer@user:alice").Allowed)
}

// interceptingStorage runs a hook once, right after the first successful
// direct-tuple read, squeezing a concurrent mutation into the window
// between the resolver's read and its cache insert.
type interceptingStorage struct {
	fga.Storage
	once      sync.Once
	afterRead func()
}

func (s *interceptingStorage) TupleExists(ctx context.Context, storeID uuid.UUID, t fga.Tuple) (bool, error) {
	exists, err := s.Storage.TupleExists(ctx, storeID, t)
	if exists {
		s.once.Do(s.afterRead)
	}
	return exists, err
}

func TestCheckRacingRevokeNotCached(t *testing.T) {
	storage := memory.NewStorage()
	t.Cleanup(func() { storage.Close() })
	cache, err := fga.NewLRUCache(128)
	require.NoError(t, err)

	service := fga.NewStoreService(storage, fga.WithServiceCache(cache))

	store, err := service.CreateStore(context.Background(), "race", "")
	require.NoError(t, err)
	_, err = service.WriteModelDSL(context.Background(), store.ID, docsDSL, "test")
	require.NoError(t, err)

	target := fga.TupleString("doc:readme#viewer@user:alice")
	require.NoError(t, service.WriteTuples(context.Background(), store.ID, []fga.Tuple{target}, nil))

	// The grant is revoked after the resolver has read the tuple but
	// before it stores its decision. The in-flight check may still answer
	// from its read, but its decision must not outlive the revocation.
	intercepting := &interceptingStorage{Storage: storage}
	intercepting.afterRead = func() {
		require.NoError(t, service.WriteTuples(context.Background(), store.ID, nil, []fga.Tuple{target}))
	}
	resolver := fga.NewResolver(intercepting, fga.WithCheckCache(cache))

	result, err := resolver.Check(context.Background(), store.ID, target)
	require.NoError(t, err)
	require.True(t, result.Allowed)

	result, err = resolver.Check(context.Background(), store.ID, target)
	require.NoError(t, err)
	require.False(t, result.Allowed)
}
