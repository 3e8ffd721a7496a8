package fga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxDepth caps the recursion depth of Check and Expand.
const DefaultMaxDepth = 25

// CheckResult is the outcome of a permission check. ResolutionPath names
// the rule branch that produced the grant, outermost first; it is empty
// for denied checks.
type CheckResult struct {
	Allowed        bool     `json:"allowed"`
	ResolutionPath []string `json:"resolution_path,omitempty"`
}

// Resolver evaluates Check and Expand against a store's current
// authorization model by recursively interpreting rewrite rules over the
// tuple store. It holds no mutable state of its own and is safe for
// concurrent use.
//
// Termination: a visited set of (object, relation, subject) triples is
// kept per recursion path; a repeat resolves to false for that branch.
// A hard depth cap turns runaway recursion into ErrDepthExceeded. Both
// policies are defensive; schemas with pure synonym cycles are already
// rejected at model-write time.
type Resolver struct {
	storage  Storage
	cache    CheckCache
	log      *slog.Logger
	maxDepth int
}

type ResolverOption func(*Resolver)

func WithMaxDepth(depth int) ResolverOption {
	return func(r *Resolver) { r.maxDepth = depth }
}

func WithCheckCache(cache CheckCache) ResolverOption {
	return func(r *Resolver) { r.cache = cache }
}

func WithLogger(log *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.log = log }
}

func NewResolver(storage Storage, options ...ResolverOption) *Resolver {
	r := &Resolver{
		storage:  storage,
		cache:    NopCache{},
		log:      slog.Default(),
		maxDepth: DefaultMaxDepth,
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Check reports whether the tuple's subject holds the tuple's relation on
// the tuple's object under the store's current model. Errors never come
// with Allowed=true: any failure during resolution denies (fail-closed).
func (r *Resolver) Check(ctx context.Context, storeID uuid.UUID, t Tuple) (CheckResult, error) {
	model, err := r.storage.GetCurrentModel(ctx, storeID)
	if err != nil {
		return CheckResult{}, err
	}

	td, ok := model.Schema.TypeDefinition(t.ObjectType)
	if !ok {
		return CheckResult{}, ValidationErrors{{Type: t.ObjectType, Reason: "type is not defined in the authorization model"}}
	}
	if _, ok := td.Relation(t.Relation); !ok {
		return CheckResult{}, ValidationErrors{{Type: t.ObjectType, Relation: t.Relation, Reason: "relation is not defined in the authorization model"}}
	}

	// The epoch is captured before any tuple read. A write that lands mid
	// resolution bumps it, so the Set below files the decision under a
	// superseded epoch instead of masking the write.
	key := checkCacheKey(storeID, model.Version, t)
	epoch := r.cache.Epoch(storeID)
	if allowed, ok := r.cache.Get(storeID, key); ok {
		return CheckResult{Allowed: allowed}, nil
	}

	env := &evalEnv{storeID: storeID, schema: model.Schema}
	allowed, path, err := r.evalRelation(ctx, env, t, 0, nil)
	if err != nil {
		if errors.Is(err, ErrDepthExceeded) {
			// Distinguish "provably false" from "too complex" in telemetry;
			// the caller still sees a denial.
			r.log.Warn("check hit depth limit", slog.String("tuple", t.String()), slog.Int("max_depth", r.maxDepth))
		}
		return CheckResult{}, err
	}

	r.cache.Set(storeID, epoch, key, allowed)
	return CheckResult{Allowed: allowed, ResolutionPath: path}, nil
}

func checkCacheKey(storeID uuid.UUID, modelVersion int, t Tuple) string {
	return fmt.Sprintf("%s:%d:%s", storeID, modelVersion, t.String())
}

type evalEnv struct {
	storeID uuid.UUID
	schema  *Schema
}

// evalRelation resolves relation t.Relation on object (t.ObjectType,
// t.ObjectID) for t's subject. visited is path-scoped: it is cloned before
// extension so sibling branches do not poison each other.
func (r *Resolver) evalRelation(ctx context.Context, env *evalEnv, t Tuple, depth int, visited map[string]struct{}) (bool, []string, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	if depth > r.maxDepth {
		return false, nil, fmt.Errorf("%w (limit %d)", ErrDepthExceeded, r.maxDepth)
	}

	key := t.String()
	if _, seen := visited[key]; seen {
		// Runtime cycle over malformed data: defined to resolve false for
		// this branch rather than loop.
		return false, nil, nil
	}
	next := make(map[string]struct{}, len(visited)+1)
	for k := range visited {
		next[k] = struct{}{}
	}
	next[key] = struct{}{}

	td, ok := env.schema.TypeDefinition(t.ObjectType)
	if !ok {
		return false, nil, nil
	}
	rule, ok := td.Relation(t.Relation)
	if !ok {
		return false, nil, nil
	}
	return r.evalUserset(ctx, env, rule, t, depth, next)
}

func (r *Resolver) evalUserset(ctx context.Context, env *evalEnv, rule *Userset, t Tuple, depth int, visited map[string]struct{}) (bool, []string, error) {
	switch {
	case rule.This != nil:
		return r.evalThis(ctx, env, t, depth, visited)

	case rule.ComputedUserset != nil:
		computed := t
		computed.Relation = rule.ComputedUserset.Relation
		allowed, path, err := r.evalRelation(ctx, env, computed, depth+1, visited)
		if allowed {
			path = append([]string{"computed:" + rule.ComputedUserset.Relation}, path...)
		}
		return allowed, path, err

	case rule.TupleToUserset != nil:
		return r.evalTupleToUserset(ctx, env, rule.TupleToUserset, t, depth, visited)

	case len(rule.Union) > 0:
		evals := make([]evalFunc, len(rule.Union))
		for i, child := range rule.Union {
			child := child
			evals[i] = func(ctx context.Context) (bool, []string, error) {
				return r.evalUserset(ctx, env, child, t, depth, visited)
			}
		}
		return r.anyOf(ctx, evals)

	case len(rule.Intersection) > 0:
		var path []string
		for _, child := range rule.Intersection {
			allowed, childPath, err := r.evalUserset(ctx, env, child, t, depth, visited)
			if err != nil {
				return false, nil, err
			}
			if !allowed {
				return false, nil, nil
			}
			path = append(path, childPath...)
		}
		return true, path, nil

	case rule.Exclusion != nil:
		allowed, path, err := r.evalUserset(ctx, env, rule.Exclusion.Base, t, depth, visited)
		if err != nil || !allowed {
			return false, nil, err
		}
		subtracted, _, err := r.evalUserset(ctx, env, rule.Exclusion.Subtract, t, depth, visited)
		if err != nil {
			return false, nil, err
		}
		if subtracted {
			return false, nil, nil
		}
		return true, path, nil
	}
	return false, nil, nil
}

// evalThis resolves a direct-assignment leaf: an exact tuple match grants
// immediately; tuples whose subject is a userset (`group:eng#member`)
// recurse with the userset as the new object/relation.
func (r *Resolver) evalThis(ctx context.Context, env *evalEnv, t Tuple, depth int, visited map[string]struct{}) (bool, []string, error) {
	exists, err := r.storage.TupleExists(ctx, env.storeID, t)
	if err != nil {
		return false, nil, err
	}
	if exists {
		return true, []string{"direct:" + t.String()}, nil
	}

	tuples, err := r.storage.ReadTuples(ctx, env.storeID, TupleFilter{
		ObjectType: t.ObjectType,
		ObjectID:   t.ObjectID,
		Relation:   t.Relation,
	})
	if err != nil {
		return false, nil, err
	}
	for _, stored := range tuples {
		if !stored.SubjectIsUserset() {
			continue
		}
		member := Tuple{
			ObjectType:      stored.SubjectType,
			ObjectID:        stored.SubjectID,
			Relation:        stored.SubjectRelation,
			SubjectType:     t.SubjectType,
			SubjectID:       t.SubjectID,
			SubjectRelation: t.SubjectRelation,
		}
		allowed, path, err := r.evalRelation(ctx, env, member, depth+1, visited)
		if err != nil {
			return false, nil, err
		}
		if allowed {
			return true, append([]string{"userset:" + stored.SubjectString()}, path...), nil
		}
	}
	return false, nil, nil
}

// evalTupleToUserset fans out over every object the tupleset relation
// points at and checks the computed relation there, short-circuiting on
// the first grant.
func (r *Resolver) evalTupleToUserset(ctx context.Context, env *evalEnv, ttu *TupleToUserset, t Tuple, depth int, visited map[string]struct{}) (bool, []string, error) {
	parents, err := r.storage.ReadTuples(ctx, env.storeID, TupleFilter{
		ObjectType: t.ObjectType,
		ObjectID:   t.ObjectID,
		Relation:   ttu.Tupleset.Relation,
	})
	if err != nil {
		return false, nil, err
	}
	if len(parents) == 0 {
		return false, nil, nil
	}

	evals := make([]evalFunc, len(parents))
	for i, parent := range parents {
		parent := parent
		evals[i] = func(ctx context.Context) (bool, []string, error) {
			onParent := Tuple{
				ObjectType:      parent.SubjectType,
				ObjectID:        parent.SubjectID,
				Relation:        ttu.ComputedUserset.Relation,
				SubjectType:     t.SubjectType,
				SubjectID:       t.SubjectID,
				SubjectRelation: t.SubjectRelation,
			}
			allowed, path, err := r.evalRelation(ctx, env, onParent, depth+1, visited)
			if allowed {
				label := fmt.Sprintf("from:%s:%s:%s", ttu.Tupleset.Relation, parent.SubjectType, parent.SubjectID)
				path = append([]string{label}, path...)
			}
			return allowed, path, err
		}
	}
	return r.anyOf(ctx, evals)
}

type evalFunc func(ctx context.Context) (bool, []string, error)

// anyOf evaluates the branches concurrently and returns the first grant,
// cancelling the rest. Errors abort the whole evaluation (fail-closed)
// unless a sibling already granted.
func (r *Resolver) anyOf(ctx context.Context, evals []evalFunc) (bool, []string, error) {
	switch len(evals) {
	case 0:
		return false, nil, nil
	case 1:
		return evals[0](ctx)
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, branchCtx := errgroup.WithContext(branchCtx)

	var mu sync.Mutex
	var found bool
	var foundPath []string
	for _, eval := range evals {
		eval := eval
		g.Go(func() error {
			allowed, path, err := eval(branchCtx)
			if err != nil {
				return err
			}
			if allowed {
				mu.Lock()
				if !found {
					found = true
					foundPath = path
				}
				mu.Unlock()
				cancel()
			}
			return nil
		})
	}
	err := g.Wait()
	if found {
		return true, foundPath, nil
	}
	if err != nil {
		// Cancellation caused by our own short-circuit only happens after
		// a grant, which is handled above; anything else propagates.
		return false, nil, err
	}
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	return false, nil, nil
}
