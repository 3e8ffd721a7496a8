package fga

import (
	"context"
	"fmt"
	"sort"

	"github.com/gofrs/uuid/v5"
)

// ExpandNode kinds.
const (
	ExpandThis           = "this"
	ExpandComputed       = "computed_userset"
	ExpandTupleToUserset = "tuple_to_userset"
	ExpandUnion          = "union"
	ExpandIntersection   = "intersection"
	ExpandExclusion      = "exclusion"
)

// ExpandNode is one node of the resolution tree returned by Expand. At
// `this` leaves Subjects holds the concrete subjects currently satisfying
// the relation (in `type:id` or `type:id#relation` notation); other kinds
// carry their child subtrees.
type ExpandNode struct {
	Kind     string        `json:"kind"`
	Object   string        `json:"object,omitempty"`
	Relation string        `json:"relation,omitempty"`
	Subjects []string      `json:"subjects,omitempty"`
	Children []*ExpandNode `json:"children,omitempty"`
}

// Expand materializes the full rewrite tree for a relation on an object,
// annotated with the subject sets backing each direct-assignment leaf.
// It follows the same traversal as Check but has no subject to match, so
// it is eager where Check short-circuits; intended for introspection and
// debugging, not the hot path.
func (r *Resolver) Expand(ctx context.Context, storeID uuid.UUID, objectType, objectID, relation string) (*ExpandNode, error) {
	model, err := r.storage.GetCurrentModel(ctx, storeID)
	if err != nil {
		return nil, err
	}

	td, ok := model.Schema.TypeDefinition(objectType)
	if !ok {
		return nil, ValidationErrors{{Type: objectType, Reason: "type is not defined in the authorization model"}}
	}
	rule, ok := td.Relation(relation)
	if !ok {
		return nil, ValidationErrors{{Type: objectType, Relation: relation, Reason: "relation is not defined in the authorization model"}}
	}

	env := &evalEnv{storeID: storeID, schema: model.Schema}
	return r.expandUserset(ctx, env, rule, objectType, objectID, relation, 0, nil)
}

func (r *Resolver) expandRelation(ctx context.Context, env *evalEnv, objectType, objectID, relation string, depth int, visited map[string]struct{}) (*ExpandNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if depth > r.maxDepth {
		return nil, fmt.Errorf("%w (limit %d)", ErrDepthExceeded, r.maxDepth)
	}

	key := objectType + ":" + objectID + "#" + relation
	if _, seen := visited[key]; seen {
		// Cycle in the data: stop expanding this branch.
		return &ExpandNode{Kind: ExpandComputed, Object: objectType + ":" + objectID, Relation: relation}, nil
	}
	next := make(map[string]struct{}, len(visited)+1)
	for k := range visited {
		next[k] = struct{}{}
	}
	next[key] = struct{}{}

	td, ok := env.schema.TypeDefinition(objectType)
	if !ok {
		return &ExpandNode{Kind: ExpandThis, Object: objectType + ":" + objectID, Relation: relation}, nil
	}
	rule, ok := td.Relation(relation)
	if !ok {
		return &ExpandNode{Kind: ExpandThis, Object: objectType + ":" + objectID, Relation: relation}, nil
	}
	return r.expandUserset(ctx, env, rule, objectType, objectID, relation, depth, next)
}

func (r *Resolver) expandUserset(ctx context.Context, env *evalEnv, rule *Userset, objectType, objectID, relation string, depth int, visited map[string]struct{}) (*ExpandNode, error) {
	object := objectType + ":" + objectID

	switch {
	case rule.This != nil:
		tuples, err := r.storage.ReadTuples(ctx, env.storeID, TupleFilter{
			ObjectType: objectType,
			ObjectID:   objectID,
			Relation:   relation,
		})
		if err != nil {
			return nil, err
		}
		subjects := make([]string, 0, len(tuples))
		for _, t := range tuples {
			subjects = append(subjects, t.SubjectString())
		}
		sort.Strings(subjects)
		return &ExpandNode{Kind: ExpandThis, Object: object, Relation: relation, Subjects: subjects}, nil

	case rule.ComputedUserset != nil:
		child, err := r.expandRelation(ctx, env, objectType, objectID, rule.ComputedUserset.Relation, depth+1, visited)
		if err != nil {
			return nil, err
		}
		return &ExpandNode{Kind: ExpandComputed, Object: object, Relation: relation, Children: []*ExpandNode{child}}, nil

	case rule.TupleToUserset != nil:
		parents, err := r.storage.ReadTuples(ctx, env.storeID, TupleFilter{
			ObjectType: objectType,
			ObjectID:   objectID,
			Relation:   rule.TupleToUserset.Tupleset.Relation,
		})
		if err != nil {
			return nil, err
		}
		node := &ExpandNode{Kind: ExpandTupleToUserset, Object: object, Relation: relation}
		for _, parent := range parents {
			child, err := r.expandRelation(ctx, env, parent.SubjectType, parent.SubjectID, rule.TupleToUserset.ComputedUserset.Relation, depth+1, visited)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
		}
		return node, nil

	case len(rule.Union) > 0:
		node := &ExpandNode{Kind: ExpandUnion, Object: object, Relation: relation}
		for _, childRule := range rule.Union {
			child, err := r.expandUserset(ctx, env, childRule, objectType, objectID, relation, depth, visited)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
		}
		return node, nil

	case len(rule.Intersection) > 0:
		node := &ExpandNode{Kind: ExpandIntersection, Object: object, Relation: relation}
		for _, childRule := range rule.Intersection {
			child, err := r.expandUserset(ctx, env, childRule, objectType, objectID, relation, depth, visited)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
		}
		return node, nil

	case rule.Exclusion != nil:
		base, err := r.expandUserset(ctx, env, rule.Exclusion.Base, objectType, objectID, relation, depth, visited)
		if err != nil {
			return nil, err
		}
		subtract, err := r.expandUserset(ctx, env, rule.Exclusion.Subtract, objectType, objectID, relation, depth, visited)
		if err != nil {
			return nil, err
		}
		return &ExpandNode{Kind: ExpandExclusion, Object: object, Relation: relation, Children: []*ExpandNode{base, subtract}}, nil
	}

	return &ExpandNode{Kind: ExpandThis, Object: object, Relation: relation}, nil
}
