package fga

import (
	"fmt"
	"sort"
	"strings"
)

// SchemaVersion is the only schema dialect understood by this package.
const SchemaVersion = "1.1"

// Schema is the compiled authorization model: a set of type definitions,
// each mapping relation names to rewrite rules. The JSON shape matches the
// stored representation, so a schema round-trips through the model registry
// unchanged.
type Schema struct {
	SchemaVersion   string           `json:"schema_version,omitempty"`
	TypeDefinitions []TypeDefinition `json:"type_definitions"`
}

type TypeDefinition struct {
	Type      string              `json:"type"`
	Relations map[string]*Userset `json:"relations,omitempty"`
}

// Userset is the rewrite rule of a relation. Exactly one field is set;
// combining forms is expressed with Union/Intersection/Exclusion nodes.
// ValidateSchema rejects nodes that set zero or multiple fields, so the
// resolver never has to re-check the invariant per query.
type Userset struct {
	This            *DirectUserset   `json:"this,omitempty"`
	ComputedUserset *ComputedUserset `json:"computedUserset,omitempty"`
	TupleToUserset  *TupleToUserset  `json:"tupleToUserset,omitempty"`
	Union           []*Userset       `json:"union,omitempty"`
	Intersection    []*Userset       `json:"intersection,omitempty"`
	Exclusion       *Exclusion       `json:"exclusion,omitempty"`
}

// DirectUserset allows tuples naming the subject directly, constrained to
// the listed subject types (including `type#relation` userset forms).
type DirectUserset struct {
	Types []SubjectRef `json:"types,omitempty"`
}

// ComputedUserset grants the relation to every subject holding another
// relation on the same object.
type ComputedUserset struct {
	Relation string `json:"relation"`
}

// TupleToUserset grants the relation via an indirection: follow the
// tupleset relation on this object to find related objects, then check the
// computed relation there. `viewer from parent` in the DSL.
type TupleToUserset struct {
	Tupleset        Tupleset        `json:"tupleset"`
	ComputedUserset ComputedUserset `json:"computedUserset"`
}

type Tupleset struct {
	Relation string `json:"relation"`
}

// Exclusion holds iff Base holds and Subtract does not.
type Exclusion struct {
	Base     *Userset `json:"base"`
	Subtract *Userset `json:"subtract"`
}

// SubjectRef names an allowed subject type for direct assignment.
// Relation is non-empty for userset forms like `group#member`.
type SubjectRef struct {
	Type     string `json:"type"`
	Relation string `json:"relation,omitempty"`
}

func (r SubjectRef) String() string {
	if r.Relation == "" {
		return r.Type
	}
	return r.Type + "#" + r.Relation
}

// SubjectRefString parses `type` or `type#relation`.
func SubjectRefString(s string) SubjectRef {
	if i := strings.IndexByte(s, '#'); i >= 0 {
		return SubjectRef{Type: s[:i], Relation: s[i+1:]}
	}
	return SubjectRef{Type: s}
}

// Builder helpers for constructing schemas in code.

func Ref(subjectType string) SubjectRef {
	return SubjectRef{Type: subjectType}
}

func RefRelation(subjectType, relation string) SubjectRef {
	return SubjectRef{Type: subjectType, Relation: relation}
}

// Direct creates a rule satisfied by tuples naming the subject directly.
func Direct(types ...SubjectRef) *Userset {
	return &Userset{This: &DirectUserset{Types: types}}
}

// Computed creates a rule satisfied by another relation on the same object.
func Computed(relation string) *Userset {
	return &Userset{ComputedUserset: &ComputedUserset{Relation: relation}}
}

// Arrow creates a tuple-to-userset rule: follow tupleset, check computed
// on the target. Equivalent to `computed from tupleset` in the DSL.
func Arrow(tupleset, computed string) *Userset {
	return &Userset{TupleToUserset: &TupleToUserset{
		Tupleset:        Tupleset{Relation: tupleset},
		ComputedUserset: ComputedUserset{Relation: computed},
	}}
}

func Union(children ...*Userset) *Userset {
	return &Userset{Union: children}
}

func Intersect(children ...*Userset) *Userset {
	return &Userset{Intersection: children}
}

func Exclude(base, subtract *Userset) *Userset {
	return &Userset{Exclusion: &Exclusion{Base: base, Subtract: subtract}}
}

// TypeDefinition returns the definition for the named type.
func (s *Schema) TypeDefinition(name string) (*TypeDefinition, bool) {
	for i := range s.TypeDefinitions {
		if s.TypeDefinitions[i].Type == name {
			return &s.TypeDefinitions[i], true
		}
	}
	return nil, false
}

// Relation returns the rewrite rule for the named relation.
func (td *TypeDefinition) Relation(name string) (*Userset, bool) {
	us, ok := td.Relations[name]
	return us, ok
}

// DirectTypes collects every SubjectRef reachable through `this` nodes of
// the relation's rewrite rule. The second result reports whether the rule
// has any direct-assignment leaf at all; relations without one accept any
// subject shape on write, since the constraint is enforced further down
// the resolution chain.
func (s *Schema) DirectTypes(objectType, relation string) ([]SubjectRef, bool) {
	td, ok := s.TypeDefinition(objectType)
	if !ok {
		return nil, false
	}
	us, ok := td.Relation(relation)
	if !ok {
		return nil, false
	}
	var refs []SubjectRef
	hasThis := false
	walkUserset(us, func(node *Userset) {
		if node.This != nil {
			hasThis = true
			refs = append(refs, node.This.Types...)
		}
	})
	return refs, hasThis
}

func walkUserset(us *Userset, fn func(*Userset)) {
	if us == nil {
		return
	}
	fn(us)
	for _, child := range us.Union {
		walkUserset(child, fn)
	}
	for _, child := range us.Intersection {
		walkUserset(child, fn)
	}
	if us.Exclusion != nil {
		walkUserset(us.Exclusion.Base, fn)
		walkUserset(us.Exclusion.Subtract, fn)
	}
}

// ValidateSchema checks the schema's static invariants and returns every
// problem found. A nil result means the schema is safe to evaluate:
//   - type and relation names are unique and non-empty
//   - every Userset node sets exactly one rewrite form
//   - subject refs, computed usersets and tupleset relations resolve
//   - pure synonym cycles (computedUserset loops with no `this` base case)
//     are rejected here instead of looping at query time
func ValidateSchema(s *Schema) ValidationErrors {
	var errs ValidationErrors

	seen := map[string]bool{}
	for _, td := range s.TypeDefinitions {
		if td.Type == "" {
			errs = append(errs, ValidationError{Reason: "empty type name"})
			continue
		}
		if seen[td.Type] {
			errs = append(errs, ValidationError{Type: td.Type, Reason: "duplicate type name"})
		}
		seen[td.Type] = true
	}

	for _, td := range s.TypeDefinitions {
		for name, us := range td.Relations {
			if name == "" {
				errs = append(errs, ValidationError{Type: td.Type, Reason: "empty relation name"})
				continue
			}
			errs = append(errs, validateUserset(s, td, name, us)...)
		}
	}

	errs = append(errs, findSynonymCycles(s)...)
	return errs
}

func validateUserset(s *Schema, td TypeDefinition, relation string, us *Userset) ValidationErrors {
	var errs ValidationErrors
	fail := func(reason string) {
		errs = append(errs, ValidationError{Type: td.Type, Relation: relation, Reason: reason})
	}

	if us == nil {
		fail("missing rewrite rule")
		return errs
	}
	forms := 0
	if us.This != nil {
		forms++
	}
	if us.ComputedUserset != nil {
		forms++
	}
	if us.TupleToUserset != nil {
		forms++
	}
	if len(us.Union) > 0 {
		forms++
	}
	if len(us.Intersection) > 0 {
		forms++
	}
	if us.Exclusion != nil {
		forms++
	}
	switch forms {
	case 0:
		fail("rewrite rule sets no form")
		return errs
	case 1:
	default:
		fail("rewrite rule mixes multiple forms; wrap them in a union")
		return errs
	}

	switch {
	case us.This != nil:
		for _, ref := range us.This.Types {
			target, ok := s.TypeDefinition(ref.Type)
			if !ok {
				fail(fmt.Sprintf("subject type %q is not defined", ref.Type))
				continue
			}
			if ref.Relation != "" {
				if _, ok := target.Relation(ref.Relation); !ok {
					fail(fmt.Sprintf("subject userset %q references undefined relation", ref.String()))
				}
			}
		}
	case us.ComputedUserset != nil:
		if _, ok := td.Relations[us.ComputedUserset.Relation]; !ok {
			fail(fmt.Sprintf("computed userset references undefined relation %q", us.ComputedUserset.Relation))
		}
	case us.TupleToUserset != nil:
		tupleset := us.TupleToUserset.Tupleset.Relation
		computed := us.TupleToUserset.ComputedUserset.Relation
		tsRule, ok := td.Relations[tupleset]
		if !ok {
			fail(fmt.Sprintf("tupleset references undefined relation %q", tupleset))
			break
		}
		// The computed relation must exist on every type the tupleset
		// relation can point at directly. Userset refs are skipped: the
		// constraint is enforced on the referenced relation instead.
		var tsRefs []SubjectRef
		walkUserset(tsRule, func(node *Userset) {
			if node.This != nil {
				tsRefs = append(tsRefs, node.This.Types...)
			}
		})
		for _, ref := range tsRefs {
			if ref.Relation != "" {
				continue
			}
			target, ok := s.TypeDefinition(ref.Type)
			if !ok {
				continue // reported by the tupleset relation's own validation
			}
			if _, ok := target.Relation(computed); !ok {
				fail(fmt.Sprintf("relation %q from %q: type %q has no relation %q", computed, tupleset, ref.Type, computed))
			}
		}
	case len(us.Union) > 0:
		for _, child := range us.Union {
			errs = append(errs, validateUserset(s, td, relation, child)...)
		}
	case len(us.Intersection) > 0:
		for _, child := range us.Intersection {
			errs = append(errs, validateUserset(s, td, relation, child)...)
		}
	case us.Exclusion != nil:
		if us.Exclusion.Base == nil || us.Exclusion.Subtract == nil {
			fail("exclusion requires both base and subtract")
			break
		}
		errs = append(errs, validateUserset(s, td, relation, us.Exclusion.Base)...)
		errs = append(errs, validateUserset(s, td, relation, us.Exclusion.Subtract)...)
	}
	return errs
}

// findSynonymCycles rejects relations that can never resolve: relations
// whose whole expression is computed references and from which no chain of
// such references ever reaches a relation with a `this` leaf or any other
// escape. `a: b` + `b: a` is the minimal case. A cycle member that can
// leave the cycle through a sibling branch, like `a: b or c` with
// `c: [user]`, resolves at runtime and is legal.
func findSynonymCycles(s *Schema) ValidationErrors {
	var errs ValidationErrors
	for _, td := range s.TypeDefinitions {
		// Relations whose whole expression is computed references only.
		pure := map[string][]string{}
		for name, us := range td.Relations {
			if refs, ok := computedOnlyRefs(us); ok {
				pure[name] = refs
			}
		}

		// Fixpoint: a relation escapes if any of its references leaves the
		// computed-only set, directly or through another escaping relation.
		// The rest are stuck in synonym cycles.
		escaped := map[string]bool{}
		for changed := true; changed; {
			changed = false
			for name, refs := range pure {
				if escaped[name] {
					continue
				}
				for _, next := range refs {
					if _, isPure := pure[next]; !isPure || escaped[next] {
						escaped[name] = true
						changed = true
						break
					}
				}
			}
		}

		var stuck []string
		for name := range pure {
			if !escaped[name] {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		for _, name := range stuck {
			errs = append(errs, ValidationError{
				Type:     td.Type,
				Relation: name,
				Reason:   "synonym cycle: computed usersets reference each other with no direct base case",
			})
		}
	}
	return errs
}

// computedOnlyRefs reports whether the rule consists solely of computed
// userset references (possibly unioned) and returns the referenced
// relations. Any `this`, tuple-to-userset, intersection or exclusion node
// provides a base case or escape, so such rules are not synonym candidates.
func computedOnlyRefs(us *Userset) ([]string, bool) {
	if us == nil {
		return nil, false
	}
	switch {
	case us.ComputedUserset != nil:
		return []string{us.ComputedUserset.Relation}, true
	case len(us.Union) > 0:
		var refs []string
		for _, child := range us.Union {
			childRefs, ok := computedOnlyRefs(child)
			if !ok {
				return nil, false
			}
			refs = append(refs, childRefs...)
		}
		return refs, true
	default:
		return nil, false
	}
}
