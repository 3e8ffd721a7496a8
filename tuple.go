package fga

import "strings"

// / ⟨tuple⟩ ::= ⟨object⟩‘#’⟨relation⟩‘@’⟨subject⟩
type Tuple struct {
	/// ⟨object⟩ ::= ⟨type⟩‘:’⟨object id⟩
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
	/// ⟨relation⟩
	Relation string `json:"relation"`
	/// ⟨subject⟩ ::= ⟨type⟩‘:’⟨subject id⟩ | ⟨userset⟩
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	/// ⟨userset⟩ ::= ⟨object⟩‘#’⟨relation⟩
	SubjectRelation string `json:"subject_relation,omitempty"`
}

var EmptyTuple = Tuple{}

// TupleString parses the whitepaper-notation `type:id#relation@subject`,
// where subject is either `type:id` or the userset form `type:id#relation`.
// Malformed input yields [EmptyTuple]; use [Tuple.IsValid] to distinguish.
func TupleString(s string) Tuple {
	objectAndRest := strings.SplitN(s, "#", 2)
	if len(objectAndRest) != 2 {
		return EmptyTuple
	}
	object := strings.SplitN(objectAndRest[0], ":", 2)
	relationAndSubject := strings.SplitN(objectAndRest[1], "@", 2)
	if len(object) != 2 || len(relationAndSubject) != 2 {
		return EmptyTuple
	}
	t := Tuple{
		ObjectType: object[0],
		ObjectID:   object[1],
		Relation:   relationAndSubject[0],
	}
	subject := relationAndSubject[1]
	if i := strings.IndexByte(subject, '#'); i >= 0 {
		t.SubjectRelation = subject[i+1:]
		subject = subject[:i]
	}
	subjectParts := strings.SplitN(subject, ":", 2)
	if len(subjectParts) != 2 {
		return EmptyTuple
	}
	t.SubjectType = subjectParts[0]
	t.SubjectID = subjectParts[1]
	return t
}

// String renders the tuple in whitepaper-notation, the inverse of [TupleString].
func (t Tuple) String() string {
	s := t.ObjectType + ":" + t.ObjectID + "#" + t.Relation + "@" + t.SubjectType + ":" + t.SubjectID
	if t.SubjectRelation != "" {
		s += "#" + t.SubjectRelation
	}
	return s
}

// IsValid reports whether all required parts of the tuple are populated.
func (t Tuple) IsValid() bool {
	return t.ObjectType != "" && t.ObjectID != "" && t.Relation != "" &&
		t.SubjectType != "" && t.SubjectID != ""
}

// SubjectIsUserset reports whether the subject is a userset reference
// (`type:id#relation`) rather than a concrete subject.
func (t Tuple) SubjectIsUserset() bool {
	return t.SubjectRelation != ""
}

// SubjectString renders the subject side only (`type:id` or `type:id#relation`).
func (t Tuple) SubjectString() string {
	s := t.SubjectType + ":" + t.SubjectID
	if t.SubjectRelation != "" {
		s += "#" + t.SubjectRelation
	}
	return s
}

// TupleFilter selects tuples by exact match on its non-empty fields.
// The zero value matches every tuple in a store.
type TupleFilter struct {
	ObjectType      string `json:"object_type,omitempty"`
	ObjectID        string `json:"object_id,omitempty"`
	Relation        string `json:"relation,omitempty"`
	SubjectType     string `json:"subject_type,omitempty"`
	SubjectID       string `json:"subject_id,omitempty"`
	SubjectRelation string `json:"subject_relation,omitempty"`
}

func (f TupleFilter) Matches(t Tuple) bool {
	if f.ObjectType != "" && t.ObjectType != f.ObjectType {
		return false
	}
	if f.ObjectID != "" && t.ObjectID != f.ObjectID {
		return false
	}
	if f.Relation != "" && t.Relation != f.Relation {
		return false
	}
	if f.SubjectType != "" && t.SubjectType != f.SubjectType {
		return false
	}
	if f.SubjectID != "" && t.SubjectID != f.SubjectID {
		return false
	}
	if f.SubjectRelation != "" && t.SubjectRelation != f.SubjectRelation {
		return false
	}
	return true
}
