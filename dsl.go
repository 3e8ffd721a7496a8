package fga

import (
	"fmt"
	"sort"
	"strings"
)

// ParseError reports the first line at which the relation-definition
// language could not be parsed. Malformed lines are never skipped.
type ParseError struct {
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// ParseDSL compiles the textual relation-definition language into a
// [Schema]. The language is line-oriented:
//
//	model
//	  schema 1.1
//
//	type doc
//	  relations
//	    define parent: [folder]
//	    define owner: [user]
//	    define editor: [user, group#member] or owner
//	    define viewer: editor or viewer from parent
//
// `or` builds unions, `and` intersections, `base but not subtract`
// exclusions, `[a, b#m]` direct assignment and `r from t` the
// tuple-to-userset indirection. `but not` binds loosest, then `or`, then
// `and`; parentheses group, as in `(editor but not banned) or auditor`.
// Blank lines and `#`-comments are ignored. The result still has to pass
// [ValidateSchema]; parsing only checks form.
func ParseDSL(src string) (*Schema, error) {
	schema := &Schema{SchemaVersion: SchemaVersion}
	var current *TypeDefinition
	inRelations := false

	for i, raw := range strings.Split(src, "\n") {
		lineNo := i + 1
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case line == "model":
			continue
		case strings.HasPrefix(line, "schema "):
			schema.SchemaVersion = strings.TrimSpace(strings.TrimPrefix(line, "schema "))
		case strings.HasPrefix(line, "type "):
			name := strings.TrimSpace(strings.TrimPrefix(line, "type "))
			if !isIdent(name) {
				return nil, &ParseError{Line: lineNo, Message: fmt.Sprintf("invalid type name %q", name)}
			}
			schema.TypeDefinitions = append(schema.TypeDefinitions, TypeDefinition{
				Type:      name,
				Relations: map[string]*Userset{},
			})
			current = &schema.TypeDefinitions[len(schema.TypeDefinitions)-1]
			inRelations = false
		case line == "relations":
			if current == nil {
				return nil, &ParseError{Line: lineNo, Message: "relations block outside a type"}
			}
			inRelations = true
		case strings.HasPrefix(line, "define "):
			if current == nil || !inRelations {
				return nil, &ParseError{Line: lineNo, Message: "define outside a relations block"}
			}
			name, expr, ok := strings.Cut(strings.TrimPrefix(line, "define "), ":")
			if !ok {
				return nil, &ParseError{Line: lineNo, Message: "define is missing ':'"}
			}
			name = strings.TrimSpace(name)
			if !isIdent(name) {
				return nil, &ParseError{Line: lineNo, Message: fmt.Sprintf("invalid relation name %q", name)}
			}
			if _, exists := current.Relations[name]; exists {
				return nil, &ParseError{Line: lineNo, Message: fmt.Sprintf("relation %q defined twice", name)}
			}
			us, err := parseExpr(strings.TrimSpace(expr), lineNo)
			if err != nil {
				return nil, err
			}
			current.Relations[name] = us
		default:
			return nil, &ParseError{Line: lineNo, Message: fmt.Sprintf("unexpected token %q", firstToken(line))}
		}
	}

	if len(schema.TypeDefinitions) == 0 {
		return nil, &ParseError{Line: 1, Message: "schema defines no types"}
	}
	return schema, nil
}

// Precedence, loosest first: `but not`, `or`, `and`.
func parseExpr(expr string, line int) (*Userset, error) {
	if expr == "" {
		return nil, &ParseError{Line: line, Message: "empty relation expression"}
	}

	if base, subtract, ok := cutUnquoted(expr, " but not "); ok {
		baseUS, err := parseExpr(strings.TrimSpace(base), line)
		if err != nil {
			return nil, err
		}
		subUS, err := parseExpr(strings.TrimSpace(subtract), line)
		if err != nil {
			return nil, err
		}
		return Exclude(baseUS, subUS), nil
	}

	if parts := splitUnquoted(expr, " or "); len(parts) > 1 {
		children := make([]*Userset, 0, len(parts))
		for _, part := range parts {
			child, err := parseExpr(strings.TrimSpace(part), line)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return Union(children...), nil
	}

	if parts := splitUnquoted(expr, " and "); len(parts) > 1 {
		children := make([]*Userset, 0, len(parts))
		for _, part := range parts {
			child, err := parseExpr(strings.TrimSpace(part), line)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return Intersect(children...), nil
	}

	return parseFactor(expr, line)
}

func parseFactor(expr string, line int) (*Userset, error) {
	// Parenthesized group.
	if strings.HasPrefix(expr, "(") {
		if !strings.HasSuffix(expr, ")") || !parensWrap(expr) {
			return nil, &ParseError{Line: line, Message: fmt.Sprintf("unbalanced parentheses in %q", expr)}
		}
		return parseExpr(strings.TrimSpace(expr[1:len(expr)-1]), line)
	}

	// Direct assignment: [user, group#member]
	if strings.HasPrefix(expr, "[") {
		if !strings.HasSuffix(expr, "]") {
			return nil, &ParseError{Line: line, Message: fmt.Sprintf("unterminated type list %q", expr)}
		}
		inner := strings.TrimSpace(expr[1 : len(expr)-1])
		if inner == "" {
			return nil, &ParseError{Line: line, Message: "empty type list"}
		}
		var refs []SubjectRef
		for _, part := range strings.Split(inner, ",") {
			part = strings.TrimSpace(part)
			ref := SubjectRefString(part)
			if !isIdent(ref.Type) || (ref.Relation != "" && !isIdent(ref.Relation)) {
				return nil, &ParseError{Line: line, Message: fmt.Sprintf("invalid subject type %q", part)}
			}
			refs = append(refs, ref)
		}
		return Direct(refs...), nil
	}

	// Tuple-to-userset: computed from tupleset
	if computed, tupleset, ok := cutUnquoted(expr, " from "); ok {
		computed, tupleset = strings.TrimSpace(computed), strings.TrimSpace(tupleset)
		if !isIdent(computed) || !isIdent(tupleset) {
			return nil, &ParseError{Line: line, Message: fmt.Sprintf("invalid indirection %q", expr)}
		}
		return Arrow(tupleset, computed), nil
	}

	// Computed userset: a bare relation name.
	if !isIdent(expr) {
		return nil, &ParseError{Line: line, Message: fmt.Sprintf("unexpected token %q", firstToken(expr))}
	}
	return Computed(expr), nil
}

// cutUnquoted is strings.Cut, except the separator is ignored inside a
// bracketed type list or a parenthesized group.
func cutUnquoted(s, sep string) (before, after string, found bool) {
	depth := 0
	for i := 0; i+len(sep) <= len(s); i++ {
		switch s[i] {
		case '[', '(':
			depth++
		case ']', ')':
			depth--
		}
		if depth == 0 && s[i:i+len(sep)] == sep {
			return s[:i], s[i+len(sep):], true
		}
	}
	return s, "", false
}

// parensWrap reports whether the leading '(' closes only at the very end,
// so the parentheses enclose the whole expression.
func parensWrap(s string) bool {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i != len(s)-1 {
				return false
			}
		}
	}
	return depth == 0
}

func splitUnquoted(s, sep string) []string {
	var parts []string
	for {
		before, after, found := cutUnquoted(s, sep)
		parts = append(parts, before)
		if !found {
			return parts
		}
		s = after
	}
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

func firstToken(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

// RenderDSL produces the textual form of a schema, the inverse of
// [ParseDSL]. Relations are emitted in sorted order so the output is
// stable for a given schema.
func RenderDSL(s *Schema) string {
	var b strings.Builder
	b.WriteString("model\n  schema " + orDefault(s.SchemaVersion, SchemaVersion) + "\n")
	for _, td := range s.TypeDefinitions {
		b.WriteString("\ntype " + td.Type + "\n")
		if len(td.Relations) == 0 {
			continue
		}
		b.WriteString("  relations\n")
		names := make([]string, 0, len(td.Relations))
		for name := range td.Relations {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteString("    define " + name + ": " + renderExpr(td.Relations[name]) + "\n")
		}
	}
	return b.String()
}

// Binding levels, loosest first: `but not` (1), `or` (2), `and` (3),
// atoms (4). Mirrors parseExpr.
const (
	precExclusion = 1
	precUnion     = 2
	precIntersect = 3
	precAtom      = 4
)

// renderExpr emits an expression that re-parses to the same tree. Operands
// that bind looser than their context are parenthesized, so a schema built
// from JSON like union(exclusion(a, b), c) renders as `(a but not b) or c`
// rather than the differently-grouped `a but not b or c`.
func renderExpr(us *Userset) string {
	return renderOperand(us, precExclusion)
}

func renderOperand(us *Userset, min int) string {
	rendered, prec := renderPrec(us)
	if prec < min {
		return "(" + rendered + ")"
	}
	return rendered
}

func renderPrec(us *Userset) (string, int) {
	if us == nil {
		return "", precAtom
	}
	switch {
	case us.This != nil:
		refs := make([]string, len(us.This.Types))
		for i, ref := range us.This.Types {
			refs[i] = ref.String()
		}
		return "[" + strings.Join(refs, ", ") + "]", precAtom
	case us.ComputedUserset != nil:
		return us.ComputedUserset.Relation, precAtom
	case us.TupleToUserset != nil:
		return us.TupleToUserset.ComputedUserset.Relation + " from " + us.TupleToUserset.Tupleset.Relation, precAtom
	case len(us.Union) > 0:
		parts := make([]string, len(us.Union))
		for i, child := range us.Union {
			parts[i] = renderOperand(child, precUnion)
		}
		return strings.Join(parts, " or "), precUnion
	case len(us.Intersection) > 0:
		parts := make([]string, len(us.Intersection))
		for i, child := range us.Intersection {
			parts[i] = renderOperand(child, precIntersect)
		}
		return strings.Join(parts, " and "), precIntersect
	case us.Exclusion != nil:
		// The parser splits on the first `but not`, making it
		// right-associative; a base that is itself an exclusion needs
		// parentheses, the subtract does not.
		base := renderOperand(us.Exclusion.Base, precUnion)
		subtract := renderOperand(us.Exclusion.Subtract, precExclusion)
		return base + " but not " + subtract, precExclusion
	}
	return "", precAtom
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
