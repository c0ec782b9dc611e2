// Package schemalattice adapts JSON Schema documents to the type lattice used
// by propagation. Objects are described by their properties and carry their
// classification in the schema format.
//
// Example:
//
//	lat := schemalattice.New()
//	values := propagate.ValueTypeConfig{
//	    Lattice:          lat,
//	    Ascribe:          lat.Ascriber(concrete.Store).Ascribe,
//	    AlternateAscribe: lat.Ascriber(concrete.Store).AscribeShallow,
//	}
package schemalattice

import (
	"sort"

	"github.com/speakeasy-api/openapi/jsonschema/oas3"
	"github.com/speakeasy-api/openapi/sequencedmap"
	"github.com/speakeasy-api/tracetype"
)

// FormatUndefined tells the undefined value apart from null.
const FormatUndefined = "undefined"

// Type is a lattice element. The wrapped schema must not be modified.
type Type struct {
	schema *oas3.Schema
	canon  string
}

// Wrap makes s a lattice element. A nil schema is bottom.
func Wrap(s *oas3.Schema) *Type {
	return &Type{schema: s, canon: canonical(s)}
}

// Schema returns the wrapped schema, nil for bottom.
func (t *Type) Schema() *oas3.Schema {
	return t.schema
}

func (t *Type) String() string {
	return t.canon
}

// ============================================================================
// SCHEMA CONSTRUCTORS
// ============================================================================

// Top returns a schema that matches any value.
func Top() *oas3.Schema {
	return &oas3.Schema{}
}

func primitiveType(typ oas3.SchemaType) *oas3.Schema {
	return &oas3.Schema{Type: oas3.NewTypeFromString(typ)}
}

func NumberType() *oas3.Schema  { return primitiveType(oas3.SchemaTypeNumber) }
func StringType() *oas3.Schema  { return primitiveType(oas3.SchemaTypeString) }
func BooleanType() *oas3.Schema { return primitiveType(oas3.SchemaTypeBoolean) }
func NullType() *oas3.Schema    { return primitiveType(oas3.SchemaTypeNull) }

// UndefinedType is null with the undefined format.
func UndefinedType() *oas3.Schema {
	s := NullType()
	s.Format = stringPtr(FormatUndefined)
	return s
}

// ObjectTop returns the schema every object is below.
func ObjectTop() *oas3.Schema {
	return primitiveType(oas3.SchemaTypeObject)
}

// ObjectType builds an object schema of the given classification format.
func ObjectType(format string, props *sequencedmap.Map[string, *oas3.JSONSchema[oas3.Referenceable]], required []string) *oas3.Schema {
	s := ObjectTop()
	s.Format = stringPtr(format)
	if props != nil && props.Len() > 0 {
		s.Properties = props
	}
	if len(required) > 0 {
		s.Required = required
	}
	return s
}

// ============================================================================
// LATTICE
// ============================================================================

// Lattice implements tracetype.Lattice and tracetype.ObjectModel over JSON
// Schema.
type Lattice struct {
	bot       *Type
	objectTop *Type
	undefined *oas3.Schema
}

// New creates a lattice.
func New() *Lattice {
	return &Lattice{
		bot:       Wrap(nil),
		objectTop: Wrap(ObjectTop()),
		undefined: UndefinedType(),
	}
}

func (l *Lattice) Bot() tracetype.TupleType       { return l.bot }
func (l *Lattice) ObjectTop() tracetype.TupleType { return l.objectTop }

func (l *Lattice) Equal(a, b tracetype.TupleType) bool {
	return l.cast(a).canon == l.cast(b).canon
}

// Lub joins a and b. Branches are grouped by type and format: objects of the
// same classification merge property-wise, ObjectTop absorbs every object and
// the remaining groups form an anyOf.
func (l *Lattice) Lub(a, b tracetype.TupleType) tracetype.TupleType {
	x, y := l.cast(a), l.cast(b)
	switch {
	case x.schema == nil:
		return y
	case y.schema == nil, x.canon == y.canon:
		return x
	}
	return Wrap(join(append(branches(x.schema), branches(y.schema)...)))
}

// IsObject reports whether every branch of t is an object.
func (l *Lattice) IsObject(t tracetype.TupleType) bool {
	x := l.cast(t)
	if x.schema == nil {
		return false
	}
	for _, b := range branches(x.schema) {
		if getType(b) != string(oas3.SchemaTypeObject) {
			return false
		}
	}
	return true
}

// Property looks name up on every branch of t. A name missing or optional on
// some branch contributes undefined.
func (l *Lattice) Property(t tracetype.TupleType, name string) (tracetype.TupleType, tracetype.LookupStatus) {
	x := l.cast(t)
	if x.schema == nil {
		return nil, tracetype.LookupUnresolved
	}

	var found []*oas3.Schema
	missing := false
	for _, b := range branches(x.schema) {
		if getType(b) != string(oas3.SchemaTypeObject) || isObjectTop(b) {
			return nil, tracetype.LookupUnresolved
		}
		var js *oas3.JSONSchema[oas3.Referenceable]
		if b.Properties != nil {
			js, _ = b.Properties.Get(name)
		}
		if js == nil {
			missing = true
			continue
		}
		ps, ok := deref(js)
		if !ok {
			return nil, tracetype.LookupRecursive
		}
		found = append(found, ps)
		if !isRequired(b, name) {
			missing = true
		}
	}

	if len(found) == 0 {
		return nil, tracetype.LookupAbsent
	}
	if missing {
		found = append(found, l.undefined)
	}
	return Wrap(join(found)), tracetype.LookupFound
}

// cast converts foreign elements to bottom.
func (l *Lattice) cast(t tracetype.TupleType) *Type {
	if x, ok := t.(*Type); ok && x != nil {
		return x
	}
	return l.bot
}

// join computes the least upper bound of a list of non-anyOf branches.
func join(list []*oas3.Schema) *oas3.Schema {
	groups := sequencedmap.New[string, []*oas3.Schema]()
	for _, s := range list {
		if s == nil {
			continue
		}
		if isTop(s) {
			return Top()
		}
		key := getType(s) + "/" + formatOf(s)
		g, _ := groups.Get(key)
		groups.Set(key, append(g, s))
	}

	objectTopKey := string(oas3.SchemaTypeObject) + "/"
	_, hasObjectTop := groups.Get(objectTopKey)

	var merged []*oas3.Schema
	for key, g := range groups.All() {
		if hasObjectTop && key != objectTopKey && getType(g[0]) == string(oas3.SchemaTypeObject) {
			continue
		}
		merged = append(merged, mergeGroup(g))
	}

	switch len(merged) {
	case 0:
		return nil
	case 1:
		return merged[0]
	}

	canon := make(map[*oas3.Schema]string, len(merged))
	for _, s := range merged {
		canon[s] = canonical(s)
	}
	sort.Slice(merged, func(i, j int) bool { return canon[merged[i]] < canon[merged[j]] })

	anyOf := make([]*oas3.JSONSchema[oas3.Referenceable], len(merged))
	for i, s := range merged {
		anyOf[i] = oas3.NewJSONSchemaFromSchema[oas3.Referenceable](s)
	}
	return &oas3.Schema{AnyOf: anyOf}
}

// mergeGroup joins branches that share type and format.
func mergeGroup(g []*oas3.Schema) *oas3.Schema {
	first := canonical(g[0])
	same := true
	for _, s := range g[1:] {
		if canonical(s) != first {
			same = false
			break
		}
	}
	if same {
		return g[0]
	}
	if getType(g[0]) == string(oas3.SchemaTypeObject) {
		return mergeObjects(g)
	}

	// Differing facets on a primitive type widen to the bare type.
	widened := primitiveType(oas3.SchemaType(getType(g[0])))
	if f := formatOf(g[0]); f != "" {
		widened.Format = stringPtr(f)
	}
	return widened
}

// mergeObjects unions the properties of same-format objects. A property is
// required only if every branch requires it.
func mergeObjects(g []*oas3.Schema) *oas3.Schema {
	collected := sequencedmap.New[string, []*oas3.JSONSchema[oas3.Referenceable]]()
	for _, s := range g {
		if s.Properties == nil {
			continue
		}
		for name, js := range s.Properties.All() {
			prev, _ := collected.Get(name)
			collected.Set(name, append(prev, js))
		}
	}

	props := sequencedmap.New[string, *oas3.JSONSchema[oas3.Referenceable]]()
	for name, wrappers := range collected.All() {
		schemas := make([]*oas3.Schema, 0, len(wrappers))
		var unresolved *oas3.JSONSchema[oas3.Referenceable]
		for _, js := range wrappers {
			ps, ok := deref(js)
			if !ok {
				unresolved = js
				break
			}
			schemas = append(schemas, branches(ps)...)
		}
		if unresolved != nil {
			props.Set(name, unresolved)
			continue
		}
		props.Set(name, oas3.NewJSONSchemaFromSchema[oas3.Referenceable](join(schemas)))
	}

	var required []string
	for name := range collected.All() {
		all := true
		for _, s := range g {
			if !isRequired(s, name) {
				all = false
				break
			}
		}
		if all {
			required = append(required, name)
		}
	}

	return ObjectType(formatOf(g[0]), props, required)
}

// branches flattens a top-level anyOf.
func branches(s *oas3.Schema) []*oas3.Schema {
	if s == nil {
		return nil
	}
	if len(s.AnyOf) == 0 || len(s.GetType()) > 0 {
		return []*oas3.Schema{s}
	}
	out := make([]*oas3.Schema, 0, len(s.AnyOf))
	for _, js := range s.AnyOf {
		if b, ok := deref(js); ok {
			out = append(out, branches(b)...)
		} else {
			// An unresolved branch may be anything.
			return []*oas3.Schema{Top()}
		}
	}
	return out
}

// deref returns the inline schema of js. Reference wrappers that were never
// resolved report false.
func deref(js *oas3.JSONSchema[oas3.Referenceable]) (*oas3.Schema, bool) {
	if js == nil || js.Left == nil {
		return nil, false
	}
	return js.Left, true
}

func getType(s *oas3.Schema) string {
	if s == nil {
		return ""
	}
	types := s.GetType()
	if len(types) != 1 {
		return ""
	}
	return string(types[0])
}

func formatOf(s *oas3.Schema) string {
	if s == nil || s.Format == nil {
		return ""
	}
	return *s.Format
}

// isTop reports whether s constrains nothing.
func isTop(s *oas3.Schema) bool {
	return s != nil && len(s.GetType()) == 0 && len(s.AnyOf) == 0 && len(s.AllOf) == 0 &&
		len(s.OneOf) == 0 && len(s.Enum) == 0 && s.Properties == nil && s.Not == nil && s.Const == nil
}

func isObjectTop(s *oas3.Schema) bool {
	return getType(s) == string(oas3.SchemaTypeObject) && formatOf(s) == "" && s.Properties == nil
}

func isRequired(s *oas3.Schema, name string) bool {
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}

func stringPtr(s string) *string {
	return &s
}
