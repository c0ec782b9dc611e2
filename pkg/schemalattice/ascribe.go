package schemalattice

import (
	"fmt"

	"github.com/speakeasy-api/openapi/jsonschema/oas3"
	"github.com/speakeasy-api/openapi/sequencedmap"
	"github.com/speakeasy-api/tracetype"
	"github.com/speakeasy-api/tracetype/heap"
)

// DefaultMaxDepth bounds how deep Ascribe descends into object graphs.
const DefaultMaxDepth = 32

// Ascriber maps values of one replayed heap to lattice elements. Instances are
// described by their final shape.
type Ascriber struct {
	store *heap.Store

	// MaxDepth bounds nesting. Deeper objects are described as ObjectTop.
	MaxDepth int

	// StrictCycles rejects object graphs that reach themselves with
	// tracetype.ErrRecursiveType. Otherwise the back edge is ObjectTop.
	StrictCycles bool
}

// Ascriber returns an ascriber over store.
func (l *Lattice) Ascriber(store *heap.Store) *Ascriber {
	return &Ascriber{store: store, MaxDepth: DefaultMaxDepth}
}

// Ascribe describes v structurally: own and inherited properties, with
// the nearest definition of a name winning.
func (a *Ascriber) Ascribe(v heap.Value) (tracetype.TupleType, error) {
	s, err := a.schemaOf(v, make(map[*heap.Instance]bool), 0)
	if err != nil {
		return nil, err
	}
	return Wrap(s), nil
}

// AscribeShallow describes instances by classification only.
func (a *Ascriber) AscribeShallow(v heap.Value) (tracetype.TupleType, error) {
	inst, ok := v.(*heap.Instance)
	if !ok {
		return a.Ascribe(v)
	}
	class, err := a.store.ClassificationOf(inst.Head())
	if err != nil {
		return nil, err
	}
	return Wrap(ObjectType(class.String(), nil, nil)), nil
}

func (a *Ascriber) schemaOf(v heap.Value, inProgress map[*heap.Instance]bool, depth int) (*oas3.Schema, error) {
	switch x := v.(type) {
	case *heap.Primitive:
		return primitiveSchema(x)
	case *heap.Instance:
		return a.instanceSchema(x, inProgress, depth)
	default:
		return nil, fmt.Errorf("cannot ascribe %T", v)
	}
}

func primitiveSchema(p *heap.Primitive) (*oas3.Schema, error) {
	switch p.Kind() {
	case tracetype.PrimNumber:
		return NumberType(), nil
	case tracetype.PrimString:
		return StringType(), nil
	case tracetype.PrimBoolean:
		return BooleanType(), nil
	case tracetype.PrimNull:
		return NullType(), nil
	case tracetype.PrimUndefined:
		return UndefinedType(), nil
	default:
		return nil, fmt.Errorf("cannot ascribe primitive %s", p)
	}
}

func (a *Ascriber) instanceSchema(inst *heap.Instance, inProgress map[*heap.Instance]bool, depth int) (*oas3.Schema, error) {
	if inProgress[inst] {
		if a.StrictCycles {
			return nil, fmt.Errorf("%w: %s reaches itself", tracetype.ErrRecursiveType, inst)
		}
		return ObjectTop(), nil
	}
	if a.MaxDepth > 0 && depth > a.MaxDepth {
		return ObjectTop(), nil
	}

	class, err := a.store.ClassificationOf(inst.Head())
	if err != nil {
		return nil, err
	}

	inProgress[inst] = true
	defer delete(inProgress, inst)

	props := sequencedmap.New[string, *oas3.JSONSchema[oas3.Referenceable]]()
	var required []string
	cur := inst
	for hops := 0; cur != nil && hops <= heap.MaxPrototypeDepth; hops++ {
		head := cur.Head()
		for _, name := range a.store.Properties(head) {
			if _, ok := props.Get(name); ok {
				continue
			}
			pv, _ := a.store.Lookup(head, name)
			ps, err := a.schemaOf(pv, inProgress, depth+1)
			if err != nil {
				return nil, err
			}
			props.Set(name, oas3.NewJSONSchemaFromSchema[oas3.Referenceable](ps))
			required = append(required, name)
		}

		proto, err := a.store.PrototypeOf(head)
		if err != nil {
			return nil, err
		}
		cur, _ = proto.(*heap.Instance)
	}

	return ObjectType(class.String(), props, required), nil
}
