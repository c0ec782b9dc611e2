package heap

import (
	"fmt"

	"github.com/speakeasy-api/openapi/sequencedmap"
	"github.com/speakeasy-api/tracetype"
)

// ShapeID indexes a shape in a Store.
type ShapeID int

// NoShape is the parent of root shapes.
const NoShape ShapeID = -1

// MaxPrototypeDepth bounds prototype chain walks.
const MaxPrototypeDepth = 1024

type shapeKind uint8

const (
	shapeRoot shapeKind = iota
	shapeSet
	shapeTombstone
)

// shapeRecord is one immutable delta step. Only the initializer table of a
// root may change after creation, and only while the root is the sole shape of
// its instance.
type shapeRecord struct {
	parent ShapeID
	kind   shapeKind

	// set / tombstone
	name    string
	value   Value
	dynamic bool

	// root
	proto Value
	class Classification
	init  *sequencedmap.Map[string, Value]
}

// Store is the arena that owns every shape and instance of one replay.
type Store struct {
	shapes    []shapeRecord
	instances []*Instance
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		shapes:    make([]shapeRecord, 0, 256),
		instances: make([]*Instance, 0, 64),
	}
}

// Len returns the number of shapes in the arena.
func (s *Store) Len() int {
	return len(s.shapes)
}

// Instances returns all instances in allocation order.
func (s *Store) Instances() []*Instance {
	return s.instances
}

// CreateRoot appends a shape without parent. A nil prototype or ClassUnset
// leaves the corresponding data unset.
func (s *Store) CreateRoot(proto Value, class Classification) ShapeID {
	return s.add(shapeRecord{parent: NoShape, kind: shapeRoot, proto: proto, class: class})
}

// NewInstance allocates an instance with a fresh root shape.
func (s *Store) NewInstance(proto Value, class Classification, alloc AllocationContext) *Instance {
	inst := &Instance{
		id:         len(s.instances),
		Allocation: alloc,
	}
	inst.push(s.CreateRoot(proto, class), alloc.Position)
	s.instances = append(s.instances, inst)
	return inst
}

// Extend records a property write. Writing the value a property already has
// is not observable and returns the current head unchanged.
func (s *Store) Extend(inst *Instance, name string, v Value, dynamic bool, pos int) ShapeID {
	head := inst.Head()
	if cur, ok := s.Lookup(head, name); ok && cur == v {
		return head
	}
	id := s.add(shapeRecord{parent: head, kind: shapeSet, name: name, value: v, dynamic: dynamic})
	inst.push(id, pos)
	return id
}

// Delete records a property deletion as a tombstone. Deleting a property that
// was never set is legal.
func (s *Store) Delete(inst *Instance, name string, pos int) ShapeID {
	id := s.add(shapeRecord{parent: inst.Head(), kind: shapeTombstone, name: name})
	inst.push(id, pos)
	return id
}

// Initialize writes a property straight into the root shape of inst. It is
// only legal before the instance has been mutated any other way.
func (s *Store) Initialize(inst *Instance, name string, v Value) error {
	if len(inst.history) != 1 {
		return fmt.Errorf("%w: %s has %d shapes", tracetype.ErrInitializerAfterMutation, inst, len(inst.history))
	}
	root := &s.shapes[inst.Root()]
	if root.init == nil {
		root.init = sequencedmap.New[string, Value]()
	}
	root.init.Set(name, v)
	return nil
}

// Lookup finds the value of name as seen from shape.
func (s *Store) Lookup(shape ShapeID, name string) (Value, bool) {
	for id := shape; id != NoShape; {
		rec := &s.shapes[id]
		switch rec.kind {
		case shapeSet:
			if rec.name == name {
				return rec.value, true
			}
		case shapeTombstone:
			if rec.name == name {
				return nil, false
			}
		case shapeRoot:
			if rec.init != nil {
				if v, ok := rec.init.Get(name); ok {
					return v, true
				}
			}
		}
		id = rec.parent
	}
	return nil, false
}

// IsDynamic reports whether the visible write of name was performed through
// a dynamically computed property name.
func (s *Store) IsDynamic(shape ShapeID, name string) bool {
	for id := shape; id != NoShape; {
		rec := &s.shapes[id]
		if rec.name == name && rec.kind != shapeRoot {
			return rec.kind == shapeSet && rec.dynamic
		}
		id = rec.parent
	}
	return false
}

// ClassificationOf returns the classification recorded at the root of shape.
func (s *Store) ClassificationOf(shape ShapeID) (Classification, error) {
	for id := shape; id != NoShape; {
		rec := &s.shapes[id]
		if rec.kind == shapeRoot && rec.class != ClassUnset {
			return rec.class, nil
		}
		id = rec.parent
	}
	return ClassUnset, fmt.Errorf("%w: no classification for shape %d", tracetype.ErrMissingShapeData, shape)
}

// PrototypeOf returns the prototype recorded at the root of shape.
func (s *Store) PrototypeOf(shape ShapeID) (Value, error) {
	for id := shape; id != NoShape; {
		rec := &s.shapes[id]
		if rec.kind == shapeRoot && rec.proto != nil {
			return rec.proto, nil
		}
		id = rec.parent
	}
	return nil, fmt.Errorf("%w: no prototype for shape %d", tracetype.ErrMissingShapeData, shape)
}

// Parent returns the previous version of shape, or NoShape for roots.
func (s *Store) Parent(shape ShapeID) ShapeID {
	return s.shapes[shape].parent
}

// LookupChain resolves name on inst, following prototypes. It returns the
// instance that holds the property.
func (s *Store) LookupChain(inst *Instance, name string) (Value, *Instance, bool, error) {
	cur := inst
	for depth := 0; depth <= MaxPrototypeDepth; depth++ {
		if v, ok := s.Lookup(cur.Head(), name); ok {
			return v, cur, true, nil
		}
		proto, err := s.PrototypeOf(cur.Head())
		if err != nil {
			return nil, nil, false, err
		}
		next, ok := proto.(*Instance)
		if !ok {
			return nil, nil, false, nil
		}
		cur = next
	}
	return nil, nil, false, fmt.Errorf("%w: prototype chain of %s deeper than %d", tracetype.ErrMalformedTrace, inst, MaxPrototypeDepth)
}

// Properties lists the names visible at shape, in the order they were first
// set. A name deleted and set again moves to the end.
func (s *Store) Properties(shape ShapeID) []string {
	var chain []ShapeID
	for id := shape; id != NoShape; id = s.shapes[id].parent {
		chain = append(chain, id)
	}

	var order []string
	present := make(map[string]bool)
	for i := len(chain) - 1; i >= 0; i-- {
		rec := &s.shapes[chain[i]]
		switch rec.kind {
		case shapeRoot:
			if rec.init != nil {
				for name := range rec.init.All() {
					if !present[name] {
						present[name] = true
						order = append(order, name)
					}
				}
			}
		case shapeSet:
			if !present[rec.name] {
				present[rec.name] = true
				order = append(order, rec.name)
			}
		case shapeTombstone:
			if present[rec.name] {
				present[rec.name] = false
				order = removeName(order, rec.name)
			}
		}
	}
	return order
}

func removeName(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

func (s *Store) add(rec shapeRecord) ShapeID {
	s.shapes = append(s.shapes, rec)
	return ShapeID(len(s.shapes) - 1)
}
