package tracetype

import "fmt"

// TupleType is an element of an externally defined type lattice. The core
// never looks inside it.
type TupleType interface {
	fmt.Stringer
}

// Lattice is the complete-lattice capability the propagator relies on. Lub must
// be commutative, associative and idempotent with respect to Equal.
type Lattice interface {
	Bot() TupleType
	Lub(a, b TupleType) TupleType
	Equal(a, b TupleType) bool

	// ObjectTop is the top element for object types. Joining it in is the
	// escape hatch used against oscillating variables.
	ObjectTop() TupleType
}

// LookupStatus is the outcome of a property lookup on an abstract type.
type LookupStatus int

const (
	// LookupFound means the object type has the property.
	LookupFound LookupStatus = iota
	// LookupAbsent means the type is a known object without the property.
	LookupAbsent
	// LookupUnresolved means no result: the type does not describe a
	// resolvable object.
	LookupUnresolved
	// LookupRecursive means the property resolves to an unresolved
	// self-reference.
	LookupRecursive
)

func (s LookupStatus) String() string {
	switch s {
	case LookupFound:
		return "found"
	case LookupAbsent:
		return "absent"
	case LookupUnresolved:
		return "unresolved"
	case LookupRecursive:
		return "recursive"
	default:
		return fmt.Sprintf("lookup(%d)", int(s))
	}
}

// ObjectModel is implemented by lattices whose object types expose property
// types. Lattices without it make every abstract field read unresolved.
type ObjectModel interface {
	IsObject(t TupleType) bool
	Property(t TupleType, name string) (TupleType, LookupStatus)
}

// LubAll joins ts starting from bottom.
func LubAll(l Lattice, ts ...TupleType) TupleType {
	acc := l.Bot()
	for _, t := range ts {
		acc = l.Lub(acc, t)
	}
	return acc
}

// EqualAll reports whether a and b are pairwise lattice-equal.
func EqualAll(l Lattice, a, b []TupleType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !l.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
