// Package heap holds the concrete heap reconstructed from a trace: canonical
// primitive values, heap instances and the delta-encoded shape history of
// every instance.
package heap

import (
	"fmt"

	"github.com/speakeasy-api/tracetype"
)

// Value is a concrete value: a *Primitive or an *Instance.
type Value interface {
	fmt.Stringer
	value()
}

// Primitive is a canonical primitive value. There is exactly one Primitive per
// kind, so pointer equality is semantic equality.
type Primitive struct {
	kind tracetype.PrimitiveKind
}

func (p *Primitive) Kind() tracetype.PrimitiveKind { return p.kind }
func (p *Primitive) String() string                { return p.kind.String() }
func (*Primitive) value()                          {}

var (
	Number    = &Primitive{kind: tracetype.PrimNumber}
	String    = &Primitive{kind: tracetype.PrimString}
	Boolean   = &Primitive{kind: tracetype.PrimBoolean}
	Undefined = &Primitive{kind: tracetype.PrimUndefined}
	Null      = &Primitive{kind: tracetype.PrimNull}
)

// PrimitiveOf returns the canonical primitive for kind.
func PrimitiveOf(kind tracetype.PrimitiveKind) (*Primitive, error) {
	switch kind {
	case tracetype.PrimNumber:
		return Number, nil
	case tracetype.PrimString:
		return String, nil
	case tracetype.PrimBoolean:
		return Boolean, nil
	case tracetype.PrimUndefined:
		return Undefined, nil
	case tracetype.PrimNull:
		return Null, nil
	default:
		return nil, fmt.Errorf("%w: unknown primitive kind %d", tracetype.ErrMalformedTrace, int(kind))
	}
}

// Classification is the kind of object a root shape describes.
type Classification int

const (
	ClassUnset Classification = iota
	ClassObject
	ClassArray
	ClassFunction
	ClassArguments
	ClassMap
)

func (c Classification) String() string {
	switch c {
	case ClassUnset:
		return "unset"
	case ClassObject:
		return "object"
	case ClassArray:
		return "array"
	case ClassFunction:
		return "function"
	case ClassArguments:
		return "arguments"
	case ClassMap:
		return "map"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}
