package heap

import (
	"sort"
	"strconv"

	"github.com/speakeasy-api/tracetype"
)

// AllocationContext records where an instance was allocated.
type AllocationContext struct {
	Scope    tracetype.ScopeID
	Site     tracetype.InstructionID
	Position int
}

// HistoryEntry is one version of an instance: the shape and the trace
// position at which it became current.
type HistoryEntry struct {
	Shape    ShapeID
	Position int
}

// Usage is one completed invocation of an instance used as a function.
type Usage struct {
	Site           tracetype.InstructionID
	Receiver       Value
	Args           []Value
	Result         Value
	CallPosition   int
	ReturnPosition int
	Constructor    bool
}

// Instance is a heap object. Its history only ever grows.
type Instance struct {
	id      int
	history []HistoryEntry
	usages  []Usage

	Allocation AllocationContext

	// PrototypeObject is set for objects allocated as a function's prototype.
	PrototypeObject bool
}

func (i *Instance) ID() int        { return i.id }
func (i *Instance) String() string { return "obj#" + strconv.Itoa(i.id) }
func (*Instance) value()           {}

// Head returns the current shape.
func (i *Instance) Head() ShapeID {
	return i.history[len(i.history)-1].Shape
}

// Root returns the first shape of the instance.
func (i *Instance) Root() ShapeID {
	return i.history[0].Shape
}

// History returns the shape history, oldest first. Callers must not modify it.
func (i *Instance) History() []HistoryEntry {
	return i.history
}

// ShapeAt returns the shape that was current at trace position pos, or
// NoShape if the instance did not exist yet.
func (i *Instance) ShapeAt(pos int) ShapeID {
	n := sort.Search(len(i.history), func(k int) bool {
		return i.history[k].Position > pos
	})
	if n == 0 {
		return NoShape
	}
	return i.history[n-1].Shape
}

// Usages returns the invocation log in return order.
func (i *Instance) Usages() []Usage {
	return i.usages
}

// AddUsage appends a completed invocation.
func (i *Instance) AddUsage(u Usage) {
	i.usages = append(i.usages, u)
}

func (i *Instance) push(shape ShapeID, pos int) {
	i.history = append(i.history, HistoryEntry{Shape: shape, Position: pos})
}
