package replay

import (
	"iter"

	"github.com/speakeasy-api/openapi/sequencedmap"
	"github.com/speakeasy-api/tracetype"
	"github.com/speakeasy-api/tracetype/heap"
)

// Options configures concrete replay.
type Options struct {
	// FieldReadFallback substitutes a value for a field read that resolves
	// nowhere on the prototype chain. It models coercions and host objects the
	// trace does not capture. If unset such reads are fatal.
	FieldReadFallback func(base *heap.Instance, property string) (heap.Value, bool)

	// Logging configuration
	LogLevel string           // Log level: "error", "warn", "info", "debug" (default: "warn")
	Logger   tracetype.Logger // Overrides LogLevel when set
}

// DefaultOptions returns the default configuration for concrete replay.
func DefaultOptions() Options {
	return Options{
		LogLevel: "warn",
	}
}

// AccessKind tells property reads, writes and deletes apart in the access log.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessDelete
)

func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Access is one entry of the property access log.
type Access struct {
	Position    int
	Instruction tracetype.InstructionID
	Kind        AccessKind
	Instance    *heap.Instance
	Property    string
	Dynamic     bool

	// Found is false for reads served by the fallback.
	Found bool
}

type valueHistory struct {
	values []heap.Value
}

// Result is the outcome of concrete replay.
type Result struct {
	Trace      *tracetype.Trace
	Store      *heap.Store
	Accesses   []Access
	Statements []tracetype.Statement

	histories *sequencedmap.Map[tracetype.Variable, *valueHistory]
}

// Instances returns every instance created, in allocation order.
func (r *Result) Instances() []*heap.Instance {
	return r.Store.Instances()
}

// History returns every value ever written to v, oldest first.
func (r *Result) History(v tracetype.Variable) []heap.Value {
	h, ok := r.histories.Get(v)
	if !ok {
		return nil
	}
	return h.values
}

// Declarations returns the written variables in the order of their first
// write.
func (r *Result) Declarations() []tracetype.Variable {
	vars := make([]tracetype.Variable, 0, r.histories.Len())
	for v := range r.histories.All() {
		vars = append(vars, v)
	}
	return vars
}

// Len returns the number of written variables.
func (r *Result) Len() int {
	return r.histories.Len()
}

// Histories iterates the value histories in declaration order.
func (r *Result) Histories() iter.Seq2[tracetype.Variable, []heap.Value] {
	return func(yield func(tracetype.Variable, []heap.Value) bool) {
		for v, h := range r.histories.All() {
			if !yield(v, h.values) {
				return
			}
		}
	}
}
