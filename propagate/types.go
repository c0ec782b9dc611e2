package propagate

import (
	"fmt"

	"github.com/hashicorp/go-set/v3"
	"github.com/speakeasy-api/tracetype"
	"github.com/speakeasy-api/tracetype/heap"
	"github.com/speakeasy-api/tracetype/replay"
)

// Options configures abstract propagation.
type Options struct {
	// Limits
	MaxRounds            int // Rounds before giving up with ErrNonTermination (default: 10000)
	OscillationThreshold int // Changing weak updates per key before joining ObjectTop (default: 50)

	// Behavior flags
	EnableWarnings bool // If true, collect oscillation warnings in the result (default: true)

	// Logging configuration
	LogLevel string           // Log level: "error", "warn", "info", "debug" (default: "warn")
	Logger   tracetype.Logger // Overrides LogLevel when set

	// Replay configures the concrete pass of Run.
	Replay replay.Options
}

// DefaultOptions returns the default configuration for propagation.
func DefaultOptions() Options {
	return Options{
		MaxRounds:            10000,
		OscillationThreshold: 50,
		EnableWarnings:       true,
		LogLevel:             "warn",
		Replay:               replay.DefaultOptions(),
	}
}

// ValueTypeConfig connects the engine to a type lattice.
type ValueTypeConfig struct {
	Lattice tracetype.Lattice

	// Ascribe maps a concrete value to its abstract type. Errors wrapping
	// tracetype.ErrRecursiveType abort propagation.
	Ascribe func(heap.Value) (tracetype.TupleType, error)

	// AlternateAscribe replaces Ascribe when UseAlternateAscription is set.
	AlternateAscribe       func(heap.Value) (tracetype.TupleType, error)
	UseAlternateAscription bool
}

func (c ValueTypeConfig) ascriber() (func(heap.Value) (tracetype.TupleType, error), error) {
	if c.Lattice == nil {
		return nil, fmt.Errorf("value type config has no lattice")
	}
	if c.UseAlternateAscription {
		if c.AlternateAscribe == nil {
			return nil, fmt.Errorf("alternate ascription requested but not configured")
		}
		return c.AlternateAscribe, nil
	}
	if c.Ascribe == nil {
		return nil, fmt.Errorf("value type config has no ascription")
	}
	return c.Ascribe, nil
}

// Env maps concrete variables to abstract types. It is read-only.
type Env struct {
	types map[tracetype.Variable]tracetype.TupleType
	order []tracetype.Variable
}

func newEnv(size int) *Env {
	return &Env{
		types: make(map[tracetype.Variable]tracetype.TupleType, size),
		order: make([]tracetype.Variable, 0, size),
	}
}

func (e *Env) set(v tracetype.Variable, t tracetype.TupleType) {
	if _, ok := e.types[v]; !ok {
		e.order = append(e.order, v)
	}
	e.types[v] = t
}

// Lookup returns the type of v.
func (e *Env) Lookup(v tracetype.Variable) (tracetype.TupleType, bool) {
	t, ok := e.types[v]
	return t, ok
}

// Len returns the number of variables in the environment.
func (e *Env) Len() int {
	return len(e.order)
}

// Variables returns the variables in declaration order.
func (e *Env) Variables() []tracetype.Variable {
	return e.order
}

// Result contains the propagated types and diagnostic information.
type Result struct {
	// PropagatedEnv is the fixpoint, keyed by concrete variable.
	PropagatedEnv *Env
	// InferredEnv is the seed computed from the concrete value histories.
	InferredEnv *Env

	Recovery *RecoveryReport

	// Live holds variables read at least once. Dead holds variables written
	// but never read in the final round.
	Live *set.Set[tracetype.Variable]
	Dead *set.Set[tracetype.Variable]

	Rounds   int
	Warnings []string

	// Concrete is the replay the propagation ran on.
	Concrete *replay.Result
}

// String returns a string representation of the result for debugging.
func (r *Result) String() string {
	if r == nil {
		return "<nil>"
	}
	warnings := ""
	if len(r.Warnings) > 0 {
		warnings = fmt.Sprintf(" (warnings: %d)", len(r.Warnings))
	}
	return fmt.Sprintf("Result{Variables: %d, Rounds: %d, Live: %d, Dead: %d%s}",
		r.PropagatedEnv.Len(), r.Rounds, r.Live.Size(), r.Dead.Size(), warnings)
}
