package tracetype

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedTrace marks traces that cannot be replayed: unknown
	// statement kinds, undeclared reads, unresolved field reads and the like.
	ErrMalformedTrace = errors.New("malformed trace")

	// ErrRecursiveType marks property or seed types that resolve to an
	// unresolved self-reference.
	ErrRecursiveType = errors.New("recursive type violation")

	// ErrNonTermination is returned when propagation exceeds its round bound.
	ErrNonTermination = errors.New("propagation did not terminate")
)

var (
	ErrUndeclaredVariable       = fmt.Errorf("%w: read of undeclared variable", ErrMalformedTrace)
	ErrUncoercedPrimitiveAccess = fmt.Errorf("%w: field access on uncoerced primitive", ErrMalformedTrace)
	ErrUnresolvedField          = fmt.Errorf("%w: unresolved field read", ErrMalformedTrace)
	ErrMissingShapeData         = fmt.Errorf("%w: shape chain without required data", ErrMalformedTrace)
	ErrInitializerAfterMutation = fmt.Errorf("%w: initializer after non-initializer", ErrMalformedTrace)
	ErrUnbalancedCalls          = fmt.Errorf("%w: unbalanced call markers", ErrMalformedTrace)
)

// TraceError is a fatal replay failure tied to a trace position.
type TraceError struct {
	Err         error
	Position    int
	Instruction InstructionID
	Location    SourceLocation
	Msg         string
}

func (e *TraceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	fmt.Fprintf(&b, " (position %d, instruction %d at %s)", e.Position, e.Instruction, e.Location)
	return b.String()
}

func (e *TraceError) Unwrap() error {
	return e.Err
}

// NewTraceError builds a TraceError, resolving the instruction through t.
func NewTraceError(t *Trace, err error, position int, id InstructionID, format string, args ...any) *TraceError {
	return &TraceError{
		Err:         err,
		Position:    position,
		Instruction: id,
		Location:    t.Explain(id),
		Msg:         fmt.Sprintf(format, args...),
	}
}
