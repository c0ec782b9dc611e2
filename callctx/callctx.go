// Package callctx maps concrete dynamic scopes to abstract call contexts. An
// Abstractor observes the call markers of one abstract round and, for every
// entered scope, registers the abstract key that scope collapses to.
package callctx

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/speakeasy-api/tracetype"
)

// ContextKey is a concrete scope key (see tracetype.ScopeID.Key) or an
// abstract context signature.
type ContextKey string

// Abstractor is a call-context abstraction strategy. It is owned by a single
// propagation run and is not safe for concurrent use.
type Abstractor interface {
	Name() string

	// Enter registers scope under the current call signature.
	Enter(scope tracetype.ScopeID)
	// Call pushes a call site together with the abstract argument types.
	Call(site tracetype.InstructionID, args []tracetype.TupleType)
	// Return pops the innermost call site.
	Return()

	// Abstract returns the abstract key registered for key, or key itself.
	// Abstract keys are never registered, so Abstract is idempotent.
	Abstract(key ContextKey) ContextKey

	// Reset clears the call stack for a new round. Registrations survive.
	Reset()
}

// Strategy names an abstraction strategy.
type Strategy int

const (
	StrategyIdentity Strategy = iota
	StrategyCallStack
	StrategyParameterTypes
)

func (s Strategy) String() string {
	switch s {
	case StrategyIdentity:
		return "identity"
	case StrategyCallStack:
		return "callstack"
	case StrategyParameterTypes:
		return "parameter-types"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Select builds the abstractor for strategy. height bounds the signature of
// the stack-based strategies and must be positive for them.
func Select(strategy Strategy, height int, lattice tracetype.Lattice) (Abstractor, error) {
	switch strategy {
	case StrategyIdentity:
		return Identity{}, nil
	case StrategyCallStack:
		if height < 1 {
			return nil, fmt.Errorf("callstack height must be positive, got %d", height)
		}
		return NewCallStack(height), nil
	case StrategyParameterTypes:
		if height < 1 {
			return nil, fmt.Errorf("parameter-types height must be positive, got %d", height)
		}
		if lattice == nil {
			return nil, fmt.Errorf("parameter-types abstraction requires a lattice")
		}
		return NewParameterTypes(height, lattice), nil
	default:
		return nil, fmt.Errorf("unknown context strategy %s", strategy)
	}
}

// IsIdentity reports whether a keeps every scope distinct.
func IsIdentity(a Abstractor) bool {
	switch a.(type) {
	case Identity, *Identity:
		return true
	}
	return false
}

// Identity keeps full context sensitivity.
type Identity struct{}

func (Identity) Name() string                                         { return StrategyIdentity.String() }
func (Identity) Enter(tracetype.ScopeID)                              {}
func (Identity) Call(tracetype.InstructionID, []tracetype.TupleType) {}
func (Identity) Return()                                              {}
func (Identity) Reset()                                               {}
func (Identity) Abstract(key ContextKey) ContextKey                   { return key }

// signatures is the state shared by the stack-based strategies: a stack of
// call-site entries and the scope registrations made so far.
type signatures struct {
	prefix     string
	height     int
	stack      []string
	registered map[ContextKey]ContextKey
}

func newSignatures(prefix string, height int) signatures {
	return signatures{
		prefix:     prefix,
		height:     height,
		registered: make(map[ContextKey]ContextKey),
	}
}

// current renders the innermost height entries, outermost first.
func (s *signatures) current() ContextKey {
	top := s.stack
	if len(top) > s.height {
		top = top[len(top)-s.height:]
	}
	return ContextKey(s.prefix + "[" + strings.Join(top, "/") + "]")
}

func (s *signatures) Enter(scope tracetype.ScopeID) {
	s.registered[ContextKey(scope.Key())] = s.current()
}

func (s *signatures) Return() {
	if len(s.stack) > 0 {
		s.stack = s.stack[:len(s.stack)-1]
	}
}

func (s *signatures) Abstract(key ContextKey) ContextKey {
	if abs, ok := s.registered[key]; ok {
		return abs
	}
	return key
}

func (s *signatures) Reset() {
	s.stack = s.stack[:0]
}

// CallStack abstracts a scope to the last k call sites on the stack when it
// was entered.
type CallStack struct {
	signatures
}

func NewCallStack(k int) *CallStack {
	return &CallStack{signatures: newSignatures("cs", k)}
}

func (c *CallStack) Name() string {
	return StrategyCallStack.String() + "(" + strconv.Itoa(c.height) + ")"
}

func (c *CallStack) Call(site tracetype.InstructionID, _ []tracetype.TupleType) {
	c.stack = append(c.stack, strconv.FormatUint(uint64(site), 10))
}

// ParameterTypes abstracts a scope to the last k call sites, each refined by
// the variant of argument types it was called with.
type ParameterTypes struct {
	signatures
	lattice  tracetype.Lattice
	variants map[tracetype.InstructionID][][]tracetype.TupleType
}

func NewParameterTypes(k int, lattice tracetype.Lattice) *ParameterTypes {
	return &ParameterTypes{
		signatures: newSignatures("pt", k),
		lattice:    lattice,
		variants:   make(map[tracetype.InstructionID][][]tracetype.TupleType),
	}
}

func (p *ParameterTypes) Name() string {
	return StrategyParameterTypes.String() + "(" + strconv.Itoa(p.height) + ")"
}

func (p *ParameterTypes) Call(site tracetype.InstructionID, args []tracetype.TupleType) {
	variant := p.variant(site, args)
	p.stack = append(p.stack, strconv.FormatUint(uint64(site), 10)+"#"+strconv.Itoa(variant))
}

// variant returns the index of the first argument vector seen at site that is
// equal to args, registering args if there is none.
func (p *ParameterTypes) variant(site tracetype.InstructionID, args []tracetype.TupleType) int {
	seen := p.variants[site]
	for i, vec := range seen {
		if tracetype.EqualAll(p.lattice, vec, args) {
			return i
		}
	}
	p.variants[site] = append(seen, append([]tracetype.TupleType(nil), args...))
	return len(seen)
}

// Variants returns the number of argument-type variants registered at site.
func (p *ParameterTypes) Variants(site tracetype.InstructionID) int {
	return len(p.variants[site])
}
