package tracetype

import (
	"fmt"
	"strconv"
)

// InstructionID is an opaque id of a traced instruction. A Trace resolves it
// to a SourceLocation.
type InstructionID uint32

// SourceLocation is the position of an instruction in the traced program.
type SourceLocation struct {
	File   string
	Line   int
	Column int
}

func (l SourceLocation) IsZero() bool {
	return l == SourceLocation{}
}

func (l SourceLocation) String() string {
	if l.IsZero() {
		return "<unknown>"
	}
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// ScopeID identifies one dynamic scope: a function instruction together with
// the call counter of that function.
type ScopeID struct {
	Function InstructionID
	Call     int
}

// Key returns the canonical context key of the scope. Context abstraction
// strategies map these keys to abstract ones.
func (s ScopeID) Key() string {
	return strconv.FormatUint(uint64(s.Function), 10) + ":" + strconv.Itoa(s.Call)
}

func (s ScopeID) String() string {
	return "scope(" + s.Key() + ")"
}

// VariableKind tells named (lexical) variables apart from compiler-introduced
// temporaries.
type VariableKind int

const (
	Unnamed VariableKind = iota
	Named
)

func (k VariableKind) String() string {
	if k == Named {
		return "named"
	}
	return "unnamed"
}

// Variable is the identity of a storage slot. Named variables are keyed by
// name, declaration site and enclosing scope; unnamed variables by the
// defining instruction and the dynamic scope they belong to. Variables are
// comparable and used directly as map keys.
type Variable struct {
	Kind  VariableKind
	Name  string
	Site  InstructionID
	Scope ScopeID
}

// NamedVar builds a named variable.
func NamedVar(name string, site InstructionID, scope ScopeID) Variable {
	return Variable{Kind: Named, Name: name, Site: site, Scope: scope}
}

// TempVar builds an unnamed variable.
func TempVar(site InstructionID, scope ScopeID) Variable {
	return Variable{Kind: Unnamed, Site: site, Scope: scope}
}

func (v Variable) IsNamed() bool {
	return v.Kind == Named
}

func (v Variable) String() string {
	if v.Kind == Named {
		return fmt.Sprintf("%s@%d[%s]", v.Name, v.Site, v.Scope.Key())
	}
	return fmt.Sprintf("$t%d[%s]", v.Site, v.Scope.Key())
}

// Statement is one entry of a trace. The set of implementations is closed:
// *Write, *FieldWrite, *Delete and *Info.
type Statement interface {
	Kind() StatementKind
	Instruction() InstructionID
	statement()
}

// Expression is the right-hand side of a Write. The set of implementations is
// closed: *Read, *FieldRead, *New and *PrimitiveExpression.
type Expression interface {
	Kind() ExpressionKind
	expression()
}

// Write evaluates Expr and stores the result in Target. ForceMerge requests a
// weak update of Target during abstract replay regardless of precision.
type Write struct {
	ID         InstructionID
	Target     Variable
	Expr       Expression
	ForceMerge bool
}

// FieldWrite stores Value into property Property of the object held by Base.
// Initializer writes come from object literals and go straight into the
// object's root shape.
type FieldWrite struct {
	ID          InstructionID
	Base        Variable
	Property    string
	Value       Variable
	Initializer bool
}

// Delete removes property Property from the object held by Base.
type Delete struct {
	ID       InstructionID
	Base     Variable
	Property string
}

// Invocation describes a call site as recorded by a FunctionInvocation marker.
type Invocation struct {
	Callee      Variable
	Receiver    Variable
	Args        []Variable
	Constructor bool
	External    bool
}

// Info is a side-channel marker. Scope is set for InfoFunctionEnter, Call for
// InfoFunctionInvocation and Result for InfoFunctionReturn; the next-* markers
// carry no payload.
type Info struct {
	ID     InstructionID
	Info   InfoKind
	Scope  ScopeID
	Call   *Invocation
	Result Variable
}

func (s *Write) Kind() StatementKind      { return StmtWrite }
func (s *FieldWrite) Kind() StatementKind { return StmtFieldWrite }
func (s *Delete) Kind() StatementKind     { return StmtDelete }
func (s *Info) Kind() StatementKind       { return StmtInfo }

func (s *Write) Instruction() InstructionID      { return s.ID }
func (s *FieldWrite) Instruction() InstructionID { return s.ID }
func (s *Delete) Instruction() InstructionID     { return s.ID }
func (s *Info) Instruction() InstructionID       { return s.ID }

func (*Write) statement()      {}
func (*FieldWrite) statement() {}
func (*Delete) statement()     {}
func (*Info) statement()       {}

// Read loads a variable. Reading a variable that was never written is a
// malformed trace unless MayBeUndefined is set.
type Read struct {
	Var            Variable
	MayBeUndefined bool
}

// FieldRead loads property Property from the object held by Base.
type FieldRead struct {
	Base     Variable
	Property string
}

// New allocates an object. A nil Prototype allocates an object without a
// prototype.
type New struct {
	Prototype *Variable
}

// PrimitiveExpression produces the primitive value of the given kind.
type PrimitiveExpression struct {
	Primitive PrimitiveKind
}

func (*Read) Kind() ExpressionKind                { return ExprRead }
func (*FieldRead) Kind() ExpressionKind           { return ExprFieldRead }
func (*New) Kind() ExpressionKind                 { return ExprNew }
func (*PrimitiveExpression) Kind() ExpressionKind { return ExprPrimitive }

func (*Read) expression()                {}
func (*FieldRead) expression()           {}
func (*New) expression()                 {}
func (*PrimitiveExpression) expression() {}

// Trace is a recorded execution: the ordered statements plus the table that
// explains instruction ids.
type Trace struct {
	Statements []Statement
	Locations  map[InstructionID]SourceLocation
}

// Explain resolves an instruction id to its source location. Unknown ids
// resolve to the zero location.
func (t *Trace) Explain(id InstructionID) SourceLocation {
	if t == nil || t.Locations == nil {
		return SourceLocation{}
	}
	return t.Locations[id]
}

// ReadVariables returns the variables a statement reads, in evaluation order.
func ReadVariables(stmt Statement) []Variable {
	switch s := stmt.(type) {
	case *Write:
		switch e := s.Expr.(type) {
		case *Read:
			return []Variable{e.Var}
		case *FieldRead:
			return []Variable{e.Base}
		case *New:
			if e.Prototype != nil {
				return []Variable{*e.Prototype}
			}
		}
		return nil
	case *FieldWrite:
		return []Variable{s.Base, s.Value}
	case *Delete:
		return []Variable{s.Base}
	case *Info:
		switch s.Info {
		case InfoFunctionInvocation:
			if s.Call == nil {
				return nil
			}
			vars := make([]Variable, 0, len(s.Call.Args)+2)
			vars = append(vars, s.Call.Callee, s.Call.Receiver)
			return append(vars, s.Call.Args...)
		case InfoFunctionReturn:
			return []Variable{s.Result}
		}
	}
	return nil
}
