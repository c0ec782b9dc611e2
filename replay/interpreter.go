// Package replay executes a trace concretely. It rebuilds the heap, the value
// history of every variable, the property access log and the invocation
// history of every function object. Any inconsistency aborts the replay: the
// interpreter doubles as a well-formedness check of the trace.
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/speakeasy-api/openapi/sequencedmap"
	"github.com/speakeasy-api/tracetype"
	"github.com/speakeasy-api/tracetype/heap"
)

// nextInfo holds the single-use flags set by next-* markers.
type nextInfo struct {
	dynamicField    bool
	array           bool
	arguments       bool
	function        bool
	prototype       bool
	mapLike         bool
	constructorThis bool
}

// takeAllocation consumes the allocation flags.
func (n *nextInfo) takeAllocation() nextInfo {
	taken := *n
	*n = nextInfo{dynamicField: n.dynamicField}
	return taken
}

// takeDynamic consumes the dynamic field access flag.
func (n *nextInfo) takeDynamic() bool {
	d := n.dynamicField
	n.dynamicField = false
	return d
}

func (n nextInfo) classification() heap.Classification {
	switch {
	case n.array:
		return heap.ClassArray
	case n.arguments:
		return heap.ClassArguments
	case n.function:
		return heap.ClassFunction
	case n.mapLike:
		return heap.ClassMap
	default:
		return heap.ClassObject
	}
}

// interpreter is the state of one concrete replay.
type interpreter struct {
	trace  *tracetype.Trace
	opts   Options
	logger tracetype.Logger
	execID string

	store     *heap.Store
	vars      map[tracetype.Variable]heap.Value
	histories *sequencedmap.Map[tracetype.Variable, *valueHistory]
	accesses  []Access

	pos    int
	id     tracetype.InstructionID
	calls  *invocationStack
	scopes *scopeStack
	next   nextInfo
}

// Run replays trace concretely. The context is only consulted before the
// replay starts.
func Run(ctx context.Context, trace *tracetype.Trace, opts ...Options) (*Result, error) {
	opt := DefaultOptions()
	if len(opts) > 0 {
		opt = opts[0]
	}
	if trace == nil {
		return nil, fmt.Errorf("trace cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in := newInterpreter(trace, opt)
	return in.run()
}

func newInterpreter(trace *tracetype.Trace, opts Options) *interpreter {
	logger := opts.Logger
	if logger == nil {
		logger = tracetype.LoggerForLevel(opts.LogLevel)
	}
	return &interpreter{
		trace:     trace,
		opts:      opts,
		logger:    logger,
		execID:    fmt.Sprintf("r%d", time.Now().UnixNano()%1000000),
		store:     heap.NewStore(),
		vars:      make(map[tracetype.Variable]heap.Value),
		histories: sequencedmap.New[tracetype.Variable, *valueHistory](),
		calls:     newInvocationStack(),
		scopes:    newScopeStack(),
	}
}

func (in *interpreter) run() (*Result, error) {
	in.logger.With(map[string]any{
		"exec":       in.execID,
		"statements": len(in.trace.Statements),
	}).Infof("Starting concrete replay")

	for i, stmt := range in.trace.Statements {
		in.pos = i
		in.id = stmt.Instruction()

		in.logger.With(map[string]any{
			"exec":   in.execID,
			"pos":    i,
			"kind":   stmt.Kind(),
			"scopes": in.scopes.len(),
			"calls":  in.calls.len(),
		}).Debugf("Replaying %s", stmt.Kind())

		if err := in.exec(stmt); err != nil {
			in.logger.With(map[string]any{
				"exec": in.execID,
				"pos":  i,
			}).Errorf("Concrete replay failed: %v", err)
			return nil, err
		}
	}

	if in.calls.len() > 0 {
		in.logger.With(map[string]any{
			"exec":  in.execID,
			"calls": in.calls.len(),
		}).Warnf("Trace ended with calls still in flight")
	}

	in.logger.With(map[string]any{
		"exec":      in.execID,
		"instances": len(in.store.Instances()),
		"shapes":    in.store.Len(),
		"variables": in.histories.Len(),
		"accesses":  len(in.accesses),
	}).Infof("Concrete replay completed")

	return &Result{
		Trace:      in.trace,
		Store:      in.store,
		Accesses:   in.accesses,
		Statements: in.trace.Statements,
		histories:  in.histories,
	}, nil
}

func (in *interpreter) exec(stmt tracetype.Statement) error {
	switch s := stmt.(type) {
	case *tracetype.Write:
		v, err := in.eval(s.Expr, s.ID)
		if err != nil {
			return err
		}
		in.assign(s.Target, v)
		return nil

	case *tracetype.FieldWrite:
		return in.execFieldWrite(s)

	case *tracetype.Delete:
		inst, err := in.readObject(s.Base, s.Property)
		if err != nil {
			return err
		}
		dynamic := in.next.takeDynamic()
		in.store.Delete(inst, s.Property, in.pos)
		in.log(AccessDelete, inst, s.Property, dynamic, true)
		return nil

	case *tracetype.Info:
		return in.execInfo(s)

	default:
		return in.fail(tracetype.ErrMalformedTrace, "unknown statement %T", stmt)
	}
}

func (in *interpreter) eval(expr tracetype.Expression, site tracetype.InstructionID) (heap.Value, error) {
	switch e := expr.(type) {
	case *tracetype.Read:
		return in.read(e.Var, e.MayBeUndefined)

	case *tracetype.PrimitiveExpression:
		p, err := heap.PrimitiveOf(e.Primitive)
		if err != nil {
			return nil, in.wrap(err)
		}
		return p, nil

	case *tracetype.New:
		return in.evalNew(e, site)

	case *tracetype.FieldRead:
		return in.evalFieldRead(e)

	default:
		return nil, in.fail(tracetype.ErrMalformedTrace, "unknown expression %T", expr)
	}
}

func (in *interpreter) evalNew(e *tracetype.New, site tracetype.InstructionID) (heap.Value, error) {
	flags := in.next.takeAllocation()
	class := flags.classification()

	var proto heap.Value = heap.Null
	if e.Prototype != nil {
		p, err := in.read(*e.Prototype, false)
		if err != nil {
			return nil, err
		}
		proto = p
	}

	scope := in.scopes.current()
	if flags.constructorThis {
		scope = in.scopes.enclosing()
	}

	inst := in.store.NewInstance(proto, class, heap.AllocationContext{
		Scope:    scope,
		Site:     site,
		Position: in.pos,
	})
	inst.PrototypeObject = flags.prototype
	return inst, nil
}

func (in *interpreter) evalFieldRead(e *tracetype.FieldRead) (heap.Value, error) {
	inst, err := in.readObject(e.Base, e.Property)
	if err != nil {
		return nil, err
	}
	dynamic := in.next.takeDynamic()

	v, _, found, err := in.store.LookupChain(inst, e.Property)
	if err != nil {
		return nil, in.wrap(err)
	}
	if found {
		in.log(AccessRead, inst, e.Property, dynamic, true)
		return v, nil
	}

	if in.opts.FieldReadFallback != nil {
		if v, ok := in.opts.FieldReadFallback(inst, e.Property); ok {
			in.log(AccessRead, inst, e.Property, dynamic, false)
			return v, nil
		}
	}
	return nil, in.fail(tracetype.ErrUnresolvedField, "property %q of %s", e.Property, inst)
}

func (in *interpreter) execFieldWrite(s *tracetype.FieldWrite) error {
	inst, err := in.readObject(s.Base, s.Property)
	if err != nil {
		return err
	}
	v, err := in.read(s.Value, false)
	if err != nil {
		return err
	}
	dynamic := in.next.takeDynamic()

	if s.Initializer {
		if err := in.store.Initialize(inst, s.Property, v); err != nil {
			return in.wrap(err)
		}
	} else {
		in.store.Extend(inst, s.Property, v, dynamic, in.pos)
	}
	in.log(AccessWrite, inst, s.Property, dynamic, true)
	return nil
}

func (in *interpreter) execInfo(s *tracetype.Info) error {
	switch s.Info {
	case tracetype.InfoFunctionEnter:
		frame := scopeFrame{scope: s.Scope}
		if inv := in.calls.top(); inv != nil && !inv.external && !inv.entered {
			inv.entered = true
			frame.call = inv
		}
		in.scopes.push(frame)
		return nil

	case tracetype.InfoFunctionInvocation:
		return in.execInvocation(s)

	case tracetype.InfoFunctionReturn:
		return in.execReturn(s)

	case tracetype.InfoNextFieldAccessIsDynamic:
		in.next.dynamicField = true
	case tracetype.InfoNextNewIsArray:
		in.next.array = true
	case tracetype.InfoNextNewIsArguments:
		in.next.arguments = true
	case tracetype.InfoNextNewIsFunction:
		in.next.function = true
	case tracetype.InfoNextNewIsPrototypeObject:
		in.next.prototype = true
	case tracetype.InfoNextNewIsMap:
		in.next.mapLike = true
	case tracetype.InfoNextNewIsInternalConstructorThis:
		in.next.constructorThis = true

	default:
		return in.fail(tracetype.ErrMalformedTrace, "unknown info kind %s", s.Info)
	}
	return nil
}

func (in *interpreter) execInvocation(s *tracetype.Info) error {
	if s.Call == nil {
		return in.fail(tracetype.ErrMalformedTrace, "invocation marker without call")
	}
	callee, err := in.read(s.Call.Callee, false)
	if err != nil {
		return err
	}
	receiver, err := in.read(s.Call.Receiver, true)
	if err != nil {
		return err
	}
	args := make([]heap.Value, len(s.Call.Args))
	for i, a := range s.Call.Args {
		if args[i], err = in.read(a, false); err != nil {
			return err
		}
	}

	in.calls.push(&invocation{
		site:        s.ID,
		callee:      callee,
		receiver:    receiver,
		args:        args,
		position:    in.pos,
		constructor: s.Call.Constructor,
		external:    s.Call.External,
	})
	if s.Call.Constructor && !s.Call.External {
		in.next.constructorThis = true
	}
	return nil
}

func (in *interpreter) execReturn(s *tracetype.Info) error {
	inv, ok := in.calls.pop()
	if !ok {
		return in.fail(tracetype.ErrUnbalancedCalls, "return without invocation")
	}
	if inv.entered {
		frame, ok := in.scopes.pop()
		if !ok || frame.call != inv {
			return in.fail(tracetype.ErrUnbalancedCalls, "return does not match the innermost scope")
		}
	}
	// A constructor that never allocated its own this leaves nothing for the caller.
	if inv.constructor && !inv.external {
		in.next.constructorThis = false
	}

	result, err := in.read(s.Result, true)
	if err != nil {
		return err
	}
	fn, ok := inv.callee.(*heap.Instance)
	if !ok {
		return in.fail(tracetype.ErrMalformedTrace, "callee %s is not a function object", inv.callee)
	}
	fn.AddUsage(heap.Usage{
		Site:           inv.site,
		Receiver:       inv.receiver,
		Args:           inv.args,
		Result:         result,
		CallPosition:   inv.position,
		ReturnPosition: in.pos,
		Constructor:    inv.constructor,
	})
	return nil
}

func (in *interpreter) read(v tracetype.Variable, mayBeUndefined bool) (heap.Value, error) {
	if val, ok := in.vars[v]; ok {
		return val, nil
	}
	if mayBeUndefined {
		return heap.Undefined, nil
	}
	return nil, in.fail(tracetype.ErrUndeclaredVariable, "%s", v)
}

// readObject reads base and requires it to hold an instance.
func (in *interpreter) readObject(base tracetype.Variable, property string) (*heap.Instance, error) {
	v, err := in.read(base, false)
	if err != nil {
		return nil, err
	}
	inst, ok := v.(*heap.Instance)
	if !ok {
		return nil, in.fail(tracetype.ErrUncoercedPrimitiveAccess, "property %q of %s held by %s", property, v, base)
	}
	return inst, nil
}

func (in *interpreter) assign(v tracetype.Variable, val heap.Value) {
	in.vars[v] = val
	h, ok := in.histories.Get(v)
	if !ok {
		h = &valueHistory{}
		in.histories.Set(v, h)
	}
	h.values = append(h.values, val)
}

func (in *interpreter) log(kind AccessKind, inst *heap.Instance, property string, dynamic, found bool) {
	in.accesses = append(in.accesses, Access{
		Position:    in.pos,
		Instruction: in.id,
		Kind:        kind,
		Instance:    inst,
		Property:    property,
		Dynamic:     dynamic,
		Found:       found,
	})
}

func (in *interpreter) fail(err error, format string, args ...any) error {
	return tracetype.NewTraceError(in.trace, err, in.pos, in.id, format, args...)
}

// wrap attaches the current position to an error from the heap.
func (in *interpreter) wrap(err error) error {
	return &tracetype.TraceError{
		Err:         err,
		Position:    in.pos,
		Instruction: in.id,
		Location:    in.trace.Explain(in.id),
	}
}
