package propagate

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-set/v3"
	"github.com/speakeasy-api/tracetype"
	"github.com/speakeasy-api/tracetype/callctx"
	"github.com/speakeasy-api/tracetype/heap"
	"github.com/speakeasy-api/tracetype/replay"
)

// erasedContext replaces the scope of context-insensitive temporaries.
const erasedContext callctx.ContextKey = "*"

// abstractKey is a variable with its scope replaced by an abstract context.
type abstractKey struct {
	kind    tracetype.VariableKind
	name    string
	site    tracetype.InstructionID
	context callctx.ContextKey
}

func (k abstractKey) String() string {
	if k.kind == tracetype.Named {
		return fmt.Sprintf("%s@%d[%s]", k.name, k.site, k.context)
	}
	return fmt.Sprintf("$t%d[%s]", k.site, k.context)
}

// engine is the state of one propagation run.
type engine struct {
	ctx    context.Context
	opts   Options
	logger tracetype.Logger
	execID string

	trace     *tracetype.Trace
	concrete  *replay.Result
	lattice   tracetype.Lattice
	model     tracetype.ObjectModel
	ascribeFn func(heap.Value) (tracetype.TupleType, error)
	ascribed  map[heap.Value]tracetype.TupleType

	precision  PrecisionConfig
	abstractor callctx.Abstractor
	identity   bool

	inferred *Env
	store    map[abstractKey]tracetype.TupleType

	// scopes records the concrete scopes folded into each abstract key.
	scopes map[abstractKey]*set.Set[tracetype.ScopeID]

	// oscillations counts changing weak updates per key over the whole run.
	oscillations map[abstractKey]int
	widened      map[abstractKey]bool

	recovery *RecoveryReport
	read     *set.Set[tracetype.Variable]
	written  *set.Set[tracetype.Variable]

	dirty    bool
	pos      int
	id       tracetype.InstructionID
	warnings []string
}

func newEngine(ctx context.Context, concrete *replay.Result, values ValueTypeConfig, precision PrecisionConfig, opts Options) (*engine, error) {
	ascribe, err := values.ascriber()
	if err != nil {
		return nil, err
	}
	if err := precision.Validate(); err != nil {
		return nil, fmt.Errorf("invalid precision config: %w", err)
	}
	abstractor, err := precision.abstractor(values.Lattice)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = tracetype.LoggerForLevel(opts.LogLevel)
	}
	model, _ := values.Lattice.(tracetype.ObjectModel)

	return &engine{
		ctx:          ctx,
		opts:         opts,
		logger:       logger,
		execID:       fmt.Sprintf("p%d", time.Now().UnixNano()%1000000),
		trace:        concrete.Trace,
		concrete:     concrete,
		lattice:      values.Lattice,
		model:        model,
		ascribeFn:    ascribe,
		ascribed:     make(map[heap.Value]tracetype.TupleType),
		precision:    precision,
		abstractor:   abstractor,
		identity:     callctx.IsIdentity(abstractor),
		store:        make(map[abstractKey]tracetype.TupleType),
		scopes:       make(map[abstractKey]*set.Set[tracetype.ScopeID]),
		oscillations: make(map[abstractKey]int),
		widened:      make(map[abstractKey]bool),
		recovery:     newRecoveryReport(),
	}, nil
}

// execute seeds the inferred env and runs rounds until one is clean.
func (e *engine) execute() (*Result, error) {
	e.logger.With(map[string]any{
		"exec":       e.execID,
		"statements": len(e.trace.Statements),
		"abstractor": e.abstractor.Name(),
	}).Infof("Starting abstract propagation")

	if err := e.seed(); err != nil {
		return nil, err
	}

	rounds := 0
	for {
		rounds++
		if rounds > e.opts.MaxRounds {
			e.logger.With(map[string]any{
				"exec": e.execID,
				"keys": len(e.store),
			}).Errorf("No fixpoint after %d rounds", e.opts.MaxRounds)
			return nil, fmt.Errorf("%w: no fixpoint after %d rounds", tracetype.ErrNonTermination, e.opts.MaxRounds)
		}

		select {
		case <-e.ctx.Done():
			return nil, e.ctx.Err()
		default:
		}

		if err := e.round(); err != nil {
			return nil, err
		}

		e.logger.With(map[string]any{
			"exec":  e.execID,
			"round": rounds,
			"dirty": e.dirty,
			"keys":  len(e.store),
		}).Debugf("Round completed")

		if !e.dirty {
			break
		}
	}

	result := &Result{
		PropagatedEnv: e.propagatedEnv(),
		InferredEnv:   e.inferred,
		Recovery:      e.recovery,
		Live:          e.read,
		Dead:          e.dead(),
		Rounds:        rounds,
		Warnings:      e.warnings,
		Concrete:      e.concrete,
	}

	e.logger.With(map[string]any{
		"exec":      e.execID,
		"rounds":    rounds,
		"variables": result.PropagatedEnv.Len(),
		"recovered": e.recovery.Root.Size() + e.recovery.Use.Size(),
		"warnings":  len(e.warnings),
	}).Infof("Abstract propagation completed")

	return result, nil
}

// seed computes the inferred type of every written variable as the join of
// the ascriptions of its value history.
func (e *engine) seed() error {
	e.inferred = newEnv(e.concrete.Len())
	for v, values := range e.concrete.Histories() {
		t := e.lattice.Bot()
		for _, val := range values {
			at, err := e.ascribe(val)
			if err != nil {
				return fmt.Errorf("failed to ascribe %s: %w", v, err)
			}
			t = e.lattice.Lub(t, at)
		}
		e.inferred.set(v, t)
	}
	return nil
}

func (e *engine) round() error {
	e.dirty = false
	e.abstractor.Reset()
	e.read = set.New[tracetype.Variable](e.inferred.Len())
	e.written = set.New[tracetype.Variable](e.inferred.Len())

	for i, stmt := range e.trace.Statements {
		e.pos = i
		e.id = stmt.Instruction()
		if err := e.exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (e *engine) exec(stmt tracetype.Statement) error {
	switch s := stmt.(type) {
	case *tracetype.Write:
		return e.execWrite(s)

	case *tracetype.FieldWrite:
		if _, _, err := e.load(s.Base, false); err != nil {
			return err
		}
		_, _, err := e.load(s.Value, false)
		return err

	case *tracetype.Delete:
		_, _, err := e.load(s.Base, false)
		return err

	case *tracetype.Info:
		return e.execInfo(s)

	default:
		return e.fail(tracetype.ErrMalformedTrace, "unknown statement %T", stmt)
	}
}

func (e *engine) execWrite(s *tracetype.Write) error {
	t, fellBack, err := e.eval(s)
	if err != nil {
		return err
	}

	loc := e.trace.Explain(s.ID)
	if fellBack {
		e.recovery.addRoot(s.Target, loc)
	} else {
		for _, v := range tracetype.ReadVariables(s) {
			if e.recovery.Recovered(v) {
				e.recovery.addUse(s.Target, loc)
				break
			}
		}
	}

	e.written.Insert(s.Target)
	e.update(s.Target, t, e.weak(s))
	return nil
}

// eval computes the type of the right-hand side of s. fellBack reports that
// the inferred env had to stand in for it.
func (e *engine) eval(s *tracetype.Write) (tracetype.TupleType, bool, error) {
	switch x := s.Expr.(type) {
	case *tracetype.Read:
		return e.load(x.Var, x.MayBeUndefined)

	case *tracetype.PrimitiveExpression:
		p, err := heap.PrimitiveOf(x.Primitive)
		if err != nil {
			return nil, false, e.fail(err, "")
		}
		t, err := e.ascribe(p)
		if err != nil {
			return nil, false, e.fail(err, "ascribing %s", p)
		}
		return t, false, nil

	case *tracetype.New:
		if x.Prototype != nil {
			if _, _, err := e.load(*x.Prototype, false); err != nil {
				return nil, false, err
			}
		}
		return e.inferredOf(s.Target), false, nil

	case *tracetype.FieldRead:
		return e.evalFieldRead(s.Target, x)

	default:
		return nil, false, e.fail(tracetype.ErrMalformedTrace, "unknown expression %T", s.Expr)
	}
}

func (e *engine) evalFieldRead(target tracetype.Variable, x *tracetype.FieldRead) (tracetype.TupleType, bool, error) {
	base, fellBack, err := e.load(x.Base, false)
	if err != nil {
		return nil, false, err
	}
	if e.model == nil {
		return e.inferredOf(target), true, nil
	}

	if !e.model.IsObject(base) {
		base = e.inferredOf(x.Base)
		fellBack = true
	}

	t, status := e.model.Property(base, x.Property)
	switch status {
	case tracetype.LookupFound:
		return t, fellBack, nil
	case tracetype.LookupAbsent:
		u, err := e.ascribe(heap.Undefined)
		if err != nil {
			return nil, false, e.fail(err, "ascribing undefined")
		}
		return u, fellBack, nil
	case tracetype.LookupUnresolved:
		e.logger.With(map[string]any{
			"exec":     e.execID,
			"pos":      e.pos,
			"property": x.Property,
			"base":     base,
		}).Debugf("Unresolved property, using inferred type of %s", target)
		return e.inferredOf(target), true, nil
	case tracetype.LookupRecursive:
		return nil, false, e.fail(tracetype.ErrRecursiveType, "property %q of %s", x.Property, base)
	default:
		return nil, false, e.fail(tracetype.ErrMalformedTrace, "unknown lookup status %s", status)
	}
}

func (e *engine) execInfo(s *tracetype.Info) error {
	switch s.Info {
	case tracetype.InfoFunctionInvocation:
		if s.Call == nil {
			return e.fail(tracetype.ErrMalformedTrace, "invocation marker without call")
		}
		if _, _, err := e.load(s.Call.Callee, false); err != nil {
			return err
		}
		if _, _, err := e.load(s.Call.Receiver, true); err != nil {
			return err
		}
		args := make([]tracetype.TupleType, len(s.Call.Args))
		for i, a := range s.Call.Args {
			t, _, err := e.load(a, false)
			if err != nil {
				return err
			}
			args[i] = t
		}
		e.abstractor.Call(s.ID, args)

	case tracetype.InfoFunctionEnter:
		e.abstractor.Enter(s.Scope)

	case tracetype.InfoFunctionReturn:
		if _, _, err := e.load(s.Result, true); err != nil {
			return err
		}
		e.abstractor.Return()
	}
	return nil
}

// load reads v from the abstract store. A missing entry falls back to the
// inferred env.
func (e *engine) load(v tracetype.Variable, mayBeUndefined bool) (tracetype.TupleType, bool, error) {
	e.read.Insert(v)
	if t, ok := e.store[e.key(v)]; ok {
		return t, false, nil
	}
	if t, ok := e.inferred.Lookup(v); ok {
		return t, true, nil
	}
	if mayBeUndefined {
		t, err := e.ascribe(heap.Undefined)
		if err != nil {
			return nil, false, e.fail(err, "ascribing undefined")
		}
		return t, false, nil
	}
	return nil, false, e.fail(tracetype.ErrUndeclaredVariable, "%s", v)
}

func (e *engine) inferredOf(v tracetype.Variable) tracetype.TupleType {
	if t, ok := e.inferred.Lookup(v); ok {
		return t
	}
	return e.lattice.Bot()
}

func (e *engine) key(v tracetype.Variable) abstractKey {
	k := abstractKey{kind: v.Kind, name: v.Name, site: v.Site}
	if !v.IsNamed() && e.precision.ContextInsensitiveVariables {
		k.context = erasedContext
	} else {
		k.context = e.abstractor.Abstract(callctx.ContextKey(v.Scope.Key()))
	}
	return k
}

func (e *engine) weak(s *tracetype.Write) bool {
	switch {
	case s.ForceMerge:
		return true
	case s.Target.IsNamed() && e.precision.FlowInsensitiveVariables:
		return true
	case !s.Target.IsNamed() && e.precision.ContextInsensitiveVariables:
		return true
	default:
		return e.shared(s.Target)
	}
}

// shared reports whether v's abstract key already stands for more than one
// concrete scope. Only those keys need weak updates under a context
// abstraction.
func (e *engine) shared(v tracetype.Variable) bool {
	if e.identity {
		return false
	}
	key := e.key(v)
	scopes, ok := e.scopes[key]
	if !ok {
		scopes = set.New[tracetype.ScopeID](1)
		e.scopes[key] = scopes
	}
	scopes.Insert(v.Scope)
	return scopes.Size() > 1
}

// update stores t for v. A weak update joins with the current value and
// marks the round dirty if that changes it.
func (e *engine) update(v tracetype.Variable, t tracetype.TupleType, weak bool) {
	key := e.key(v)
	old, ok := e.store[key]
	if !weak || !ok {
		e.store[key] = t
		return
	}

	joined := e.lattice.Lub(old, t)
	if e.lattice.Equal(joined, old) {
		return
	}

	e.oscillations[key]++
	if e.oscillations[key] > e.opts.OscillationThreshold {
		joined = e.lattice.Lub(joined, e.lattice.ObjectTop())
		if !e.widened[key] {
			e.widened[key] = true
			e.addWarning("%s changed %d times, widening with object top (suspected non-monotonic ascription)",
				key, e.oscillations[key])
		}
		if e.lattice.Equal(joined, old) {
			return
		}
	}

	e.logger.With(map[string]any{
		"exec": e.execID,
		"pos":  e.pos,
		"key":  key,
		"from": old,
		"to":   joined,
	}).Debugf("Weak update changed value")

	e.store[key] = joined
	e.dirty = true
}

func (e *engine) ascribe(v heap.Value) (tracetype.TupleType, error) {
	if t, ok := e.ascribed[v]; ok {
		return t, nil
	}
	t, err := e.ascribeFn(v)
	if err != nil {
		return nil, err
	}
	e.ascribed[v] = t
	return t, nil
}

// propagatedEnv resolves every declared variable through its final key.
func (e *engine) propagatedEnv() *Env {
	env := newEnv(e.inferred.Len())
	for _, v := range e.inferred.Variables() {
		if t, ok := e.store[e.key(v)]; ok {
			env.set(v, t)
		}
	}
	return env
}

func (e *engine) dead() *set.Set[tracetype.Variable] {
	dead := set.New[tracetype.Variable](e.written.Size())
	for v := range e.written.Items() {
		if !e.read.Contains(v) {
			dead.Insert(v)
		}
	}
	return dead
}

// addWarning logs and records a precision warning.
func (e *engine) addWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.logger.Warnf("%s", msg)
	if e.opts.EnableWarnings {
		e.warnings = append(e.warnings, msg)
	}
}

func (e *engine) fail(err error, format string, args ...any) error {
	return tracetype.NewTraceError(e.trace, err, e.pos, e.id, format, args...)
}
