package replay

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/speakeasy-api/tracetype"
	"github.com/speakeasy-api/tracetype/heap"
)

var top = tracetype.ScopeID{Function: 1, Call: 0}

// builder assembles traces with sequential instruction ids.
type builder struct {
	next  tracetype.InstructionID
	stmts []tracetype.Statement
}

func (b *builder) id() tracetype.InstructionID {
	b.next++
	return b.next + 100
}

func (b *builder) write(target tracetype.Variable, e tracetype.Expression) *builder {
	b.stmts = append(b.stmts, &tracetype.Write{ID: b.id(), Target: target, Expr: e})
	return b
}

func (b *builder) prim(target tracetype.Variable, k tracetype.PrimitiveKind) *builder {
	return b.write(target, &tracetype.PrimitiveExpression{Primitive: k})
}

func (b *builder) alloc(target tracetype.Variable) *builder {
	return b.write(target, &tracetype.New{})
}

func (b *builder) set(base tracetype.Variable, prop string, v tracetype.Variable) *builder {
	b.stmts = append(b.stmts, &tracetype.FieldWrite{ID: b.id(), Base: base, Property: prop, Value: v})
	return b
}

func (b *builder) init(base tracetype.Variable, prop string, v tracetype.Variable) *builder {
	b.stmts = append(b.stmts, &tracetype.FieldWrite{ID: b.id(), Base: base, Property: prop, Value: v, Initializer: true})
	return b
}

func (b *builder) get(target, base tracetype.Variable, prop string) *builder {
	return b.write(target, &tracetype.FieldRead{Base: base, Property: prop})
}

func (b *builder) info(kind tracetype.InfoKind) *builder {
	b.stmts = append(b.stmts, &tracetype.Info{ID: b.id(), Info: kind})
	return b
}

func (b *builder) enter(scope tracetype.ScopeID) *builder {
	b.stmts = append(b.stmts, &tracetype.Info{ID: b.id(), Info: tracetype.InfoFunctionEnter, Scope: scope})
	return b
}

func (b *builder) call(c tracetype.Invocation) *builder {
	b.stmts = append(b.stmts, &tracetype.Info{ID: b.id(), Info: tracetype.InfoFunctionInvocation, Call: &c})
	return b
}

func (b *builder) ret(result tracetype.Variable) *builder {
	b.stmts = append(b.stmts, &tracetype.Info{ID: b.id(), Info: tracetype.InfoFunctionReturn, Result: result})
	return b
}

func (b *builder) trace() *tracetype.Trace {
	return &tracetype.Trace{Statements: b.stmts}
}

// sameValue compares heap values by identity. Primitives are singletons.
var sameValue = cmp.Comparer(func(a, b heap.Value) bool { return a == b })

func quiet() Options {
	opts := DefaultOptions()
	opts.Logger = tracetype.NewNoopLogger()
	return opts
}

func TestFieldWriteAndRead(t *testing.T) {
	obj := tracetype.NamedVar("o", 1, top)
	num := tracetype.TempVar(2, top)
	out := tracetype.NamedVar("y", 3, top)

	b := &builder{}
	b.enter(top).alloc(obj).prim(num, tracetype.PrimNumber).set(obj, "p", num).get(out, obj, "p")

	res, err := Run(context.Background(), b.trace(), quiet())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if diff := cmp.Diff([]heap.Value{heap.Number}, res.History(out), sameValue); diff != "" {
		t.Errorf("history of y mismatch (-want +got):\n%s", diff)
	}

	inst := res.History(obj)[0].(*heap.Instance)
	if v, ok := res.Store.Lookup(inst.Head(), "p"); !ok || v != heap.Number {
		t.Errorf("o.p = %v %v", v, ok)
	}
	if inst.Allocation.Scope != top {
		t.Errorf("allocation scope = %v, want %v", inst.Allocation.Scope, top)
	}

	kinds := make([]AccessKind, 0, len(res.Accesses))
	for _, a := range res.Accesses {
		kinds = append(kinds, a.Kind)
	}
	if diff := cmp.Diff([]AccessKind{AccessWrite, AccessRead}, kinds); diff != "" {
		t.Errorf("access log mismatch (-want +got):\n%s", diff)
	}
}

func TestDeclarationOrder(t *testing.T) {
	a := tracetype.NamedVar("a", 1, top)
	c := tracetype.NamedVar("c", 2, top)
	tmp := tracetype.TempVar(3, top)

	b := &builder{}
	b.prim(c, tracetype.PrimString).prim(a, tracetype.PrimNumber).prim(tmp, tracetype.PrimNull).prim(c, tracetype.PrimBoolean)

	res, err := Run(context.Background(), b.trace(), quiet())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]tracetype.Variable{c, a, tmp}, res.Declarations()); diff != "" {
		t.Errorf("declarations mismatch (-want +got):\n%s", diff)
	}
	if res.Len() != 3 {
		t.Errorf("Len = %d, want 3", res.Len())
	}
	if diff := cmp.Diff([]heap.Value{heap.String, heap.Boolean}, res.History(c), sameValue); diff != "" {
		t.Errorf("history of c mismatch (-want +got):\n%s", diff)
	}
}

func TestConstructorThisUsesEnclosingScope(t *testing.T) {
	callee := tracetype.NamedVar("Point", 1, top)
	recv := tracetype.TempVar(2, top)
	inner := tracetype.ScopeID{Function: 50, Call: 0}
	self := tracetype.NamedVar("this", 3, inner)
	args := tracetype.TempVar(4, inner)
	made := tracetype.TempVar(5, top)

	b := &builder{}
	b.enter(top).
		info(tracetype.InfoNextNewIsFunction).alloc(callee).
		call(tracetype.Invocation{Callee: callee, Receiver: recv, Constructor: true}).
		enter(inner).
		alloc(self).
		info(tracetype.InfoNextNewIsArguments).alloc(args).
		ret(self).
		write(made, &tracetype.Read{Var: self})

	res, err := Run(context.Background(), b.trace(), quiet())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	fn := res.History(callee)[0].(*heap.Instance)
	argObj := res.History(args)[0].(*heap.Instance)
	this := res.History(self)[0].(*heap.Instance)

	if argObj.Allocation.Scope != inner {
		t.Errorf("arguments object allocated in %v, want %v", argObj.Allocation.Scope, inner)
	}
	if this.Allocation.Scope != top {
		t.Errorf("constructor this allocated in %v, want the caller scope %v", this.Allocation.Scope, top)
	}

	class, err := res.Store.ClassificationOf(fn.Head())
	if err != nil || class != heap.ClassFunction {
		t.Errorf("callee classification = %v, %v", class, err)
	}

	usages := fn.Usages()
	if len(usages) != 1 {
		t.Fatalf("expected one usage, got %d", len(usages))
	}
	u := usages[0]
	if !u.Constructor || u.Result != this || u.Receiver != heap.Undefined {
		t.Errorf("unexpected usage %+v", u)
	}
	if u.ReturnPosition <= u.CallPosition {
		t.Errorf("return position %d must follow call position %d", u.ReturnPosition, u.CallPosition)
	}
}

func TestConstructorThisFlagLifetime(t *testing.T) {
	callee := tracetype.NamedVar("List", 1, top)
	caller := tracetype.ScopeID{Function: 1, Call: 1}
	inner := tracetype.ScopeID{Function: 50, Call: 0}
	self := tracetype.NamedVar("this", 2, inner)
	later := tracetype.TempVar(3, caller)
	after := tracetype.TempVar(4, caller)

	b := &builder{}
	b.enter(top).enter(caller).
		info(tracetype.InfoNextNewIsFunction).alloc(callee).
		// the constructor's this carries a class marker
		call(tracetype.Invocation{Callee: callee, Receiver: callee, Constructor: true}).
		enter(inner).
		info(tracetype.InfoNextNewIsArray).alloc(self).
		ret(self).
		alloc(later).
		// a constructor that returns without allocating
		call(tracetype.Invocation{Callee: callee, Receiver: callee, Constructor: true}).
		ret(callee).
		alloc(after)

	res, err := Run(context.Background(), b.trace(), quiet())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	this := res.History(self)[0].(*heap.Instance)
	if this.Allocation.Scope != caller {
		t.Errorf("constructor this allocated in %v, want the caller scope %v", this.Allocation.Scope, caller)
	}
	if class, _ := res.Store.ClassificationOf(this.Head()); class != heap.ClassArray {
		t.Errorf("constructor this classification = %v, want array", class)
	}
	for _, v := range []tracetype.Variable{later, after} {
		if got := res.History(v)[0].(*heap.Instance).Allocation.Scope; got != caller {
			t.Errorf("%s allocated in %v, want the current scope %v", v, got, caller)
		}
	}
}

func TestExplicitConstructorThisMarker(t *testing.T) {
	inner := tracetype.ScopeID{Function: 7, Call: 2}
	self := tracetype.TempVar(1, inner)

	b := &builder{}
	b.enter(top).enter(inner).info(tracetype.InfoNextNewIsInternalConstructorThis).alloc(self)

	res, err := Run(context.Background(), b.trace(), quiet())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := res.History(self)[0].(*heap.Instance).Allocation.Scope; got != top {
		t.Errorf("allocation scope = %v, want %v", got, top)
	}
}

func TestNextInfoIsSingleUse(t *testing.T) {
	a := tracetype.TempVar(1, top)
	c := tracetype.TempVar(2, top)

	b := &builder{}
	b.info(tracetype.InfoNextNewIsArray).alloc(a).alloc(c)

	res, err := Run(context.Background(), b.trace(), quiet())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for v, want := range map[tracetype.Variable]heap.Classification{a: heap.ClassArray, c: heap.ClassObject} {
		inst := res.History(v)[0].(*heap.Instance)
		if got, _ := res.Store.ClassificationOf(inst.Head()); got != want {
			t.Errorf("%s classification = %v, want %v", v, got, want)
		}
	}
}

func TestDynamicFieldAccess(t *testing.T) {
	obj := tracetype.TempVar(1, top)
	num := tracetype.TempVar(2, top)

	b := &builder{}
	b.alloc(obj).prim(num, tracetype.PrimNumber).
		info(tracetype.InfoNextFieldAccessIsDynamic).set(obj, "k", num).
		set(obj, "j", num)

	res, err := Run(context.Background(), b.trace(), quiet())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Accesses[0].Dynamic || res.Accesses[1].Dynamic {
		t.Errorf("dynamic flags = %v, %v", res.Accesses[0].Dynamic, res.Accesses[1].Dynamic)
	}
	inst := res.History(obj)[0].(*heap.Instance)
	if !res.Store.IsDynamic(inst.Head(), "k") {
		t.Errorf("expected k to be recorded as dynamic")
	}
}

func TestDeleteHidesPrototypeProperty(t *testing.T) {
	proto := tracetype.TempVar(1, top)
	child := tracetype.TempVar(2, top)
	num := tracetype.TempVar(3, top)
	out := tracetype.TempVar(4, top)

	b := &builder{}
	b.alloc(proto).prim(num, tracetype.PrimNumber).set(proto, "x", num).
		write(child, &tracetype.New{Prototype: &proto}).
		get(out, child, "x")
	b.stmts = append(b.stmts, &tracetype.Delete{ID: b.id(), Base: proto, Property: "x"})
	b.get(out, child, "x")

	_, err := Run(context.Background(), b.trace(), quiet())
	if !errors.Is(err, tracetype.ErrUnresolvedField) {
		t.Fatalf("expected ErrUnresolvedField after delete, got %v", err)
	}
	var te *tracetype.TraceError
	if !errors.As(err, &te) || te.Position != len(b.stmts)-1 {
		t.Errorf("expected error at the last position, got %v", err)
	}
}

func TestFieldReadFallback(t *testing.T) {
	obj := tracetype.TempVar(1, top)
	out := tracetype.TempVar(2, top)

	b := &builder{}
	b.alloc(obj).get(out, obj, "length")

	opts := quiet()
	opts.FieldReadFallback = func(_ *heap.Instance, property string) (heap.Value, bool) {
		return heap.Number, property == "length"
	}
	res, err := Run(context.Background(), b.trace(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]heap.Value{heap.Number}, res.History(out), sameValue); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	if res.Accesses[0].Found {
		t.Errorf("fallback reads must be logged as not found")
	}
}

func TestMalformedTraces(t *testing.T) {
	x := tracetype.TempVar(1, top)
	y := tracetype.TempVar(2, top)

	tests := []struct {
		name  string
		build func(b *builder)
		want  error
	}{
		{
			name:  "undeclared read",
			build: func(b *builder) { b.write(y, &tracetype.Read{Var: x}) },
			want:  tracetype.ErrUndeclaredVariable,
		},
		{
			name: "field read on primitive",
			build: func(b *builder) {
				b.prim(x, tracetype.PrimString).get(y, x, "length")
			},
			want: tracetype.ErrUncoercedPrimitiveAccess,
		},
		{
			name: "field write on primitive",
			build: func(b *builder) {
				b.prim(x, tracetype.PrimNumber).set(x, "p", x)
			},
			want: tracetype.ErrUncoercedPrimitiveAccess,
		},
		{
			name:  "unresolved field",
			build: func(b *builder) { b.alloc(x).get(y, x, "missing") },
			want:  tracetype.ErrUnresolvedField,
		},
		{
			name: "initializer after mutation",
			build: func(b *builder) {
				b.alloc(x).prim(y, tracetype.PrimNull).set(x, "a", y).init(x, "b", y)
			},
			want: tracetype.ErrInitializerAfterMutation,
		},
		{
			name:  "return without invocation",
			build: func(b *builder) { b.ret(x) },
			want:  tracetype.ErrUnbalancedCalls,
		},
		{
			name: "unknown info kind",
			build: func(b *builder) {
				b.info(tracetype.InfoKind(99))
			},
			want: tracetype.ErrMalformedTrace,
		},
		{
			name:  "unknown primitive",
			build: func(b *builder) { b.prim(x, tracetype.PrimitiveKind(42)) },
			want:  tracetype.ErrMalformedTrace,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &builder{}
			tt.build(b)
			_, err := Run(context.Background(), b.trace(), quiet())
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, tracetype.ErrMalformedTrace) {
				t.Errorf("expected a malformed trace error, got %v", err)
			}
		})
	}
}

func TestMayBeUndefinedRead(t *testing.T) {
	x := tracetype.NamedVar("x", 1, top)
	y := tracetype.TempVar(2, top)

	b := &builder{}
	b.write(y, &tracetype.Read{Var: x, MayBeUndefined: true})

	res, err := Run(context.Background(), b.trace(), quiet())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]heap.Value{heap.Undefined}, res.History(y), sameValue); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestExternalCallDoesNotEnter(t *testing.T) {
	fn := tracetype.TempVar(1, top)
	cb := tracetype.ScopeID{Function: 9, Call: 0}
	inner := tracetype.TempVar(2, cb)

	b := &builder{}
	b.enter(top).info(tracetype.InfoNextNewIsFunction).alloc(fn).
		call(tracetype.Invocation{Callee: fn, Receiver: fn, External: true}).
		// a callback invoked by native code carries its own invocation
		call(tracetype.Invocation{Callee: fn, Receiver: fn}).
		enter(cb).
		alloc(inner).
		ret(inner).
		ret(fn)

	res, err := Run(context.Background(), b.trace(), quiet())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	f := res.History(fn)[0].(*heap.Instance)
	if len(f.Usages()) != 2 {
		t.Fatalf("expected two usages, got %d", len(f.Usages()))
	}
	if f.Usages()[0].Result != res.History(inner)[0] {
		t.Errorf("innermost call must complete first")
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, (&builder{}).trace(), quiet()); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
