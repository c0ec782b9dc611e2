package heap

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/speakeasy-api/tracetype"
)

func newObject(s *Store, proto Value) *Instance {
	return s.NewInstance(proto, ClassObject, AllocationContext{})
}

func TestExtendAppendsShapes(t *testing.T) {
	s := NewStore()
	obj := newObject(s, Null)

	lengths := []int{len(obj.History())}
	s.Extend(obj, "x", Number, false, 1)
	lengths = append(lengths, len(obj.History()))
	s.Extend(obj, "y", String, false, 2)
	lengths = append(lengths, len(obj.History()))
	s.Delete(obj, "x", 3)
	lengths = append(lengths, len(obj.History()))

	for i := 1; i < len(lengths); i++ {
		if lengths[i] <= lengths[i-1] {
			t.Fatalf("history did not grow: %v", lengths)
		}
	}
	if s.Parent(obj.Root()) != NoShape {
		t.Errorf("root shape must not have a parent")
	}
	for _, e := range obj.History()[1:] {
		if s.Parent(e.Shape) == NoShape {
			t.Errorf("non-root shape %d has no parent", e.Shape)
		}
	}
}

func TestNoOpWriteElision(t *testing.T) {
	s := NewStore()
	obj := newObject(s, Null)

	first := s.Extend(obj, "p", Number, false, 1)
	shapes := s.Len()

	again := s.Extend(obj, "p", Number, false, 2)
	if again != first {
		t.Errorf("expected head %d to be returned unchanged, got %d", first, again)
	}
	if s.Len() != shapes || len(obj.History()) != 2 {
		t.Errorf("no-op write created a shape: arena=%d history=%d", s.Len(), len(obj.History()))
	}

	if s.Extend(obj, "p", String, false, 3) == first {
		t.Errorf("a different value must create a new shape")
	}
}

func TestPrototypeChainLookup(t *testing.T) {
	s := NewStore()
	a := newObject(s, Null)
	s.Extend(a, "x", Number, false, 1)
	b := newObject(s, a)

	v, holder, ok, err := s.LookupChain(b, "x")
	if err != nil || !ok {
		t.Fatalf("expected B.x to resolve, ok=%v err=%v", ok, err)
	}
	if v != Number || holder != a {
		t.Errorf("B.x = %v held by %v, want number held by %v", v, holder, a)
	}

	s.Delete(a, "x", 2)
	if _, _, ok, err := s.LookupChain(b, "x"); ok || err != nil {
		t.Errorf("expected B.x to be not found after delete, ok=%v err=%v", ok, err)
	}
}

func TestDeleteNeverSetProperty(t *testing.T) {
	s := NewStore()
	obj := newObject(s, Null)
	before := obj.Head()

	s.Delete(obj, "ghost", 1)
	if obj.Head() == before {
		t.Fatalf("expected a tombstone shape")
	}
	if _, ok := s.Lookup(obj.Head(), "ghost"); ok {
		t.Errorf("tombstone must hide the name")
	}

	s.Extend(obj, "ghost", String, false, 2)
	if v, ok := s.Lookup(obj.Head(), "ghost"); !ok || v != String {
		t.Errorf("later writes must be visible again, got %v %v", v, ok)
	}
	if _, ok := s.Lookup(before, "ghost"); ok {
		t.Errorf("earlier history must be unaffected")
	}
}

func TestTombstoneOnlySuppressesFutureReads(t *testing.T) {
	s := NewStore()
	obj := newObject(s, Null)
	s.Extend(obj, "k", Boolean, false, 1)
	s.Delete(obj, "k", 2)

	if v, ok := s.Lookup(obj.ShapeAt(1), "k"); !ok || v != Boolean {
		t.Errorf("expected k visible at position 1, got %v %v", v, ok)
	}
	if _, ok := s.Lookup(obj.ShapeAt(2), "k"); ok {
		t.Errorf("expected k hidden at position 2")
	}
}

func TestInitializer(t *testing.T) {
	s := NewStore()
	obj := newObject(s, Null)

	if err := s.Initialize(obj, "a", Number); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.Initialize(obj, "b", String); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(obj.History()) != 1 {
		t.Errorf("initializer writes must not append shapes")
	}
	if v, ok := s.Lookup(obj.Head(), "a"); !ok || v != Number {
		t.Errorf("a = %v %v", v, ok)
	}

	s.Extend(obj, "c", Null, false, 1)
	err := s.Initialize(obj, "d", Null)
	if !errors.Is(err, tracetype.ErrInitializerAfterMutation) {
		t.Errorf("expected ErrInitializerAfterMutation, got %v", err)
	}
	if !errors.Is(err, tracetype.ErrMalformedTrace) {
		t.Errorf("expected a malformed trace error, got %v", err)
	}
}

func TestMissingShapeData(t *testing.T) {
	s := NewStore()
	root := s.CreateRoot(nil, ClassUnset)

	if _, err := s.ClassificationOf(root); !errors.Is(err, tracetype.ErrMissingShapeData) {
		t.Errorf("expected ErrMissingShapeData for classification, got %v", err)
	}
	if _, err := s.PrototypeOf(root); !errors.Is(err, tracetype.ErrMissingShapeData) {
		t.Errorf("expected ErrMissingShapeData for prototype, got %v", err)
	}

	arr := s.NewInstance(Null, ClassArray, AllocationContext{})
	s.Extend(arr, "0", Number, false, 1)
	class, err := s.ClassificationOf(arr.Head())
	if err != nil || class != ClassArray {
		t.Errorf("ClassificationOf = %v, %v", class, err)
	}
}

func TestPropertiesOrder(t *testing.T) {
	s := NewStore()
	obj := newObject(s, Null)
	_ = s.Initialize(obj, "init", Number)
	s.Extend(obj, "a", Number, false, 1)
	s.Extend(obj, "b", Number, true, 2)
	s.Delete(obj, "a", 3)
	s.Extend(obj, "a", String, false, 4)

	if diff := cmp.Diff([]string{"init", "b", "a"}, s.Properties(obj.Head())); diff != "" {
		t.Errorf("Properties mismatch (-want +got):\n%s", diff)
	}
	if !s.IsDynamic(obj.Head(), "b") || s.IsDynamic(obj.Head(), "a") {
		t.Errorf("unexpected dynamic flags")
	}
}

func TestShapeAtBeforeAllocation(t *testing.T) {
	s := NewStore()
	obj := s.NewInstance(Null, ClassObject, AllocationContext{Position: 5})
	if obj.ShapeAt(4) != NoShape {
		t.Errorf("expected NoShape before allocation")
	}
	if obj.ShapeAt(5) != obj.Root() {
		t.Errorf("expected root at allocation position")
	}
}

func TestPrimitiveSingletons(t *testing.T) {
	p, err := PrimitiveOf(tracetype.PrimString)
	if err != nil || p != String {
		t.Errorf("PrimitiveOf(string) = %v, %v", p, err)
	}
	if _, err := PrimitiveOf(tracetype.PrimitiveKind(42)); !errors.Is(err, tracetype.ErrMalformedTrace) {
		t.Errorf("expected malformed trace error, got %v", err)
	}
}
