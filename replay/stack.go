package replay

import (
	"github.com/speakeasy-api/tracetype"
	"github.com/speakeasy-api/tracetype/heap"
)

// invocation is an in-flight call recorded by a FunctionInvocation marker.
type invocation struct {
	site        tracetype.InstructionID
	callee      heap.Value
	receiver    heap.Value
	args        []heap.Value
	position    int
	constructor bool
	external    bool
	entered     bool
}

// invocationStack implements a simple stack of in-flight calls.
type invocationStack struct {
	data []*invocation
}

func newInvocationStack() *invocationStack {
	return &invocationStack{
		data: make([]*invocation, 0, 32),
	}
}

func (s *invocationStack) push(inv *invocation) {
	s.data = append(s.data, inv)
}

// pop removes and returns the innermost call. ok is false on underflow.
func (s *invocationStack) pop() (*invocation, bool) {
	if len(s.data) == 0 {
		return nil, false
	}
	inv := s.data[len(s.data)-1]
	s.data = s.data[:len(s.data)-1]
	return inv, true
}

func (s *invocationStack) top() *invocation {
	if len(s.data) == 0 {
		return nil
	}
	return s.data[len(s.data)-1]
}

func (s *invocationStack) len() int {
	return len(s.data)
}

// scopeFrame is an active dynamic scope. call is the invocation that entered
// it, nil for scopes entered without a pending call (the program entry).
type scopeFrame struct {
	scope tracetype.ScopeID
	call  *invocation
}

// scopeStack tracks the active dynamic scopes.
type scopeStack struct {
	frames []scopeFrame
}

func newScopeStack() *scopeStack {
	return &scopeStack{
		frames: make([]scopeFrame, 0, 32),
	}
}

func (s *scopeStack) push(f scopeFrame) {
	s.frames = append(s.frames, f)
}

func (s *scopeStack) pop() (scopeFrame, bool) {
	if len(s.frames) == 0 {
		return scopeFrame{}, false
	}
	f := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	return f, true
}

// current returns the innermost scope, or the zero scope at top level.
func (s *scopeStack) current() tracetype.ScopeID {
	if len(s.frames) == 0 {
		return tracetype.ScopeID{}
	}
	return s.frames[len(s.frames)-1].scope
}

// enclosing returns the scope that encloses the innermost one.
func (s *scopeStack) enclosing() tracetype.ScopeID {
	if len(s.frames) < 2 {
		return tracetype.ScopeID{}
	}
	return s.frames[len(s.frames)-2].scope
}

func (s *scopeStack) len() int {
	return len(s.frames)
}
