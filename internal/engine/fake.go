package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/R3E-Network/flowexec/internal/domain"
)

// FakeDebugger is an in-memory Debugger recording which controls were
// invoked, for use in worker tests.
type FakeDebugger struct {
	mu                                 sync.Mutex
	Paused, Continued, Stepped, Stopped int
}

func (d *FakeDebugger) Pause()    { d.mu.Lock(); d.Paused++; d.mu.Unlock() }
func (d *FakeDebugger) Continue() { d.mu.Lock(); d.Continued++; d.mu.Unlock() }
func (d *FakeDebugger) Step()     { d.mu.Lock(); d.Stepped++; d.mu.Unlock() }
func (d *FakeDebugger) Stop()     { d.mu.Lock(); d.Stopped++; d.mu.Unlock() }

// FakeEngine is a scriptable ExecutionEngine stand-in: it emits a fixed
// sequence of events, then either succeeds or fails, without driving any
// real graph.
type FakeEngine struct {
	ExecutionID string
	EmitEvents  []domain.Event
	FailWith    error

	debugger *FakeDebugger
	events   chan domain.Event
}

// NewFakeEngine constructs a FakeEngine for executionID that emits events
// and then completes with failWith (nil for success).
func NewFakeEngine(executionID string, events []domain.Event, failWith error) *FakeEngine {
	return &FakeEngine{
		ExecutionID: executionID,
		EmitEvents:  events,
		FailWith:    failWith,
		debugger:    &FakeDebugger{},
		events:      make(chan domain.Event, len(events)+1),
	}
}

func (e *FakeEngine) Execute(ctx context.Context, onComplete func(err error)) error {
	defer close(e.events)
	for _, ev := range e.EmitEvents {
		select {
		case <-ctx.Done():
			onComplete(ctx.Err())
			return ctx.Err()
		case e.events <- ev:
		}
	}
	onComplete(e.FailWith)
	return e.FailWith
}

func (e *FakeEngine) Debugger() Debugger           { return e.debugger }
func (e *FakeEngine) Events() <-chan domain.Event { return e.events }

// FakeEngineFactory returns a pre-built FakeEngine regardless of the flow
// passed in, so worker tests can script engine behaviour per execution id.
type FakeEngineFactory struct {
	mu      sync.Mutex
	engines map[string]*FakeEngine
}

func NewFakeEngineFactory() *FakeEngineFactory {
	return &FakeEngineFactory{engines: make(map[string]*FakeEngine)}
}

func (f *FakeEngineFactory) Script(executionID string, e *FakeEngine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.engines[executionID] = e
}

func (f *FakeEngineFactory) New(ctx context.Context, flow *Flow, registry NodeRegistry, task *domain.Task) (ExecutionEngine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.engines[task.ExecutionID]
	if !ok {
		return nil, fmt.Errorf("fake engine: no script registered for execution %s", task.ExecutionID)
	}
	return e, nil
}

// FakeFlowLoader is an in-memory FlowLoader keyed by flow id.
type FakeFlowLoader struct {
	mu    sync.Mutex
	flows map[string]*Flow
}

func NewFakeFlowLoader() *FakeFlowLoader {
	return &FakeFlowLoader{flows: make(map[string]*Flow)}
}

func (f *FakeFlowLoader) Put(flow *Flow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flows[flow.ID] = flow
}

func (f *FakeFlowLoader) LoadFlow(ctx context.Context, flowID string) (*Flow, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	flow, ok := f.flows[flowID]
	return flow, ok, nil
}

// FakeNodeRegistry is a trivial NodeRegistry backed by a map.
type FakeNodeRegistry struct {
	constructors map[string]NodeConstructor
}

func NewFakeNodeRegistry() *FakeNodeRegistry {
	return &FakeNodeRegistry{constructors: make(map[string]NodeConstructor)}
}

func (r *FakeNodeRegistry) Register(nodeType string, ctor NodeConstructor) {
	r.constructors[nodeType] = ctor
}

func (r *FakeNodeRegistry) Constructor(nodeType string) (NodeConstructor, bool) {
	c, ok := r.constructors[nodeType]
	return c, ok
}
