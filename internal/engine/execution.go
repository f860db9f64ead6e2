package engine

import (
	"context"

	"github.com/R3E-Network/flowexec/internal/domain"
)

// Flow is the loaded, deserialised representation of a flow graph. Its
// internal node/edge structure is owned by the external graph engine; the
// coordination plane only needs to pass it back into ExecutionEngine.New.
type Flow struct {
	ID    string
	Nodes []FlowNode
}

// FlowNode is one node of a loaded flow, resolved against a NodeRegistry.
type FlowNode struct {
	ID   string
	Type string
	Data map[string]any
}

// FlowLoader resolves a flow definition by id. Implemented outside this
// module (flow storage is an external collaborator); the coordination plane
// only consumes it.
type FlowLoader interface {
	LoadFlow(ctx context.Context, flowID string) (*Flow, bool, error)
}

// NodeConstructor builds a runnable node from its persisted data.
type NodeConstructor func(data map[string]any) (any, error)

// NodeRegistry maps a node type name to its constructor, used by the
// external engine to deserialise a Flow's nodes. The coordination plane
// never inspects node internals; it only threads the registry through.
type NodeRegistry interface {
	Constructor(nodeType string) (NodeConstructor, bool)
}

// Debugger exposes the step-execution controls the worker's command
// handling drives in debug mode.
type Debugger interface {
	Pause()
	Continue()
	Step()
	Stop()
}

// ExecutionEngine drives one flow's nodes/edges to completion, emitting
// events as it goes. One instance is created per execution by the
// Execution Service.
type ExecutionEngine interface {
	// Execute runs the flow to completion or failure, then invokes
	// onComplete exactly once before returning. The worker passes a no-op
	// onComplete and drains pending event publishes (via the Execution
	// Service's CleanupEventHandling) after Execute returns, before the
	// execution's terminal status becomes observable.
	Execute(ctx context.Context, onComplete func(err error)) error

	// Debugger returns the pause/continue/step/stop controls for this
	// execution. Only meaningful while Execute is running.
	Debugger() Debugger

	// Events returns the channel the engine emits domain events on, already
	// stamped with ExecutionID but not yet assigned an Index — the caller
	// (Execution Service event tap) assigns Index and forwards to the Event
	// Bus.
	Events() <-chan domain.Event
}

// EngineFactory constructs an ExecutionEngine for one execution. Supplied by
// the external graph-engine collaborator.
type EngineFactory interface {
	New(ctx context.Context, flow *Flow, registry NodeRegistry, task *domain.Task) (ExecutionEngine, error)
}
