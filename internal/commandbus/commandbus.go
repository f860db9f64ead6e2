// Package commandbus implements the Command Bus (C3): a low-latency
// fan-out channel for execution commands, keyed by executionId. Commands
// carry an id, but the bus does not deduplicate by it.
package commandbus

import (
	"context"

	"github.com/R3E-Network/flowexec/internal/domain"
)

// Subscription is a live feed of commands for one executionId.
type Subscription struct {
	Commands <-chan domain.Command
	cancel   func()
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.cancel()
}

// CommandBus is the interface C3 exposes. The bus itself does not
// deduplicate commands by id, and neither does the worker: a re-delivered
// command is applied again.
type CommandBus interface {
	// PublishCommand fans cmd out to every live subscription on
	// cmd.ExecutionID. There is no durability: a command published while no
	// worker is subscribed is simply lost, by design — the control plane
	// falls back to reconciling state from C1 on reconnect.
	PublishCommand(ctx context.Context, cmd domain.Command) error

	// SubscribeToCommands opens a subscription for executionID. The caller
	// must re-verify it still holds the execution's claim before acting on
	// any delivered command — a command addressed to an executionId the
	// caller no longer owns must be ignored.
	SubscribeToCommands(ctx context.Context, executionID string) (*Subscription, error)

	// Close shuts down the bus and every live subscription.
	Close() error
}
