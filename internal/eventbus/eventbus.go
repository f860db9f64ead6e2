// Package eventbus implements the Event Bus (C4): a durable, partition-aware,
// append-only per-execution event log with replay-from-index and
// partition-hint subscriber filtering.
package eventbus

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/R3E-Network/flowexec/internal/domain"
)

// BatchConfig tunes subscriber delivery (batching is a
// performance knob").
type BatchConfig struct {
	MaxEvents int
	MaxWait   time.Duration
}

// DefaultBatchConfig returns sensible batching defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{MaxEvents: 100, MaxWait: 200 * time.Millisecond}
}

// Subscription is a lazy, finite-until-closed sequence of event batches for
// one executionId. Each batch is a non-empty, index-ascending slice.
type Subscription struct {
	Batches <-chan []domain.Event
	cancel  func()
}

// Close tears down the subscription: the listener handler is unregistered
// and no further batches are delivered. Safe to call more than once.
func (s *Subscription) Close() {
	s.cancel()
}

// EventBus is the interface C4 exposes to the rest of the coordination
// plane.
type EventBus interface {
	// PublishEvent durably appends event to the per-execution log and
	// notifies subscribers of event.ExecutionID's partition. event.Index
	// must be the next expected index for ExecutionID; callers own index
	// assignment (see NextIndex).
	PublishEvent(ctx context.Context, event domain.Event) error

	// NextIndex returns the next index to assign for executionID, i.e.
	// one past the highest index already published.
	NextIndex(ctx context.Context, executionID string) (int64, error)

	// SubscribeToEvents opens a subscription that replays every event with
	// Index >= fromIndex for executionID, then continues delivering new
	// events as they're published, until Close or ctx is cancelled.
	SubscribeToEvents(ctx context.Context, executionID string, fromIndex int64, cfg BatchConfig) (*Subscription, error)

	// EarlySkippedCount returns the lifetime count of notifications
	// discarded by the stage-1 header check, for observability.
	EarlySkippedCount() int64

	// Close shuts down the bus and releases the underlying listener
	// connection. It does not cancel open subscriptions: each one ends when
	// its context is cancelled, its own Close is called, or its idle
	// timeout fires.
	Close() error
}

// PartitionCount is fixed at cluster-init; changing it requires a
// drain-then-resize migration, not online repartitioning.
func Partition(executionID string, partitionCount int) int {
	if partitionCount <= 0 {
		partitionCount = 1
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(executionID))
	return int(h.Sum32()) % partitionCount
}
