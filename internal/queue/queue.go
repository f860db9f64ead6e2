// Package queue implements the Task Queue (C2): a durable FIFO-per-key queue
// of Execution tasks with manual commit and consumer-group load balancing.
package queue

import (
	"context"

	"github.com/R3E-Network/flowexec/internal/domain"
)

// DeliveryContext is passed to the handler for each delivered task; it
// exposes manual acknowledgement. The queue itself never decides when to
// commit — that is the worker's responsibility.
type DeliveryContext struct {
	Partition int
	// CommitOffset acknowledges the delivery so it is not redelivered.
	CommitOffset func(ctx context.Context) error
}

// Handler processes one delivered task.
type Handler func(ctx context.Context, task *domain.Task, dc DeliveryContext) error

// TaskQueue is the interface C2 exposes to the Execution Service (publisher)
// and Execution Worker (consumer).
type TaskQueue interface {
	// PublishTask durably enqueues task on the partition derived from
	// task.ExecutionID. Tasks with the same ExecutionID are delivered in
	// enqueue order to at most one consumer at a time.
	PublishTask(ctx context.Context, task *domain.Task) error

	// ConsumeTasks starts consuming with the given consumer group and
	// consumer identity; each delivery invokes handler. Per-partition
	// max-in-flight is 1.
	ConsumeTasks(ctx context.Context, group, consumer string, handler Handler) error

	// StopConsuming gracefully stops delivering to handlers started by
	// ConsumeTasks, without closing the underlying connection.
	StopConsuming(ctx context.Context) error

	// Close tears down the queue's connection.
	Close() error
}

// Partition returns the fixed partition index for executionID, stable for a
// given PartitionCount. Partition count changes require a
// drain-then-resize migration, not online repartitioning.
func Partition(executionID string, partitionCount int) int {
	return partitionHash(executionID, partitionCount)
}
