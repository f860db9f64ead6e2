package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/flowexec/internal/domain"
	"github.com/R3E-Network/flowexec/internal/metrics"
	"github.com/R3E-Network/flowexec/internal/resilience"
	"github.com/R3E-Network/flowexec/pkg/logger"
)

// RedisStreamQueue implements TaskQueue on Redis Streams: one fixed stream
// per partition, consumer-group delivery, and XAUTOCLAIM-based recovery of
// entries a dead consumer never acknowledged.
type RedisStreamQueue struct {
	client         *redis.Client
	partitionCount int
	claimMinIdle   time.Duration
	metrics        *metrics.Metrics
	serviceName    string
	log            *logger.Logger
	cb             *resilience.CircuitBreaker

	mu       sync.Mutex
	stopping bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRedisStreamQueue constructs a queue over partitionCount fixed streams.
// claimMinIdle is the minimum idle time before a pending entry is eligible
// for XAUTOCLAIM recovery — defaults to worker.claimTimeoutMs. m may be nil.
func NewRedisStreamQueue(client *redis.Client, partitionCount int, claimMinIdle time.Duration, m *metrics.Metrics, log *logger.Logger) *RedisStreamQueue {
	if partitionCount <= 0 {
		partitionCount = 8
	}
	if claimMinIdle <= 0 {
		claimMinIdle = 30 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("queue")
	}
	return &RedisStreamQueue{
		client:         client,
		partitionCount: partitionCount,
		claimMinIdle:   claimMinIdle,
		metrics:        m,
		serviceName:    "flowexec",
		log:            log,
		cb:             resilience.New(resilience.DefaultDependencyCBConfig(log)),
		stopCh:         make(chan struct{}),
	}
}

func streamName(partition int) string {
	return "flowexec:tasks:p" + strconv.Itoa(partition)
}

func (q *RedisStreamQueue) PublishTask(ctx context.Context, task *domain.Task) error {
	partition := partitionHash(task.ExecutionID, q.partitionCount)

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: marshal task: %w", err)
	}

	err = q.cb.Execute(ctx, func() error {
		return q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: streamName(partition),
			Values: map[string]interface{}{
				"executionId": task.ExecutionID,
				"task":        body,
			},
		}).Err()
	})
	if err == nil && q.metrics != nil {
		q.metrics.TasksPublishedTotal.WithLabelValues(q.serviceName, strconv.Itoa(partition)).Inc()
	}
	return err
}

// ConsumeTasks starts one goroutine per partition stream inside the shared
// consumer group, each reading with Count 1 to honor the per-partition
// max-in-flight-1 ordering rule, plus one
// scavenger goroutine that recovers entries idle longer than claimMinIdle.
func (q *RedisStreamQueue) ConsumeTasks(ctx context.Context, group, consumer string, handler Handler) error {
	for p := 0; p < q.partitionCount; p++ {
		stream := streamName(p)
		if err := q.client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil {
			if !strings.Contains(err.Error(), "BUSYGROUP") {
				return fmt.Errorf("queue: create group for %s: %w", stream, err)
			}
		}
	}

	for p := 0; p < q.partitionCount; p++ {
		q.wg.Add(1)
		go q.consumePartition(ctx, p, group, consumer, handler)
	}

	q.wg.Add(1)
	go q.scavenge(ctx, group, consumer, handler)

	return nil
}

func (q *RedisStreamQueue) consumePartition(ctx context.Context, partition int, group, consumer string, handler Handler) {
	defer q.wg.Done()
	stream := streamName(partition)

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		default:
		}

		res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    1,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			q.log.WithField("stream", stream).WithError(err).Warn("queue: xreadgroup failed")
			time.Sleep(time.Second)
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				q.deliver(ctx, partition, group, stream, msg, handler)
			}
		}
	}
}

func (q *RedisStreamQueue) deliver(ctx context.Context, partition int, group, stream string, msg redis.XMessage, handler Handler) {
	task, err := decodeTask(msg)
	if err != nil {
		q.log.WithField("stream", stream).WithField("id", msg.ID).WithError(err).Error("queue: decode task failed, acking poison message")
		q.client.XAck(ctx, stream, group, msg.ID)
		return
	}

	dc := DeliveryContext{
		Partition: partition,
		CommitOffset: func(ctx context.Context) error {
			return q.client.XAck(ctx, stream, group, msg.ID).Err()
		},
	}

	if q.metrics != nil {
		q.metrics.TasksConsumedTotal.WithLabelValues(q.serviceName, strconv.Itoa(partition)).Inc()
	}

	if err := handler(ctx, task, dc); err != nil {
		q.log.WithField("stream", stream).WithField("id", msg.ID).WithError(err).Error("queue: handler returned error")
	}
}

// scavenge periodically reclaims pending entries idle longer than
// claimMinIdle — the recovery path for a consumer that died between
// XReadGroup and XAck.
func (q *RedisStreamQueue) scavenge(ctx context.Context, group, consumer string, handler Handler) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.claimMinIdle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			for p := 0; p < q.partitionCount; p++ {
				q.scavengePartition(ctx, p, group, consumer, handler)
				q.reportDepth(ctx, p)
			}
		}
	}
}

func (q *RedisStreamQueue) reportDepth(ctx context.Context, partition int) {
	if q.metrics == nil {
		return
	}
	length, err := q.client.XLen(ctx, streamName(partition)).Result()
	if err != nil {
		return
	}
	q.metrics.QueueDepth.WithLabelValues(q.serviceName, strconv.Itoa(partition)).Set(float64(length))
}

func (q *RedisStreamQueue) scavengePartition(ctx context.Context, partition int, group, consumer string, handler Handler) {
	stream := streamName(partition)
	start := "0-0"
	for {
		msgs, cursor, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  q.claimMinIdle,
			Start:    start,
			Count:    10,
		}).Result()
		if err != nil {
			if err != redis.Nil {
				q.log.WithField("stream", stream).WithError(err).Warn("queue: xautoclaim failed")
			}
			return
		}
		for _, msg := range msgs {
			q.deliver(ctx, partition, group, stream, msg, handler)
		}
		if cursor == "0-0" || len(msgs) == 0 {
			return
		}
		start = cursor
	}
}

func (q *RedisStreamQueue) StopConsuming(ctx context.Context) error {
	q.mu.Lock()
	if !q.stopping {
		q.stopping = true
		close(q.stopCh)
	}
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

func (q *RedisStreamQueue) Close() error {
	return q.client.Close()
}

func decodeTask(msg redis.XMessage) (*domain.Task, error) {
	raw, ok := msg.Values["task"]
	if !ok {
		return nil, fmt.Errorf("missing task field")
	}
	var body []byte
	switch v := raw.(type) {
	case string:
		body = []byte(v)
	case []byte:
		body = v
	default:
		return nil, fmt.Errorf("unexpected task field type %T", raw)
	}

	var task domain.Task
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}
