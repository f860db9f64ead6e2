package commandbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/flowexec/internal/domain"
	"github.com/R3E-Network/flowexec/internal/metrics"
	"github.com/R3E-Network/flowexec/pkg/logger"
)

const commandChannel = "flowexec:commands"

type commandSubscriber struct {
	executionID string
	out         chan domain.Command
}

// RedisCommandBus fans commands out over a single shared Redis Pub/Sub
// channel; every subscriber receives every command and filters locally by
// executionId. This trades a little wasted bandwidth for a single
// long-lived subscription regardless of how many executions a worker node
// is handling concurrently.
type RedisCommandBus struct {
	client      *redis.Client
	pubsub      *redis.PubSub
	metrics     *metrics.Metrics
	serviceName string
	log         *logger.Logger

	mu          sync.Mutex
	subscribers map[int64]*commandSubscriber
	nextID      int64

	cancelPump context.CancelFunc
}

// NewRedisCommandBus starts the shared subscription and begins pumping
// messages to local subscribers immediately. m may be nil.
func NewRedisCommandBus(ctx context.Context, client *redis.Client, m *metrics.Metrics, log *logger.Logger) *RedisCommandBus {
	if log == nil {
		log = logger.NewDefault("commandbus")
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	bus := &RedisCommandBus{
		client:      client,
		pubsub:      client.Subscribe(pumpCtx, commandChannel),
		metrics:     m,
		serviceName: "flowexec",
		log:         log,
		subscribers: make(map[int64]*commandSubscriber),
		cancelPump:  cancel,
	}
	go bus.pump(pumpCtx)
	return bus
}

func (b *RedisCommandBus) PublishCommand(ctx context.Context, cmd domain.Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("commandbus: marshal command: %w", err)
	}
	if err := b.client.Publish(ctx, commandChannel, body).Err(); err != nil {
		return err
	}
	if b.metrics != nil {
		b.metrics.CommandsPublishedTotal.WithLabelValues(b.serviceName, string(cmd.Command)).Inc()
	}
	return nil
}

func (b *RedisCommandBus) SubscribeToCommands(ctx context.Context, executionID string) (*Subscription, error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &commandSubscriber{executionID: executionID, out: make(chan domain.Command, 16)}
	b.subscribers[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(s.out)
		}
		b.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return &Subscription{Commands: sub.out, cancel: cancel}, nil
}

func (b *RedisCommandBus) pump(ctx context.Context) {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var cmd domain.Command
			if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
				b.log.WithField("channel", msg.Channel).WithError(err).Warn("commandbus: malformed command payload")
				continue
			}
			b.dispatch(cmd)
		}
	}
}

func (b *RedisCommandBus) dispatch(cmd domain.Command) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		if sub.executionID != cmd.ExecutionID {
			continue
		}
		select {
		case sub.out <- cmd:
		default:
			b.log.WithField("execution_id", cmd.ExecutionID).Warn("commandbus: subscriber channel full, dropping command")
		}
	}
}

func (b *RedisCommandBus) Close() error {
	b.cancelPump()
	b.mu.Lock()
	for id, sub := range b.subscribers {
		close(sub.out)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	return b.pubsub.Close()
}
