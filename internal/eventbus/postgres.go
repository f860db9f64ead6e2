package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/flowexec/internal/domain"
	"github.com/R3E-Network/flowexec/internal/metrics"
	"github.com/R3E-Network/flowexec/pkg/logger"
	"github.com/R3E-Network/flowexec/pkg/pgnotify"
)

// notifyHeader is the small envelope carried on the NOTIFY payload — the
// "cheap header" of the two-stage filter. It never carries the
// event body.
type notifyHeader struct {
	Partition   int    `json:"partition"`
	ExecutionID string `json:"executionId"`
	ID          int64  `json:"id"`
}

type subscriberEntry struct {
	executionID string
	notifyCh    chan struct{}
}

// PostgresEventBus implements EventBus on top of a durable execution_events
// table plus pkg/pgnotify's LISTEN/NOTIFY primitive for wake-ups. Grounded on
// pkg/pgnotify.Bus, extended with per-partition local fan-out so that many
// subscriptions on the same partition channel can be added/removed
// independently — pgnotify.Bus.Unsubscribe removes every handler for a
// channel, which is too coarse once a channel is shared across executions.
type PostgresEventBus struct {
	db             *sql.DB
	bus            *pgnotify.Bus
	partitionCount int
	idleTimeout    time.Duration
	metrics        *metrics.Metrics
	log            *logger.Logger
	serviceName    string

	mu                  sync.Mutex
	partitionListening  map[int]bool
	partitionSubscriber map[int]map[string]*subscriberEntry
	nextSubID           int64

	earlySkipped int64
}

// NewPostgresEventBus wraps an existing *sql.DB and dsn (pq.Listener needs
// its own connection, independent of db's pool) in an EventBus.
func NewPostgresEventBus(db *sql.DB, dsn string, partitionCount int, idleTimeout time.Duration, m *metrics.Metrics, log *logger.Logger) (*PostgresEventBus, error) {
	if partitionCount <= 0 {
		partitionCount = 8
	}
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	if log == nil {
		log = logger.NewDefault("eventbus")
	}

	bus, err := pgnotify.NewWithDB(db, dsn)
	if err != nil {
		return nil, fmt.Errorf("eventbus: %w", err)
	}

	return &PostgresEventBus{
		db:                  db,
		bus:                 bus,
		partitionCount:      partitionCount,
		idleTimeout:         idleTimeout,
		metrics:             m,
		log:                 log,
		serviceName:         "flowexec",
		partitionListening:  make(map[int]bool),
		partitionSubscriber: make(map[int]map[string]*subscriberEntry),
	}, nil
}

// EnsureSchema creates the execution_events table and indexes if absent.
func (b *PostgresEventBus) EnsureSchema(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS execution_events (
			id BIGSERIAL PRIMARY KEY,
			execution_id TEXT NOT NULL,
			index BIGINT NOT NULL,
			partition INTEGER NOT NULL,
			type TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			worker_id TEXT,
			data JSONB NOT NULL,
			UNIQUE (execution_id, index)
		);

		CREATE INDEX IF NOT EXISTS idx_execution_events_execution_id_index
			ON execution_events(execution_id, index);
	`)
	return err
}

func partitionChannel(partition int) string {
	return "flowexec_events_p" + strconv.Itoa(partition)
}

func (b *PostgresEventBus) NextIndex(ctx context.Context, executionID string) (int64, error) {
	var next sql.NullInt64
	err := b.db.QueryRowContext(ctx, `
		SELECT MAX(index) + 1 FROM execution_events WHERE execution_id = $1
	`, executionID).Scan(&next)
	if err != nil {
		return 0, err
	}
	if !next.Valid {
		return 0, nil
	}
	return next.Int64, nil
}

func (b *PostgresEventBus) PublishEvent(ctx context.Context, event domain.Event) error {
	start := time.Now()
	partition := Partition(event.ExecutionID, b.partitionCount)

	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event data: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var id int64
	err = b.db.QueryRowContext(ctx, `
		INSERT INTO execution_events (execution_id, index, partition, type, timestamp, worker_id, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, event.ExecutionID, event.Index, partition, event.Type, event.Timestamp, event.WorkerID, data).Scan(&id)
	if err != nil {
		return fmt.Errorf("eventbus: insert event: %w", err)
	}

	header := notifyHeader{Partition: partition, ExecutionID: event.ExecutionID, ID: id}
	if err := b.bus.Publish(ctx, partitionChannel(partition), header); err != nil {
		return fmt.Errorf("eventbus: notify: %w", err)
	}

	if b.metrics != nil {
		b.metrics.RecordEventPublish(b.serviceName, strconv.Itoa(partition), time.Since(start))
	}
	return nil
}

func (b *PostgresEventBus) EarlySkippedCount() int64 {
	return atomic.LoadInt64(&b.earlySkipped)
}

func (b *PostgresEventBus) SubscribeToEvents(ctx context.Context, executionID string, fromIndex int64, cfg BatchConfig) (*Subscription, error) {
	if cfg.MaxEvents <= 0 {
		cfg = DefaultBatchConfig()
	}
	partition := Partition(executionID, b.partitionCount)

	subID := strconv.FormatInt(atomic.AddInt64(&b.nextSubID, 1), 10)
	entry := &subscriberEntry{executionID: executionID, notifyCh: make(chan struct{}, 1)}

	if err := b.attach(partition, subID, entry); err != nil {
		return nil, err
	}

	batches := make(chan []domain.Event)
	subCtx, cancel := context.WithCancel(ctx)

	go b.pump(subCtx, partition, subID, entry, executionID, fromIndex, cfg, batches)

	sub := &Subscription{
		Batches: batches,
		cancel: func() {
			cancel()
		},
	}
	return sub, nil
}

func (b *PostgresEventBus) attach(partition int, subID string, entry *subscriberEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.partitionSubscriber[partition]; !ok {
		b.partitionSubscriber[partition] = make(map[string]*subscriberEntry)
	}
	b.partitionSubscriber[partition][subID] = entry

	if !b.partitionListening[partition] {
		channel := partitionChannel(partition)
		if err := b.bus.Subscribe(channel, b.dispatch(partition)); err != nil {
			delete(b.partitionSubscriber[partition], subID)
			return fmt.Errorf("eventbus: subscribe partition %d: %w", partition, err)
		}
		b.partitionListening[partition] = true
	}
	return nil
}

func (b *PostgresEventBus) detach(partition int, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.partitionSubscriber[partition], subID)
	if len(b.partitionSubscriber[partition]) == 0 && b.partitionListening[partition] {
		_ = b.bus.Unsubscribe(partitionChannel(partition))
		b.partitionListening[partition] = false
	}
}

// dispatch returns the single pgnotify handler registered for partition; it
// fans the header out to every local subscription on that partition,
// performing the stage-1 cheap check per subscriber.
func (b *PostgresEventBus) dispatch(partition int) pgnotify.Handler {
	return func(ctx context.Context, ev pgnotify.Event) error {
		var header notifyHeader
		if err := json.Unmarshal(ev.Payload, &header); err != nil {
			return nil
		}

		b.mu.Lock()
		entries := make([]*subscriberEntry, 0, len(b.partitionSubscriber[partition]))
		for _, e := range b.partitionSubscriber[partition] {
			entries = append(entries, e)
		}
		b.mu.Unlock()

		partitionLabel := strconv.Itoa(partition)
		for _, e := range entries {
			if header.Partition != partition || header.ExecutionID != e.executionID {
				atomic.AddInt64(&b.earlySkipped, 1)
				if b.metrics != nil {
					b.metrics.EarlySkippedTotal.WithLabelValues(b.serviceName, partitionLabel).Inc()
				}
				continue
			}
			select {
			case e.notifyCh <- struct{}{}:
			default:
			}
		}
		return nil
	}
}

// pump drains the replay backlog from fromIndex, then continues delivering
// newly published events until the subscription is closed, the context is
// cancelled, or the idle timeout fires with nothing delivered.
func (b *PostgresEventBus) pump(ctx context.Context, partition int, subID string, entry *subscriberEntry, executionID string, fromIndex int64, cfg BatchConfig, out chan<- []domain.Event) {
	defer close(out)
	defer b.detach(partition, subID)
	if b.metrics != nil {
		b.metrics.ActiveSubscriptions.Inc()
		defer b.metrics.ActiveSubscriptions.Dec()
	}

	next := fromIndex

	deliverFrom := func(idx int64) (int64, bool, error) {
		rows, err := b.db.QueryContext(ctx, `
			SELECT index, type, timestamp, worker_id, data
			FROM execution_events
			WHERE execution_id = $1 AND index >= $2
			ORDER BY index ASC
			LIMIT $3
		`, executionID, idx, cfg.MaxEvents)
		if err != nil {
			return idx, false, err
		}
		defer rows.Close()

		var batch []domain.Event
		for rows.Next() {
			var e domain.Event
			var data []byte
			if err := rows.Scan(&e.Index, &e.Type, &e.Timestamp, &e.WorkerID, &data); err != nil {
				return idx, false, err
			}
			if len(data) > 0 {
				_ = json.Unmarshal(data, &e.Data)
			}
			e.ExecutionID = executionID
			batch = append(batch, e)
		}
		if err := rows.Err(); err != nil {
			return idx, false, err
		}
		if len(batch) == 0 {
			return idx, false, nil
		}

		select {
		case out <- batch:
		case <-ctx.Done():
			return idx, false, ctx.Err()
		}
		return batch[len(batch)-1].Index + 1, true, nil
	}

	// Replay: drain the backlog first so events published while the
	// subscription was being set up are not lost.
	for {
		newNext, delivered, err := deliverFrom(next)
		if err != nil {
			if ctx.Err() == nil {
				b.log.WithField("execution_id", executionID).WithError(err).Error("eventbus: replay query failed")
			}
			return
		}
		next = newNext
		if !delivered {
			break
		}
	}

	idle := time.NewTimer(b.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-entry.notifyCh:
			for {
				newNext, delivered, err := deliverFrom(next)
				if err != nil {
					if ctx.Err() == nil {
						b.log.WithField("execution_id", executionID).WithError(err).Error("eventbus: live query failed")
					}
					return
				}
				next = newNext
				if !delivered {
					break
				}
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(b.idleTimeout)
			}

		case <-idle.C:
			if b.metrics != nil {
				b.metrics.SubscriptionIdleClose.Inc()
			}
			return
		}
	}
}

func (b *PostgresEventBus) Close() error {
	return b.bus.Close()
}
