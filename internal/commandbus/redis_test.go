package commandbus

import (
	"testing"

	"github.com/R3E-Network/flowexec/internal/domain"
	"github.com/R3E-Network/flowexec/pkg/logger"
)

func TestDispatchFiltersByExecutionID(t *testing.T) {
	bus := &RedisCommandBus{subscribers: make(map[int64]*commandSubscriber), log: logger.NewDefault("commandbus")}

	a := &commandSubscriber{executionID: "exec-a", out: make(chan domain.Command, 1)}
	b := &commandSubscriber{executionID: "exec-b", out: make(chan domain.Command, 1)}
	bus.subscribers[1] = a
	bus.subscribers[2] = b

	bus.dispatch(domain.Command{ExecutionID: "exec-a", Command: domain.CommandPause})

	select {
	case cmd := <-a.out:
		if cmd.Command != domain.CommandPause {
			t.Fatalf("expected pause command, got %v", cmd.Command)
		}
	default:
		t.Fatal("expected exec-a subscriber to receive the command")
	}

	select {
	case cmd := <-b.out:
		t.Fatalf("expected exec-b subscriber to receive nothing, got %v", cmd)
	default:
	}
}

func TestDispatchDropsWhenSubscriberChannelFull(t *testing.T) {
	bus := &RedisCommandBus{subscribers: make(map[int64]*commandSubscriber), log: logger.NewDefault("commandbus")}

	sub := &commandSubscriber{executionID: "exec-a", out: make(chan domain.Command, 1)}
	bus.subscribers[1] = sub

	bus.dispatch(domain.Command{ExecutionID: "exec-a", Command: domain.CommandStep})
	// Second dispatch with a full channel must not block or panic.
	bus.dispatch(domain.Command{ExecutionID: "exec-a", Command: domain.CommandStep})

	if len(sub.out) != 1 {
		t.Fatalf("expected channel to retain only the first command, got len=%d", len(sub.out))
	}
}
