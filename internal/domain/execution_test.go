package domain

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusIdle, StatusCreating, true},
		{StatusCreating, StatusCreated, true},
		{StatusCreated, StatusRunning, true},
		{StatusCreated, StatusFailed, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusPaused, true},
		{StatusRunning, StatusStopped, true},
		{StatusPaused, StatusRunning, true},
		{StatusPaused, StatusStopped, true},
		{StatusPaused, StatusFailed, true},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusCreated, false},
		{StatusStopped, StatusRunning, false},
		{StatusIdle, StatusRunning, false},
		{StatusRunning, StatusRunning, false},
	}

	for _, c := range cases {
		got := CanTransition(c.from, c.to)
		if got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusStopped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	nonTerminal := []Status{StatusIdle, StatusCreating, StatusCreated, StatusRunning, StatusPaused}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestTaskApplyDefaults(t *testing.T) {
	task := &Task{}
	task.ApplyDefaults()

	if task.MaxRetries != 3 {
		t.Errorf("expected default MaxRetries 3, got %d", task.MaxRetries)
	}
	if task.RetryDelayMs != 1000 {
		t.Errorf("expected default RetryDelayMs 1000, got %d", task.RetryDelayMs)
	}
}

func TestTaskRetryDelay(t *testing.T) {
	task := &Task{RetryDelayMs: 1000}

	cases := []struct {
		retryCount int
		wantMs     int64
	}{
		{0, 0},
		{1, 1000},
		{2, 2000},
		{3, 4000},
	}

	for _, c := range cases {
		task.RetryCount = c.retryCount
		got := task.RetryDelay().Milliseconds()
		if got != c.wantMs {
			t.Errorf("RetryCount=%d: RetryDelay() = %dms, want %dms", c.retryCount, got, c.wantMs)
		}
	}
}

func TestValidateRetryReset(t *testing.T) {
	if !ValidateRetryReset(StatusRunning) {
		t.Error("expected retry reset to be valid from Running")
	}
	if ValidateRetryReset(StatusCreated) {
		t.Error("expected retry reset to be invalid from Created")
	}
}
