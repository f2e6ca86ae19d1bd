package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SucceedsBeforeExhaustion(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3}, func(attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls: want 2, got %d", calls)
	}
}

func TestDo_ReturnsLastError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3}, func(int) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls: want 3, got %d", calls)
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Policy{}, func(int) error {
		calls++
		return nil
	})
	if calls != 1 {
		t.Fatalf("calls: want 1, got %d", calls)
	}
}

func TestDo_ContextCancelStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		// 第一次失败后进入等待，此时取消。
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, Policy{Attempts: 5, Delay: time.Second}, func(int) error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls: want 1, got %d", calls)
	}
}
