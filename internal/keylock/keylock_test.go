package keylock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	locker := New()
	release, err := locker.Acquire(context.Background(), "a", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := locker.Acquire(context.Background(), "a", 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	other, err := locker.Acquire(context.Background(), "b", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("independent key should not block: %v", err)
	}
	other()
	release()

	again, err := locker.Acquire(context.Background(), "a", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("expected lock after release: %v", err)
	}
	again()
	if locker.Held() != 0 {
		t.Fatalf("expected entries to be dropped, have %d", locker.Held())
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	locker := New()
	release, err := locker.Acquire(context.Background(), "a", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := locker.Acquire(ctx, "a", time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestAcquireSerializesHolders(t *testing.T) {
	locker := New()
	var inside int32
	var overlap int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), "shared", 5*time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if atomic.AddInt32(&inside, 1) > 1 {
				atomic.StoreInt32(&overlap, 1)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	if overlap != 0 {
		t.Fatalf("expected exclusive access")
	}
	if locker.Held() != 0 {
		t.Fatalf("expected no live entries, have %d", locker.Held())
	}
}
