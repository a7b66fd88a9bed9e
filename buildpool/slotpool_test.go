package buildpool

import (
	"context"
	"testing"
	"time"
)

func TestTryAcquireRespectsBound(t *testing.T) {
	p := NewSlotPool(2)
	t1, ok := p.TryAcquire()
	if !ok {
		t.Fatal("first TryAcquire failed")
	}
	t2, ok := p.TryAcquire()
	if !ok {
		t.Fatal("second TryAcquire failed")
	}
	if _, ok := p.TryAcquire(); ok {
		t.Error("third TryAcquire succeeded, pool should be exhausted")
	}
	p.Release(t1)
	if _, ok := p.TryAcquire(); !ok {
		t.Error("TryAcquire after Release should succeed")
	}
	p.Release(t2)
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	p := NewSlotPool(1)
	tok, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		tok2, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("second Acquire: %v", err)
		}
		p.Release(tok2)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire returned before first Release")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(tok)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Acquire did not unblock after Release")
	}
}

func TestAcquireWithinTimesOutWhenFull(t *testing.T) {
	p := NewSlotPool(1)
	tok, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(tok)

	if _, err := p.AcquireWithin(context.Background(), 20*time.Millisecond); err != ErrPoolFull {
		t.Errorf("AcquireWithin on full pool: err = %v, want ErrPoolFull", err)
	}
}

func TestAcquireWithinFastPath(t *testing.T) {
	p := NewSlotPool(1)
	tok, err := p.AcquireWithin(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireWithin with a free slot: %v", err)
	}
	p.Release(tok)
}

func TestTryAcquireAfterShutdownFails(t *testing.T) {
	p := NewSlotPool(1)
	p.Shutdown()
	if _, ok := p.TryAcquire(); ok {
		t.Error("TryAcquire after Shutdown should fail")
	}
}

func TestAcquireAfterShutdownFails(t *testing.T) {
	p := NewSlotPool(1)
	p.Shutdown()
	if _, err := p.Acquire(context.Background()); err != ErrPoolClosing {
		t.Errorf("Acquire after Shutdown: err = %v, want ErrPoolClosing", err)
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	p := NewSlotPool(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); err == nil {
		t.Error("expected context deadline error from Acquire on empty pool")
	}
}
