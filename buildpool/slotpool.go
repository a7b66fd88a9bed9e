// Package buildpool bounds the number of build pipelines allowed to
// execute stage/helper forks concurrently. Slots are plain semaphore
// tokens: nothing about a slot is reused across builds, there is just a
// bounded count of them in flight at once.
package buildpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Token is acquired for the duration of one build pipeline and released
// when it completes.
type Token struct {
	id int
}

// ErrPoolClosing is returned by Acquire once Shutdown has been called.
var ErrPoolClosing = errors.New("buildpool: pool is shutting down")

// ErrPoolFull is returned by AcquireWithin when no slot frees up inside
// the grace period.
var ErrPoolFull = errors.New("buildpool: no build slot available")

// SlotPool bounds concurrent build pipelines to maxSize.
type SlotPool struct {
	tokens  chan Token
	maxSize int

	mu      sync.Mutex
	closing bool
}

// NewSlotPool returns a pool with maxSize tokens immediately available.
func NewSlotPool(maxSize int) *SlotPool {
	tokens := make(chan Token, maxSize)
	for i := 0; i < maxSize; i++ {
		tokens <- Token{id: i}
	}
	return &SlotPool{tokens: tokens, maxSize: maxSize}
}

// Acquire blocks until a slot is free or ctx is done. Returns
// ErrPoolClosing if Shutdown has already been called.
func (p *SlotPool) Acquire(ctx context.Context) (Token, error) {
	p.mu.Lock()
	closing := p.closing
	p.mu.Unlock()
	if closing {
		return Token{}, ErrPoolClosing
	}

	select {
	case tok := <-p.tokens:
		slog.DebugContext(ctx, "buildpool.Acquire", "token", tok.id)
		return tok, nil
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
}

// TryAcquire attempts to acquire a slot without blocking.
func (p *SlotPool) TryAcquire() (Token, bool) {
	p.mu.Lock()
	closing := p.closing
	p.mu.Unlock()
	if closing {
		return Token{}, false
	}
	select {
	case tok := <-p.tokens:
		return tok, true
	default:
		return Token{}, false
	}
}

// AcquireWithin acquires a slot, waiting at most grace for one to free
// up. Returns ErrPoolFull on timeout so callers can reject the build
// before committing to it.
func (p *SlotPool) AcquireWithin(ctx context.Context, grace time.Duration) (Token, error) {
	if tok, ok := p.TryAcquire(); ok {
		return tok, nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	tok, err := p.Acquire(waitCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		return Token{}, ErrPoolFull
	}
	return tok, err
}

// Release returns tok to the pool.
func (p *SlotPool) Release(tok Token) {
	p.tokens <- tok
}

// Shutdown marks the pool closing; subsequent Acquire calls fail
// immediately. It does not wait for in-flight builds to finish -- callers
// track those themselves. A build slot has no owned resource to stop.
func (p *SlotPool) Shutdown() {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
}

// Available returns the number of free slots right now.
func (p *SlotPool) Available() int {
	return len(p.tokens)
}
