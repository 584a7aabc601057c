package inference

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

// Policy configures a Batcher.
type Policy struct {
	Start int
	// Shrink returns the batch size to retry with after a batch of failed
	// items ran out of memory at size.
	Shrink func(size, failed int) int
	// Release runs after every attempt, successful or not.
	Release func()
	// OnResize and OnOutOfMemory observe the batcher. Both may be nil.
	OnResize      func(size int)
	OnOutOfMemory func()
}

// PowerOfTwoBelow shrinks to the largest power of two strictly below the
// number of items that failed.
func PowerOfTwoBelow(_, failed int) int {
	if failed <= 2 {
		return 1
	}
	return 1 << (bits.Len(uint(failed-1)) - 1)
}

// Halve shrinks to half the current size.
func Halve(size, _ int) int {
	return size / 2
}

// Batcher splits work into batches and shrinks the batch size on
// out-of-memory errors. The size that last worked persists across calls.
type Batcher struct {
	policy Policy

	mu   sync.Mutex
	size int
}

// NewBatcher returns a batcher starting at policy.Start (DefaultBatchSize
// when unset).
func NewBatcher(policy Policy) *Batcher {
	if policy.Start < 1 {
		policy.Start = DefaultBatchSize
	}
	if policy.Shrink == nil {
		policy.Shrink = Halve
	}
	b := &Batcher{policy: policy}
	b.setSize(policy.Start)
	return b
}

// Size returns the current batch size.
func (b *Batcher) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Reset restores the starting batch size.
func (b *Batcher) Reset() {
	b.setSize(b.policy.Start)
}

func (b *Batcher) setSize(n int) {
	b.mu.Lock()
	b.size = n
	b.mu.Unlock()
	if b.policy.OnResize != nil {
		b.policy.OnResize(n)
	}
}

// Run calls fn over [0, n) in consecutive batches. A batch failing with
// ErrOutOfMemory is retried smaller; at size 1 the error is returned.
func (b *Batcher) Run(ctx context.Context, n int, fn func(ctx context.Context, start, end int) error) error {
	for start := 0; start < n; {
		if err := ctx.Err(); err != nil {
			return err
		}
		size := b.Size()
		end := min(start+size, n)
		err := b.attempt(ctx, start, end, fn)
		switch {
		case err == nil:
			start = end
		case errors.Is(err, ErrOutOfMemory) && size > 1:
			if b.policy.OnOutOfMemory != nil {
				b.policy.OnOutOfMemory()
			}
			b.setSize(max(1, b.policy.Shrink(size, end-start)))
		default:
			return fmt.Errorf("batch [%d:%d] at size %d: %w", start, end, size, err)
		}
	}
	return nil
}

func (b *Batcher) attempt(ctx context.Context, start, end int, fn func(ctx context.Context, start, end int) error) error {
	if b.policy.Release != nil {
		defer b.policy.Release()
	}
	return fn(ctx, start, end)
}
