package batcher

import (
	"errors"
)

// Config bounds one output shard.
type Config struct {
	// MaxItems cuts a shard after this many records. 0 disables the limit.
	MaxItems int
	// MaxEstimatedBytes cuts a shard once the estimated encoded size reaches
	// this many bytes. 0 disables the limit.
	MaxEstimatedBytes int64
	// ReuseBuffers keeps recycled item slices for the next shard instead of
	// allocating fresh ones.
	ReuseBuffers bool
}

var DefaultConfig = Config{
	MaxItems:          50_000,
	MaxEstimatedBytes: 4 * 1024 * 1024,
	ReuseBuffers:      true,
}

func (c Config) Validate() error {
	if c.MaxItems < 0 {
		return errors.New("MaxItems must be >= 0")
	}
	if c.MaxEstimatedBytes < 0 {
		return errors.New("MaxEstimatedBytes must be >= 0")
	}
	if c.MaxItems == 0 && c.MaxEstimatedBytes == 0 {
		return errors.New("at least one of MaxItems and MaxEstimatedBytes must be set")
	}
	return nil
}

// Batcher accumulates records until a shard boundary is reached.
type Batcher[T any] struct {
	cfg Config

	items []T
	bytes int64

	spare []T
}

func New[T any](cfg Config) (*Batcher[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Batcher[T]{cfg: cfg}, nil
}

// Add appends one item with its estimated encoded size. It reports whether
// the shard is full and should be flushed now. Negative sizes clamp to 0.
func (b *Batcher[T]) Add(item T, sizeBytes int64) (flushNow bool) {
	if sizeBytes < 0 {
		sizeBytes = 0
	}

	b.items = append(b.items, item)
	b.bytes += sizeBytes

	if b.cfg.MaxItems > 0 && len(b.items) >= b.cfg.MaxItems {
		return true
	}
	if b.cfg.MaxEstimatedBytes > 0 && b.bytes >= b.cfg.MaxEstimatedBytes {
		return true
	}
	return false
}

// Len is the number of buffered items.
func (b *Batcher[T]) Len() int { return len(b.items) }

// Batch is one flushed shard.
type Batch[T any] struct {
	Items []T
	Bytes int64
}

// Flush hands out the buffered shard and resets the batcher. With ReuseBuffers
// the next shard starts on a recycled slice when one has been returned via
// Recycle.
func (b *Batcher[T]) Flush() Batch[T] {
	out := Batch[T]{Items: b.items, Bytes: b.bytes}

	b.items = nil
	if b.cfg.ReuseBuffers && b.spare != nil {
		b.items = b.spare[:0]
		b.spare = nil
	}
	b.bytes = 0

	return out
}

// Recycle returns a flushed batch's backing slice for reuse. Callers must not
// touch the batch afterwards. No-op unless ReuseBuffers is set.
func (b *Batcher[T]) Recycle(batch Batch[T]) {
	if !b.cfg.ReuseBuffers || batch.Items == nil {
		return
	}
	var zero T
	for i := range batch.Items {
		batch.Items[i] = zero
	}
	b.spare = batch.Items[:0]
}
