package collect

import (
	"github.com/eapache/queue"
	"go.uber.org/zap"
)

// BufferChain is a FIFO of filled PageBuffers. Insertion order is fill
// order and output order. The chain owns its buffers until they are
// released.
type BufferChain struct {
	bufs *queue.Queue
	log  *zap.Logger
}

func newBufferChain(log *zap.Logger) *BufferChain {
	return &BufferChain{bufs: queue.New(), log: log}
}

// Push appends b to the end of the chain.
func (c *BufferChain) Push(b *PageBuffer) {
	c.bufs.Add(b)
}

// Len returns the number of buffers held.
func (c *BufferChain) Len() int {
	return c.bufs.Length()
}

// Last returns the most recently pushed buffer still held, or nil.
func (c *BufferChain) Last() *PageBuffer {
	if c.bufs.Length() == 0 {
		return nil
	}
	return c.bufs.Get(-1).(*PageBuffer)
}

// Total returns the sum of the held buffers' used bytes.
func (c *BufferChain) Total() int64 {
	var total int64
	for i := 0; i < c.bufs.Length(); i++ {
		total += int64(c.bufs.Get(i).(*PageBuffer).Used())
	}
	return total
}

// Discard releases a buffer that never joined the chain.
func (c *BufferChain) Discard(b *PageBuffer) {
	c.release(b)
}

// Drain hands each buffer, in order, to fn and releases it once fn
// returns. It stops at the first error; the buffers not yet drained stay
// in the chain for Release.
func (c *BufferChain) Drain(fn func(*PageBuffer) error) error {
	for c.bufs.Length() > 0 {
		b := c.bufs.Peek().(*PageBuffer)
		if err := fn(b); err != nil {
			return err
		}
		c.bufs.Remove()
		c.release(b)
	}
	return nil
}

// Release frees every buffer still held. Failures are logged and never
// returned, so cleanup cannot mask the error that led to it.
func (c *BufferChain) Release() {
	for c.bufs.Length() > 0 {
		c.release(c.bufs.Remove().(*PageBuffer))
	}
}

func (c *BufferChain) release(b *PageBuffer) {
	if _, err := b.Release(false); err != nil {
		c.log.Warn("failed to release buffer", zap.Error(err))
	}
}
