package collect

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// collectBuffered collects in into pooled heap chunks and writes them out.
// A known size is only used to detect short input.
func (c *Collector) collectBuffered(size InputSize, in, out *os.File) (Stats, error) {
	st := Stats{
		Path:          PathBuffered,
		Size:          size,
		FillStrategy:  "read",
		DrainStrategy: "write",
	}

	h := newHeapChain(c.opts.MaxHeapBytes)
	defer h.Release()

	n, err := h.ReadFrom(in)
	st.Collected = n
	st.Buffers = len(h.buckets)
	switch {
	case errors.Is(err, ErrBufferFull):
		return st, newError(KindAllocation, "heap", fmt.Errorf("%w (limit %d bytes)", err, c.opts.MaxHeapBytes))
	case err != nil:
		return st, newError(KindTransfer, "read", err)
	}

	if want, ok := size.Bytes(); ok && n < want {
		if c.opts.ShortInput != ShortInputAccept {
			return st, newError(KindUnexpectedEOF, "read", ErrShortInput)
		}
		c.log.Warn("input ended before its reported size, writing what was read",
			zap.Int64("expected", want),
			zap.Int64("collected", n))
	}
	c.logCollected(&st)

	w, err := h.WriteTo(out)
	st.Written = w
	if err != nil {
		return st, newError(KindTransfer, "write", err)
	}
	c.logWritten(&st)
	return st, nil
}
