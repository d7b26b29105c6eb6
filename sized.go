package collect

import (
	"os"

	"go.uber.org/zap"
)

// collectSized collects input whose length is known to be size bytes.
// Buffers hold cfg.PagesPerBuffer pages each; the last is trimmed to the
// pages its remainder needs. Exactly size bytes are read.
func (c *Collector) collectSized(size int64, cfg SizedConfig, in, out *os.File) (Stats, error) {
	st := Stats{Path: PathSized, Size: Known(size)}
	capacity := cfg.PagesPerBuffer * c.pageSize
	wantBuffers := (size + int64(capacity) - 1) / int64(capacity)

	switch {
	case size < int64(capacity):
		c.log.Debug("input fits a single partial buffer", zap.Int64("bytes", size))
	case size%int64(capacity) == 0:
		c.log.Debug("input fills whole buffers exactly",
			zap.Int64("bytes", size), zap.Int64("buffers", wantBuffers))
	default:
		c.log.Debug("input spans a chain of buffers",
			zap.Int64("bytes", size), zap.Int64("buffers", wantBuffers))
	}

	chain := newBufferChain(c.log)
	defer chain.Release()

	fill := c.newTransfer()
	defer c.closeTransfer(fill)
	src := Endpoint{File: in}
	for remaining := size; remaining > 0; {
		want := int(min(remaining, int64(capacity)))
		buf, err := c.allocate(pagesFor(want, c.pageSize))
		if err != nil {
			c.recordFill(&st, chain, fill)
			return st, err
		}

		var off int64
		moved, err := fill.MoveExactly(src, buf.fillEndpoint(&off), want)
		buf.setUsed(moved)
		st.Collected += int64(moved)
		remaining -= int64(moved)
		if err == nil {
			chain.Push(buf)
			continue
		}
		if KindOf(err) == KindUnexpectedEOF && c.opts.ShortInput == ShortInputAccept {
			c.log.Warn("input ended before its reported size, writing what was read",
				zap.Int64("expected", size),
				zap.Int64("collected", st.Collected))
			if moved > 0 {
				chain.Push(buf)
			} else {
				chain.Discard(buf)
			}
			break
		}
		chain.Discard(buf)
		c.recordFill(&st, chain, fill)
		return st, err
	}
	c.recordFill(&st, chain, fill)
	c.logCollected(&st)

	if err := c.drain(chain, out, &st); err != nil {
		return st, err
	}
	c.logWritten(&st)
	return st, nil
}

func (c *Collector) recordFill(st *Stats, chain *BufferChain, fill *Transfer) {
	st.Buffers = chain.Len()
	st.FillStrategy = fill.Strategy()
	st.Fallbacks = fill.Fallbacks()
}
