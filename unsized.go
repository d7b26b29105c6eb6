package collect

import (
	"math"
	"os"

	"go.uber.org/zap"
)

// collectUnsized collects input of unknown length until end of input. The
// first buffer is cfg.InitialBufferBytes rounded up to whole pages; each
// successor doubles, never beyond cfg.MaxBufferBytes when that is set.
func (c *Collector) collectUnsized(cfg UnsizedConfig, in, out *os.File) (Stats, error) {
	st := Stats{Path: PathUnsized, Size: Unknown()}

	chain := newBufferChain(c.log)
	defer chain.Release()

	fill := c.newTransfer()
	defer c.closeTransfer(fill)
	src := Endpoint{File: in}
	grow := growth(cfg, c.pageSize)
	pages := pagesFor(cfg.InitialBufferBytes, c.pageSize)
	for {
		buf, err := c.allocate(pages)
		if err != nil {
			c.recordFill(&st, chain, fill)
			return st, err
		}

		var off int64
		moved, eof, err := fill.Fill(src, buf.fillEndpoint(&off), buf.Len())
		buf.setUsed(moved)
		st.Collected += int64(moved)
		if err != nil {
			chain.Discard(buf)
			c.recordFill(&st, chain, fill)
			return st, err
		}
		if moved == 0 {
			chain.Discard(buf)
		} else {
			chain.Push(buf)
		}
		if eof {
			if last := chain.Last(); last != nil {
				c.log.Debug("end of input",
					zap.Int("last_used", last.Used()),
					zap.Int("last_free", last.Free()))
			}
			break
		}
		c.log.Debug("buffer full, growing chain",
			zap.Int("buffers", chain.Len()),
			zap.Int("filled", chain.Last().Len()),
			zap.Int64("collected", st.Collected))
		pages = grow(pages)
	}
	c.recordFill(&st, chain, fill)
	c.logCollected(&st)

	if err := c.drain(chain, out, &st); err != nil {
		return st, err
	}
	c.logWritten(&st)
	return st, nil
}

// growth returns the page count of the buffer following one of n pages.
func growth(cfg UnsizedConfig, pageSize int) func(n int) int {
	limit := math.MaxInt / 2 / pageSize
	if cfg.MaxBufferBytes > 0 {
		limit = max(cfg.MaxBufferBytes/pageSize, 1)
	}
	return func(n int) int {
		if n >= limit {
			return max(n, limit)
		}
		return min(n*2, limit)
	}
}
