package collect

import (
	"os"
)

// memfdName is the name shown for buffers in /proc/<pid>/fd.
const memfdName = "collect-buffer"

// PageBuffer is a block of memory-backed storage reachable both as a
// descriptor, for kernel transfers, and as a mapped region, for direct
// access. Its allocated length is fixed at creation; Used records how much
// of it holds payload.
//
// A PageBuffer has exactly one owner. After Release it must not be used.
type PageBuffer struct {
	file     *os.File
	region   []byte
	length   int
	used     int
	released bool
}

// Len returns the allocated size in bytes.
func (b *PageBuffer) Len() int {
	return b.length
}

// Used returns the number of payload bytes.
func (b *PageBuffer) Used() int {
	return b.used
}

// Free returns the allocated bytes not yet holding payload.
func (b *PageBuffer) Free() int {
	return b.length - b.used
}

// Bytes returns the mapped payload.
func (b *PageBuffer) Bytes() []byte {
	if b.region == nil {
		return nil
	}
	return b.region[:b.used]
}

func (b *PageBuffer) setUsed(n int) {
	if n < 0 || n > b.length {
		panic("collect: used byte count out of range")
	}
	b.used = n
}

// fillEndpoint is the write side of a move into the free part of b.
func (b *PageBuffer) fillEndpoint(off *int64) Endpoint {
	*off = int64(b.used)
	return Endpoint{File: b.file, Offset: off, Region: b.region}
}

// drainEndpoint is the read side of a move out of b's payload.
func (b *PageBuffer) drainEndpoint(off *int64) Endpoint {
	*off = 0
	return Endpoint{File: b.file, Offset: off, Region: b.Bytes()}
}

// Release unmaps the region and closes the descriptor. If keep is true the
// descriptor stays open and is returned; ownership passes to the caller.
// An unmap failure does not prevent the close.
func (b *PageBuffer) Release(keep bool) (*os.File, error) {
	if b == nil || b.released {
		return nil, nil
	}
	b.released = true

	var firstErr error
	if b.region != nil {
		if err := unmap(b.region); err != nil {
			firstErr = newError(KindRelease, "munmap", err)
		}
		b.region = nil
	}

	f := b.file
	b.file = nil
	if keep {
		return f, firstErr
	}
	if f != nil {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = newError(KindRelease, "close", err)
		}
	}
	return nil, firstErr
}

// pagesFor returns the number of pages needed to hold n bytes.
func pagesFor(n, pageSize int) int {
	if n <= 0 {
		return 1
	}
	return (n + pageSize - 1) / pageSize
}
