package collect

import (
	"errors"
	"io"
	"net"
	"sync"
)

const (
	// chunkSize defines the size of pooled memory chunks (4MB).
	chunkSize = 4 * 1024 * 1024

	// defaultBucketCap is the expected number of chunks per heap chain.
	defaultBucketCap = 32
)

// ErrBufferFull is returned when collecting would exceed the heap limit.
var ErrBufferFull = errors.New("collect: heap buffer size limit exceeded")

// chunkPool stores reusable 4MB byte slices. It backs both the buffered
// collector and the bounce buffer of the copy fallback.
var chunkPool = sync.Pool{
	New: func() any {
		return make([]byte, chunkSize)
	},
}

// heapChain is the storage of the buffered collector: an ordered list of
// pooled chunks, each holding a prefix of payload.
type heapChain struct {
	buckets [][]byte
	length  int
	maxSize int // 0 = unlimited
}

func newHeapChain(maxSize int) *heapChain {
	return &heapChain{
		buckets: make([][]byte, 0, defaultBucketCap),
		maxSize: maxSize,
	}
}

// Len returns the number of collected bytes.
func (h *heapChain) Len() int {
	return h.length
}

// ReadFrom reads r to end of input into pooled chunks. EOF is not an error.
// Returns ErrBufferFull if the limit is reached with input remaining.
func (h *heapChain) ReadFrom(r io.Reader) (n int64, err error) {
	for {
		if h.maxSize > 0 && h.length >= h.maxSize {
			if more, perr := probeMore(r); perr != nil || more {
				if perr != nil {
					return n, perr
				}
				return n, ErrBufferFull
			}
			return n, nil
		}

		chunk := chunkPool.Get().([]byte)
		readSize := len(chunk)
		if h.maxSize > 0 {
			readSize = min(readSize, h.maxSize-h.length)
		}

		// Fill the chunk before taking the next one so chunks stay dense.
		nr, er := io.ReadFull(r, chunk[:readSize])
		if nr > 0 {
			h.buckets = append(h.buckets, chunk[:nr])
			h.length += nr
			n += int64(nr)
		} else {
			chunkPool.Put(chunk)
		}

		switch {
		case er == nil:
		case errors.Is(er, io.EOF), errors.Is(er, io.ErrUnexpectedEOF):
			return n, nil
		default:
			return n, er
		}
	}
}

// probeMore reports whether r has at least one more byte.
func probeMore(r io.Reader) (bool, error) {
	var b [1]byte
	for {
		n, err := r.Read(b[:])
		if n > 0 {
			return true, nil
		}
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
}

// WriteTo writes every chunk to w in order. Socket destinations get
// writev(2) through net.Buffers; anything else one Write per chunk.
func (h *heapChain) WriteTo(w io.Writer) (int64, error) {
	if len(h.buckets) == 0 {
		return 0, nil
	}
	bufs := make(net.Buffers, len(h.buckets))
	copy(bufs, h.buckets)
	return bufs.WriteTo(w)
}

// Release returns every chunk to the pool.
func (h *heapChain) Release() {
	for i, bucket := range h.buckets {
		if cap(bucket) == chunkSize {
			chunkPool.Put(bucket[:cap(bucket)])
		}
		h.buckets[i] = nil
	}
	h.buckets = h.buckets[:0]
	h.length = 0
}
