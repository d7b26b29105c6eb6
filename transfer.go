package collect

import (
	"errors"
	"io"
	"os"
	"syscall"

	"go.uber.org/zap"
)

// Endpoint is one side of a move.
//
// With a nil Offset the move uses, and advances, the descriptor's own file
// position; this is how stdin and stdout are addressed. With a non-nil
// Offset the move is positioned at *Offset and advances it. Region, when
// set, is a mapped view of the descriptor that the copy fallback reads or
// writes directly.
type Endpoint struct {
	File   *os.File
	Offset *int64
	Region []byte
}

// TransferResult is the outcome of one move attempt.
type TransferResult struct {
	Moved int
	Err   error
}

// EndOfInput reports whether the source was exhausted before any byte moved.
func (r TransferResult) EndOfInput() bool {
	return r.Moved == 0 && r.Err == nil
}

// Mover performs a single attempt to move up to max bytes from src to dst.
// It never retries. A mover that cannot serve the descriptor pair returns
// an error wrapping ErrUnsupported without moving anything.
type Mover interface {
	Name() string
	Move(src, dst Endpoint, max int) TransferResult
}

// Transfer drives Movers until a requested byte count has moved. It owns
// the retry policy: it falls back to the next mover when one reports
// ErrUnsupported, resumes after EINTR, and waits for readiness after
// EAGAIN. The fallback sticks for the lifetime of the Transfer.
type Transfer struct {
	movers    []Mover
	cur       int
	fallbacks int
	log       *zap.Logger
}

// NewTransfer returns a Transfer trying movers in order. With no movers it
// uses the platform default: splice, sendfile, a splice relay through a
// pipe and finally read/write on Linux, and read/write elsewhere.
func NewTransfer(log *zap.Logger, movers ...Mover) *Transfer {
	if log == nil {
		log = zap.NewNop()
	}
	if len(movers) == 0 {
		movers = append(kernelMovers(), copyMover{})
	}
	return &Transfer{movers: movers, log: log}
}

// Strategy returns the name of the mover currently in use.
func (t *Transfer) Strategy() string {
	return t.movers[t.cur].Name()
}

// Fallbacks returns how many times the Transfer has demoted to the next mover.
func (t *Transfer) Fallbacks() int {
	return t.fallbacks
}

// Close releases resources held by the movers.
func (t *Transfer) Close() error {
	var firstErr error
	for _, m := range t.movers {
		if c, ok := m.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Fill moves up to n bytes, stopping early only when the source reports
// end of input. It returns the bytes moved and whether end of input was seen.
func (t *Transfer) Fill(src, dst Endpoint, n int) (moved int, eof bool, err error) {
	for moved < n {
		m := t.movers[t.cur]
		r := m.Move(src, dst, n-moved)
		moved += r.Moved
		if r.EndOfInput() {
			return moved, true, nil
		}
		if r.Err == nil {
			continue
		}

		switch {
		case errors.Is(r.Err, ErrUnsupported) && r.Moved == 0 && t.cur < len(t.movers)-1:
			t.cur++
			t.fallbacks++
			t.log.Debug("transfer strategy unavailable, falling back",
				zap.String("from", m.Name()),
				zap.String("to", t.movers[t.cur].Name()),
				zap.NamedError("reason", r.Err))
		case errors.Is(r.Err, syscall.EINTR):
		case errors.Is(r.Err, syscall.EAGAIN):
			if err := waitReady(src, dst); err != nil {
				return moved, false, newError(KindTransfer, "poll", err)
			}
		default:
			return moved, false, newError(KindTransfer, m.Name(), r.Err)
		}
	}
	return moved, false, nil
}

// MoveExactly moves exactly n bytes. A source exhausted early yields a
// KindUnexpectedEOF error carrying the count that did move.
func (t *Transfer) MoveExactly(src, dst Endpoint, n int) (int, error) {
	moved, eof, err := t.Fill(src, dst, n)
	if err != nil {
		return moved, err
	}
	if eof && moved < n {
		return moved, newError(KindUnexpectedEOF, t.Strategy(), ErrShortInput)
	}
	return moved, nil
}

// copyMover is the portable fallback: ordinary reads and writes. When one
// side has a mapped region the bytes go straight to or from it; otherwise
// they bounce through a pooled chunk.
type copyMover struct{}

func (copyMover) Name() string { return "copy" }

func (copyMover) Move(src, dst Endpoint, max int) TransferResult {
	switch {
	case src.Region != nil && src.Offset != nil:
		off := int(*src.Offset)
		end := min(off+max, len(src.Region))
		if off >= end {
			return TransferResult{}
		}
		n, err := dst.write(src.Region[off:end])
		*src.Offset += int64(n)
		return TransferResult{Moved: n, Err: err}

	case dst.Region != nil && dst.Offset != nil:
		off := int(*dst.Offset)
		end := min(off+max, len(dst.Region))
		if off >= end {
			return TransferResult{Err: io.ErrShortBuffer}
		}
		n, err := src.read(dst.Region[off:end])
		*dst.Offset += int64(n)
		return readResult(n, err)

	default:
		chunk := chunkPool.Get().([]byte)
		defer chunkPool.Put(chunk)

		n, rerr := src.read(chunk[:min(max, len(chunk))])
		if n == 0 {
			return readResult(0, rerr)
		}
		w, werr := dst.write(chunk[:n])
		if werr == nil && w < n {
			werr = io.ErrShortWrite
		}
		if werr != nil {
			return TransferResult{Moved: w, Err: werr}
		}
		return readResult(w, rerr)
	}
}

// readResult folds io.EOF into the end-of-input convention.
func readResult(n int, err error) TransferResult {
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return TransferResult{Moved: n, Err: err}
}

func (e Endpoint) read(p []byte) (int, error) {
	if e.Offset == nil {
		return e.File.Read(p)
	}
	n, err := e.File.ReadAt(p, *e.Offset)
	*e.Offset += int64(n)
	if n > 0 && errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

func (e Endpoint) write(p []byte) (int, error) {
	if e.Offset == nil {
		return e.File.Write(p)
	}
	n, err := e.File.WriteAt(p, *e.Offset)
	*e.Offset += int64(n)
	return n, err
}
