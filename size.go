package collect

import (
	"io"
	"os"
	"strconv"

	"go.uber.org/zap"
)

// InputSize is the result of probing the input: either a known, strictly
// positive byte count or unknown.
type InputSize struct {
	n     int64
	known bool
}

// Known returns a known size of n bytes. n must be positive.
func Known(n int64) InputSize {
	if n <= 0 {
		return InputSize{}
	}
	return InputSize{n: n, known: true}
}

// Unknown returns the unknown size.
func Unknown() InputSize {
	return InputSize{}
}

// Bytes returns the byte count and whether it is known.
func (s InputSize) Bytes() (int64, bool) {
	return s.n, s.known
}

func (s InputSize) String() string {
	if !s.known {
		return "unknown"
	}
	return strconv.FormatInt(s.n, 10)
}

// Probe inspects f's metadata. A regular file's size counts only the
// bytes past its current offset. Pipes, sockets, ttys and anything else
// reporting a zero size are Unknown. A failed stat is logged and folded
// into Unknown.
func Probe(f *os.File, log *zap.Logger) InputSize {
	if log == nil {
		log = zap.NewNop()
	}
	fi, err := f.Stat()
	if err != nil {
		log.Warn("failed to stat input, treating it as unsized",
			zap.Error(newError(KindSizeQuery, "fstat", err)))
		return Unknown()
	}
	size := fi.Size()
	if size > 0 && fi.Mode().IsRegular() {
		// Bytes before the current offset have already been consumed.
		pos, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			log.Warn("failed to query input offset, treating it as unsized",
				zap.Error(newError(KindSizeQuery, "lseek", err)))
			return Unknown()
		}
		if pos > 0 {
			log.Debug("input already partly read",
				zap.Int64("offset", pos),
				zap.Int64("reported", size))
			size -= pos
		}
	}
	if size > 0 {
		log.Debug("input size detected", zap.Int64("bytes", size))
		return Known(size)
	}
	log.Debug("input reports no size",
		zap.Int64("reported", fi.Size()),
		zap.Stringer("mode", fi.Mode()))
	return Unknown()
}
