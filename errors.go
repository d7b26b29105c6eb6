package collect

import (
	"errors"
	"fmt"
)

// Kind classifies a collection failure.
type Kind int

const (
	// KindSizeQuery is a failed stat of the input. Never fatal: the input
	// is treated as unsized.
	KindSizeQuery Kind = iota + 1
	// KindAllocation covers memfd creation, physical reservation and the
	// heap size limit of the buffered collector.
	KindAllocation
	// KindMapping is a failed mmap of an allocated store.
	KindMapping
	// KindAdvice is a failed madvise hint. Warning only.
	KindAdvice
	// KindTransfer is a kernel or I/O error while moving bytes.
	KindTransfer
	// KindUnexpectedEOF means the input ended before the probed size was read.
	KindUnexpectedEOF
	// KindRelease is a failed munmap or close during cleanup. Logged only.
	KindRelease
)

func (k Kind) String() string {
	switch k {
	case KindSizeQuery:
		return "size query"
	case KindAllocation:
		return "allocation"
	case KindMapping:
		return "mapping"
	case KindAdvice:
		return "advice"
	case KindTransfer:
		return "transfer"
	case KindUnexpectedEOF:
		return "unexpected end of input"
	case KindRelease:
		return "release"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Process exit statuses. Each non-zero status maps to exactly one Kind,
// except ExitFailure which covers everything unclassified.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitAllocation    = 3
	ExitMapping       = 4
	ExitTransfer      = 5
	ExitUnexpectedEOF = 6
)

// Error is the error type returned by the collectors.
type Error struct {
	Kind Kind
	Op   string // step that failed, e.g. "fallocate" or "splice"
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "collect: " + e.Kind.String() + ": " + e.Op + ": " + e.Err.Error()
	}
	return "collect: " + e.Kind.String() + ": " + e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrUnsupported is wrapped by movers and allocators that cannot serve
// the given descriptors or platform.
var ErrUnsupported = errors.ErrUnsupported

// ErrShortInput is wrapped by KindUnexpectedEOF errors.
var ErrShortInput = errors.New("input ended before the expected byte count")

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

// ExitCode maps err to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindAllocation:
		return ExitAllocation
	case KindMapping:
		return ExitMapping
	case KindTransfer:
		return ExitTransfer
	case KindUnexpectedEOF:
		return ExitUnexpectedEOF
	default:
		return ExitFailure
	}
}
