//go:build !linux
// +build !linux

package collect

import (
	"os"

	"go.uber.org/zap"
)

// memfdSupported reports whether this platform can back PageBuffers.
const memfdSupported = false

// allocator stub for platforms without memfd_create(2). ModeAuto selects
// the buffered collector instead.
type allocator struct {
	pageSize int
	log      *zap.Logger
}

func newAllocator(hugePageSize int, log *zap.Logger) (*allocator, error) {
	if hugePageSize != 0 {
		return nil, ErrUnsupported
	}
	return &allocator{pageSize: os.Getpagesize(), log: log}, nil
}

func (a *allocator) allocate(pages int) (*PageBuffer, error) {
	return nil, newError(KindAllocation, "memfd_create", ErrUnsupported)
}

func unmap(region []byte) error {
	return nil
}
