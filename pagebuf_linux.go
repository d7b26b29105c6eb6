//go:build linux
// +build linux

package collect

import (
	"fmt"
	"math/bits"
	"os"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// memfdSupported reports whether this platform can back PageBuffers.
const memfdSupported = true

// allocator creates PageBuffers of whole pages.
type allocator struct {
	pageSize     int
	flags        int
	log          *zap.Logger
	adviceWarned bool
}

// newAllocator returns an allocator using the system page size, or huge
// pages of hugePageSize bytes when it is non-zero.
func newAllocator(hugePageSize int, log *zap.Logger) (*allocator, error) {
	a := &allocator{pageSize: os.Getpagesize(), log: log}
	if hugePageSize == 0 {
		return a, nil
	}

	sizes, err := HugePageSizes()
	if err != nil {
		return nil, fmt.Errorf("huge pages unavailable: %w", err)
	}
	if !slices.Contains(sizes, hugePageSize) {
		return nil, fmt.Errorf("huge page size %d not offered by the kernel (have %v)", hugePageSize, sizes)
	}
	a.pageSize = hugePageSize
	a.flags = unix.MFD_HUGETLB | hugeMask(hugePageSize)
	return a, nil
}

// hugeMask encodes a huge page size the way MAP_HUGE_2MB and friends do.
func hugeMask(size int) int {
	return (bits.Len(uint(size)) - 1) << unix.MFD_HUGE_SHIFT
}

// allocate creates an anonymous memfd of pages pages, reserves its extent,
// and maps it shared and writable. Steps already taken are undone if a
// later one fails.
func (a *allocator) allocate(pages int) (buf *PageBuffer, err error) {
	if pages <= 0 {
		return nil, newError(KindAllocation, "allocate", fmt.Errorf("invalid page count %d", pages))
	}
	size := pages * a.pageSize

	fd, err := unix.MemfdCreate(memfdName, unix.MFD_CLOEXEC|a.flags)
	if err != nil {
		return nil, newError(KindAllocation, "memfd_create", err)
	}
	file := os.NewFile(uintptr(fd), "memfd:"+memfdName)
	defer func() {
		if err != nil {
			if cerr := file.Close(); cerr != nil {
				a.log.Warn("failed to close buffer after allocation error",
					zap.Error(newError(KindRelease, "close", cerr)))
			}
		}
	}()

	if err = unix.Fallocate(fd, 0, 0, int64(size)); err != nil {
		return nil, newError(KindAllocation, "fallocate", err)
	}

	region, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, newError(KindMapping, "mmap", err)
	}
	a.advise(region)

	a.log.Debug("allocated buffer",
		zap.Int("fd", fd),
		zap.Int("pages", pages),
		zap.Int("bytes", size))
	return &PageBuffer{file: file, region: region, length: size}, nil
}

// advise applies best-effort usage hints. A rejected hint is reported at
// warn level the first time and at debug level afterwards.
func (a *allocator) advise(region []byte) {
	hints := []struct {
		op     string
		advice int
	}{
		{"madvise(MADV_MERGEABLE)", unix.MADV_MERGEABLE},
		{"madvise(MADV_WILLNEED)", unix.MADV_WILLNEED},
	}
	for _, h := range hints {
		err := unix.Madvise(region, h.advice)
		if err == nil {
			continue
		}
		log := a.log.Debug
		if !a.adviceWarned {
			log = a.log.Warn
			a.adviceWarned = true
		}
		log("memory hint rejected", zap.Error(newError(KindAdvice, h.op, err)))
	}
}

func unmap(region []byte) error {
	return unix.Munmap(region)
}
