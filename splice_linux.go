//go:build linux
// +build linux

package collect

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const (
	// maxSpliceChunk is the most a single splice(2) attempt asks for.
	maxSpliceChunk = 4 * 1024 * 1024

	// maxSendfileChunk is the kernel's per-call sendfile(2) ceiling.
	maxSendfileChunk = 0x7ffff000

	// SPLICE_F_MOVE asks the kernel to move pages instead of copying.
	SPLICE_F_MOVE = unix.SPLICE_F_MOVE
)

// platformSplice wraps unix.Splice for Linux.
// Returns (bytes_transferred, error) matching the syscall signature.
func platformSplice(rfd int, roff *int64, wfd int, woff *int64, len int, flags int) (int, error) {
	n, err := unix.Splice(rfd, roff, wfd, woff, len, flags)
	return int(n), err
}

func kernelMovers() []Mover {
	return []Mover{spliceMover{}, sendfileMover{}, &relayMover{r: -1, w: -1}}
}

// spliceMover moves bytes with splice(2). One side must be a pipe; the
// other may be positioned through its Offset.
type spliceMover struct{}

func (spliceMover) Name() string { return "splice" }

func (spliceMover) Move(src, dst Endpoint, max int) TransferResult {
	var n int
	var serr error
	err := withFds(src.File, dst.File, func(rfd, wfd int) {
		n, serr = platformSplice(rfd, src.Offset, wfd, dst.Offset, min(max, maxSpliceChunk), SPLICE_F_MOVE)
	})
	if err != nil {
		return TransferResult{Err: err}
	}
	return kernelResult(n, serr)
}

// sendfileMover moves bytes with sendfile(2). The source must support
// mmap-like access; pipes and sockets are rejected by the kernel.
type sendfileMover struct{}

func (sendfileMover) Name() string { return "sendfile" }

func (sendfileMover) Move(src, dst Endpoint, max int) TransferResult {
	var n int
	var serr error
	err := withFds(src.File, dst.File, func(rfd, wfd int) {
		if dst.Offset != nil {
			if _, serr = unix.Seek(wfd, *dst.Offset, io.SeekStart); serr != nil {
				return
			}
		}
		n, serr = unix.Sendfile(wfd, rfd, src.Offset, min(max, maxSendfileChunk))
	})
	if err != nil {
		return TransferResult{Err: err}
	}
	if n > 0 && dst.Offset != nil {
		*dst.Offset += int64(n)
	}
	return kernelResult(n, serr)
}

// kernelResult marks errors that mean "this primitive cannot serve these
// descriptors" as ErrUnsupported so Transfer can fall back.
func kernelResult(n int, err error) TransferResult {
	if n < 0 {
		n = 0
	}
	if err == nil {
		return TransferResult{Moved: n}
	}
	if n == 0 && unsupportedErrno(err) {
		err = fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	return TransferResult{Moved: n, Err: err}
}

func unsupportedErrno(err error) bool {
	for _, errno := range []unix.Errno{unix.EINVAL, unix.ENOSYS, unix.EOPNOTSUPP, unix.EXDEV, unix.ESPIPE} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// relayMover splices through a private pipe for descriptor pairs where
// neither side is a pipe. Every byte taken from src is pushed on to dst
// before Move returns. Bytes the kernel refuses to splice on to dst are
// read back out of the pipe and written, after which the relay reports
// ErrUnsupported.
type relayMover struct {
	r, w    int
	refused bool
}

func (*relayMover) Name() string { return "splice-relay" }

func (m *relayMover) Move(src, dst Endpoint, max int) TransferResult {
	if m.refused {
		return TransferResult{Err: fmt.Errorf("%w: destination refused splice", ErrUnsupported)}
	}
	appending, err := appendOnly(dst.File)
	if err != nil {
		return TransferResult{Err: err}
	}
	if appending {
		// splice(2) rejects O_APPEND destinations with EINVAL.
		return TransferResult{Err: fmt.Errorf("%w: destination is append-only", ErrUnsupported)}
	}
	if m.r < 0 {
		var p [2]int
		if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
			return TransferResult{Err: err}
		}
		m.r, m.w = p[0], p[1]
	}

	var in int
	var serr error
	err = withFd(src.File, func(rfd int) {
		in, serr = platformSplice(rfd, src.Offset, m.w, nil, min(max, maxSpliceChunk), SPLICE_F_MOVE)
	})
	if err != nil {
		return TransferResult{Err: err}
	}
	if serr != nil || in <= 0 {
		return kernelResult(in, serr)
	}

	out := 0
	for out < in {
		var n int
		var again bool
		err := withFd(dst.File, func(wfd int) {
			n, serr = platformSplice(m.r, nil, wfd, dst.Offset, in-out, SPLICE_F_MOVE)
			if errors.Is(serr, unix.EAGAIN) {
				again = true
				serr = pollFd(wfd, unix.POLLOUT)
			}
		})
		if err != nil {
			serr = err
		}
		if n > 0 {
			out += n
		}
		switch {
		case errors.Is(serr, unix.EINTR), again && serr == nil:
		case serr != nil && n <= 0 && unsupportedErrno(serr):
			m.refused = true
			w, werr := m.unstrand(dst, in-out)
			out += w
			if werr != nil {
				m.Close()
				return TransferResult{Moved: out, Err: fmt.Errorf("%d bytes stranded in relay pipe: %w", in-out, werr)}
			}
		case serr != nil:
			m.Close()
			return TransferResult{Moved: out, Err: fmt.Errorf("%d bytes stranded in relay pipe: %w", in-out, serr)}
		case n == 0:
			m.Close()
			return TransferResult{Moved: out, Err: io.ErrShortWrite}
		}
	}
	return TransferResult{Moved: out}
}

// unstrand reads n bytes back out of the relay pipe and writes them to dst.
func (m *relayMover) unstrand(dst Endpoint, n int) (int, error) {
	chunk := chunkPool.Get().([]byte)
	defer chunkPool.Put(chunk)

	written := 0
	for written < n {
		r, err := unix.Read(m.r, chunk[:min(n-written, len(chunk))])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return written, err
		}
		if r == 0 {
			return written, io.ErrUnexpectedEOF
		}
		w, err := dst.write(chunk[:r])
		written += w
		if err == nil && w < r {
			err = io.ErrShortWrite
		}
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Close releases the relay pipe. A later Move creates a fresh one.
func (m *relayMover) Close() error {
	if m.r < 0 {
		return nil
	}
	err := unix.Close(m.r)
	if werr := unix.Close(m.w); err == nil {
		err = werr
	}
	m.r, m.w = -1, -1
	return err
}

// appendOnly reports whether f was opened with O_APPEND.
func appendOnly(f *os.File) (bool, error) {
	var flags int
	var ferr error
	err := withFd(f, func(fd int) {
		flags, ferr = unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	})
	if err != nil {
		return false, err
	}
	if ferr != nil {
		return false, ferr
	}
	return flags&unix.O_APPEND != 0, nil
}

// withFd runs fn with the raw descriptor of f.
func withFd(f *os.File, fn func(fd int)) error {
	raw, err := f.SyscallConn()
	if err != nil {
		return err
	}
	return raw.Control(func(fd uintptr) {
		fn(int(fd))
	})
}

// withFds runs fn with the raw descriptors of src and dst.
func withFds(src, dst *os.File, fn func(rfd, wfd int)) error {
	srcRaw, err := src.SyscallConn()
	if err != nil {
		return err
	}
	dstRaw, err := dst.SyscallConn()
	if err != nil {
		return err
	}

	var ctrlErr error
	err = srcRaw.Control(func(rfd uintptr) {
		ctrlErr = dstRaw.Control(func(wfd uintptr) {
			fn(int(rfd), int(wfd))
		})
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// waitReady blocks until src is readable and dst is writable. Regular
// files report ready immediately.
func waitReady(src, dst Endpoint) error {
	var perr error
	err := withFds(src.File, dst.File, func(rfd, wfd int) {
		if perr = pollFd(rfd, unix.POLLIN); perr != nil {
			return
		}
		perr = pollFd(wfd, unix.POLLOUT)
	})
	if err != nil {
		return err
	}
	return perr
}

func pollFd(fd int, events int16) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}
