package collect

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// DefaultPagesPerBuffer is the number of pages in each buffer of the sized path.
const DefaultPagesPerBuffer = 8

// DefaultMaxBufferBytes caps the doubling of the unsized path (256MB).
const DefaultMaxBufferBytes = 256 * 1024 * 1024

// BufferConfig selects the buffering strategy for one run. It is
// implemented by SizedConfig and UnsizedConfig only.
type BufferConfig interface {
	Validate() error
	isBufferConfig()
}

// SizedConfig configures collection of input whose length is known.
type SizedConfig struct {
	PagesPerBuffer int
}

// UnsizedConfig configures collection of input whose length is unknown.
// The first buffer holds InitialBufferBytes (rounded up to whole pages);
// each successor doubles, up to MaxBufferBytes.
type UnsizedConfig struct {
	InitialBufferBytes int
	MaxBufferBytes     int
}

func (SizedConfig) isBufferConfig()   {}
func (UnsizedConfig) isBufferConfig() {}

// Validate reports whether c is usable.
func (c SizedConfig) Validate() error {
	if c.PagesPerBuffer <= 0 {
		return fmt.Errorf("pages per buffer must be positive, got %d", c.PagesPerBuffer)
	}
	return nil
}

// Validate reports whether c is usable.
func (c UnsizedConfig) Validate() error {
	if c.InitialBufferBytes <= 0 {
		return fmt.Errorf("initial buffer size must be positive, got %d", c.InitialBufferBytes)
	}
	if c.MaxBufferBytes != 0 && c.MaxBufferBytes < c.InitialBufferBytes {
		return fmt.Errorf("max buffer size %d is below initial buffer size %d",
			c.MaxBufferBytes, c.InitialBufferBytes)
	}
	return nil
}

// DefaultSizedConfig returns the sized configuration used when none is given.
func DefaultSizedConfig() SizedConfig {
	return SizedConfig{PagesPerBuffer: DefaultPagesPerBuffer}
}

// DefaultUnsizedConfig returns an unsized configuration starting at
// DefaultPagesPerBuffer pages.
func DefaultUnsizedConfig() UnsizedConfig {
	return UnsizedConfig{
		InitialBufferBytes: DefaultPagesPerBuffer * os.Getpagesize(),
		MaxBufferBytes:     DefaultMaxBufferBytes,
	}
}

// Mode selects the storage backing a collection.
type Mode int

const (
	// ModeAuto uses memfd storage where the platform has it, heap otherwise.
	ModeAuto Mode = iota
	// ModeMemfd stores input in memfd page buffers moved with splice/sendfile.
	ModeMemfd
	// ModeBuffered stores input in pooled heap chunks.
	ModeBuffered
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeMemfd:
		return "memfd"
	case ModeBuffered:
		return "buffered"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses "auto", "memfd" or "buffered".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "memfd", "memfile":
		return ModeMemfd, nil
	case "buffered", "heap":
		return ModeBuffered, nil
	}
	return ModeAuto, fmt.Errorf("unknown mode %q", s)
}

// ShortInputPolicy decides what happens when sized input ends early.
type ShortInputPolicy int

const (
	// ShortInputFail aborts the run with a KindUnexpectedEOF error.
	ShortInputFail ShortInputPolicy = iota
	// ShortInputAccept logs a warning and emits the bytes collected so far.
	ShortInputAccept
)

var errNoMemfd = errors.New("memfd storage is not available on this platform")
