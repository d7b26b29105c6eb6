// Package collect reads an entire input stream into memory-backed storage
// before writing any of it out, so a downstream consumer never observes
// partial output from its upstream producer.
//
// Storage is a chain of memfd page buffers on Linux: each buffer is an
// anonymous in-memory file, reserved eagerly with fallocate(2) and mapped
// shared into the process. Bytes move between descriptors with splice(2)
// or sendfile(2) when the kernel allows it, and with ordinary reads and
// writes against the mapping otherwise. A buffered mode keeps the payload
// in pooled heap chunks instead, and is the only mode on other platforms.
//
// Collection runs in two phases. The fill phase drains the input into
// storage until the probed size has been read or the input reports end of
// input. Only then does the drain phase write the buffers to the output,
// in the order they were filled.
//
// Diagnostics go to the configured zap logger. The output stream only ever
// carries collected bytes.
package collect

import (
	"fmt"
	"math"
	"os"

	"go.uber.org/zap"
)

// Paths a run can take.
const (
	PathSized    = "sized"
	PathUnsized  = "unsized"
	PathBuffered = "buffered"
)

// Options configures a Collector. Zero-valued buffer configurations are
// replaced by their defaults.
type Options struct {
	Mode         Mode
	Sized        SizedConfig
	Unsized      UnsizedConfig
	HugePageSize int // bytes; 0 uses normal pages
	ShortInput   ShortInputPolicy
	MaxHeapBytes int // buffered mode limit; 0 is unlimited
	Logger       *zap.Logger
}

// Stats describes a finished run.
type Stats struct {
	Path          string
	Size          InputSize
	Collected     int64
	Written       int64
	Buffers       int
	FillStrategy  string
	DrainStrategy string
	Fallbacks     int
}

// Collector collects standard input and replays it on standard output.
// A Collector is not safe for concurrent use.
type Collector struct {
	opts     Options
	mode     Mode
	log      *zap.Logger
	pageSize int

	allocate    func(pages int) (*PageBuffer, error)
	newTransfer func() *Transfer
}

// New validates opts and returns a Collector.
func New(opts Options) (*Collector, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sized == (SizedConfig{}) {
		opts.Sized = DefaultSizedConfig()
	}
	if opts.Unsized == (UnsizedConfig{}) {
		opts.Unsized = DefaultUnsizedConfig()
	}
	if err := opts.Sized.Validate(); err != nil {
		return nil, fmt.Errorf("sized config: %w", err)
	}
	if err := opts.Unsized.Validate(); err != nil {
		return nil, fmt.Errorf("unsized config: %w", err)
	}
	if opts.MaxHeapBytes < 0 {
		return nil, fmt.Errorf("max heap bytes must not be negative, got %d", opts.MaxHeapBytes)
	}

	c := &Collector{
		opts:     opts,
		mode:     opts.Mode,
		log:      opts.Logger,
		pageSize: os.Getpagesize(),
	}
	c.newTransfer = func() *Transfer { return NewTransfer(c.log) }

	switch c.mode {
	case ModeAuto:
		c.mode = ModeBuffered
		if memfdSupported {
			c.mode = ModeMemfd
		}
	case ModeMemfd:
		if !memfdSupported {
			return nil, errNoMemfd
		}
	case ModeBuffered:
	default:
		return nil, fmt.Errorf("unknown mode %v", opts.Mode)
	}

	if c.mode == ModeMemfd {
		a, err := newAllocator(opts.HugePageSize, c.log)
		if err != nil {
			return nil, err
		}
		c.allocate = a.allocate
		c.pageSize = a.pageSize
	}
	if err := checkBounds(opts, c.pageSize); err != nil {
		return nil, err
	}
	return c, nil
}

// checkBounds rejects buffer sizes whose byte counts overflow an int once
// multiplied out by pageSize.
func checkBounds(opts Options, pageSize int) error {
	maxPages := math.MaxInt / 2 / pageSize
	if opts.Sized.PagesPerBuffer > maxPages {
		return fmt.Errorf("sized config: pages per buffer %d exceeds %d pages of %d bytes",
			opts.Sized.PagesPerBuffer, maxPages, pageSize)
	}
	maxBytes := maxPages * pageSize
	if opts.Unsized.InitialBufferBytes > maxBytes {
		return fmt.Errorf("unsized config: initial buffer size %d exceeds %d bytes",
			opts.Unsized.InitialBufferBytes, maxBytes)
	}
	if opts.Unsized.MaxBufferBytes > maxBytes {
		return fmt.Errorf("unsized config: max buffer size %d exceeds %d bytes",
			opts.Unsized.MaxBufferBytes, maxBytes)
	}
	return nil
}

// Mode returns the resolved storage mode; never ModeAuto.
func (c *Collector) Mode() Mode {
	return c.mode
}

// PageSize returns the size of one page of buffer storage.
func (c *Collector) PageSize() int {
	return c.pageSize
}

// ConfigFor returns the buffer configuration a run with the given input
// size uses.
func (c *Collector) ConfigFor(size InputSize) BufferConfig {
	if _, ok := size.Bytes(); ok {
		return c.opts.Sized
	}
	return c.opts.Unsized
}

// Run collects all of in, then writes it to out.
func (c *Collector) Run(in, out *os.File) (Stats, error) {
	size := Probe(in, c.log)
	if c.mode == ModeBuffered {
		return c.collectBuffered(size, in, out)
	}

	switch cfg := c.ConfigFor(size).(type) {
	case SizedConfig:
		n, _ := size.Bytes()
		return c.collectSized(n, cfg, in, out)
	case UnsizedConfig:
		return c.collectUnsized(cfg, in, out)
	default:
		return Stats{}, fmt.Errorf("unsupported buffer config %T", cfg)
	}
}

// drain writes every buffer of chain to out in order, releasing each
// buffer once its bytes are out.
func (c *Collector) drain(chain *BufferChain, out *os.File, st *Stats) error {
	t := c.newTransfer()
	defer func() {
		st.DrainStrategy = t.Strategy()
		st.Fallbacks += t.Fallbacks()
		c.closeTransfer(t)
	}()

	c.log.Debug("draining chain",
		zap.Int("buffers", chain.Len()),
		zap.Int64("bytes", chain.Total()))
	dst := Endpoint{File: out}
	return chain.Drain(func(b *PageBuffer) error {
		if b.Used() == 0 {
			return nil
		}
		var off int64
		moved, eof, err := t.Fill(b.drainEndpoint(&off), dst, b.Used())
		st.Written += int64(moved)
		if err != nil {
			return err
		}
		if eof && moved < b.Used() {
			return newError(KindTransfer, t.Strategy(),
				fmt.Errorf("buffer drained %d of %d bytes", moved, b.Used()))
		}
		c.log.Debug("drained buffer",
			zap.Int("bytes", moved),
			zap.String("strategy", t.Strategy()))
		return nil
	})
}

func (c *Collector) closeTransfer(t *Transfer) {
	if err := t.Close(); err != nil {
		c.log.Warn("failed to release transfer resources", zap.Error(newError(KindRelease, "close", err)))
	}
}

func (c *Collector) logCollected(st *Stats) {
	c.log.Info("collected input, starting write",
		zap.String("path", st.Path),
		zap.Stringer("size", st.Size),
		zap.Int64("bytes", st.Collected),
		zap.Int("buffers", st.Buffers),
		zap.String("strategy", st.FillStrategy))
}

func (c *Collector) logWritten(st *Stats) {
	c.log.Info("wrote output",
		zap.Int64("bytes", st.Written),
		zap.String("strategy", st.DrainStrategy),
		zap.Int("fallbacks", st.Fallbacks))
}
