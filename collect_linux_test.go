//go:build linux
// +build linux

package collect

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// =============================================================================
// Helpers
// =============================================================================

func memfdCollector(t *testing.T, pages int) *Collector {
	t.Helper()
	page := os.Getpagesize()
	return newTestCollector(t, Options{
		Mode:  ModeMemfd,
		Sized: SizedConfig{PagesPerBuffer: pages},
		Unsized: UnsizedConfig{
			InitialBufferBytes: pages * page,
			MaxBufferBytes:     4 * pages * page,
		},
	})
}

// boundarySizes returns sizes around the edges of a chain of buffers of
// capacity bytes.
func boundarySizes(capacity int) []int {
	return []int{1, capacity - 1, capacity, capacity + 1, 3 * capacity, 3*capacity + 1, 7*capacity + 13}
}

// =============================================================================
// Memfd Collector Tests
// =============================================================================

func TestNew_AutoUsesMemfd(t *testing.T) {
	c := newTestCollector(t, Options{})
	if c.Mode() != ModeMemfd {
		t.Errorf("Mode = %v, want memfd", c.Mode())
	}
}

func TestSized_RoundTrip(t *testing.T) {
	for _, pages := range []int{1, 2, 8} {
		c := memfdCollector(t, pages)
		capacity := pages * c.PageSize()

		for _, size := range boundarySizes(capacity) {
			data := pattern(size)
			st, got, err := runFile(t, c, data)
			if err != nil {
				t.Fatalf("pages %d size %d: %v", pages, size, err)
			}
			if !bytes.Equal(data, got) {
				t.Errorf("pages %d size %d: output differs", pages, size)
			}
			if st.Path != PathSized || st.Size != Known(int64(size)) {
				t.Errorf("pages %d size %d: path %q, size %v", pages, size, st.Path, st.Size)
			}
			if want := (size + capacity - 1) / capacity; st.Buffers != want {
				t.Errorf("pages %d size %d: Buffers = %d, want %d", pages, size, st.Buffers, want)
			}
			if st.Collected != int64(size) || st.Written != int64(size) {
				t.Errorf("pages %d size %d: collected %d, written %d", pages, size, st.Collected, st.Written)
			}
		}
	}
}

func TestUnsized_RoundTrip(t *testing.T) {
	for _, pages := range []int{1, 2} {
		c := memfdCollector(t, pages)
		capacity := pages * c.PageSize()

		for _, size := range append(boundarySizes(capacity), 0) {
			data := pattern(size)
			st, got, err := runPipe(t, c, data)
			if err != nil {
				t.Fatalf("pages %d size %d: %v", pages, size, err)
			}
			if !bytes.Equal(data, got) {
				t.Errorf("pages %d size %d: output differs", pages, size)
			}
			if st.Path != PathUnsized || st.Written != int64(size) {
				t.Errorf("pages %d size %d: path %q, written %d", pages, size, st.Path, st.Written)
			}
		}
	}
}

func TestKnownAndUnknownSizeAgree(t *testing.T) {
	c := memfdCollector(t, 1)
	for _, size := range boundarySizes(c.PageSize()) {
		data := pattern(size)

		_, fromFile, err := runFile(t, c, data)
		if err != nil {
			t.Fatal(err)
		}
		_, fromPipe, err := runPipe(t, c, data)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(fromFile, fromPipe) {
			t.Errorf("size %d: file and pipe output differ", size)
		}
	}
}

func TestUnsized_GrowthAndTrailingBuffer(t *testing.T) {
	c := memfdCollector(t, 1)
	page := c.PageSize()

	// Buffers of 1, 2 and 4 pages hold exactly 7 pages; the next buffer
	// sees end of input and is discarded.
	data := pattern(7 * page)
	st, got, err := runPipe(t, c, data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, got) {
		t.Error("output differs")
	}
	if st.Buffers != 3 {
		t.Errorf("Buffers = %d, want 3", st.Buffers)
	}
}

func TestUnsized_EmptyInput(t *testing.T) {
	c := memfdCollector(t, 1)
	st, got, err := runPipe(t, c, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 || st.Collected != 0 || st.Written != 0 || st.Buffers != 0 {
		t.Errorf("got %d bytes, stats %+v", len(got), st)
	}
}

func TestSized_ReadsOnlyProbedSize(t *testing.T) {
	c := memfdCollector(t, 1)
	out := outputFile(t)

	if _, err := c.collectSized(5, c.opts.Sized, filledPipe(t, []byte("0123456789")), out); err != nil {
		t.Fatal(err)
	}
	if got := readOutput(t, out); string(got) != "01234" {
		t.Errorf("output = %q, want %q", got, "01234")
	}
}

func TestSized_ShortInput(t *testing.T) {
	data := pattern(3 * os.Getpagesize())
	promised := int64(len(data) + os.Getpagesize())

	fail := memfdCollector(t, 1)
	out := outputFile(t)
	_, err := fail.collectSized(promised, fail.opts.Sized, filledPipe(t, data), out)
	if KindOf(err) != KindUnexpectedEOF || ExitCode(err) != ExitUnexpectedEOF {
		t.Errorf("err = %v (exit %d), want unexpected end of input", err, ExitCode(err))
	}
	if got := readOutput(t, out); len(got) != 0 {
		t.Errorf("wrote %d bytes after a failed collection", len(got))
	}

	accept := newTestCollector(t, Options{
		Mode:       ModeMemfd,
		Sized:      SizedConfig{PagesPerBuffer: 1},
		ShortInput: ShortInputAccept,
	})
	out = outputFile(t)
	st, err := accept.collectSized(promised, accept.opts.Sized, filledPipe(t, data), out)
	if err != nil {
		t.Fatal(err)
	}
	if got := readOutput(t, out); !bytes.Equal(got, data) {
		t.Error("accepted short input was not written in full")
	}
	if st.Written != int64(len(data)) {
		t.Errorf("Written = %d, want %d", st.Written, len(data))
	}
}

func TestRun_PartlyReadInput(t *testing.T) {
	c := memfdCollector(t, 1)
	data := pattern(3*c.PageSize() + 100)
	in := tempFile(t, data)

	// A caller consumed a header before handing the descriptor over.
	if _, err := in.Seek(100, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	out := outputFile(t)
	st, err := c.Run(in, out)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if st.Size != Known(int64(len(data)-100)) {
		t.Errorf("Size = %v, want %d", st.Size, len(data)-100)
	}
	if got := readOutput(t, out); !bytes.Equal(got, data[100:]) {
		t.Error("output differs from the unread remainder")
	}
}

// =============================================================================
// Output Tests
// =============================================================================

func TestRun_PipeInputUsesSplice(t *testing.T) {
	c := memfdCollector(t, 1)
	st, _, err := runPipe(t, c, pattern(5*c.PageSize()))
	if err != nil {
		t.Fatal(err)
	}
	if st.FillStrategy != "splice" {
		t.Errorf("FillStrategy = %q, want splice", st.FillStrategy)
	}
	if st.DrainStrategy == "" {
		t.Error("DrainStrategy not recorded")
	}
}

func TestRun_PipeOutput(t *testing.T) {
	c := memfdCollector(t, 2)
	data := pattern(50 * c.PageSize())
	in := tempFile(t, data)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(r)
		got <- b
	}()

	st, err := c.Run(in, w)
	w.Close()
	if err != nil {
		t.Fatal(err)
	}
	if st.DrainStrategy != "splice" {
		t.Errorf("DrainStrategy = %q, want splice", st.DrainStrategy)
	}
	if !bytes.Equal(data, <-got) {
		t.Error("pipe output differs")
	}
}

func TestRun_AppendOutput(t *testing.T) {
	prefix := []byte("kept from an earlier run\n")
	for _, sized := range []bool{true, false} {
		c := memfdCollector(t, 2)
		data := pattern(6*c.PageSize() + 7)

		var in *os.File
		if sized {
			in = tempFile(t, data)
		} else {
			in = filledPipe(t, data)
		}
		out := appendFile(t, prefix)

		st, err := c.Run(in, out)
		if err != nil {
			t.Fatalf("sized %v: Run failed: %v (exit %d)", sized, err, ExitCode(err))
		}
		if st.Written != int64(len(data)) {
			t.Errorf("sized %v: Written = %d, want %d", sized, st.Written, len(data))
		}
		if st.DrainStrategy != "copy" {
			t.Errorf("sized %v: DrainStrategy = %q, want copy", sized, st.DrainStrategy)
		}
		got := readOutput(t, out)
		if !bytes.Equal(got, append(prefix, data...)) {
			t.Errorf("sized %v: output has %d bytes, want %d after the prefix",
				sized, len(got)-len(prefix), len(data))
		}
	}
}

func TestRun_NoOutputBeforeEndOfInput(t *testing.T) {
	c := memfdCollector(t, 1)
	first, second := pattern(10000), pattern(20000)

	inR, inW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer inR.Close()
	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer outR.Close()

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(inR, outW)
		outW.Close()
		done <- err
	}()

	if _, err := inW.Write(first); err != nil {
		t.Fatal(err)
	}

	// The producer is still open: nothing may reach the output yet.
	if err := outR.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	n, err := outR.Read(make([]byte, 1))
	if n != 0 || !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("read %d bytes (%v) before end of input", n, err)
	}
	if err := outR.SetReadDeadline(time.Time{}); err != nil {
		t.Fatal(err)
	}

	if _, err := inW.Write(second); err != nil {
		t.Fatal(err)
	}
	if err := inW.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := io.ReadAll(outR)
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !bytes.Equal(got, append(first, second...)) {
		t.Error("output differs from input")
	}
}

// =============================================================================
// Failure and Cleanup Tests
// =============================================================================

func TestRun_AllocationFailureReleasesBuffers(t *testing.T) {
	for _, sized := range []bool{true, false} {
		c := memfdCollector(t, 1)
		calls := 0
		allocate := c.allocate
		c.allocate = func(pages int) (*PageBuffer, error) {
			calls++
			if calls == 3 {
				return nil, newError(KindAllocation, "fallocate", unix.ENOSPC)
			}
			return allocate(pages)
		}

		// Large enough that a pipe producer is still blocked when the run
		// fails, so its descriptor is open both before and after.
		data := pattern(64 * c.PageSize())
		var in *os.File
		if sized {
			in = tempFile(t, data)
		} else {
			in = filledPipe(t, data)
		}
		out := outputFile(t)
		before := countFds(t)

		_, err := c.Run(in, out)
		if ExitCode(err) != ExitAllocation || !errors.Is(err, unix.ENOSPC) {
			t.Errorf("sized %v: err = %v (exit %d), want ENOSPC allocation failure", sized, err, ExitCode(err))
		}
		if after := countFds(t); after != before {
			t.Errorf("sized %v: %d descriptors before, %d after", sized, before, after)
		}
		if got := readOutput(t, out); len(got) != 0 {
			t.Errorf("sized %v: wrote %d bytes after a failed collection", sized, len(got))
		}
	}
}

func TestRun_ReleasesDescriptors(t *testing.T) {
	c := memfdCollector(t, 1)
	data := pattern(9*c.PageSize() + 1)
	in := tempFile(t, data)
	out := outputFile(t)

	before := countFds(t)
	if _, err := c.Run(in, out); err != nil {
		t.Fatal(err)
	}
	if after := countFds(t); after != before {
		t.Errorf("%d descriptors before, %d after", before, after)
	}
}

func TestRun_TransferFailure(t *testing.T) {
	c := memfdCollector(t, 1)
	in := tempFile(t, pattern(3*c.PageSize()))

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	r.Close()
	defer w.Close()

	st, err := c.Run(in, w)
	if ExitCode(err) != ExitTransfer {
		t.Errorf("ExitCode = %d, want %d (%v)", ExitCode(err), ExitTransfer, err)
	}
	if st.Collected != int64(3*c.PageSize()) {
		t.Errorf("Collected = %d, want %d", st.Collected, 3*c.PageSize())
	}
}
