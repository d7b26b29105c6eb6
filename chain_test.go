package collect

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func fakeBuffer(length, used int) *PageBuffer {
	return &PageBuffer{length: length, used: used}
}

func TestBufferChain_DrainOrder(t *testing.T) {
	c := newBufferChain(zap.NewNop())
	bufs := []*PageBuffer{fakeBuffer(8, 8), fakeBuffer(8, 3), fakeBuffer(16, 16)}
	for _, b := range bufs {
		c.Push(b)
	}
	if c.Total() != 27 {
		t.Errorf("Total = %d, want 27", c.Total())
	}

	var order []*PageBuffer
	err := c.Drain(func(b *PageBuffer) error {
		if b.released {
			t.Error("buffer released before it was drained")
		}
		order = append(order, b)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := range bufs {
		if order[i] != bufs[i] {
			t.Fatalf("drain order differs at %d", i)
		}
		if !bufs[i].released {
			t.Errorf("buffer %d not released after drain", i)
		}
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d after drain", c.Len())
	}
}

func TestBufferChain_DrainStopsOnError(t *testing.T) {
	c := newBufferChain(zap.NewNop())
	first, second, third := fakeBuffer(8, 8), fakeBuffer(8, 8), fakeBuffer(8, 8)
	c.Push(first)
	c.Push(second)
	c.Push(third)

	boom := errors.New("boom")
	calls := 0
	err := c.Drain(func(b *PageBuffer) error {
		calls++
		if b == second {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Drain error = %v, want boom", err)
	}
	if calls != 2 || c.Len() != 2 {
		t.Errorf("calls = %d, remaining = %d", calls, c.Len())
	}
	if !first.released || second.released || third.released {
		t.Error("only the drained buffer should be released")
	}

	c.Release()
	if !second.released || !third.released || c.Len() != 0 {
		t.Error("Release left buffers behind")
	}
}

func TestBufferChain_Discard(t *testing.T) {
	c := newBufferChain(zap.NewNop())
	keep, empty := fakeBuffer(8, 8), fakeBuffer(16, 0)
	c.Push(keep)
	c.Discard(empty)

	if c.Len() != 1 || c.Last() != keep {
		t.Errorf("Len = %d, Last is kept buffer = %v", c.Len(), c.Last() == keep)
	}
	if !empty.released {
		t.Error("discarded buffer not released")
	}
}

func TestBufferChain_Empty(t *testing.T) {
	c := newBufferChain(zap.NewNop())
	if c.Last() != nil || c.Total() != 0 {
		t.Error("empty chain should have no last buffer and no bytes")
	}
	if err := c.Drain(func(*PageBuffer) error { t.Error("fn called on empty chain"); return nil }); err != nil {
		t.Fatal(err)
	}
	c.Release()
}

func TestPageBuffer_SetUsedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("setUsed beyond length did not panic")
		}
	}()
	fakeBuffer(8, 0).setUsed(9)
}

func TestPageBuffer_ReleaseIdempotent(t *testing.T) {
	b := fakeBuffer(8, 8)
	if _, err := b.Release(false); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Release(false); err != nil {
		t.Fatal(err)
	}
	var nilBuf *PageBuffer
	if _, err := nilBuf.Release(false); err != nil {
		t.Fatal(err)
	}
}
