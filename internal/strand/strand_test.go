package strand

import (
	"testing"
	"time"
)

func TestStrandFIFOOrdering(t *testing.T) {
	s := New(nil)
	defer s.Close()

	results := make(chan int, 10)
	for i := 0; i < 10; i++ {
		i := i
		s.Post(func() { results <- i })
	}

	for i := 0; i < 10; i++ {
		select {
		case got := <-results:
			if got != i {
				t.Fatalf("expected %d, got %d (strand did not preserve FIFO order)", i, got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for posted closure")
		}
	}
}

func TestStrandPostAfterCloseIsDropped(t *testing.T) {
	s := New(nil)
	s.Close()

	done := make(chan struct{})
	s.Post(func() { close(done) })

	select {
	case <-done:
		t.Fatal("closure ran after Close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStrandClosurePanicRecovered(t *testing.T) {
	s := New(nil)
	defer s.Close()

	ran := make(chan struct{})
	s.Post(func() { panic("boom") })
	s.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("strand did not continue processing after a panic")
	}
}

func TestTableWeakHandleResolve(t *testing.T) {
	table := NewTable[int]()
	v := 42
	h := table.Put(&v)

	got, ok := h.Resolve()
	if !ok || *got != 42 {
		t.Fatalf("expected resolve to succeed with 42, got %v ok=%v", got, ok)
	}

	table.Delete(h)

	_, ok = h.Resolve()
	if ok {
		t.Fatal("expected resolve to fail after delete")
	}
}

func TestWeakHandleZeroValueInvalid(t *testing.T) {
	var h WeakHandle[int]
	if h.Valid() {
		t.Fatal("zero-value handle should not be valid")
	}
	if _, ok := h.Resolve(); ok {
		t.Fatal("zero-value handle should not resolve")
	}
}
