package syncx

import (
	"reflect"
	"sync"
	"testing"
)

func TestRingOverwritesOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Put(i)
	}

	if got := r.Snapshot(); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Errorf("Snapshot() = %v, want [3 4 5]", got)
	}
	if v, ok := r.Latest(); !ok || v != 5 {
		t.Errorf("Latest() = (%d, %v), want (5, true)", v, ok)
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
}

func TestRingPartial(t *testing.T) {
	r := NewRing[string](4)
	r.Put("a")
	r.Put("b")

	if got := r.Snapshot(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Snapshot() = %v, want [a b]", got)
	}
}

func TestRingEmpty(t *testing.T) {
	r := NewRing[int](2)
	if _, ok := r.Latest(); ok {
		t.Error("Latest() on empty ring should report false")
	}
	if len(r.Snapshot()) != 0 {
		t.Error("Snapshot() on empty ring should be empty")
	}
}

func TestRingReadsDoNotConsume(t *testing.T) {
	r := NewRing[int](2)
	r.Put(7)
	_, _ = r.Latest()
	_ = r.Snapshot()

	if v, ok := r.Latest(); !ok || v != 7 {
		t.Errorf("Latest() = (%d, %v), want (7, true)", v, ok)
	}
}

func TestRingReset(t *testing.T) {
	r := NewRing[int](2)
	r.Put(1)
	r.Reset()
	if r.Len() != 0 {
		t.Errorf("Len() after Reset = %d", r.Len())
	}
}

func TestRingConcurrentPut(t *testing.T) {
	r := NewRing[int](16)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Put(i)
			_ = r.Snapshot()
		}()
	}
	wg.Wait()
	if r.Len() != 16 {
		t.Errorf("Len() = %d, want 16", r.Len())
	}
}
