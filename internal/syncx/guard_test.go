package syncx

import (
	"errors"
	"sync"
	"testing"
)

type thresholds struct {
	motion int
	noise  float64
}

func TestGuardGetSet(t *testing.T) {
	g := NewGuard(thresholds{motion: 25, noise: 0.1})

	if got, v := g.Load(); got.motion != 25 || v != 0 {
		t.Errorf("Load() = (%+v, %d), want motion 25 at version 0", got, v)
	}

	g.Set(thresholds{motion: 40, noise: 0.2})
	if got := g.Get(); got.motion != 40 || got.noise != 0.2 {
		t.Errorf("Get() after Set = %+v", got)
	}
	if g.Version() != 1 {
		t.Errorf("Version() = %d, want 1", g.Version())
	}
}

func TestGuardGetIsSnapshot(t *testing.T) {
	g := NewGuard(thresholds{motion: 25})
	snap := g.Get()

	g.Write(func(v *thresholds) { v.motion = 99 })

	if snap.motion != 25 {
		t.Errorf("snapshot changed to %d", snap.motion)
	}
	if got := View(g, func(v thresholds) int { return v.motion }); got != 99 {
		t.Errorf("View() = %d, want 99", got)
	}
}

func TestGuardUpdate(t *testing.T) {
	errTooLow := errors.New("threshold must be positive")
	validate := func(v *thresholds) error {
		if v.motion <= 0 {
			return errTooLow
		}
		return nil
	}
	g := NewGuard(thresholds{motion: 25})

	got, err := g.Update(func(v *thresholds) error {
		v.motion = 30
		return validate(v)
	})
	if err != nil || got.motion != 30 {
		t.Fatalf("Update() = (%+v, %v), want motion 30", got, err)
	}

	got, err = g.Update(func(v *thresholds) error {
		v.motion = -1
		v.noise = 5
		return validate(v)
	})
	if !errors.Is(err, errTooLow) {
		t.Fatalf("Update() error = %v, want %v", err, errTooLow)
	}
	if got.motion != 30 || got.noise != 0 {
		t.Errorf("rejected Update returned %+v, want the committed value", got)
	}
	if cur := g.Get(); cur.motion != 30 || cur.noise != 0 {
		t.Errorf("rejected Update leaked a partial change: %+v", cur)
	}
	if g.Version() != 1 {
		t.Errorf("Version() = %d, want 1", g.Version())
	}
}

func TestGuardConcurrentWrites(t *testing.T) {
	g := NewGuard(0)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Write(func(v *int) { *v++ })
			_ = g.Get()
		}()
	}
	wg.Wait()

	if got, v := g.Load(); got != 100 || v != 100 {
		t.Errorf("Load() = (%d, %d), want (100, 100)", got, v)
	}
}
