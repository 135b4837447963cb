package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/GriffinCanCode/watchtower/internal/errors"
	"github.com/GriffinCanCode/watchtower/internal/syncx"
	"github.com/GriffinCanCode/watchtower/internal/trace"
)

// DefaultFlushDelay coalesces bursts of slider changes into one file write.
const DefaultFlushDelay = 500 * time.Millisecond

// Store holds the live PipelineConfig and persists it to a YAML file.
// Writes are fire-and-forget: Update returns before the file is written.
type Store struct {
	path       string
	flushDelay time.Duration
	cfg        *syncx.Guard[PipelineConfig]

	mu     sync.Mutex
	timer  *time.Timer
	dirty  bool
	closed bool
	wg     sync.WaitGroup

	writeMu sync.Mutex
	written uint64 // version of the last snapshot on disk
}

// NewStore creates a store seeded with defaults. An empty path keeps settings in memory only.
func NewStore(path string, defaults PipelineConfig, flushDelay time.Duration) *Store {
	if flushDelay <= 0 {
		flushDelay = DefaultFlushDelay
	}
	return &Store{
		path:       path,
		flushDelay: flushDelay,
		cfg:        syncx.NewGuard(defaults),
	}
}

// Load overlays settings from the file onto the current values. A missing file is not an error.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ConfigInvalid, "read settings %s", s.path)
	}

	next := s.cfg.Get()
	if err := yaml.Unmarshal(data, &next); err != nil {
		return apperrors.Wrapf(err, apperrors.ConfigInvalid, "parse settings %s", s.path)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	s.cfg.Set(next)
	return nil
}

// Snapshot returns a copy of the current settings.
func (s *Store) Snapshot() PipelineConfig {
	return s.cfg.Get()
}

// Update applies fn to a copy, validates it and publishes it. Invalid changes are discarded.
func (s *Store) Update(fn func(*PipelineConfig)) (PipelineConfig, error) {
	next, err := s.cfg.Update(func(p *PipelineConfig) error {
		fn(p)
		return p.Validate()
	})
	if err != nil {
		return next, err
	}
	s.scheduleSave()
	return next, nil
}

// Version counts accepted changes, including the initial Load.
func (s *Store) Version() uint64 {
	return s.cfg.Version()
}

func (s *Store) scheduleSave() {
	if s.path == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.dirty = true
	if s.timer == nil {
		s.timer = time.AfterFunc(s.flushDelay, s.timerFlush)
	} else {
		s.timer.Reset(s.flushDelay)
	}
}

func (s *Store) timerFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

// flushLocked must not start a write once closed: Close may already be in wg.Wait.
func (s *Store) flushLocked() {
	if !s.dirty || s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.dirty = false
	snap, ver := s.cfg.Load()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, span := trace.StartSpan(context.Background(), "settings_save")
		defer span.End()

		if err := s.write(snap, ver); err != nil {
			span.SetError(err)
			trace.Logger(ctx).Warn("settings save failed", "path", s.path, "error", err)
			return
		}
		trace.Logger(ctx).Debug("settings saved", "path", s.path)
	}()
}

// write replaces the file atomically so a crash never leaves half a document.
// A snapshot older than the one already on disk is skipped.
func (s *Store) write(p PipelineConfig, ver uint64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if ver <= s.written {
		return nil
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.written = ver
	return nil
}

// Flush starts writing pending changes immediately.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

// Close flushes pending changes and waits for in-flight writes. Later
// updates still apply in memory but are no longer persisted.
func (s *Store) Close() {
	s.mu.Lock()
	s.flushLocked()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}
