// Package resource provides scoped ownership of things that must be released
// exactly once: device streams, playback voices and derived temp files.
package resource

import (
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"
)

// Handle owns a single release function.
type Handle struct {
	name    string
	release func() error

	once     sync.Once
	mu       sync.Mutex
	released bool
	err      error
}

// NewHandle wraps release so that it runs at most once.
func NewHandle(name string, release func() error) *Handle {
	return &Handle{name: name, release: release}
}

// Release runs the release function the first time it is called. Later calls
// return the first result without running it again.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		var err error
		if h.release != nil {
			err = h.release()
		}
		h.mu.Lock()
		h.released = true
		h.err = err
		h.mu.Unlock()
		if err != nil {
			slog.Debug("Resource release failed", "resource", h.name, "error", err)
		}
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Released reports whether Release has completed.
func (h *Handle) Released() bool {
	if h == nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

func (h *Handle) Name() string { return h.name }

// Scope tracks handles and releases them together.
type Scope struct {
	mu      sync.Mutex
	handles []*Handle
	closed  bool
}

func NewScope() *Scope {
	return &Scope{}
}

// Track registers release and returns its handle. Tracking on a closed scope
// releases immediately so nothing acquired after teardown can leak.
func (s *Scope) Track(name string, release func() error) *Handle {
	h := NewHandle(name, release)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = h.Release()
		return h
	}
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	return h
}

// Live returns the number of tracked handles not yet released.
func (s *Scope) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.handles {
		if !h.Released() {
			n++
		}
	}
	return n
}

// Close releases every tracked handle in reverse acquisition order.
func (s *Scope) Close() error {
	s.mu.Lock()
	handles := s.handles
	s.handles = nil
	s.closed = true
	s.mu.Unlock()

	var err error
	for i := len(handles) - 1; i >= 0; i-- {
		if releaseErr := handles[i].Release(); releaseErr != nil {
			err = multierr.Append(err, fmt.Errorf("release %s: %w", handles[i].Name(), releaseErr))
		}
	}
	return err
}
