// Package play previews recorded artifacts and remote audio. A Controller owns
// at most one active playback handle at a time.
package play

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/speakcheck/internal/audio"
	"github.com/audiolibrelab/speakcheck/internal/resource"
)

type Status string

const (
	StatusStopped Status = "STOPPED"
	StatusPlaying Status = "PLAYING"
	StatusPaused  Status = "PAUSED"
)

var (
	// ErrReleased is returned when operating on a released handle.
	ErrReleased = errors.New("playback handle released")
	// ErrSuperseded is returned by a Play that lost to a later Play.
	ErrSuperseded = errors.New("playback superseded")
)

// Source is what a handle plays: either an in-memory artifact or a location
// (file path or URL).
type Source struct {
	Artifact *audio.Artifact
	Location string
}

func ArtifactSource(a audio.Artifact) Source {
	return Source{Artifact: &a}
}

func LocationSource(location string) Source {
	return Source{Location: location}
}

// Handle is one playable source. Handles are created by a Controller and
// only mutated under its lock.
type Handle struct {
	id     string
	source Source
	scope  *resource.Scope

	materialize sync.Once
	path        string
	pathErr     error

	status   Status
	position float64
	duration float64
	released bool

	voice       Voice
	voiceHandle *resource.Handle
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Source() Source { return h.source }

// State is a point-in-time view of a handle.
type State struct {
	ID              string  `json:"id"`
	Status          Status  `json:"status"`
	PositionSeconds float64 `json:"position_seconds"`
	DurationSeconds float64 `json:"duration_seconds"`
	Released        bool    `json:"released"`
}

type Controller struct {
	engine   Engine
	logger   *slog.Logger
	tempDir  string
	interval time.Duration

	mu     sync.Mutex
	active *Handle
	gen    uint64
}

type Option func(*Controller)

// WithTempDir sets where local artifacts are materialised for the engine.
func WithTempDir(dir string) Option {
	return func(c *Controller) { c.tempDir = dir }
}

// WithPositionInterval sets the sampling interval of Positions.
func WithPositionInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

func NewController(engine Engine, opts ...Option) *Controller {
	c := &Controller{
		engine:   engine,
		logger:   slog.Default(),
		interval: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// NewHandle creates a stopped handle for source. Nothing is acquired until
// Play.
func (c *Controller) NewHandle(source Source) *Handle {
	return &Handle{
		id:     uuid.NewString(),
		source: source,
		scope:  resource.NewScope(),
		status: StatusStopped,
	}
}

// Play starts or resumes h. Any other active handle is released first.
func (c *Controller) Play(ctx context.Context, h *Handle) error {
	c.mu.Lock()
	if h.released {
		c.mu.Unlock()
		return ErrReleased
	}
	if c.active == h && h.voice != nil {
		defer c.mu.Unlock()
		if h.status == StatusPlaying {
			return nil
		}
		if err := h.voice.Play(); err != nil {
			return fmt.Errorf("resume playback: %w", err)
		}
		h.status = StatusPlaying
		return nil
	}

	var prior *Handle
	if c.active != nil && c.active != h {
		prior = c.active
		c.detachLocked(prior)
	}
	c.gen++
	gen := c.gen
	c.active = h
	c.mu.Unlock()

	if prior != nil {
		c.logger.Debug("Releasing superseded playback", "handle_id", prior.id)
		if err := prior.scope.Close(); err != nil {
			c.logger.Warn("Failed to release playback", "handle_id", prior.id, "error", err)
		}
	}

	location, err := c.location(h)
	if err != nil {
		c.clearActive(h, gen)
		return err
	}

	voice, err := c.engine.Open(ctx, location)
	if err != nil {
		c.clearActive(h, gen)
		return fmt.Errorf("open playback: %w", err)
	}

	c.mu.Lock()
	if gen != c.gen || c.active != h || h.released {
		c.mu.Unlock()
		_ = voice.Close()
		return ErrSuperseded
	}
	h.voice = voice
	h.voiceHandle = h.scope.Track("voice", voice.Close)
	h.duration = voice.Duration()
	if h.position > 0 {
		if err := voice.Seek(h.position); err != nil {
			c.logger.Debug("Initial seek failed", "handle_id", h.id, "error", err)
		}
	}
	if err := voice.Play(); err != nil {
		vh := h.voiceHandle
		h.voice = nil
		h.voiceHandle = nil
		c.mu.Unlock()
		_ = vh.Release()
		return fmt.Errorf("start playback: %w", err)
	}
	h.status = StatusPlaying
	c.mu.Unlock()

	c.logger.Debug("Playback started", "handle_id", h.id, "location", location)
	go c.watch(h, voice)
	return nil
}

func (c *Controller) Pause(h *Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.released {
		return ErrReleased
	}
	if h.status != StatusPlaying || h.voice == nil {
		return nil
	}
	if err := h.voice.Pause(); err != nil {
		return fmt.Errorf("pause playback: %w", err)
	}
	h.position = h.voice.Position()
	h.status = StatusPaused
	return nil
}

// Seek moves the playhead, clamped to the known duration. Seeking a stopped
// handle sets the offset for its next Play.
func (c *Controller) Seek(h *Handle, seconds float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.released {
		return ErrReleased
	}
	if seconds < 0 {
		seconds = 0
	}
	if h.duration > 0 && seconds > h.duration {
		seconds = h.duration
	}
	if h.voice != nil {
		if err := h.voice.Seek(seconds); err != nil {
			return fmt.Errorf("seek playback: %w", err)
		}
	}
	h.position = seconds
	return nil
}

// Release stops h and frees everything it holds. It is idempotent.
func (c *Controller) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	c.mu.Lock()
	if h.released {
		c.mu.Unlock()
		return nil
	}
	c.detachLocked(h)
	c.mu.Unlock()
	return h.scope.Close()
}

// ReleaseActive releases whatever handle is active.
func (c *Controller) ReleaseActive() error {
	c.mu.Lock()
	h := c.active
	c.mu.Unlock()
	return c.Release(h)
}

// Active returns the active handle, or nil.
func (c *Controller) Active() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) State(h *Handle) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := h.position
	if h.voice != nil && h.status == StatusPlaying {
		pos = h.voice.Position()
	}
	return State{
		ID:              h.id,
		Status:          h.status,
		PositionSeconds: pos,
		DurationSeconds: h.duration,
		Released:        h.released,
	}
}

// Positions samples the playhead of h until it stops, ctx ends or the
// consumer stops iterating. The final sample of a stopped handle is yielded.
func (c *Controller) Positions(ctx context.Context, h *Handle) iter.Seq[float64] {
	return func(yield func(float64) bool) {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			st := c.State(h)
			if !yield(st.PositionSeconds) {
				return
			}
			if st.Status == StatusStopped || ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

// detachLocked marks h released and cancels any Play in flight for it.
func (c *Controller) detachLocked(h *Handle) {
	h.released = true
	h.status = StatusStopped
	h.position = 0
	h.voice = nil
	h.voiceHandle = nil
	if c.active == h {
		c.active = nil
		c.gen++
	}
}

func (c *Controller) clearActive(h *Handle, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen && c.active == h {
		c.active = nil
	}
}

// watch moves h to Stopped when its voice reaches the end on its own.
func (c *Controller) watch(h *Handle, voice Voice) {
	<-voice.Ended()

	c.mu.Lock()
	if h.voice != voice {
		c.mu.Unlock()
		return
	}
	vh := h.voiceHandle
	h.voice = nil
	h.voiceHandle = nil
	h.status = StatusStopped
	h.position = 0
	c.mu.Unlock()

	c.logger.Debug("Playback finished", "handle_id", h.id)
	_ = vh.Release()
}

// location returns a path or URL the engine can open, writing a local
// artifact to a temp file once per handle.
func (c *Controller) location(h *Handle) (string, error) {
	if h.source.Artifact == nil {
		if h.source.Location == "" {
			return "", fmt.Errorf("playback source is empty")
		}
		return h.source.Location, nil
	}

	h.materialize.Do(func() {
		a := h.source.Artifact
		if a.Empty() {
			h.pathErr = fmt.Errorf("playback source is empty")
			return
		}
		f, err := os.CreateTemp(c.tempDir, "speakcheck-preview-*"+a.Extension())
		if err != nil {
			h.pathErr = fmt.Errorf("failed to create preview file: %w", err)
			return
		}
		name := f.Name()
		h.scope.Track("preview file", func() error {
			if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		})
		if _, err := f.Write(a.Data); err != nil {
			f.Close()
			h.pathErr = fmt.Errorf("failed to write preview file: %w", err)
			return
		}
		if err := f.Close(); err != nil {
			h.pathErr = fmt.Errorf("failed to write preview file: %w", err)
			return
		}
		h.path = name
	})
	return h.path, h.pathErr
}
