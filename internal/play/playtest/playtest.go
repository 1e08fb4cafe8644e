// Package playtest provides an in-memory playback Engine that records what it
// opened and how often each voice was closed.
package playtest

import (
	"context"
	"sync"

	"github.com/audiolibrelab/speakcheck/internal/play"
)

type Engine struct {
	// Err, when set, fails every Open.
	Err error
	// Duration is reported by every voice.
	Duration float64
	// Gates hold Open for a location until the channel is closed.
	Gates map[string]chan struct{}

	mu        sync.Mutex
	locations []string
	voices    []*Voice
}

func NewEngine() *Engine {
	return &Engine{Gates: make(map[string]chan struct{})}
}

// Gate makes Open block for location until the returned func is called.
func (e *Engine) Gate(location string) (open func()) {
	ch := make(chan struct{})
	e.mu.Lock()
	e.Gates[location] = ch
	e.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (e *Engine) Open(ctx context.Context, location string) (play.Voice, error) {
	e.mu.Lock()
	e.locations = append(e.locations, location)
	gate := e.Gates[location]
	err := e.Err
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	v := &Voice{Location: location, duration: e.Duration, ended: make(chan struct{})}
	e.mu.Lock()
	e.voices = append(e.voices, v)
	e.mu.Unlock()
	return v, nil
}

func (e *Engine) Locations() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.locations...)
}

func (e *Engine) Voices() []*Voice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Voice(nil), e.voices...)
}

// Last returns the most recently opened voice, or nil.
func (e *Engine) Last() *Voice {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.voices) == 0 {
		return nil
	}
	return e.voices[len(e.voices)-1]
}

// Voice is an in-memory play.Voice whose position only moves via Seek or
// Advance.
type Voice struct {
	Location string

	duration float64
	ended    chan struct{}
	endOnce  sync.Once

	mu       sync.Mutex
	playing  bool
	position float64
	closes   int
}

func (v *Voice) Play() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.playing = true
	return nil
}

func (v *Voice) Pause() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.playing = false
	return nil
}

func (v *Voice) Seek(seconds float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.position = seconds
	return nil
}

func (v *Voice) Position() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.position
}

func (v *Voice) Duration() float64 { return v.duration }

func (v *Voice) Ended() <-chan struct{} { return v.ended }

func (v *Voice) Close() error {
	v.mu.Lock()
	v.closes++
	v.playing = false
	v.mu.Unlock()
	v.endOnce.Do(func() { close(v.ended) })
	return nil
}

// Advance moves the playhead forward while playing.
func (v *Voice) Advance(seconds float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.playing {
		v.position += seconds
	}
}

// Finish simulates playback reaching the end on its own.
func (v *Voice) Finish() {
	v.mu.Lock()
	v.playing = false
	v.mu.Unlock()
	v.endOnce.Do(func() { close(v.ended) })
}

func (v *Voice) Playing() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.playing
}

func (v *Voice) Closes() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closes
}
