// Package audiotest provides in-memory Device and Stream doubles that count
// acquisitions and releases.
package audiotest

import (
	"context"
	"io"
	"sync"

	"github.com/audiolibrelab/speakcheck/internal/audio"
)

// Device hands out Streams preloaded with Chunks.
type Device struct {
	// Err, when set, fails every Acquire.
	Err error
	// Gate, when set, holds Acquire until it is closed or ctx ends.
	Gate chan struct{}
	// Chunks are queued on every stream this device creates.
	Chunks [][]byte
	// IgnoreCancel makes a gated Acquire wait for the gate even after ctx
	// ends, like hardware that cannot abort a pending open.
	IgnoreCancel bool

	entered chan struct{}

	mu       sync.Mutex
	acquires int
	cancels  int
	specs    []audio.StreamSpec
	streams  []*Stream
}

func NewDevice(chunks ...[]byte) *Device {
	return &Device{Chunks: chunks, entered: make(chan struct{}, 16)}
}

func (d *Device) Acquire(ctx context.Context, spec audio.StreamSpec) (audio.Stream, error) {
	d.mu.Lock()
	d.acquires++
	d.specs = append(d.specs, spec)
	gate := d.Gate
	err := d.Err
	ignoreCancel := d.IgnoreCancel
	d.mu.Unlock()

	select {
	case d.entered <- struct{}{}:
	default:
	}

	if gate != nil {
		if ignoreCancel {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				d.mu.Lock()
				d.cancels++
				d.mu.Unlock()
				return nil, ctx.Err()
			}
		}
	}
	if err != nil {
		return nil, err
	}

	s := NewStream(d.Chunks...)
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

// Entered receives once per Acquire call, before the gate is waited on.
func (d *Device) Entered() <-chan struct{} {
	return d.entered
}

func (d *Device) Acquires() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquires
}

// Cancels counts acquisitions that ended because their context was cancelled.
func (d *Device) Cancels() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancels
}

func (d *Device) Specs() []audio.StreamSpec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]audio.StreamSpec(nil), d.specs...)
}

// Releases sums Release calls across every stream handed out.
func (d *Device) Releases() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.streams {
		n += s.Releases()
	}
	return n
}

func (d *Device) Streams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Stream(nil), d.streams...)
}

// Last returns the most recently created stream, or nil.
func (d *Device) Last() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// Stream is an in-memory audio.Stream.
type Stream struct {
	data     chan []byte
	released chan struct{}

	mu       sync.Mutex
	releases int
	ended    bool
}

func NewStream(chunks ...[]byte) *Stream {
	s := &Stream{
		data:     make(chan []byte, 1024),
		released: make(chan struct{}),
	}
	for _, c := range chunks {
		s.data <- c
	}
	return s
}

// Push queues another chunk unless the stream has ended.
func (s *Stream) Push(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.data <- chunk
}

// End simulates the device disappearing mid-stream.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.data)
}

func (s *Stream) Read(p []byte) (int, error) {
	select {
	case b, ok := <-s.data:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, b), nil
	case <-s.released:
		select {
		case b, ok := <-s.data:
			if ok {
				return copy(p, b), nil
			}
		default:
		}
		return 0, io.EOF
	}
}

func (s *Stream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	if s.releases == 1 {
		close(s.released)
	}
	return nil
}

func (s *Stream) Releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}
