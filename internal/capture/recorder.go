package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/speakcheck/internal/apperr"
	"github.com/audiolibrelab/speakcheck/internal/audio"
	"github.com/audiolibrelab/speakcheck/internal/resource"
)

// State is the lifecycle state of a Recording.
type State string

const (
	StateIdle            State = "IDLE"
	StateAcquiringDevice State = "ACQUIRING_DEVICE"
	StateRecording       State = "RECORDING"
	StateStopped         State = "STOPPED"
	StateDiscarded       State = "DISCARDED"
)

var (
	ErrSessionDiscarded = errors.New("recording session was discarded")
	ErrNotRecording     = errors.New("recording has not started")
)

const defaultChunkSize = 4096

// Recorder owns the capture lifecycle for one surface. At most one recording
// is acquiring or recording at any instant.
type Recorder struct {
	device    audio.Device
	logger    *slog.Logger
	newTicker TickerFactory
	interval  time.Duration
	chunkSize int

	mu     sync.Mutex
	active *Recording
}

type Option func(*Recorder)

func WithTicker(f TickerFactory) Option {
	return func(r *Recorder) { r.newTicker = f }
}

func WithTickInterval(d time.Duration) Option {
	return func(r *Recorder) { r.interval = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

func WithChunkSize(n int) Option {
	return func(r *Recorder) { r.chunkSize = n }
}

func NewRecorder(device audio.Device, opts ...Option) *Recorder {
	r := &Recorder{
		device:    device,
		logger:    slog.Default(),
		newTicker: NewTimeTicker,
		interval:  time.Second,
		chunkSize: defaultChunkSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.chunkSize < 256 {
		r.chunkSize = defaultChunkSize
	}
	return r
}

// Recording is one capture attempt.
type Recording struct {
	id  string
	cfg Config

	mu        sync.Mutex
	state     State
	stopping  bool
	elapsed   int
	startedAt time.Time
	chunks    [][]byte
	artifact  *audio.Artifact

	// cancelAcquire aborts the device acquisition; acquired is closed once
	// Start has finished handling its result.
	cancelAcquire context.CancelFunc
	acquired      chan struct{}

	stream   audio.Stream
	device   *resource.Handle
	governor *Governor
	pumpDone chan struct{}

	stopOnce sync.Once
	doneOnce sync.Once
	done     chan struct{}
}

func (rec *Recording) ID() string     { return rec.id }
func (rec *Recording) Config() Config { return rec.cfg }

func (rec *Recording) State() State {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state
}

func (rec *Recording) ElapsedSeconds() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.elapsed
}

// Artifact returns the recorded audio once the recording is Stopped.
func (rec *Recording) Artifact() (audio.Artifact, bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != StateStopped || rec.artifact == nil {
		return audio.Artifact{}, false
	}
	return *rec.artifact, true
}

// Done is closed when the recording reaches Stopped or Discarded, or when
// acquisition fails.
func (rec *Recording) Done() <-chan struct{} {
	return rec.done
}

// Snapshot is a point-in-time copy of a recording for rendering.
type Snapshot struct {
	ID                 string    `json:"id"`
	State              State     `json:"state"`
	ElapsedSeconds     int       `json:"elapsed_seconds"`
	MaxDurationSeconds int       `json:"max_duration_seconds"`
	MimeType           string    `json:"mime_type"`
	ArtifactBytes      int       `json:"artifact_bytes"`
	StartedAt          time.Time `json:"started_at"`
}

func (rec *Recording) Snapshot() Snapshot {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	s := Snapshot{
		ID:                 rec.id,
		State:              rec.state,
		ElapsedSeconds:     rec.elapsed,
		MaxDurationSeconds: rec.cfg.MaxDurationSeconds,
		MimeType:           rec.cfg.MimeType,
		StartedAt:          rec.startedAt,
	}
	if rec.artifact != nil {
		s.ArtifactBytes = rec.artifact.Size()
	}
	return s
}

func (rec *Recording) markDone() {
	rec.doneOnce.Do(func() { close(rec.done) })
}

// Start acquires the device and begins buffering chunks.
func (r *Recorder) Start(ctx context.Context, cfg Config) (*Recording, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rec := &Recording{
		id:            uuid.NewString(),
		cfg:           cfg,
		state:         StateAcquiringDevice,
		done:          make(chan struct{}),
		cancelAcquire: cancel,
		acquired:      make(chan struct{}),
	}
	defer close(rec.acquired)

	r.mu.Lock()
	if r.active != nil {
		r.mu.Unlock()
		return nil, apperr.New(apperr.AlreadyRecording, "a recording is already in progress")
	}
	r.active = rec
	r.mu.Unlock()

	logger := r.logger.With("session_id", rec.id)
	logger.Debug("Acquiring microphone", "max_duration_seconds", cfg.MaxDurationSeconds, "mime_type", cfg.MimeType)

	stream, err := r.device.Acquire(acquireCtx, cfg.streamSpec())

	rec.mu.Lock()
	if rec.state == StateDiscarded {
		rec.mu.Unlock()
		if stream != nil {
			abandonStream(stream)
			logger.Debug("Acquisition finished after discard; stream released")
		}
		r.clearActive(rec)
		return nil, ErrSessionDiscarded
	}
	if err != nil {
		rec.state = StateIdle
		rec.mu.Unlock()
		rec.markDone()
		r.clearActive(rec)
		if apperr.KindOf(err) == "" {
			err = apperr.Wrap(apperr.DeviceUnavailable, "microphone could not be opened", err)
		}
		logger.Warn("Microphone acquisition failed", "error", err)
		return nil, err
	}

	rec.stream = stream
	rec.device = resource.NewHandle("microphone", stream.Release)
	rec.pumpDone = make(chan struct{})
	rec.governor = newGovernor(cfg.MaxDurationSeconds, r.newTicker(r.interval),
		rec.advance,
		func() {
			logger.Info("Maximum duration reached; stopping recording", "max_duration_seconds", cfg.MaxDurationSeconds)
			_, _ = r.Stop(rec)
		},
	)
	rec.state = StateRecording
	rec.startedAt = time.Now()
	rec.mu.Unlock()

	go r.pump(rec, logger)
	rec.governor.start()

	logger.Info("Recording started")
	return rec, nil
}

// advance records the governor's elapsed count. It returns false once the
// recording is no longer accepting time.
func (rec *Recording) advance(elapsed int) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != StateRecording || rec.stopping {
		return false
	}
	if elapsed > rec.cfg.MaxDurationSeconds {
		elapsed = rec.cfg.MaxDurationSeconds
	}
	if elapsed > rec.elapsed {
		rec.elapsed = elapsed
	}
	return true
}

func (r *Recorder) pump(rec *Recording, logger *slog.Logger) {
	defer close(rec.pumpDone)

	buf := make([]byte, r.chunkSize)
	for {
		n, err := rec.stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			rec.mu.Lock()
			if rec.state == StateRecording {
				rec.chunks = append(rec.chunks, chunk)
			}
			rec.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("Audio stream failed", "error", err)
			}
			rec.mu.Lock()
			live := rec.state == StateRecording && !rec.stopping
			rec.mu.Unlock()
			if live {
				logger.Warn("Audio stream ended while recording; stopping")
				go func() { _, _ = r.Stop(rec) }()
			}
			return
		}
	}
}

// Stop ends the recording and returns its artifact. Calling Stop again
// returns the same artifact; the device is released only once.
func (r *Recorder) Stop(rec *Recording) (audio.Artifact, error) {
	rec.mu.Lock()
	switch rec.state {
	case StateDiscarded:
		rec.mu.Unlock()
		return audio.Artifact{}, ErrSessionDiscarded
	case StateIdle, StateAcquiringDevice:
		rec.mu.Unlock()
		return audio.Artifact{}, ErrNotRecording
	}
	rec.mu.Unlock()

	rec.stopOnce.Do(func() { r.finish(rec) })
	<-rec.done

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != StateStopped || rec.artifact == nil {
		return audio.Artifact{}, ErrSessionDiscarded
	}
	return *rec.artifact, nil
}

func (r *Recorder) finish(rec *Recording) {
	rec.mu.Lock()
	rec.stopping = true
	rec.mu.Unlock()

	rec.governor.Halt()
	if err := rec.device.Release(); err != nil {
		r.logger.Warn("Microphone release reported an error", "session_id", rec.id, "error", err)
	}
	<-rec.pumpDone

	rec.mu.Lock()
	if rec.state == StateRecording {
		rec.artifact = &audio.Artifact{
			Data:     bytes.Join(rec.chunks, nil),
			MimeType: rec.cfg.MimeType,
		}
		rec.chunks = nil
		rec.state = StateStopped
	}
	state := rec.state
	elapsed := rec.elapsed
	size := 0
	if rec.artifact != nil {
		size = rec.artifact.Size()
	}
	rec.mu.Unlock()

	rec.markDone()
	r.clearActive(rec)

	if state == StateStopped {
		r.logger.Info("Recording stopped", "session_id", rec.id, "elapsed_seconds", elapsed, "bytes", size)
	}
}

// Discard releases everything the recording holds. It is safe in any state.
// An acquisition still in flight is cancelled, and Discard returns only once
// it has come back and anything it produced has been released.
func (r *Recorder) Discard(rec *Recording) {
	if rec == nil {
		return
	}

	rec.mu.Lock()
	if rec.state == StateDiscarded {
		rec.mu.Unlock()
		return
	}
	acquiring := rec.state == StateAcquiringDevice
	rec.state = StateDiscarded
	rec.artifact = nil
	rec.chunks = nil
	governor := rec.governor
	device := rec.device
	pumpDone := rec.pumpDone
	rec.mu.Unlock()

	rec.markDone()
	if acquiring {
		// Start releases whatever the cancelled acquisition produced and
		// gives up the active slot before acquired closes.
		rec.cancelAcquire()
		<-rec.acquired
		r.logger.Info("Recording discarded during acquisition", "session_id", rec.id)
		return
	}
	governor.Halt()
	if device != nil {
		if err := device.Release(); err != nil {
			r.logger.Warn("Microphone release reported an error", "session_id", rec.id, "error", err)
		}
	}
	if pumpDone != nil {
		<-pumpDone
	}
	r.clearActive(rec)

	r.logger.Info("Recording discarded", "session_id", rec.id)
}

// Active returns the recording currently acquiring or recording, if any.
func (r *Recorder) Active() *Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Recorder) clearActive(rec *Recording) {
	r.mu.Lock()
	if r.active == rec {
		r.active = nil
	}
	r.mu.Unlock()
}

// abandonStream releases a stream nobody will record from and drains it so
// its descriptors close.
func abandonStream(stream audio.Stream) {
	_ = stream.Release()
	go func() { _, _ = io.Copy(io.Discard, stream) }()
}
