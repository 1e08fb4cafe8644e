// Package service composes capture, playback and submission into the
// learner-facing session state machine shared by the CLI and HTTP surfaces.
package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"sync"

	"github.com/audiolibrelab/speakcheck/internal/apperr"
	"github.com/audiolibrelab/speakcheck/internal/audio"
	"github.com/audiolibrelab/speakcheck/internal/capture"
	"github.com/audiolibrelab/speakcheck/internal/evaluation"
	"github.com/audiolibrelab/speakcheck/internal/play"
	"github.com/audiolibrelab/speakcheck/internal/store"
	"github.com/audiolibrelab/speakcheck/internal/submission"
)

// Service is the surface-facing session API.
type Service interface {
	// Recording operations
	StartRecording(ctx context.Context) (capture.Snapshot, error)
	StopRecording() (audio.Artifact, error)
	Discard()
	RecordAnother(ctx context.Context) (capture.Snapshot, error)

	// Submission operations
	Submit(ctx context.Context) submission.Outcome
	Retry(ctx context.Context) submission.Outcome

	// Playback operations
	Play(ctx context.Context) error
	PlayURL(ctx context.Context, url string) error
	Pause() error
	Seek(seconds float64) error
	Positions(ctx context.Context) iter.Seq[float64]
	ReleasePlayback() error

	// Information operations
	Status() Status
	GetLastError() string

	Teardown()
}

// State is the surface-level session state.
type State string

const (
	StateIdle            State = "IDLE"
	StateCapturing       State = "CAPTURING"
	StateCaptured        State = "CAPTURED"
	StateSubmitting      State = "SUBMITTING"
	StateEvaluated       State = "EVALUATED"
	StateSubmissionError State = "SUBMISSION_ERROR"
)

var (
	// ErrClosed is returned after Teardown.
	ErrClosed = errors.New("session has been torn down")
	// ErrInvalidState is returned when an operation does not apply to the
	// current state.
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrNoRecording is returned when there is no captured artifact to use.
	ErrNoRecording = errors.New("no captured recording")
)

// Session is what one surface records and submits against.
type Session struct {
	Capture   capture.Config
	SubjectID string
	Rubric    *evaluation.Rubric
	Metadata  map[string]string
}

// History receives successful evaluations.
type History interface {
	SaveEvaluation(ctx context.Context, entry store.Entry) (*store.Evaluation, error)
}

type Deps struct {
	Recorder *capture.Recorder
	Player   *play.Controller
	Backend  submission.Backend
	// Guard is shared by every surface submitting to the same backend.
	Guard   *submission.Guard
	History History
	Logger  *slog.Logger
}

// Status is a point-in-time view of the session for rendering.
type Status struct {
	State     State              `json:"state"`
	Recording *capture.Snapshot  `json:"recording,omitempty"`
	Artifact  *ArtifactInfo      `json:"artifact,omitempty"`
	Result    *evaluation.Result `json:"result,omitempty"`
	Playback  *play.State        `json:"playback,omitempty"`
	Error     string             `json:"error,omitempty"`
	ErrorKind apperr.Kind        `json:"error_kind,omitempty"`
}

type ArtifactInfo struct {
	MimeType string `json:"mime_type"`
	Bytes    int    `json:"bytes"`
}

// SessionService implements Service.
type SessionService struct {
	recorder *capture.Recorder
	player   *play.Controller
	backend  submission.Backend
	guard    *submission.Guard
	history  History
	logger   *slog.Logger
	session  Session

	mu           sync.Mutex
	state        State
	closed       bool
	rec          *capture.Recording
	captureGen   uint64
	artifact     *audio.Artifact
	result       *evaluation.Result
	submitGen    uint64
	cancelSubmit context.CancelFunc
	preview      *play.Handle

	// Error tracking
	lastError      error
	lastErrorMutex sync.RWMutex
}

func New(deps Deps, session Session) *SessionService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	guard := deps.Guard
	if guard == nil {
		guard = submission.NewGuard()
	}
	session.Metadata = maps.Clone(session.Metadata)
	return &SessionService{
		recorder: deps.Recorder,
		player:   deps.Player,
		backend:  deps.Backend,
		guard:    guard,
		history:  deps.History,
		logger:   logger,
		session:  session,
		state:    StateIdle,
	}
}

// StartRecording acquires the microphone (Idle -> Capturing).
func (s *SessionService) StartRecording(ctx context.Context) (capture.Snapshot, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return capture.Snapshot{}, ErrClosed
	}
	switch s.state {
	case StateIdle:
	case StateCapturing:
		s.mu.Unlock()
		return capture.Snapshot{}, apperr.New(apperr.AlreadyRecording, "a recording is already in progress")
	default:
		state := s.state
		s.mu.Unlock()
		return capture.Snapshot{}, fmt.Errorf("cannot start recording while %s: %w", state, ErrInvalidState)
	}
	s.captureGen++
	gen := s.captureGen
	s.state = StateCapturing
	s.mu.Unlock()

	s.clearLastError()
	s.logger.Debug("Service.StartRecording called", "max_duration_seconds", s.session.Capture.MaxDurationSeconds)

	rec, err := s.recorder.Start(ctx, s.session.Capture)

	s.mu.Lock()
	current := !s.closed && s.captureGen == gen
	if err != nil {
		if current {
			s.state = StateIdle
		}
		s.mu.Unlock()
		if current {
			s.setLastError(err)
		}
		return capture.Snapshot{}, err
	}
	if !current {
		s.mu.Unlock()
		s.recorder.Discard(rec)
		return capture.Snapshot{}, capture.ErrSessionDiscarded
	}
	s.rec = rec
	s.mu.Unlock()

	go s.watchRecording(rec, gen)
	return rec.Snapshot(), nil
}

// watchRecording moves Capturing -> Captured when the recording stops without
// a caller asking, such as at the duration ceiling.
func (s *SessionService) watchRecording(rec *capture.Recording, gen uint64) {
	<-rec.Done()
	artifact, ok := rec.Artifact()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.captureGen != gen || s.rec != rec || s.state != StateCapturing {
		return
	}
	if !ok {
		s.state = StateIdle
		s.rec = nil
		return
	}
	s.artifact = &artifact
	s.state = StateCaptured
	s.logger.Info("Recording captured", "session_id", rec.ID(), "elapsed_seconds", rec.ElapsedSeconds(), "bytes", artifact.Size())
}

// StopRecording ends capture (Capturing -> Captured). Stopping an already
// captured session returns the same artifact.
func (s *SessionService) StopRecording() (audio.Artifact, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return audio.Artifact{}, ErrClosed
	}
	rec := s.rec
	gen := s.captureGen
	if s.state != StateCapturing {
		defer s.mu.Unlock()
		if s.artifact != nil && (s.state == StateCaptured || s.state == StateSubmissionError) {
			return *s.artifact, nil
		}
		return audio.Artifact{}, fmt.Errorf("cannot stop recording while %s: %w", s.state, ErrInvalidState)
	}
	s.mu.Unlock()

	if rec == nil {
		return audio.Artifact{}, fmt.Errorf("microphone is still being acquired: %w", ErrInvalidState)
	}

	artifact, err := s.recorder.Stop(rec)
	if err != nil {
		s.setLastError(err)
		return audio.Artifact{}, fmt.Errorf("failed to stop recording: %w", err)
	}

	s.mu.Lock()
	if s.captureGen == gen && s.rec == rec && s.state == StateCapturing {
		s.artifact = &artifact
		s.state = StateCaptured
	}
	s.mu.Unlock()
	return artifact, nil
}

// Discard drops everything the session holds and returns to Idle. It is safe
// in any state.
func (s *SessionService) Discard() {
	s.mu.Lock()
	rec, preview := s.resetLocked()
	s.mu.Unlock()

	s.release(rec, preview)
	s.clearLastError()
	s.logger.Debug("Session discarded")
}

// resetLocked invalidates any in-flight capture or submission and returns
// what still needs releasing.
func (s *SessionService) resetLocked() (*capture.Recording, *play.Handle) {
	s.captureGen++
	s.submitGen++
	if s.cancelSubmit != nil {
		s.cancelSubmit()
		s.cancelSubmit = nil
	}
	rec, preview := s.rec, s.preview
	s.rec = nil
	s.preview = nil
	s.artifact = nil
	s.result = nil
	s.state = StateIdle
	return rec, preview
}

func (s *SessionService) release(rec *capture.Recording, preview *play.Handle) {
	if rec == nil {
		// Acquisition may still be in flight.
		rec = s.recorder.Active()
	}
	if rec != nil {
		s.recorder.Discard(rec)
	}
	if preview != nil {
		if err := s.player.Release(preview); err != nil {
			s.logger.Warn("Failed to release preview", "error", err)
		}
	}
}

// RecordAnother discards the current attempt and starts a fresh recording.
func (s *SessionService) RecordAnother(ctx context.Context) (capture.Snapshot, error) {
	s.Discard()
	return s.StartRecording(ctx)
}

// Submit sends the captured artifact for evaluation (Captured ->
// Submitting -> Evaluated | SubmissionError). It blocks until the outcome is
// known.
func (s *SessionService) Submit(ctx context.Context) submission.Outcome {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return submission.Outcome{Status: submission.StatusFailed, Err: ErrClosed}
	}
	switch s.state {
	case StateCaptured, StateSubmissionError:
	case StateSubmitting:
		s.mu.Unlock()
		return submission.Outcome{
			Status: submission.StatusFailed,
			Err:    apperr.New(apperr.AlreadySubmitting, "this recording is already being submitted"),
		}
	default:
		state := s.state
		s.mu.Unlock()
		return submission.Outcome{
			Status: submission.StatusFailed,
			Err:    fmt.Errorf("cannot submit while %s: %w", state, ErrNoRecording),
		}
	}

	s.submitGen++
	gen := s.submitGen
	subCtx, cancel := context.WithCancel(ctx)
	s.cancelSubmit = cancel
	s.state = StateSubmitting
	rec := s.rec
	req := submission.Request{
		Artifact:  *s.artifact,
		SubjectID: s.session.SubjectID,
		Rubric:    s.session.Rubric,
		Metadata:  s.session.Metadata,
	}
	if rec != nil {
		req.RecordingID = rec.ID()
	}
	s.mu.Unlock()

	s.clearLastError()
	out := submission.New(s.backend, s.guard, s.logger).Submit(subCtx, req)
	cancel()

	s.mu.Lock()
	if s.closed || s.submitGen != gen {
		s.mu.Unlock()
		s.logger.Debug("Ignoring abandoned submission", "recording_id", req.RecordingID, "outcome", out.Status)
		return out
	}
	s.cancelSubmit = nil
	if out.Status != submission.StatusSucceeded {
		s.state = StateSubmissionError
		s.mu.Unlock()
		s.setLastError(out.Err)
		return out
	}

	s.state = StateEvaluated
	s.result = out.Result
	s.artifact = nil
	s.rec = nil
	preview := s.preview
	s.preview = nil
	s.mu.Unlock()

	if rec != nil {
		s.recorder.Discard(rec)
	}
	if preview != nil {
		_ = s.player.Release(preview)
	}
	s.saveHistory(ctx, req, out.Result)
	return out
}

// Retry resubmits after a failed submission without re-recording.
func (s *SessionService) Retry(ctx context.Context) submission.Outcome {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateSubmissionError {
		return submission.Outcome{
			Status: submission.StatusFailed,
			Err:    fmt.Errorf("cannot retry while %s: %w", state, ErrInvalidState),
		}
	}
	return s.Submit(ctx)
}

func (s *SessionService) saveHistory(ctx context.Context, req submission.Request, result *evaluation.Result) {
	if s.history == nil {
		return
	}
	_, err := s.history.SaveEvaluation(context.WithoutCancel(ctx), store.Entry{
		RecordingID:   req.RecordingID,
		SubjectID:     req.SubjectID,
		MimeType:      req.Artifact.MimeType,
		ArtifactBytes: req.Artifact.Size(),
		Result:        result,
	})
	if err != nil {
		s.logger.Warn("Failed to save evaluation history", "recording_id", req.RecordingID, "error", err)
	}
}

// Play previews the captured artifact.
func (s *SessionService) Play(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.artifact == nil {
		s.mu.Unlock()
		return ErrNoRecording
	}
	if s.preview == nil || s.player.State(s.preview).Released {
		s.preview = s.player.NewHandle(play.ArtifactSource(*s.artifact))
	}
	h := s.preview
	s.mu.Unlock()

	if err := s.player.Play(ctx, h); err != nil {
		s.setLastError(err)
		return fmt.Errorf("playback failed: %w", err)
	}
	return nil
}

// PlayURL plays remote audio, such as a reference answer, releasing any
// preview first.
func (s *SessionService) PlayURL(ctx context.Context, url string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	h := s.player.NewHandle(play.LocationSource(url))
	if err := s.player.Play(ctx, h); err != nil {
		_ = s.player.Release(h)
		s.setLastError(err)
		return fmt.Errorf("playback failed: %w", err)
	}
	return nil
}

func (s *SessionService) Pause() error {
	h := s.player.Active()
	if h == nil {
		return nil
	}
	return s.player.Pause(h)
}

func (s *SessionService) Seek(seconds float64) error {
	h := s.player.Active()
	if h == nil {
		return fmt.Errorf("nothing is playing: %w", ErrInvalidState)
	}
	return s.player.Seek(h, seconds)
}

// Positions streams the playhead of whatever is playing now.
func (s *SessionService) Positions(ctx context.Context) iter.Seq[float64] {
	h := s.player.Active()
	if h == nil {
		return func(func(float64) bool) {}
	}
	return s.player.Positions(ctx, h)
}

// ReleasePlayback stops and releases the active playback, if any.
func (s *SessionService) ReleasePlayback() error {
	return s.player.ReleaseActive()
}

func (s *SessionService) Status() Status {
	s.mu.Lock()
	st := Status{State: s.state, Result: s.result}
	if s.rec != nil {
		snap := s.rec.Snapshot()
		st.Recording = &snap
	}
	if s.artifact != nil {
		st.Artifact = &ArtifactInfo{MimeType: s.artifact.MimeType, Bytes: s.artifact.Size()}
	}
	s.mu.Unlock()

	if h := s.player.Active(); h != nil {
		ps := s.player.State(h)
		st.Playback = &ps
	}

	s.lastErrorMutex.RLock()
	if s.lastError != nil {
		st.Error = apperr.Message(s.lastError)
		st.ErrorKind = apperr.KindOf(s.lastError)
	}
	s.lastErrorMutex.RUnlock()
	return st
}

// Teardown releases every resource the session holds and abandons any
// in-flight submission. It is idempotent.
func (s *SessionService) Teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	rec, preview := s.resetLocked()
	s.mu.Unlock()

	s.release(rec, preview)
	if err := s.player.ReleaseActive(); err != nil {
		s.logger.Warn("Failed to release playback", "error", err)
	}
	s.logger.Debug("Session torn down")
}

// GetLastError returns the user-facing text of the last error (thread-safe)
func (s *SessionService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	if s.lastError == nil {
		return ""
	}
	return apperr.Message(s.lastError)
}

// LastError returns the last error itself, for callers that inspect its kind.
func (s *SessionService) LastError() error {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

func (s *SessionService) setLastError(err error) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	s.logger.Error("Service error occurred", "error", err, "kind", apperr.KindOf(err))
}

func (s *SessionService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = nil
}
