// Package submission uploads a captured artifact, asks the backend to score
// it and normalizes the result.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/audiolibrelab/speakcheck/internal/apperr"
	"github.com/audiolibrelab/speakcheck/internal/evaluation"
)

type State string

const (
	StateIdle       State = "IDLE"
	StateUploading  State = "UPLOADING"
	StateEvaluating State = "EVALUATING"
	StateSucceeded  State = "SUCCEEDED"
	StateFailed     State = "FAILED"
)

// ErrPipelineUsed is returned when Submit is called on a pipeline that has
// already run.
var ErrPipelineUsed = errors.New("submission pipeline already used")

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Outcome is the single terminal value of one submission attempt.
type Outcome struct {
	Status Status
	Result *evaluation.Result
	Err    error
}

func (o Outcome) Kind() apperr.Kind {
	return apperr.KindOf(o.Err)
}

func succeeded(result *evaluation.Result) Outcome {
	return Outcome{Status: StatusSucceeded, Result: result}
}

func failed(err error) Outcome {
	return Outcome{Status: StatusFailed, Err: err}
}

// Guard rejects a second concurrent submission for the same recording.
type Guard struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewGuard() *Guard {
	return &Guard{inFlight: make(map[string]struct{})}
}

// Acquire claims key and returns its release func, or false if key is taken.
func (g *Guard) Acquire(key string) (func(), bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inFlight[key]; busy {
		return nil, false
	}
	g.inFlight[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inFlight, key)
			g.mu.Unlock()
		})
	}, true
}

func (g *Guard) Busy(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.inFlight[key]
	return busy
}

// Pipeline runs one submission. It is single-shot: after Submit returns the
// pipeline stays in its terminal state.
type Pipeline struct {
	backend Backend
	guard   *Guard
	logger  *slog.Logger

	mu    sync.Mutex
	state State
}

func New(backend Backend, guard *Guard, logger *slog.Logger) *Pipeline {
	if guard == nil {
		guard = NewGuard()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		backend: backend,
		guard:   guard,
		logger:  logger,
		state:   StateIdle,
	}
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Submit uploads, evaluates and normalizes req. No step is retried.
func (p *Pipeline) Submit(ctx context.Context, req Request) Outcome {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return failed(ErrPipelineUsed)
	}
	p.state = StateUploading
	p.mu.Unlock()

	req = req.snapshot()
	log := p.logger.With("recording_id", req.RecordingID)

	if req.Artifact.Empty() {
		p.setState(StateFailed)
		return failed(apperr.New(apperr.EmptyRecording, "the recording is empty"))
	}

	release, ok := p.guard.Acquire(req.RecordingID)
	if !ok {
		p.setState(StateFailed)
		return failed(apperr.New(apperr.AlreadySubmitting, "this recording is already being submitted"))
	}
	defer release()

	log.Info("Uploading recording", "bytes", req.Artifact.Size(), "mime_type", req.Artifact.MimeType)
	ref, err := p.backend.Upload(ctx, req.Artifact)
	if err != nil {
		log.Warn("Upload failed", "error", err)
		p.setState(StateFailed)
		return failed(apperr.Wrap(apperr.UploadError, "the recording could not be uploaded", err))
	}

	p.setState(StateEvaluating)
	log.Info("Evaluating recording", "reference", ref)
	raw, err := p.backend.Evaluate(ctx, ref, req)
	if err != nil {
		log.Warn("Evaluation failed", "error", err)
		p.setState(StateFailed)
		return failed(apperr.Wrap(apperr.EvaluationError, "the recording could not be evaluated", err))
	}

	result, err := evaluation.Normalize(raw)
	if err != nil {
		log.Warn("Evaluation payload rejected", "error", err)
		p.setState(StateFailed)
		return failed(apperr.Wrap(apperr.EvaluationError, "the evaluation came back incomplete", err))
	}
	result.AlignTo(req.Rubric)

	p.setState(StateSucceeded)
	log.Info("Evaluation complete", "overall_score", result.OverallScore, "criteria", len(result.Criteria))
	return succeeded(result)
}

func (o Outcome) String() string {
	switch o.Status {
	case StatusSucceeded:
		return fmt.Sprintf("succeeded (overall %.1f)", o.Result.OverallScore)
	case StatusFailed:
		return fmt.Sprintf("failed (%s): %v", o.Kind(), o.Err)
	default:
		return string(o.Status)
	}
}
