package submission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/speakcheck/internal/apperr"
	"github.com/audiolibrelab/speakcheck/internal/audio"
	"github.com/audiolibrelab/speakcheck/internal/evaluation"
)

type fakeBackend struct {
	uploadErr error
	evalErr   error
	payload   map[string]any
	gate      chan struct{}
	entered   chan struct{}

	mu        sync.Mutex
	uploads   int
	evaluates int
	lastReq   Request
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		payload: map[string]any{
			"overallScore": 82,
			"criteria": []any{
				map[string]any{"name": "Delivery", "score": 3, "maxScore": 5, "feedback": "steady"},
				map[string]any{"criterion": "Content", "score": 4, "feedback": "specific"},
			},
		},
		entered: make(chan struct{}, 8),
	}
}

func (b *fakeBackend) Upload(ctx context.Context, artifact audio.Artifact) (string, error) {
	b.mu.Lock()
	b.uploads++
	gate := b.gate
	b.mu.Unlock()

	b.entered <- struct{}{}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if b.uploadErr != nil {
		return "", b.uploadErr
	}
	return "ref-1", nil
}

func (b *fakeBackend) Evaluate(ctx context.Context, reference string, req Request) (map[string]any, error) {
	b.mu.Lock()
	b.evaluates++
	b.lastReq = req
	b.mu.Unlock()
	if b.evalErr != nil {
		return nil, b.evalErr
	}
	return b.payload, nil
}

func (b *fakeBackend) calls() (uploads, evaluates int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uploads, b.evaluates
}

func request() Request {
	return Request{
		RecordingID: "rec-1",
		Artifact:    audio.Artifact{Data: []byte("opus"), MimeType: "audio/webm"},
		SubjectID:   "task-1",
		Rubric: &evaluation.Rubric{Name: "Interview", Criteria: []evaluation.RubricCriterion{
			{Name: "Content", MaxScore: 5},
			{Name: "Delivery", MaxScore: 5},
		}},
	}
}

func TestSubmitSucceeds(t *testing.T) {
	backend := newFakeBackend()
	p := New(backend, nil, nil)

	out := p.Submit(context.Background(), request())
	require.Equal(t, StatusSucceeded, out.Status, out.String())
	assert.Equal(t, StateSucceeded, p.State())
	assert.Equal(t, 82.0, out.Result.OverallScore)
	require.Len(t, out.Result.Criteria, 2)
	assert.Equal(t, "Content", out.Result.Criteria[0].Name, "criteria follow rubric order")
	assert.Equal(t, "task-1", backend.lastReq.SubjectID)
}

func TestSubmitEmptyArtifactMakesNoCall(t *testing.T) {
	backend := newFakeBackend()
	req := request()
	req.Artifact.Data = nil

	out := New(backend, nil, nil).Submit(context.Background(), req)

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, apperr.EmptyRecording, out.Kind())
	uploads, evaluates := backend.calls()
	assert.Zero(t, uploads)
	assert.Zero(t, evaluates)
}

func TestSubmitFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*fakeBackend)
		outer   apperr.Kind
		inner   apperr.Kind
		evalRun bool
	}{
		{"upload", func(b *fakeBackend) { b.uploadErr = errors.New("connection reset") }, apperr.UploadError, "", false},
		{"evaluate", func(b *fakeBackend) { b.evalErr = errors.New("502") }, apperr.EvaluationError, "", true},
		{"malformed", func(b *fakeBackend) { b.payload = map[string]any{"criteria": []any{}} }, apperr.EvaluationError, apperr.MalformedEvaluation, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			tt.setup(backend)
			p := New(backend, nil, nil)

			out := p.Submit(context.Background(), request())
			assert.Equal(t, StatusFailed, out.Status)
			assert.Equal(t, tt.outer, out.Kind())
			if tt.inner != "" {
				assert.True(t, apperr.IsKind(out.Err, tt.inner))
			}
			assert.Equal(t, StateFailed, p.State())

			_, evaluates := backend.calls()
			assert.Equal(t, tt.evalRun, evaluates == 1)
		})
	}
}

func TestConcurrentSubmitRejected(t *testing.T) {
	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	guard := NewGuard()

	first := make(chan Outcome, 1)
	go func() { first <- New(backend, guard, nil).Submit(context.Background(), request()) }()
	<-backend.entered

	second := New(backend, guard, nil).Submit(context.Background(), request())
	assert.Equal(t, apperr.AlreadySubmitting, second.Kind())

	close(backend.gate)
	select {
	case out := <-first:
		assert.Equal(t, StatusSucceeded, out.Status)
	case <-time.After(time.Second):
		t.Fatal("first submission did not resolve")
	}

	assert.False(t, guard.Busy("rec-1"))
	third := New(backend, guard, nil).Submit(context.Background(), request())
	assert.Equal(t, StatusSucceeded, third.Status)
}

func TestGuardReleasedAfterFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.uploadErr = errors.New("offline")
	guard := NewGuard()

	out := New(backend, guard, nil).Submit(context.Background(), request())
	require.Equal(t, apperr.UploadError, out.Kind())
	assert.False(t, guard.Busy("rec-1"))

	backend.uploadErr = nil
	out = New(backend, guard, nil).Submit(context.Background(), request())
	assert.Equal(t, StatusSucceeded, out.Status)
}

func TestPipelineIsSingleShot(t *testing.T) {
	p := New(newFakeBackend(), nil, nil)
	require.Equal(t, StatusSucceeded, p.Submit(context.Background(), request()).Status)

	out := p.Submit(context.Background(), request())
	assert.ErrorIs(t, out.Err, ErrPipelineUsed)
	assert.Equal(t, StateSucceeded, p.State())
}

func TestSubmitCancelledUpload(t *testing.T) {
	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Outcome, 1)
	go func() { done <- New(backend, nil, nil).Submit(ctx, request()) }()
	<-backend.entered
	cancel()

	out := <-done
	assert.Equal(t, apperr.UploadError, out.Kind())
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestRequestSnapshotIsolatesCaller(t *testing.T) {
	req := request()
	req.Metadata = map[string]string{MetaPrompt: "before"}

	snap := req.snapshot()
	req.Metadata[MetaPrompt] = "after"
	req.Rubric.Criteria[0].Name = "changed"

	assert.Equal(t, "before", snap.Metadata[MetaPrompt])
	assert.Equal(t, "Content", snap.Rubric.Criteria[0].Name)
}
