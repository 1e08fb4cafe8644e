package submission

import (
	"context"
	"maps"

	"github.com/audiolibrelab/speakcheck/internal/audio"
	"github.com/audiolibrelab/speakcheck/internal/evaluation"
)

// Metadata keys understood by the backends.
const (
	MetaPrompt      = "prompt"
	MetaMaxDuration = "max_duration"
	MetaUserID      = "user_id"
)

// Request is the immutable snapshot taken when a submission starts.
type Request struct {
	// RecordingID keys the concurrent-submission guard.
	RecordingID string
	Artifact    audio.Artifact
	SubjectID   string
	Rubric      *evaluation.Rubric
	Metadata    map[string]string
}

// snapshot copies the mutable parts of r so later edits by the caller are not
// observed mid-flight.
func (r Request) snapshot() Request {
	r.Metadata = maps.Clone(r.Metadata)
	if r.Rubric != nil {
		rubric := *r.Rubric
		rubric.Criteria = append([]evaluation.RubricCriterion(nil), r.Rubric.Criteria...)
		r.Rubric = &rubric
	}
	return r
}

// Backend is the remote evaluation service. Upload returns a reference that
// Evaluate resolves to a raw rubric payload.
type Backend interface {
	Upload(ctx context.Context, artifact audio.Artifact) (string, error)
	Evaluate(ctx context.Context, reference string, req Request) (map[string]any, error)
}
