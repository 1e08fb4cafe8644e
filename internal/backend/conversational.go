package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/audiolibrelab/speakcheck/internal/audio"
	"github.com/audiolibrelab/speakcheck/internal/submission"
)

// Conversational sends the recording and rubric together in one analyze
// call. Upload only stages the artifact locally under a generated reference.
type Conversational struct {
	client *Client

	mu     sync.Mutex
	staged map[string]audio.Artifact
}

func NewConversational(client *Client) *Conversational {
	return &Conversational{client: client, staged: make(map[string]audio.Artifact)}
}

func (c *Conversational) Upload(_ context.Context, artifact audio.Artifact) (string, error) {
	ref := uuid.NewString()
	c.mu.Lock()
	c.staged[ref] = artifact
	c.mu.Unlock()
	return ref, nil
}

// Staged returns the number of artifacts waiting for Evaluate.
func (c *Conversational) Staged() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.staged)
}

func (c *Conversational) Evaluate(ctx context.Context, reference string, req submission.Request) (map[string]any, error) {
	c.mu.Lock()
	artifact, ok := c.staged[reference]
	delete(c.staged, reference)
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no staged recording for reference %s", reference)
	}

	userID := req.Metadata[submission.MetaUserID]
	if userID == "" {
		userID = c.client.UserID()
	}
	form := map[string]string{
		"taskId": req.SubjectID,
		"userId": userID,
	}
	if prompt := req.Metadata[submission.MetaPrompt]; prompt != "" {
		form["prompt"] = prompt
	}
	if req.Rubric != nil {
		rubric, err := json.Marshal(req.Rubric)
		if err != nil {
			return nil, fmt.Errorf("encode rubric: %w", err)
		}
		form["rubric"] = string(rubric)
	}

	resp, err := c.client.http.R().
		SetContext(ctx).
		SetMultipartField("audio", "response"+artifact.Extension(), artifact.MimeType, bytes.NewReader(artifact.Data)).
		SetMultipartFormData(form).
		Post("/conversational-feedback/analyze")
	if err != nil {
		return nil, fmt.Errorf("analyze request failed: %w", err)
	}
	if resp.IsError() {
		return nil, responseError(resp)
	}
	return decodePayload(resp)
}
