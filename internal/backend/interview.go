package backend

import (
	"context"
	"fmt"
	"strconv"

	"github.com/audiolibrelab/speakcheck/internal/audio"
	"github.com/audiolibrelab/speakcheck/internal/submission"
)

// Interview uploads the recording first and then asks the interview
// evaluator to score the stored file.
type Interview struct {
	client      *Client
	question    string
	maxDuration int
}

func NewInterview(client *Client, question string, maxDuration int) *Interview {
	return &Interview{client: client, question: question, maxDuration: maxDuration}
}

func (i *Interview) Upload(ctx context.Context, artifact audio.Artifact) (string, error) {
	return i.client.UploadFile(ctx, artifact, "interview-response")
}

func (i *Interview) Evaluate(ctx context.Context, reference string, req submission.Request) (map[string]any, error) {
	question := i.question
	if q := req.Metadata[submission.MetaPrompt]; q != "" {
		question = q
	}
	maxDuration := i.maxDuration
	if v := req.Metadata[submission.MetaMaxDuration]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid max duration %q: %w", v, err)
		}
		maxDuration = n
	}

	resp, err := i.client.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"audio_uuid":   reference,
			"question":     question,
			"max_duration": maxDuration,
		}).
		Post("/ai/interview/evaluate")
	if err != nil {
		return nil, fmt.Errorf("evaluate request failed: %w", err)
	}
	if resp.IsError() {
		return nil, responseError(resp)
	}
	return decodePayload(resp)
}
