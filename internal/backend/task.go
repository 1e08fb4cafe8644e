package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/audiolibrelab/speakcheck/internal/evaluation"
)

// FeedbackConfig is the conversational feedback section of a task.
type FeedbackConfig struct {
	MaxDuration int                `json:"maxDuration" yaml:"max_duration"`
	Prompt      string             `json:"prompt" yaml:"prompt"`
	Rubric      *evaluation.Rubric `json:"rubric,omitempty" yaml:"rubric,omitempty"`
	Published   bool               `json:"published" yaml:"published"`
}

// UnmarshalJSON also accepts the snake_case max_duration key older
// deployments send.
func (f *FeedbackConfig) UnmarshalJSON(data []byte) error {
	type plain FeedbackConfig
	var wire struct {
		plain
		LegacyMaxDuration *int `json:"max_duration"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*f = FeedbackConfig(wire.plain)
	if f.MaxDuration == 0 && wire.LegacyMaxDuration != nil {
		f.MaxDuration = *wire.LegacyMaxDuration
	}
	return nil
}

// TaskID is a task identifier. The backend sends it as either a JSON string
// or a number.
type TaskID string

func (id *TaskID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("task id: %w", err)
		}
		*id = TaskID(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("task id: %w", err)
		}
		*id = TaskID(n.String())
	}
	return nil
}

type Task struct {
	ID                     TaskID          `json:"id" yaml:"id"`
	Title                  string          `json:"title" yaml:"title"`
	ConversationalFeedback *FeedbackConfig `json:"conversational_feedback_config,omitempty" yaml:"conversational_feedback,omitempty"`
}

func (t *Task) UnmarshalJSON(data []byte) error {
	type plain Task
	var wire struct {
		plain
		LegacyFeedback *FeedbackConfig `json:"conversational_feedback"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*t = Task(wire.plain)
	if t.ConversationalFeedback == nil {
		t.ConversationalFeedback = wire.LegacyFeedback
	}
	return nil
}

func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("taskId", taskID).
		Get("/tasks/{taskId}")
	if err != nil {
		return nil, fmt.Errorf("task request failed: %w", err)
	}
	if resp.IsError() {
		return nil, responseError(resp)
	}
	return decodeTask(resp.Body())
}

// SaveTaskConfig stores cfg as the task's draft feedback configuration.
func (c *Client) SaveTaskConfig(ctx context.Context, taskID string, cfg FeedbackConfig) (*Task, error) {
	return c.writeTaskConfig(ctx, taskID, cfg, false)
}

// PublishTaskConfig stores cfg and makes it visible to learners.
func (c *Client) PublishTaskConfig(ctx context.Context, taskID string, cfg FeedbackConfig) (*Task, error) {
	cfg.Published = true
	return c.writeTaskConfig(ctx, taskID, cfg, true)
}

func (c *Client) writeTaskConfig(ctx context.Context, taskID string, cfg FeedbackConfig, publish bool) (*Task, error) {
	req := c.http.R().
		SetContext(ctx).
		SetPathParam("taskId", taskID).
		SetBody(cfg)

	const path = "/tasks/{taskId}/conversational_feedback"
	var (
		resp *resty.Response
		err  error
	)
	if publish {
		resp, err = req.Post(path)
	} else {
		resp, err = req.Put(path)
	}
	if err != nil {
		return nil, fmt.Errorf("task config request failed: %w", err)
	}
	if resp.IsError() {
		return nil, responseError(resp)
	}
	return decodeTask(resp.Body())
}

func decodeTask(body []byte) (*Task, error) {
	var env struct {
		Data *Task `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Data != nil && env.Data.ID != "" {
		return env.Data, nil
	}
	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}
