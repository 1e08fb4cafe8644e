// Package backend talks to the remote evaluation service over HTTP.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/audiolibrelab/speakcheck/internal/audio"
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	UserID  string
}

// Client wraps the service's REST endpoints.
type Client struct {
	cfg    Config
	http   *resty.Client
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		http.SetAuthToken(cfg.Token)
	}

	return &Client{
		cfg:    cfg,
		http:   http,
		logger: logger.With("component", "backend"),
	}
}

func (c *Client) UserID() string { return c.cfg.UserID }

// UploadFile stores artifact on the service and returns its file reference.
func (c *Client) UploadFile(ctx context.Context, artifact audio.Artifact, name string) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetMultipartField("file", name+artifact.Extension(), artifact.MimeType, bytes.NewReader(artifact.Data)).
		SetMultipartFormData(map[string]string{"content_type": artifact.MimeType}).
		Post("/file/upload-local")
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	if resp.IsError() {
		return "", responseError(resp)
	}

	var out struct {
		FileUUID string `json:"file_uuid"`
		Data     struct {
			FileUUID string `json:"file_uuid"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	ref := out.FileUUID
	if ref == "" {
		ref = out.Data.FileUUID
	}
	if ref == "" {
		return "", fmt.Errorf("upload response has no file_uuid")
	}

	c.logger.Debug("Uploaded recording", "file_uuid", ref, "bytes", artifact.Size())
	return ref, nil
}

// decodePayload parses a JSON object response body.
func decodePayload(resp *resty.Response) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", resp.Request.URL, err)
	}
	return payload, nil
}

func responseError(resp *resty.Response) error {
	var apiErr struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	body := resp.Body()
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &apiErr); err == nil {
		switch {
		case apiErr.Message != "":
			msg = apiErr.Message
		case apiErr.Error != nil:
			msg = fmt.Sprint(apiErr.Error)
		}
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Errorf("%s %s: status %d: %s", resp.Request.Method, resp.Request.URL, resp.StatusCode(), msg)
}
