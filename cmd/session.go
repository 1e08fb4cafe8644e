package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/speakcheck/internal/audio"
	"github.com/audiolibrelab/speakcheck/internal/backend"
	"github.com/audiolibrelab/speakcheck/internal/capture"
	"github.com/audiolibrelab/speakcheck/internal/config"
	"github.com/audiolibrelab/speakcheck/internal/evaluation"
	"github.com/audiolibrelab/speakcheck/internal/play"
	"github.com/audiolibrelab/speakcheck/internal/service"
	"github.com/audiolibrelab/speakcheck/internal/store"
	"github.com/audiolibrelab/speakcheck/internal/submission"
)

// addSessionFlags registers the flags that describe what is being answered.
func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().String("task", "", "task id to take prompt, rubric and max duration from")
	cmd.Flags().String("prompt", "", "question being answered (overrides the task)")
	cmd.Flags().String("rubric", "", "YAML rubric file (overrides the task)")
	cmd.Flags().Int("max-duration", 0, "maximum recording length in seconds (overrides config and task)")
}

func newClient() (*backend.Client, error) {
	if cfg.Backend.BaseURL == "" {
		return nil, fmt.Errorf("backend.base_url is not configured")
	}
	return backend.NewClient(cfg.BackendConfig(), slog.Default()), nil
}

// newBackend picks the evaluation flow configured by backend.mode.
func newBackend(client *backend.Client, sess service.Session) submission.Backend {
	if cfg.Backend.Mode == config.ModeConversational {
		return backend.NewConversational(client)
	}
	return backend.NewInterview(client, sess.Metadata[submission.MetaPrompt], sess.Capture.MaxDurationSeconds)
}

// resolveSession combines config, the optional task and flag overrides.
func resolveSession(ctx context.Context, cmd *cobra.Command, client *backend.Client) (service.Session, error) {
	taskID, _ := cmd.Flags().GetString("task")
	prompt, _ := cmd.Flags().GetString("prompt")
	rubricFile, _ := cmd.Flags().GetString("rubric")
	maxDuration, _ := cmd.Flags().GetInt("max-duration")

	sess := service.Session{
		Capture:   cfg.CaptureConfig(),
		SubjectID: taskID,
		Metadata:  map[string]string{},
	}

	if taskID != "" {
		task, err := client.GetTask(ctx, taskID)
		if err != nil {
			return sess, fmt.Errorf("failed to fetch task %s: %w", taskID, err)
		}
		applyTask(&sess, task)
	}

	if prompt != "" {
		sess.Metadata[submission.MetaPrompt] = prompt
	}
	if rubricFile != "" {
		rubric, err := loadRubric(rubricFile)
		if err != nil {
			return sess, err
		}
		sess.Rubric = rubric
	}
	if maxDuration > 0 {
		sess.Capture.MaxDurationSeconds = maxDuration
	}
	if cfg.Backend.UserID != "" {
		sess.Metadata[submission.MetaUserID] = cfg.Backend.UserID
	}
	sess.Metadata[submission.MetaMaxDuration] = strconv.Itoa(sess.Capture.MaxDurationSeconds)

	if err := sess.Capture.Validate(); err != nil {
		return sess, err
	}
	return sess, nil
}

func applyTask(sess *service.Session, task *backend.Task) {
	fc := task.ConversationalFeedback
	if fc == nil {
		slog.Warn("Task has no conversational feedback configuration", "task_id", task.ID)
		return
	}
	if fc.MaxDuration > 0 {
		sess.Capture.MaxDurationSeconds = fc.MaxDuration
	}
	if fc.Prompt != "" {
		sess.Metadata[submission.MetaPrompt] = fc.Prompt
	}
	if fc.Rubric != nil {
		sess.Rubric = fc.Rubric
	}
}

func loadRubric(path string) (*evaluation.Rubric, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rubric %s: %w", path, err)
	}
	var rubric evaluation.Rubric
	if err := yaml.Unmarshal(data, &rubric); err != nil {
		return nil, fmt.Errorf("failed to parse rubric %s: %w", path, err)
	}
	if len(rubric.Criteria) == 0 {
		return nil, fmt.Errorf("rubric %s has no criteria", path)
	}
	return &rubric, nil
}

// openHistory opens the history store, or returns nil when storage.path is empty.
func openHistory() (*store.Store, error) {
	if cfg.Storage.Path == "" {
		return nil, nil
	}
	return store.Open(cfg.Storage.Path, slog.Default())
}

func newPlayer() *play.Controller {
	engineCfg := cfg.EngineConfig()
	engineCfg.LogWriter = toolOutput()
	return play.NewController(play.NewProcessEngine(engineCfg),
		play.WithPositionInterval(cfg.Playback.PositionInterval),
		play.WithLogger(slog.Default()))
}

// newService wires a session against the real microphone, player and backend.
// close releases the history store after the session is torn down.
func newService(cmd *cobra.Command) (svc *service.SessionService, hist *store.Store, closeFn func(), err error) {
	client, err := newClient()
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	sess, err := resolveSession(ctx, cmd, client)
	if err != nil {
		return nil, nil, nil, err
	}

	hist, err = openHistory()
	if err != nil {
		return nil, nil, nil, err
	}

	deps := service.Deps{
		Recorder: capture.NewRecorder(audio.NewFFmpegDevice(cfg.DeviceConfig(), toolOutput()),
			capture.WithLogger(slog.Default())),
		Player:  newPlayer(),
		Backend: newBackend(client, sess),
		Logger:  slog.Default(),
	}
	if hist != nil {
		deps.History = hist
	}

	svc = service.New(deps, sess)
	closeFn = func() {
		svc.Teardown()
		if hist != nil {
			if err := hist.Close(); err != nil {
				slog.Warn("Failed to close history store", "error", err)
			}
		}
	}
	return svc, hist, closeFn, nil
}
