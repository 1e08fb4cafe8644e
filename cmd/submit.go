package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/speakcheck/internal/apperr"
	"github.com/audiolibrelab/speakcheck/internal/audio"
	"github.com/audiolibrelab/speakcheck/internal/store"
	"github.com/audiolibrelab/speakcheck/internal/submission"
)

var submitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Submit an existing recording for feedback",
	Long: `Submit an audio file recorded earlier (or elsewhere) for evaluation and
print the feedback. The mime type is derived from the file extension.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		asJSON, _ := cmd.Flags().GetBool("json")

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read recording: %w", err)
		}
		artifact := audio.Artifact{Data: data, MimeType: audio.MimeTypeFor(path)}

		client, err := newClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sess, err := resolveSession(ctx, cmd, client)
		if err != nil {
			return err
		}

		req := submission.Request{
			RecordingID: uuid.NewString(),
			Artifact:    artifact,
			SubjectID:   sess.SubjectID,
			Rubric:      sess.Rubric,
			Metadata:    sess.Metadata,
		}
		slog.Info("Submitting recording", "file", filepath.Base(path), "recording_id", req.RecordingID)

		out := submission.New(newBackend(client, sess), nil, slog.Default()).Submit(ctx, req)
		if out.Err != nil {
			return fmt.Errorf("%s: %w", apperr.Message(out.Err), out.Err)
		}

		if err := recordHistory(ctx, req, out); err != nil {
			slog.Warn("Failed to save evaluation history", "error", err)
		}
		return printResult(os.Stdout, out.Result, asJSON)
	},
}

func init() {
	addSessionFlags(submitCmd)
	submitCmd.Flags().Bool("json", false, "print the evaluation as JSON")
}

func recordHistory(ctx context.Context, req submission.Request, out submission.Outcome) error {
	hist, err := openHistory()
	if err != nil || hist == nil {
		return err
	}
	defer hist.Close()

	_, err = hist.SaveEvaluation(ctx, store.Entry{
		RecordingID:   req.RecordingID,
		SubjectID:     req.SubjectID,
		MimeType:      req.Artifact.MimeType,
		ArtifactBytes: req.Artifact.Size(),
		Result:        out.Result,
	})
	return err
}
