package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/speakcheck/internal/apperr"
	"github.com/audiolibrelab/speakcheck/internal/audio"
	"github.com/audiolibrelab/speakcheck/internal/evaluation"
	"github.com/audiolibrelab/speakcheck/internal/service"
	"github.com/audiolibrelab/speakcheck/internal/submission"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a spoken answer and submit it for feedback",
	Long: `Record an answer from the configured microphone. Press Enter to stop,
or let the maximum duration stop it for you. The answer is then submitted
for evaluation and the feedback is printed.

Press Ctrl+C at any time to discard the recording and exit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		preview, _ := cmd.Flags().GetBool("preview")
		noSubmit, _ := cmd.Flags().GetBool("no-submit")
		output, _ := cmd.Flags().GetString("output")
		asJSON, _ := cmd.Flags().GetBool("json")

		svc, _, closeFn, err := newService(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		lines := readLines(os.Stdin)
		again := false
		for {
			artifact, err := captureAnswer(ctx, svc, lines, again)
			if err != nil {
				return err
			}
			again = true

			if output != "" {
				if err := os.WriteFile(output, artifact.Data, 0644); err != nil {
					return fmt.Errorf("failed to save recording: %w", err)
				}
				slog.Info("Recording saved", "path", output, "bytes", artifact.Size())
			}
			if preview {
				if err := previewAnswer(ctx, svc); err != nil {
					slog.Warn("Preview failed", "error", err)
				}
			}
			if noSubmit {
				return nil
			}

			result, err := submitAnswer(ctx, svc, lines)
			if err != nil {
				return err
			}
			if err := printResult(os.Stdout, result, asJSON); err != nil {
				return err
			}

			if !ask(ctx, lines, "Record another answer? [y/N] ") {
				return nil
			}
		}
	},
}

func init() {
	addSessionFlags(recordCmd)
	recordCmd.Flags().Bool("preview", false, "play the recording back before submitting")
	recordCmd.Flags().Bool("no-submit", false, "record only, do not submit")
	recordCmd.Flags().StringP("output", "o", "", "also save the recording to this file")
	recordCmd.Flags().Bool("json", false, "print the evaluation as JSON")
}

// captureAnswer records until Enter, the duration ceiling or cancellation.
func captureAnswer(ctx context.Context, svc service.Service, lines <-chan string, again bool) (audio.Artifact, error) {
	start := svc.StartRecording
	if again {
		start = svc.RecordAnother
	}
	snap, err := start(ctx)
	if err != nil {
		if apperr.KindOf(err) != "" {
			return audio.Artifact{}, fmt.Errorf("%s: %w", apperr.Message(err), err)
		}
		return audio.Artifact{}, fmt.Errorf("failed to start recording: %w", err)
	}
	fmt.Printf("🎙️  Recording (max %s)... press Enter to stop\n", formatClock(snap.MaxDurationSeconds))

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

wait:
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			svc.Discard()
			return audio.Artifact{}, fmt.Errorf("recording discarded: %w", ctx.Err())
		case _, ok := <-lines:
			if !ok {
				// stdin closed; only the ceiling or a signal can stop now
				lines = nil
				continue
			}
			break wait
		case <-ticker.C:
			st := svc.Status()
			if st.Recording != nil {
				fmt.Printf("\r⏺  %s / %s", formatClock(st.Recording.ElapsedSeconds), formatClock(st.Recording.MaxDurationSeconds))
			}
			if st.State == service.StateCaptured {
				fmt.Printf("\n⏱️  Maximum duration reached")
				break wait
			}
		}
	}

	artifact, err := svc.StopRecording()
	if err != nil {
		return audio.Artifact{}, fmt.Errorf("failed to stop recording: %w", err)
	}
	fmt.Printf("\n✅ Recorded %s (%d bytes)\n", artifact.MimeType, artifact.Size())
	return artifact, nil
}

func previewAnswer(ctx context.Context, svc service.Service) error {
	if err := svc.Play(ctx); err != nil {
		return err
	}
	defer func() {
		if err := svc.ReleasePlayback(); err != nil {
			slog.Debug("Failed to release preview", "error", err)
		}
	}()

	fmt.Println("🔊 Playing back your answer...")
	duration := 0.0
	if st := svc.Status(); st.Playback != nil {
		duration = st.Playback.DurationSeconds
	}
	for pos := range svc.Positions(ctx) {
		fmt.Printf("\r▶  %s / %s", formatClock(int(pos)), formatClock(int(duration)))
	}
	fmt.Println()
	return nil
}

// submitAnswer submits and offers a retry on network failures.
func submitAnswer(ctx context.Context, svc service.Service, lines <-chan string) (*evaluation.Result, error) {
	fmt.Println("📤 Submitting for evaluation...")
	out := svc.Submit(ctx)
	for out.Status != submission.StatusSucceeded {
		fmt.Printf("❌ %s\n", apperr.Message(out.Err))
		switch out.Kind() {
		case apperr.UploadError, apperr.EvaluationError:
		default:
			return nil, out.Err
		}
		if !ask(ctx, lines, "Retry submission? [y/N] ") {
			return nil, out.Err
		}
		out = svc.Retry(ctx)
	}
	return out.Result, nil
}

func printResult(w io.Writer, result *evaluation.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	return evaluation.Render(w, result)
}

func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

func ask(ctx context.Context, lines <-chan string, prompt string) bool {
	fmt.Print(prompt)
	select {
	case <-ctx.Done():
		return false
	case line, ok := <-lines:
		if !ok {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}

func formatClock(seconds int) string {
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

