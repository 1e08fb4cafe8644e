package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/speakcheck/internal/play"
)

var playCmd = &cobra.Command{
	Use:   "play [file|url]",
	Short: "Play a recording or a remote audio file",
	Long: `Play a local recording or remote audio (such as a model answer) and show
the playhead. Press Ctrl+C to stop.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		location := args[0]
		start, _ := cmd.Flags().GetFloat64("start")

		if !strings.Contains(location, "://") {
			abs, err := filepath.Abs(location)
			if err != nil {
				return fmt.Errorf("invalid path %s: %w", location, err)
			}
			if _, err := os.Stat(abs); err != nil {
				return fmt.Errorf("cannot play %s: %w", location, err)
			}
			location = abs
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		player := newPlayer()
		handle := player.NewHandle(play.LocationSource(location))
		defer player.Release(handle)

		if start > 0 {
			if err := player.Seek(handle, start); err != nil {
				return fmt.Errorf("failed to seek: %w", err)
			}
		}

		fmt.Printf("Playing: %s\n", args[0])
		if err := player.Play(ctx, handle); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}

		duration := player.State(handle).DurationSeconds
		for pos := range player.Positions(ctx, handle) {
			fmt.Printf("\r▶  %s / %s", formatClock(int(pos)), formatClock(int(duration)))
		}
		fmt.Println()
		return nil
	},
}

func init() {
	playCmd.Flags().Float64("start", 0, "start offset in seconds")
}
