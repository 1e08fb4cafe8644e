package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/speakcheck/internal/config"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "speakcheck",
	Short: "Record spoken answers and get rubric feedback",
	Long: `speakcheck records a spoken answer from the microphone, submits it to a
remote evaluation service and shows the rubric-based feedback.

Recordings are capped at a maximum duration, can be previewed before
submission and are never uploaded twice at the same time.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		cfgFile = path

		cfg, err = config.Load(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		slog.Debug("Configuration loaded", "file", cfgFile, "profile", cfg.Profile)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/speakcheck.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_profile from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=ffmpeg output")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(serveCmd)
}

// resolveConfigPath returns the explicit --config file, the default file when
// it exists, or "" to run on defaults and environment alone.
func resolveConfigPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	path := config.DefaultPath()
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("cannot access config file %s: %w", path, err)
	}
	return path, nil
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	var slogLevel slog.Level
	switch {
	case level <= 0:
		slogLevel = slog.LevelInfo
	default:
		// Level 2 additionally passes ffmpeg output through
		slogLevel = slog.LevelDebug
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)
}

// toolOutput is where ffmpeg and the audio player write their diagnostics.
func toolOutput() io.Writer {
	if verboseLevel >= 2 {
		return os.Stderr
	}
	return nil
}
