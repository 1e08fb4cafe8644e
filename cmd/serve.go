package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/speakcheck/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the speakcheck web server to record, submit and play back answers
from a browser or phone on the same network.

The server will display the local network URL for easy access from mobile devices.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")
		if port == "" {
			port = cfg.Server.Port
		}

		svc, hist, closeFn, err := newService(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		var history server.HistoryLister
		if hist != nil {
			history = hist
		}
		srv := server.New(svc, history, port, slog.Default())

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Run(ctx)
		})
		g.Go(func() error {
			<-ctx.Done()
			slog.Info("Shutting down, releasing microphone and playback")
			svc.Teardown()
			return nil
		})
		return g.Wait()
	},
}

func init() {
	addSessionFlags(serveCmd)
	serveCmd.Flags().String("port", "", "port for the web server (overrides server.port)")
}
