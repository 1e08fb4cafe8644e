package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/speakcheck/internal/audio"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available microphone sources",
	Long: `List the PulseAudio/PipeWire capture sources that can be set as
capture.device, and check that the configured one is usable.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		showMonitors, _ := cmd.Flags().GetBool("monitors")
		lister := audio.NewSources(cfg.Capture.SourcesCommand)

		sources, err := lister.List()
		if err != nil {
			return err
		}

		fmt.Printf("🎙️  Audio Sources\n")
		fmt.Printf("═══════════════════════════════════════\n\n")

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "INDEX\tNAME\tSTATE\tSPEC")
		shown := 0
		for _, src := range sources {
			if src.Monitor && !showMonitors {
				continue
			}
			marker := ""
			if src.Name == cfg.Capture.Device {
				marker = " ←"
			}
			fmt.Fprintf(tw, "%s\t%s%s\t%s\t%s\n", src.Index, src.Name, marker, src.State, src.Spec)
			shown++
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Printf("\n%d source(s)\n", shown)

		fmt.Printf("\nConfigured device: %s\n", cfg.Capture.Device)
		if err := lister.Validate(cfg.Capture.Device); err != nil {
			fmt.Printf("⚠️  %v\n", err)
			return nil
		}
		fmt.Printf("✅ Device is available\n")
		return nil
	},
}

func init() {
	sourcesCmd.Flags().Bool("monitors", false, "include monitor sources")
}
