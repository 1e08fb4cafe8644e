package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/speakcheck/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View the resolved configuration and switch profiles.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		source := cfgFile
		if source == "" {
			source = "defaults"
		}
		fmt.Printf("# source: %s\n", source)
		if cfg.Profile != "" {
			fmt.Printf("# profile: %s\n", cfg.Profile)
			for _, key := range cfg.Overrides {
				fmt.Printf("#   overrides %s\n", key)
			}
		}
		fmt.Print(string(out))
		return nil
	},
}

var configProfileCmd = &cobra.Command{
	Use:   "profile [name]",
	Short: "List profiles or set the active one",
	Long: `Without an argument, list the profiles in the config file and mark the
active one. With a name, make it the active_profile. Pass "" to clear it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			return fmt.Errorf("no config file found, create %s or use --config", config.DefaultPath())
		}

		if len(args) == 1 {
			if err := config.UpdateActiveProfile(cfgFile, args[0]); err != nil {
				return err
			}
			fmt.Printf("Active profile set to %q\n", args[0])
			return nil
		}

		names, active, err := config.Profiles(cfgFile)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No profiles defined")
			return nil
		}
		for _, name := range names {
			marker := " "
			if strings.EqualFold(name, active) {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, name)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configProfileCmd)
}
