package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/speakcheck/internal/backend"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage a task's feedback configuration",
	Long: `Fetch, save or publish the conversational feedback configuration
(prompt, rubric and max duration) of a task.`,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show a task and its feedback configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		task, err := client.GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printYAML(task)
	},
}

var taskSaveCmd = &cobra.Command{
	Use:   "save [task-id]",
	Short: "Save a draft feedback configuration from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeTask(cmd, args[0], false)
	},
}

var taskPublishCmd = &cobra.Command{
	Use:   "publish [task-id]",
	Short: "Publish a feedback configuration from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeTask(cmd, args[0], true)
	},
}

func init() {
	for _, c := range []*cobra.Command{taskSaveCmd, taskPublishCmd} {
		c.Flags().StringP("file", "f", "", "YAML file with max_duration, prompt and rubric")
		_ = c.MarkFlagRequired("file")
	}
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskSaveCmd)
	taskCmd.AddCommand(taskPublishCmd)
}

func writeTask(cmd *cobra.Command, taskID string, publish bool) error {
	file, _ := cmd.Flags().GetString("file")
	fc, err := loadFeedbackConfig(file)
	if err != nil {
		return err
	}

	client, err := newClient()
	if err != nil {
		return err
	}

	var task *backend.Task
	if publish {
		task, err = client.PublishTaskConfig(cmd.Context(), taskID, *fc)
	} else {
		task, err = client.SaveTaskConfig(cmd.Context(), taskID, *fc)
	}
	if err != nil {
		return err
	}
	return printYAML(task)
}

func loadFeedbackConfig(path string) (*backend.FeedbackConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var fc backend.FeedbackConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if fc.MaxDuration < 0 {
		return nil, fmt.Errorf("max_duration must not be negative")
	}
	return &fc, nil
}

func printYAML(v any) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshaling output: %w", err)
	}
	fmt.Print(string(out))
	return nil
}
