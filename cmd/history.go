package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/speakcheck/internal/evaluation"
)

var historyCmd = &cobra.Command{
	Use:   "history [evaluation-id]",
	Short: "List past evaluations or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hist, err := openHistory()
		if err != nil {
			return err
		}
		if hist == nil {
			return fmt.Errorf("history is disabled, set storage.path to enable it")
		}
		defer hist.Close()

		if len(args) == 1 {
			rec, err := hist.GetEvaluation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			result, err := rec.Decode()
			if err != nil {
				return err
			}
			fmt.Printf("Evaluation %s (%s)\n\n", rec.ID, rec.CreatedAt.Format("2006-01-02 15:04"))
			return evaluation.Render(os.Stdout, result)
		}

		subject, _ := cmd.Flags().GetString("task")
		limit, _ := cmd.Flags().GetInt("limit")
		rows, err := hist.ListEvaluations(cmd.Context(), subject, limit)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No evaluations yet")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tDATE\tTASK\tSCORE\tCRITERIA")
		for _, row := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%g / %g\t%d\n",
				row.ID, row.CreatedAt.Format("2006-01-02 15:04"), row.SubjectID, row.OverallScore, row.ScaleMax, row.Criteria)
		}
		return tw.Flush()
	},
}

func init() {
	historyCmd.Flags().String("task", "", "only show evaluations for this task")
	historyCmd.Flags().Int("limit", 20, "maximum number of evaluations to list")
}
