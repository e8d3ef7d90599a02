package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/pullguard/internal/history"
	"github.com/tanq16/pullguard/internal/output"
	"github.com/tanq16/pullguard/internal/utils"
)

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	var model string

	cmd := &cobra.Command{
		Use:   "history [--limit N] [--model MODEL]",
		Short: "Show recent download sessions",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			store, err := history.Open(a.cfg.HistoryPath())
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			defer store.Close()

			records, err := store.Recent(cmd.Context(), model, limit)
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			if len(records) == 0 {
				output.PrintInfo("No sessions recorded yet")
				return
			}
			rows := make([][]string, 0, len(records))
			for _, r := range records {
				rows = append(rows, []string{
					r.Start.Local().Format("2006-01-02 15:04:05"),
					r.Model,
					r.Outcome,
					utils.FormatSeconds(r.Duration()),
					fmt.Sprint(r.Attempts),
					fmt.Sprintf("%d/%d", r.Retries, r.MaxRetries),
					fmt.Sprint(r.Pauses),
					utils.FormatSpeed(r.LastSpeed),
				})
			}
			output.PrintHeader(fmt.Sprintf("Recent sessions (%d)", len(rows)))
			fmt.Println(output.RenderTable(
				[]string{"Started", "Model", "Outcome", "Time", "Attempts", "Retries", "Pauses", "Last speed"},
				rows,
			))
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of sessions to show")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Only show sessions for this model")
	return cmd
}
