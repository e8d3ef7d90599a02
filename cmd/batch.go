package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/pullguard/internal/config"
	"github.com/tanq16/pullguard/internal/controller"
	"github.com/tanq16/pullguard/internal/output"
	"github.com/tanq16/pullguard/internal/utils"
)

func newBatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "batch [YAML_FILE]",
		Short: "Download several models one after another",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			entries, err := config.ReadBatch(args[0])
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			rt, err := a.newRuntime()
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}

			ctx := cmd.Context()
			var rows [][]string
			failed := 0
			for _, entry := range entries {
				if ctx.Err() != nil {
					rows = append(rows, []string{entry.Name, "skipped", "-", "-", "-"})
					continue
				}
				s, err := rt.session(ctx, entry.Name, entry.MaxRetries)
				if err != nil {
					output.PrintError(err.Error())
					rows = append(rows, []string{entry.Name, "error", "-", "-", "-"})
					failed++
					continue
				}
				if s.Outcome == controller.OutcomeFailed {
					failed++
				}
				rows = append(rows, []string{
					s.Model,
					s.Outcome.String(),
					utils.FormatSeconds(s.Elapsed()),
					fmt.Sprint(s.Retries),
					fmt.Sprint(s.Pauses),
				})
			}

			rt.close()

			fmt.Println()
			fmt.Println(output.RenderTable([]string{"Model", "Outcome", "Time", "Retries", "Pauses"}, rows))
			if failed > 0 {
				output.PrintError(fmt.Sprintf("%d of %d models failed", failed, len(entries)))
				os.Exit(1)
			}
		},
	}
}
