package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanq16/pullguard/internal/output"
	"github.com/tanq16/pullguard/internal/sessionlog"
	"github.com/tanq16/pullguard/internal/utils"
)

func newCleanCmd(a *app) *cobra.Command {
	var olderThan string

	cmd := &cobra.Command{
		Use:   "clean [--older-than AGE]",
		Short: "Delete old session logs",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			age, err := utils.ParseDurationOrSeconds(olderThan)
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			removed, err := sessionlog.Prune(a.cfg.LogDir, time.Now().Add(-age))
			for _, p := range removed {
				output.PrintDetail(output.StyleSymbols["bullet"] + " " + p)
			}
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			output.PrintSuccess(fmt.Sprintf("%s Removed %d session logs", output.StyleSymbols["pass"], len(removed)))
		},
	}

	cmd.Flags().StringVar(&olderThan, "older-than", "168h", "Remove logs last written before this age")
	return cmd
}
