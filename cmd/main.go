package cmd

import (
	"github.com/spf13/cobra"

	"github.com/alpacahq/queuestore/cmd/start"
	"github.com/alpacahq/queuestore/utils"
	"github.com/alpacahq/queuestore/utils/log"
)

// flagPrintVersion set flag to show current queuestore version.
var flagPrintVersion bool

// Execute builds the command tree and executes commands.
func Execute() error {
	// c is the root command.
	c := &cobra.Command{
		Use: "queuestore",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagPrintVersion {
				log.Info("version: %+v", utils.Tag)
				log.Info("commit hash: %+v", utils.GitHash)
				log.Info("utc build time: %+v", utils.BuildStamp)
				return nil
			}
			return cmd.Usage()
		},
	}

	c.AddCommand(start.Cmd)
	c.Flags().BoolVarP(&flagPrintVersion, "version", "v", false, "show the version info and exit")

	return c.Execute()
}
