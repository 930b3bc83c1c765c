package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := os.Stdout
		_, _ = fmt.Fprintf(out, "niviz %s\n", versionInfo.Version)
		_, _ = fmt.Fprintf(out, "commit=%s\n", versionInfo.Commit)
		_, _ = fmt.Fprintf(out, "build_date=%s\n", versionInfo.BuildDate)
		_, _ = fmt.Fprintf(out, "go=%s\n", runtime.Version())
		if v := crucible.GetVersion(); v.Gofulmen != "" {
			_, _ = fmt.Fprintf(out, "gofulmen=%s\n", v.Gofulmen)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
