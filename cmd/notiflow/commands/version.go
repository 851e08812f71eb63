package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/notiflow/display"
	"github.com/teranos/notiflow/version"
)

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show notiflow version information",
	Long:  `Display version, build time, commit hash, and platform information for the notiflow binary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}

		info := version.Get()
		out := cmd.OutOrStdout()
		if handled, err := display.Structured(out, format, info); handled {
			return err
		}
		fmt.Fprintln(out, info.String())
		fmt.Fprintf(out, "Platform: %s\n", info.Platform)
		fmt.Fprintf(out, "Go: %s\n", info.GoVersion)
		return nil
	},
}
