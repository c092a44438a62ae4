package cmd

import (
	"github.com/spf13/cobra"

	"github.com/spotify/comet-core/internal/version"
)

func NewVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.GetVersionInfo()
			cmd.Printf("comet %s (commit %s, %s, %s/%s)\n",
				info.Version, info.CommitSHA, info.GoVersion, info.Os, info.Arch)
		},
	}
}
