// Package cmd wires the CLI. The binary is a framework: an embedding
// application registers its parsers, routers and escalators through setup
// functions passed to New.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/spotify/comet-core/pkg/registry"
)

// SetupFunc populates the registry with the deployment's sources.
type SetupFunc func(*registry.Registry)

func New(setup ...SetupFunc) *cobra.Command {
	root := &cobra.Command{
		Use:           "comet",
		Short:         "Security event routing and escalation scheduler",
		SilenceUsage:  true,
		SilenceErrors: false,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.AddCommand(NewRun(setup...))
	root.AddCommand(NewCheck(setup...))
	root.AddCommand(NewVersion())
	return root
}
