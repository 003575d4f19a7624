package cmd

import (
	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/ebd/internal/version"
	"github.com/spf13/cobra"
)

// CreateVersionCmd creates the version command.
func CreateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		// Skips config loading and validation.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(c *cobra.Command, _ []string) error {
			return toml.NewEncoder(c.OutOrStdout()).Encode(version.Get())
		},
	}
}
