package cmd

import (
	"context"
	"fmt"

	"github.com/smazurov/ebd/internal/config"
	"github.com/smazurov/ebd/internal/ebuild"
	"github.com/spf13/cobra"
)

// CreateEnvCmd creates the env command.
func CreateEnvCmd(opts *config.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "env <ebuild>",
		Short: "Dump the environment of a sourced ebuild",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			pkg, err := ebuild.ParsePackagePath(args[0])
			if err != nil {
				return err
			}
			return withSession(c, opts, func(ctx context.Context, s *session) error {
				p, err := s.processor(ctx)
				if err != nil {
					return err
				}
				defer s.pool.Release(p)

				environ, err := p.GetEbuildEnvironment(ctx, pkg, s.cache)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(c.OutOrStdout(), environ)
				return err
			})
		},
	}
}
