package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/smazurov/ebd/internal/config"
	"github.com/smazurov/ebd/internal/ebuild"
	"github.com/smazurov/ebd/internal/process"
	"github.com/spf13/cobra"
)

// CreatePhaseCmd creates the phase command.
func CreatePhaseCmd(opts *config.Options) *cobra.Command {
	var envPairs []string
	var use []string
	var logfile string

	cmd := &cobra.Command{
		Use:   "phase <ebuild> <phase>...",
		Short: "Run build phases of an ebuild",
		Long: `Runs the named phases of an ebuild, in order, inside one build daemon. ` +
			`Stops at the first phase that fails.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			pkg, err := ebuild.ParsePackagePath(args[0])
			if err != nil {
				return err
			}
			pkg.Use = use

			extra, err := parseEnvPairs(envPairs)
			if err != nil {
				return err
			}

			return withSession(c, opts, func(ctx context.Context, s *session) error {
				return runPhases(ctx, s, pkg, args[1:], extra, logfile)
			})
		},
	}

	cmd.Flags().StringArrayVarP(&envPairs, "env", "e", nil, "Extra KEY=VALUE passed to every phase")
	cmd.Flags().StringSliceVar(&use, "use", nil, "USE flags enabled for the build")
	cmd.Flags().StringVar(&logfile, "logfile", "", "Log phase output here (sandboxed daemons only)")
	return cmd
}

func runPhases(ctx context.Context, s *session, pkg *ebuild.Package, phases []string, extra map[string]string, logfile string) error {
	p, err := s.processor(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(p)

	env := process.EnvFromStrings(ebuild.ExpectedEnv(pkg, ebuild.EnvOptions{
		HelpersDir:  s.opts.HelpersDir,
		PathPrepend: s.opts.PathPrepend,
	}))
	for k, v := range extra {
		env[k] = v
	}

	log := s.logger.With("package", pkg.String())
	for _, phase := range phases {
		log.Info("Running phase", "phase", phase, "processor_id", p.ID())
		ok, err := p.RunPhase(ctx, process.PhaseRequest{
			Phase:   phase,
			Env:     env,
			Tmpdir:  s.opts.Tmpdir,
			Logfile: logfile,
			Sandbox: p.Sandboxed(),
		})
		if err != nil {
			return fmt.Errorf("phase %s of %s: %w", phase, pkg, err)
		}
		if !ok {
			return fmt.Errorf("phase %s of %s failed", phase, pkg)
		}
	}
	return nil
}

// parseEnvPairs splits KEY=VALUE arguments.
func parseEnvPairs(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", pair)
		}
		env[k] = v
	}
	return env, nil
}
