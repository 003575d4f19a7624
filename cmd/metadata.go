package cmd

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/ebd/internal/config"
	"github.com/smazurov/ebd/internal/ebuild"
	"github.com/spf13/cobra"
)

// CreateMetadataCmd creates the metadata command.
func CreateMetadataCmd(opts *config.Options) *cobra.Command {
	var format string
	var keepGoing bool

	cmd := &cobra.Command{
		Use:   "metadata <ebuild>...",
		Short: "Regenerate ebuild metadata keys",
		Long: `Sources each ebuild in metadata mode and prints the keys it defines. ` +
			`Daemons are reused across ebuilds and, with eclass caching enabled, keep ` +
			`the eclasses they inherited preloaded.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if format != "toml" && format != "shell" {
				return fmt.Errorf("unknown format %q (want toml or shell)", format)
			}
			return withSession(c, opts, func(ctx context.Context, s *session) error {
				return regenMetadata(ctx, s, c.OutOrStdout(), args, format, keepGoing)
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "toml", "Output format (toml, shell)")
	cmd.Flags().BoolVarP(&keepGoing, "keep-going", "k", false, "Continue past ebuilds that fail to source")
	return cmd
}

func regenMetadata(ctx context.Context, s *session, out io.Writer, paths []string, format string, keepGoing bool) error {
	results := make(map[string]map[string]string, len(paths))
	var failed int

	for _, path := range paths {
		pkg, err := ebuild.ParsePackagePath(path)
		if err == nil {
			var keys map[string]string
			keys, err = metadataFor(ctx, s, pkg)
			if err == nil {
				results[pkg.String()] = keys
				continue
			}
		}
		if !keepGoing || ctx.Err() != nil {
			return err
		}
		failed++
		s.logger.Error("Metadata generation failed", "ebuild", path, "error", err)
	}

	if err := writeMetadata(out, results, format); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d ebuilds failed", failed, len(paths))
	}
	return nil
}

func metadataFor(ctx context.Context, s *session, pkg *ebuild.Package) (map[string]string, error) {
	p, err := s.processor(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(p)
	return p.GetKeys(ctx, pkg, s.cache)
}

func writeMetadata(out io.Writer, results map[string]map[string]string, format string) error {
	if format == "toml" {
		return toml.NewEncoder(out).Encode(results)
	}
	for _, cpv := range slices.Sorted(maps.Keys(results)) {
		keys := results[cpv]
		if _, err := fmt.Fprintf(out, "# %s\n", cpv); err != nil {
			return err
		}
		for _, k := range slices.Sorted(maps.Keys(keys)) {
			if _, err := fmt.Fprintf(out, "%s=%s\n", k, keys[k]); err != nil {
				return err
			}
		}
	}
	return nil
}
