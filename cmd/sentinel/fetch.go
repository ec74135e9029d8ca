package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/acheong08/npm-sentinel/internal/analysis"
	"github.com/acheong08/npm-sentinel/internal/parser"
	"github.com/acheong08/npm-sentinel/pkg/models"
)

func newFetchCmd(a *app) *cobra.Command {
	var opts reportOptions
	var lockfile string
	var skipDev bool

	cmd := &cobra.Command{
		Use:   "fetch [name[@version]...]",
		Short: "Download packages from the registry and scan them",
		Long: `Fetch resolves each package through the registry (latest when no version
is given), unpacks the tarball in memory and scans it.

With --lockfile every package installed by a package-lock.json is scanned.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var pkgs []models.Package
			for _, spec := range args {
				pkg, err := models.ParseSpec(spec)
				if err != nil {
					return fmt.Errorf("invalid package %q: %w", spec, err)
				}
				pkgs = append(pkgs, pkg)
			}
			if lockfile != "" {
				locked, err := parser.ReadLockfile(lockfile)
				if err != nil {
					return err
				}
				for _, p := range locked {
					if skipDev && p.Dev {
						continue
					}
					pkgs = append(pkgs, p.Package)
				}
			}
			if len(pkgs) == 0 {
				return errors.New("nothing to fetch: give package names or --lockfile")
			}

			f := a.fetcher()
			manifests := make([]*parser.Manifest, len(pkgs))
			jobs := make([]analysis.Job, len(pkgs))
			for i, pkg := range pkgs {
				jobs[i] = analysis.Job{
					Name: pkg.ID,
					Run: func(ctx context.Context) (models.AnalysisResult, error) {
						release, archive, err := f.Fetch(ctx, pkg.Name, pkg.Version)
						if err != nil {
							return models.AnalysisResult{}, err
						}
						manifests[i] = archive.ManifestOrMissing()
						return f.Analyze(ctx, a.analyzer, release, archive)
					},
				}
			}

			results := analysis.Batch(cmd.Context(), jobs, a.cfg.Scan.Workers)
			return a.report(cmd.Context(), cmd.OutOrStdout(), results, manifests, opts)
		},
	}

	cmd.Flags().StringVar(&lockfile, "lockfile", "", "scan every package in this package-lock.json")
	cmd.Flags().BoolVar(&skipDev, "skip-dev", false, "with --lockfile, skip dev dependencies")
	cmd.Flags().BoolVar(&opts.json, "json", false, "output results as JSON")
	cmd.Flags().BoolVar(&opts.review, "review", false, "ask the configured model to review findings")
	cmd.Flags().StringVar(&opts.failOn, "fail-on", "", "exit non-zero when a finding has at least this severity (low, medium, high, critical)")
	return cmd
}
