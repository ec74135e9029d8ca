package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/acheong08/npm-sentinel/internal/analysis"
	"github.com/acheong08/npm-sentinel/internal/parser"
	"github.com/acheong08/npm-sentinel/internal/registry"
	"github.com/acheong08/npm-sentinel/pkg/models"
)

func newScanCmd(a *app) *cobra.Command {
	var opts reportOptions

	cmd := &cobra.Command{
		Use:   "scan [path...]",
		Short: "Scan packages on disk",
		Long: `Scan extracted package directories, package.json files or .tgz tarballs.
Paths default to the current directory. Nothing is installed or executed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"."}
			}

			jobs := make([]analysis.Job, len(args))
			manifests := make([]*parser.Manifest, len(args))
			for i, path := range args {
				if isTarball(path) {
					jobs[i], manifests[i] = a.tarballJob(path)
					continue
				}
				in := a.analyzer.PathInput(path)
				manifests[i] = in.Manifest
				jobs[i] = a.analyzer.InputJob(in)
			}

			results := analysis.Batch(cmd.Context(), jobs, a.cfg.Scan.Workers)
			return a.report(cmd.Context(), cmd.OutOrStdout(), results, manifests, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.json, "json", false, "output results as JSON")
	cmd.Flags().BoolVar(&opts.review, "review", false, "ask the configured model to review findings")
	cmd.Flags().StringVar(&opts.failOn, "fail-on", "", "exit non-zero when a finding has at least this severity (low, medium, high, critical)")
	return cmd
}

func isTarball(path string) bool {
	return strings.HasSuffix(path, ".tgz") || strings.HasSuffix(path, ".tar.gz")
}

// tarballJob unpacks a .tgz in memory up front so its manifest is available
// for review
func (a *app) tarballJob(path string) (analysis.Job, *parser.Manifest) {
	archive, err := registry.ExtractFile(path)
	if err != nil {
		return analysis.Job{
			Name: path,
			Run: func(context.Context) (models.AnalysisResult, error) {
				return models.AnalysisResult{}, err
			},
		}, nil
	}
	in := archive.Input(path)
	return a.analyzer.InputJob(in), in.Manifest
}
