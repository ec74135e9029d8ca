package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/acheong08/npm-sentinel/internal/analysis"
	"github.com/acheong08/npm-sentinel/internal/parser"
	"github.com/acheong08/npm-sentinel/internal/review"
	"github.com/acheong08/npm-sentinel/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// errThreshold is returned when a finding reaches the --fail-on severity
var errThreshold = errors.New("findings at or above the failure threshold")

// reportEntry is one package in the CLI output
type reportEntry struct {
	Name   string                 `json:"name"`
	Result *models.AnalysisResult `json:"result,omitempty"`
	Review *review.Assessment     `json:"review,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

type reportOptions struct {
	json   bool
	review bool
	failOn string
}

// report reviews (if asked), prints and judges a batch of results. manifests
// is indexed like results and may hold nils.
func (a *app) report(ctx context.Context, w io.Writer, results []analysis.BatchResult, manifests []*parser.Manifest, opts reportOptions) error {
	var threshold models.Severity
	if opts.failOn != "" {
		var err error
		if threshold, err = models.ParseSeverity(opts.failOn); err != nil {
			return fmt.Errorf("invalid --fail-on: %w", err)
		}
	}

	entries := make([]reportEntry, len(results))
	for i, r := range results {
		entries[i].Name = r.Name
		if r.Err != nil {
			entries[i].Error = r.Err.Error()
			continue
		}
		result := r.Result
		entries[i].Result = &result
	}

	if opts.review {
		if err := a.reviewEntries(ctx, entries, manifests); err != nil {
			return err
		}
	}

	if opts.json {
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		fmt.Fprintln(w, string(data))
	} else {
		writeText(w, entries)
	}

	return verdict(entries, threshold)
}

func (a *app) reviewEntries(ctx context.Context, entries []reportEntry, manifests []*parser.Manifest) error {
	reviewer, err := a.reviewer()
	if err != nil {
		return fmt.Errorf("failed to create reviewer: %w", err)
	}
	if reviewer == nil {
		return errors.New("--review needs review.api-key (or SENTINEL_REVIEW_API_KEY)")
	}

	for i := range entries {
		if entries[i].Result == nil {
			continue
		}
		var manifest *parser.Manifest
		if i < len(manifests) {
			manifest = manifests[i]
		}
		assessment, err := reviewer.Review(ctx, *entries[i].Result, manifest)
		if err != nil {
			a.logger.Warn("Review failed", zap.String("target", entries[i].Name), zap.Error(err))
			continue
		}
		entries[i].Review = &assessment
	}
	return nil
}

func verdict(entries []reportEntry, threshold models.Severity) error {
	failed := 0
	var hits []string
	for _, e := range entries {
		if e.Result == nil {
			failed++
			continue
		}
		if threshold > 0 && models.MaxSeverity(e.Result.Findings) >= threshold {
			hits = append(hits, e.Name)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scans failed", failed, len(entries))
	}
	if len(hits) > 0 {
		return fmt.Errorf("%w (%s): %s", errThreshold, threshold, strings.Join(hits, ", "))
	}
	return nil
}

func writeText(w io.Writer, entries []reportEntry) {
	for i, e := range entries {
		if i > 0 {
			fmt.Fprintln(w)
		}
		if e.Result == nil {
			fmt.Fprintf(w, "%s: error: %s\n", e.Name, e.Error)
			continue
		}

		r := e.Result
		title := r.PackageName
		if v := r.VersionString(); v != "" {
			title += "@" + v
		}
		fmt.Fprintf(w, "%s (%s)  score %d/100  %d finding(s)\n", title, e.Name, r.Score, len(r.Findings))
		if !r.Analyzable {
			fmt.Fprintln(w, "  nothing to analyze: no package.json and no file listing")
		}

		if len(r.Findings) > 0 {
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			for _, f := range r.Findings {
				fmt.Fprintf(tw, "  %s\t%s\t%s\n", strings.ToUpper(f.Severity.String()), f.Location, f.Description)
			}
			_ = tw.Flush()
		}

		if e.Review != nil {
			label := "benign"
			if e.Review.IsMalicious {
				label = "malicious"
			}
			fmt.Fprintf(w, "  review: %s (confidence %.2f) %s\n", label, e.Review.Confidence, e.Review.Justification)
		}
	}
}
