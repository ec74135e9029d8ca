// Package analysis composes manifest loading, scanning and scoring into an
// AnalysisResult, and runs scans under host-side timeouts and worker limits.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/acheong08/npm-sentinel/internal/parser"
	"github.com/acheong08/npm-sentinel/internal/scanner"
	"github.com/acheong08/npm-sentinel/pkg/models"
)

// ErrTimeout is returned when a scan does not finish within the analyzer's timeout
var ErrTimeout = errors.New("scan timed out")

// Input is everything a single scan looks at
type Input struct {
	Name     string // label used in logs, e.g. a path or "name@version"
	Manifest *parser.Manifest
	Lister   scanner.Lister
}

// Analyzer runs scans of independent packages
type Analyzer struct {
	scanner *scanner.Scanner
	timeout time.Duration
	logger  *zap.Logger
}

// Option configures an Analyzer
type Option func(*Analyzer)

// WithTimeout bounds each AnalyzeContext call; zero disables the bound
func WithTimeout(d time.Duration) Option {
	return func(a *Analyzer) { a.timeout = d }
}

// WithLogger sets the analyzer's logger
func WithLogger(logger *zap.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAnalyzer creates an analyzer around the given scanner
func NewAnalyzer(s *scanner.Scanner, opts ...Option) *Analyzer {
	if s == nil {
		s = scanner.New(nil)
	}
	a := &Analyzer{
		scanner: s,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze scans synchronously. It always returns a well-formed result.
func (a *Analyzer) Analyze(manifest *parser.Manifest, lister scanner.Lister) models.AnalysisResult {
	if manifest == nil {
		manifest = parser.Missing()
	}

	var tracked *trackingLister
	var l scanner.Lister
	if lister != nil {
		tracked = &trackingLister{inner: lister}
		l = tracked
	}

	findings := a.scanner.Scan(manifest, l)
	result := Assemble(manifest, findings)
	if tracked != nil && tracked.listed {
		result.Analyzable = true
	}
	return result
}

// AnalyzeContext runs the scan on its own goroutine so the caller can give up
// on pathological inputs. The abandoned scan finishes in the background.
func (a *Analyzer) AnalyzeContext(ctx context.Context, in Input) (models.AnalysisResult, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	if err := ctx.Err(); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("scan of %s not started: %w", in.Name, err)
	}

	start := time.Now()
	done := make(chan models.AnalysisResult, 1)
	go func() {
		done <- a.Analyze(in.Manifest, in.Lister)
	}()

	select {
	case result := <-done:
		a.logger.Info("Analyzed package",
			zap.String("target", in.Name),
			zap.String("package", result.PackageName),
			zap.Int("findings", len(result.Findings)),
			zap.Int("score", result.Score),
			zap.Bool("analyzable", result.Analyzable),
			zap.Duration("elapsed", time.Since(start)))
		return result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			a.logger.Warn("Scan timed out", zap.String("target", in.Name), zap.Duration("timeout", a.timeout))
			return models.AnalysisResult{}, fmt.Errorf("%w: %s", ErrTimeout, in.Name)
		}
		return models.AnalysisResult{}, fmt.Errorf("scan of %s cancelled: %w", in.Name, ctx.Err())
	}
}

// AnalyzePath scans an extracted package. path may be the package directory
// or its package.json.
func (a *Analyzer) AnalyzePath(ctx context.Context, path string) (models.AnalysisResult, error) {
	return a.AnalyzeContext(ctx, a.PathInput(path))
}

// PathInput builds the scan input for a directory or package.json path.
// Read failures degrade to a missing manifest.
func (a *Analyzer) PathInput(path string) Input {
	dir := path
	manifestPath := filepath.Join(path, parser.ManifestFile)
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		dir = filepath.Dir(path)
		manifestPath = path
	}

	manifest, err := parser.ReadFile(manifestPath)
	if err != nil {
		a.logger.Debug("Treating unreadable manifest as missing", zap.String("path", manifestPath), zap.Error(err))
	}

	return Input{
		Name:     path,
		Manifest: manifest,
		Lister:   scanner.DirLister(dir),
	}
}

// trackingLister remembers whether the listing succeeded
type trackingLister struct {
	inner  scanner.Lister
	listed bool
}

func (t *trackingLister) List() ([]string, error) {
	names, err := t.inner.List()
	if err == nil {
		t.listed = true
	}
	return names, err
}
