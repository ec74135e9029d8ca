// Package registry resolves and downloads published npm packages so they can
// be scanned without installing them.
package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/acheong08/npm-sentinel/internal/analysis"
	"github.com/acheong08/npm-sentinel/internal/parser"
	"github.com/acheong08/npm-sentinel/pkg/models"
)

const (
	// DefaultURL is the public npm registry
	DefaultURL = "https://registry.npmjs.org"
	// DefaultMaxTarballBytes caps a single download
	DefaultMaxTarballBytes = 50 << 20

	latestTag = "latest"
)

var (
	// ErrNotFound is returned when the registry has no such package or version
	ErrNotFound = errors.New("package not found in registry")
	// ErrTooLarge is returned when a tarball or its package.json exceeds
	// the size cap
	ErrTooLarge = errors.New("tarball exceeds size limit")
)

// Release is a resolved package version
type Release struct {
	Name       string
	Version    string
	TarballURL string
	Created    *time.Time // first publish of the package
	Modified   *time.Time // last registry change
	Published  *time.Time // publish time of this version
}

// ID returns name@version
func (r *Release) ID() string {
	return r.Name + "@" + r.Version
}

// Fetcher talks to an npm-compatible registry
type Fetcher struct {
	BaseURL         string
	MaxTarballBytes int64
	HTTPClient      *http.Client

	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.HTTPClient = c }
}

// WithRateLimit bounds registry requests per second; zero or less disables the limit
func WithRateLimit(perSecond float64) Option {
	return func(f *Fetcher) {
		if perSecond <= 0 {
			f.limiter = nil
			return
		}
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), int(math.Max(1, perSecond)))
	}
}

// WithMaxTarballBytes sets the download cap
func WithMaxTarballBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.MaxTarballBytes = n
		}
	}
}

// WithLogger sets the fetcher's logger
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFetcher creates a fetcher for the registry at baseURL, or the public
// registry when empty
func NewFetcher(baseURL string, opts ...Option) *Fetcher {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	f := &Fetcher{
		BaseURL:         strings.TrimSuffix(baseURL, "/"),
		MaxTarballBytes: DefaultMaxTarballBytes,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fetcher) wait(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// Resolve looks up a version in the package's packument. An empty version or
// "latest" resolves through dist-tags.
func (f *Fetcher) Resolve(ctx context.Context, name, version string) (*Release, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s", f.BaseURL, normalizePackageName(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch metadata: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("failed to decode metadata for %s: invalid JSON", name)
	}
	doc := gjson.ParseBytes(body)

	tag := version
	if tag == "" {
		tag = latestTag
	}
	if resolved, ok := doc.Get("dist-tags").Map()[tag]; ok && resolved.Type == gjson.String {
		version = resolved.String()
	}
	if version == "" || version == latestTag {
		return nil, fmt.Errorf("%w: %s has no latest version", ErrNotFound, name)
	}

	manifest, ok := doc.Get("versions").Map()[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, name, version)
	}

	release := &Release{
		Name:       name,
		Version:    version,
		TarballURL: manifest.Get("dist.tarball").String(),
	}
	if release.TarballURL == "" {
		release.TarballURL = constructTarballURL(f.BaseURL, name, version)
	}

	times := doc.Get("time").Map()
	release.Created = parseTime(times["created"])
	release.Modified = parseTime(times["modified"])
	release.Published = parseTime(times[version])

	f.logger.Debug("Resolved package",
		zap.String("package", release.ID()),
		zap.String("tarball", release.TarballURL))
	return release, nil
}

func parseTime(v gjson.Result) *time.Time {
	if v.Type != gjson.String {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v.String())
	if err != nil {
		return nil
	}
	return &t
}

// Download fetches a tarball, refusing anything above MaxTarballBytes
func (f *Fetcher) Download(ctx context.Context, url string) ([]byte, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download tarball: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download tarball: status %d", resp.StatusCode)
	}
	if resp.ContentLength > f.MaxTarballBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxTarballBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read tarball: %w", err)
	}
	if int64(len(data)) > f.MaxTarballBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.MaxTarballBytes)
	}

	return data, nil
}

// Fetch resolves, downloads and unpacks a package version
func (f *Fetcher) Fetch(ctx context.Context, name, version string) (*Release, *Archive, error) {
	release, err := f.Resolve(ctx, name, version)
	if err != nil {
		return nil, nil, err
	}

	data, err := f.Download(ctx, release.TarballURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to download %s: %w", release.ID(), err)
	}

	archive, err := Extract(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to extract %s: %w", release.ID(), err)
	}

	f.logger.Info("Fetched package",
		zap.String("package", release.ID()),
		zap.Int("bytes", len(data)),
		zap.Int("entries", len(archive.Files)))
	return release, archive, nil
}

// Scan fetches a package and analyzes it, filling in registry metadata
func (f *Fetcher) Scan(ctx context.Context, a *analysis.Analyzer, name, version string) (models.AnalysisResult, error) {
	result, _, err := f.Inspect(ctx, a, name, version)
	return result, err
}

// Inspect is Scan that also returns the archived manifest, for callers that
// pass scripts and dependencies on to a review
func (f *Fetcher) Inspect(ctx context.Context, a *analysis.Analyzer, name, version string) (models.AnalysisResult, *parser.Manifest, error) {
	release, archive, err := f.Fetch(ctx, name, version)
	if err != nil {
		return models.AnalysisResult{}, nil, err
	}
	result, err := f.Analyze(ctx, a, release, archive)
	if err != nil {
		return models.AnalysisResult{}, nil, err
	}
	return result, archive.ManifestOrMissing(), nil
}

// Analyze scans an already fetched archive and attaches the release's
// registry metadata
func (f *Fetcher) Analyze(ctx context.Context, a *analysis.Analyzer, release *Release, archive *Archive) (models.AnalysisResult, error) {
	if m := archive.ManifestOrMissing(); m.Found() {
		if declared := m.ToPackage(); declared.Name != release.Name {
			f.logger.Warn("Tarball manifest does not match registry entry",
				zap.String("package", release.ID()),
				zap.String("declared", declared.ID))
		}
	}

	result, err := a.AnalyzeContext(ctx, archive.Input(release.ID()))
	if err != nil {
		return models.AnalysisResult{}, err
	}

	result.Meta = f.meta(release)
	return result, nil
}

// ScanJob wraps Scan for analysis.Batch
func (f *Fetcher) ScanJob(a *analysis.Analyzer, pkg models.Package) analysis.Job {
	return analysis.Job{
		Name: pkg.ID,
		Run: func(ctx context.Context) (models.AnalysisResult, error) {
			return f.Scan(ctx, a, pkg.Name, pkg.Version)
		},
	}
}

func (f *Fetcher) meta(r *Release) models.Meta {
	var meta models.Meta
	if r.Created != nil {
		days := int(f.now().Sub(*r.Created).Hours() / 24)
		if days < 0 {
			days = 0
		}
		meta.RegistryAgeDays = &days
	}
	if r.Modified != nil {
		s := r.Modified.UTC().Format(time.RFC3339)
		meta.LastModified = &s
	}
	return meta
}

// normalizePackageName escapes the scope separator for registry URLs
func normalizePackageName(name string) string {
	if strings.HasPrefix(name, "@") {
		parts := strings.SplitN(name, "/", 2)
		if len(parts) == 2 {
			return parts[0] + "%2f" + parts[1]
		}
	}
	return name
}

// constructTarballURL builds the conventional tarball location:
// <registry>/@scope/name/-/name-<version>.tgz
func constructTarballURL(baseURL, name, version string) string {
	tarballName := name
	if strings.HasPrefix(name, "@") {
		parts := strings.SplitN(name, "/", 2)
		if len(parts) == 2 {
			tarballName = parts[1]
		}
	}
	return fmt.Sprintf("%s/%s/-/%s-%s.tgz", baseURL, name, tarballName, version)
}
