package registry

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/acheong08/npm-sentinel/internal/analysis"
	"github.com/acheong08/npm-sentinel/internal/parser"
	"github.com/acheong08/npm-sentinel/internal/scanner"
)

// maxManifestBytes caps how much of package.json is read from an archive
const maxManifestBytes = 5 << 20

// Archive is the part of a package tarball the scanner looks at
type Archive struct {
	Root     string   // first path segment of the first entry, usually "package"
	Manifest []byte   // nil when the archive has no root package.json
	Files    []string // entry names at the package root, in archive order
}

// Extract reads a gzipped npm tarball in memory. Nothing is written to disk.
// Like npm, the first path segment of every entry is stripped, so entries
// under differently named top-level directories all land in the package
// root. A later package.json overwrites an earlier one.
func Extract(r io.Reader) (*Archive, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	archive := &Archive{}
	seen := make(map[string]bool)
	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar entry: %w", err)
		}
		if metadataEntry(hdr.Typeflag) {
			continue
		}

		root, rest := splitEntry(hdr.Name)
		if root == "" {
			continue
		}
		if archive.Root == "" {
			archive.Root = root
		}
		if rest == "" {
			continue
		}

		top, _, nested := strings.Cut(rest, "/")
		if !seen[top] {
			seen[top] = true
			archive.Files = append(archive.Files, top)
		}

		if nested || top != parser.ManifestFile || hdr.Typeflag != tar.TypeReg {
			continue
		}
		if hdr.Size > maxManifestBytes {
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, hdr.Name, hdr.Size)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", parser.ManifestFile, err)
		}
		archive.Manifest = data
	}

	return archive, nil
}

// metadataEntry reports whether a typeflag carries only header metadata and
// never appears in the unpacked package
func metadataEntry(flag byte) bool {
	switch flag {
	case tar.TypeXGlobalHeader, tar.TypeXHeader, tar.TypeGNULongName, tar.TypeGNULongLink:
		return true
	}
	return false
}

// ExtractFile reads a .tgz from disk
func ExtractFile(p string) (*Archive, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", p, err)
	}
	defer f.Close()

	archive, err := Extract(f)
	if err != nil {
		return nil, fmt.Errorf("failed to extract %s: %w", p, err)
	}
	return archive, nil
}

// splitEntry returns the first path segment and the remainder of a tar entry
// name, ignoring "./" prefixes and trailing slashes
func splitEntry(name string) (string, string) {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" || name == "." {
		return "", ""
	}
	root, rest, _ := strings.Cut(name, "/")
	return root, rest
}

// ManifestOrMissing parses the archived package.json
func (a *Archive) ManifestOrMissing() *parser.Manifest {
	if a.Manifest == nil {
		return parser.Missing()
	}
	return parser.Load(a.Manifest)
}

// Input builds a scan input for the archive
func (a *Archive) Input(name string) analysis.Input {
	return analysis.Input{
		Name:     name,
		Manifest: a.ManifestOrMissing(),
		Lister:   scanner.StaticListing(a.Files),
	}
}
