package parser

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/acheong08/npm-sentinel/pkg/models"
)

// LockfileName is the npm lockfile looked up next to package.json
const LockfileName = "package-lock.json"

// LockedPackage is one installed package recorded in a lockfile
type LockedPackage struct {
	models.Package
	ResolvedURL string
	Integrity   string
	Dev         bool
}

// ReadLockfile reads a package-lock.json (lockfileVersion 2 or 3) and returns
// every installed package, de-duplicated by name@version and sorted by ID.
// The root entry and workspace packages are skipped.
func ReadLockfile(path string) ([]LockedPackage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lockfile: %w", err)
	}
	return ParseLockfile(data)
}

// ParseLockfile is ReadLockfile over in-memory content
func ParseLockfile(data []byte) ([]LockedPackage, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("failed to parse lockfile: invalid JSON")
	}
	doc := gjson.ParseBytes(data)

	version := doc.Get("lockfileVersion").Int()
	if version != 2 && version != 3 {
		return nil, fmt.Errorf("unsupported lockfile version: %d (expected 2 or 3)", version)
	}

	seen := make(map[string]bool)
	var locked []LockedPackage
	doc.Get("packages").ForEach(func(key, value gjson.Result) bool {
		// Workspace sources live outside node_modules and are reached through links
		name := extractPackageName(key.String())
		if name == "" || value.Get("link").Bool() {
			return true
		}
		if alias := value.Get("name").String(); alias != "" {
			name = alias
		}
		pkgVersion := value.Get("version").String()
		if name == "" || pkgVersion == "" {
			return true
		}

		pkg := models.NewPackage(name, pkgVersion)
		if seen[pkg.ID] {
			return true
		}
		seen[pkg.ID] = true

		locked = append(locked, LockedPackage{
			Package:     pkg,
			ResolvedURL: value.Get("resolved").String(),
			Integrity:   value.Get("integrity").String(),
			Dev:         value.Get("dev").Bool(),
		})
		return true
	})

	sort.Slice(locked, func(i, j int) bool { return locked[i].ID < locked[j].ID })
	return locked, nil
}

// extractPackageName extracts the package name from a node_modules path, e.g.
// "node_modules/a/node_modules/@scope/b" -> "@scope/b"
func extractPackageName(path string) string {
	idx := strings.LastIndex(path, "node_modules/")
	if idx == -1 {
		return ""
	}
	return path[idx+len("node_modules/"):]
}
