package parser

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"

	"github.com/acheong08/npm-sentinel/pkg/models"
)

// ManifestFile is the manifest name looked up at a package root
const ManifestFile = "package.json"

// Manifest is a tolerantly parsed package.json. Absent fields are nil.
type Manifest struct {
	found bool

	Name            *string
	Version         *string
	Scripts         *Scripts
	Dependencies    map[string]string
	DevDependencies map[string]string
}

// Missing returns the manifest used when no package.json was located
func Missing() *Manifest {
	return &Manifest{}
}

// Found reports whether a manifest source existed, even if it failed to parse
func (m *Manifest) Found() bool {
	return m != nil && m.found
}

// Load parses package.json content. It never fails: malformed input yields a
// found manifest with every field absent, and a field with an unexpected
// shape is dropped without affecting the others.
func Load(data []byte) *Manifest {
	m := &Manifest{found: true}

	if !gjson.ValidBytes(data) {
		return m
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return m
	}

	// Walk keys in order so that a repeated key resolves the way JSON.parse does (last wins)
	root.ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case "name":
			m.Name = stringValue(value)
		case "version":
			m.Version = stringValue(value)
		case "scripts":
			m.Scripts = scriptsValue(value)
		case "dependencies":
			m.Dependencies = stringMap(value)
		case "devDependencies":
			m.DevDependencies = stringMap(value)
		}
		return true
	})

	return m
}

// ReadFile reads and parses a package.json. A missing file yields Missing()
// and no error; any other read failure yields Missing() and the error.
func ReadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Missing(), nil
		}
		return Missing(), fmt.Errorf("failed to read package.json: %w", err)
	}
	return Load(data), nil
}

// ReadDir reads the package.json at the root of dir
func ReadDir(dir string) (*Manifest, error) {
	return ReadFile(filepath.Join(dir, ManifestFile))
}

// ToPackage converts the manifest identity to models.Package
func (m *Manifest) ToPackage() models.Package {
	var name, version string
	if m.Name != nil {
		name = *m.Name
	}
	if m.Version != nil {
		version = *m.Version
	}
	return models.NewPackage(name, version)
}

// GetAllDependencies returns production + dev dependencies
func (m *Manifest) GetAllDependencies() map[string]string {
	all := make(map[string]string, len(m.Dependencies)+len(m.DevDependencies))
	for k, v := range m.Dependencies {
		all[k] = v
	}
	for k, v := range m.DevDependencies {
		all[k] = v
	}
	return all
}

func stringValue(v gjson.Result) *string {
	if v.Type != gjson.String {
		return nil
	}
	s := v.String()
	return &s
}

func stringMap(v gjson.Result) map[string]string {
	if !v.IsObject() {
		return nil
	}
	out := make(map[string]string)
	ok := true
	v.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.String {
			ok = false
			return false
		}
		out[key.String()] = value.String()
		return true
	})
	if !ok {
		return nil
	}
	return out
}

func scriptsValue(v gjson.Result) *Scripts {
	if !v.IsObject() {
		return nil
	}
	scripts := NewScripts()
	ok := true
	v.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.String {
			ok = false
			return false
		}
		scripts.Set(key.String(), value.String())
		return true
	})
	if !ok {
		return nil
	}
	return scripts
}
