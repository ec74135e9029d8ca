package models

import (
	"fmt"
	"strings"
)

// Package represents a single npm package with version
type Package struct {
	ID      string `json:"id"`      // "lodash@4.17.21"
	Name    string `json:"name"`    // "lodash"
	Version string `json:"version"` // "4.17.21", or "" for latest
}

// NewPackage builds a Package with its ID filled in
func NewPackage(name, version string) Package {
	id := name
	if version != "" {
		id = name + "@" + version
	}
	return Package{ID: id, Name: name, Version: version}
}

// ParseSpec parses "name", "name@version", "@scope/name" or "@scope/name@version"
func ParseSpec(spec string) (Package, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Package{}, fmt.Errorf("empty package spec")
	}

	// Skip the leading @ of a scoped name when looking for the version separator
	search := spec
	offset := 0
	if strings.HasPrefix(spec, "@") {
		search = spec[1:]
		offset = 1
		if !strings.Contains(search, "/") {
			return Package{}, fmt.Errorf("invalid scoped package spec %q", spec)
		}
	}

	name, version := spec, ""
	if idx := strings.LastIndex(search, "@"); idx != -1 {
		name = spec[:idx+offset]
		version = spec[idx+offset+1:]
		if version == "" {
			return Package{}, fmt.Errorf("missing version in package spec %q", spec)
		}
	}

	if name == "" || strings.HasSuffix(name, "/") {
		return Package{}, fmt.Errorf("invalid package spec %q", spec)
	}

	return NewPackage(name, version), nil
}
