package scanner

import (
	"fmt"
	"os"
)

// Lister lists the entry names at a package's root directory
type Lister interface {
	List() ([]string, error)
}

// StaticListing is an already materialized root listing
type StaticListing []string

func (l StaticListing) List() ([]string, error) {
	out := make([]string, len(l))
	copy(out, l)
	return out, nil
}

// DirLister lists an extracted package directory on disk
type DirLister string

func (d DirLister) List() ([]string, error) {
	entries, err := os.ReadDir(string(d))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", string(d), err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// ListerFunc adapts a function to Lister
type ListerFunc func() ([]string, error)

func (f ListerFunc) List() ([]string, error) { return f() }
