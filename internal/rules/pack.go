package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/acheong08/npm-sentinel/pkg/models"
)

// packFile is the on-disk YAML layout of a rule pack:
//
//	version: "1"
//	rules:
//	  - id: curl-insecure
//	    literal: "curl -k"
//	    severity: high
//	    description: "Insecure download detected."
//	deny_files:
//	  - evil.js
type packFile struct {
	Version   string     `yaml:"version"`
	Rules     []packRule `yaml:"rules"`
	DenyFiles []string   `yaml:"deny_files"`
}

type packRule struct {
	ID          string `yaml:"id"`
	Literal     string `yaml:"literal"`
	Regex       string `yaml:"regex"`
	Severity    string `yaml:"severity"`
	Description string `yaml:"description"`
}

// ParsePack decodes a YAML rule pack into a Set
func ParsePack(r io.Reader) (*Set, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var pf packFile
	if err := dec.Decode(&pf); err != nil {
		if errors.Is(err, io.EOF) {
			return NewSet(nil, nil), nil
		}
		return nil, fmt.Errorf("failed to parse rule pack: %w", err)
	}

	rules := make([]Rule, 0, len(pf.Rules))
	seen := make(map[string]bool, len(pf.Rules))
	for i, pr := range pf.Rules {
		rule, err := pr.toRule()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("rule %d: duplicate id %q", i, rule.ID)
		}
		seen[rule.ID] = true
		rules = append(rules, rule)
	}

	for i, name := range pf.DenyFiles {
		if name == "" {
			return nil, fmt.Errorf("deny_files[%d]: empty filename", i)
		}
	}

	return NewSet(rules, pf.DenyFiles), nil
}

// LoadPack reads a YAML rule pack from disk
func LoadPack(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule pack: %w", err)
	}
	return ParsePack(bytes.NewReader(data))
}

// Load returns the default set, extended with the pack at path when path is set
func Load(path string) (*Set, error) {
	if path == "" {
		return Default(), nil
	}
	pack, err := LoadPack(path)
	if err != nil {
		return nil, err
	}
	return Default().Extend(pack), nil
}

func (pr packRule) toRule() (Rule, error) {
	if pr.ID == "" {
		return Rule{}, fmt.Errorf("missing id")
	}
	if pr.Description == "" {
		return Rule{}, fmt.Errorf("%s: missing description", pr.ID)
	}

	severity, err := models.ParseSeverity(pr.Severity)
	if err != nil {
		return Rule{}, fmt.Errorf("%s: %w", pr.ID, err)
	}

	var pattern Pattern
	switch {
	case pr.Literal != "" && pr.Regex != "":
		return Rule{}, fmt.Errorf("%s: literal and regex are mutually exclusive", pr.ID)
	case pr.Literal != "":
		pattern = Literal(pr.Literal)
	case pr.Regex != "":
		re, err := CompileRegex(pr.Regex)
		if err != nil {
			return Rule{}, fmt.Errorf("%s: %w", pr.ID, err)
		}
		pattern = re
	default:
		return Rule{}, fmt.Errorf("%s: missing literal or regex", pr.ID)
	}

	return Rule{
		ID:          pr.ID,
		Pattern:     pattern,
		Severity:    severity,
		Description: pr.Description,
	}, nil
}
