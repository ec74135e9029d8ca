// Package scanner runs the rule table against lifecycle scripts and checks a
// package's root listing against the filename deny-list.
package scanner

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/acheong08/npm-sentinel/internal/parser"
	"github.com/acheong08/npm-sentinel/internal/rules"
	"github.com/acheong08/npm-sentinel/pkg/models"
)

const decodedPayloadDescription = "Obfuscated (Base64) payload detected: contained suspicious commands."

// Scanner produces findings for a single package. It holds no per-scan
// state, so one Scanner may serve concurrent scans.
type Scanner struct {
	rules  *rules.Set
	logger *zap.Logger
}

// Option configures a Scanner
type Option func(*Scanner)

// WithLogger sets the logger used for debug output
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scanner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a scanner over the given rule set, or the built-in set when nil
func New(set *rules.Set, opts ...Option) *Scanner {
	if set == nil {
		set = rules.Default()
	}
	s := &Scanner{
		rules:  set,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Rules returns the rule set the scanner runs
func (s *Scanner) Rules() *rules.Set {
	return s.rules
}

// Scan returns script findings followed by file findings
func (s *Scanner) Scan(manifest *parser.Manifest, lister Lister) []models.Finding {
	var scripts *parser.Scripts
	if manifest != nil {
		scripts = manifest.Scripts
	}

	findings := s.ScanScripts(scripts)
	findings = append(findings, s.ScanFiles(lister)...)
	return findings
}

// ScanScripts scans every script in manifest order
func (s *Scanner) ScanScripts(scripts *parser.Scripts) []models.Finding {
	var findings []models.Finding
	scripts.Each(func(name, command string) {
		findings = append(findings, s.ScanScript(name, command)...)
	})
	return findings
}

// ScanScript returns direct rule matches for one command, then one finding
// per base64 token whose decoded text matches any rule
func (s *Scanner) ScanScript(name, command string) []models.Finding {
	location := fmt.Sprintf("scripts.%s", name)

	var findings []models.Finding
	for _, rule := range s.rules.Match(command) {
		findings = append(findings, models.Finding{
			Type:        models.KindSuspiciousScript,
			Severity:    rule.Severity,
			Description: rule.Description,
			Location:    location,
		})
	}

	for _, token := range ExtractBase64(command) {
		decoded, ok := decodeBase64(token)
		if !ok {
			continue
		}
		if !IsReadable(decoded) {
			continue
		}
		// Decoded text is matched once; nested tokens are not decoded again
		if !s.rules.MatchAny(string(decoded)) {
			continue
		}

		s.logger.Debug("Suspicious decoded payload",
			zap.String("script", name),
			zap.Int("token_length", len(token)))

		findings = append(findings, models.Finding{
			Type:        models.KindSuspiciousScript,
			Severity:    models.SeverityCritical,
			Description: decodedPayloadDescription,
			Location:    location + " (decoded)",
		})
	}

	return findings
}

// ScanFiles checks each root entry name against the deny-list. A nil lister
// or a listing error contributes no findings.
func (s *Scanner) ScanFiles(lister Lister) []models.Finding {
	if lister == nil {
		return nil
	}

	names, err := lister.List()
	if err != nil {
		s.logger.Debug("File listing unavailable", zap.Error(err))
		return nil
	}

	var findings []models.Finding
	for _, name := range names {
		if !s.rules.IsDenied(name) {
			continue
		}
		findings = append(findings, models.Finding{
			Type:        models.KindMaliciousFile,
			Severity:    models.SeverityCritical,
			Description: fmt.Sprintf("Known malicious file detected: %s", name),
			Location:    fmt.Sprintf("file:%s", name),
		})
	}
	return findings
}
