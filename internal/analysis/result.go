package analysis

import (
	"github.com/acheong08/npm-sentinel/internal/parser"
	"github.com/acheong08/npm-sentinel/pkg/models"
)

const (
	// UnnamedPackage is reported when a manifest exists but has no name
	UnnamedPackage = "unnamed"
	// UnknownPackage is reported when no manifest was located
	UnknownPackage = "unknown"
)

// Assemble composes the scan output into an AnalysisResult. It does not
// modify its inputs.
func Assemble(manifest *parser.Manifest, findings []models.Finding) models.AnalysisResult {
	result := models.AnalysisResult{
		PackageName: UnknownPackage,
		Findings:    make([]models.Finding, len(findings)),
		Score:       Score(findings),
		Analyzable:  manifest.Found(),
	}
	copy(result.Findings, findings)

	if manifest.Found() {
		result.PackageName = UnnamedPackage
		if manifest.Name != nil && *manifest.Name != "" {
			result.PackageName = *manifest.Name
		}
		if manifest.Version != nil {
			v := *manifest.Version
			result.Version = &v
		}
	}

	return result
}
