package models

// AnalysisResult is the outcome of scanning a single package
type AnalysisResult struct {
	PackageName string    `json:"packageName"`
	Version     *string   `json:"version,omitempty"`
	Findings    []Finding `json:"findings"`
	Score       int       `json:"score"`

	// Analyzable is false when neither a manifest nor a file listing could be examined,
	// so a clean score carries no information.
	Analyzable bool `json:"analyzable"`
	Meta       Meta `json:"meta"`
}

// Meta carries registry facts about the scanned version, when known
type Meta struct {
	RegistryAgeDays *int    `json:"registryAgeDays,omitempty"`
	LastModified    *string `json:"lastModified,omitempty"`
}

// VersionString returns the version or "" when absent.
func (r *AnalysisResult) VersionString() string {
	if r.Version == nil {
		return ""
	}
	return *r.Version
}
