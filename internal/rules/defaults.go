package rules

import (
	"github.com/acheong08/npm-sentinel/pkg/models"
)

var defaultSet = NewSet(defaultRules(), defaultDenyList())

// Default returns the built-in rule set. It is shared, so callers must not modify it.
func Default() *Set {
	return defaultSet
}

func defaultRules() []Rule {
	return []Rule{
		// Network & shell
		{ID: "curl", Pattern: Literal("curl "), Severity: models.SeverityHigh, Description: "Downloads content via curl detected."},
		{ID: "wget", Pattern: Literal("wget "), Severity: models.SeverityHigh, Description: "Downloads content via wget detected."},
		{ID: "pipe-bash", Pattern: Literal("| bash"), Severity: models.SeverityCritical, Description: "Pipes content directly to bash execution detected."},
		{ID: "pipe-sh", Pattern: Literal("| sh"), Severity: models.SeverityCritical, Description: "Pipes content directly to sh execution detected."},
		{ID: "cmd-exe", Pattern: Literal("cmd.exe"), Severity: models.SeverityHigh, Description: "Windows command command execution detected."},
		{ID: "powershell", Pattern: Literal("powershell"), Severity: models.SeverityHigh, Description: "PowerShell execution detected."},
		{ID: "nc", Pattern: Literal("nc "), Severity: models.SeverityHigh, Description: "Netcat usage detected."},
		{ID: "netcat", Pattern: Literal("netcat "), Severity: models.SeverityHigh, Description: "Netcat usage detected."},

		// Obfuscation / encoding
		{ID: "base64", Pattern: Literal("base64"), Severity: models.SeverityMedium, Description: "Base64 encoding/decoding detected."},
		{ID: "buffer-from", Pattern: Literal("Buffer.from"), Severity: models.SeverityMedium, Description: "Buffer manipulation detected."},
		{ID: "eval", Pattern: Literal("eval("), Severity: models.SeverityCritical, Description: "Arbitrary code execution via eval detected."},
		{ID: "hex-escape", Pattern: MustRegex(`\\x[0-9a-fA-F]{2}`), Severity: models.SeverityMedium, Description: "Hex encoded characters detected."},
	}
}

// Marker files dropped by known credential-stealing npm worms
func defaultDenyList() []string {
	return []string{
		"setup_bun.js",
		"bun_environment.js",
		"cloud.json",
		"truffleSecrets.json",
	}
}
