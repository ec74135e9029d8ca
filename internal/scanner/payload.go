package scanner

import (
	"encoding/base64"
	"regexp"
	"strings"
)

// Runs of at least 20 base64 alphabet characters with optional padding
var base64Token = regexp.MustCompile(`[A-Za-z0-9+/]{20,}={0,2}`)

// readableThreshold is the printable fraction a decoded payload must exceed
const readableThreshold = 0.9

// ExtractBase64 returns every maximal base64-like token in text, in order
func ExtractBase64(text string) []string {
	return base64Token.FindAllString(text, -1)
}

// decodeBase64 decodes a token with or without padding
func decodeBase64(token string) ([]byte, bool) {
	decoded, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return nil, false
	}
	return decoded, true
}

// IsReadable reports whether more than 90% of the decoded text's characters
// fall outside the C0 and C1 control ranges. Empty input is not readable.
func IsReadable(decoded []byte) bool {
	total, printable := 0, 0
	for _, r := range string(decoded) {
		total++
		if !isControl(r) {
			printable++
		}
	}
	if total == 0 {
		return false
	}
	return float64(printable)/float64(total) > readableThreshold
}

func isControl(r rune) bool {
	return r <= 0x1F || (r >= 0x7F && r <= 0x9F)
}
