package analysis

import "github.com/acheong08/npm-sentinel/pkg/models"

const (
	maxScore = 100
	minScore = 0
)

// Score folds findings into a 0-100 risk score: every finding subtracts its
// severity penalty from 100 and the total is clamped once at the end.
func Score(findings []models.Finding) int {
	score := maxScore
	for _, f := range findings {
		score -= f.Severity.Penalty()
	}
	if score < minScore {
		return minScore
	}
	if score > maxScore {
		return maxScore
	}
	return score
}
