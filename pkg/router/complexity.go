// Package router decides which worker and model handle each task, applying
// the ordered routing policy, the complexity estimate, and per-path cost
// overrides.
package router

import "strings"

// Verdict is the complexity estimator's output.
type Verdict string

const (
	VerdictEasy Verdict = "easy"
	VerdictHard Verdict = "hard"
)

// hardThreshold is the score at which a task is considered hard.
const hardThreshold = 5

// keyword groups and their weights, applied at most once each.
var keywordScores = []struct {
	words []string
	score int
}{
	{[]string{"login", "auth", "oauth", "2fa"}, 3},
	{[]string{"upload", "download", "file"}, 2},
	{[]string{"websocket", "realtime", "sync"}, 3},
	{[]string{"payment", "stripe", "checkout", "billing"}, 4},
	{[]string{"mock"}, 2},
}

// Estimate scores a task description. estimatedSteps ≤ 0 means unknown.
// Pure and deterministic: the same inputs always produce the same verdict.
func Estimate(description string, estimatedSteps int) (int, Verdict) {
	score := 0
	if estimatedSteps > 4 {
		score += 2
	}

	lower := strings.ToLower(description)
	for _, group := range keywordScores {
		for _, w := range group.words {
			if strings.Contains(lower, w) {
				score += group.score
				break
			}
		}
	}

	if score >= hardThreshold {
		return score, VerdictHard
	}
	return score, VerdictEasy
}
