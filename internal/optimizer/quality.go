package optimizer

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

var qualityThresholds = map[Quality]float64{
	QualityHigh:   0.8,
	QualityMedium: 0.6,
	QualityLow:    0.4,
}

// Threshold returns the minimum score for q.
func (q Quality) Threshold() (float64, bool) {
	t, ok := qualityThresholds[q]
	return t, ok
}

var (
	sentenceEnd = regexp.MustCompile(`[.!?]+(\s|$)`)
	listItem    = regexp.MustCompile(`(?m)^\s*([-*•]|\d+[.)])\s+\S`)
)

// Score points, summed and divided by 100 so that thresholds compare
// exactly.
const (
	lengthPoints      = 30
	sentencePoints    = 25
	structurePoints   = 20
	punctuationPoints = 25

	minScoredLength = 50
	maxScoredLength = 2000
)

// ScoreQuality rates a response in [0, 1] from structural signals only:
// a reasonable length, at least two sentences, paragraph or list structure,
// and ending on terminal punctuation.
func ScoreQuality(text string) float64 {
	trimmed := strings.TrimSpace(text)
	points := 0

	if n := utf8.RuneCountInString(trimmed); n >= minScoredLength && n <= maxScoredLength {
		points += lengthPoints
	}
	if len(sentenceEnd.FindAllStringIndex(trimmed, -1)) >= 2 {
		points += sentencePoints
	}
	if strings.Contains(trimmed, "\n\n") || listItem.MatchString(trimmed) {
		points += structurePoints
	}
	if strings.HasSuffix(trimmed, ".") || strings.HasSuffix(trimmed, "!") || strings.HasSuffix(trimmed, "?") {
		points += punctuationPoints
	}

	if points > 100 {
		points = 100
	}
	return float64(points) / 100
}
