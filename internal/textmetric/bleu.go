package textmetric

import (
	"math"
	"strings"
)

// bleuMaxOrder caps the n-gram order used by sentence BLEU.
const bleuMaxOrder = 4

// Tokenize lowercases and splits a sentence on whitespace.
func Tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

// SentenceBLEU scores a candidate sentence against a reference with uniform
// n-gram weights up to order 4 and a brevity penalty. Zero-match orders are
// smoothed so short sentences still produce a usable gradient; captions are
// typically under a dozen tokens.
func SentenceBLEU(candidate, reference []string) float64 {
	if len(candidate) == 0 || len(reference) == 0 {
		return 0
	}

	maxOrder := bleuMaxOrder
	if len(candidate) < maxOrder {
		maxOrder = len(candidate)
	}

	logSum := 0.0
	for n := 1; n <= maxOrder; n++ {
		matches, total := ngramMatches(candidate, reference, n)
		if total == 0 {
			continue
		}
		precision := float64(matches) / float64(total)
		if matches == 0 {
			// Smoothing: stand in half a match.
			precision = 1 / (2 * float64(total))
		}
		logSum += math.Log(precision)
	}
	score := math.Exp(logSum / float64(maxOrder))

	// Brevity penalty for candidates shorter than the reference.
	if len(candidate) < len(reference) {
		score *= math.Exp(1 - float64(len(reference))/float64(len(candidate)))
	}
	return score
}

// SentenceBLEUText is SentenceBLEU over raw strings.
func SentenceBLEUText(candidate, reference string) float64 {
	return SentenceBLEU(Tokenize(candidate), Tokenize(reference))
}

// ngramMatches counts clipped n-gram matches of the candidate against the
// reference, and the total candidate n-grams.
func ngramMatches(candidate, reference []string, n int) (matches, total int) {
	if len(candidate) < n {
		return 0, 0
	}

	refCounts := make(map[string]int)
	for i := 0; i+n <= len(reference); i++ {
		refCounts[strings.Join(reference[i:i+n], "\x1f")]++
	}

	for i := 0; i+n <= len(candidate); i++ {
		total++
		gram := strings.Join(candidate[i:i+n], "\x1f")
		if refCounts[gram] > 0 {
			refCounts[gram]--
			matches++
		}
	}
	return matches, total
}
