package reconciler

import "strings"

// LexicalOverlap is the token-level Dice coefficient between two texts,
// normalized to [0, 1].
func LexicalOverlap(a, b string) float64 {
	tokensA := tokenSet(a)
	tokensB := tokenSet(b)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	shared := 0
	for t := range tokensA {
		if tokensB[t] {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(tokensA)+len(tokensB))
}

// EntityJaccard is the Jaccard index over two entity name sets, compared
// case-insensitively.
func EntityJaccard(a, b []string) float64 {
	setA := nameSet(a)
	setB := nameSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}

	shared := 0
	for n := range setA {
		if setB[n] {
			shared++
		}
	}
	return float64(shared) / float64(len(setA)+len(setB)-shared)
}

// blendSimilarity folds cosine similarity, lexical overlap, and entity
// Jaccard into the single score offered to the judge. Cosine dominates;
// the lexical and entity terms break ties near the thresholds.
func blendSimilarity(cosine, lexical, jaccard float64) float64 {
	return 0.7*cosine + 0.15*lexical + 0.15*jaccard
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToLower(s)) {
		t = strings.Trim(t, ".,!?;:\"'()[]")
		if t != "" {
			set[t] = true
		}
	}
	return set
}

func nameSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			set[n] = true
		}
	}
	return set
}
