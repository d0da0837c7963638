package judge

import (
	"fmt"
	"strings"
)

const (
	keywordWeight     = 0.50
	similarityWeight  = 0.30
	containmentWeight = 0.20
)

// fuzzyScore grades an answer against the reference without an LLM. Three
// signals are combined: per-term keyword coverage, overall sequence
// similarity, and substring containment.
func fuzzyScore(expected, answer string) Result {
	if strings.TrimSpace(answer) == "" {
		return Result{Score: 0, Explanation: "Empty answer", Method: "fuzzy"}
	}

	answerLower := strings.ToLower(strings.TrimSpace(answer))
	expectedLower := strings.ToLower(strings.TrimSpace(expected))

	seqRatio := similarity(expectedLower, answerLower)

	var keywordScore float64
	expectedTerms := longTerms(expectedLower)
	if len(expectedTerms) > 0 {
		answerTerms := strings.Fields(answerLower)
		total := 0.0
		for _, et := range expectedTerms {
			if strings.Contains(answerLower, et) {
				total += 1.0
				continue
			}
			best := 0.0
			for _, at := range answerTerms {
				if r := similarity(et, at); r > best {
					best = r
				}
			}
			total += best
		}
		keywordScore = total / float64(len(expectedTerms))
	}

	containment := 0.0
	if strings.Contains(answerLower, expectedLower) {
		containment = 1.0
	} else if strings.Contains(expectedLower, answerLower) {
		containment = 0.7
	}

	raw := keywordScore*keywordWeight + seqRatio*similarityWeight + containment*containmentWeight
	score := clampScore(int(raw*100 + 0.5))

	parts := []string{
		fmt.Sprintf("keyword=%.0f%%", keywordScore*100),
		fmt.Sprintf("similarity=%.0f%%", seqRatio*100),
	}
	if containment > 0 {
		parts = append(parts, fmt.Sprintf("containment=%.0f%%", containment*100))
	}
	return Result{
		Score:       score,
		Explanation: "Fuzzy match: " + strings.Join(parts, ", "),
		Method:      "fuzzy",
	}
}

func longTerms(s string) []string {
	var terms []string
	for _, t := range strings.Fields(s) {
		if len(t) > 1 {
			terms = append(terms, t)
		}
	}
	return terms
}

// similarity is the classic ratcliff-obershelp ratio: twice the number of
// matching characters over the combined length.
func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	matched := matchingChars(a, b)
	return 2.0 * float64(matched) / float64(len(a)+len(b))
}

func matchingChars(a, b string) int {
	ai, bi, size := longestCommonBlock(a, b)
	if size == 0 {
		return 0
	}
	total := size
	total += matchingChars(a[:ai], b[:bi])
	total += matchingChars(a[ai+size:], b[bi+size:])
	return total
}

func longestCommonBlock(a, b string) (int, int, int) {
	bestA, bestB, bestSize := 0, 0, 0
	// lengths[j] holds the common suffix length ending at a[i-1], b[j-1].
	lengths := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		prev := 0
		for j := 1; j <= len(b); j++ {
			cur := lengths[j]
			if a[i-1] == b[j-1] {
				lengths[j] = prev + 1
				if lengths[j] > bestSize {
					bestSize = lengths[j]
					bestA = i - bestSize
					bestB = j - bestSize
				}
			} else {
				lengths[j] = 0
			}
			prev = cur
		}
	}
	return bestA, bestB, bestSize
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
