package search

import "strings"

// fuzzyThreshold is the minimum document score for inclusion. A single-edit
// typo in a five-letter word scores 1 - 1/5 = 0.8, comfortably above it;
// unrelated tokens land near zero.
const fuzzyThreshold = 0.6

// Fuzzy is the typo-tolerant strategy registered as "fuzzy_search". Each
// query token takes its best normalized-Levenshtein similarity over the
// document's tokens; the document score is the mean of those bests.
type Fuzzy struct{}

func NewFuzzy() Fuzzy { return Fuzzy{} }

func (Fuzzy) Name() string { return "fuzzy_search" }

func (Fuzzy) Search(query string, docs []Document) []Match {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	var matches []Match
	for _, doc := range docs {
		docTokens := tokenize(doc.Title + " " + doc.Description)
		if len(docTokens) == 0 {
			continue
		}

		var sum float64
		var bestToken string
		var bestSim float64
		for _, qt := range queryTokens {
			tokenBest := 0.0
			for _, dt := range docTokens {
				sim := similarity(qt, dt)
				if sim > tokenBest {
					tokenBest = sim
				}
				if sim > bestSim {
					bestSim = sim
					bestToken = dt
				}
			}
			sum += tokenBest
		}

		score := sum / float64(len(queryTokens))
		if score < fuzzyThreshold {
			continue
		}
		matches = append(matches, Match{
			DocumentID:  doc.ID,
			Title:       doc.Title,
			MatchedText: bestToken,
			Score:       score,
		})
	}

	sortMatches(matches)
	return matches
}

// tokenize lowercases, splits on whitespace, and trims punctuation.
func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		cleaned := strings.Trim(f, ".,!?;:'\"-()[]{}")
		if cleaned != "" {
			tokens = append(tokens, cleaned)
		}
	}
	return tokens
}

// similarity is 1 minus the Levenshtein distance normalized by the longer
// token length, so identical tokens score 1.0 and disjoint ones approach 0.
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 0
	}
	return 1.0 - float64(levenshtein(a, b))/float64(maxLen)
}

// levenshtein computes edit distance with a two-row dynamic program.
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
