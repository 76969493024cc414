package search

import "strings"

// Keyword is the case-insensitive substring strategy registered as
// "text_search". A full-query hit in the title dominates the score, word
// hits and description hits contribute smaller shares, and documents with
// no hit at all are excluded.
type Keyword struct{}

func NewKeyword() Keyword { return Keyword{} }

func (Keyword) Name() string { return "text_search" }

const snippetContext = 30

func (Keyword) Search(query string, docs []Document) []Match {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	words := strings.Fields(q)

	var matches []Match
	for _, doc := range docs {
		var score float64
		var matchedText string

		title := strings.ToLower(doc.Title)
		if strings.Contains(title, q) {
			score += 0.7
			matchedText = doc.Title
		} else {
			for _, w := range words {
				if strings.Contains(title, w) {
					score += 0.3 / float64(len(words))
					if matchedText == "" {
						matchedText = doc.Title
					}
				}
			}
		}

		desc := strings.ToLower(doc.Description)
		if idx := strings.Index(desc, q); idx >= 0 {
			score += 0.3
			if matchedText == "" {
				matchedText = "..." + snippet(doc.Description, idx, len(q)) + "..."
			}
		} else {
			for _, w := range words {
				if strings.Contains(desc, w) {
					score += 0.1 / float64(len(words))
				}
			}
		}

		if score <= 0 {
			continue
		}
		if score > 1.0 {
			score = 1.0
		}
		if matchedText == "" {
			matchedText = doc.Title
		}
		matches = append(matches, Match{
			DocumentID:  doc.ID,
			Title:       doc.Title,
			MatchedText: matchedText,
			Score:       score,
		})
	}

	sortMatches(matches)
	return matches
}

// snippet extracts the matched region of text with snippetContext bytes of
// surrounding context on each side.
func snippet(text string, idx, matchLen int) string {
	start := idx - snippetContext
	if start < 0 {
		start = 0
	}
	end := idx + matchLen + snippetContext
	if end > len(text) {
		end = len(text)
	}
	return text[start:end]
}
