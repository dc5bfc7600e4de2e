package repo

import (
	"sort"
	"strings"
	"unicode"

	"github.com/cota-go/dialogue/internal/agent/model"
)

func tokenizeToSet(text string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// jaccard is the token-set similarity of a and b in [0, 1].
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// rank scores docs against query and keeps the topK with a non-zero score.
// Ties keep ID order so results are stable.
func rank(query string, docs []model.KnowledgeDocument, topK int) []model.ScoredDocument {
	q := tokenizeToSet(query)
	scored := make([]model.ScoredDocument, 0, len(docs))
	for _, d := range docs {
		if s := jaccard(q, tokenizeToSet(d.Text)); s > 0 {
			scored = append(scored, model.ScoredDocument{KnowledgeDocument: d, Score: s})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}
