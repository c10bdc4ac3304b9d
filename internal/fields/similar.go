package fields

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

const (
	// MinSimilarity is the score a field name needs to be offered as a suggestion
	MinSimilarity = 0.5

	// MaxSuggestions bounds the candidates attached to a lookup miss
	MaxSuggestions = 3
)

// Match is a candidate field name with its similarity to a query
type Match struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Similarity scores two field names between 0 and 1. Names are compared
// case-insensitively as word lists, so "OldNotes", "old_notes" and
// "Old Notes" are identical.
//
// Scoring, highest rule wins:
//   - equal names score 1
//   - one name a prefix of the other scores 0.9 x shorter/longer
//   - one name contained in the other scores 0.8 x shorter/longer
//   - otherwise the better of word overlap and edit distance, with a blend
//     weighted 0.7 to word overlap when that is higher
func Similarity(a, b string) float64 {
	wa, wb := words(a), words(b)
	na, nb := strings.Join(wa, " "), strings.Join(wb, " ")
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}

	shorter, longer := float64(min(len(na), len(nb))), float64(max(len(na), len(nb)))
	if strings.HasPrefix(na, nb) || strings.HasPrefix(nb, na) {
		return 0.9 * shorter / longer
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return 0.8 * shorter / longer
	}

	overlap := wordOverlap(wa, wb)
	ca, cb := strings.Join(wa, ""), strings.Join(wb, "")
	edit := 1 - float64(levenshtein.ComputeDistance(ca, cb))/float64(max(len([]rune(ca)), len([]rune(cb))))
	return max(overlap*0.7+edit*0.3, overlap, edit)
}

// SimilarNames ranks candidates by similarity to query, best first, keeping
// those scoring at least MinSimilarity. Exact (case-insensitive) matches of
// query itself are left out. limit <= 0 keeps every match.
func SimilarNames(query string, candidates []string, limit int) []Match {
	var out []Match
	for _, name := range candidates {
		if strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(query)) {
			continue
		}
		if score := Similarity(query, name); score >= MinSimilarity {
			out = append(out, Match{Name: name, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SuggestTargets proposes up to limit target fields for each source field
// from the category's field list
func SuggestTargets(ctx context.Context, lister Lister, category Category, sources []string, limit int) (map[string][]Match, error) {
	descriptors, err := lister.List(ctx, category)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Match, len(sources))
	for _, source := range sources {
		out[source] = SimilarNames(source, names(descriptors), limit)
	}
	return out, nil
}

// notFound builds the lookup-miss error, offering the closest names in descriptors
func notFound(descriptors []*Descriptor, nameOrID string, category Category) *FieldNotFoundError {
	err := &FieldNotFoundError{Field: nameOrID, Category: category}
	for _, m := range SimilarNames(nameOrID, names(descriptors), MaxSuggestions) {
		err.Suggestions = append(err.Suggestions, m.Name)
	}
	return err
}

func names(descriptors []*Descriptor) []string {
	out := make([]string, len(descriptors))
	for i, d := range descriptors {
		out[i] = d.Name
	}
	return out
}

// words splits a field name into lowercase words on punctuation, spaces and
// camelCase boundaries
func words(s string) []string {
	var (
		out     []string
		current []rune
	)
	flush := func() {
		if len(current) > 0 {
			out = append(out, strings.ToLower(string(current)))
			current = current[:0]
		}
	}
	runes := []rune(strings.TrimSpace(s))
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		current = append(current, r)
	}
	flush()
	return out
}

// wordOverlap credits each word of a with its best partial match in b
func wordOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var matched float64
	for _, wa := range a {
		for _, wb := range b {
			if wa == wb {
				matched++
				break
			}
			if strings.HasPrefix(wa, wb) || strings.HasPrefix(wb, wa) {
				matched += 0.8
				break
			}
			if strings.Contains(wa, wb) || strings.Contains(wb, wa) {
				matched += 0.6
				break
			}
		}
	}
	return matched / float64(max(len(a), len(b)))
}
