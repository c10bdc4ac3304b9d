package codec

import (
	"strings"

	"github.com/hashicorp/go-set/v2"

	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
)

// SplitMultiValue splits a joined option string on "|", or on "," when no pipe
// is present. Items are trimmed, blanks dropped and case kept.
func SplitMultiValue(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{}
	}
	sep := ","
	if strings.Contains(s, "|") {
		sep = "|"
	}
	return cleanList(strings.Split(s, sep))
}

// JoinMultiValue is the inverse of SplitMultiValue for clean option lists
func JoinMultiValue(items []string) string {
	return strings.Join(cleanList(items), "|")
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// UnionOptions returns current followed by the items of extra it does not already hold
func UnionOptions(current, extra []string) []string {
	seen := set.From(current)
	out := append(make([]string, 0, len(current)+len(extra)), current...)
	for _, item := range extra {
		if seen.Insert(item) {
			out = append(out, item)
		}
	}
	return out
}

// ContainsOptions reports whether every item of want is present in have
func ContainsOptions(have, want []string) bool {
	s := set.From(have)
	for _, item := range want {
		if !s.Contains(item) {
			return false
		}
	}
	return true
}

// SameOptions compares two option lists as sets
func SameOptions(a, b []string) bool {
	return set.From(a).Equal(set.From(b))
}

// CanonicalOptions rewrites each item to the descriptor's spelling when it
// names a known option. Unknown items pass through unchanged.
func CanonicalOptions(items []string, d *fields.Descriptor) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if opt, ok := d.FindOption(item); ok {
			item = opt.Name
		}
		out = append(out, item)
	}
	return out
}

// HasOptions is ContainsOptions with both lists matched against d's options
func HasOptions(d *fields.Descriptor, have, want []string) bool {
	return ContainsOptions(CanonicalOptions(have, d), CanonicalOptions(want, d))
}
