// Package tags implements the tag index over archival passages: tag
// normalization, tagged inserts with per-tenant usage counts, bracket-tag
// search, keyword tag suggestion and duplicate consolidation.
package tags

import (
	"strings"

	"github.com/scrypster/tiermem/pkg/types"
)

// Normalize lowercases and trims tag, strips bracket characters and
// prefixes bare values with "category:". Normalize is idempotent.
func Normalize(tag string) string {
	t := strings.NewReplacer("[", "", "]", "").Replace(tag)
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return ""
	}
	if !strings.Contains(t, ":") {
		return types.TagPrefixCategory.Tag(t)
	}
	return t
}

// NormalizeAll normalizes tags, dropping empties and duplicates while
// keeping first-seen order.
func NormalizeAll(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		n := Normalize(tag)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// FormatContent serializes tags and content as "[t1][t2] content".
func FormatContent(tags []string, content string) string {
	if len(tags) == 0 {
		return content
	}
	var b strings.Builder
	for _, tag := range tags {
		b.WriteString("[")
		b.WriteString(tag)
		b.WriteString("]")
	}
	b.WriteString(" ")
	b.WriteString(content)
	return b.String()
}

// ParseContent splits the leading bracketed tags from a passage.
func ParseContent(content string) (tags []string, body string) {
	rest := strings.TrimLeft(content, " ")
	for strings.HasPrefix(rest, "[") {
		end := strings.Index(rest, "]")
		if end <= 1 {
			break
		}
		tags = append(tags, rest[1:end])
		rest = rest[end+1:]
	}
	return tags, strings.TrimSpace(rest)
}

type suggestionRule struct {
	keywords []string
	tag      string
}

var suggestionRules = []suggestionRule{
	{[]string{"competitor"}, "category:competitor"},
	{[]string{"price", "pricing", "margin", "discount"}, "category:pricing"},
	{[]string{"urgent", "asap"}, "priority:high"},
	{[]string{"customer", "loyalty"}, "category:customer"},
	{[]string{"compliance", "regulation"}, "category:compliance"},
	{[]string{"campaign", "promo"}, "category:marketing"},
	{[]string{"inventory", "stock"}, "category:inventory"},
}

// DefaultTag is suggested when no keyword matches.
const DefaultTag = "category:fact"

// SuggestTags derives tags from keywords in content. When agent is given an
// "agent:{agent}" tag is added. Content matching no keyword gets DefaultTag.
func SuggestTags(content, agent string) []string {
	lower := strings.ToLower(content)
	var out []string
	for _, rule := range suggestionRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				out = append(out, rule.tag)
				break
			}
		}
	}
	if len(out) == 0 {
		out = append(out, DefaultTag)
	}
	if agent = strings.TrimSpace(agent); agent != "" {
		out = append(out, Normalize(types.TagPrefixAgent.Tag(agent)))
	}
	return out
}
