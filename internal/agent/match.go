package agent

import (
	"sort"
	"strings"
)

// MatchByTags ranks refs by how many words of text overlap their tags or
// name. Refs without any overlap are left out.
func MatchByTags(refs []AgentRef, text string) []AgentRef {
	words := keywords(text)
	type scored struct {
		ref   AgentRef
		score int
	}
	var hits []scored
	for _, ref := range refs {
		if s := matchScore(ref, words); s > 0 {
			hits = append(hits, scored{ref: ref, score: s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].score > hits[j].score
	})
	out := make([]AgentRef, len(hits))
	for i, h := range hits {
		out[i] = h.ref
	}
	return out
}

// BestMatch returns the highest ranked ref for text.
func BestMatch(refs []AgentRef, text string) (AgentRef, bool) {
	m := MatchByTags(refs, text)
	if len(m) == 0 {
		return AgentRef{}, false
	}
	return m[0], true
}

func matchScore(ref AgentRef, words []string) int {
	score := 0
	name := strings.ToLower(ref.Name)
	for _, w := range words {
		for _, tag := range ref.Tags {
			if strings.Contains(strings.ToLower(tag), w) {
				score++
			}
		}
		if strings.Contains(name, w) {
			score++
		}
	}
	return score
}

// keywords lowercases text and keeps words of two or more characters.
func keywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' || r > 127)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}
