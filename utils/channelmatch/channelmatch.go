// Package channelmatch resolves loosely identified playlist channels
// against canonical guide channels. Matching is tiered: exact external
// ids first, then exact normalized names, then scored fuzzy heuristics
// with per-heuristic acceptance thresholds.
package channelmatch

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"guidecast/models"
)

var qualitySuffixRegex = regexp.MustCompile(`(?i)[\s._-]*(hd|fhd|uhd|sd|4k)$`)

// Normalize folds accented letters to their base form, lowercases and
// strips everything outside [a-z0-9]. The result is idempotent:
// Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(t, s); err == nil {
		s = folded
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// nameVariants returns the name plus quality-suffix-stripped forms, so
// "TF1 HD" also indexes under "TF1".
func nameVariants(name string) []string {
	variants := []string{name}
	stripped := name
	for {
		next := qualitySuffixRegex.ReplaceAllString(stripped, "")
		if next == stripped {
			break
		}
		stripped = next
	}
	if stripped != name && strings.TrimSpace(stripped) != "" {
		variants = append(variants, stripped)
	}
	return variants
}

// Index maps normalized display-name variants to a channel id.
type Index map[string]string

// BuildIndex indexes every channel under the normalized forms of its
// display name. On collision the first writer wins, so channel order is
// significant.
func BuildIndex(channels []models.ChannelRecord) Index {
	idx := make(Index, len(channels)*2)
	for _, ch := range channels {
		for _, variant := range nameVariants(ch.DisplayName) {
			key := Normalize(variant)
			if key == "" {
				continue
			}
			if _, exists := idx[key]; !exists {
				idx[key] = ch.ID
			}
		}
	}
	return idx
}

// Lookup resolves a playlist name through the index, trying the raw
// normalized name and its quality-stripped variants.
func (idx Index) Lookup(name string) (string, bool) {
	for _, variant := range nameVariants(name) {
		key := Normalize(variant)
		if key == "" {
			continue
		}
		if id, ok := idx[key]; ok {
			return id, true
		}
	}
	return "", false
}

type heuristic int

const (
	heuristicInclusion heuristic = iota
	heuristicKeywords
	heuristicSkeleton
)

const (
	inclusionThreshold = 0.70
	keywordsThreshold  = 0.60
	skeletonThreshold  = 0.75
)

func meetsThreshold(h heuristic, score float64) bool {
	switch h {
	case heuristicInclusion:
		return score >= inclusionThreshold
	case heuristicKeywords:
		return score >= keywordsThreshold
	case heuristicSkeleton:
		return score >= skeletonThreshold
	}
	return false
}

// Resolve finds the guide channel a playlist entry refers to, or nil if
// no candidate clears the matching tiers. A nil result is the expected
// outcome for channels absent from the guide, not an error.
func Resolve(ref models.PlaylistChannel, candidates []models.ChannelRecord) *models.ChannelRecord {
	// Tier 1: the playlist's tvg-id against channel ids, exact first.
	if ref.TvgID != "" {
		for i := range candidates {
			if candidates[i].ID == ref.TvgID {
				return &candidates[i]
			}
		}
		for i := range candidates {
			if strings.EqualFold(candidates[i].ID, ref.TvgID) {
				return &candidates[i]
			}
		}
	}

	// Tier 2: the alternate external id, same rules.
	if ref.TvgName != "" {
		for i := range candidates {
			if candidates[i].ID == ref.TvgName {
				return &candidates[i]
			}
		}
		for i := range candidates {
			if strings.EqualFold(candidates[i].ID, ref.TvgName) {
				return &candidates[i]
			}
		}
	}

	refKeys := normalizedKeys(ref.Name)
	if len(refKeys) == 0 {
		return nil
	}

	// Tier 3: exact normalized name, quality-stripped variants included
	// on both sides.
	for i := range candidates {
		for _, variant := range nameVariants(candidates[i].DisplayName) {
			if _, ok := refKeys[Normalize(variant)]; ok {
				return &candidates[i]
			}
		}
	}

	// Tier 4: scored fuzzy matching. Each candidate takes its best
	// heuristic score; the overall best candidate must clear the
	// threshold of the heuristic that produced its score.
	refNorm := Normalize(ref.Name)
	refTokens := significantTokens(ref.Name)

	var best *models.ChannelRecord
	var bestScore float64
	var bestHeuristic heuristic
	for i := range candidates {
		candNorm := Normalize(candidates[i].DisplayName)
		score, h := fuzzyScore(refNorm, refTokens, candNorm, candidates[i].DisplayName)
		if score > bestScore {
			bestScore = score
			bestHeuristic = h
			best = &candidates[i]
		}
	}
	if best != nil && meetsThreshold(bestHeuristic, bestScore) {
		return best
	}
	return nil
}

func normalizedKeys(name string) map[string]struct{} {
	keys := make(map[string]struct{})
	for _, variant := range nameVariants(name) {
		if key := Normalize(variant); key != "" {
			keys[key] = struct{}{}
		}
	}
	return keys
}

func fuzzyScore(refNorm string, refTokens []string, candNorm, candName string) (float64, heuristic) {
	score := inclusionScore(refNorm, candNorm)
	h := heuristicInclusion
	if s := keywordScore(refTokens, significantTokens(candName)); s > score {
		score = s
		h = heuristicKeywords
	}
	if s := skeletonScore(refNorm, candNorm); s > score {
		score = s
		h = heuristicSkeleton
	}
	return score, h
}

// inclusionScore rewards one normalized name containing the other,
// scaled by how much of the longer name the shorter one covers.
func inclusionScore(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	shorter, longer := a, b
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if !strings.Contains(longer, shorter) {
		return 0
	}
	return float64(len(shorter)) / float64(len(longer))
}

// significantTokens splits a raw name into normalized tokens longer than
// two characters, so numerals and stray quality tags drop out.
func significantTokens(name string) []string {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		tok := Normalize(f)
		if len(tok) > 2 {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// keywordScore measures how many significant tokens of the shorter name
// find a containment partner in the other name's tokens.
func keywordScore(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shorter, longer := a, b
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	matched := 0
	for _, t := range shorter {
		for _, u := range longer {
			if strings.Contains(t, u) || strings.Contains(u, t) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(shorter))
}

// skeletonScore compares the names with vowels removed, catching
// abbreviated forms. The 0.8 factor keeps skeleton-only evidence from
// outranking full-text agreement.
func skeletonScore(a, b string) float64 {
	sa, sb := consonantSkeleton(a), consonantSkeleton(b)
	if len(sa) <= 3 || len(sb) <= 3 {
		return 0
	}
	shorter, longer := sa, sb
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if !strings.Contains(longer, shorter) {
		return 0
	}
	return 0.8 * float64(len(shorter)) / float64(len(longer))
}

func consonantSkeleton(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case 'a', 'e', 'i', 'o', 'u':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
