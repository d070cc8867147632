package mapping

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/mozillazg/go-pinyin"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// Matcher picks the candidate that best corresponds to name. Both name and
// candidates are already normalized.
type Matcher interface {
	Match(name string, candidates []string) (string, bool)
}

// ExactMatcher matches only identical names.
type ExactMatcher struct{}

func (ExactMatcher) Match(name string, candidates []string) (string, bool) {
	for _, c := range candidates {
		if c == name {
			return c, true
		}
	}
	return "", false
}

// ContainmentMatcher matches when either name contains the other. Among
// several hits the one closest in length wins, then lexical order.
type ContainmentMatcher struct{}

func (ContainmentMatcher) Match(name string, candidates []string) (string, bool) {
	if name == "" {
		return "", false
	}
	best, bestDiff := "", -1
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if !strings.Contains(c, name) && !strings.Contains(name, c) {
			continue
		}
		diff := abs(utf8.RuneCountInString(c) - utf8.RuneCountInString(name))
		if bestDiff < 0 || diff < bestDiff || (diff == bestDiff && c < best) {
			best, bestDiff = c, diff
		}
	}
	return best, bestDiff >= 0
}

// PinyinMatcher matches names that read the same, which catches homophone
// typos such as 张叁 for 张三.
type PinyinMatcher struct{}

func (PinyinMatcher) Match(name string, candidates []string) (string, bool) {
	want := toPinyin(name)
	if want == "" {
		return "", false
	}
	var hits []string
	for _, c := range candidates {
		if toPinyin(c) == want {
			hits = append(hits, c)
		}
	}
	if len(hits) == 0 {
		return "", false
	}
	sort.Strings(hits)
	return hits[0], true
}

func toPinyin(s string) string {
	args := pinyin.NewArgs()
	args.Fallback = func(r rune, a pinyin.Args) []string {
		return []string{string(r)}
	}
	return strings.Join(pinyin.LazyPinyin(s, args), "")
}

// EditDistanceMatcher matches the candidate with the fewest rune edits, up
// to MaxDistance. Names no longer than twice MaxDistance never match, since
// a two-character name one edit away is usually a different person.
type EditDistanceMatcher struct {
	MaxDistance int
}

func (m EditDistanceMatcher) Match(name string, candidates []string) (string, bool) {
	maxDist := m.MaxDistance
	if maxDist <= 0 {
		maxDist = 1
	}
	if utf8.RuneCountInString(name) <= 2*maxDist {
		return "", false
	}
	best, bestDist := "", maxDist+1
	for _, c := range candidates {
		d := levenshtein.ComputeDistance(name, c)
		if d < bestDist || (d == bestDist && c < best) {
			best, bestDist = c, d
		}
	}
	return best, bestDist <= maxDist
}

// ChainMatcher tries each matcher in turn and returns the first hit.
type ChainMatcher []Matcher

func (cm ChainMatcher) Match(name string, candidates []string) (string, bool) {
	for _, m := range cm {
		if got, ok := m.Match(name, candidates); ok {
			return got, true
		}
	}
	return "", false
}

// normalizeName folds full-width forms and compatibility characters and
// drops all whitespace, so "张 三" and "张　三" both become "张三".
func normalizeName(s string) string {
	s = width.Fold.String(norm.NFKC.String(s))
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
