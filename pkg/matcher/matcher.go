// Package matcher implements domain list matching for the domain rule.
package matcher

import (
	"strings"

	"github.com/armon/go-radix"
	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// Lists longer than this get a bloom prefilter for exact lookups.
const bloomThreshold = 10000

// Normalize lowercases d, strips the trailing dot and converts it to its
// ASCII (punycode) form. The second value is the registrable domain (eTLD+1),
// empty when it cannot be determined.
func Normalize(d string) (string, string) {
	d = strings.TrimSpace(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), "."))
	puny, err := idna.Lookup.ToASCII(d)
	if err != nil {
		puny = d
	}
	etld1, _ := publicsuffix.EffectiveTLDPlusOne(puny)

	return puny, etld1
}

func reverseLabels(d string) string {
	parts := strings.Split(d, ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}

	return strings.Join(parts, ".")
}

// Build compiles patterns into a Matcher. Blank and unparsable entries are
// skipped.
func Build(patterns []string) *Matcher {
	m := &Matcher{
		exact: make(map[string]struct{}, len(patterns)),
		wild:  radix.New(),
	}

	if len(patterns) > bloomThreshold {
		m.bf = bloom.NewWithEstimates(uint(len(patterns))*4, 1e-4)
	}

	for _, raw := range patterns {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}

		if p == "*" {
			m.matchAll = true
			m.size++
			continue
		}

		isWildcard := strings.HasPrefix(p, "*.")
		canon, _ := Normalize(strings.TrimPrefix(p, "*."))
		if canon == "" {
			continue
		}

		if isWildcard {
			m.wild.Insert(reverseLabels(canon), &pattern{typ: Wildcard, val: canon})
		} else {
			m.exact[canon] = struct{}{}
			if m.bf != nil {
				m.bf.AddString(canon)
			}
		}
		m.size++
	}

	return m
}

// Len reports how many patterns were accepted.
func (m *Matcher) Len() int {
	return m.size
}

// Match reports whether query is covered. Exact names win over wildcards,
// and among wildcards the most specific one wins. A wildcard never matches
// its own base name: "*.example.com" does not match "example.com".
func (m *Matcher) Match(query string) MatchResult {
	q, _ := Normalize(query)
	if q == "" {
		return MatchResult{}
	}

	if m.matchAll {
		return MatchResult{Matched: true, Pattern: "*", Type: All}
	}

	if m.bf == nil || m.bf.TestString(q) {
		if _, ok := m.exact[q]; ok {
			return MatchResult{Matched: true, Pattern: q, Type: Exact}
		}
	}

	qLabels := strings.Count(q, ".") + 1
	rev := reverseLabels(q)
	var best *pattern

	// Walk every stored wildcard that is a label-prefix of the reversed
	// query; the last one seen is the longest.
	m.wild.WalkPath(rev, func(key string, v any) bool {
		p := v.(*pattern)
		if qLabels <= strings.Count(p.val, ".")+1 {
			return false
		}
		// Guard against partial-label hits such as "com.exam" for "com.example".
		if len(rev) > len(key) && rev[len(key)] != '.' {
			return false
		}
		best = p

		return false
	})

	if best != nil {
		return MatchResult{Matched: true, Pattern: "*." + best.val, Type: Wildcard}
	}

	return MatchResult{}
}
