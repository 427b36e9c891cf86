package matcher

import (
	"github.com/armon/go-radix"
	"github.com/bits-and-blooms/bloom/v3"
)

type PatternType uint8

const (
	Exact PatternType = iota
	Wildcard
	All
)

func (t PatternType) String() string {
	switch t {
	case Exact:
		return "exact"
	case Wildcard:
		return "wildcard"
	case All:
		return "all"
	}

	return "unknown"
}

type pattern struct {
	typ PatternType
	val string
}

// Matcher matches domain names against exact names, "*.suffix" wildcards and
// the match-all pattern "*". It is immutable once built and safe for
// concurrent use.
type Matcher struct {
	exact    map[string]struct{}
	wild     *radix.Tree
	bf       *bloom.BloomFilter
	matchAll bool
	size     int
}

type MatchResult struct {
	Matched bool
	Pattern string
	Type    PatternType
}
