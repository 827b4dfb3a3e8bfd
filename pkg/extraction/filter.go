package extraction

import (
	"regexp"
	"unicode/utf8"
)

// defaultTrivialPatterns drop greetings and pure punctuation that slip
// through extraction.
var defaultTrivialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(hi|hello|hey|thanks|thank you|ok|okay|bye|goodbye)[.!?]*$`),
	regexp.MustCompile(`^[[:punct:][:space:]]+$`),
}

// Filter rejects candidate facts that carry no durable information.
type Filter struct {
	patterns  []*regexp.Regexp
	minLength int
}

// NewFilter creates a filter with the default trivial patterns plus any
// configured extras.
func NewFilter(extra []*regexp.Regexp) *Filter {
	return &Filter{
		patterns:  append(append([]*regexp.Regexp{}, defaultTrivialPatterns...), extra...),
		minLength: 2,
	}
}

// Keep reports whether a fact survives filtering: long enough, not
// trivial, and mentioning at least one entity.
func (f *Filter) Keep(fact Fact) bool {
	if utf8.RuneCountInString(fact.Text) < f.minLength {
		return false
	}
	if len(fact.Entities) == 0 {
		return false
	}
	for _, p := range f.patterns {
		if p.MatchString(fact.Text) {
			return false
		}
	}
	return true
}

// Apply returns the facts that survive filtering and the rejected count.
func (f *Filter) Apply(facts []Fact) (kept []Fact, rejected int) {
	for _, fact := range facts {
		if f.Keep(fact) {
			kept = append(kept, fact)
		} else {
			rejected++
		}
	}
	return kept, rejected
}
