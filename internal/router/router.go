// Package router dispatches event text to endpoints through a tree of
// regular-expression patterns.
package router

import (
	"iter"
	"regexp"

	"github.com/juju/errors"
)

// Pattern pairs a regular expression with either an endpoint or a nested
// routing list. Patterns are anchored at the start of the text but need
// not consume all of it.
type Pattern struct {
	match       string
	re          *regexp.Regexp
	endpoint    *Endpoint
	list        *RoutingList
	description string
}

// NewPattern validates and compiles a pattern. Exactly one of endpoint and
// list must be set.
func NewPattern(match string, endpoint *Endpoint, list *RoutingList, description string) (*Pattern, error) {
	if (endpoint == nil) == (list == nil) {
		return nil, errors.NotValidf("pattern %q needs exactly one target", match)
	}
	re, err := regexp.Compile(`^(?:` + match + `)`)
	if err != nil {
		return nil, errors.NewNotValid(err, "pattern "+match)
	}
	return &Pattern{match: match, re: re, endpoint: endpoint, list: list, description: description}, nil
}

// Route builds a terminal pattern. It panics on an invalid expression, so
// use it for tables fixed at compile time.
func Route(match string, endpoint *Endpoint, description string) *Pattern {
	p, err := NewPattern(match, endpoint, nil, description)
	if err != nil {
		panic(err)
	}
	return p
}

// Mount builds a pattern that forwards into a nested list. Like Route it
// panics on an invalid expression.
func Mount(match string, list *RoutingList, description string) *Pattern {
	p, err := NewPattern(match, nil, list, description)
	if err != nil {
		panic(err)
	}
	return p
}

// Match returns the pattern's expression as written.
func (p *Pattern) Match() string { return p.match }

// Description returns the human-readable description.
func (p *Pattern) Description() string { return p.description }

// Endpoint returns the terminal target, or nil for a nested list.
func (p *Pattern) Endpoint() *Endpoint { return p.endpoint }

// List returns the nested target, or nil for a terminal pattern.
func (p *Pattern) List() *RoutingList { return p.list }

// IsLeaf reports whether the pattern targets an endpoint.
func (p *Pattern) IsLeaf() bool { return p.endpoint != nil }

// RoutingList is an ordered, immutable list of patterns. The first
// matching pattern wins.
type RoutingList struct {
	patterns []*Pattern
}

// NewRoutingList copies patterns into a new list.
func NewRoutingList(patterns ...*Pattern) *RoutingList {
	return &RoutingList{patterns: append([]*Pattern(nil), patterns...)}
}

// Patterns returns a copy of the list's patterns.
func (l *RoutingList) Patterns() []*Pattern {
	return append([]*Pattern(nil), l.patterns...)
}

// Forward resolves text to an endpoint. The trace holds the matched pattern
// at each level, outermost first, and groups are the captures of the
// deepest match. Nested lists see the full original text. Unmatched
// optional groups are empty strings. No match returns all nils.
func (l *RoutingList) Forward(text string) (trace []*Pattern, endpoint *Endpoint, groups []string) {
	for _, p := range l.patterns {
		sub := p.re.FindStringSubmatch(text)
		if sub == nil {
			continue
		}
		if p.endpoint != nil {
			return []*Pattern{p}, p.endpoint, sub[1:]
		}
		inner, ep, g := p.list.Forward(text)
		if ep == nil {
			// a matching prefix with no matching child still stops the search
			return nil, nil, nil
		}
		return append([]*Pattern{p}, inner...), ep, g
	}
	return nil, nil, nil
}

// LeafPatterns yields every terminal pattern depth-first in list order.
// Each range over the sequence starts from the beginning.
func (l *RoutingList) LeafPatterns() iter.Seq[*Pattern] {
	return func(yield func(*Pattern) bool) {
		l.walk(yield)
	}
}

func (l *RoutingList) walk(yield func(*Pattern) bool) bool {
	for _, p := range l.patterns {
		if p.endpoint != nil {
			if !yield(p) {
				return false
			}
			continue
		}
		if !p.list.walk(yield) {
			return false
		}
	}
	return true
}
