package router

import (
	"context"
	"slices"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/chatops/internal/transport"
)

func nop(name string) *Endpoint {
	return NewEndpoint(name, func(context.Context, *Context, *transport.Event, []string) error { return nil })
}

func names(trace []*Pattern) []string {
	out := make([]string, 0, len(trace))
	for _, p := range trace {
		out = append(out, p.Match())
	}
	return out
}

func testTree() (*RoutingList, map[string]*Endpoint) {
	eps := map[string]*Endpoint{
		"counter": nop("counter"),
		"embed":   nop("embed"),
		"quiz":    nop("quiz"),
		"ai":      nop("ai"),
		"filter":  nop("filter"),
	}
	proxy := NewRoutingList(
		Route(`\.proxy e(?:mbed)?`, eps["embed"], "embed proxy"),
	)
	quiz := NewRoutingList(
		Route(`\.quiz ([^\s]+)$`, eps["quiz"], "quiz"),
	)
	root := NewRoutingList(
		Route(`\.counter (.+) (\+|\-)$`, eps["counter"], "counter"),
		Mount(`\.proxy `, proxy, "proxy"),
		Mount(`\.quiz`, quiz, "quiz"),
		Route(`\.ai (iv3|inceptionv3)?`, eps["ai"], "classify"),
		Route(`.+`, eps["filter"], "chat filter"),
	)
	return root, eps
}

// TestForwardTerminal verifies a top-level match returns its own groups.
func TestForwardTerminal(t *testing.T) {
	root, eps := testTree()
	trace, ep, groups := root.Forward(".counter score +")
	require.Same(t, eps["counter"], ep)
	assert.Equal(t, []string{`\.counter (.+) (\+|\-)$`}, names(trace))
	assert.Equal(t, []string{"score", "+"}, groups)
}

// TestForwardNested verifies nested lists see the full text and return the
// deepest groups.
func TestForwardNested(t *testing.T) {
	root, eps := testTree()
	trace, ep, groups := root.Forward(".quiz science")
	require.Same(t, eps["quiz"], ep)
	assert.Equal(t, []string{`\.quiz`, `\.quiz ([^\s]+)$`}, names(trace))
	assert.Equal(t, []string{"science"}, groups)

	trace, ep, groups = root.Forward(".proxy embed\n.t hello")
	require.Same(t, eps["embed"], ep)
	assert.Len(t, trace, 2)
	assert.Empty(t, groups)
}

// TestForwardFirstMatchWins verifies later patterns are not consulted once
// an earlier one matches, even if the nested list then fails.
func TestForwardFirstMatchWins(t *testing.T) {
	root, eps := testTree()
	_, ep, _ := root.Forward("hello there")
	assert.Same(t, eps["filter"], ep)

	// `.quiz` matches the prefix but the nested list needs a subject
	trace, ep, groups := root.Forward(".quiz")
	assert.Nil(t, ep)
	assert.Empty(t, trace)
	assert.Nil(t, groups)
}

// TestForwardOptionalGroup verifies unmatched optional groups are empty.
func TestForwardOptionalGroup(t *testing.T) {
	root, eps := testTree()
	_, ep, groups := root.Forward(".ai ")
	require.Same(t, eps["ai"], ep)
	assert.Equal(t, []string{""}, groups)

	_, _, groups = root.Forward(".ai iv3")
	assert.Equal(t, []string{"iv3"}, groups)
}

// TestForwardNoMatch verifies an empty text matches nothing.
func TestForwardNoMatch(t *testing.T) {
	root := NewRoutingList(Route(`\.index`, nop("index"), "index"))
	trace, ep, groups := root.Forward("index")
	assert.Nil(t, trace)
	assert.Nil(t, ep)
	assert.Nil(t, groups)
}

// TestForwardAnchored verifies patterns match only at the start of the text.
func TestForwardAnchored(t *testing.T) {
	root := NewRoutingList(Route(`b`, nop("b"), ""))
	_, ep, _ := root.Forward("ab")
	assert.Nil(t, ep)
	_, ep, _ = root.Forward("bc")
	assert.NotNil(t, ep)
}

// TestLeafPatterns verifies depth-first order and that the sequence can be
// ranged more than once.
func TestLeafPatterns(t *testing.T) {
	root, _ := testTree()
	want := []string{
		`\.counter (.+) (\+|\-)$`,
		`\.proxy e(?:mbed)?`,
		`\.quiz ([^\s]+)$`,
		`\.ai (iv3|inceptionv3)?`,
		`.+`,
	}
	seq := root.LeafPatterns()
	var first, second []string
	for p := range seq {
		first = append(first, p.Match())
	}
	for p := range seq {
		second = append(second, p.Match())
	}
	assert.Equal(t, want, first)
	assert.Equal(t, want, second)

	// early exit stops the walk
	var taken []string
	for p := range seq {
		taken = append(taken, p.Match())
		if len(taken) == 2 {
			break
		}
	}
	assert.Equal(t, want[:2], taken)
	assert.Equal(t, want, names(slices.Collect(seq)))
}

// TestNewPatternValidation verifies a pattern needs exactly one valid target.
func TestNewPatternValidation(t *testing.T) {
	_, err := NewPattern(`x`, nil, nil, "")
	assert.True(t, errors.Is(err, errors.NotValid))

	_, err = NewPattern(`x`, nop("a"), NewRoutingList(), "")
	assert.True(t, errors.Is(err, errors.NotValid))

	_, err = NewPattern(`(`, nop("a"), nil, "")
	assert.True(t, errors.Is(err, errors.NotValid))

	assert.Panics(t, func() { Route(`(`, nop("a"), "") })
}

// TestRoutingListImmutable verifies the list does not alias the caller's slice.
func TestRoutingListImmutable(t *testing.T) {
	a := Route(`a`, nop("a"), "")
	b := Route(`b`, nop("b"), "")
	patterns := []*Pattern{a}
	list := NewRoutingList(patterns...)
	patterns[0] = b
	_, ep, _ := list.Forward("a")
	assert.NotNil(t, ep)
}
