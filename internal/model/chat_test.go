package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDMKey(t *testing.T) {
	req := require.New(t)
	req.Equal(DMKey("alice", "bob"), DMKey("bob", "alice"))
	req.NotEqual(DMKey("a:b", "c"), DMKey("a", "b:c"))
	req.NotEqual(DMKey("a1", "1:b"), DMKey("a", "11:b"))
}

func TestSplitKeySegment(t *testing.T) {
	req := require.New(t)
	key := KeySegments("a:b", "", "c")

	v, rest, ok := SplitKeySegment(key)
	req.True(ok)
	req.Equal("a:b", v)
	v, rest, ok = SplitKeySegment(rest)
	req.True(ok)
	req.Empty(v)
	v, rest, ok = SplitKeySegment(rest)
	req.True(ok)
	req.Equal("c", v)
	req.Empty(rest)

	for _, bad := range []string{"", "x:a", "5:ab", ":a"} {
		_, _, ok := SplitKeySegment(bad)
		req.False(ok, bad)
	}
}
