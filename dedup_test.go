package relaypool

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func TestDedupKey(t *testing.T) {
	regular := &nostr.Event{ID: "abc", Kind: 1, PubKey: "pk"}
	require.Equal(t, "abc", dedupKey(regular))

	profile := &nostr.Event{ID: "def", Kind: 0, PubKey: "pk"}
	require.Equal(t, "0:pk", dedupKey(profile))

	relayList := &nostr.Event{ID: "ghi", Kind: 10002, PubKey: "pk"}
	require.Equal(t, "10002:pk", dedupKey(relayList))

	article := &nostr.Event{ID: "jkl", Kind: 30023, PubKey: "pk", Tags: nostr.Tags{{"d", "my-article"}}}
	require.Equal(t, "30023:pk:my-article", dedupKey(article))

	missingD := &nostr.Event{ID: "mno", Kind: 30023, PubKey: "pk", Tags: nostr.Tags{}}
	require.Equal(t, "30023:pk:", dedupKey(missingD))

	// two snapshots of the same replaceable thing collapse into one key
	v1 := &nostr.Event{ID: "aaa", Kind: 3, PubKey: "pk"}
	v2 := &nostr.Event{ID: "bbb", Kind: 3, PubKey: "pk"}
	require.Equal(t, dedupKey(v1), dedupKey(v2))

	// but different authors never collide
	other := &nostr.Event{ID: "ccc", Kind: 3, PubKey: "qk"}
	require.NotEqual(t, dedupKey(v1), dedupKey(other))
}

func TestIsNewer(t *testing.T) {
	older := &nostr.Event{ID: "ff", CreatedAt: 100}
	newer := &nostr.Event{ID: "aa", CreatedAt: 200}
	require.True(t, isNewer(older, newer))
	require.False(t, isNewer(newer, older))

	// same timestamp: the greatest id wins
	low := &nostr.Event{ID: "aaa", CreatedAt: 100}
	high := &nostr.Event{ID: "bbb", CreatedAt: 100}
	require.True(t, isNewer(low, high))
	require.False(t, isNewer(high, low))

	// an event never supersedes itself
	require.False(t, isNewer(low, low))
}

func TestFirstMatchWins(t *testing.T) {
	require.True(t, firstMatchWins(nostr.Filter{IDs: []string{"abc"}}))
	require.True(t, firstMatchWins(nostr.Filter{Kinds: []int{1}, Authors: []string{"pk"}}))

	// replaceable and addressable kinds may be superseded by a later copy
	require.False(t, firstMatchWins(nostr.Filter{Kinds: []int{0}, Authors: []string{"pk"}}))
	require.False(t, firstMatchWins(nostr.Filter{Kinds: []int{1, 10002}}))
	require.False(t, firstMatchWins(nostr.Filter{Kinds: []int{30023}}))

	// no kinds at all means anything could come back
	require.False(t, firstMatchWins(nostr.Filter{Authors: []string{"pk"}}))
}
