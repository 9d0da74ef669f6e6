package test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"fiatjaf.com/lib/combinations"
	"github.com/fiatjaf/relaypool"
	"github.com/fiatjaf/relaypool/memrelay"
	"github.com/kr/pretty"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

const sk5 = "0000000000000000000000000000000000000000000000000000000000000005"

// no matter how the copies of an addressable event are spread over the
// relays, the pool must always hand back the same winner: greatest
// created_at, greatest id on ties.
func TestNewestVersionWinsForAnyDistribution(t *testing.T) {
	versions := make([]*nostr.Event, 0, 4)
	for i, ts := range []nostr.Timestamp{100, 200, 300, 300} {
		evt := &nostr.Event{
			Kind:      30023,
			CreatedAt: ts,
			Content:   fmt.Sprintf("draft %d", i),
			Tags:      nostr.Tags{{"d", "my-article"}},
		}
		require.NoError(t, evt.Sign(sk5))
		versions = append(versions, evt)
	}

	expected := versions[0]
	for _, v := range versions[1:] {
		if v.CreatedAt > expected.CreatedAt ||
			(v.CreatedAt == expected.CreatedAt && v.ID > expected.ID) {
			expected = v
		}
	}

	pk5, _ := nostr.GetPublicKey(sk5)
	filter := nostr.Filter{Kinds: []int{30023}, Authors: []string{pk5}}

	var subsets [][]*nostr.Event
	for r := 1; r <= len(versions); r++ {
		subsets = append(subsets, combinations.Combinations(versions, r)...)
	}

	ctx := context.Background()
	for _, subset := range subsets {
		// one relay sees only the subset, the other has everything
		a := memrelay.New("wss://a.example")
		b := memrelay.New("wss://b.example")
		a.Seed(subset...)
		b.Seed(versions...)

		pool, err := relaypool.New(ctx, relaypool.Options{})
		require.NoError(t, err)

		ra := pool.AddRelay(a, false)
		rb := pool.AddRelay(b, false)

		got, err := pool.FetchEvent(ctx, filter, relaypool.FetchOptions{
			Relays:  relaypool.RelaySet{ra, rb},
			Timeout: 5 * time.Second,
		})
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, expected.ID, got.ID, "wrong winner for distribution %s", pretty.Sprint(subset))

		pool.Close()
	}
}

// splitting regular events over relays in every possible way never loses
// one and never duplicates one.
func TestMergeNeverLosesOrDuplicates(t *testing.T) {
	events := make([]*nostr.Event, 0, 4)
	for i := 0; i < 4; i++ {
		evt := &nostr.Event{
			Kind:      1,
			CreatedAt: nostr.Timestamp(100 * (i + 1)),
			Content:   fmt.Sprintf("note %d", i),
			Tags:      nostr.Tags{},
		}
		require.NoError(t, evt.Sign(sk5))
		events = append(events, evt)
	}

	expectedIDs := make([]string, len(events))
	for i, evt := range events {
		expectedIDs[i] = evt.ID
	}

	pk5, _ := nostr.GetPublicKey(sk5)
	filter := nostr.Filter{Kinds: []int{1}, Authors: []string{pk5}}

	var subsets [][]*nostr.Event
	for r := 1; r <= len(events); r++ {
		subsets = append(subsets, combinations.Combinations(events, r)...)
	}

	ctx := context.Background()
	for _, subset := range subsets {
		a := memrelay.New("wss://a.example")
		b := memrelay.New("wss://b.example")
		a.Seed(subset...)
		b.Seed(events...)

		pool, err := relaypool.New(ctx, relaypool.Options{})
		require.NoError(t, err)

		ra := pool.AddRelay(a, false)
		rb := pool.AddRelay(b, false)

		results, err := pool.FetchEvents(ctx, filter, relaypool.FetchOptions{
			Relays:  relaypool.RelaySet{ra, rb},
			Timeout: 5 * time.Second,
		})
		require.NoError(t, err)

		gotIDs := make([]string, len(results))
		for i, fe := range results {
			gotIDs[i] = fe.ID
		}
		require.ElementsMatch(t, expectedIDs, gotIDs, "bad merge for distribution %s", pretty.Sprint(subset))

		pool.Close()
	}
}
