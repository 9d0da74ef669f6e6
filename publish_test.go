package relaypool_test

import (
	"context"
	"testing"

	"github.com/fiatjaf/relaypool"
	"github.com/fiatjaf/relaypool/memrelay"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func TestPublishToExplicitRelays(t *testing.T) {
	a := memrelay.New("wss://a.example")
	b := memrelay.New("wss://b.example")
	b.RejectReason = "blocked: not today"

	pool := newTestPool(t, nil, relaypool.Options{})
	ra := pool.AddRelay(a, false)
	rb := pool.AddRelay(b, false)

	evt := testEvent(t, sk3, 1, "hi", 100)
	results, err := pool.Publish(context.Background(), evt, relaypool.PublishOptions{
		Relays: relaypool.RelaySet{ra, rb},
	})
	require.NoError(t, err, "one acceptance is enough")
	require.Len(t, results, 2)

	byURL := make(map[string]relaypool.PublishResult)
	for _, res := range results {
		byURL[res.Relay.URL()] = res
	}
	require.True(t, byURL[ra.URL()].OK)
	require.False(t, byURL[rb.URL()].OK)
	require.Equal(t, "blocked: not today", byURL[rb.URL()].Reason)

	accepted := relaypool.Accepted(results)
	require.Len(t, accepted, 1)
	require.Same(t, ra, accepted[0])

	require.Len(t, a.Stored(), 1)
	require.Len(t, b.Stored(), 0)
}

func TestPublishAllRejected(t *testing.T) {
	a := memrelay.New("wss://a.example")
	a.RejectReason = "blocked: no"

	pool := newTestPool(t, nil, relaypool.Options{})
	ra := pool.AddRelay(a, false)

	evt := testEvent(t, sk3, 1, "hi", 100)
	results, err := pool.Publish(context.Background(), evt, relaypool.PublishOptions{
		Relays: relaypool.RelaySet{ra},
	})
	require.Error(t, err)

	var pubErr *relaypool.PublishError
	require.ErrorAs(t, err, &pubErr)
	require.Len(t, pubErr.Results, 1)
	require.Len(t, results, 1)
	require.Equal(t, "blocked: no", results[0].Reason)
}

func TestPublishUnsignedRequiresSigner(t *testing.T) {
	a := memrelay.New("wss://a.example")
	pool := newTestPool(t, nil, relaypool.Options{})
	ra := pool.AddRelay(a, false)

	evt := &nostr.Event{Kind: 1, Content: "unsigned", Tags: nostr.Tags{}}
	_, err := pool.Publish(context.Background(), evt, relaypool.PublishOptions{
		Relays: relaypool.RelaySet{ra},
	})
	require.ErrorIs(t, err, relaypool.ErrNoSigner)
}

func TestPublishSignsWithPoolSigner(t *testing.T) {
	a := memrelay.New("wss://a.example")
	signer, err := relaypool.NewKeySigner(sk4)
	require.NoError(t, err)

	pool := newTestPool(t, nil, relaypool.Options{Signer: signer})
	ra := pool.AddRelay(a, false)

	evt := &nostr.Event{Kind: 1, Content: "auto", Tags: nostr.Tags{}}
	results, err := pool.Publish(context.Background(), evt, relaypool.PublishOptions{
		Relays: relaypool.RelaySet{ra},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].OK)

	require.NotEmpty(t, evt.Sig)
	require.NotZero(t, evt.CreatedAt)
	require.Equal(t, signer.PublicKey(), evt.PubKey)

	// what landed on the relay carries a valid signature
	stored := a.Stored()
	require.Len(t, stored, 1)
	valid, err := stored[0].CheckSignature()
	require.NoError(t, err)
	require.True(t, valid)
}

func TestPublishRoutesThroughOutbox(t *testing.T) {
	authorWrite := memrelay.New("wss://write.example")
	def := memrelay.New("wss://default.example")
	registry := map[string]*memrelay.MemRelay{
		nostr.NormalizeURL("wss://write.example"):   authorWrite,
		nostr.NormalizeURL("wss://default.example"): def,
	}

	pool := newTestPool(t, registry, relaypool.Options{
		DefaultRelays: []string{"wss://default.example"},
		EnableOutbox:  true,
	})

	pk3, _ := nostr.GetPublicKey(sk3)
	pool.Outbox().Update(pk3, relaypool.RelayHints{
		Write:     []string{"wss://write.example"},
		UpdatedAt: nostr.Now(),
	})

	evt := testEvent(t, sk3, 1, "routed", 100)
	results, err := pool.Publish(context.Background(), evt, relaypool.PublishOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, nostr.NormalizeURL("wss://write.example"), results[0].Relay.URL())

	require.Len(t, authorWrite.Stored(), 1)
	require.Len(t, def.Stored(), 0)
}

func TestPublishDuplicateIsAccepted(t *testing.T) {
	a := memrelay.New("wss://a.example")
	pool := newTestPool(t, nil, relaypool.Options{})
	ra := pool.AddRelay(a, false)

	evt := testEvent(t, sk3, 1, "again", 100)
	set := relaypool.PublishOptions{Relays: relaypool.RelaySet{ra}}

	_, err := pool.Publish(context.Background(), evt, set)
	require.NoError(t, err)

	// sending the same event twice is not a failure
	results, err := pool.Publish(context.Background(), evt, set)
	require.NoError(t, err)
	require.True(t, results[0].OK)
	require.Len(t, a.Stored(), 1)
}
