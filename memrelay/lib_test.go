package memrelay_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fiatjaf/relaypool/memrelay"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

const sk3 = "0000000000000000000000000000000000000000000000000000000000000003"

func signedEvent(t *testing.T, kind int, content string, ts nostr.Timestamp) *nostr.Event {
	t.Helper()
	evt := &nostr.Event{Kind: kind, CreatedAt: ts, Content: content, Tags: nostr.Tags{}}
	require.NoError(t, evt.Sign(sk3))
	return evt
}

func nextEnvelope(t *testing.T, m *memrelay.MemRelay) nostr.Envelope {
	t.Helper()
	select {
	case env := <-m.Messages():
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an envelope")
		return nil
	}
}

func TestServeStoredThenEose(t *testing.T) {
	m := memrelay.New("wss://mem.example")
	e1 := signedEvent(t, 1, "first", 100)
	e2 := signedEvent(t, 1, "second", 200)
	m.Seed(e1, e2)

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.Send(ctx, &nostr.ReqEnvelope{SubscriptionID: "s1", Filters: nostr.Filters{{Kinds: []int{1}}}}))

	// newest first, then eose
	env := nextEnvelope(t, m)
	ee, ok := env.(*nostr.EventEnvelope)
	require.True(t, ok, "expected an event, got %s", env.Label())
	require.Equal(t, e2.ID, ee.Event.ID)
	require.Equal(t, "s1", *ee.SubscriptionID)

	env = nextEnvelope(t, m)
	ee, ok = env.(*nostr.EventEnvelope)
	require.True(t, ok, "expected an event, got %s", env.Label())
	require.Equal(t, e1.ID, ee.Event.ID)

	env = nextEnvelope(t, m)
	eose, ok := env.(*nostr.EOSEEnvelope)
	require.True(t, ok, "expected eose, got %s", env.Label())
	require.Equal(t, "s1", string(*eose))
}

func TestTimeWindows(t *testing.T) {
	m := memrelay.New("wss://mem.example")
	e1 := signedEvent(t, 1, "first", 100)
	e2 := signedEvent(t, 1, "second", 200)
	m.Seed(e1, e2)

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))

	{ // since cuts off the older half
		since := nostr.Timestamp(150)
		require.NoError(t, m.Send(ctx, &nostr.ReqEnvelope{SubscriptionID: "since", Filters: nostr.Filters{{Since: &since}}}))
		ee, ok := nextEnvelope(t, m).(*nostr.EventEnvelope)
		require.True(t, ok)
		require.Equal(t, e2.ID, ee.Event.ID)
		_, ok = nextEnvelope(t, m).(*nostr.EOSEEnvelope)
		require.True(t, ok)
	}

	{ // until cuts off the newer half
		until := nostr.Timestamp(150)
		require.NoError(t, m.Send(ctx, &nostr.ReqEnvelope{SubscriptionID: "until", Filters: nostr.Filters{{Until: &until}}}))
		ee, ok := nextEnvelope(t, m).(*nostr.EventEnvelope)
		require.True(t, ok)
		require.Equal(t, e1.ID, ee.Event.ID)
		_, ok = nextEnvelope(t, m).(*nostr.EOSEEnvelope)
		require.True(t, ok)
	}
}

func TestPublishAndBroadcast(t *testing.T) {
	m := memrelay.New("wss://mem.example")
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))

	// a live subscription with nothing stored yet
	require.NoError(t, m.Send(ctx, &nostr.ReqEnvelope{SubscriptionID: "live", Filters: nostr.Filters{{Kinds: []int{1}}}}))
	_, ok := nextEnvelope(t, m).(*nostr.EOSEEnvelope)
	require.True(t, ok)

	evt := signedEvent(t, 1, "fresh", 100)
	require.NoError(t, m.Send(ctx, &nostr.EventEnvelope{Event: *evt}))

	okEnv, isOk := nextEnvelope(t, m).(*nostr.OKEnvelope)
	require.True(t, isOk)
	require.True(t, okEnv.OK)
	require.Equal(t, evt.ID, okEnv.EventID)

	// and the subscription sees it
	ee, isEvent := nextEnvelope(t, m).(*nostr.EventEnvelope)
	require.True(t, isEvent)
	require.Equal(t, evt.ID, ee.Event.ID)
	require.Equal(t, "live", *ee.SubscriptionID)

	// publishing the same event again is acknowledged as a duplicate and
	// not broadcast a second time
	require.NoError(t, m.Send(ctx, &nostr.EventEnvelope{Event: *evt}))
	okEnv, isOk = nextEnvelope(t, m).(*nostr.OKEnvelope)
	require.True(t, isOk)
	require.True(t, okEnv.OK)
	require.True(t, strings.HasPrefix(okEnv.Reason, "duplicate:"))
	require.Len(t, m.Stored(), 1)
}

func TestAuthGate(t *testing.T) {
	m := memrelay.New("wss://mem.example")
	m.AuthChallenge = "ch42"
	m.Seed(signedEvent(t, 1, "guarded", 100))

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.Send(ctx, &nostr.ReqEnvelope{SubscriptionID: "s1", Filters: nostr.Filters{{}}}))

	auth, ok := nextEnvelope(t, m).(*nostr.AuthEnvelope)
	require.True(t, ok)
	require.Equal(t, "ch42", *auth.Challenge)

	closed, ok := nextEnvelope(t, m).(*nostr.ClosedEnvelope)
	require.True(t, ok)
	require.Equal(t, "s1", closed.SubscriptionID)
	require.True(t, strings.HasPrefix(closed.Reason, "auth-required:"))

	// a wrong answer is rejected
	bad := &nostr.Event{
		Kind:      nostr.KindClientAuthentication,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"relay", m.URL()}, {"challenge", "wrong"}},
	}
	require.NoError(t, bad.Sign(sk3))
	require.NoError(t, m.Send(ctx, &nostr.AuthEnvelope{Event: *bad}))
	okEnv, isOk := nextEnvelope(t, m).(*nostr.OKEnvelope)
	require.True(t, isOk)
	require.False(t, okEnv.OK)

	// the right answer opens the gate
	good := &nostr.Event{
		Kind:      nostr.KindClientAuthentication,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"relay", m.URL()}, {"challenge", "ch42"}},
	}
	require.NoError(t, good.Sign(sk3))
	require.NoError(t, m.Send(ctx, &nostr.AuthEnvelope{Event: *good}))
	okEnv, isOk = nextEnvelope(t, m).(*nostr.OKEnvelope)
	require.True(t, isOk)
	require.True(t, okEnv.OK)

	require.NoError(t, m.Send(ctx, &nostr.ReqEnvelope{SubscriptionID: "s2", Filters: nostr.Filters{{}}}))
	ee, isEvent := nextEnvelope(t, m).(*nostr.EventEnvelope)
	require.True(t, isEvent)
	require.Equal(t, "guarded", ee.Event.Content)
	_, isEose := nextEnvelope(t, m).(*nostr.EOSEEnvelope)
	require.True(t, isEose)
}

func TestRejectReason(t *testing.T) {
	m := memrelay.New("wss://mem.example")
	m.RejectReason = "blocked: not here"

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))

	evt := signedEvent(t, 1, "nope", 100)
	require.NoError(t, m.Send(ctx, &nostr.EventEnvelope{Event: *evt}))

	okEnv, ok := nextEnvelope(t, m).(*nostr.OKEnvelope)
	require.True(t, ok)
	require.False(t, okEnv.OK)
	require.Equal(t, "blocked: not here", okEnv.Reason)
	require.Len(t, m.Stored(), 0)
}

func TestSendRequiresConnection(t *testing.T) {
	m := memrelay.New("wss://mem.example")
	err := m.Send(context.Background(), &nostr.ReqEnvelope{SubscriptionID: "s1", Filters: nostr.Filters{{}}})
	require.Error(t, err)
}
