package relaypool_test

import (
	"context"
	"testing"
	"time"

	"github.com/fiatjaf/relaypool"
	"github.com/fiatjaf/relaypool/memrelay"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

const (
	sk3 = "0000000000000000000000000000000000000000000000000000000000000003"
	sk4 = "0000000000000000000000000000000000000000000000000000000000000004"
)

func newTestPool(t *testing.T, registry map[string]*memrelay.MemRelay, opts relaypool.Options) *relaypool.Pool {
	t.Helper()
	if opts.Dialer == nil {
		opts.Dialer = memrelay.Dialer(registry)
	}
	pool, err := relaypool.New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func testEvent(t *testing.T, sk string, kind int, content string, ts nostr.Timestamp, tags ...nostr.Tag) *nostr.Event {
	t.Helper()
	evt := &nostr.Event{
		Kind:      kind,
		CreatedAt: ts,
		Content:   content,
		Tags:      nostr.Tags{},
	}
	evt.Tags = append(evt.Tags, tags...)
	require.NoError(t, evt.Sign(sk))
	return evt
}

func nextEvent(t *testing.T, sub *relaypool.Subscription) relaypool.RelayEvent {
	t.Helper()
	select {
	case re, ok := <-sub.Events:
		require.True(t, ok, "events channel closed")
		return re
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an event")
		return relaypool.RelayEvent{}
	}
}

func awaitClosed(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func collectUntilEose(t *testing.T, sub *relaypool.Subscription) []relaypool.RelayEvent {
	t.Helper()
	var out []relaypool.RelayEvent
	for {
		select {
		case re, ok := <-sub.Events:
			if !ok {
				return out
			}
			out = append(out, re)
		case <-sub.EndOfStoredEvents:
			for {
				select {
				case re, ok := <-sub.Events:
					if !ok {
						return out
					}
					out = append(out, re)
				default:
					return out
				}
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for end of stored events")
		}
	}
}

func ptr(f float64) *float64 { return &f }
