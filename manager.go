package relaypool

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
)

// SubscribeOptions tunes a single subscription.
type SubscribeOptions struct {
	// Relays / URLs / Hints pin the subscription to explicit targets; see
	// SetRequest for the resolution order when they are empty.
	Relays RelaySet
	URLs   []string
	Hints  []string

	// CloseOnEose stops the subscription once every relay has finished
	// serving stored events.
	CloseOnEose bool

	// ManualStart builds the subscription without sending anything; the
	// caller fires it with Start when ready.
	ManualStart bool

	// Label is a human-readable prefix for the subscription id, useful in
	// relay logs. It is truncated to fit the id budget.
	Label string

	// VerificationRatio overrides the pool-wide ratio for this
	// subscription.
	VerificationRatio *float64

	// OnDuplicate is invoked when an event (or a stale copy of a
	// replaceable event) arrives again from another relay. The set holds
	// every relay the winning copy was seen on so far.
	OnDuplicate func(ev RelayEvent, seenOn RelaySet)

	// OnInvalid is invoked when an event fails signature verification,
	// either before delivery or, for sampled subscriptions, after it.
	OnInvalid func(ev RelayEvent, err error)

	// OnClosed is invoked when a relay terminates the subscription with a
	// CLOSED message.
	OnClosed func(relay *Relay, reason string)
}

// Manager owns every live subscription of a pool and hands out ids that
// are unique for the lifetime of the process.
type Manager struct {
	pool   *Pool
	serial atomic.Int64
	subs   *xsync.MapOf[string, *Subscription]
}

func newManager(p *Pool) *Manager {
	return &Manager{
		pool: p,
		subs: xsync.NewMapOf[string, *Subscription](),
	}
}

// Subscribe resolves a relay set for the filters and opens a subscription
// on it. The subscription is live on return unless ManualStart is set.
func (m *Manager) Subscribe(ctx context.Context, filters nostr.Filters, opts SubscribeOptions) (*Subscription, error) {
	var authors []string
	for _, f := range filters {
		authors = append(authors, f.Authors...)
	}

	set, err := m.pool.ResolveRelaySet(ctx, SetRequest{
		Relays:  opts.Relays,
		URLs:    opts.URLs,
		Hints:   opts.Hints,
		Authors: authors,
	})
	if err != nil {
		return nil, err
	}
	return m.subscribeTo(ctx, set, filters, opts)
}

// subscribeTo opens a subscription on an already-resolved relay set.
func (m *Manager) subscribeTo(ctx context.Context, set RelaySet, filters nostr.Filters, opts SubscribeOptions) (*Subscription, error) {
	if len(set) == 0 {
		return nil, ErrNoRelays
	}

	sub := newSubscription(m, m.nextID(opts.Label), set, filters, opts)
	m.subs.Store(sub.id, sub)

	go func() {
		select {
		case <-ctx.Done():
			sub.Stop()
		case <-sub.done:
		}
	}()

	if !opts.ManualStart {
		sub.Start()
	}
	return sub, nil
}

// Get returns the live subscription with the given id.
func (m *Manager) Get(id string) (*Subscription, bool) {
	return m.subs.Load(id)
}

// Active returns all live subscriptions.
func (m *Manager) Active() []*Subscription {
	out := make([]*Subscription, 0, m.subs.Size())
	m.subs.Range(func(id string, sub *Subscription) bool {
		out = append(out, sub)
		return true
	})
	return out
}

func (m *Manager) remove(id string) {
	m.subs.Delete(id)
}

// Close stops every live subscription.
func (m *Manager) Close() {
	m.subs.Range(func(id string, sub *Subscription) bool {
		sub.Stop()
		return true
	})
}

// nextID builds a process-unique subscription id, prefixed with label when
// one was given.
func (m *Manager) nextID(label string) string {
	n := m.serial.Add(1)
	if label == "" {
		return fmt.Sprintf("%d", n)
	}
	// relays cap subscription ids at 64 chars, leave room for the serial
	if len(label) > 40 {
		label = label[:40]
	}
	return fmt.Sprintf("%s:%d", label, n)
}
