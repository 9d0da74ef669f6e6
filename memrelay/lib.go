// Package memrelay is an in-memory relay connection. It speaks the same
// envelope protocol as a real relay but keeps its events in a sorted slice,
// which makes it a convenient stand-in relay in tests and offline runs.
package memrelay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fiatjaf/relaypool"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/exp/slices"
)

// MemRelay implements relaypool.Conn on top of an in-memory event store.
// The exported knobs shape its behavior and are meant to be set before the
// pool dials it.
type MemRelay struct {
	// MaxLimit caps how many events a single filter can return.
	MaxLimit int

	// Latency delays served events, simulating a slow relay.
	Latency time.Duration

	// ConnectDelay delays Connect, simulating a slow handshake.
	ConnectDelay time.Duration

	// FailConnect makes every Connect attempt fail with this error.
	FailConnect error

	// AuthChallenge, when set, makes the relay demand nip42 auth before
	// serving any subscription.
	AuthChallenge string

	// RejectReason, when set, makes the relay reject every published event
	// with it.
	RejectReason string

	// HoldEose suppresses EOSE until ReleaseEose is called.
	HoldEose bool

	url string

	mu        sync.Mutex
	events    []*nostr.Event
	subs      map[string]nostr.Filters
	held      []string
	reqs      int
	authed    bool
	connected bool

	status    chan relaypool.Status
	messages  chan nostr.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

var _ relaypool.Conn = (*MemRelay)(nil)

func New(url string) *MemRelay {
	return &MemRelay{
		MaxLimit: 500,
		url:      nostr.NormalizeURL(url),
		subs:     make(map[string]nostr.Filters),
		status:   make(chan relaypool.Status, 8),
		messages: make(chan nostr.Envelope, 128),
		done:     make(chan struct{}),
	}
}

// Dialer returns a relaypool.DialFunc that hands out relays from the given
// registry, creating empty ones for unknown URLs.
func Dialer(registry map[string]*MemRelay) relaypool.DialFunc {
	return func(url string) (relaypool.Conn, error) {
		if registry != nil {
			if m, ok := registry[nostr.NormalizeURL(url)]; ok {
				return m, nil
			}
		}
		return New(url), nil
	}
}

func (m *MemRelay) URL() string { return m.url }

func (m *MemRelay) Connect(ctx context.Context) error {
	if m.FailConnect != nil {
		return m.FailConnect
	}
	if m.ConnectDelay > 0 {
		timer := time.NewTimer(m.ConnectDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return fmt.Errorf("relay %s is closed", m.url)
		}
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	m.emitStatus(relaypool.StatusConnected)
	return nil
}

func (m *MemRelay) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		m.connected = false
		m.mu.Unlock()
	})
	return nil
}

// Disconnect simulates the connection dropping: subscriptions are wiped and
// the pool sees a disconnected status, but the relay can be dialed again.
func (m *MemRelay) Disconnect() {
	m.mu.Lock()
	m.connected = false
	m.subs = make(map[string]nostr.Filters)
	m.mu.Unlock()
	m.emitStatus(relaypool.StatusDisconnected)
}

func (m *MemRelay) Status() relaypool.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return relaypool.StatusConnected
	}
	return relaypool.StatusDisconnected
}

func (m *MemRelay) StatusChanges() <-chan relaypool.Status { return m.status }

func (m *MemRelay) Messages() <-chan nostr.Envelope { return m.messages }

func (m *MemRelay) Send(ctx context.Context, env nostr.Envelope) error {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()
	if !connected {
		return fmt.Errorf("not connected to %s", m.url)
	}

	switch env := env.(type) {
	case *nostr.ReqEnvelope:
		m.handleReq(env.SubscriptionID, env.Filters)
	case *nostr.CloseEnvelope:
		m.mu.Lock()
		delete(m.subs, string(*env))
		m.mu.Unlock()
	case *nostr.EventEnvelope:
		m.handleEvent(&env.Event)
	case *nostr.AuthEnvelope:
		m.handleAuth(&env.Event)
	}
	return nil
}

// Seed stores events without broadcasting, for fixtures.
func (m *MemRelay) Seed(evts ...*nostr.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range evts {
		m.save(evt)
	}
}

// Inject stores an event and pushes it to every matching live subscription,
// as if some other client had just published it.
func (m *MemRelay) Inject(evt *nostr.Event) {
	m.mu.Lock()
	m.save(evt)
	m.mu.Unlock()
	m.broadcast(evt)
}

// Stored returns a snapshot of everything the relay holds, newest first.
func (m *MemRelay) Stored() []*nostr.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*nostr.Event, len(m.events))
	copy(out, m.events)
	return out
}

// ReqCount returns how many REQ messages this relay has handled.
func (m *MemRelay) ReqCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqs
}

// ReleaseEose emits the EOSE messages withheld while HoldEose was set.
func (m *MemRelay) ReleaseEose() {
	m.mu.Lock()
	held := m.held
	m.held = nil
	m.mu.Unlock()
	for _, id := range held {
		eose := nostr.EOSEEnvelope(id)
		m.emit(&eose)
	}
}

func (m *MemRelay) handleReq(id string, filters nostr.Filters) {
	m.mu.Lock()
	m.reqs++

	if m.AuthChallenge != "" && !m.authed {
		m.mu.Unlock()
		challenge := m.AuthChallenge
		m.emit(&nostr.AuthEnvelope{Challenge: &challenge})
		m.emit(&nostr.ClosedEnvelope{SubscriptionID: id, Reason: "auth-required: must authenticate first"})
		return
	}

	m.subs[id] = filters
	matches := m.query(filters)
	hold := m.HoldEose
	if hold {
		m.held = append(m.held, id)
	}
	latency := m.Latency
	m.mu.Unlock()

	go func() {
		if latency > 0 {
			timer := time.NewTimer(latency)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-m.done:
				return
			}
		}
		for _, evt := range matches {
			subID := id
			m.emit(&nostr.EventEnvelope{SubscriptionID: &subID, Event: *evt})
		}
		if !hold {
			eose := nostr.EOSEEnvelope(id)
			m.emit(&eose)
		}
	}()
}

func (m *MemRelay) handleEvent(evt *nostr.Event) {
	if m.RejectReason != "" {
		m.emit(&nostr.OKEnvelope{EventID: evt.ID, OK: false, Reason: m.RejectReason})
		return
	}
	if evt.Kind == nostr.KindClientAuthentication {
		m.handleAuth(evt)
		return
	}

	m.mu.Lock()
	saved := m.save(evt)
	m.mu.Unlock()

	if !saved {
		m.emit(&nostr.OKEnvelope{EventID: evt.ID, OK: true, Reason: "duplicate: already have this event"})
		return
	}
	m.emit(&nostr.OKEnvelope{EventID: evt.ID, OK: true})
	m.broadcast(evt)
}

func (m *MemRelay) handleAuth(evt *nostr.Event) {
	challenge := ""
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "challenge" {
			challenge = tag[1]
		}
	}
	if m.AuthChallenge == "" || challenge != m.AuthChallenge {
		m.emit(&nostr.OKEnvelope{EventID: evt.ID, OK: false, Reason: "auth-required: challenge mismatch"})
		return
	}
	m.mu.Lock()
	m.authed = true
	m.mu.Unlock()
	m.emit(&nostr.OKEnvelope{EventID: evt.ID, OK: true})
}

// save inserts the event keeping the slice sorted, newest first. It reports
// false for events already present. The lock must be held.
func (m *MemRelay) save(evt *nostr.Event) bool {
	idx, found := slices.BinarySearchFunc(m.events, evt, eventComparator)
	if found {
		return false
	}
	m.events = append(m.events, nil)
	copy(m.events[idx+1:], m.events[idx:])
	m.events[idx] = evt
	return true
}

// query collects matches for each filter, newest first. The lock must be
// held.
func (m *MemRelay) query(filters nostr.Filters) []*nostr.Event {
	var out []*nostr.Event
	for _, filter := range filters {
		limit := filter.Limit
		if limit <= 0 || limit > m.MaxLimit {
			limit = m.MaxLimit
		}

		start := 0
		end := len(m.events)
		if filter.Until != nil {
			start, _ = slices.BinarySearchFunc(m.events, *filter.Until, eventTimestampComparator)
		}
		if filter.Since != nil {
			end, _ = slices.BinarySearchFunc(m.events, *filter.Since, eventTimestampComparator)
		}
		if end < start {
			continue
		}

		count := 0
		for _, evt := range m.events[start:end] {
			if count == limit {
				break
			}
			if filter.Matches(evt) {
				out = append(out, evt)
				count++
			}
		}
	}
	return out
}

func (m *MemRelay) broadcast(evt *nostr.Event) {
	m.mu.Lock()
	var targets []string
	for id, filters := range m.subs {
		if filters.Match(evt) {
			targets = append(targets, id)
		}
	}
	m.mu.Unlock()

	for _, id := range targets {
		subID := id
		m.emit(&nostr.EventEnvelope{SubscriptionID: &subID, Event: *evt})
	}
}

func (m *MemRelay) emit(env nostr.Envelope) {
	select {
	case m.messages <- env:
	case <-m.done:
	}
}

func (m *MemRelay) emitStatus(st relaypool.Status) {
	select {
	case m.status <- st:
	default:
	}
}

func eventComparator(a *nostr.Event, b *nostr.Event) int {
	if b.CreatedAt > a.CreatedAt {
		return 1
	} else if b.CreatedAt < a.CreatedAt {
		return -1
	}
	return strings.Compare(b.ID, a.ID)
}

func eventTimestampComparator(e *nostr.Event, t nostr.Timestamp) int {
	return int(t) - int(e.CreatedAt)
}
