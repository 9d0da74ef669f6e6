package relaypool

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
)

const sendTimeout = 7 * time.Second

// RelayEvent is an event together with the relay it arrived from. For
// replaceable and addressable kinds, Replaces carries the previously
// delivered version this one supersedes, when there was one.
type RelayEvent struct {
	*nostr.Event
	Relay    *Relay
	Replaces *nostr.Event
}

// SubscriptionState is the coarse lifecycle phase of a subscription.
type SubscriptionState int

const (
	SubscriptionPending SubscriptionState = iota
	SubscriptionRunning
	SubscriptionEosed
	SubscriptionStopped
)

func (st SubscriptionState) String() string {
	switch st {
	case SubscriptionPending:
		return "pending"
	case SubscriptionRunning:
		return "running"
	case SubscriptionEosed:
		return "eosed"
	case SubscriptionStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type ledgerEntry struct {
	event   *nostr.Event
	seenOn  RelaySet
	invalid bool
}

type inboxKind int

const (
	inboxEvent inboxKind = iota
	inboxEose
	inboxClosed
	inboxGone
	inboxInvalid
)

type inboxMsg struct {
	kind   inboxKind
	relay  *Relay
	event  *nostr.Event
	reason string
	err    error
}

// Subscription is one REQ fanned out over a set of relays, with results
// merged and deduplicated into a single stream.
type Subscription struct {
	id      string
	Filters nostr.Filters
	relays  RelaySet
	mgr     *Manager
	pool    *Pool
	log     zerolog.Logger

	// Events receives each distinct event exactly once, newest version
	// winning for replaceable and addressable kinds. It must be consumed;
	// the channel is closed when the subscription stops.
	Events chan RelayEvent

	// EndOfStoredEvents is closed once every relay in the set has either
	// reported EOSE, terminated the subscription or dropped off.
	EndOfStoredEvents chan struct{}

	closeOnEose bool
	verifyRatio float64
	onDuplicate func(ev RelayEvent, seenOn RelaySet)
	onInvalid   func(ev RelayEvent, err error)
	onClosed    func(relay *Relay, reason string)

	// inbox funnels everything relays produce into the single dispatch
	// goroutine that owns ledger and eosed.
	inbox  chan inboxMsg
	ledger map[string]*ledgerEntry
	eosed  map[string]bool

	started  atomic.Bool
	eoseOnce sync.Once
	stopOnce sync.Once
	done     chan struct{}
}

func newSubscription(m *Manager, id string, set RelaySet, filters nostr.Filters, opts SubscribeOptions) *Subscription {
	ratio := 1.0
	if opts.VerificationRatio != nil {
		ratio = *opts.VerificationRatio
	} else if m.pool.opts.VerificationRatio != nil {
		ratio = *m.pool.opts.VerificationRatio
	}
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	s := &Subscription{
		id:                id,
		Filters:           filters,
		relays:            set,
		mgr:               m,
		pool:              m.pool,
		log:               m.pool.log.With().Str("subscription", id).Logger(),
		Events:            make(chan RelayEvent, 64),
		EndOfStoredEvents: make(chan struct{}),
		closeOnEose:       opts.CloseOnEose,
		verifyRatio:       ratio,
		onDuplicate:       opts.OnDuplicate,
		onInvalid:         opts.OnInvalid,
		onClosed:          opts.OnClosed,
		inbox:             make(chan inboxMsg, 256),
		ledger:            make(map[string]*ledgerEntry),
		eosed:             make(map[string]bool, len(set)),
		done:              make(chan struct{}),
	}
	go s.run()
	return s
}

// ID returns the subscription id as sent to relays.
func (s *Subscription) ID() string { return s.id }

// Relays returns the relay set this subscription runs on.
func (s *Subscription) Relays() RelaySet {
	set := make(RelaySet, len(s.relays))
	copy(set, s.relays)
	return set
}

// State derives the current lifecycle phase.
func (s *Subscription) State() SubscriptionState {
	select {
	case <-s.done:
		return SubscriptionStopped
	default:
	}
	select {
	case <-s.EndOfStoredEvents:
		return SubscriptionEosed
	default:
	}
	if s.started.Load() {
		return SubscriptionRunning
	}
	return SubscriptionPending
}

// Start sends the REQ to every relay in the set, connecting the ones that
// aren't connected yet. Calling it more than once is a no-op.
func (s *Subscription) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	for _, r := range s.relays {
		r.subs.Store(s.id, s)
		if r.IsConnected() {
			go s.fire(r)
		} else {
			r := r
			go func() {
				if err := r.Connect(s.pool.ctx); err != nil {
					s.log.Debug().Err(err).Str("relay", r.URL()).Msg("relay unreachable")
					s.relayGone(r)
				}
			}()
		}
	}
}

// fire sends this subscription's REQ to one relay.
func (s *Subscription) fire(r *Relay) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := r.send(ctx, &nostr.ReqEnvelope{SubscriptionID: s.id, Filters: s.Filters}); err != nil {
		s.log.Debug().Err(err).Str("relay", r.URL()).Msg("failed to send req")
	}
}

// Stop ends the subscription: relays get a CLOSE, Events is closed after
// the dispatcher drains, and anything arriving later is discarded.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		for _, r := range s.relays {
			r.subs.Delete(s.id)
			if !r.IsConnected() {
				continue
			}
			r := r
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
				defer cancel()
				closeEnv := nostr.CloseEnvelope(s.id)
				r.send(ctx, &closeEnv)
			}()
		}
		s.mgr.remove(s.id)
	})
}

// producer side: these are called from relay dispatch goroutines (and the
// verification worker) and only ever touch the inbox.

func (s *Subscription) deliver(r *Relay, evt *nostr.Event) {
	select {
	case s.inbox <- inboxMsg{kind: inboxEvent, relay: r, event: evt}:
	case <-s.done:
	}
}

func (s *Subscription) eose(r *Relay) {
	select {
	case s.inbox <- inboxMsg{kind: inboxEose, relay: r}:
	case <-s.done:
	}
}

func (s *Subscription) closedBy(r *Relay, reason string) {
	select {
	case s.inbox <- inboxMsg{kind: inboxClosed, relay: r, reason: reason}:
	case <-s.done:
	}
}

func (s *Subscription) relayGone(r *Relay) {
	select {
	case s.inbox <- inboxMsg{kind: inboxGone, relay: r}:
	case <-s.done:
	}
}

func (s *Subscription) invalidated(ev RelayEvent, err error) {
	select {
	case s.inbox <- inboxMsg{kind: inboxInvalid, relay: ev.Relay, event: ev.Event, err: err}:
	case <-s.done:
	}
}

// run is the dispatch goroutine. It is the only place ledger and eosed are
// touched, so merging needs no locks.
func (s *Subscription) run() {
	defer close(s.Events)
	for {
		select {
		case msg := <-s.inbox:
			switch msg.kind {
			case inboxEvent:
				s.handleEvent(msg.relay, msg.event)
			case inboxEose:
				s.handleEose(msg.relay)
			case inboxClosed:
				if s.onClosed != nil {
					s.onClosed(msg.relay, msg.reason)
				}
				msg.relay.subs.Delete(s.id)
				s.handleEose(msg.relay)
			case inboxGone:
				s.handleEose(msg.relay)
			case inboxInvalid:
				s.handleInvalid(msg.relay, msg.event, msg.err)
			}
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) handleEvent(r *Relay, evt *nostr.Event) {
	key := dedupKey(evt)
	entry, seen := s.ledger[key]

	if !seen {
		if s.admit(RelayEvent{Event: evt, Relay: r}) {
			s.ledger[key] = &ledgerEntry{event: evt, seenOn: RelaySet{r}}
		}
		return
	}

	if entry.invalid {
		// the recorded version was retracted: anything at or below it is
		// dropped, only a strictly newer version gets a fresh chance.
		if evt.ID == entry.event.ID || !isNewer(entry.event, evt) {
			return
		}
		if s.admit(RelayEvent{Event: evt, Relay: r}) {
			entry.event = evt
			entry.seenOn = RelaySet{r}
			entry.invalid = false
		}
		return
	}

	if evt.ID == entry.event.ID {
		entry.seenOn = appendUnique(entry.seenOn, r)
		s.emitDuplicate(RelayEvent{Event: evt, Relay: r}, entry.seenOn)
		return
	}

	if !isNewer(entry.event, evt) {
		// an older (or tie-losing) version of something we already hold
		s.emitDuplicate(RelayEvent{Event: evt, Relay: r}, entry.seenOn)
		return
	}

	if s.admit(RelayEvent{Event: evt, Relay: r, Replaces: entry.event}) {
		entry.event = evt
		entry.seenOn = RelaySet{r}
	}
}

// admit runs the verification gate and, when it passes, hands the event to
// the consumer. It reports whether the event went through.
func (s *Subscription) admit(ev RelayEvent) bool {
	eager := s.verifyRatio >= 1 || (s.verifyRatio > 0 && rand.Float64() < s.verifyRatio)
	if eager {
		if err := s.pool.verify(ev.Event); err != nil {
			s.emitInvalid(ev, err)
			return false
		}
	} else if !s.pool.enqueueVerify(s, ev) {
		// background queue is full, check right here instead
		if err := s.pool.verify(ev.Event); err != nil {
			s.emitInvalid(ev, err)
			return false
		}
	}

	select {
	case s.Events <- ev:
		s.pool.stats.eventsDelivered.Add(1)
		return true
	case <-s.done:
		return false
	}
}

func (s *Subscription) handleInvalid(r *Relay, evt *nostr.Event, err error) {
	key := dedupKey(evt)
	entry, ok := s.ledger[key]
	if !ok || entry.event.ID != evt.ID || entry.invalid {
		// already replaced by a newer version or already retracted
		return
	}
	entry.invalid = true
	s.emitInvalid(RelayEvent{Event: evt, Relay: r}, err)
}

func (s *Subscription) handleEose(r *Relay) {
	url := r.URL()
	if s.eosed[url] {
		return
	}
	s.eosed[url] = true
	if len(s.eosed) < len(s.relays) {
		return
	}
	s.eoseOnce.Do(func() {
		close(s.EndOfStoredEvents)
	})
	if s.closeOnEose {
		s.Stop()
	}
}

func (s *Subscription) emitDuplicate(ev RelayEvent, seenOn RelaySet) {
	s.pool.stats.eventsDuplicate.Add(1)
	if s.onDuplicate == nil {
		return
	}
	set := make(RelaySet, len(seenOn))
	copy(set, seenOn)
	s.onDuplicate(ev, set)
}

func (s *Subscription) emitInvalid(ev RelayEvent, err error) {
	s.pool.stats.eventsInvalid.Add(1)
	s.log.Debug().Err(err).Str("id", ev.Event.ID).Str("relay", ev.Relay.URL()).Msg("dropping invalid event")
	if s.onInvalid != nil {
		s.onInvalid(ev, err)
	}
}
