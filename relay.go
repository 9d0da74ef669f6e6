package relaypool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// Status is the connection state of a relay as seen by the pool.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusAuthenticated
	StatusFlagged
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusAuthenticated:
		return "authenticated"
	case StatusFlagged:
		return "flagged"
	default:
		return "unknown"
	}
}

// Conn is the wire transport for a single relay. Implementations deal with
// sockets, framing and reconnection; the pool only ever sees typed
// envelopes. Messages and StatusChanges must stay usable until Close.
type Conn interface {
	URL() string
	Connect(ctx context.Context) error
	Close() error
	Status() Status
	StatusChanges() <-chan Status
	Messages() <-chan nostr.Envelope
	Send(ctx context.Context, env nostr.Envelope) error
}

// DialFunc builds an unconnected Conn for a relay referenced only by URL.
type DialFunc func(url string) (Conn, error)

// AuthPolicy decides whether and how to answer an authentication challenge.
// The pool invokes it once per challenge and never retries on its behalf.
type AuthPolicy func(ctx context.Context, relay *Relay, challenge string) error

// SignAuthPolicy answers every challenge by signing the canonical auth
// event with the given signer.
func SignAuthPolicy(signer Signer) AuthPolicy {
	return func(ctx context.Context, relay *Relay, challenge string) error {
		return relay.Auth(ctx, signer)
	}
}

// Relay is the pool's handle for one relay. A single dispatch goroutine
// routes inbound envelopes to subscriptions, publish waiters and the auth
// policy, so relay-side ordering is preserved per subscription.
type Relay struct {
	conn Conn
	url  string
	pool *Pool
	log  zerolog.Logger

	// AuthPolicy, when set, answers this relay's challenges instead of the
	// pool-wide policy.
	AuthPolicy AuthPolicy

	status    atomic.Int32
	temporary atomic.Bool
	flagged   bool

	subs      *xsync.MapOf[string, *Subscription]
	okWaiters *xsync.MapOf[string, chan okResult]

	authEventID atomic.Pointer[string]
	challenge   atomic.Pointer[string]

	connectMu sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

type okResult struct {
	ok     bool
	reason string
}

func newRelay(pool *Pool, conn Conn, flagged bool) *Relay {
	r := &Relay{
		conn:      conn,
		url:       nostr.NormalizeURL(conn.URL()),
		pool:      pool,
		flagged:   flagged,
		subs:      xsync.NewMapOf[string, *Subscription](),
		okWaiters: xsync.NewMapOf[string, chan okResult](),
		done:      make(chan struct{}),
	}
	r.log = pool.log.With().Str("relay", r.url).Logger()
	if flagged {
		r.status.Store(int32(StatusFlagged))
	}
	go r.run()
	return r
}

func (r *Relay) URL() string { return r.url }

func (r *Relay) Status() Status { return Status(r.status.Load()) }

func (r *Relay) IsConnected() bool {
	st := r.Status()
	return st == StatusConnected || st == StatusAuthenticated
}

// Temporary reports whether this relay was pulled in to satisfy a single
// operation and is eligible for eviction.
func (r *Relay) Temporary() bool { return r.temporary.Load() }

// Flagged reports whether this relay is blacklisted. Flagged relays are
// never connected and never appear in resolved relay sets.
func (r *Relay) Flagged() bool { return r.flagged }

// Challenge returns the latest auth challenge issued by this relay, if any.
func (r *Relay) Challenge() string {
	if c := r.challenge.Load(); c != nil {
		return *c
	}
	return ""
}

// Connect dials the relay if it is not connected already. It is safe to
// call concurrently; only one dial happens at a time.
func (r *Relay) Connect(ctx context.Context) error {
	if r.flagged {
		return fmt.Errorf("relay %s is blacklisted", r.url)
	}
	r.connectMu.Lock()
	defer r.connectMu.Unlock()
	if r.IsConnected() {
		return nil
	}
	select {
	case <-r.done:
		return fmt.Errorf("relay %s is closed", r.url)
	default:
	}

	r.transition(StatusConnecting)
	if err := r.conn.Connect(ctx); err != nil {
		r.transition(StatusDisconnected)
		return fmt.Errorf("failed to connect to %s: %w", r.url, err)
	}
	r.transition(StatusConnected)
	return nil
}

// run consumes the connection's message and status streams until the relay
// is closed.
func (r *Relay) run() {
	msgs := r.conn.Messages()
	statuses := r.conn.StatusChanges()
	for {
		select {
		case st, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			r.transition(st)
		case env, ok := <-msgs:
			if !ok {
				r.transition(StatusDisconnected)
				return
			}
			r.dispatch(env)
		case <-r.done:
			return
		}
	}
}

func (r *Relay) transition(st Status) {
	prev := Status(r.status.Swap(int32(st)))
	if prev == st {
		return
	}
	r.log.Debug().Stringer("from", prev).Stringer("to", st).Msg("relay status changed")

	switch st {
	case StatusDisconnected:
		// nothing more is coming from this relay for now: flush publish
		// waiters and let running subscriptions settle their completion
		// accounting.
		r.okWaiters.Range(func(id string, ch chan okResult) bool {
			r.okWaiters.Delete(id)
			select {
			case ch <- okResult{false, "connection closed"}:
			default:
			}
			return true
		})
		r.subs.Range(func(id string, sub *Subscription) bool {
			sub.relayGone(r)
			return true
		})
	case StatusConnected:
		// replay filters for subscriptions that were running before a drop
		r.subs.Range(func(id string, sub *Subscription) bool {
			go sub.fire(r)
			return true
		})
	}
}

func (r *Relay) dispatch(env nostr.Envelope) {
	switch env := env.(type) {
	case *nostr.EventEnvelope:
		if env.SubscriptionID == nil {
			return
		}
		if sub, ok := r.subs.Load(*env.SubscriptionID); ok {
			sub.deliver(r, &env.Event)
		}
	case *nostr.EOSEEnvelope:
		if sub, ok := r.subs.Load(string(*env)); ok {
			sub.eose(r)
		}
	case *nostr.ClosedEnvelope:
		if sub, ok := r.subs.Load(env.SubscriptionID); ok {
			sub.closedBy(r, env.Reason)
		}
	case *nostr.OKEnvelope:
		if authID := r.authEventID.Load(); authID != nil && *authID == env.EventID {
			r.authEventID.Store(nil)
			if env.OK {
				r.transition(StatusAuthenticated)
			} else {
				r.log.Warn().Str("reason", env.Reason).Msg("auth rejected")
			}
			return
		}
		if ch, ok := r.okWaiters.LoadAndDelete(env.EventID); ok {
			select {
			case ch <- okResult{env.OK, env.Reason}:
			default:
			}
		}
	case *nostr.AuthEnvelope:
		if env.Challenge == nil {
			return
		}
		r.challenge.Store(env.Challenge)
		policy := r.AuthPolicy
		if policy == nil {
			policy = r.pool.opts.AuthPolicy
		}
		if policy == nil {
			r.log.Debug().Msg("auth challenge ignored, no policy configured")
			return
		}
		challenge := *env.Challenge
		go func() {
			if err := policy(r.pool.ctx, r, challenge); err != nil {
				r.log.Warn().Err(err).Msg("auth policy failed")
			}
		}()
	case *nostr.NoticeEnvelope:
		r.log.Info().Str("notice", string(*env)).Msg("notice from relay")
	}
}

func (r *Relay) send(ctx context.Context, env nostr.Envelope) error {
	select {
	case <-r.done:
		return fmt.Errorf("relay %s is closed", r.url)
	default:
	}
	return r.conn.Send(ctx, env)
}

// publish sends the event and waits for this relay's acknowledgment.
func (r *Relay) publish(ctx context.Context, evt *nostr.Event) (bool, string, error) {
	ch := make(chan okResult, 1)
	r.okWaiters.Store(evt.ID, ch)
	defer r.okWaiters.Delete(evt.ID)

	if err := r.send(ctx, &nostr.EventEnvelope{Event: *evt}); err != nil {
		return false, "", err
	}

	select {
	case res := <-ch:
		return res.ok, res.reason, nil
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
}

// Auth answers this relay's pending challenge with an auth event signed by
// signer. The status moves to authenticated once the relay acknowledges it.
func (r *Relay) Auth(ctx context.Context, signer Signer) error {
	if signer == nil {
		return ErrNoSigner
	}
	challenge := r.Challenge()
	if challenge == "" {
		return fmt.Errorf("relay %s has not issued an auth challenge", r.url)
	}

	evt := nostr.Event{
		Kind:      nostr.KindClientAuthentication,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			nostr.Tag{"relay", r.url},
			nostr.Tag{"challenge", challenge},
		},
	}
	if err := signer.Sign(&evt); err != nil {
		return fmt.Errorf("failed to sign auth event: %w", err)
	}

	r.authEventID.Store(&evt.ID)
	return r.send(ctx, &nostr.AuthEnvelope{Event: evt})
}

func (r *Relay) close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.conn.Close()
		r.status.Store(int32(StatusDisconnected))
	})
}
