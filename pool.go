package relaypool

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultHintTTL      = 2 * time.Hour
)

// Options configures a Pool. The zero value is usable as long as a Dialer
// and at least one way to discover relays (DefaultRelays or explicit
// targets on each call) are provided.
type Options struct {
	// DefaultRelays are dialed at startup and serve as the fallback target
	// set when an operation resolves no better relays.
	DefaultRelays []string

	// DiscoveryRelays are queried for kind 10002 relay lists. When empty,
	// DefaultRelays are used for discovery too.
	DiscoveryRelays []string

	// Blacklist lists relay URLs that must never be dialed. Events seen on
	// other relays that hint at these URLs won't drag them in either.
	Blacklist []string

	// EnableOutbox turns on per-author relay selection backed by kind 10002
	// announcements.
	EnableOutbox bool

	// Dialer builds transport connections. Required for any relay reached
	// by URL rather than by a pre-built Conn.
	Dialer DialFunc

	// Signer, when set, signs outgoing events that arrive unsigned and
	// backs the default auth policy.
	Signer Signer

	// AuthPolicy answers auth challenges for relays that don't carry their
	// own policy. Nil means challenges are ignored.
	AuthPolicy AuthPolicy

	// VerificationRatio is the fraction of incoming events whose signatures
	// are checked synchronously before delivery; the rest are checked in
	// the background and retracted if bad. Nil means 1.0.
	VerificationRatio *float64

	// Verifier overrides signature checking. Mostly useful in tests.
	Verifier func(evt *nostr.Event) error

	// FetchTimeout bounds fetch operations that don't bring their own
	// deadline. Zero means 10s.
	FetchTimeout time.Duration

	// HintTTL is how long cached relay lists stay fresh. Zero means 2h.
	HintTTL time.Duration

	// HintDB persists discovered relay lists across restarts.
	HintDB HintDB

	Logger *zerolog.Logger
}

// Pool keeps one Relay handle per distinct relay URL and routes every
// subscription, fetch and publish through them.
type Pool struct {
	opts Options
	log  zerolog.Logger

	relays    *xsync.MapOf[string, *Relay]
	blacklist map[string]struct{}

	manager *Manager
	outbox  *OutboxTracker

	verifyCh chan verifyJob

	stats poolStats

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type poolStats struct {
	eventsDelivered atomic.Int64
	eventsDuplicate atomic.Int64
	eventsInvalid   atomic.Int64

	publishAttempts atomic.Int64
	publishAccepted atomic.Int64
	publishRejected atomic.Int64
}

// PoolStats is a point-in-time snapshot of pool counters.
type PoolStats struct {
	Relays    int
	Connected int

	EventsDelivered int64
	EventsDuplicate int64
	EventsInvalid   int64

	PublishAttempts int64
	PublishAccepted int64
	PublishRejected int64
}

// New creates a Pool and registers (without connecting) its default and
// discovery relays. Close must be called to release them.
func New(ctx context.Context, opts Options) (*Pool, error) {
	if opts.FetchTimeout == 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.HintTTL == 0 {
		opts.HintTTL = defaultHintTTL
	}

	var log zerolog.Logger
	if opts.Logger != nil {
		log = *opts.Logger
	} else {
		log = zerolog.New(os.Stderr).Level(zerolog.Disabled)
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		opts:      opts,
		log:       log,
		relays:    xsync.NewMapOf[string, *Relay](),
		blacklist: make(map[string]struct{}, len(opts.Blacklist)),
		verifyCh:  make(chan verifyJob, 1024),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, url := range opts.Blacklist {
		p.blacklist[nostr.NormalizeURL(url)] = struct{}{}
	}
	p.manager = newManager(p)
	p.outbox = newOutboxTracker(p)

	go p.verifyLoop()

	for _, url := range append(append([]string{}, opts.DefaultRelays...), opts.DiscoveryRelays...) {
		if _, err := p.ensureRelay(url, false); err != nil {
			p.Close()
			return nil, err
		}
	}

	return p, nil
}

// AddRelay registers a pre-built connection with the pool. If a relay with
// the same normalized URL already exists the new connection is discarded
// and the existing handle returned.
func (p *Pool) AddRelay(conn Conn, autoConnect bool) *Relay {
	url := nostr.NormalizeURL(conn.URL())
	if existing, ok := p.relays.Load(url); ok {
		conn.Close()
		return existing
	}

	_, banned := p.blacklist[url]
	r := newRelay(p, conn, banned)
	if existing, loaded := p.relays.LoadOrStore(url, r); loaded {
		r.close()
		return existing
	}

	if autoConnect && !banned {
		go func() {
			if err := r.Connect(p.ctx); err != nil {
				p.log.Debug().Err(err).Str("relay", url).Msg("failed to connect")
			}
		}()
	}
	return r
}

// ensureRelay returns the pool's handle for url, dialing a new transport
// when the relay isn't known yet. It never initiates the connection.
func (p *Pool) ensureRelay(url string, temporary bool) (*Relay, error) {
	url = nostr.NormalizeURL(url)
	if url == "" {
		return nil, fmt.Errorf("invalid relay url")
	}
	if r, ok := p.relays.Load(url); ok {
		return r, nil
	}
	if _, banned := p.blacklist[url]; banned {
		return nil, fmt.Errorf("relay %s is blacklisted", url)
	}
	if p.opts.Dialer == nil {
		return nil, fmt.Errorf("no dialer configured, can't reach %s", url)
	}

	conn, err := p.opts.Dialer(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	r := p.AddRelay(conn, false)
	if temporary {
		r.temporary.Store(true)
	}
	return r, nil
}

// UseTemporaryRelay registers url as a temporary relay: usable right away
// but eligible for eviction once idle.
func (p *Pool) UseTemporaryRelay(url string) (*Relay, error) {
	return p.ensureRelay(url, true)
}

// EvictTemporary closes and removes every temporary relay for which keep
// returns false. It returns the number of relays evicted.
func (p *Pool) EvictTemporary(keep func(r *Relay) bool) int {
	evicted := 0
	p.relays.Range(func(url string, r *Relay) bool {
		if !r.Temporary() {
			return true
		}
		if keep != nil && keep(r) {
			return true
		}
		if r.subs.Size() > 0 {
			return true
		}
		p.relays.Delete(url)
		r.close()
		evicted++
		return true
	})
	return evicted
}

// Relay returns the handle for url if the pool knows it.
func (p *Pool) Relay(url string) (*Relay, bool) {
	return p.relays.Load(nostr.NormalizeURL(url))
}

// Relays returns all registered relays in no particular order.
func (p *Pool) Relays() RelaySet {
	set := make(RelaySet, 0, p.relays.Size())
	p.relays.Range(func(url string, r *Relay) bool {
		set = append(set, r)
		return true
	})
	return set
}

// Connect dials every known non-flagged relay and waits up to timeout for
// them to settle. Relays still connecting when the timeout fires keep
// trying in the background. It returns how many relays are connected.
func (p *Pool) Connect(ctx context.Context, timeout time.Duration) int {
	var wg sync.WaitGroup
	p.relays.Range(func(url string, r *Relay) bool {
		if r.Flagged() || r.IsConnected() {
			return true
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Connect(p.ctx); err != nil {
				p.log.Debug().Err(err).Str("relay", url).Msg("failed to connect")
			}
		}()
		return true
	})

	settled := make(chan struct{})
	go func() {
		wg.Wait()
		close(settled)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-settled:
	case <-timer.C:
	case <-ctx.Done():
	}

	connected := 0
	p.relays.Range(func(url string, r *Relay) bool {
		if r.IsConnected() {
			connected++
		}
		return true
	})
	return connected
}

// Subscribe opens a subscription for a single filter. See Manager.Subscribe
// for multi-filter subscriptions and the full option set.
func (p *Pool) Subscribe(ctx context.Context, filter nostr.Filter, opts SubscribeOptions) (*Subscription, error) {
	return p.manager.Subscribe(ctx, nostr.Filters{filter}, opts)
}

// Manager exposes the subscription manager.
func (p *Pool) Manager() *Manager { return p.manager }

// Outbox exposes the relay list tracker.
func (p *Pool) Outbox() *OutboxTracker { return p.outbox }

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	st := PoolStats{
		EventsDelivered: p.stats.eventsDelivered.Load(),
		EventsDuplicate: p.stats.eventsDuplicate.Load(),
		EventsInvalid:   p.stats.eventsInvalid.Load(),
		PublishAttempts: p.stats.publishAttempts.Load(),
		PublishAccepted: p.stats.publishAccepted.Load(),
		PublishRejected: p.stats.publishRejected.Load(),
	}
	p.relays.Range(func(url string, r *Relay) bool {
		st.Relays++
		if r.IsConnected() {
			st.Connected++
		}
		return true
	})
	return st
}

// Close stops every subscription, closes every relay and releases the hint
// database. The pool must not be used afterwards.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.manager.Close()
		p.relays.Range(func(url string, r *Relay) bool {
			r.close()
			return true
		})
		p.cancel()
		if p.opts.HintDB != nil {
			if err := p.opts.HintDB.Close(); err != nil {
				p.log.Debug().Err(err).Msg("failed to close hint db")
			}
		}
	})
}
