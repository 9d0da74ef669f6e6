package relaypool

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// RelayHints is what we know about where a user reads and writes, as
// declared in their latest kind 10002 event. UpdatedAt is when we last
// refreshed the entry, not the relay list's own timestamp, so a list that
// hasn't changed in months still counts as fresh after a lookup.
type RelayHints struct {
	Write     []string        `json:"write"`
	Read      []string        `json:"read"`
	UpdatedAt nostr.Timestamp `json:"updated_at"`
}

// HintDB persists relay hints across process restarts. LoadHints returns
// (nil, nil) when nothing is stored for the key.
type HintDB interface {
	LoadHints(ctx context.Context, pubkey string) (*RelayHints, error)
	SaveHints(ctx context.Context, pubkey string, hints RelayHints) error
	Close() error
}

// OutboxTracker maintains a cache of users' announced relay lists and
// refreshes them from the discovery relays when they go stale.
type OutboxTracker struct {
	pool *Pool
	log  zerolog.Logger

	entries *xsync.MapOf[string, RelayHints]
	group   singleflight.Group
}

func newOutboxTracker(p *Pool) *OutboxTracker {
	return &OutboxTracker{
		pool:    p,
		log:     p.log.With().Str("component", "outbox").Logger(),
		entries: xsync.NewMapOf[string, RelayHints](),
	}
}

// RelaysForUser returns the relays pubkey writes to, according to the
// freshest relay list we hold. It never blocks on the network: unknown or
// stale users get a background refresh kicked off and whatever is cached
// (possibly nothing) is returned immediately.
func (t *OutboxTracker) RelaysForUser(ctx context.Context, pubkey string) []string {
	if hints, ok := t.entries.Load(pubkey); ok {
		if t.stale(hints) {
			t.TrackUsers(pubkey)
		}
		return hints.Write
	}

	if hints := t.loadPersisted(ctx, pubkey); hints != nil {
		if t.stale(*hints) {
			t.TrackUsers(pubkey)
		}
		return hints.Write
	}

	t.TrackUsers(pubkey)
	return nil
}

// InboxRelaysForUser is RelaysForUser for the read side: where to publish
// so that pubkey sees it.
func (t *OutboxTracker) InboxRelaysForUser(ctx context.Context, pubkey string) []string {
	if hints, ok := t.entries.Load(pubkey); ok {
		if t.stale(hints) {
			t.TrackUsers(pubkey)
		}
		return hints.Read
	}

	if hints := t.loadPersisted(ctx, pubkey); hints != nil {
		if t.stale(*hints) {
			t.TrackUsers(pubkey)
		}
		return hints.Read
	}

	t.TrackUsers(pubkey)
	return nil
}

// TrackUsers schedules a background relay list refresh for every pubkey
// whose cached hints are missing or stale.
func (t *OutboxTracker) TrackUsers(pubkeys ...string) {
	for _, pk := range pubkeys {
		if hints, ok := t.entries.Load(pk); ok && !t.stale(hints) {
			continue
		}
		pk := pk
		go func() {
			if _, err := t.Refresh(t.pool.ctx, pk); err != nil {
				t.log.Debug().Err(err).Str("pubkey", pk).Msg("relay list refresh failed")
			}
		}()
	}
}

func (t *OutboxTracker) stale(hints RelayHints) bool {
	return time.Since(hints.UpdatedAt.Time()) > t.pool.opts.HintTTL
}

func (t *OutboxTracker) loadPersisted(ctx context.Context, pubkey string) *RelayHints {
	if t.pool.opts.HintDB == nil {
		return nil
	}
	hints, err := t.pool.opts.HintDB.LoadHints(ctx, pubkey)
	if err != nil {
		t.log.Debug().Err(err).Str("pubkey", pubkey).Msg("failed to load persisted hints")
		return nil
	}
	if hints == nil {
		return nil
	}
	t.entries.Store(pubkey, *hints)
	return hints
}

// Refresh fetches pubkey's latest kind 10002 event from the discovery
// relays and updates the cache. Concurrent refreshes for the same pubkey
// collapse into one query.
func (t *OutboxTracker) Refresh(ctx context.Context, pubkey string) (RelayHints, error) {
	v, err, _ := t.group.Do(pubkey, func() (any, error) {
		return t.discover(ctx, pubkey)
	})
	if err != nil {
		return RelayHints{}, err
	}
	return v.(RelayHints), nil
}

func (t *OutboxTracker) discover(ctx context.Context, pubkey string) (RelayHints, error) {
	relays := t.discoveryRelays()
	if len(relays) == 0 {
		return RelayHints{}, ErrNoRelays
	}

	ctx, cancel := context.WithTimeout(ctx, t.pool.opts.FetchTimeout)
	defer cancel()

	sub, err := t.pool.manager.subscribeTo(ctx, relays, nostr.Filters{{
		Kinds:   []int{nostr.KindRelayListMetadata},
		Authors: []string{pubkey},
		Limit:   1,
	}}, SubscribeOptions{CloseOnEose: true, Label: "outbox"})
	if err != nil {
		return RelayHints{}, err
	}
	defer sub.Stop()

	var latest *nostr.Event
	for {
		select {
		case re, ok := <-sub.Events:
			if !ok {
				return t.commit(pubkey, latest)
			}
			if latest == nil || isNewer(latest, re.Event) {
				latest = re.Event
			}
		case <-sub.EndOfStoredEvents:
		drain:
			for {
				select {
				case re, ok := <-sub.Events:
					if !ok {
						break drain
					}
					if latest == nil || isNewer(latest, re.Event) {
						latest = re.Event
					}
				default:
					break drain
				}
			}
			return t.commit(pubkey, latest)
		case <-ctx.Done():
			return t.commit(pubkey, latest)
		}
	}
}

func (t *OutboxTracker) commit(pubkey string, evt *nostr.Event) (RelayHints, error) {
	if evt == nil {
		return RelayHints{}, fmt.Errorf("no relay list found for %s", pubkey)
	}
	hints := parseRelayList(evt)
	t.Update(pubkey, hints)
	return hints, nil
}

// Update stores hints for pubkey, persisting them when a HintDB is
// configured. A zero UpdatedAt is stamped with the current time.
func (t *OutboxTracker) Update(pubkey string, hints RelayHints) {
	if hints.UpdatedAt == 0 {
		hints.UpdatedAt = nostr.Now()
	}
	t.entries.Store(pubkey, hints)
	if t.pool.opts.HintDB != nil {
		if err := t.pool.opts.HintDB.SaveHints(t.pool.ctx, pubkey, hints); err != nil {
			t.log.Debug().Err(err).Str("pubkey", pubkey).Msg("failed to persist hints")
		}
	}
}

// discoveryRelays resolves the relays used for kind 10002 lookups:
// DiscoveryRelays when configured, DefaultRelays otherwise.
func (t *OutboxTracker) discoveryRelays() RelaySet {
	urls := t.pool.opts.DiscoveryRelays
	if len(urls) == 0 {
		urls = t.pool.opts.DefaultRelays
	}
	var set RelaySet
	for _, url := range urls {
		r, err := t.pool.ensureRelay(url, false)
		if err != nil {
			continue
		}
		set = appendUnique(set, r)
	}
	return set
}

// parseRelayList extracts read/write relays from a kind 10002 event. Tags
// look like ["r", url] for both directions or ["r", url, "read"|"write"].
func parseRelayList(evt *nostr.Event) RelayHints {
	hints := RelayHints{}
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		url := nostr.NormalizeURL(tag[1])
		if url == "" {
			continue
		}
		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}
		switch marker {
		case "":
			hints.Write = append(hints.Write, url)
			hints.Read = append(hints.Read, url)
		case "write":
			hints.Write = append(hints.Write, url)
		case "read":
			hints.Read = append(hints.Read, url)
		}
	}
	return hints
}
