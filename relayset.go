package relaypool

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// RelaySet is an ordered collection of relays an operation will talk to.
type RelaySet []*Relay

// URLs returns the normalized URLs of the set, in order.
func (rs RelaySet) URLs() []string {
	urls := make([]string, len(rs))
	for i, r := range rs {
		urls[i] = r.URL()
	}
	return urls
}

// Contains reports whether the set includes a relay with the given URL.
func (rs RelaySet) Contains(url string) bool {
	url = nostr.NormalizeURL(url)
	for _, r := range rs {
		if r.URL() == url {
			return true
		}
	}
	return false
}

func appendUnique(set RelaySet, r *Relay) RelaySet {
	for _, existing := range set {
		if existing == r {
			return set
		}
	}
	return append(set, r)
}

// SetRequest carries everything an operation knows about where its data
// might live. Explicit targets always win; hints and author relay lists
// only matter when nothing was pinned.
type SetRequest struct {
	// Relays are pre-resolved handles, used as-is.
	Relays RelaySet

	// URLs are explicit relay targets resolved through the pool.
	URLs []string

	// Hints are soft relay suggestions, typically carried inside nevent or
	// naddr codes. They pull relays in as temporary.
	Hints []string

	// Authors are the pubkeys whose relay lists should drive selection
	// when the outbox model is enabled.
	Authors []string
}

// ResolveRelaySet turns a request into a concrete relay set. Resolution
// tries, in order: explicit relays and URLs, hinted relays, the authors'
// announced relays, the pool defaults. The first tier that produces at
// least one usable relay wins; an empty result is ErrNoRelays.
func (p *Pool) ResolveRelaySet(ctx context.Context, req SetRequest) (RelaySet, error) {
	if set := p.explicitSet(req); len(set) > 0 {
		return set, nil
	}
	if set := p.hintedSet(req.Hints); len(set) > 0 {
		return set, nil
	}
	if set := p.outboxSet(ctx, req.Authors); len(set) > 0 {
		return set, nil
	}
	if set := p.defaultSet(); len(set) > 0 {
		return set, nil
	}
	return nil, ErrNoRelays
}

func (p *Pool) explicitSet(req SetRequest) RelaySet {
	var set RelaySet
	for _, r := range req.Relays {
		if r == nil || r.Flagged() {
			continue
		}
		set = appendUnique(set, r)
	}
	for _, url := range req.URLs {
		r, err := p.ensureRelay(url, false)
		if err != nil {
			p.log.Debug().Err(err).Str("relay", url).Msg("skipping explicit relay")
			continue
		}
		set = appendUnique(set, r)
	}
	return set
}

func (p *Pool) hintedSet(hints []string) RelaySet {
	var set RelaySet
	for _, url := range hints {
		url = nostr.NormalizeURL(url)
		if url == "" {
			continue
		}
		if _, banned := p.blacklist[url]; banned {
			continue
		}
		r, ok := p.relays.Load(url)
		if !ok {
			var err error
			r, err = p.ensureRelay(url, true)
			if err != nil {
				p.log.Debug().Err(err).Str("relay", url).Msg("skipping hinted relay")
				continue
			}
		}
		set = appendUnique(set, r)
	}
	return set
}

func (p *Pool) outboxSet(ctx context.Context, authors []string) RelaySet {
	if !p.opts.EnableOutbox || len(authors) == 0 {
		return nil
	}

	p.outbox.TrackUsers(authors...)

	var set RelaySet
	for _, pk := range authors {
		urls := p.outbox.RelaysForUser(ctx, pk)
		if len(urls) == 0 {
			// nothing known for this author yet: make sure the discovery
			// relays are in the set so the query still reaches somewhere
			// this author plausibly writes to.
			for _, r := range p.outbox.discoveryRelays() {
				set = appendUnique(set, r)
			}
			continue
		}
		for _, url := range urls {
			r, err := p.ensureRelay(url, true)
			if err != nil {
				continue
			}
			set = appendUnique(set, r)
		}
	}
	return set
}

func (p *Pool) defaultSet() RelaySet {
	var set RelaySet
	for _, url := range p.opts.DefaultRelays {
		r, err := p.ensureRelay(url, false)
		if err != nil {
			continue
		}
		set = appendUnique(set, r)
	}
	return set
}
