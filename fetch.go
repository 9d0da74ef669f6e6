package relaypool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"golang.org/x/exp/slices"
)

// FetchOptions tunes one-shot queries.
type FetchOptions struct {
	Relays RelaySet
	URLs   []string
	Hints  []string

	// Timeout bounds the whole operation. Zero means the pool default.
	Timeout time.Duration

	VerificationRatio *float64
	Label             string
}

// FetchedEvent is a query result annotated with every relay the winning
// copy was seen on.
type FetchedEvent struct {
	*nostr.Event
	SeenOn RelaySet
}

// firstMatchWins reports whether the first event matching the filter fully
// answers it, so the query can return before every relay is heard from.
// That's the case when the filter pins exact ids, or when every requested
// kind is regular and therefore can't be superseded by a newer version.
func firstMatchWins(filter nostr.Filter) bool {
	if len(filter.IDs) > 0 {
		return true
	}
	if len(filter.Kinds) == 0 {
		return false
	}
	for _, kind := range filter.Kinds {
		if !nostr.IsRegularKind(kind) {
			return false
		}
	}
	return true
}

// FetchEvent queries the resolved relays for the single event best matching
// the filter and returns (nil, nil) when nothing matched in time. For
// replaceable and addressable kinds it waits for all relays (or the
// timeout) and returns the newest version seen anywhere.
func (p *Pool) FetchEvent(ctx context.Context, filter nostr.Filter, opts FetchOptions) (*nostr.Event, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = p.opts.FetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	firstWins := firstMatchWins(filter)
	if firstWins && filter.Limit == 0 {
		filter.Limit = 1
	}
	label := opts.Label
	if label == "" {
		label = "fetch"
	}

	var mu sync.Mutex
	retracted := make(map[string]bool)

	sub, err := p.Subscribe(ctx, filter, SubscribeOptions{
		Relays:            opts.Relays,
		URLs:              opts.URLs,
		Hints:             opts.Hints,
		CloseOnEose:       true,
		Label:             label,
		VerificationRatio: opts.VerificationRatio,
		OnInvalid: func(ev RelayEvent, err error) {
			mu.Lock()
			retracted[ev.ID] = true
			mu.Unlock()
		},
	})
	if err != nil {
		return nil, err
	}
	defer sub.Stop()

	var best *nostr.Event
	settle := func() (*nostr.Event, error) {
		if best == nil {
			return nil, nil
		}
		mu.Lock()
		defer mu.Unlock()
		if retracted[best.ID] {
			return nil, nil
		}
		return best, nil
	}

	for {
		select {
		case re, ok := <-sub.Events:
			if !ok {
				return settle()
			}
			if firstWins {
				return re.Event, nil
			}
			if best == nil || isNewer(best, re.Event) {
				best = re.Event
			}
		case <-sub.EndOfStoredEvents:
		drain:
			for {
				select {
				case re, ok := <-sub.Events:
					if !ok {
						break drain
					}
					if firstWins {
						return re.Event, nil
					}
					if best == nil || isNewer(best, re.Event) {
						best = re.Event
					}
				default:
					break drain
				}
			}
			return settle()
		case <-ctx.Done():
			return settle()
		}
	}
}

// FetchEvents queries the resolved relays and returns every distinct match,
// newest first. Replaceable and addressable kinds collapse to their newest
// version. A timeout mid-collection returns whatever was gathered so far.
func (p *Pool) FetchEvents(ctx context.Context, filter nostr.Filter, opts FetchOptions) ([]FetchedEvent, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = p.opts.FetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	label := opts.Label
	if label == "" {
		label = "fetch"
	}

	var mu sync.Mutex
	dupSets := make(map[string]RelaySet)
	retracted := make(map[string]bool)

	sub, err := p.Subscribe(ctx, filter, SubscribeOptions{
		Relays:            opts.Relays,
		URLs:              opts.URLs,
		Hints:             opts.Hints,
		CloseOnEose:       true,
		Label:             label,
		VerificationRatio: opts.VerificationRatio,
		OnDuplicate: func(ev RelayEvent, seenOn RelaySet) {
			mu.Lock()
			dupSets[ev.ID] = seenOn
			mu.Unlock()
		},
		OnInvalid: func(ev RelayEvent, err error) {
			mu.Lock()
			retracted[ev.ID] = true
			mu.Unlock()
		},
	})
	if err != nil {
		return nil, err
	}
	defer sub.Stop()

	results := make(map[string]*FetchedEvent)
	absorb := func(re RelayEvent) {
		results[dedupKey(re.Event)] = &FetchedEvent{Event: re.Event, SeenOn: RelaySet{re.Relay}}
	}

collect:
	for {
		select {
		case re, ok := <-sub.Events:
			if !ok {
				break collect
			}
			absorb(re)
		case <-sub.EndOfStoredEvents:
		drain:
			for {
				select {
				case re, ok := <-sub.Events:
					if !ok {
						break drain
					}
					absorb(re)
				default:
					break drain
				}
			}
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	mu.Lock()
	defer mu.Unlock()

	out := make([]FetchedEvent, 0, len(results))
	for _, fe := range results {
		if retracted[fe.ID] {
			continue
		}
		if set, ok := dupSets[fe.ID]; ok {
			fe.SeenOn = set
		}
		out = append(out, *fe)
	}
	slices.SortFunc(out, func(a, b FetchedEvent) int {
		if b.CreatedAt > a.CreatedAt {
			return 1
		} else if b.CreatedAt < a.CreatedAt {
			return -1
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out, nil
}

// FetchEventByCode fetches the event referenced by a nip19 code (note,
// nevent, npub, nprofile or naddr). Relay hints embedded in the code are
// honored on top of whatever the options pin.
func (p *Pool) FetchEventByCode(ctx context.Context, code string, opts FetchOptions) (*nostr.Event, error) {
	filter, hints, err := filterFromCode(code)
	if err != nil {
		return nil, err
	}
	if len(hints) > 0 {
		opts.Hints = append(append([]string{}, opts.Hints...), hints...)
	}
	return p.FetchEvent(ctx, filter, opts)
}

func filterFromCode(code string) (nostr.Filter, []string, error) {
	prefix, value, err := nip19.Decode(code)
	if err != nil {
		return nostr.Filter{}, nil, fmt.Errorf("failed to decode %q: %w", code, err)
	}

	switch prefix {
	case "note":
		return nostr.Filter{IDs: []string{value.(string)}}, nil, nil
	case "nevent":
		pointer := value.(nostr.EventPointer)
		filter := nostr.Filter{IDs: []string{pointer.ID}}
		if pointer.Author != "" {
			filter.Authors = []string{pointer.Author}
		}
		return filter, pointer.Relays, nil
	case "npub":
		return nostr.Filter{
			Kinds:   []int{nostr.KindProfileMetadata},
			Authors: []string{value.(string)},
			Limit:   1,
		}, nil, nil
	case "nprofile":
		pointer := value.(nostr.ProfilePointer)
		return nostr.Filter{
			Kinds:   []int{nostr.KindProfileMetadata},
			Authors: []string{pointer.PublicKey},
			Limit:   1,
		}, pointer.Relays, nil
	case "naddr":
		pointer := value.(nostr.EntityPointer)
		filter := nostr.Filter{
			Kinds:   []int{pointer.Kind},
			Authors: []string{pointer.PublicKey},
			Limit:   1,
		}
		if pointer.Identifier != "" {
			filter.Tags = nostr.TagMap{"d": []string{pointer.Identifier}}
		}
		return filter, pointer.Relays, nil
	}

	return nostr.Filter{}, nil, fmt.Errorf("unsupported code prefix %q", prefix)
}
