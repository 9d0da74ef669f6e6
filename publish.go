package relaypool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// PublishResult is one relay's verdict on a published event.
type PublishResult struct {
	Relay  *Relay
	OK     bool
	Reason string
	Err    error
}

// PublishOptions tunes a publish.
type PublishOptions struct {
	Relays RelaySet
	URLs   []string

	// Timeout bounds the whole operation. Zero means the pool default.
	Timeout time.Duration
}

// Publish signs the event if needed and sends it to the resolved relay set
// concurrently, waiting for each relay's acknowledgment. It returns every
// relay's verdict; the error is non-nil only when no relay accepted.
func (p *Pool) Publish(ctx context.Context, evt *nostr.Event, opts PublishOptions) ([]PublishResult, error) {
	if evt.Sig == "" {
		if p.opts.Signer == nil {
			return nil, ErrNoSigner
		}
		if evt.CreatedAt == 0 {
			evt.CreatedAt = nostr.Now()
		}
		if err := p.opts.Signer.Sign(evt); err != nil {
			return nil, fmt.Errorf("failed to sign event: %w", err)
		}
	}

	set, err := p.ResolveRelaySet(ctx, SetRequest{
		Relays:  opts.Relays,
		URLs:    opts.URLs,
		Authors: []string{evt.PubKey},
	})
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = p.opts.FetchTimeout
	}

	p.stats.publishAttempts.Add(1)

	results := make([]PublishResult, len(set))
	var wg sync.WaitGroup
	for i, r := range set {
		wg.Add(1)
		go func(i int, r *Relay) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			if !r.IsConnected() {
				if err := r.Connect(ctx); err != nil {
					results[i] = PublishResult{Relay: r, Err: err}
					return
				}
			}

			ok, reason, err := r.publish(ctx, evt)
			results[i] = PublishResult{Relay: r, OK: ok, Reason: reason, Err: err}
		}(i, r)
	}
	wg.Wait()

	accepted := 0
	for _, res := range results {
		if res.OK {
			accepted++
			p.stats.publishAccepted.Add(1)
		} else {
			p.stats.publishRejected.Add(1)
		}
	}
	if accepted == 0 {
		return results, &PublishError{Results: results}
	}
	return results, nil
}

// Accepted filters publish results down to the relays that took the event.
func Accepted(results []PublishResult) RelaySet {
	var set RelaySet
	for _, res := range results {
		if res.OK {
			set = appendUnique(set, res.Relay)
		}
	}
	return set
}
