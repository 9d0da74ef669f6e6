package relaypool

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

type verifyJob struct {
	sub *Subscription
	ev  RelayEvent
}

// verify checks an event's id and signature, using the configured override
// when one exists.
func (p *Pool) verify(evt *nostr.Event) error {
	if p.opts.Verifier != nil {
		return p.opts.Verifier(evt)
	}
	ok, err := evt.CheckSignature()
	if err != nil {
		return fmt.Errorf("failed to check signature: %w", err)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// enqueueVerify hands an already-delivered event to the background checker.
// It reports false when the queue is full so the caller can fall back to
// checking inline.
func (p *Pool) enqueueVerify(sub *Subscription, ev RelayEvent) bool {
	select {
	case p.verifyCh <- verifyJob{sub: sub, ev: ev}:
		return true
	default:
		return false
	}
}

// verifyLoop checks sampled-out events after delivery and retracts the ones
// that fail.
func (p *Pool) verifyLoop() {
	for {
		select {
		case job := <-p.verifyCh:
			if err := p.verify(job.ev.Event); err != nil {
				job.sub.invalidated(job.ev, err)
			}
		case <-p.ctx.Done():
			return
		}
	}
}
