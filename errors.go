package relaypool

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoRelays is returned when relay set resolution comes up empty:
	// no explicit relays, no usable hints, no outbox entries and no defaults.
	ErrNoRelays = errors.New("no relays available for this operation")

	// ErrNoSigner is returned by operations that must sign something when
	// the pool has no Signer configured.
	ErrNoSigner = errors.New("no signer configured")

	// ErrInvalidSignature is reported through OnInvalid for events that
	// fail the signature check.
	ErrInvalidSignature = errors.New("invalid signature")
)

// PublishError is returned by Publish when every targeted relay rejected or
// failed to acknowledge the event.
type PublishError struct {
	Results []PublishResult
}

func (pe *PublishError) Error() string {
	reasons := make([]string, len(pe.Results))
	for i, res := range pe.Results {
		if res.Err != nil {
			reasons[i] = res.Relay.URL() + ": " + res.Err.Error()
		} else {
			reasons[i] = res.Relay.URL() + ": " + res.Reason
		}
	}
	return fmt.Sprintf("event rejected by all %d relays: %s",
		len(pe.Results), strings.Join(reasons, "; "))
}
