package relaypool

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Signer produces signatures on behalf of the active identity. Publishing
// unsigned events and answering auth challenges both require one.
type Signer interface {
	PublicKey() string
	Sign(evt *nostr.Event) error
}

// KeySigner signs with a plain secret key held in memory.
type KeySigner struct {
	sk string
	pk string
}

func NewKeySigner(secretKey string) (KeySigner, error) {
	pk, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return KeySigner{}, fmt.Errorf("failed to derive public key: %w", err)
	}
	return KeySigner{sk: secretKey, pk: pk}, nil
}

func (s KeySigner) PublicKey() string { return s.pk }

func (s KeySigner) Sign(evt *nostr.Event) error { return evt.Sign(s.sk) }
