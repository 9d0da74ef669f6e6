package relaypool

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// dedupKey collapses multiple deliveries of logically-the-same event:
// replaceable events are keyed by kind and author, addressable events also
// by their "d" tag, everything else by the event id itself.
func dedupKey(evt *nostr.Event) string {
	switch {
	case nostr.IsReplaceableKind(evt.Kind):
		return fmt.Sprintf("%d:%s", evt.Kind, evt.PubKey)
	case nostr.IsAddressableKind(evt.Kind):
		return fmt.Sprintf("%d:%s:%s", evt.Kind, evt.PubKey, evt.Tags.GetD())
	default:
		return evt.ID
	}
}

// isNewer says whether next supersedes previous under latest-wins merge:
// greatest created_at wins, ties are broken by the greatest id.
func isNewer(previous, next *nostr.Event) bool {
	return next.CreatedAt > previous.CreatedAt ||
		(next.CreatedAt == previous.CreatedAt && next.ID > previous.ID)
}
