// Package badgerhints persists discovered relay lists in a badger database
// so a restarted pool doesn't have to rediscover where everybody writes.
package badgerhints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/fiatjaf/relaypool"
)

// HintDB keys relay hints by pubkey. Fill Path and call Init.
type HintDB struct {
	Path string

	*badger.DB
}

var _ relaypool.HintDB = (*HintDB)(nil)

func (h *HintDB) Init() error {
	db, err := badger.Open(badger.DefaultOptions(h.Path))
	if err != nil {
		return fmt.Errorf("failed to open badger at %s: %w", h.Path, err)
	}
	h.DB = db
	return nil
}

func (h *HintDB) LoadHints(ctx context.Context, pubkey string) (*relaypool.RelayHints, error) {
	var hints *relaypool.RelayHints
	err := h.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(pubkey))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			hints = &relaypool.RelayHints{}
			return json.Unmarshal(val, hints)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load hints for %s: %w", pubkey, err)
	}
	return hints, nil
}

func (h *HintDB) SaveHints(ctx context.Context, pubkey string, hints relaypool.RelayHints) error {
	val, err := json.Marshal(hints)
	if err != nil {
		return fmt.Errorf("failed to serialize hints: %w", err)
	}
	if err := h.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(pubkey), val)
	}); err != nil {
		return fmt.Errorf("failed to save hints for %s: %w", pubkey, err)
	}
	return nil
}
