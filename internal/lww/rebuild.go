package lww

import (
	"fmt"

	"github.com/ltransom/datacake/internal/storage"
)

// Rebuild repopulates registry from store's durable metadata, per spec §6:
// "on startup, C3 is rebuilt by scanning iter_metadata per keyspace." It
// walks every keyspace store has ever seen a write for, and for each live
// key fetches the actual payload too (IterMetadata itself stays
// metadata-only and cheap; Rebuild pays the payload cost once, at startup,
// so every later anti-entropy push of a key this node already held before
// the restart can still serve it straight out of C3 without detouring
// through the store).
func Rebuild(store storage.Store, registry *Registry) error {
	names, err := store.ListKeyspaces()
	if err != nil {
		return fmt.Errorf("lww: rebuild: list keyspaces: %w", err)
	}

	for _, name := range names {
		metas, err := store.IterMetadata(name)
		if err != nil {
			return fmt.Errorf("lww: rebuild: iter_metadata(%s): %w", name, err)
		}

		keyspace := registry.Get(name)
		for _, m := range metas {
			if m.Tombstone {
				keyspace.Upsert(m.Key, m.TS, Tombstoned, nil)
				continue
			}
			doc, err := store.Get(name, m.Key)
			if err != nil {
				return fmt.Errorf("lww: rebuild: get(%s, %d): %w", name, m.Key, err)
			}
			keyspace.Upsert(m.Key, m.TS, Live, doc.Payload)
		}
	}
	return nil
}
