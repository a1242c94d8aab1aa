package mediator_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ltransom/datacake/internal/clock"
	"github.com/ltransom/datacake/internal/lww"
	"github.com/ltransom/datacake/internal/mediator"
	"github.com/ltransom/datacake/internal/storage"
)

type keyspaceRegistry struct {
	kss map[string]*lww.Keyspace
}

func newRegistry() *keyspaceRegistry {
	return &keyspaceRegistry{kss: make(map[string]*lww.Keyspace)}
}

func (r *keyspaceRegistry) Get(name string) *lww.Keyspace {
	ks, ok := r.kss[name]
	if !ok {
		ks = lww.New(name)
		r.kss[name] = ks
	}
	return ks
}

func newMediator(t *testing.T) (*mediator.Mediator, *keyspaceRegistry, *storage.FileStore) {
	t.Helper()
	store, err := storage.OpenFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	reg := newRegistry()
	return mediator.New(store, reg, nil), reg, store
}

func TestMediatorPutCommitsToBothLayers(t *testing.T) {
	med, reg, store := newMediator(t)

	ts := clock.Timestamp{Hi: 10}
	decision, err := med.Put("widgets", 1, ts, []byte("v1"))
	require.NoError(t, err)
	require.Equal(t, mediator.Committed, decision)

	entry, ok := reg.Get("widgets").Get(1)
	require.True(t, ok)
	require.Equal(t, lww.Live, entry.State)

	doc, err := store.Get("widgets", 1)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), doc.Payload)
}

func TestMediatorRejectsStaleTimestamp(t *testing.T) {
	med, _, _ := newMediator(t)

	newer := clock.Timestamp{Hi: 20}
	older := clock.Timestamp{Hi: 10}

	decision, err := med.Put("widgets", 1, newer, []byte("new"))
	require.NoError(t, err)
	require.Equal(t, mediator.Committed, decision)

	decision, err = med.Put("widgets", 1, older, []byte("old"))
	require.NoError(t, err)
	require.Equal(t, mediator.Stale, decision)
}

func TestMediatorStaleWriteNeverTouchesC1(t *testing.T) {
	med, _, store := newMediator(t)

	newer := clock.Timestamp{Hi: 20}
	older := clock.Timestamp{Hi: 10}
	_, err := med.Put("widgets", 1, newer, []byte("new"))
	require.NoError(t, err)

	_, err = med.Put("widgets", 1, older, []byte("old"))
	require.NoError(t, err)

	doc, err := store.Get("widgets", 1)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), doc.Payload, "stale write must not overwrite C1")
}

func TestMediatorDelMarksTombstoneInBothLayers(t *testing.T) {
	med, reg, store := newMediator(t)

	_, err := med.Put("widgets", 1, clock.Timestamp{Hi: 10}, []byte("v1"))
	require.NoError(t, err)

	decision, err := med.Del("widgets", 1, clock.Timestamp{Hi: 20})
	require.NoError(t, err)
	require.Equal(t, mediator.Committed, decision)

	entry, ok := reg.Get("widgets").Get(1)
	require.True(t, ok)
	require.Equal(t, lww.Tombstoned, entry.State)

	doc, err := store.Get("widgets", 1)
	require.NoError(t, err)
	require.True(t, doc.Tombstone)
}

func TestMediatorPutManyPartitionsStaleAndCommitted(t *testing.T) {
	med, reg, _ := newMediator(t)

	_, err := med.Put("widgets", 1, clock.Timestamp{Hi: 50}, []byte("existing"))
	require.NoError(t, err)

	result := med.PutMany("widgets", []mediator.Mutation{
		{Key: 1, TS: clock.Timestamp{Hi: 10}, Payload: []byte("stale")}, // older than existing
		{Key: 2, TS: clock.Timestamp{Hi: 60}, Payload: []byte("fresh")},
	})

	require.Contains(t, result.Stale, uint64(1))
	require.Contains(t, result.Committed, uint64(2))
	require.Empty(t, result.Failed)

	entry, ok := reg.Get("widgets").Get(1)
	require.True(t, ok)
	require.Equal(t, []byte("existing"), entry.Payload, "stale bulk item must not regress the entry")
}

func TestMediatorDelManyAppliesPerKeyTimestamps(t *testing.T) {
	med, reg, _ := newMediator(t)

	result := med.DelMany("widgets", []mediator.Mutation{
		{Key: 1, TS: clock.Timestamp{Hi: 5}},
		{Key: 2, TS: clock.Timestamp{Hi: 9}},
	})

	require.ElementsMatch(t, []uint64{1, 2}, result.Committed)
	e1, _ := reg.Get("widgets").Get(1)
	e2, _ := reg.Get("widgets").Get(2)
	require.Equal(t, uint64(5), e1.TS.Hi)
	require.Equal(t, uint64(9), e2.TS.Hi)
}
