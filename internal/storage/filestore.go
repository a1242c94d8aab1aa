package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ltransom/datacake/internal/clock"
)

// FileStore is the reference Store implementation: one append-only WAL per
// keyspace under dataDir, replayed into an in-memory map on open. It is
// grounded in the teacher's store.WAL/store.Snapshot pair, generalized from
// a single global log to one log per keyspace so ListKeyspaces and
// per-keyspace IterMetadata stay cheap.
//
// This is not a database: there is no compaction, no indexing beyond the
// in-memory map, and payload bytes stay resident in memory for the lifetime
// of the process. It exists to give C1 a runnable implementor, not to be a
// production store (spec.md explicitly excludes a concrete SQL-backed one).
type FileStore struct {
	dataDir string

	mu   sync.RWMutex
	kss  map[string]*ksFile
}

type ksFile struct {
	mu   sync.Mutex
	docs map[uint64]Document
	wal  *walLog
	path string
}

// OpenFileStore opens (creating if needed) a FileStore rooted at dataDir,
// replaying every existing keyspace's log.
func OpenFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("storage: create data dir: %w", err)
	}
	fs := &FileStore{
		dataDir: dataDir,
		kss:     make(map[string]*ksFile),
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("storage: read data dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".wal" {
			continue
		}
		name := e.Name()[:len(e.Name())-len(".wal")]
		if _, err := fs.open(name); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

func (fs *FileStore) open(ks string) (*ksFile, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if kf, ok := fs.kss[ks]; ok {
		return kf, nil
	}

	path := filepath.Join(fs.dataDir, ks+".wal")
	w, err := openWAL(path)
	if err != nil {
		return nil, fmt.Errorf("storage: open wal for %q: %w", ks, err)
	}
	entries, err := w.readAll()
	if err != nil {
		return nil, fmt.Errorf("storage: replay wal for %q: %w", ks, err)
	}

	kf := &ksFile{
		docs: make(map[uint64]Document, len(entries)),
		wal:  w,
		path: path,
	}
	for _, e := range entries {
		switch e.Op {
		case walOpPut:
			kf.docs[e.Key] = Document{Key: e.Key, TS: e.timestamp(), Payload: e.Payload}
		case walOpDel:
			kf.docs[e.Key] = Document{Key: e.Key, TS: e.timestamp(), Tombstone: true}
		case walOpPurge:
			delete(kf.docs, e.Key)
		}
	}
	fs.kss[ks] = kf
	return kf, nil
}

func (fs *FileStore) Get(ks string, key uint64) (Document, error) {
	kf, err := fs.open(ks)
	if err != nil {
		return Document{}, &StorageError{Op: "Get", Key: key, Err: err}
	}
	kf.mu.Lock()
	defer kf.mu.Unlock()
	doc, ok := kf.docs[key]
	if !ok {
		return Document{}, &StorageError{Op: "Get", Key: key, Err: ErrNotFound}
	}
	return doc, nil
}

func (fs *FileStore) MultiGet(ks string, keys []uint64) ([]Document, error) {
	kf, err := fs.open(ks)
	if err != nil {
		return nil, &StorageError{Op: "MultiGet", Err: err}
	}
	kf.mu.Lock()
	defer kf.mu.Unlock()
	out := make([]Document, 0, len(keys))
	for _, k := range keys {
		if doc, ok := kf.docs[k]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (fs *FileStore) Put(ks string, doc Document) error {
	kf, err := fs.open(ks)
	if err != nil {
		return &StorageError{Op: "Put", Key: doc.Key, Err: err}
	}
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if err := kf.wal.append(walEntry{Op: walOpPut, Key: doc.Key, TSHi: doc.TS.Hi, TSLo: doc.TS.Lo, Payload: doc.Payload}); err != nil {
		return &StorageError{Op: "Put", Key: doc.Key, Err: err}
	}
	kf.docs[doc.Key] = doc
	return nil
}

func (fs *FileStore) MultiPut(ks string, docs []Document) error {
	kf, err := fs.open(ks)
	if err != nil {
		return &BulkMutationError{Errored: failAll(docKeys(docs), err)}
	}
	kf.mu.Lock()
	defer kf.mu.Unlock()

	var ok []uint64
	var bad []FailedKey
	for _, doc := range docs {
		if err := kf.wal.append(walEntry{Op: walOpPut, Key: doc.Key, TSHi: doc.TS.Hi, TSLo: doc.TS.Lo, Payload: doc.Payload}); err != nil {
			bad = append(bad, FailedKey{Key: doc.Key, Err: err})
			continue
		}
		kf.docs[doc.Key] = doc
		ok = append(ok, doc.Key)
	}
	if len(bad) > 0 {
		return &BulkMutationError{Succeeded: ok, Errored: bad}
	}
	return nil
}

func (fs *FileStore) MarkTombstone(ks string, key uint64, ts clock.Timestamp) error {
	kf, err := fs.open(ks)
	if err != nil {
		return &StorageError{Op: "MarkTombstone", Key: key, Err: err}
	}
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if err := kf.wal.append(walEntry{Op: walOpDel, Key: key, TSHi: ts.Hi, TSLo: ts.Lo, Tombstone: true}); err != nil {
		return &StorageError{Op: "MarkTombstone", Key: key, Err: err}
	}
	kf.docs[key] = Document{Key: key, TS: ts, Tombstone: true}
	return nil
}

func (fs *FileStore) MultiMarkTombstone(ks string, tombstones []Tombstone) error {
	kf, err := fs.open(ks)
	if err != nil {
		return &BulkMutationError{Errored: failAll(tombstoneKeys(tombstones), err)}
	}
	kf.mu.Lock()
	defer kf.mu.Unlock()

	var ok []uint64
	var bad []FailedKey
	for _, tomb := range tombstones {
		if err := kf.wal.append(walEntry{Op: walOpDel, Key: tomb.Key, TSHi: tomb.TS.Hi, TSLo: tomb.TS.Lo, Tombstone: true}); err != nil {
			bad = append(bad, FailedKey{Key: tomb.Key, Err: err})
			continue
		}
		kf.docs[tomb.Key] = Document{Key: tomb.Key, TS: tomb.TS, Tombstone: true}
		ok = append(ok, tomb.Key)
	}
	if len(bad) > 0 {
		return &BulkMutationError{Succeeded: ok, Errored: bad}
	}
	return nil
}

func (fs *FileStore) IterMetadata(ks string) ([]Meta, error) {
	kf, err := fs.open(ks)
	if err != nil {
		return nil, &StorageError{Op: "IterMetadata", Err: err}
	}
	kf.mu.Lock()
	defer kf.mu.Unlock()
	out := make([]Meta, 0, len(kf.docs))
	for _, doc := range kf.docs {
		out = append(out, Meta{Key: doc.Key, TS: doc.TS, Tombstone: doc.Tombstone})
	}
	return out, nil
}

func (fs *FileStore) PurgeTombstones(ks string, keys []uint64) error {
	kf, err := fs.open(ks)
	if err != nil {
		return &StorageError{Op: "PurgeTombstones", Err: err}
	}
	kf.mu.Lock()
	defer kf.mu.Unlock()
	for _, key := range keys {
		doc, ok := kf.docs[key]
		if !ok || !doc.Tombstone {
			continue
		}
		if err := kf.wal.append(walEntry{Op: walOpPurge, Key: key}); err != nil {
			return &StorageError{Op: "PurgeTombstones", Key: key, Err: err}
		}
		delete(kf.docs, key)
	}
	return nil
}

func (fs *FileStore) ListKeyspaces() ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make([]string, 0, len(fs.kss))
	for name := range fs.kss {
		out = append(out, name)
	}
	return out, nil
}

func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var firstErr error
	for _, kf := range fs.kss {
		if err := kf.wal.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func docKeys(docs []Document) []uint64 {
	out := make([]uint64, len(docs))
	for i, d := range docs {
		out[i] = d.Key
	}
	return out
}

func tombstoneKeys(tombstones []Tombstone) []uint64 {
	out := make([]uint64, len(tombstones))
	for i, t := range tombstones {
		out[i] = t.Key
	}
	return out
}

func failAll(keys []uint64, err error) []FailedKey {
	out := make([]FailedKey, len(keys))
	for i, k := range keys {
		out[i] = FailedKey{Key: k, Err: err}
	}
	return out
}
