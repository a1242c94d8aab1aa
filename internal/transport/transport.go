// Package transport defines the RPC Surface contract (C10): the message
// shapes peers exchange and the interfaces a concrete transport must
// implement. Delivery is at-least-once; callers (C7, C8) are responsible
// for idempotence, which the LWW rule already gives them for free.
package transport

import (
	"context"

	"github.com/ltransom/datacake/internal/clock"
)

// ReplicateMsg carries one live write (spec §4.5 step 4).
type ReplicateMsg struct {
	Keyspace string
	Key      uint64
	TS       clock.Timestamp
	Payload  []byte
}

// ReplicateTombstoneMsg carries one tombstone write.
type ReplicateTombstoneMsg struct {
	Keyspace string
	Key      uint64
	TS       clock.Timestamp
}

// BatchEntry is one item of a ReplicateBatchMsg.
type BatchEntry struct {
	Key       uint64
	TS        clock.Timestamp
	Payload   []byte // nil for tombstones
	Tombstone bool
}

// ReplicateBatchMsg is the chunked bulk-write RPC of spec §4.5 (put_many /
// del_many): "each peer receives a batched RPC; per-peer ack is all-or-
// nothing for its chunk."
type ReplicateBatchMsg struct {
	Keyspace string
	Entries  []BatchEntry
}

// BatchResult is the all-or-nothing response to a ReplicateBatchMsg.
type BatchResult struct {
	Applied bool
	Reason  string // populated when Applied is false
}

// SummaryRequest/SummaryReply implement anti-entropy Phase 1 (spec §4.6).
type SummaryRequest struct {
	Keyspace string
}

type SummaryReply struct {
	Fingerprint uint64
	MaxTS       clock.Timestamp
	Count       int
}

// KeySetEntry is one (key, ts, tombstone) triple exchanged in Phase 2.
type KeySetEntry struct {
	Key       uint64
	TS        clock.Timestamp
	Tombstone bool
}

// KeySetRequest asks the responder for every entry newer than Since within
// Keyspace (spec §4.6 Phase 2's overlap-window bound).
type KeySetRequest struct {
	Keyspace string
	Since    clock.Timestamp
}

type KeySetReply struct {
	Entries []KeySetEntry
}

// FetchRequest asks the responder for payloads of the listed keys (spec
// §4.6 Phase 3's pull-set request).
type FetchRequest struct {
	Keyspace string
	Keys     []uint64
}

// FetchedDoc is one payload returned by Fetch; tombstones are never fetched
// since they carry no body.
type FetchedDoc struct {
	Key     uint64
	TS      clock.Timestamp
	Payload []byte
}

type FetchReply struct {
	Docs []FetchedDoc
}

// PingMsg is an optional membership keepalive (spec §6).
type PingMsg struct {
	SelfID string
	DCTag  string
}

type PingReply struct {
	SelfID string
	DCTag  string
}

// Handler is implemented by whatever local logic answers RPCs arriving from
// a peer: the Store Mediator for Replicate*/ReplicateBatch, the
// Anti-Entropy Engine for Summary/KeySet/Fetch, and the node's own identity
// for Ping, composed by internal/node.Handler. A transport delivers every
// inbound call here.
type Handler interface {
	Replicate(ctx context.Context, msg ReplicateMsg) error
	ReplicateTombstone(ctx context.Context, msg ReplicateTombstoneMsg) error
	ReplicateBatch(ctx context.Context, msg ReplicateBatchMsg) (BatchResult, error)
	Summary(ctx context.Context, req SummaryRequest) (SummaryReply, error)
	KeySet(ctx context.Context, req KeySetRequest) (KeySetReply, error)
	Fetch(ctx context.Context, req FetchRequest) (FetchReply, error)
	Ping(ctx context.Context, msg PingMsg) (PingReply, error)
}

// Peer is a handle to one remote node: every Handler method, dialed lazily
// and pooled by the concrete transport (spec §5: "transport connections are
// pooled per peer, created lazily, and closed on peer leave").
type Peer interface {
	Handler
	Close() error
}

// Dialer opens (or returns a pooled) Peer connection for a node address.
// Concrete implementations: transport/local (in-process, for deterministic
// tests) and transport/grpcrpc (the real network transport).
type Dialer interface {
	Dial(ctx context.Context, addr string) (Peer, error)
	// CloseAll tears down every pooled connection, called on shutdown.
	CloseAll() error
}

// Server accepts inbound RPCs and delivers them to a Handler.
type Server interface {
	Serve(ctx context.Context, addr string) error
	Stop() error
}
