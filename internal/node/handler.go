// Package node wires the Store Mediator (C4) and Anti-Entropy Engine (C8)
// into one transport.Handler: the single entry point every inbound RPC
// (peer replication, anti-entropy, membership ping) lands on, regardless of
// which concrete transport (grpcrpc or local) delivered it.
package node

import (
	"context"
	"fmt"

	"github.com/ltransom/datacake/internal/antientropy"
	"github.com/ltransom/datacake/internal/mediator"
	"github.com/ltransom/datacake/internal/transport"
)

// Handler answers every transport.Handler RPC by delegating to the local
// Mediator for writes and the Anti-Entropy Engine for reconciliation.
type Handler struct {
	selfID string
	dcTag  string
	med    *mediator.Mediator
	engine *antientropy.Engine
}

// New builds a Handler. selfID/dcTag are only echoed back on Ping.
func New(selfID, dcTag string, med *mediator.Mediator, engine *antientropy.Engine) *Handler {
	return &Handler{selfID: selfID, dcTag: dcTag, med: med, engine: engine}
}

func (h *Handler) Replicate(ctx context.Context, msg transport.ReplicateMsg) error {
	_, err := h.med.Put(msg.Keyspace, msg.Key, msg.TS, msg.Payload)
	return err
}

func (h *Handler) ReplicateTombstone(ctx context.Context, msg transport.ReplicateTombstoneMsg) error {
	_, err := h.med.Del(msg.Keyspace, msg.Key, msg.TS)
	return err
}

// ReplicateBatch applies every entry of msg and reports all-or-nothing
// success for the whole chunk (spec §4.5: "per-peer ack is all-or-nothing
// for its chunk"). A per-key Stale decision is not a failure — it means the
// sender's write already lost to a newer one this peer holds.
func (h *Handler) ReplicateBatch(ctx context.Context, msg transport.ReplicateBatchMsg) (transport.BatchResult, error) {
	for _, e := range msg.Entries {
		var err error
		if e.Tombstone {
			_, err = h.med.Del(msg.Keyspace, e.Key, e.TS)
		} else {
			_, err = h.med.Put(msg.Keyspace, e.Key, e.TS, e.Payload)
		}
		if err != nil {
			return transport.BatchResult{Applied: false, Reason: fmt.Sprintf("key %d: %v", e.Key, err)}, nil
		}
	}
	return transport.BatchResult{Applied: true}, nil
}

func (h *Handler) Summary(ctx context.Context, req transport.SummaryRequest) (transport.SummaryReply, error) {
	return h.engine.Summary(ctx, req)
}

func (h *Handler) KeySet(ctx context.Context, req transport.KeySetRequest) (transport.KeySetReply, error) {
	return h.engine.KeySet(ctx, req)
}

func (h *Handler) Fetch(ctx context.Context, req transport.FetchRequest) (transport.FetchReply, error) {
	return h.engine.Fetch(ctx, req)
}

func (h *Handler) Ping(ctx context.Context, msg transport.PingMsg) (transport.PingReply, error) {
	return transport.PingReply{SelfID: h.selfID, DCTag: h.dcTag}, nil
}
