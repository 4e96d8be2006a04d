// Package sync is the client-side synchronization engine: it merges inbound
// update envelopes into the canonical store and keeps per-session sequence
// and read-state bookkeeping consistent under redelivery.
package sync

import (
	stdsync "sync"

	"happy-sync/internal/model"
	"happy-sync/internal/wire"
)

// NextSessionSeq computes the next monotonic per-session seq. Session
// metadata updates never advance the message timeline; new-message updates
// advance it to max(current, messageSeq). Applying the same update twice
// yields the same seq.
func NextSessionSeq(currentSeq int64, updateKind string, messageSeq *int64) int64 {
	if updateKind != wire.KindNewMessage {
		return currentSeq
	}
	if messageSeq == nil {
		return currentSeq
	}
	if *messageSeq > currentSeq {
		return *messageSeq
	}
	return currentSeq
}

// RepairReadState reconciles a read-state watermark against the
// server-confirmed upper bound. A watermark past the ceiling (e.g. after an
// account reset) is pulled back; otherwise values only move forward.
func RepairReadState(prev *model.ReadStateV1, sessionSeqUpperBound, pendingActivityAt, now int64) (didChange bool, next model.ReadStateV1) {
	if prev == nil {
		return true, model.ReadStateV1{
			SessionSeq:        sessionSeqUpperBound,
			PendingActivityAt: pendingActivityAt,
			UpdatedAt:         now,
		}
	}

	needsRepair := prev.SessionSeq > sessionSeqUpperBound

	nextSeq := prev.SessionSeq
	if needsRepair {
		nextSeq = sessionSeqUpperBound
	} else if sessionSeqUpperBound > nextSeq {
		nextSeq = sessionSeqUpperBound
	}

	nextPending := prev.PendingActivityAt
	if pendingActivityAt > nextPending {
		nextPending = pendingActivityAt
	}

	if !needsRepair && nextSeq == prev.SessionSeq && nextPending == prev.PendingActivityAt {
		return false, *prev
	}
	return true, model.ReadStateV1{
		SessionSeq:        nextSeq,
		PendingActivityAt: nextPending,
		UpdatedAt:         now,
	}
}

// RepairGuard dedupes read-state repairs per session. The repair performs a
// remote read-modify-write, so it must run at most once concurrently per
// session: Begin refuses ids that are in flight or already attempted.
type RepairGuard struct {
	mu        stdsync.Mutex
	attempted map[string]struct{}
	inFlight  map[string]struct{}
}

func NewRepairGuard() *RepairGuard {
	return &RepairGuard{
		attempted: make(map[string]struct{}),
		inFlight:  make(map[string]struct{}),
	}
}

// Begin claims a session for repair. Returns false if a repair is in flight
// or was already attempted.
func (g *RepairGuard) Begin(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.attempted[sessionID]; ok {
		return false
	}
	if _, ok := g.inFlight[sessionID]; ok {
		return false
	}
	g.inFlight[sessionID] = struct{}{}
	return true
}

// Done records the attempt's completion. Failed attempts may be retried.
func (g *RepairGuard) Done(sessionID string, succeeded bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, sessionID)
	if succeeded {
		g.attempted[sessionID] = struct{}{}
	}
}

// Reset forgets attempt history, e.g. after logout.
func (g *RepairGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempted = make(map[string]struct{})
	g.inFlight = make(map[string]struct{})
}
