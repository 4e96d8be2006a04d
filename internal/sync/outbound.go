package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"happy-sync/internal/crypto"
	"happy-sync/internal/kv"
	"happy-sync/internal/model"
	"happy-sync/internal/queue"
	"happy-sync/internal/wire"
)

const ackTimeout = 15 * time.Second

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrOffline         = errors.New("transport offline")
)

type ackResponse struct {
	Success        bool           `json:"success"`
	Error          string         `json:"error"`
	CurrentVersion int            `json:"currentVersion"`
	CurrentState   map[string]any `json:"currentState"`
}

// SendMessage creates an optimistic local message, shows it immediately, and
// queues the send. The localId correlates the optimistic record with the
// server-confirmed copy when it arrives.
func (e *Engine) SendMessage(ctx context.Context, sessionID, text string) (string, error) {
	if _, ok := e.store.Session(sessionID); !ok {
		return "", ErrSessionNotFound
	}
	// Encrypt before touching any state so a failure leaves nothing behind.
	key, ok := e.keys.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("no key for session %s", sessionID)
	}
	ciphertext, err := crypto.EncryptJSON(key, encryptedMessageBody{
		T:    model.MessageKindUser,
		Text: text,
	})
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if _, ok := e.store.Session(sessionID); !ok {
		e.mu.Unlock()
		return "", ErrSessionNotFound
	}
	localID := uuid.NewString()
	now := e.clock()
	msg := &model.Message{
		ID:          "local-" + localID,
		LocalID:     localID,
		SessionID:   sessionID,
		Kind:        model.MessageKindUser,
		Text:        text,
		CreatedAt:   now,
		IsDecrypted: true,
	}
	result := e.reducerFor(sessionID).Apply([]*model.Message{msg}, nil)
	e.publishReducerResult(sessionID, result)
	e.mu.Unlock()

	e.queue.Enqueue(queue.Operation{
		Type:     queue.TypeMessage,
		Priority: queue.PriorityHigh,
		Data: map[string]any{
			"sessionId": sessionID,
			"localId":   localID,
			"content":   ciphertext,
		},
		Timestamp: now,
	})
	if e.emitter != nil && e.emitter.Connected() {
		go e.queue.ProcessQueue()
	}
	return localID, nil
}

// UpdateDraft stores the per-session draft locally; drafts never reach the
// server.
func (e *Engine) UpdateDraft(sessionID, draft string) error {
	if e.mirror == nil {
		return nil
	}
	now := e.clock()
	if err := e.mirror.Update(sessionID, now, func(st *kv.SessionLocalState) {
		st.Draft = draft
	}); err != nil {
		return err
	}
	e.store.MutateSession(sessionID, func(s *model.Session) bool {
		if s.Draft == draft {
			return false
		}
		s.Draft = draft
		return true
	})
	return nil
}

// SetPermissionMode records a locally-chosen permission mode with its own
// timestamp so it wins over server-inferred values until a newer signal.
func (e *Engine) SetPermissionMode(sessionID, mode string) error {
	now := e.clock()
	if e.mirror != nil {
		if err := e.mirror.Update(sessionID, now, func(st *kv.SessionLocalState) {
			st.PermissionMode = mode
			st.PermissionModeUpdatedAt = now
		}); err != nil {
			return err
		}
	}
	e.store.MutateSession(sessionID, func(s *model.Session) bool {
		if s.PermissionMode == mode {
			return false
		}
		s.PermissionMode = mode
		s.PermissionModeUpdatedAt = now
		return true
	})

	e.queue.Enqueue(queue.Operation{
		Type:     queue.TypeStateUpdate,
		Priority: queue.PriorityMedium,
		Data: map[string]any{
			"sessionId":      sessionID,
			"permissionMode": mode,
			"lastModified":   now,
		},
		Timestamp: now,
	})
	return nil
}

// ResumeSession asks the agent side to resume a stopped session. Direct,
// not connectivity-queued.
func (e *Engine) ResumeSession(ctx context.Context, sessionID string) error {
	if _, ok := e.store.Session(sessionID); !ok {
		return ErrSessionNotFound
	}
	if e.emitter == nil || !e.emitter.Connected() {
		return ErrOffline
	}
	args, err := e.emitter.EmitWithAck(ctx, "resume-session", map[string]string{"sid": sessionID})
	if err != nil {
		return err
	}
	if resp, ok := parseAck(args); ok && !resp.Success {
		return fmt.Errorf("resume rejected: %s", resp.Error)
	}
	return nil
}

// MarkViewed advances the local read-state watermark for a session and
// repairs it against the server-confirmed ceiling when needed.
func (e *Engine) MarkViewed(ctx context.Context, sessionID string) error {
	sess, ok := e.store.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	now := e.clock()
	if e.mirror != nil {
		if err := e.mirror.Update(sessionID, now, func(st *kv.SessionLocalState) {
			st.LastViewedAt = now
		}); err != nil {
			return err
		}
	}
	e.store.MutateSession(sessionID, func(s *model.Session) bool {
		s.LastViewedAt = now
		return true
	})
	return e.RepairReadStateFor(ctx, sessionID, sess.Seq, sess.ActiveAt)
}

// RepairReadStateFor reconciles the persisted read state against the
// server-confirmed upper bound, at most once concurrently per session. The
// repair performs a remote read-modify-write, so attempts are deduped
// through the guard.
func (e *Engine) RepairReadStateFor(ctx context.Context, sessionID string, upperBound, pendingActivityAt int64) error {
	var prev *model.ReadStateV1
	if e.mirror != nil {
		if st, ok := e.mirror.Get(sessionID); ok {
			prev = st.ReadState
		}
	}

	now := e.clock()
	didChange, next := RepairReadState(prev, upperBound, pendingActivityAt, now)
	if !didChange {
		return nil
	}
	if !e.guard.Begin(sessionID) {
		return nil
	}

	succeeded := false
	defer func() { e.guard.Done(sessionID, succeeded) }()

	if e.rest != nil {
		err := e.rest.UpdateReadState(ctx, sessionID, map[string]any{
			"sessionSeq":        next.SessionSeq,
			"pendingActivityAt": next.PendingActivityAt,
			"updatedAt":         next.UpdatedAt,
		})
		if err != nil {
			return err
		}
	}

	// The store may have mutated while the remote write was in flight.
	if _, ok := e.store.Session(sessionID); !ok {
		succeeded = true
		return nil
	}
	if e.mirror != nil {
		if err := e.mirror.Update(sessionID, now, func(st *kv.SessionLocalState) {
			st.ReadState = &next
		}); err != nil {
			return err
		}
	}
	succeeded = true
	return nil
}

// Bootstrap performs the full-list fetches that seed the replica.
func (e *Engine) Bootstrap(ctx context.Context) error {
	if err := e.Refetch(ctx); err != nil {
		return err
	}
	if e.rest == nil {
		return nil
	}

	machines, err := e.rest.ListMachines(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	for _, rec := range machines {
		e.applyMachineRecord(rec.ID, rec.Metadata, rec.MetadataVersion, rec.DaemonState, rec.DaemonStateVersion, rec.DataEncryptionKey, rec.CreatedAt, rec.UpdatedAt)
	}
	e.mu.Unlock()

	artifacts, err := e.rest.ListArtifacts(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	for _, rec := range artifacts {
		payload := wire.ArtifactPayload{
			ID:        rec.ID,
			Header:    wire.VersionedString{Value: rec.Header, Version: rec.HeaderVersion},
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		}
		if rec.Body != nil {
			payload.Body = &wire.VersionedString{Value: *rec.Body, Version: rec.BodyVersion}
		}
		e.applyNewArtifact(&payload)
	}
	e.mu.Unlock()
	return nil
}

// Refetch re-seeds the session table from the full-list endpoint. Local-only
// fields survive; seq never moves backward.
func (e *Engine) Refetch(ctx context.Context) error {
	if e.rest == nil {
		return nil
	}
	records, err := e.rest.ListSessions(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range records {
		rec := &records[i]
		if rec.DataEncryptionKey != nil {
			if key, ok := crypto.OpenSealedKey(e.boxPub, e.boxPriv, *rec.DataEncryptionKey); ok {
				e.keys.Put(rec.ID, key)
			}
		}

		existing, seen := e.store.Session(rec.ID)
		sess := model.Session{
			ID:        rec.ID,
			Seq:       rec.Seq,
			Active:    rec.Active,
			ActiveAt:  rec.ActiveAt,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		}
		if seen {
			if existing.Seq > sess.Seq {
				sess.Seq = existing.Seq
			}
			sess.Draft = existing.Draft
			sess.PermissionMode = existing.PermissionMode
			sess.PermissionModeUpdatedAt = existing.PermissionModeUpdatedAt
			sess.ModelMode = existing.ModelMode
			sess.LastViewedAt = existing.LastViewedAt
		}

		var agentState *wire.VersionedString
		if rec.AgentState != nil {
			agentState = &wire.VersionedString{Value: *rec.AgentState, Version: rec.AgentStateVersion}
		}
		e.decryptSessionDocs(&sess, &wire.VersionedString{Value: rec.Metadata, Version: rec.MetadataVersion}, agentState)
		if !seen {
			e.loadLocalState(&sess)
		}
		e.store.PutSession(sess)

		if sess.AgentState != nil {
			result := e.reducerFor(sess.ID).Apply(nil, sess.AgentState)
			e.publishReducerResult(sess.ID, result)
		}
	}
	return nil
}

func (e *Engine) applyMachineRecord(id, metadata string, metadataVersion int, daemonState *string, daemonStateVersion int, sealedKey *string, createdAt, updatedAt int64) {
	if sealedKey != nil {
		if key, ok := crypto.OpenSealedKey(e.boxPub, e.boxPriv, *sealedKey); ok {
			e.keys.Put(id, key)
		}
	}
	m := model.Machine{ID: id, CreatedAt: createdAt, UpdatedAt: updatedAt}
	if key, ok := e.keys.Get(id); ok {
		var md map[string]any
		m.MetadataDecrypted = crypto.DecryptJSON(key, metadata, &md)
		if m.MetadataDecrypted {
			m.Metadata = md
		}
		m.MetadataVersion = metadataVersion
		if daemonState != nil {
			var ds map[string]any
			m.DaemonStateDecrypted = crypto.DecryptJSON(key, *daemonState, &ds)
			if m.DaemonStateDecrypted {
				m.DaemonState = ds
			}
			m.DaemonStateVersion = daemonStateVersion
		}
	}
	e.store.PutMachine(m)
}

// loadLocalState hydrates a session's locally-owned fields from the mirror.
func (e *Engine) loadLocalState(sess *model.Session) {
	if e.mirror == nil {
		return
	}
	st, ok := e.mirror.Get(sess.ID)
	if !ok {
		return
	}
	sess.Draft = st.Draft
	sess.PermissionMode = st.PermissionMode
	sess.PermissionModeUpdatedAt = st.PermissionModeUpdatedAt
	sess.ModelMode = st.ModelMode
	sess.LastViewedAt = st.LastViewedAt
}

// applyActivity is the debounced sink for ephemeral signals.
func (e *Engine) applyActivity(ev wire.Ephemeral) {
	switch ev.Type {
	case "activity":
		e.store.MutateSession(ev.ID, func(s *model.Session) bool {
			changed := false
			if s.Active != ev.Active {
				s.Active = ev.Active
				changed = true
			}
			if ev.ActiveAt > s.ActiveAt {
				s.ActiveAt = ev.ActiveAt
				changed = true
			}
			if s.Thinking != ev.Thinking {
				s.Thinking = ev.Thinking
				if ev.Thinking {
					s.ThinkingAt = e.clock()
				}
				changed = true
			}
			return changed
		})
	case "machine-activity":
		e.store.MutateMachine(ev.ID, func(m *model.Machine) bool {
			changed := false
			if m.Active != ev.Active {
				m.Active = ev.Active
				changed = true
			}
			if ev.ActiveAt > m.ActiveAt {
				m.ActiveAt = ev.ActiveAt
				changed = true
			}
			return changed
		})
	}
}

// Close cancels the engine's timers.
func (e *Engine) Close() {
	e.activity.stop()
}

func (e *Engine) registerExecutors() {
	e.queue.RegisterExecutor(queue.TypeMessage, func(op queue.Operation) (queue.ExecResult, error) {
		if e.emitter == nil || !e.emitter.Connected() {
			return queue.ExecResult{}, ErrOffline
		}
		ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		defer cancel()
		args, err := e.emitter.EmitWithAck(ctx, "message", map[string]any{
			"sid":     op.Data["sessionId"],
			"localId": op.Data["localId"],
			"content": op.Data["content"],
		})
		if err != nil {
			return queue.ExecResult{}, err
		}
		if resp, ok := parseAck(args); ok && !resp.Success {
			return queue.ExecResult{}, fmt.Errorf("message rejected: %s", resp.Error)
		}
		return queue.ExecResult{Success: true}, nil
	})

	e.queue.RegisterExecutor(queue.TypeStateUpdate, func(op queue.Operation) (queue.ExecResult, error) {
		if e.emitter == nil || !e.emitter.Connected() {
			return queue.ExecResult{}, ErrOffline
		}
		ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		defer cancel()
		args, err := e.emitter.EmitWithAck(ctx, "update-state", op.Data)
		if err != nil {
			return queue.ExecResult{}, err
		}
		resp, ok := parseAck(args)
		if !ok {
			return queue.ExecResult{Success: true}, nil
		}
		if resp.Success {
			return queue.ExecResult{Success: true}, nil
		}
		if resp.Error == "version-mismatch" {
			return queue.ExecResult{Conflict: true, ConflictData: resp.CurrentState}, nil
		}
		return queue.ExecResult{}, fmt.Errorf("state update rejected: %s", resp.Error)
	})

	e.queue.RegisterExecutor(queue.TypeUserAction, func(op queue.Operation) (queue.ExecResult, error) {
		if e.emitter == nil || !e.emitter.Connected() {
			return queue.ExecResult{}, ErrOffline
		}
		ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		defer cancel()
		args, err := e.emitter.EmitWithAck(ctx, "user-action", op.Data)
		if err != nil {
			return queue.ExecResult{}, err
		}
		if resp, ok := parseAck(args); ok && !resp.Success {
			if resp.Error == "conflict" {
				return queue.ExecResult{Conflict: true, ConflictData: resp.CurrentState}, nil
			}
			return queue.ExecResult{}, fmt.Errorf("action rejected: %s", resp.Error)
		}
		return queue.ExecResult{Success: true}, nil
	})
}

func parseAck(args []json.RawMessage) (ackResponse, bool) {
	if len(args) == 0 {
		return ackResponse{}, false
	}
	var resp ackResponse
	if err := json.Unmarshal(args[0], &resp); err != nil {
		return ackResponse{}, false
	}
	return resp, true
}
