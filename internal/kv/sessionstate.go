package kv

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"happy-sync/internal/model"
)

const sessionStatePrefix = "session-state:"

// SessionLocalState holds the locally-owned per-session fields that are never
// sent to the server.
type SessionLocalState struct {
	Draft                   string             `json:"draft,omitempty"`
	PermissionMode          string             `json:"permissionMode,omitempty"`
	PermissionModeUpdatedAt int64              `json:"permissionModeUpdatedAt,omitempty"`
	ModelMode               string             `json:"modelMode,omitempty"`
	LastViewedAt            int64              `json:"lastViewedAt,omitempty"`
	ReadState               *model.ReadStateV1 `json:"readState,omitempty"`
}

// SessionStateMirror keeps every persisted SessionLocalState in memory for
// O(1) access, writing through to the durable store on mutation.
type SessionStateMirror struct {
	mu    sync.RWMutex
	store *Store
	log   *slog.Logger
	state map[string]SessionLocalState
}

// LoadSessionStateMirror reads all persisted per-session state once at
// startup. Undecodable entries are dropped and logged, never fatal.
func LoadSessionStateMirror(store *Store, log *slog.Logger) (*SessionStateMirror, error) {
	if log == nil {
		log = slog.Default()
	}
	entries, err := store.List(sessionStatePrefix)
	if err != nil {
		return nil, err
	}

	m := &SessionStateMirror{
		store: store,
		log:   log.With("component", "session-state"),
		state: make(map[string]SessionLocalState, len(entries)),
	}
	for key, value := range entries {
		sessionID := strings.TrimPrefix(key, sessionStatePrefix)
		var st SessionLocalState
		if err := json.Unmarshal(value, &st); err != nil {
			m.log.Warn("dropping undecodable session state", "sessionId", sessionID, "err", err)
			continue
		}
		m.state[sessionID] = st
	}
	return m, nil
}

func (m *SessionStateMirror) Get(sessionID string) (SessionLocalState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.state[sessionID]
	return st, ok
}

// Update applies fn to the session's local state and writes the result
// through to the durable store.
func (m *SessionStateMirror) Update(sessionID string, nowMillis int64, fn func(*SessionLocalState)) error {
	m.mu.Lock()
	st := m.state[sessionID]
	fn(&st)
	m.state[sessionID] = st
	m.mu.Unlock()

	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return m.store.Set(sessionStatePrefix+sessionID, data, nowMillis)
}

// Forget removes a session's local state, e.g. after delete-session.
func (m *SessionStateMirror) Forget(sessionID string) error {
	m.mu.Lock()
	delete(m.state, sessionID)
	m.mu.Unlock()
	return m.store.Delete(sessionStatePrefix + sessionID)
}
