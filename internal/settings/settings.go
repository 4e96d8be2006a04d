// Package settings keeps the single versioned settings document in sync with
// the server using optimistic concurrency: apply locally first, push with the
// expected version, merge-and-retry on mismatch.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"happy-sync/internal/kv"
	"happy-sync/internal/store"
)

const (
	maxPushRetries = 3
	kvKey          = "account-settings"
)

// PushResult is the server's answer to a settings POST.
type PushResult struct {
	Success  bool
	Mismatch bool
	Version  int
	Settings map[string]any
}

// Poster submits the settings document with an expected version.
type Poster interface {
	PostSettings(ctx context.Context, settings map[string]any, expectedVersion int) (PushResult, error)
}

// TerminalError reports an exhausted push loop with enough context to render
// a user-facing message. It is never retried automatically.
type TerminalError struct {
	Attempts        int
	ExpectedVersion int
	CurrentVersion  int
	PendingKeys     []string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("settings sync failed after %d attempts (expected v%d, server v%d, pending %v)",
		e.Attempts, e.ExpectedVersion, e.CurrentVersion, e.PendingKeys)
}

type persisted struct {
	Settings map[string]any `json:"settings"`
	Version  int            `json:"version"`
	Pending  map[string]any `json:"pending,omitempty"`
}

// Sync owns the pendingDelta: the fields the user changed that the server has
// not yet acknowledged. Schema defaults never enter it, only explicit intent.
type Sync struct {
	mu      sync.Mutex
	store   *store.Store
	kv      *kv.Store
	poster  Poster
	log     *slog.Logger
	pending map[string]any
}

func New(st *store.Store, kvStore *kv.Store, poster Poster, log *slog.Logger) *Sync {
	if log == nil {
		log = slog.Default()
	}
	s := &Sync{
		store:   st,
		kv:      kvStore,
		poster:  poster,
		log:     log.With("component", "settings"),
		pending: make(map[string]any),
	}
	s.load()
	return s
}

func (s *Sync) load() {
	if s.kv == nil {
		return
	}
	data, err := s.kv.Get(kvKey)
	if err != nil {
		return
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		s.log.Warn("dropping undecodable persisted settings", "err", err)
		return
	}
	if p.Settings != nil {
		s.store.SetSettings(p.Settings, p.Version)
	}
	if p.Pending != nil {
		s.pending = p.Pending
	}
}

func (s *Sync) persist() {
	if s.kv == nil {
		return
	}
	settings, version := s.store.Settings()
	data, err := json.Marshal(persisted{Settings: settings, Version: version, Pending: s.pending})
	if err != nil {
		return
	}
	if err := s.kv.Set(kvKey, data, time.Now().UnixMilli()); err != nil {
		s.log.Warn("persisting settings failed", "err", err)
	}
}

// ApplyLocal merges a user delta into the canonical settings immediately,
// suppresses no-op fields, persists, and pushes. Only changed fields join the
// pendingDelta.
func (s *Sync) ApplyLocal(ctx context.Context, delta map[string]any) error {
	s.mu.Lock()
	current, version := s.store.Settings()

	changed := false
	for key, value := range delta {
		if existing, ok := current[key]; ok && reflect.DeepEqual(existing, value) {
			continue
		}
		current[key] = value
		s.pending[key] = value
		changed = true
	}
	if !changed {
		s.mu.Unlock()
		return nil
	}

	s.store.SetSettings(current, version)
	s.persist()
	s.mu.Unlock()

	return s.Push(ctx)
}

// ApplyRemote ingests a server-side settings change delivered by an
// update-account envelope. Pending local fields still win on overlap.
func (s *Sync) ApplyRemote(serverSettings map[string]any, serverVersion int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, version := s.store.Settings()
	if serverVersion == version {
		return
	}
	merged := applyDelta(serverSettings, s.pending)
	s.store.SetSettings(merged, serverVersion)
	s.persist()
}

// Push submits the canonical document until the server accepts it, merging
// on version mismatch. Bounded; exhaustion surfaces a TerminalError.
func (s *Sync) Push(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}

	var lastExpected, lastCurrent int
	for attempt := 0; attempt < maxPushRetries; attempt++ {
		settings, version := s.store.Settings()

		result, err := s.poster.PostSettings(ctx, settings, version)
		if err != nil {
			return err
		}
		if result.Success {
			s.pending = make(map[string]any)
			s.store.SetSettings(settings, result.Version)
			s.persist()
			return nil
		}
		if !result.Mismatch {
			return fmt.Errorf("settings push rejected")
		}

		lastExpected, lastCurrent = version, result.Version
		// Converge on the server's version even when it moved backward
		// (rollback or account switch); pending fields win on overlap.
		merged := applyDelta(result.Settings, s.pending)
		s.store.SetSettings(merged, result.Version)
		s.persist()
		s.log.Info("settings version mismatch, merged and retrying",
			"expected", version, "current", result.Version)
	}

	keys := make([]string, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &TerminalError{
		Attempts:        maxPushRetries,
		ExpectedVersion: lastExpected,
		CurrentVersion:  lastCurrent,
		PendingKeys:     keys,
	}
}

// PendingKeys lists the unacknowledged fields. Diagnostic surface.
func (s *Sync) PendingKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func applyDelta(base, delta map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(delta))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range delta {
		merged[k] = v
	}
	return merged
}
