// Package store owns the canonical in-memory replica of the remote account:
// sessions, machines, artifacts, relationships, feed and settings. It is
// mutated only through apply methods invoked by the sync engine; every apply
// step is all-or-nothing with respect to its own update.
package store

import (
	"sort"
	"sync"

	"happy-sync/internal/model"
)

type Store struct {
	mu sync.RWMutex

	sessionsByID    map[string]model.Session
	machinesByID    map[string]model.Machine
	artifactsByID   map[string]model.Artifact
	relationships   map[string]model.Relationship
	feed            []model.FeedPost
	profile         model.AccountProfile
	settings        map[string]any
	settingsVersion int

	notifier *notifier
}

const feedCap = 200

func New() *Store {
	return &Store{
		sessionsByID:  make(map[string]model.Session),
		machinesByID:  make(map[string]model.Machine),
		artifactsByID: make(map[string]model.Artifact),
		relationships: make(map[string]model.Relationship),
		settings:      make(map[string]any),
		notifier:      newNotifier(),
	}
}

// Sessions returns every live session, most recently updated first.
func (s *Store) Sessions() []model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Session, 0, len(s.sessionsByID))
	for _, sess := range s.sessionsByID {
		result = append(result, sess)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt == result[j].UpdatedAt {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt > result[j].UpdatedAt
	})
	return result
}

func (s *Store) Session(id string) (model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessionsByID[id]
	return sess, ok
}

// PutSession replaces the session record wholesale.
func (s *Store) PutSession(sess model.Session) {
	s.mu.Lock()
	s.sessionsByID[sess.ID] = sess
	s.mu.Unlock()
	s.notifier.publish(Change{Sessions: []string{sess.ID}})
}

// MutateSession runs fn against the current record inside the store lock and
// keeps the result only when fn reports a change. This is the atomic apply
// step other components funnel through.
func (s *Store) MutateSession(id string, fn func(*model.Session) bool) bool {
	s.mu.Lock()
	sess, ok := s.sessionsByID[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if !fn(&sess) {
		s.mu.Unlock()
		return false
	}
	s.sessionsByID[id] = sess
	s.mu.Unlock()
	s.notifier.publish(Change{Sessions: []string{id}})
	return true
}

// DeleteSession removes the session. Explicit delete-session updates are the
// only path here.
func (s *Store) DeleteSession(id string) bool {
	s.mu.Lock()
	_, ok := s.sessionsByID[id]
	if ok {
		delete(s.sessionsByID, id)
	}
	s.mu.Unlock()
	if ok {
		s.notifier.publish(Change{Sessions: []string{id}})
	}
	return ok
}

func (s *Store) Machines() []model.Machine {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Machine, 0, len(s.machinesByID))
	for _, m := range s.machinesByID {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt == result[j].UpdatedAt {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt > result[j].UpdatedAt
	})
	return result
}

func (s *Store) Machine(id string) (model.Machine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machinesByID[id]
	return m, ok
}

func (s *Store) PutMachine(m model.Machine) {
	s.mu.Lock()
	s.machinesByID[m.ID] = m
	s.mu.Unlock()
	s.notifier.publish(Change{Machines: []string{m.ID}})
}

func (s *Store) MutateMachine(id string, fn func(*model.Machine) bool) bool {
	s.mu.Lock()
	m, ok := s.machinesByID[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if !fn(&m) {
		s.mu.Unlock()
		return false
	}
	s.machinesByID[id] = m
	s.mu.Unlock()
	s.notifier.publish(Change{Machines: []string{id}})
	return true
}

func (s *Store) Artifacts() []model.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Artifact, 0, len(s.artifactsByID))
	for _, a := range s.artifactsByID {
		if !a.Deleted {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt == result[j].UpdatedAt {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt > result[j].UpdatedAt
	})
	return result
}

func (s *Store) Artifact(id string) (model.Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifactsByID[id]
	if !ok || a.Deleted {
		return model.Artifact{}, false
	}
	return a, true
}

func (s *Store) PutArtifact(a model.Artifact) {
	s.mu.Lock()
	s.artifactsByID[a.ID] = a
	s.mu.Unlock()
	s.notifier.publish(Change{Artifacts: []string{a.ID}})
}

func (s *Store) MutateArtifact(id string, fn func(*model.Artifact) bool) bool {
	s.mu.Lock()
	a, ok := s.artifactsByID[id]
	if !ok || a.Deleted {
		s.mu.Unlock()
		return false
	}
	if !fn(&a) {
		s.mu.Unlock()
		return false
	}
	s.artifactsByID[id] = a
	s.mu.Unlock()
	s.notifier.publish(Change{Artifacts: []string{id}})
	return true
}

func (s *Store) DeleteArtifact(id string) bool {
	s.mu.Lock()
	a, ok := s.artifactsByID[id]
	if ok {
		a.Deleted = true
		s.artifactsByID[id] = a
	}
	s.mu.Unlock()
	if ok {
		s.notifier.publish(Change{Artifacts: []string{id}})
	}
	return ok
}

func (s *Store) PutRelationship(rel model.Relationship) {
	s.mu.Lock()
	s.relationships[rel.UserID] = rel
	s.mu.Unlock()
	s.notifier.publish(Change{Relationships: []string{rel.UserID}})
}

func (s *Store) Relationships() []model.Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]model.Relationship, 0, len(s.relationships))
	for _, rel := range s.relationships {
		result = append(result, rel)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result
}

// AppendFeedPost keeps a bounded, newest-first feed.
func (s *Store) AppendFeedPost(post model.FeedPost) {
	s.mu.Lock()
	s.feed = append([]model.FeedPost{post}, s.feed...)
	if len(s.feed) > feedCap {
		s.feed = s.feed[:feedCap]
	}
	s.mu.Unlock()
	s.notifier.publish(Change{Feed: true})
}

func (s *Store) Feed() []model.FeedPost {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.FeedPost, len(s.feed))
	copy(out, s.feed)
	return out
}

func (s *Store) SetProfile(p model.AccountProfile) {
	s.mu.Lock()
	s.profile = p
	s.mu.Unlock()
	s.notifier.publish(Change{Profile: true})
}

func (s *Store) Profile() model.AccountProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

// SetSettings replaces the canonical settings document at a server version.
func (s *Store) SetSettings(settings map[string]any, version int) {
	s.mu.Lock()
	s.settings = settings
	s.settingsVersion = version
	s.mu.Unlock()
	s.notifier.publish(Change{Settings: true})
}

// Settings returns a copy of the canonical settings and its version.
func (s *Store) Settings() (map[string]any, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, s.settingsVersion
}

// Reset drops all replicated state. Used on logout and on the
// missing-key-material refetch fallback.
func (s *Store) Reset() {
	s.mu.Lock()
	s.sessionsByID = make(map[string]model.Session)
	s.machinesByID = make(map[string]model.Machine)
	s.artifactsByID = make(map[string]model.Artifact)
	s.relationships = make(map[string]model.Relationship)
	s.feed = nil
	s.settings = make(map[string]any)
	s.settingsVersion = 0
	s.mu.Unlock()
	s.notifier.publish(Change{Reset: true})
}
