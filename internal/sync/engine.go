package sync

import (
	"context"
	"encoding/json"
	"log/slog"
	stdsync "sync"
	"time"

	"happy-sync/internal/api"
	"happy-sync/internal/crypto"
	"happy-sync/internal/kv"
	"happy-sync/internal/model"
	"happy-sync/internal/queue"
	"happy-sync/internal/settings"
	"happy-sync/internal/store"
	"happy-sync/internal/wire"
)

// Emitter is the outbound side of the socket the engine needs.
type Emitter interface {
	EmitWithAck(ctx context.Context, event string, args ...any) ([]json.RawMessage, error)
	Connected() bool
}

// Engine routes inbound update envelopes to the reducers, tracker and
// settings sync, and exposes the outbound operations. All state mutation
// funnels through its apply methods, one update at a time.
type Engine struct {
	log      *slog.Logger
	store    *store.Store
	keys     *crypto.KeyCache
	plain    *crypto.PlainCache
	boxPub   *[32]byte
	boxPriv  *[32]byte
	mirror   *kv.SessionStateMirror
	kvStore  *kv.Store
	queue    *queue.Queue
	settings *settings.Sync
	rest     *api.Client
	emitter  Emitter
	guard    *RepairGuard
	activity *activityDebouncer

	mu       stdsync.Mutex
	reducers map[string]*Reducer

	clock func() int64
}

type Deps struct {
	Log      *slog.Logger
	Store    *store.Store
	Keys     *crypto.KeyCache
	Plain    *crypto.PlainCache
	BoxPub   *[32]byte
	BoxPriv  *[32]byte
	Mirror   *kv.SessionStateMirror
	KV       *kv.Store
	Queue    *queue.Queue
	Settings *settings.Sync
	Rest     *api.Client
	Emitter  Emitter
}

func NewEngine(deps Deps) *Engine {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:      log.With("component", "engine"),
		store:    deps.Store,
		keys:     deps.Keys,
		plain:    deps.Plain,
		boxPub:   deps.BoxPub,
		boxPriv:  deps.BoxPriv,
		mirror:   deps.Mirror,
		kvStore:  deps.KV,
		queue:    deps.Queue,
		settings: deps.Settings,
		rest:     deps.Rest,
		emitter:  deps.Emitter,
		guard:    NewRepairGuard(),
		reducers: make(map[string]*Reducer),
		clock:    func() int64 { return time.Now().UnixMilli() },
	}
	e.activity = newActivityDebouncer(e.applyActivity)
	e.registerExecutors()
	return e
}

// SetClock overrides the millisecond clock. Test hook.
func (e *Engine) SetClock(clock func() int64) {
	e.clock = clock
}

// SetEmitter attaches the socket after construction; the transport's status
// handlers usually need the engine first.
func (e *Engine) SetEmitter(em Emitter) {
	e.emitter = em
}

// HandleEnvelope applies one durable update. Malformed envelopes are dropped
// and logged, never retried; unknown kinds are logged no-ops.
func (e *Engine) HandleEnvelope(env wire.Envelope) {
	update, err := wire.DecodeUpdate(env.Body)
	if err != nil {
		e.log.Warn("dropping malformed update", "seq", env.Seq, "err", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch update.Kind {
	case wire.KindNewMessage:
		e.applyNewMessage(update.NewMessage, env.CreatedAt)
	case wire.KindNewSession:
		e.applyNewSession(&update.NewSession.Session)
	case wire.KindUpdateSession:
		e.applyUpdateSession(update.UpdateSession)
	case wire.KindDeleteSession:
		e.applyDeleteSession(update.DeleteSession.ID)
	case wire.KindUpdateAccount:
		e.applyUpdateAccount(update.UpdateAccount)
	case wire.KindUpdateMachine:
		e.applyUpdateMachine(update.UpdateMachine)
	case wire.KindRelationshipUpdated:
		rel := update.RelationshipUpdated
		e.store.PutRelationship(model.Relationship{
			UserID:    rel.UID,
			Status:    rel.Status,
			UpdatedAt: rel.UpdatedAt,
		})
	case wire.KindNewArtifact:
		e.applyNewArtifact(&update.NewArtifact.Artifact)
	case wire.KindUpdateArtifact:
		e.applyUpdateArtifact(update.UpdateArtifact)
	case wire.KindDeleteArtifact:
		e.store.DeleteArtifact(update.DeleteArtifact.ID)
	case wire.KindNewFeedPost:
		e.applyNewFeedPost(update.NewFeedPost)
	case wire.KindKVBatchUpdate:
		e.applyKVBatch(update.KVBatchUpdate)
	case wire.KindUnknown:
		e.log.Info("ignoring unknown update kind", "kind", update.RawKind, "seq", env.Seq)
	}
}

// HandleEphemeral accumulates a non-sequenced activity signal; it is applied
// after a short debounce so bursts collapse into one store mutation.
func (e *Engine) HandleEphemeral(ev wire.Ephemeral) {
	e.activity.observe(ev)
}

// encryptedMessageBody is the decrypted message content schema.
type encryptedMessageBody struct {
	T      string               `json:"t"` // user-text | agent | event
	Text   string               `json:"text,omitempty"`
	Blocks []model.ContentBlock `json:"blocks,omitempty"`
	Event  map[string]any       `json:"event,omitempty"`
}

func (e *Engine) applyNewMessage(up *wire.NewMessage, fallbackAt int64) {
	sess, ok := e.store.Session(up.SID)
	if !ok {
		// First sighting through an update instead of the list fetch.
		e.log.Debug("message for unknown session, refetching", "sessionId", up.SID)
		go e.Refetch(context.Background())
		return
	}

	msg := e.decryptMessage(up.SID, &up.Message, fallbackAt)
	reducer := e.reducerFor(up.SID)
	result := reducer.Apply([]*model.Message{msg}, nil)

	seq := NextSessionSeq(sess.Seq, wire.KindNewMessage, &up.Message.Seq)
	e.store.MutateSession(up.SID, func(s *model.Session) bool {
		changed := false
		if s.Seq != seq {
			s.Seq = seq
			changed = true
		}
		if up.Message.CreatedAt > s.UpdatedAt {
			s.UpdatedAt = up.Message.CreatedAt
			changed = true
		}
		return changed
	})

	e.publishReducerResult(up.SID, result)
}

func (e *Engine) decryptMessage(sessionID string, payload *wire.MessagePayload, fallbackAt int64) *model.Message {
	msg := &model.Message{
		ID:        payload.ID,
		SessionID: sessionID,
		Seq:       payload.Seq,
		CreatedAt: payload.CreatedAt,
	}
	if payload.LocalID != nil {
		msg.LocalID = *payload.LocalID
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = fallbackAt
	}

	var plaintext []byte
	if e.plain != nil {
		if cached, ok := e.plain.Get(payload.ID); ok {
			plaintext = cached
		}
	}
	if plaintext == nil {
		key, ok := e.keys.Get(sessionID)
		if !ok {
			e.missingKeyFallback(sessionID)
			return msg
		}
		opened, ok := crypto.Decrypt(key, payload.Content)
		if !ok {
			return msg // IsDecrypted stays false, siblings unaffected
		}
		plaintext = opened
		if e.plain != nil {
			e.plain.Set(payload.ID, plaintext)
		}
	}

	var body encryptedMessageBody
	if err := json.Unmarshal(plaintext, &body); err != nil {
		return msg
	}
	msg.IsDecrypted = true
	msg.Text = body.Text
	msg.Blocks = body.Blocks
	msg.Event = body.Event
	switch body.T {
	case model.MessageKindUser, model.MessageKindAgent, model.MessageKindEvent:
		msg.Kind = body.T
	default:
		msg.Kind = model.MessageKindAgent
	}
	return msg
}

func (e *Engine) applyNewSession(payload *wire.SessionPayload) {
	if _, exists := e.store.Session(payload.ID); exists {
		return
	}
	if payload.DataEncryptionKey != nil {
		if key, ok := crypto.OpenSealedKey(e.boxPub, e.boxPriv, *payload.DataEncryptionKey); ok {
			e.keys.Put(payload.ID, key)
		} else {
			e.log.Warn("session key unseal failed", "sessionId", payload.ID)
		}
	}

	sess := model.Session{
		ID:        payload.ID,
		Seq:       payload.Seq,
		Active:    payload.Active,
		ActiveAt:  payload.ActiveAt,
		CreatedAt: payload.CreatedAt,
		UpdatedAt: payload.UpdatedAt,
	}
	e.decryptSessionDocs(&sess, &payload.Metadata, payload.AgentState)
	e.loadLocalState(&sess)
	e.store.PutSession(sess)

	if sess.AgentState != nil {
		result := e.reducerFor(sess.ID).Apply(nil, sess.AgentState)
		e.publishReducerResult(sess.ID, result)
	}
}

func (e *Engine) decryptSessionDocs(sess *model.Session, metadata *wire.VersionedString, agentState *wire.VersionedString) {
	key, ok := e.keys.Get(sess.ID)
	if !ok {
		e.missingKeyFallback(sess.ID)
		return
	}
	if metadata != nil {
		var md model.SessionMetadata
		if crypto.DecryptJSON(key, metadata.Value, &md) {
			sess.Metadata = &md
			sess.MetadataDecrypted = true
		}
		sess.MetadataVersion = metadata.Version
	}
	if agentState != nil {
		var as model.AgentState
		if crypto.DecryptJSON(key, agentState.Value, &as) {
			sess.AgentState = &as
			sess.AgentStateDecrypted = true
		}
		sess.AgentStateVersion = agentState.Version
	}
}

func (e *Engine) applyUpdateSession(up *wire.UpdateSession) {
	var agentState *model.AgentState

	applied := e.store.MutateSession(up.ID, func(sess *model.Session) bool {
		changed := false
		key, hasKey := e.keys.Get(sess.ID)

		if up.Metadata != nil && up.Metadata.Version > sess.MetadataVersion && hasKey {
			var md model.SessionMetadata
			decrypted := crypto.DecryptJSON(key, up.Metadata.Value, &md)
			if decrypted {
				sess.Metadata = &md
			}
			sess.MetadataDecrypted = decrypted
			sess.MetadataVersion = up.Metadata.Version
			changed = true
		}
		if up.AgentState != nil && up.AgentState.Version > sess.AgentStateVersion && hasKey {
			var as model.AgentState
			decrypted := crypto.DecryptJSON(key, up.AgentState.Value, &as)
			if decrypted {
				sess.AgentState = &as
				agentState = &as
			}
			sess.AgentStateDecrypted = decrypted
			sess.AgentStateVersion = up.AgentState.Version
			changed = true
		}
		if up.Active != nil && *up.Active != sess.Active {
			sess.Active = *up.Active
			changed = true
		}
		if up.ActiveAt != nil && *up.ActiveAt > sess.ActiveAt {
			sess.ActiveAt = *up.ActiveAt
			changed = true
		}
		// update-session never advances the message timeline.
		return changed
	})

	if applied && agentState != nil {
		result := e.reducerFor(up.ID).Apply(nil, agentState)
		e.publishReducerResult(up.ID, result)
	}
}

func (e *Engine) applyDeleteSession(id string) {
	if !e.store.DeleteSession(id) {
		return
	}
	e.keys.Drop(id)
	e.activity.cancel(id)
	delete(e.reducers, id)
	if e.mirror != nil {
		if err := e.mirror.Forget(id); err != nil {
			e.log.Warn("forgetting session state failed", "sessionId", id, "err", err)
		}
	}
}

func (e *Engine) applyUpdateAccount(up *wire.UpdateAccount) {
	profile := e.store.Profile()
	changed := false
	if up.ID != "" && profile.ID != up.ID {
		profile.ID = up.ID
		changed = true
	}
	if up.Timestamp > profile.Timestamp {
		profile.Timestamp = up.Timestamp
		changed = true
	}
	if up.FirstName != nil && *up.FirstName != profile.FirstName {
		profile.FirstName = *up.FirstName
		changed = true
	}
	if up.LastName != nil && *up.LastName != profile.LastName {
		profile.LastName = *up.LastName
		changed = true
	}
	if up.Username != nil && *up.Username != profile.Username {
		profile.Username = *up.Username
		changed = true
	}
	if up.AvatarURL != nil && *up.AvatarURL != profile.AvatarURL {
		profile.AvatarURL = *up.AvatarURL
		changed = true
	}
	if changed {
		e.store.SetProfile(profile)
	}

	if up.Settings != nil && e.settings != nil {
		key, ok := e.keys.Get("account")
		if !ok {
			return
		}
		var doc map[string]any
		if crypto.DecryptJSON(key, up.Settings.Value, &doc) {
			e.settings.ApplyRemote(doc, up.Settings.Version)
		}
	}
}

func (e *Engine) applyUpdateMachine(up *wire.UpdateMachine) {
	key, hasKey := e.keys.Get(up.MachineID)

	if _, ok := e.store.Machine(up.MachineID); !ok {
		m := model.Machine{ID: up.MachineID, CreatedAt: e.clock(), UpdatedAt: e.clock()}
		e.store.PutMachine(m)
	}
	e.store.MutateMachine(up.MachineID, func(m *model.Machine) bool {
		changed := false
		if up.Metadata != nil && up.Metadata.Version > m.MetadataVersion && hasKey {
			var md map[string]any
			decrypted := crypto.DecryptJSON(key, up.Metadata.Value, &md)
			if decrypted {
				m.Metadata = md
			}
			m.MetadataDecrypted = decrypted
			m.MetadataVersion = up.Metadata.Version
			changed = true
		}
		if up.DaemonState != nil && up.DaemonState.Version > m.DaemonStateVersion && hasKey {
			var ds map[string]any
			decrypted := crypto.DecryptJSON(key, up.DaemonState.Value, &ds)
			if decrypted {
				m.DaemonState = ds
			}
			m.DaemonStateDecrypted = decrypted
			m.DaemonStateVersion = up.DaemonState.Version
			changed = true
		}
		if up.Active != nil && *up.Active != m.Active {
			m.Active = *up.Active
			changed = true
		}
		if up.ActiveAt != nil && *up.ActiveAt > m.ActiveAt {
			m.ActiveAt = *up.ActiveAt
			changed = true
		}
		if changed {
			m.UpdatedAt = e.clock()
		}
		return changed
	})
}

func (e *Engine) applyNewArtifact(payload *wire.ArtifactPayload) {
	a := model.Artifact{
		ID:            payload.ID,
		HeaderVersion: payload.Header.Version,
		CreatedAt:     payload.CreatedAt,
		UpdatedAt:     payload.UpdatedAt,
	}
	if key, ok := e.keys.Get(payload.ID); ok {
		var header struct {
			Title string `json:"title"`
		}
		if crypto.DecryptJSON(key, payload.Header.Value, &header) {
			a.Title = header.Title
		}
		if payload.Body != nil {
			if plaintext, ok := crypto.Decrypt(key, payload.Body.Value); ok {
				a.Body = string(plaintext)
				a.BodyDecrypted = true
			}
			a.BodyVersion = payload.Body.Version
		}
	}
	e.store.PutArtifact(a)
}

func (e *Engine) applyUpdateArtifact(up *wire.UpdateArtifact) {
	key, hasKey := e.keys.Get(up.ID)
	e.store.MutateArtifact(up.ID, func(a *model.Artifact) bool {
		changed := false
		if up.Header != nil && up.Header.Version > a.HeaderVersion && hasKey {
			var header struct {
				Title string `json:"title"`
			}
			if crypto.DecryptJSON(key, up.Header.Value, &header) {
				a.Title = header.Title
			}
			a.HeaderVersion = up.Header.Version
			changed = true
		}
		if up.Body != nil && up.Body.Version > a.BodyVersion && hasKey {
			plaintext, ok := crypto.Decrypt(key, up.Body.Value)
			if ok {
				a.Body = string(plaintext)
			}
			a.BodyDecrypted = ok
			a.BodyVersion = up.Body.Version
			changed = true
		}
		if changed {
			a.UpdatedAt = e.clock()
		}
		return changed
	})
}

func (e *Engine) applyNewFeedPost(up *wire.NewFeedPost) {
	post := model.FeedPost{
		ID:        up.ID,
		Counter:   up.Counter,
		CreatedAt: up.CreatedAt,
	}
	if key, ok := e.keys.Get("account"); ok {
		var body map[string]any
		if crypto.DecryptJSON(key, up.Body, &body) {
			post.Body = body
			post.BodyDecrypted = true
		}
	}
	e.store.AppendFeedPost(post)
}

// remoteKVPrefix namespaces server-replicated key-value entries away from the
// session state mirror and the persisted settings document.
const remoteKVPrefix = "remote-kv:"

// remoteKVEntry wraps a replicated value with its version. Deletions keep a
// tombstone so a stale redelivery cannot resurrect the key.
type remoteKVEntry struct {
	Version int64   `json:"version"`
	Value   *string `json:"value"`
}

func (e *Engine) applyKVBatch(up *wire.KVBatchUpdate) {
	if e.kvStore == nil {
		return
	}
	now := e.clock()
	for _, change := range up.Changes {
		key := remoteKVPrefix + change.Key
		if data, err := e.kvStore.Get(key); err == nil {
			var prev remoteKVEntry
			if json.Unmarshal(data, &prev) == nil && change.Version <= prev.Version {
				continue
			}
		}
		data, err := json.Marshal(remoteKVEntry{Version: change.Version, Value: change.Value})
		if err != nil {
			continue
		}
		if err := e.kvStore.Set(key, data, now); err != nil {
			e.log.Warn("kv change not persisted", "key", change.Key, "err", err)
		}
	}
}

// KVGet reads a server-replicated key-value entry. Deleted keys report false.
func (e *Engine) KVGet(key string) (string, bool) {
	if e.kvStore == nil {
		return "", false
	}
	data, err := e.kvStore.Get(remoteKVPrefix + key)
	if err != nil {
		return "", false
	}
	var entry remoteKVEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Value == nil {
		return "", false
	}
	return *entry.Value, true
}

func (e *Engine) reducerFor(sessionID string) *Reducer {
	if r, ok := e.reducers[sessionID]; ok {
		return r
	}
	r := NewReducer(sessionID, e.log)
	e.reducers[sessionID] = r
	return r
}

func (e *Engine) publishReducerResult(sessionID string, result ReducerResult) {
	if len(result.Changed) == 0 {
		return
	}
	ids := make([]string, 0, len(result.Changed))
	for _, msg := range result.Changed {
		ids = append(ids, msg.ID)
	}
	e.store.PublishMessages(sessionID, ids)
}

// Messages returns the canonical UI-ready message list for a session.
func (e *Engine) Messages(sessionID string) []*model.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.reducers[sessionID]
	if !ok {
		return nil
	}
	return r.Messages()
}

// missingKeyFallback invalidates local state and refetches the whole
// collection: partial state cannot be trusted without the key.
func (e *Engine) missingKeyFallback(entityID string) {
	e.log.Warn("missing key material, scheduling full refetch", "entityId", entityID)
	go e.Refetch(context.Background())
}
