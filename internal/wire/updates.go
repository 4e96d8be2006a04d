// Package wire defines the update envelope family the server emits over the
// socket, decoded into a tagged union over the fixed set of update kinds.
package wire

import "encoding/json"

// Update kinds carried in body.t.
const (
	KindNewMessage          = "new-message"
	KindNewSession          = "new-session"
	KindUpdateSession       = "update-session"
	KindDeleteSession       = "delete-session"
	KindUpdateAccount       = "update-account"
	KindUpdateMachine       = "update-machine"
	KindRelationshipUpdated = "relationship-updated"
	KindNewArtifact         = "new-artifact"
	KindUpdateArtifact      = "update-artifact"
	KindDeleteArtifact      = "delete-artifact"
	KindNewFeedPost         = "new-feed-post"
	KindKVBatchUpdate       = "kv-batch-update"
	// KindUnknown marks a kind this client does not understand. It is a
	// logged no-op, not an error.
	KindUnknown = "unknown"
)

// Envelope is a durable, sequenced update from the server.
type Envelope struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Body      json.RawMessage `json:"body"`
	CreatedAt int64           `json:"createdAt"`
}

// VersionedString is a versioned ciphertext value used for optimistic
// concurrency on encrypted documents.
type VersionedString struct {
	Value   string `json:"value"`
	Version int    `json:"version"`
}

// MessagePayload is the message record inside a new-message update. Content is
// the encrypted message body.
type MessagePayload struct {
	ID        string  `json:"id"`
	Seq       int64   `json:"seq"`
	LocalID   *string `json:"localId"`
	Content   string  `json:"content"`
	CreatedAt int64   `json:"createdAt"`
	UpdatedAt int64   `json:"updatedAt"`
}

type NewMessage struct {
	SID     string         `json:"sid"`
	Message MessagePayload `json:"message"`
}

// SessionPayload is the full session record inside a new-session update.
type SessionPayload struct {
	ID                string           `json:"id"`
	Seq               int64            `json:"seq"`
	Metadata          VersionedString  `json:"metadata"`
	AgentState        *VersionedString `json:"agentState"`
	DataEncryptionKey *string          `json:"dataEncryptionKey"`
	Active            bool             `json:"active"`
	ActiveAt          int64            `json:"activeAt"`
	CreatedAt         int64            `json:"createdAt"`
	UpdatedAt         int64            `json:"updatedAt"`
}

type NewSession struct {
	Session SessionPayload `json:"session"`
}

type UpdateSession struct {
	ID         string           `json:"id"`
	Metadata   *VersionedString `json:"metadata,omitempty"`
	AgentState *VersionedString `json:"agentState,omitempty"`
	Active     *bool            `json:"active,omitempty"`
	ActiveAt   *int64           `json:"activeAt,omitempty"`
}

type DeleteSession struct {
	ID string `json:"id"`
}

type UpdateAccount struct {
	ID        string           `json:"id"`
	Timestamp int64            `json:"timestamp"`
	FirstName *string          `json:"firstName,omitempty"`
	LastName  *string          `json:"lastName,omitempty"`
	Username  *string          `json:"username,omitempty"`
	AvatarURL *string          `json:"avatarUrl,omitempty"`
	Settings  *VersionedString `json:"settings,omitempty"`
}

type UpdateMachine struct {
	MachineID   string           `json:"machineId"`
	Metadata    *VersionedString `json:"metadata,omitempty"`
	DaemonState *VersionedString `json:"daemonState,omitempty"`
	Active      *bool            `json:"active,omitempty"`
	ActiveAt    *int64           `json:"activeAt,omitempty"`
}

type RelationshipUpdated struct {
	UID       string `json:"uid"`
	Status    string `json:"status"`
	UpdatedAt int64  `json:"updatedAt"`
}

type ArtifactPayload struct {
	ID        string           `json:"id"`
	Header    VersionedString  `json:"header"`
	Body      *VersionedString `json:"body,omitempty"`
	CreatedAt int64            `json:"createdAt"`
	UpdatedAt int64            `json:"updatedAt"`
}

type NewArtifact struct {
	Artifact ArtifactPayload `json:"artifact"`
}

type UpdateArtifact struct {
	ID     string           `json:"id"`
	Header *VersionedString `json:"header,omitempty"`
	Body   *VersionedString `json:"body,omitempty"`
}

type DeleteArtifact struct {
	ID string `json:"id"`
}

type NewFeedPost struct {
	ID        string `json:"id"`
	Counter   int64  `json:"counter"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"createdAt"`
}

type KVChange struct {
	Key     string  `json:"key"`
	Value   *string `json:"value"`
	Version int64   `json:"version"`
}

type KVBatchUpdate struct {
	Changes []KVChange `json:"changes"`
}

// Update is the decoded tagged union. Kind selects which payload pointer is
// set; for KindUnknown only RawKind is populated.
type Update struct {
	Kind    string
	RawKind string

	NewMessage          *NewMessage
	NewSession          *NewSession
	UpdateSession       *UpdateSession
	DeleteSession       *DeleteSession
	UpdateAccount       *UpdateAccount
	UpdateMachine       *UpdateMachine
	RelationshipUpdated *RelationshipUpdated
	NewArtifact         *NewArtifact
	UpdateArtifact      *UpdateArtifact
	DeleteArtifact      *DeleteArtifact
	NewFeedPost         *NewFeedPost
	KVBatchUpdate       *KVBatchUpdate
}

// Ephemeral is a non-sequenced, best-effort status signal.
type Ephemeral struct {
	Type     string `json:"type"` // activity | machine-activity
	ID       string `json:"id"`
	Active   bool   `json:"active"`
	ActiveAt int64  `json:"activeAt"`
	Thinking bool   `json:"thinking,omitempty"`
}
