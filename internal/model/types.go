package model

// SessionMetadata is the decrypted session metadata document.
type SessionMetadata struct {
	Path        string `json:"path,omitempty"`
	Host        string `json:"host,omitempty"`
	Name        string `json:"name,omitempty"`
	MachineID   string `json:"machineId,omitempty"`
	Summary     string `json:"summary,omitempty"`
	HomeDir     string `json:"homeDir,omitempty"`
	Flavor      string `json:"flavor,omitempty"`
	StartedFrom string `json:"startedFrom,omitempty"`
}

// AgentState is the decrypted agent-side state document attached to a session.
type AgentState struct {
	ControlledByUser  *bool                        `json:"controlledByUser,omitempty"`
	Requests          map[string]*AgentRequest     `json:"requests,omitempty"`
	CompletedRequests map[string]*CompletedRequest `json:"completedRequests,omitempty"`
}

// AgentRequest is a pending permission prompt keyed by tool-call id.
type AgentRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	CreatedAt int64          `json:"createdAt,omitempty"`
}

// CompletedRequest is a resolved permission prompt keyed by tool-call id.
type CompletedRequest struct {
	Tool         string         `json:"tool"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	CreatedAt    int64          `json:"createdAt,omitempty"`
	CompletedAt  int64          `json:"completedAt,omitempty"`
	Status       string         `json:"status"` // approved | denied | canceled
	Mode         string         `json:"mode,omitempty"`
	AllowedTools []string       `json:"allowedTools,omitempty"`
	Decision     string         `json:"decision,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// Session is the client-side canonical view of a remote session. Metadata and
// AgentState are stored decrypted; the *Decrypted flags mark per-document
// decryption failures without blocking the rest of the session.
type Session struct {
	ID         string
	Seq        int64
	CreatedAt  int64
	UpdatedAt  int64
	Active     bool
	ActiveAt   int64
	Thinking   bool
	ThinkingAt int64

	Metadata            *SessionMetadata
	MetadataVersion     int
	MetadataDecrypted   bool
	AgentState          *AgentState
	AgentStateVersion   int
	AgentStateDecrypted bool

	// Local-only fields, never sent to the server. Locally-chosen values win
	// over server-inferred ones until a newer authoritative signal arrives.
	Draft                   string
	PermissionMode          string
	PermissionModeUpdatedAt int64
	ModelMode               string
	LastViewedAt            int64
}

// Machine mirrors the server's machine record with decrypted documents.
type Machine struct {
	ID                   string
	Metadata             map[string]any
	MetadataVersion      int
	MetadataDecrypted    bool
	DaemonState          map[string]any
	DaemonStateVersion   int
	DaemonStateDecrypted bool
	Active               bool
	ActiveAt             int64
	CreatedAt            int64
	UpdatedAt            int64
}

// Artifact is a decrypted artifact record.
type Artifact struct {
	ID            string
	Title         string
	Body          string
	BodyDecrypted bool
	HeaderVersion int
	BodyVersion   int
	CreatedAt     int64
	UpdatedAt     int64
	Deleted       bool
}

// AccountProfile carries the server-owned account fields delivered by
// update-account envelopes.
type AccountProfile struct {
	ID        string
	Timestamp int64
	FirstName string
	LastName  string
	Username  string
	AvatarURL string
}

// Relationship is a friend/contact edge delivered by relationship-updated.
type Relationship struct {
	UserID    string
	Status    string // none | requested | pending | friend | rejected
	UpdatedAt int64
}

// FeedPost is a decrypted feed item delivered by new-feed-post.
type FeedPost struct {
	ID            string
	Counter       int64
	Body          map[string]any
	BodyDecrypted bool
	CreatedAt     int64
}

// ReadStateV1 is the client-local watermark of what the user has seen for a
// session, distinct from the session seq.
type ReadStateV1 struct {
	SessionSeq        int64 `json:"sessionSeq"`
	PendingActivityAt int64 `json:"pendingActivityAt"`
	UpdatedAt         int64 `json:"updatedAt"`
}
