package model

// Message kinds.
const (
	MessageKindUser  = "user-text"
	MessageKindAgent = "agent"
	MessageKindEvent = "event"
)

// Tool-call lifecycle states.
const (
	ToolStateRunning   = "running"
	ToolStateCompleted = "completed"
	ToolStateError     = "error"
)

// Permission statuses on a tool call.
const (
	PermissionPending  = "pending"
	PermissionApproved = "approved"
	PermissionDenied   = "denied"
	PermissionCanceled = "canceled"
)

// Permission is the permission sub-record owned by a tool-call content block.
type Permission struct {
	ID           string   `json:"id"`
	Status       string   `json:"status"`
	Mode         string   `json:"mode,omitempty"`
	AllowedTools []string `json:"allowedTools,omitempty"`
	Decision     string   `json:"decision,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Date         int64    `json:"date,omitempty"`
}

// ToolCall is a tool invocation block inside an agent message.
type ToolCall struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Input       map[string]any `json:"input,omitempty"`
	State       string         `json:"state"`
	Result      map[string]any `json:"result,omitempty"`
	StartedAt   int64          `json:"startedAt,omitempty"`
	CompletedAt int64          `json:"completedAt,omitempty"`
	Permission  *Permission    `json:"permission,omitempty"`
}

// ContentBlock is one element of an agent message body. Exactly one of the
// payload pointers is set, discriminated by Kind.
type ContentBlock struct {
	Kind       string         `json:"kind"` // text | thinking | tool-call | tool-result | sidechain
	Text       string         `json:"text,omitempty"`
	Thinking   string         `json:"thinking,omitempty"`
	ToolCall   *ToolCall      `json:"toolCall,omitempty"`
	ToolUseID  string         `json:"toolUseId,omitempty"`
	ToolResult map[string]any `json:"toolResult,omitempty"`
	IsError    bool           `json:"isError,omitempty"`
	Sidechain  []ContentBlock `json:"sidechain,omitempty"`
}

// Message is the canonical, immutable-once-created message record. LocalID
// correlates an optimistically-created local message with its server-confirmed
// counterpart.
type Message struct {
	ID          string         `json:"id"`
	LocalID     string         `json:"localId,omitempty"`
	SessionID   string         `json:"sessionId"`
	Seq         int64          `json:"seq"`
	Kind        string         `json:"kind"`
	Text        string         `json:"text,omitempty"`
	Blocks      []ContentBlock `json:"blocks,omitempty"`
	Event       map[string]any `json:"event,omitempty"`
	CreatedAt   int64          `json:"createdAt"`
	IsDecrypted bool           `json:"isDecrypted"`
}

// FirstToolCall returns the tool-call block with the given id, if any.
func (m *Message) FirstToolCall(id string) *ToolCall {
	for i := range m.Blocks {
		tc := m.Blocks[i].ToolCall
		if tc != nil && tc.ID == id {
			return tc
		}
	}
	return nil
}
