package sync

import (
	"log/slog"
	"reflect"
	"sort"

	"happy-sync/internal/model"
)

// deferredPasses bounds how many reducer passes a completed permission that
// references an unseen tool id is held before a standalone message is
// synthesized for it.
const deferredPasses = 8

// ReducerResult reports one Apply pass: the messages whose value actually
// changed, the latest todo payload if one arrived, and whether a ready event
// was seen.
type ReducerResult struct {
	Changed       []*model.Message
	Todos         []any
	HasReadyEvent bool
}

type deferredPermission struct {
	completed *model.CompletedRequest
	passes    int
}

// Reducer merges normalized messages and agent permission state for one
// session into a canonical, UI-ready message list. It is invoked repeatedly
// with overlapping snapshots and must not report spurious changes.
type Reducer struct {
	sessionID string
	log       *slog.Logger

	byID      map[string]*model.Message
	byLocalID map[string]string
	toolIndex map[string]string // tool-call id -> message id
	order     []string
	deferred  map[string]*deferredPermission
}

func NewReducer(sessionID string, log *slog.Logger) *Reducer {
	if log == nil {
		log = slog.Default()
	}
	return &Reducer{
		sessionID: sessionID,
		log:       log.With("component", "reducer", "sessionId", sessionID),
		byID:      make(map[string]*model.Message),
		byLocalID: make(map[string]string),
		toolIndex: make(map[string]string),
		deferred:  make(map[string]*deferredPermission),
	}
}

// Apply merges a batch of incoming messages and, when supplied, an agent
// state snapshot. Agent state updates asynchronously from the transcript, so
// either argument may be empty.
func (r *Reducer) Apply(incoming []*model.Message, agent *model.AgentState) ReducerResult {
	changed := make(map[string]struct{})
	var result ReducerResult

	for _, msg := range incoming {
		r.ingest(msg, changed, &result)
	}
	if agent != nil {
		r.reconcilePermissions(agent, changed)
	}
	r.ageDeferred(changed)

	result.Changed = make([]*model.Message, 0, len(changed))
	for _, id := range r.order {
		if _, ok := changed[id]; ok {
			result.Changed = append(result.Changed, r.byID[id])
		}
	}
	return result
}

// Messages returns the canonical list ordered by (seq, createdAt, id).
func (r *Reducer) Messages() []*model.Message {
	out := make([]*model.Message, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a message by durable id.
func (r *Reducer) Get(id string) (*model.Message, bool) {
	m, ok := r.byID[id]
	return m, ok
}

func (r *Reducer) ingest(msg *model.Message, changed map[string]struct{}, result *ReducerResult) {
	// Correlate an optimistic local message with its server-confirmed copy.
	if msg.LocalID != "" {
		if prevID, ok := r.byLocalID[msg.LocalID]; ok && prevID != msg.ID {
			r.dropMessage(prevID)
			changed[msg.ID] = struct{}{}
		}
		r.byLocalID[msg.LocalID] = msg.ID
	}

	if existing, ok := r.byID[msg.ID]; ok {
		// Redelivered copies arrive without the locally derived tool state;
		// carry it over before comparing so a byte-identical redelivery is a
		// true no-op.
		r.carryToolEnrichment(existing, msg)
		if reflect.DeepEqual(existing, msg) {
			return
		}
		r.byID[msg.ID] = msg
		changed[msg.ID] = struct{}{}
	} else {
		r.byID[msg.ID] = msg
		r.order = append(r.order, msg.ID)
		changed[msg.ID] = struct{}{}
	}

	r.indexBlocks(msg, changed)
	r.noteEvent(msg, result)
}

// carryToolEnrichment copies permission and completion state from the stored
// message onto an incoming copy of the same message. The server's transcript
// never carries these fields; losing them on redelivery would re-open
// finalized tool calls.
func (r *Reducer) carryToolEnrichment(existing, incoming *model.Message) {
	for i := range incoming.Blocks {
		block := &incoming.Blocks[i]
		if block.Kind != "tool-call" || block.ToolCall == nil {
			continue
		}
		tc := block.ToolCall
		prev := existing.FirstToolCall(tc.ID)
		if prev == nil {
			continue
		}
		if tc.Permission == nil {
			tc.Permission = prev.Permission
		}
		terminal := prev.State == model.ToolStateCompleted || prev.State == model.ToolStateError
		if terminal && tc.State != model.ToolStateCompleted && tc.State != model.ToolStateError {
			tc.State = prev.State
		}
		if tc.Result == nil {
			tc.Result = prev.Result
		}
		if tc.CompletedAt == 0 {
			tc.CompletedAt = prev.CompletedAt
		}
	}
}

func (r *Reducer) indexBlocks(msg *model.Message, changed map[string]struct{}) {
	for i := range msg.Blocks {
		block := &msg.Blocks[i]
		switch block.Kind {
		case "tool-call":
			if block.ToolCall == nil {
				continue
			}
			r.toolIndex[block.ToolCall.ID] = msg.ID
			if def, ok := r.deferred[block.ToolCall.ID]; ok {
				delete(r.deferred, block.ToolCall.ID)
				r.applyCompleted(block.ToolCall.ID, def.completed, changed)
			}
		case "tool-result":
			if block.ToolUseID == "" {
				continue
			}
			r.applyToolResult(block, msg.CreatedAt, changed)
		}
	}
}

// applyToolResult completes the referenced tool call. The tool-result channel
// is authoritative over the agent-state channel, which permission.date marks.
func (r *Reducer) applyToolResult(block *model.ContentBlock, at int64, changed map[string]struct{}) {
	msgID, ok := r.toolIndex[block.ToolUseID]
	if !ok {
		return
	}
	msg := r.byID[msgID]
	tc := msg.FirstToolCall(block.ToolUseID)
	if tc == nil {
		return
	}

	mutated := false
	state := model.ToolStateCompleted
	if block.IsError {
		state = model.ToolStateError
	}
	if tc.State != state {
		tc.State = state
		mutated = true
	}
	if block.ToolResult != nil && !reflect.DeepEqual(tc.Result, block.ToolResult) {
		tc.Result = block.ToolResult
		mutated = true
	}
	if tc.CompletedAt == 0 {
		tc.CompletedAt = at
		mutated = true
	}
	if tc.Permission != nil && tc.Permission.Date == 0 {
		tc.Permission.Date = at
		mutated = true
	}
	if mutated {
		changed[msgID] = struct{}{}
	}
}

func (r *Reducer) noteEvent(msg *model.Message, result *ReducerResult) {
	if msg.Kind != model.MessageKindEvent || msg.Event == nil {
		return
	}
	switch msg.Event["type"] {
	case "ready":
		result.HasReadyEvent = true
	case "todo":
		if todos, ok := msg.Event["todos"].([]any); ok {
			result.Todos = todos
		}
	}
}

// reconcilePermissions runs the two-phase permission merge: pending requests
// first (newer pending overrides an older completion for the same id), then
// completed requests.
func (r *Reducer) reconcilePermissions(agent *model.AgentState, changed map[string]struct{}) {
	overridden := make(map[string]struct{})

	for id, req := range agent.Requests {
		if comp, ok := agent.CompletedRequests[id]; ok {
			completedAt := comp.CompletedAt
			if completedAt == 0 {
				completedAt = comp.CreatedAt
			}
			if req.CreatedAt <= completedAt {
				// The completed answer is authoritative.
				continue
			}
			overridden[id] = struct{}{}
		}
		r.applyPending(id, req, changed)
	}

	for id, comp := range agent.CompletedRequests {
		if _, ok := overridden[id]; ok {
			continue
		}
		if _, exists := r.toolIndex[id]; exists {
			r.applyCompleted(id, comp, changed)
			continue
		}
		// Unseen tool id: hold for correlation with a message that may be
		// in flight.
		if def, ok := r.deferred[id]; ok {
			def.completed = comp
		} else {
			r.deferred[id] = &deferredPermission{completed: comp}
		}
	}
}

func (r *Reducer) applyPending(id string, req *model.AgentRequest, changed map[string]struct{}) {
	msgID, exists := r.toolIndex[id]
	if !exists {
		msg := r.synthesizeToolCall(id, req.Tool, req.Arguments, req.CreatedAt)
		msg.FirstToolCall(id).Permission = &model.Permission{ID: id, Status: model.PermissionPending}
		changed[msg.ID] = struct{}{}
		return
	}

	msg := r.byID[msgID]
	tc := msg.FirstToolCall(id)
	if tc == nil {
		return
	}
	mutated := false
	if req.Arguments != nil && !reflect.DeepEqual(tc.Input, req.Arguments) {
		tc.Input = req.Arguments
		mutated = true
	}
	if tc.Permission == nil {
		tc.Permission = &model.Permission{ID: id, Status: model.PermissionPending}
		mutated = true
	}
	if mutated {
		changed[msgID] = struct{}{}
	}
}

func (r *Reducer) applyCompleted(id string, comp *model.CompletedRequest, changed map[string]struct{}) {
	msgID, exists := r.toolIndex[id]
	if !exists {
		msg := r.synthesizeToolCall(id, comp.Tool, comp.Arguments, comp.CreatedAt)
		tc := msg.FirstToolCall(id)
		r.applyCompletedToToolCall(tc, comp)
		changed[msg.ID] = struct{}{}
		return
	}

	msg := r.byID[msgID]
	tc := msg.FirstToolCall(id)
	if tc == nil {
		return
	}
	// A real tool result already finalized this call; agent state loses.
	// Finalization without any permission record can only come from the
	// transcript, which is just as authoritative.
	if (tc.State == model.ToolStateCompleted || tc.State == model.ToolStateError) &&
		(tc.Permission == nil || tc.Permission.Date != 0) {
		return
	}
	if r.applyCompletedToToolCall(tc, comp) {
		changed[msgID] = struct{}{}
	}
}

func (r *Reducer) applyCompletedToToolCall(tc *model.ToolCall, comp *model.CompletedRequest) bool {
	mutated := false

	next := model.Permission{
		ID:           tc.ID,
		Status:       comp.Status,
		Mode:         comp.Mode,
		AllowedTools: comp.AllowedTools,
		Decision:     comp.Decision,
		Reason:       comp.Reason,
	}
	if tc.Permission != nil {
		next.Date = tc.Permission.Date
	}
	if tc.Permission == nil || !reflect.DeepEqual(*tc.Permission, next) {
		tc.Permission = &next
		mutated = true
	}

	switch comp.Status {
	case model.PermissionApproved:
		if tc.State != model.ToolStateCompleted && tc.State != model.ToolStateError {
			if tc.State != model.ToolStateRunning {
				tc.State = model.ToolStateRunning
				mutated = true
			}
		}
	case model.PermissionDenied, model.PermissionCanceled:
		if tc.State != model.ToolStateError {
			tc.State = model.ToolStateError
			mutated = true
		}
		if tc.CompletedAt == 0 {
			tc.CompletedAt = comp.CompletedAt
			if tc.CompletedAt == 0 {
				tc.CompletedAt = comp.CreatedAt
			}
			mutated = true
		}
		if tc.Result == nil {
			tc.Result = map[string]any{
				"error": "Permission " + comp.Status,
			}
			mutated = true
		}
	}
	return mutated
}

// synthesizeToolCall creates a standalone agent message carrying a tool call
// the transcript never delivered. The tool-call id doubles as the message id.
func (r *Reducer) synthesizeToolCall(id, tool string, input map[string]any, at int64) *model.Message {
	msg := &model.Message{
		ID:        id,
		SessionID: r.sessionID,
		Kind:      model.MessageKindAgent,
		CreatedAt: at,
		Blocks: []model.ContentBlock{{
			Kind: "tool-call",
			ToolCall: &model.ToolCall{
				ID:        id,
				Name:      tool,
				Input:     input,
				State:     model.ToolStateRunning,
				StartedAt: at,
			},
		}},
		IsDecrypted: true,
	}
	r.byID[id] = msg
	r.order = append(r.order, id)
	r.toolIndex[id] = id
	return msg
}

// ageDeferred turns deferred completions that never correlated into
// standalone synthesized messages after the pass bound.
func (r *Reducer) ageDeferred(changed map[string]struct{}) {
	for id, def := range r.deferred {
		def.passes++
		if def.passes < deferredPasses {
			continue
		}
		delete(r.deferred, id)
		r.log.Debug("deferred permission never correlated, synthesizing", "toolId", id)
		msg := r.synthesizeToolCall(id, def.completed.Tool, def.completed.Arguments, def.completed.CreatedAt)
		r.applyCompletedToToolCall(msg.FirstToolCall(id), def.completed)
		changed[msg.ID] = struct{}{}
	}
}

func (r *Reducer) dropMessage(id string) {
	msg, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	for i := range msg.Blocks {
		if tc := msg.Blocks[i].ToolCall; tc != nil && r.toolIndex[tc.ID] == id {
			delete(r.toolIndex, tc.ID)
		}
	}
}
