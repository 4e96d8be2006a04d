// Package queue implements the offline operation queue: pending local
// mutations held while connectivity is down, drained in priority order with
// retry, expiry and conflict resolution.
package queue

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// Operation types.
const (
	TypeMessage     = "message"
	TypeStateUpdate = "state_update"
	TypeUserAction  = "user_action"
)

// Operation is a queued local mutation. Owned exclusively by the queue.
type Operation struct {
	ID         string
	Type       string
	Priority   Priority
	Data       map[string]any
	Timestamp  int64
	RetryCount int
	MaxRetries int
	ExpiresAt  int64
}

// ExecResult is what a per-type executor reports back.
type ExecResult struct {
	Success      bool
	Conflict     bool
	ConflictData map[string]any
}

// Executor performs one operation type against the server.
type Executor func(op Operation) (ExecResult, error)

// DrainResult summarizes one ProcessQueue pass.
type DrainResult struct {
	Processed int
	Failed    int
	Conflicts int
	Errors    []OpError
}

// OpError records a terminal or transient error for one operation.
type OpError struct {
	OperationID string
	Type        string
	Err         string
	Terminal    bool
}

const (
	defaultMaxQueueSize   = 200
	defaultMaxOfflineTime = 24 * time.Hour
	defaultMaxRetries     = 3
)

// Queue is the priority offline-operation queue.
type Queue struct {
	mu sync.Mutex

	ops            []Operation
	executors      map[string]Executor
	resolvers      map[string]ConflictResolver
	maxQueueSize   int
	maxOfflineTime time.Duration
	draining       bool

	log   *slog.Logger
	clock func() int64
}

func New(log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		executors:      make(map[string]Executor),
		resolvers:      make(map[string]ConflictResolver),
		maxQueueSize:   defaultMaxQueueSize,
		maxOfflineTime: defaultMaxOfflineTime,
		log:            log.With("component", "queue"),
		clock:          func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the millisecond clock. Test hook.
func (q *Queue) SetClock(clock func() int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock = clock
}

// RegisterExecutor installs the executor for an operation type.
func (q *Queue) RegisterExecutor(opType string, exec Executor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.executors[opType] = exec
}

// RegisterResolver overrides the conflict resolver for an operation type.
func (q *Queue) RegisterResolver(opType string, r ConflictResolver) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resolvers[opType] = r
}

// Enqueue admits an operation and returns its id. Limits are enforced on
// every admission.
func (q *Queue) Enqueue(op Operation) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	if op.ID == "" {
		op.ID = fmt.Sprintf("op_%d_%s", now, uuid.NewString()[:8])
	}
	if op.Timestamp == 0 {
		op.Timestamp = now
	}
	if op.MaxRetries == 0 {
		op.MaxRetries = defaultMaxRetries
	}
	if op.ExpiresAt == 0 {
		op.ExpiresAt = op.Timestamp + q.maxOfflineTime.Milliseconds()
	}

	q.ops = append(q.ops, op)
	q.enforceLimitsLocked(now)
	return op.ID
}

// SetMaxQueueSize caps the queue, evicting immediately if already over.
func (q *Queue) SetMaxQueueSize(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > 0 {
		q.maxQueueSize = n
		q.enforceLimitsLocked(q.clock())
	}
}

// SetMaxOfflineTime sets the default expiry horizon for new operations.
func (q *Queue) SetMaxOfflineTime(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d > 0 {
		q.maxOfflineTime = d
	}
}

// Len reports the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Clear drops every queued operation.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = nil
}

// enforceLimitsLocked purges expired entries, then evicts the lowest-priority
// oldest-admitted overflow. A higher-priority item is never evicted to make
// room for a newer low-priority one.
func (q *Queue) enforceLimitsLocked(now int64) {
	kept := q.ops[:0]
	for _, op := range q.ops {
		if op.ExpiresAt > 0 && op.ExpiresAt < now {
			q.log.Debug("purging expired operation", "id", op.ID, "type", op.Type)
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept

	if len(q.ops) <= q.maxQueueSize {
		return
	}
	sort.SliceStable(q.ops, func(i, j int) bool {
		if q.ops[i].Priority != q.ops[j].Priority {
			return q.ops[i].Priority > q.ops[j].Priority
		}
		return q.ops[i].Timestamp < q.ops[j].Timestamp
	})
	for _, op := range q.ops[q.maxQueueSize:] {
		q.log.Debug("evicting operation over capacity", "id", op.ID, "priority", op.Priority.String())
	}
	q.ops = q.ops[:q.maxQueueSize]
}

// ProcessQueue drains the queue in strict priority order, FIFO within a
// tier. A conflict is resolved once per pass and not retried in the same
// cycle.
func (q *Queue) ProcessQueue() DrainResult {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return DrainResult{}
	}
	q.draining = true

	now := q.clock()
	q.enforceLimitsLocked(now)
	batch := make([]Operation, len(q.ops))
	copy(batch, q.ops)
	q.mu.Unlock()

	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority > batch[j].Priority
		}
		return batch[i].Timestamp < batch[j].Timestamp
	})

	var result DrainResult
	for _, op := range batch {
		q.processOne(op, &result)
	}

	q.mu.Lock()
	q.draining = false
	q.mu.Unlock()
	return result
}

func (q *Queue) processOne(op Operation, result *DrainResult) {
	q.mu.Lock()
	exec, ok := q.executors[op.Type]
	resolver := q.resolvers[op.Type]
	q.mu.Unlock()

	if !ok {
		q.log.Warn("unknown operation type", "id", op.ID, "type", op.Type)
		result.Failed++
		result.Errors = append(result.Errors, OpError{
			OperationID: op.ID, Type: op.Type,
			Err: "Unknown operation type", Terminal: true,
		})
		q.remove(op.ID)
		return
	}

	execResult, err := func() (r ExecResult, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("executor panic: %v", rec)
			}
		}()
		return exec(op)
	}()

	switch {
	case err != nil:
		q.retryOrFail(op, err.Error(), result)
	case execResult.Success:
		result.Processed++
		q.remove(op.ID)
	case execResult.Conflict:
		q.resolveConflict(op, execResult.ConflictData, resolver, result)
	default:
		q.retryOrFail(op, "operation failed", result)
	}
}

func (q *Queue) retryOrFail(op Operation, cause string, result *DrainResult) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.ops {
		if q.ops[i].ID != op.ID {
			continue
		}
		q.ops[i].RetryCount++
		if q.ops[i].RetryCount >= q.ops[i].MaxRetries {
			q.log.Warn("operation exhausted retries", "id", op.ID, "type", op.Type, "cause", cause)
			result.Failed++
			result.Errors = append(result.Errors, OpError{
				OperationID: op.ID, Type: op.Type,
				Err: "Max retries exceeded", Terminal: true,
			})
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return
		}
		result.Failed++
		result.Errors = append(result.Errors, OpError{
			OperationID: op.ID, Type: op.Type, Err: cause,
		})
		return
	}
}

func (q *Queue) resolveConflict(op Operation, conflictData map[string]any, resolver ConflictResolver, result *DrainResult) {
	if resolver == nil {
		resolver = DefaultResolver(op.Type)
	}
	resolved := resolver(op.Data, conflictData)

	q.mu.Lock()
	for i := range q.ops {
		if q.ops[i].ID == op.ID {
			q.ops[i].Data = resolved
			break
		}
	}
	q.mu.Unlock()

	q.log.Info("operation conflict resolved", "id", op.ID, "type", op.Type)
	result.Conflicts++
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.ops {
		if q.ops[i].ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return
		}
	}
}

// Snapshot returns a copy of the queued operations for inspection.
func (q *Queue) Snapshot() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Operation, len(q.ops))
	copy(out, q.ops)
	return out
}
