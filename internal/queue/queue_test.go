package queue

import (
	"errors"
	"testing"
	"time"
)

func fixedClock(at int64) func() int64 {
	return func() int64 { return at }
}

func TestProcessQueue_StrictPriorityOrder(t *testing.T) {
	q := New(nil)
	q.SetClock(fixedClock(1000))

	var order []string
	q.RegisterExecutor(TypeMessage, func(op Operation) (ExecResult, error) {
		order = append(order, op.Data["tag"].(string))
		return ExecResult{Success: true}, nil
	})

	q.Enqueue(Operation{Type: TypeMessage, Priority: PriorityLow, Data: map[string]any{"tag": "low"}, Timestamp: 1})
	q.Enqueue(Operation{Type: TypeMessage, Priority: PriorityCritical, Data: map[string]any{"tag": "critical"}, Timestamp: 2})
	q.Enqueue(Operation{Type: TypeMessage, Priority: PriorityHigh, Data: map[string]any{"tag": "high"}, Timestamp: 3})

	result := q.ProcessQueue()
	if result.Processed != 3 {
		t.Fatalf("expected 3 processed, got %d", result.Processed)
	}
	want := []string{"critical", "high", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue not empty after drain: %d", q.Len())
	}
}

func TestProcessQueue_FIFOWithinTier(t *testing.T) {
	q := New(nil)
	q.SetClock(fixedClock(1000))

	var order []string
	q.RegisterExecutor(TypeMessage, func(op Operation) (ExecResult, error) {
		order = append(order, op.Data["tag"].(string))
		return ExecResult{Success: true}, nil
	})

	q.Enqueue(Operation{Type: TypeMessage, Priority: PriorityHigh, Data: map[string]any{"tag": "first"}, Timestamp: 10})
	q.Enqueue(Operation{Type: TypeMessage, Priority: PriorityHigh, Data: map[string]any{"tag": "second"}, Timestamp: 20})

	q.ProcessQueue()
	if order[0] != "first" || order[1] != "second" {
		t.Fatalf("tier not FIFO: %v", order)
	}
}

func TestEnqueue_CapacityKeepsHighestPriority(t *testing.T) {
	q := New(nil)
	q.SetClock(fixedClock(1000))
	q.SetMaxQueueSize(3)

	q.Enqueue(Operation{Type: TypeMessage, Priority: PriorityLow, Timestamp: 1})
	q.Enqueue(Operation{Type: TypeMessage, Priority: PriorityLow, Timestamp: 2})
	q.Enqueue(Operation{Type: TypeMessage, Priority: PriorityCritical, Timestamp: 3})
	q.Enqueue(Operation{Type: TypeMessage, Priority: PriorityCritical, Timestamp: 4})

	ops := q.Snapshot()
	if len(ops) != 3 {
		t.Fatalf("expected 3 ops, got %d", len(ops))
	}
	criticals := 0
	for _, op := range ops {
		if op.Priority == PriorityCritical {
			criticals++
		}
	}
	if criticals != 2 {
		t.Fatalf("eviction dropped a critical op: %+v", ops)
	}
}

func TestEnqueue_PurgesExpired(t *testing.T) {
	q := New(nil)
	now := int64(1000)
	q.SetClock(func() int64 { return now })

	q.Enqueue(Operation{Type: TypeMessage, Timestamp: 1000, ExpiresAt: 2000})

	now = 3000
	q.Enqueue(Operation{Type: TypeMessage, Timestamp: 3000})

	ops := q.Snapshot()
	if len(ops) != 1 {
		t.Fatalf("expected expired op purged, got %d ops", len(ops))
	}
	if ops[0].Timestamp != 3000 {
		t.Fatalf("wrong op kept: %+v", ops[0])
	}
}

func TestProcessQueue_MaxRetriesTerminal(t *testing.T) {
	q := New(nil)
	q.SetClock(fixedClock(1000))
	q.RegisterExecutor(TypeMessage, func(op Operation) (ExecResult, error) {
		return ExecResult{}, errors.New("network down")
	})

	q.Enqueue(Operation{Type: TypeMessage, MaxRetries: 2})

	first := q.ProcessQueue()
	if first.Failed != 1 || first.Errors[0].Terminal {
		t.Fatalf("first failure should be transient: %+v", first)
	}
	if q.Len() != 1 {
		t.Fatalf("op dropped before retries exhausted")
	}

	second := q.ProcessQueue()
	if second.Failed != 1 {
		t.Fatalf("expected terminal failure, got %+v", second)
	}
	if !second.Errors[0].Terminal || second.Errors[0].Err != "Max retries exceeded" {
		t.Fatalf("unexpected terminal error: %+v", second.Errors[0])
	}
	if q.Len() != 0 {
		t.Fatalf("terminal op still queued")
	}
}

func TestProcessQueue_UnknownTypeTerminal(t *testing.T) {
	q := New(nil)
	q.SetClock(fixedClock(1000))
	q.Enqueue(Operation{Type: "bogus"})

	result := q.ProcessQueue()
	if result.Failed != 1 || !result.Errors[0].Terminal {
		t.Fatalf("unknown type not terminal: %+v", result)
	}
	if q.Len() != 0 {
		t.Fatalf("unknown-type op still queued")
	}
}

func TestProcessQueue_ExecutorPanicCountsAsFailure(t *testing.T) {
	q := New(nil)
	q.SetClock(fixedClock(1000))
	q.RegisterExecutor(TypeMessage, func(op Operation) (ExecResult, error) {
		panic("boom")
	})

	q.Enqueue(Operation{Type: TypeMessage, MaxRetries: 3})
	result := q.ProcessQueue()
	if result.Failed != 1 {
		t.Fatalf("panic not recorded as failure: %+v", result)
	}
	if q.Len() != 1 {
		t.Fatalf("op should remain for retry after panic")
	}
}

func TestProcessQueue_ConflictResolvedOncePerPass(t *testing.T) {
	q := New(nil)
	q.SetClock(fixedClock(1000))

	calls := 0
	q.RegisterExecutor(TypeStateUpdate, func(op Operation) (ExecResult, error) {
		calls++
		if calls == 1 {
			return ExecResult{Conflict: true, ConflictData: map[string]any{"mode": "remote", "lastModified": int64(500)}}, nil
		}
		return ExecResult{Success: true}, nil
	})

	q.Enqueue(Operation{Type: TypeStateUpdate, Data: map[string]any{"mode": "local", "lastModified": int64(900)}})

	first := q.ProcessQueue()
	if first.Conflicts != 1 || first.Processed != 0 {
		t.Fatalf("expected one conflict and no processing: %+v", first)
	}
	if q.Len() != 1 {
		t.Fatalf("conflicted op dropped")
	}

	ops := q.Snapshot()
	if ops[0].Data["mode"] != "local" {
		t.Fatalf("newer local field lost in merge: %+v", ops[0].Data)
	}

	second := q.ProcessQueue()
	if second.Processed != 1 {
		t.Fatalf("resolved op not processed: %+v", second)
	}
}

func TestSetMaxOfflineTime_SetsExpiryHorizon(t *testing.T) {
	q := New(nil)
	q.SetClock(fixedClock(1000))
	q.SetMaxOfflineTime(time.Hour)

	q.Enqueue(Operation{Type: TypeMessage})
	op := q.Snapshot()[0]
	if op.ExpiresAt != 1000+time.Hour.Milliseconds() {
		t.Fatalf("unexpected expiry %d", op.ExpiresAt)
	}
}
