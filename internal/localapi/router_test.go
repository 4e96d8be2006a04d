package localapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"happy-sync/internal/crypto"
	"happy-sync/internal/health"
	"happy-sync/internal/model"
	"happy-sync/internal/queue"
	"happy-sync/internal/settings"
	"happy-sync/internal/store"
	"happy-sync/internal/sync"
)

type stubPinger struct{}

func (stubPinger) Ping(ctx context.Context) (time.Duration, error) {
	return 50 * time.Millisecond, nil
}

type stubPoster struct{}

func (stubPoster) PostSettings(ctx context.Context, doc map[string]any, expectedVersion int) (settings.PushResult, error) {
	return settings.PushResult{Success: true, Version: expectedVersion + 1}, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.New()
	keys := crypto.NewKeyCache(nil)
	q := queue.New(nil)
	engine := sync.NewEngine(sync.Deps{Store: st, Keys: keys, Queue: q})
	t.Cleanup(engine.Close)

	sm := health.NewStateMachine(func() int64 { return time.Now().UnixMilli() })
	monitor := health.NewMonitor(stubPinger{}, sm, nil)
	sets := settings.New(st, nil, stubPoster{}, nil)

	router := NewRouter(Deps{
		Engine:   engine,
		Store:    st,
		Queue:    q,
		Settings: sets,
		Health:   monitor,
	})
	return router, st
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doRequest(router, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestListSessions(t *testing.T) {
	router, st := newTestRouter(t)
	st.PutSession(model.Session{ID: "s1", Seq: 3, UpdatedAt: 100})
	st.PutSession(model.Session{ID: "s2", Seq: 1, UpdatedAt: 200})

	w := doRequest(router, "GET", "/v1/sessions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Sessions []struct {
			ID  string `json:"id"`
			Seq int64  `json:"seq"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(resp.Sessions))
	}
	// Most recently updated first.
	if resp.Sessions[0].ID != "s2" {
		t.Fatalf("expected s2 first, got %s", resp.Sessions[0].ID)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doRequest(router, "GET", "/v1/sessions/ghost", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSendMessageValidation(t *testing.T) {
	router, st := newTestRouter(t)
	st.PutSession(model.Session{ID: "s1"})

	w := doRequest(router, "POST", "/v1/sessions/s1/messages", `{"text":""}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty text: expected 400, got %d", w.Code)
	}

	w = doRequest(router, "POST", "/v1/sessions/ghost/messages", `{"text":"hi"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown session: expected 404, got %d", w.Code)
	}
}

func TestSendMessageWithoutKeyFails(t *testing.T) {
	router, st := newTestRouter(t)
	st.PutSession(model.Session{ID: "s1"})

	// No data key for the session: the send is rejected before any state
	// changes.
	w := doRequest(router, "POST", "/v1/sessions/s1/messages", `{"text":"hi"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without session key, got %d", w.Code)
	}
}

func TestAccountSettingsRoundTrip(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, "POST", "/v1/account/settings", `{"viewer":{"theme":"dark"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("apply: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(router, "GET", "/v1/account/settings", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
	var resp struct {
		Settings    map[string]any `json:"settings"`
		Version     int            `json:"version"`
		PendingKeys []string       `json:"pendingKeys"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Settings["viewer"] == nil {
		t.Fatalf("settings not stored: %+v", resp)
	}
	if len(resp.PendingKeys) != 0 {
		t.Fatalf("push left pending keys: %v", resp.PendingKeys)
	}
}

func TestApplySettingsRejectsEmptyDelta(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doRequest(router, "POST", "/v1/account/settings", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestKVGetUnknownKey(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doRequest(router, "GET", "/v1/kv/ghost", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doRequest(router, "GET", "/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Connection struct {
			State   string `json:"state"`
			Profile string `json:"profile"`
		} `json:"connection"`
		Queue struct {
			Length  int   `json:"length"`
			Pending []any `json:"pending"`
		} `json:"queue"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Connection.State == "" || resp.Connection.Profile == "" {
		t.Fatalf("incomplete connection status: %+v", resp.Connection)
	}
	if resp.Queue.Length != 0 {
		t.Fatalf("expected empty queue, got %d", resp.Queue.Length)
	}
}

func TestQueueDrain(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doRequest(router, "POST", "/v1/queue/drain", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Processed int `json:"processed"`
		Failed    int `json:"failed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Processed != 0 || resp.Failed != 0 {
		t.Fatalf("drain of empty queue did work: %+v", resp)
	}
}
