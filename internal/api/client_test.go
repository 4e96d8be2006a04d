package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestListSessionsSendsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"sessions": []map[string]any{
				{"id": "s1", "seq": 7, "metadata": "ct", "metadataVersion": 2},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	sessions, err := c.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "s1" || sessions[0].Seq != 7 {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"machines": []any{}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	if _, err := c.ListMachines(context.Background()); err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestClientErrorsDoNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	if _, err := c.ListArtifacts(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx retried: %d attempts", calls.Load())
	}
}

func TestNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	err := c.UpdateReadState(context.Background(), "ghost", map[string]any{"sessionSeq": 1})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostSettingsVersionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ExpectedVersion int `json:"expectedVersion"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.ExpectedVersion == 3 {
			json.NewEncoder(w).Encode(map[string]any{"success": true, "version": 4})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success":         false,
			"error":           "version-mismatch",
			"currentVersion":  3,
			"currentSettings": map[string]any{"theme": "dark"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	res, err := c.PostSettings(context.Background(), map[string]any{"theme": "light"}, 1)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if !res.Mismatch || res.Version != 3 || res.Settings["theme"] != "dark" {
		t.Fatalf("unexpected mismatch result %+v", res)
	}

	res, err = c.PostSettings(context.Background(), map[string]any{"theme": "light"}, 3)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if !res.Success || res.Version != 4 {
		t.Fatalf("unexpected success result %+v", res)
	}
}
