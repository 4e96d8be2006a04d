package store

import (
	"fmt"
	"testing"

	"happy-sync/internal/model"
)

func TestSessions_SortedByRecency(t *testing.T) {
	s := New()
	s.PutSession(model.Session{ID: "a", UpdatedAt: 100})
	s.PutSession(model.Session{ID: "b", UpdatedAt: 300})
	s.PutSession(model.Session{ID: "c", UpdatedAt: 200})

	sessions := s.Sessions()
	want := []string{"b", "c", "a"}
	for i := range want {
		if sessions[i].ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], sessions[i].ID)
		}
	}
}

func TestMutateSession_SuppressesNoops(t *testing.T) {
	s := New()
	s.PutSession(model.Session{ID: "a", Active: false})

	_, ch := s.Subscribe()
	drain(ch)

	if s.MutateSession("a", func(sess *model.Session) bool { return false }) {
		t.Fatalf("no-op mutation reported as change")
	}
	select {
	case c := <-ch:
		t.Fatalf("no-op mutation published %+v", c)
	default:
	}

	if !s.MutateSession("a", func(sess *model.Session) bool {
		sess.Active = true
		return true
	}) {
		t.Fatalf("real mutation not applied")
	}
	sess, _ := s.Session("a")
	if !sess.Active {
		t.Fatalf("mutation lost")
	}
	select {
	case c := <-ch:
		if len(c.Sessions) != 1 || c.Sessions[0] != "a" {
			t.Fatalf("unexpected change %+v", c)
		}
	default:
		t.Fatalf("mutation not published")
	}
}

func TestMutateSession_MissingID(t *testing.T) {
	s := New()
	if s.MutateSession("ghost", func(sess *model.Session) bool { return true }) {
		t.Fatalf("mutation of missing session succeeded")
	}
}

func TestDeleteArtifact_SoftDelete(t *testing.T) {
	s := New()
	s.PutArtifact(model.Artifact{ID: "a1", Title: "notes"})

	if !s.DeleteArtifact("a1") {
		t.Fatalf("delete failed")
	}
	if _, ok := s.Artifact("a1"); ok {
		t.Fatalf("deleted artifact still visible")
	}
	if len(s.Artifacts()) != 0 {
		t.Fatalf("deleted artifact still listed")
	}
	if s.MutateArtifact("a1", func(a *model.Artifact) bool { return true }) {
		t.Fatalf("deleted artifact still mutable")
	}
}

func TestFeed_BoundedNewestFirst(t *testing.T) {
	s := New()
	for i := 0; i < feedCap+10; i++ {
		s.AppendFeedPost(model.FeedPost{ID: fmt.Sprintf("p%d", i), Counter: int64(i)})
	}

	feed := s.Feed()
	if len(feed) != feedCap {
		t.Fatalf("expected %d posts, got %d", feedCap, len(feed))
	}
	if feed[0].Counter != int64(feedCap+9) {
		t.Fatalf("newest post not first: %+v", feed[0])
	}
}

func TestSettings_ReturnsCopy(t *testing.T) {
	s := New()
	s.SetSettings(map[string]any{"theme": "dark"}, 2)

	values, version := s.Settings()
	if version != 2 || values["theme"] != "dark" {
		t.Fatalf("unexpected %v v%d", values, version)
	}

	values["theme"] = "light"
	again, _ := s.Settings()
	if again["theme"] != "dark" {
		t.Fatalf("caller mutation leaked into store")
	}
}

func TestSubscribe_MessagesAndReset(t *testing.T) {
	s := New()
	id, ch := s.Subscribe()
	defer s.Unsubscribe(id)

	s.PublishMessages("s1", []string{"m1", "m2"})
	c := <-ch
	if len(c.Messages["s1"]) != 2 {
		t.Fatalf("unexpected message change %+v", c)
	}

	s.PublishMessages("s1", nil)
	select {
	case c := <-ch:
		if c.Messages != nil {
			t.Fatalf("empty message set published %+v", c)
		}
	default:
	}

	s.Reset()
	c = <-ch
	if !c.Reset {
		t.Fatalf("reset not published: %+v", c)
	}
}

func drain(ch <-chan Change) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
