package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/anvilworks/ragserver/internal/domain"
	"github.com/anvilworks/ragserver/internal/platform/apierr"
)

func TestSessionCreateAndInfo(t *testing.T) {
	kv := newFakeKVStore()
	s := NewSessionStore(testLogger(t), kv)
	ctx := context.Background()

	id, err := s.Create(ctx, "be terse")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" {
		t.Fatalf("Create returned empty id")
	}

	raw, ok := kv.entries[sessionKeyPrefix+id]
	if !ok {
		t.Fatalf("session not written to durable store")
	}
	if kv.ttls[sessionKeyPrefix+id] != sessionTTL {
		t.Fatalf("want TTL %v, got %v", sessionTTL, kv.ttls[sessionKeyPrefix+id])
	}
	var stored domain.ChatSession
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		t.Fatalf("decode stored session: %v", err)
	}
	if stored.Instructions != "be terse" {
		t.Fatalf("want instructions snapshot, got %q", stored.Instructions)
	}

	info, err := s.Info(ctx, id)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.ID != id || info.MessageCount != 0 {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestSessionGetOrCreateReadsThroughDurable(t *testing.T) {
	kv := newFakeKVStore()
	first := NewSessionStore(testLogger(t), kv)
	ctx := context.Background()

	id, err := first.Create(ctx, "snapshot")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	session, err := first.GetOrCreate(ctx, id, "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	session.History = append(session.History,
		domain.ChatMessage{Role: domain.RoleUser, Content: "hi"},
		domain.ChatMessage{Role: domain.RoleAssistant, Content: "hello"},
	)
	if err := first.Persist(ctx, session); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	// A second instance sharing the store sees the same session.
	second := NewSessionStore(testLogger(t), kv)
	loaded, err := second.GetOrCreate(ctx, id, "")
	if err != nil {
		t.Fatalf("GetOrCreate on second instance: %v", err)
	}
	if loaded.ID != id || len(loaded.History) != 2 {
		t.Fatalf("durable read-through lost state: %+v", loaded)
	}
	if loaded.Instructions != "snapshot" {
		t.Fatalf("instructions snapshot lost: %q", loaded.Instructions)
	}
}

func TestSessionGetOrCreateUnknownID(t *testing.T) {
	s := NewSessionStore(testLogger(t), newFakeKVStore())
	ctx := context.Background()

	session, err := s.GetOrCreate(ctx, "client-chosen-id", "instr")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if session.ID != "client-chosen-id" {
		t.Fatalf("unknown id should be adopted, got %q", session.ID)
	}
	if len(session.History) != 0 {
		t.Fatalf("new session should start empty")
	}
}

func TestSessionClearKeepsIdentity(t *testing.T) {
	kv := newFakeKVStore()
	s := NewSessionStore(testLogger(t), kv)
	ctx := context.Background()

	id, err := s.Create(ctx, "keep me")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	session, _ := s.GetOrCreate(ctx, id, "")
	session.History = append(session.History, domain.ChatMessage{Role: domain.RoleUser, Content: "hi"})
	if err := s.Persist(ctx, session); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	if err := s.Clear(ctx, id); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	cleared, err := s.GetOrCreate(ctx, id, "")
	if err != nil {
		t.Fatalf("GetOrCreate after clear: %v", err)
	}
	if len(cleared.History) != 0 {
		t.Fatalf("history not emptied")
	}
	if cleared.ID != id || cleared.Instructions != "keep me" {
		t.Fatalf("identity lost on clear: %+v", cleared)
	}
}

func TestSessionDelete(t *testing.T) {
	kv := newFakeKVStore()
	s := NewSessionStore(testLogger(t), kv)
	ctx := context.Background()

	id, _ := s.Create(ctx, "")
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := kv.entries[sessionKeyPrefix+id]; ok {
		t.Fatalf("durable copy not deleted")
	}
	if _, err := s.Info(ctx, id); !apierr.IsCode(err, apierr.CodeNotFound) {
		t.Fatalf("want not_found after delete, got %v", err)
	}
}

func TestSessionSweepPrunesIdle(t *testing.T) {
	s := NewSessionStore(testLogger(t), newFakeKVStore())
	current := time.Unix(1700000000, 0)
	s.now = func() time.Time { return current }
	ctx := context.Background()

	idle, _ := s.GetOrCreate(ctx, "", "")
	current = current.Add(30 * time.Minute)
	fresh, _ := s.GetOrCreate(ctx, "", "")

	current = current.Add(sessionIdleLimit - 15*time.Minute)
	s.sweep()

	s.mu.Lock()
	_, idleKept := s.local[idle.ID]
	_, freshKept := s.local[fresh.ID]
	s.mu.Unlock()
	if idleKept {
		t.Fatalf("idle session survived the sweep")
	}
	if !freshKept {
		t.Fatalf("active session was swept")
	}
}

func TestSessionValidation(t *testing.T) {
	s := NewSessionStore(testLogger(t), newFakeKVStore())
	ctx := context.Background()

	if _, err := s.Info(ctx, "  "); !apierr.IsCode(err, apierr.CodeValidation) {
		t.Fatalf("blank id: want validation error, got %v", err)
	}
	if err := s.Persist(ctx, &domain.ChatSession{}); !apierr.IsCode(err, apierr.CodeValidation) {
		t.Fatalf("persist without id: want validation error, got %v", err)
	}
	if _, err := s.Info(ctx, "nope"); !apierr.IsCode(err, apierr.CodeNotFound) {
		t.Fatalf("unknown id: want not_found, got %v", err)
	}
}
