package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anvilworks/ragserver/internal/domain"
	"github.com/anvilworks/ragserver/internal/platform/apierr"
	"github.com/anvilworks/ragserver/internal/platform/logger"
)

const (
	sessionKeyPrefix     = "ragserver:session:"
	sessionTTL           = time.Hour
	sessionIdleLimit     = time.Hour
	sessionSweepInterval = 10 * time.Minute
)

// SessionStore keeps conversation state durable in the key-value store and
// mirrors it in a local read-through cache. The durable copy is the source
// of truth across instances; the local copy only short-circuits reads on
// the instance that served the last turn.
type SessionStore struct {
	log *logger.Logger
	kv  KeyValueStore
	now func() time.Time

	mu    sync.Mutex
	local map[string]*domain.ChatSession
}

func NewSessionStore(baseLog *logger.Logger, kv KeyValueStore) *SessionStore {
	return &SessionStore{
		log:   baseLog.With("service", "SessionStore"),
		kv:    kv,
		now:   time.Now,
		local: map[string]*domain.ChatSession{},
	}
}

func (s *SessionStore) Create(ctx context.Context, instructions string) (string, error) {
	session := s.newSession(uuid.NewString(), instructions)
	if err := s.Persist(ctx, session); err != nil {
		return "", err
	}
	return session.ID, nil
}

// GetOrCreate returns the session for id, reading through the local cache
// to the durable store, or creates a new session when id is empty or
// unknown. The returned session's LastActivity is bumped.
func (s *SessionStore) GetOrCreate(ctx context.Context, id string, instructions string) (*domain.ChatSession, error) {
	id = strings.TrimSpace(id)
	if id != "" {
		s.mu.Lock()
		if session, ok := s.local[id]; ok {
			session.LastActivity = s.now()
			s.mu.Unlock()
			return session, nil
		}
		s.mu.Unlock()

		session, err := s.loadDurable(ctx, id)
		if err != nil {
			return nil, err
		}
		if session != nil {
			session.LastActivity = s.now()
			s.mu.Lock()
			s.local[id] = session
			s.mu.Unlock()
			return session, nil
		}
	}

	session := s.newSession(id, instructions)
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.local[session.ID] = session
	s.mu.Unlock()
	return session, nil
}

// Persist writes the session through to the durable store with a sliding
// TTL refresh and mirrors it locally. Concurrent turns on one session are
// last-write-wins on the durable snapshot; that race is accepted, not
// locked away.
func (s *SessionStore) Persist(ctx context.Context, session *domain.ChatSession) error {
	if session == nil || strings.TrimSpace(session.ID) == "" {
		return apierr.Validation(fmt.Errorf("session id required"))
	}
	session.LastActivity = s.now()

	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.kv.Set(ctx, sessionKeyPrefix+session.ID, string(raw), sessionTTL); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}

	s.mu.Lock()
	s.local[session.ID] = session
	s.mu.Unlock()
	return nil
}

// Clear empties the history but keeps identity and instructions.
func (s *SessionStore) Clear(ctx context.Context, id string) error {
	session, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	session.History = nil
	return s.Persist(ctx, session)
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return apierr.Validation(fmt.Errorf("session id required"))
	}
	s.mu.Lock()
	delete(s.local, id)
	s.mu.Unlock()
	return s.kv.Del(ctx, sessionKeyPrefix+id)
}

func (s *SessionStore) Info(ctx context.Context, id string) (*domain.SessionInfo, error) {
	session, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return &domain.SessionInfo{
		ID:           session.ID,
		MessageCount: len(session.History),
		CreatedAt:    session.CreatedAt,
		LastActivity: session.LastActivity,
	}, nil
}

// StartSweeper prunes locally cached sessions idle past sessionIdleLimit.
// The durable copy expires independently via its own TTL.
func (s *SessionStore) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sessionSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *SessionStore) sweep() {
	cutoff := s.now().Add(-sessionIdleLimit)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, session := range s.local {
		if session.LastActivity.Before(cutoff) {
			delete(s.local, id)
		}
	}
}

func (s *SessionStore) lookup(ctx context.Context, id string) (*domain.ChatSession, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apierr.Validation(fmt.Errorf("session id required"))
	}
	s.mu.Lock()
	if session, ok := s.local[id]; ok {
		s.mu.Unlock()
		return session, nil
	}
	s.mu.Unlock()

	session, err := s.loadDurable(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, apierr.NotFound("session")
	}
	s.mu.Lock()
	s.local[id] = session
	s.mu.Unlock()
	return session, nil
}

func (s *SessionStore) loadDurable(ctx context.Context, id string) (*domain.ChatSession, error) {
	raw, found, err := s.kv.Get(ctx, sessionKeyPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !found {
		return nil, nil
	}
	var session domain.ChatSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &session, nil
}

func (s *SessionStore) newSession(id string, instructions string) *domain.ChatSession {
	now := s.now()
	return &domain.ChatSession{
		ID:           strings.TrimSpace(id),
		Instructions: instructions,
		History:      nil,
		CreatedAt:    now,
		LastActivity: now,
	}
}
