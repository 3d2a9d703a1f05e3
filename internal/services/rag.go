package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/anvilworks/ragserver/internal/domain"
	"github.com/anvilworks/ragserver/internal/observability"
	"github.com/anvilworks/ragserver/internal/platform/apierr"
	"github.com/anvilworks/ragserver/internal/platform/logger"
)

const (
	presenceCacheKey = "has_training_data"

	responseKeyInstructionsLen = 30
	responseKeyMessageLen      = 50

	historyWindow      = 6
	defaultTemperature = 0.7

	defaultInstructions = "You are a helpful assistant. Answer using the provided context when it is relevant."

	persistTimeout = 10 * time.Second
)

// ResponseEntry is a cached generated answer plus the context it was
// grounded on.
type ResponseEntry struct {
	Answer          string   `json:"answer"`
	ContextSnippets []string `json:"contextSnippets,omitempty"`
}

// RagService is the top-level chat orchestrator. One turn walks
// cache check, data presence check, optional retrieval, prompt composition,
// generation and persistence.
type RagService struct {
	log        *logger.Logger
	sessions   *SessionStore
	retrieval  *RetrievalEngine
	completion CompletionProvider
	rel        RelationalStore
	breaker    *CircuitBreaker
	responses  *TTLCache[ResponseEntry]
	presence   *TTLCache[bool]
	metrics    *observability.Metrics
	now        func() time.Time

	instrMu      sync.RWMutex
	instructions string

	bg sync.WaitGroup
}

func NewRagService(
	baseLog *logger.Logger,
	sessions *SessionStore,
	retrieval *RetrievalEngine,
	completion CompletionProvider,
	rel RelationalStore,
	breaker *CircuitBreaker,
	responses *TTLCache[ResponseEntry],
	presence *TTLCache[bool],
	metrics *observability.Metrics,
) *RagService {
	return &RagService{
		log:          baseLog.With("service", "RagService"),
		sessions:     sessions,
		retrieval:    retrieval,
		completion:   completion,
		rel:          rel,
		breaker:      breaker,
		responses:    responses,
		presence:     presence,
		metrics:      metrics,
		now:          time.Now,
		instructions: defaultInstructions,
	}
}

// Chat answers one buffered (non-streaming) turn. It returns the answer and
// the session id, which may be newly created.
func (s *RagService) Chat(ctx context.Context, message string, sessionID string) (string, string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", "", apierr.Validation(fmt.Errorf("message required"))
	}
	start := s.now()

	instructions := s.GetInstructions()
	session, err := s.sessions.GetOrCreate(ctx, sessionID, instructions)
	if err != nil {
		return "", "", err
	}

	// Cache fast path: a fresh identical (instructions, message) pair skips
	// retrieval and generation but still appends both turns.
	cacheKey := responseCacheKey(instructions, message)
	if entry, ok := s.responses.Get(cacheKey); ok {
		s.appendTurns(session, message, entry.Answer)
		if err := s.sessions.Persist(ctx, session); err != nil {
			s.log.Warn("persist after cache hit failed", "session_id", session.ID, "error", err)
		}
		s.persistTurnAsync(session.ID, message, entry.Answer, s.now().Sub(start), true, entry.ContextSnippets)
		return entry.Answer, session.ID, nil
	}

	var docs []domain.RetrievedDocument
	if s.hasAnyData(ctx) {
		docs = s.retrieval.HybridSearch(ctx, message)
	}
	contextBlock := FormatContext(docs)

	answer, err := s.generate(ctx, instructions, contextBlock, session.History, message)
	if err != nil {
		return "", "", err
	}

	s.appendTurns(session, message, answer)
	if err := s.sessions.Persist(ctx, session); err != nil {
		s.log.Warn("persist after generation failed", "session_id", session.ID, "error", err)
	}
	snippets := contextSnippets(docs)
	s.responses.Set(cacheKey, ResponseEntry{Answer: answer, ContextSnippets: snippets})
	s.persistTurnAsync(session.ID, message, answer, s.now().Sub(start), false, snippets)
	return answer, session.ID, nil
}

// ChatStream answers one streaming turn. The returned stream's channel is
// closed when generation finishes or fails; Err reports the terminal state
// after the channel closes. Closing the stream cancels upstream generation.
func (s *RagService) ChatStream(ctx context.Context, message string, sessionID string) (*ChatStream, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, apierr.Validation(fmt.Errorf("message required"))
	}
	start := s.now()

	instructions := s.GetInstructions()
	session, err := s.sessions.GetOrCreate(ctx, sessionID, instructions)
	if err != nil {
		return nil, err
	}

	genCtx, cancel := context.WithCancel(ctx)
	stream := &ChatStream{
		sessionID: session.ID,
		chunks:    make(chan string, 16),
		cancel:    cancel,
	}

	cacheKey := responseCacheKey(instructions, message)
	if entry, ok := s.responses.Get(cacheKey); ok {
		s.appendTurns(session, message, entry.Answer)
		if err := s.sessions.Persist(ctx, session); err != nil {
			s.log.Warn("persist after cache hit failed", "session_id", session.ID, "error", err)
		}
		s.persistTurnAsync(session.ID, message, entry.Answer, s.now().Sub(start), true, entry.ContextSnippets)
		go func() {
			defer cancel()
			defer close(stream.chunks)
			select {
			case stream.chunks <- entry.Answer:
			case <-genCtx.Done():
			}
		}()
		return stream, nil
	}

	// Streaming path trades recall for first-byte latency: single-query
	// vector search instead of the full hybrid pipeline.
	var docs []domain.RetrievedDocument
	if s.hasAnyData(ctx) {
		docs = s.retrieval.SingleQuerySearch(ctx, message)
	}
	contextBlock := FormatContext(docs)
	messages := composeMessages(instructions, contextBlock, session.History, message)

	go func() {
		defer cancel()
		defer close(stream.chunks)

		var full string
		genErr := s.breaker.Do(genCtx, providerCompletion, func(ctx context.Context) error {
			var streamErr error
			full, streamErr = s.completion.Stream(ctx, messages, defaultTemperature, func(delta string) {
				select {
				case stream.chunks <- delta:
				case <-ctx.Done():
				}
			})
			return streamErr
		})
		s.observeLLM(genErr)

		// Persist on a detached context: the transport may already have
		// abandoned the request.
		persistCtx, cancelPersist := context.WithTimeout(context.Background(), persistTimeout)
		defer cancelPersist()

		if genErr != nil {
			// Generation raised mid-stream: keep the user turn, never a
			// partial assistant turn.
			session.History = append(session.History, domain.ChatMessage{Role: domain.RoleUser, Content: message})
			if err := s.sessions.Persist(persistCtx, session); err != nil {
				s.log.Warn("persist after stream failure failed", "session_id", session.ID, "error", err)
			}
			stream.fail(wrapGenerationError(genErr))
			return
		}

		s.appendTurns(session, message, full)
		if err := s.sessions.Persist(persistCtx, session); err != nil {
			s.log.Warn("persist after stream failed", "session_id", session.ID, "error", err)
		}
		snippets := contextSnippets(docs)
		s.responses.Set(cacheKey, ResponseEntry{Answer: full, ContextSnippets: snippets})
		s.persistTurnAsync(session.ID, message, full, s.now().Sub(start), false, snippets)
	}()

	return stream, nil
}

func (s *RagService) CreateSession(ctx context.Context) (string, error) {
	return s.sessions.Create(ctx, s.GetInstructions())
}

func (s *RagService) GetSessionInfo(ctx context.Context, id string) (*domain.SessionInfo, error) {
	return s.sessions.Info(ctx, id)
}

func (s *RagService) ClearSession(ctx context.Context, id string) error {
	return s.sessions.Clear(ctx, id)
}

func (s *RagService) DeleteSession(ctx context.Context, id string) error {
	return s.sessions.Delete(ctx, id)
}

// SessionTurns lists the durably logged exchanges for a session, newest
// first. Unlike the in-session history this survives Clear and expiry.
func (s *RagService) SessionTurns(ctx context.Context, id string, limit int) ([]*domain.ConversationTurn, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apierr.Validation(fmt.Errorf("session id required"))
	}
	return s.rel.ListConversationTurns(ctx, id, limit)
}

// UpdateInstructions swaps the system instructions used for subsequent
// turns. Existing sessions keep their stored snapshot but are composed
// against the current instructions.
func (s *RagService) UpdateInstructions(instructions string) error {
	instructions = strings.TrimSpace(instructions)
	if instructions == "" {
		return apierr.Validation(fmt.Errorf("instructions required"))
	}
	s.instrMu.Lock()
	s.instructions = instructions
	s.instrMu.Unlock()
	return nil
}

func (s *RagService) GetInstructions() string {
	s.instrMu.RLock()
	defer s.instrMu.RUnlock()
	return s.instructions
}

// WaitBackground blocks until all fire-and-forget persistence tasks have
// finished. Tests use it instead of sleeping.
func (s *RagService) WaitBackground() {
	s.bg.Wait()
}

func (s *RagService) generate(ctx context.Context, instructions, contextBlock string, history []domain.ChatMessage, message string) (string, error) {
	messages := composeMessages(instructions, contextBlock, history, message)
	var answer string
	err := s.breaker.Do(ctx, providerCompletion, func(ctx context.Context) error {
		var genErr error
		answer, genErr = s.completion.Complete(ctx, messages, defaultTemperature)
		return genErr
	})
	s.observeLLM(err)
	if err != nil {
		return "", wrapGenerationError(err)
	}
	return answer, nil
}

// hasAnyData gates retrieval behind a cheap existence probe, cached for a
// short window so each message does not cost a relational query.
func (s *RagService) hasAnyData(ctx context.Context) bool {
	if cached, ok := s.presence.Get(presenceCacheKey); ok {
		return cached
	}
	hasData, err := s.rel.HasAnyDocuments(ctx)
	if err != nil {
		s.log.Warn("data presence probe failed; skipping retrieval", "error", err)
		return false
	}
	s.presence.Set(presenceCacheKey, hasData)
	return hasData
}

func (s *RagService) appendTurns(session *domain.ChatSession, message, answer string) {
	session.History = append(session.History,
		domain.ChatMessage{Role: domain.RoleUser, Content: message},
		domain.ChatMessage{Role: domain.RoleAssistant, Content: answer},
	)
}

// persistTurnAsync logs the exchange to the relational store without
// blocking the returned answer. Failures are logged only.
func (s *RagService) persistTurnAsync(sessionID, userText, answer string, latency time.Duration, fromCache bool, snippets []string) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		turn := &domain.ConversationTurn{
			ID:        uuid.New(),
			SessionID: sessionID,
			UserText:  userText,
			Assistant: answer,
			LatencyMS: latency.Milliseconds(),
			FromCache: fromCache,
		}
		if len(snippets) > 0 {
			if raw, err := json.Marshal(snippets); err == nil {
				turn.ContextUsed = datatypes.JSON(raw)
			}
		}
		if err := s.rel.SaveConversationTurn(ctx, turn); err != nil {
			s.log.Warn("conversation turn persistence failed", "session_id", sessionID, "error", err)
		}
	}()
}

func (s *RagService) observeLLM(err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.ObserveLLMRequest(providerCompletion, status)
}

func wrapGenerationError(err error) error {
	if apierr.IsCode(err, apierr.CodeProviderUnavailable) {
		return err
	}
	return apierr.ProviderCallFailed(providerCompletion, err)
}

// composeMessages builds the completion input: system prompt (instructions
// plus retrieved context), the last historyWindow turns, then the new user
// message.
func composeMessages(instructions, contextBlock string, history []domain.ChatMessage, message string) []domain.ChatMessage {
	system := strings.TrimSpace(instructions)
	if contextBlock != "" {
		system = system + "\n\n" + contextBlock
	}

	recent := history
	if len(recent) > historyWindow {
		recent = recent[len(recent)-historyWindow:]
	}

	messages := make([]domain.ChatMessage, 0, len(recent)+2)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: system})
	messages = append(messages, recent...)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: message})
	return messages
}

func responseCacheKey(instructions, message string) string {
	instr := strings.ToLower(strings.TrimSpace(instructions))
	if len(instr) > responseKeyInstructionsLen {
		instr = instr[:responseKeyInstructionsLen]
	}
	msg := strings.ToLower(strings.TrimSpace(message))
	if len(msg) > responseKeyMessageLen {
		msg = msg[:responseKeyMessageLen]
	}
	return instr + "|" + msg
}

func contextSnippets(docs []domain.RetrievedDocument) []string {
	if len(docs) == 0 {
		return nil
	}
	out := make([]string, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Content)
	}
	return out
}

// ChatStream is the pull surface for one streaming turn. Consume Chunks
// until it closes, then check Err. Close abandons the turn and cancels the
// upstream generation.
type ChatStream struct {
	sessionID string
	chunks    chan string
	cancel    context.CancelFunc

	errMu sync.Mutex
	err   error
}

func (st *ChatStream) SessionID() string { return st.sessionID }

func (st *ChatStream) Chunks() <-chan string { return st.chunks }

// Err is valid once Chunks has closed.
func (st *ChatStream) Err() error {
	st.errMu.Lock()
	defer st.errMu.Unlock()
	return st.err
}

func (st *ChatStream) Close() {
	if st.cancel != nil {
		st.cancel()
	}
}

func (st *ChatStream) fail(err error) {
	st.errMu.Lock()
	st.err = err
	st.errMu.Unlock()
}
