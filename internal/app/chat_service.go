package app

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"aichat/internal/ai"
	"aichat/internal/model"
	"aichat/internal/stream"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotOwner        = errors.New("caller does not own this resource")
	ErrNotRegenerable  = errors.New("only assistant messages can be regenerated")
	ErrNoUserTurn      = errors.New("no prior user message to regenerate from")
	ErrLLMConfig       = errors.New("llm config is invalid")
)

var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
}

const maxTitleRunes = 64

// SessionStore, MessageStore and UsagePublisher are the persistence
// collaborators; the gorm repositories implement them, tests inject fakes.
type SessionStore interface {
	Create(session *model.Session) error
	GetByID(sessionID uint) (*model.Session, error)
	GetByIDAndUserID(sessionID, userID uint) (*model.Session, error)
	ListByUserID(userID uint) ([]model.Session, error)
	Touch(sessionID uint) error
	DeleteByIDAndUserID(sessionID, userID uint) error
}

type MessageStore interface {
	Create(message *model.Message) error
	ListBySessionID(sessionID, beforeID uint) ([]model.Message, error)
	GetByID(id uint) (*model.Message, error)
	UpdateContent(id uint, content, reasoning string) error
	SetLiked(id uint, liked bool) error
	DeleteBySessionID(sessionID uint) error
}

type UsagePublisher interface {
	Publish(ctx context.Context, record model.UsageRecord) error
}

type HistoryCache interface {
	GetHistory(ctx context.Context, sessionID uint) ([]model.Message, bool, error)
	SetHistory(ctx context.Context, sessionID uint, messages []model.Message) error
	DeleteHistory(ctx context.Context, sessionID uint) error
	MarkDirty(ctx context.Context, sessionID uint) error
	IsDirty(ctx context.Context, sessionID uint) (bool, error)
}

type LLMClient interface {
	Complete(ctx context.Context, cfg ai.ChatConfig, messages []ai.ChatMessage) (ai.Completion, error)
	StreamComplete(ctx context.Context, cfg ai.ChatConfig, messages []ai.ChatMessage, onFragment func(ai.Fragment) error) error
	ListModels(ctx context.Context, cfg ai.ChatConfig) ([]ai.Model, error)
}

type ChatService struct {
	sessions     SessionStore
	messages     MessageStore
	usage        UsagePublisher
	historyCache HistoryCache
	llm          LLMClient
	defaultLLM   ai.ChatConfig
	streamOpts   stream.Options
	logger       *zap.Logger
}

type IncomingMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatInput struct {
	UserID    uint
	SessionID uint // 0 creates a new session
	Model     string
	Messages  []IncomingMessage
}

type ChatResult struct {
	SessionID uint
	Reply     model.Message
}

type RegenerateInput struct {
	UserID    uint
	MessageID uint
	Model     string
}

type RegenerateResult struct {
	MessageID  uint
	NewContent string
}

func NewChatService(
	sessions SessionStore,
	messages MessageStore,
	usage UsagePublisher,
	historyCache HistoryCache,
	llm LLMClient,
	defaultLLM ai.ChatConfig,
	streamOpts stream.Options,
	logger *zap.Logger,
) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		sessions:     sessions,
		messages:     messages,
		usage:        usage,
		historyCache: historyCache,
		llm:          llm,
		defaultLLM:   defaultLLM,
		streamOpts:   streamOpts,
		logger:       logger,
	}
}

// Chat runs one non-streaming turn: resolve the session, persist the user's
// messages, call the model with prior history plus the new messages, persist
// the reply.
func (s *ChatService) Chat(ctx context.Context, input ChatInput) (*ChatResult, error) {
	run, err := s.prepareChat(ctx, input)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	completion, err := s.llm.Complete(ctx, run.cfg, run.context)
	if err != nil {
		s.logger.Error("llm completion failed",
			zap.Uint("session_id", run.sessionID), zap.Error(err))
		return nil, err
	}

	reply, err := s.saveAssistantTurn(ctx, run, completion.Content, completion.Reasoning, time.Since(start))
	if err != nil {
		return nil, err
	}
	return &ChatResult{SessionID: run.sessionID, Reply: *reply}, nil
}

// ChatStream runs one streaming turn. Events are delivered to emit in order:
// coalesced deltas and thinking increments, then exactly one done event. The
// context should not be tied to client liveness; disconnect handling belongs
// to the transport, and generation runs to completion regardless.
//
// On upstream failure whatever primary text was produced is still persisted,
// and the done event is still written, so the client learns the turn was kept.
func (s *ChatService) ChatStream(ctx context.Context, input ChatInput, emit stream.EmitFunc) (uint, error) {
	run, err := s.prepareChat(ctx, input)
	if err != nil {
		return 0, err
	}
	return run.sessionID, s.streamAndSave(ctx, run, emit)
}

// Regenerate replaces an existing assistant message with a fresh completion
// built from the history before it. The row is updated in place; message
// identity and position are preserved.
func (s *ChatService) Regenerate(ctx context.Context, input RegenerateInput) (*RegenerateResult, error) {
	run, err := s.prepareRegenerate(ctx, input)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	completion, err := s.llm.Complete(ctx, run.cfg, run.context)
	if err != nil {
		s.logger.Error("llm completion failed",
			zap.Uint("session_id", run.sessionID),
			zap.Uint("message_id", run.targetID),
			zap.Error(err))
		return nil, err
	}

	if _, err := s.saveAssistantTurn(ctx, run, completion.Content, completion.Reasoning, time.Since(start)); err != nil {
		return nil, err
	}
	return &RegenerateResult{MessageID: run.targetID, NewContent: completion.Content}, nil
}

// RegenerateStream is the streaming variant of Regenerate, with the same
// event contract as ChatStream.
func (s *ChatService) RegenerateStream(ctx context.Context, input RegenerateInput, emit stream.EmitFunc) (uint, error) {
	run, err := s.prepareRegenerate(ctx, input)
	if err != nil {
		return 0, err
	}
	return run.sessionID, s.streamAndSave(ctx, run, emit)
}

func (s *ChatService) ListSessions(userID uint) ([]model.Session, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	return s.sessions.ListByUserID(userID)
}

// ListMessages returns the full ordered history of an owned session,
// cache-aside through Redis when a cache is configured.
func (s *ChatService) ListMessages(ctx context.Context, userID, sessionID uint) ([]model.Message, error) {
	if userID == 0 || sessionID == 0 {
		return nil, ErrInvalidInput
	}
	session, err := s.sessions.GetByIDAndUserID(sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	if s.historyCache != nil {
		if dirty, err := s.historyCache.IsDirty(ctx, sessionID); err == nil && !dirty {
			if cached, hit, cacheErr := s.historyCache.GetHistory(ctx, sessionID); cacheErr == nil && hit {
				return cached, nil
			}
		}
	}

	messages, err := s.messages.ListBySessionID(sessionID, 0)
	if err != nil {
		return nil, err
	}
	if s.historyCache != nil {
		if dirty, err := s.historyCache.IsDirty(ctx, sessionID); err == nil && !dirty {
			_ = s.historyCache.SetHistory(ctx, sessionID, messages)
		}
	}
	return messages, nil
}

// DeleteSession removes an owned session and all of its messages.
func (s *ChatService) DeleteSession(ctx context.Context, userID, sessionID uint) error {
	if userID == 0 || sessionID == 0 {
		return ErrInvalidInput
	}
	session, err := s.sessions.GetByIDAndUserID(sessionID, userID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}
	if err := s.messages.DeleteBySessionID(sessionID); err != nil {
		return err
	}
	if err := s.sessions.DeleteByIDAndUserID(sessionID, userID); err != nil {
		return err
	}
	s.invalidateHistory(ctx, sessionID)
	return nil
}

// ToggleLike flips the liked flag of a message in an owned session and
// returns the new state.
func (s *ChatService) ToggleLike(ctx context.Context, userID, messageID uint) (bool, error) {
	if userID == 0 || messageID == 0 {
		return false, ErrInvalidInput
	}
	message, err := s.messages.GetByID(messageID)
	if err != nil {
		return false, err
	}
	if message == nil {
		return false, ErrMessageNotFound
	}
	session, err := s.sessions.GetByID(message.SessionID)
	if err != nil {
		return false, err
	}
	if session == nil {
		return false, ErrSessionNotFound
	}
	if session.UserID != userID {
		return false, ErrNotOwner
	}

	liked := !message.Liked
	if err := s.messages.SetLiked(messageID, liked); err != nil {
		return false, err
	}
	_ = s.sessions.Touch(message.SessionID)
	s.invalidateHistory(ctx, message.SessionID)
	return liked, nil
}

func (s *ChatService) ListModels(ctx context.Context) ([]ai.Model, error) {
	return s.llm.ListModels(ctx, s.defaultLLM)
}

// generationRun carries everything a single generation needs after
// validation and history assembly: the resolved config, the assembled
// context window, and where the result goes (a fresh row or an existing one).
type generationRun struct {
	sessionID uint
	userID    uint
	cfg       ai.ChatConfig
	context   []ai.ChatMessage
	// targetID is non-zero for regeneration: the row updated in place.
	targetID uint
	kind     string
}

func (s *ChatService) prepareChat(ctx context.Context, input ChatInput) (*generationRun, error) {
	if input.UserID == 0 {
		return nil, ErrInvalidInput
	}
	if err := validateMessages(input.Messages); err != nil {
		return nil, err
	}
	cfg, err := s.resolveLLM(input.Model)
	if err != nil {
		return nil, err
	}

	session, err := s.resolveSession(input)
	if err != nil {
		return nil, err
	}

	history, err := s.messages.ListBySessionID(session.ID, 0)
	if err != nil {
		return nil, err
	}

	// User turns are durable before the model is invoked; a crash mid-stream
	// never loses the user's input.
	for _, in := range input.Messages {
		msg := &model.Message{
			SessionID: session.ID,
			UserID:    input.UserID,
			Role:      in.Role,
			Content:   in.Content,
		}
		if err := s.messages.Create(msg); err != nil {
			return nil, err
		}
	}
	_ = s.sessions.Touch(session.ID)
	s.invalidateHistory(ctx, session.ID)

	contextMessages := make([]ai.ChatMessage, 0, len(history)+len(input.Messages))
	for _, m := range history {
		contextMessages = append(contextMessages, ai.ChatMessage{Role: m.Role, Content: m.Content})
	}
	for _, in := range input.Messages {
		contextMessages = append(contextMessages, ai.ChatMessage{Role: in.Role, Content: in.Content})
	}

	return &generationRun{
		sessionID: session.ID,
		userID:    input.UserID,
		cfg:       cfg,
		context:   contextMessages,
		kind:      "chat",
	}, nil
}

// prepareRegenerate checks, in order: the message exists, it is an assistant
// turn, and the caller owns its session. Only then is history read.
func (s *ChatService) prepareRegenerate(ctx context.Context, input RegenerateInput) (*generationRun, error) {
	if input.UserID == 0 || input.MessageID == 0 {
		return nil, ErrInvalidInput
	}
	cfg, err := s.resolveLLM(input.Model)
	if err != nil {
		return nil, err
	}

	target, err := s.messages.GetByID(input.MessageID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, ErrMessageNotFound
	}
	if target.Role != "assistant" {
		return nil, ErrNotRegenerable
	}
	session, err := s.sessions.GetByID(target.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	if session.UserID != input.UserID {
		return nil, ErrNotOwner
	}

	history, err := s.messages.ListBySessionID(target.SessionID, target.ID)
	if err != nil {
		return nil, err
	}

	// The prompt being re-answered is the most recent user turn before the
	// target; context is history truncated through that turn.
	lastUser := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return nil, ErrNoUserTurn
	}

	contextMessages := make([]ai.ChatMessage, 0, lastUser+1)
	for _, m := range history[:lastUser+1] {
		contextMessages = append(contextMessages, ai.ChatMessage{Role: m.Role, Content: m.Content})
	}

	return &generationRun{
		sessionID: target.SessionID,
		userID:    input.UserID,
		cfg:       cfg,
		context:   contextMessages,
		targetID:  target.ID,
		kind:      "regenerate",
	}, nil
}

// streamAndSave drives the model's fragment stream through the coalescing
// buffer, persists the result (partial output included on upstream failure),
// and writes the terminal done event exactly once.
func (s *ChatService) streamAndSave(ctx context.Context, run *generationRun, emit stream.EmitFunc) error {
	buf := stream.NewBuffer(s.streamOpts, emit)
	start := time.Now()

	streamErr := s.llm.StreamComplete(ctx, run.cfg, run.context, func(f ai.Fragment) error {
		return buf.Push(f.Text, f.Reasoning)
	})
	if err := buf.Finish(); err != nil && streamErr == nil {
		streamErr = err
	}
	if streamErr != nil {
		s.logger.Error("llm stream failed",
			zap.Uint("session_id", run.sessionID),
			zap.Uint("message_id", run.targetID),
			zap.Error(streamErr))
	}

	if text := buf.Text(); text != "" {
		if _, err := s.saveAssistantTurn(ctx, run, text, buf.Reasoning(), time.Since(start)); err != nil {
			s.logger.Error("persist assistant turn failed",
				zap.Uint("session_id", run.sessionID), zap.Error(err))
			if streamErr == nil {
				streamErr = err
			}
		}
	}

	if err := emit(stream.Done(run.sessionID)); err != nil && streamErr == nil {
		streamErr = err
	}
	return streamErr
}

func (s *ChatService) saveAssistantTurn(ctx context.Context, run *generationRun, content, reasoning string, elapsed time.Duration) (*model.Message, error) {
	var saved *model.Message
	if run.targetID != 0 {
		if err := s.messages.UpdateContent(run.targetID, content, reasoning); err != nil {
			return nil, err
		}
		saved = &model.Message{
			ID:        run.targetID,
			SessionID: run.sessionID,
			UserID:    run.userID,
			Role:      "assistant",
			Content:   content,
			Reasoning: reasoning,
		}
	} else {
		saved = &model.Message{
			SessionID: run.sessionID,
			UserID:    run.userID,
			Role:      "assistant",
			Content:   content,
			Reasoning: reasoning,
		}
		if err := s.messages.Create(saved); err != nil {
			return nil, err
		}
	}
	_ = s.sessions.Touch(run.sessionID)
	s.invalidateHistory(ctx, run.sessionID)
	s.publishUsage(ctx, run, saved.ID, content, reasoning, elapsed)
	return saved, nil
}

func (s *ChatService) resolveSession(input ChatInput) (*model.Session, error) {
	if input.SessionID == 0 {
		session := &model.Session{
			UserID: input.UserID,
			Title:  truncateTitle(input.Messages[0].Content),
		}
		if err := s.sessions.Create(session); err != nil {
			return nil, err
		}
		return session, nil
	}

	session, err := s.sessions.GetByIDAndUserID(input.SessionID, input.UserID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (s *ChatService) resolveLLM(override string) (ai.ChatConfig, error) {
	cfg := s.defaultLLM
	if strings.TrimSpace(override) != "" {
		cfg.Model = strings.TrimSpace(override)
	}
	if cfg.BaseURL == "" || cfg.Model == "" {
		return ai.ChatConfig{}, ErrLLMConfig
	}
	return cfg, nil
}

// publishUsage is best-effort; a broker outage never fails a chat turn.
func (s *ChatService) publishUsage(ctx context.Context, run *generationRun, messageID uint, content, reasoning string, elapsed time.Duration) {
	if s.usage == nil {
		return
	}
	promptChars := 0
	for _, m := range run.context {
		promptChars += utf8.RuneCountInString(m.Content)
	}
	record := model.UsageRecord{
		UserID:          run.userID,
		SessionID:       run.sessionID,
		MessageID:       messageID,
		Model:           run.cfg.Model,
		Kind:            run.kind,
		PromptChars:     promptChars,
		CompletionChars: utf8.RuneCountInString(content),
		ReasoningChars:  utf8.RuneCountInString(reasoning),
		DurationMS:      elapsed.Milliseconds(),
	}
	if err := s.usage.Publish(ctx, record); err != nil {
		s.logger.Warn("publish usage record failed",
			zap.Uint("session_id", run.sessionID), zap.Error(err))
	}
}

func (s *ChatService) invalidateHistory(ctx context.Context, sessionID uint) {
	if s.historyCache == nil {
		return
	}
	_ = s.historyCache.MarkDirty(ctx, sessionID)
	_ = s.historyCache.DeleteHistory(ctx, sessionID)
}

func validateMessages(messages []IncomingMessage) error {
	if len(messages) == 0 {
		return ErrInvalidInput
	}
	for _, m := range messages {
		if m.Content == "" || !validRoles[m.Role] {
			return ErrInvalidInput
		}
	}
	return nil
}

func truncateTitle(content string) string {
	title := strings.TrimSpace(content)
	if title == "" {
		return "New Chat"
	}
	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes])
	}
	return title
}
