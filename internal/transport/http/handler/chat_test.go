package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aichat/internal/ai"
	"aichat/internal/app"
	"aichat/internal/model"
	"aichat/internal/pkg/jwtutil"
	"aichat/internal/stream"
	"aichat/internal/transport/http/middleware"
)

const testJWTSecret = "handler-test-secret"

type memoryStore struct {
	nextSessionID uint
	nextMessageID uint
	sessions      map[uint]*model.Session
	messages      []model.Message
}

func newMemoryStore() *memoryStore {
	return &memoryStore{nextSessionID: 1, nextMessageID: 1, sessions: map[uint]*model.Session{}}
}

func (s *memoryStore) Create(v any) error {
	switch obj := v.(type) {
	case *model.Session:
		obj.ID = s.nextSessionID
		s.nextSessionID++
		copied := *obj
		s.sessions[obj.ID] = &copied
	case *model.Message:
		obj.ID = s.nextMessageID
		s.nextMessageID++
		s.messages = append(s.messages, *obj)
	}
	return nil
}

type sessionStoreAdapter struct{ *memoryStore }

func (s sessionStoreAdapter) Create(session *model.Session) error { return s.memoryStore.Create(session) }

func (s sessionStoreAdapter) GetByID(sessionID uint) (*model.Session, error) {
	if session, ok := s.sessions[sessionID]; ok {
		copied := *session
		return &copied, nil
	}
	return nil, nil
}

func (s sessionStoreAdapter) GetByIDAndUserID(sessionID, userID uint) (*model.Session, error) {
	session, _ := s.GetByID(sessionID)
	if session == nil || session.UserID != userID {
		return nil, nil
	}
	return session, nil
}

func (s sessionStoreAdapter) ListByUserID(userID uint) ([]model.Session, error) {
	var out []model.Session
	for _, session := range s.sessions {
		if session.UserID == userID {
			out = append(out, *session)
		}
	}
	return out, nil
}

func (s sessionStoreAdapter) Touch(sessionID uint) error { return nil }

func (s sessionStoreAdapter) DeleteByIDAndUserID(sessionID, userID uint) error {
	if session, ok := s.sessions[sessionID]; ok && session.UserID == userID {
		delete(s.sessions, sessionID)
	}
	return nil
}

type messageStoreAdapter struct{ *memoryStore }

func (s messageStoreAdapter) Create(message *model.Message) error { return s.memoryStore.Create(message) }

func (s messageStoreAdapter) ListBySessionID(sessionID, beforeID uint) ([]model.Message, error) {
	var out []model.Message
	for _, m := range s.messages {
		if m.SessionID != sessionID {
			continue
		}
		if beforeID > 0 && m.ID >= beforeID {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s messageStoreAdapter) GetByID(id uint) (*model.Message, error) {
	for _, m := range s.messages {
		if m.ID == id {
			copied := m
			return &copied, nil
		}
	}
	return nil, nil
}

func (s messageStoreAdapter) UpdateContent(id uint, content, reasoning string) error {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Content = content
			s.messages[i].Reasoning = reasoning
		}
	}
	return nil
}

func (s messageStoreAdapter) SetLiked(id uint, liked bool) error {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Liked = liked
		}
	}
	return nil
}

func (s messageStoreAdapter) DeleteBySessionID(sessionID uint) error {
	var kept []model.Message
	for _, m := range s.messages {
		if m.SessionID != sessionID {
			kept = append(kept, m)
		}
	}
	s.memoryStore.messages = kept
	return nil
}

type stubLLM struct {
	content   string
	reasoning string
}

func (s *stubLLM) Complete(context.Context, ai.ChatConfig, []ai.ChatMessage) (ai.Completion, error) {
	return ai.Completion{Content: s.content, Reasoning: s.reasoning}, nil
}

func (s *stubLLM) StreamComplete(_ context.Context, _ ai.ChatConfig, _ []ai.ChatMessage, onFragment func(ai.Fragment) error) error {
	if s.reasoning != "" {
		if err := onFragment(ai.Fragment{Reasoning: s.reasoning}); err != nil {
			return err
		}
	}
	return onFragment(ai.Fragment{Text: s.content})
}

func (s *stubLLM) ListModels(context.Context, ai.ChatConfig) ([]ai.Model, error) {
	return []ai.Model{{ID: "stub-model"}}, nil
}

func newTestRouter(llm app.LLMClient, store *memoryStore) *gin.Engine {
	gin.SetMode(gin.TestMode)

	chatService := app.NewChatService(
		sessionStoreAdapter{store},
		messageStoreAdapter{store},
		nil,
		nil,
		llm,
		ai.ChatConfig{BaseURL: "http://llm.test", Model: "stub-model"},
		stream.Options{MinChars: 1, MaxWait: time.Hour},
		nil,
	)

	router := gin.New()
	aiGroup := router.Group("/api/v1/ai")
	aiGroup.Use(middleware.AuthJWT(testJWTSecret))

	chatHandler := NewChatHandler(chatService)
	aiGroup.POST("/chat", chatHandler.Chat)
	aiGroup.GET("/sessions", chatHandler.ListSessions)
	aiGroup.GET("/sessions/:id/messages", chatHandler.ListMessages)
	aiGroup.DELETE("/sessions/:id", chatHandler.DeleteSession)
	aiGroup.POST("/messages/:id/like", chatHandler.ToggleLike)
	aiGroup.POST("/messages/:id/regenerate", chatHandler.Regenerate)
	aiGroup.GET("/models", chatHandler.ListModels)
	return router
}

func doRequest(t *testing.T, router *gin.Engine, method, path, body string, userID uint) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		token, err := jwtutil.GenerateToken(testJWTSecret, time.Hour, userID, "tester")
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestChatEndpointRequiresAuth(t *testing.T) {
	router := newTestRouter(&stubLLM{content: "hi"}, newMemoryStore())

	rec := doRequest(t, router, http.MethodPost, "/api/v1/ai/chat", `{"messages":[{"role":"user","content":"hi"}]}`, 0)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatEndpointNonStreaming(t *testing.T) {
	store := newMemoryStore()
	router := newTestRouter(&stubLLM{content: "hello from the model"}, store)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/ai/chat",
		`{"messages":[{"role":"user","content":"hello"}]}`, 1)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		SessionID uint `json:"sessionId"`
		Reply     struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"reply"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotZero(t, body.SessionID)
	assert.Equal(t, "assistant", body.Reply.Role)
	assert.Equal(t, "hello from the model", body.Reply.Content)

	require.Len(t, store.sessions, 1)
	require.Len(t, store.messages, 2)
	assert.Equal(t, "user", store.messages[0].Role)
	assert.Equal(t, "assistant", store.messages[1].Role)
}

func TestChatEndpointStreaming(t *testing.T) {
	store := newMemoryStore()
	router := newTestRouter(&stubLLM{content: "streamed answer", reasoning: "working it out"}, store)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/ai/chat",
		`{"stream":true,"messages":[{"role":"user","content":"hello"}]}`, 1)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	body := rec.Body.String()
	frames := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	require.GreaterOrEqual(t, len(frames), 3)
	assert.Equal(t, `data: {"type":"thinking","thinking":"working it out"}`, frames[0])
	assert.Equal(t, `data: {"type":"delta","text":"streamed answer"}`, frames[1])

	var done struct {
		Type      string `json:"type"`
		SessionID uint   `json:"sessionId"`
	}
	last := strings.TrimPrefix(frames[len(frames)-1], "data: ")
	require.NoError(t, json.Unmarshal([]byte(last), &done))
	assert.Equal(t, "done", done.Type)
	assert.NotZero(t, done.SessionID)

	require.Len(t, store.messages, 2)
	assert.Equal(t, "streamed answer", store.messages[1].Content)
	assert.Equal(t, "working it out", store.messages[1].Reasoning)
}

func TestChatEndpointInvalidPayload(t *testing.T) {
	router := newTestRouter(&stubLLM{}, newMemoryStore())

	rec := doRequest(t, router, http.MethodPost, "/api/v1/ai/chat", `{"messages":[]}`, 1)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatEndpointUnknownSession(t *testing.T) {
	router := newTestRouter(&stubLLM{content: "x"}, newMemoryStore())

	rec := doRequest(t, router, http.MethodPost, "/api/v1/ai/chat",
		`{"sessionId":99,"messages":[{"role":"user","content":"hi"}]}`, 1)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegenerateEndpointReplacesMessage(t *testing.T) {
	store := newMemoryStore()
	router := newTestRouter(&stubLLM{content: "second draft"}, store)

	require.NoError(t, store.Create(&model.Session{UserID: 1, Title: "t"}))
	require.NoError(t, store.Create(&model.Message{SessionID: 1, UserID: 1, Role: "user", Content: "A"}))
	require.NoError(t, store.Create(&model.Message{SessionID: 1, UserID: 1, Role: "assistant", Content: "first draft"}))

	rec := doRequest(t, router, http.MethodPost, "/api/v1/ai/messages/2/regenerate", `{}`, 1)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		MessageID  uint   `json:"messageId"`
		NewContent string `json:"newContent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, uint(2), body.MessageID)
	assert.Equal(t, "second draft", body.NewContent)

	require.Len(t, store.messages, 2)
	assert.Equal(t, "second draft", store.messages[1].Content)
}

func TestRegenerateEndpointAcceptsEmptyBody(t *testing.T) {
	store := newMemoryStore()
	router := newTestRouter(&stubLLM{content: "second draft"}, store)

	require.NoError(t, store.Create(&model.Session{UserID: 1, Title: "t"}))
	require.NoError(t, store.Create(&model.Message{SessionID: 1, UserID: 1, Role: "user", Content: "A"}))
	require.NoError(t, store.Create(&model.Message{SessionID: 1, UserID: 1, Role: "assistant", Content: "first draft"}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ai/messages/2/regenerate", nil)
	token, err := jwtutil.GenerateToken(testJWTSecret, time.Hour, 1, "tester")
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "second draft", store.messages[1].Content, "bare POST regenerates with defaults")
}

func TestRegenerateEndpointForbiddenForNonOwner(t *testing.T) {
	store := newMemoryStore()
	router := newTestRouter(&stubLLM{content: "x"}, store)

	require.NoError(t, store.Create(&model.Session{UserID: 1, Title: "t"}))
	require.NoError(t, store.Create(&model.Message{SessionID: 1, UserID: 1, Role: "user", Content: "A"}))
	require.NoError(t, store.Create(&model.Message{SessionID: 1, UserID: 1, Role: "assistant", Content: "B"}))

	rec := doRequest(t, router, http.MethodPost, "/api/v1/ai/messages/2/regenerate", `{}`, 2)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "B", store.messages[1].Content, "message untouched")
}

func TestLikeAndSessionEndpoints(t *testing.T) {
	store := newMemoryStore()
	router := newTestRouter(&stubLLM{content: "x"}, store)

	require.NoError(t, store.Create(&model.Session{UserID: 1, Title: "t"}))
	require.NoError(t, store.Create(&model.Message{SessionID: 1, UserID: 1, Role: "assistant", Content: "B"}))

	rec := doRequest(t, router, http.MethodPost, "/api/v1/ai/messages/1/like", "", 1)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, store.messages[0].Liked)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/ai/sessions", "", 1)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/ai/sessions/1/messages", "", 1)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodDelete, "/api/v1/ai/sessions/1", "", 1)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, store.sessions)
	assert.Empty(t, store.messages)
}

func TestModelsEndpoint(t *testing.T) {
	router := newTestRouter(&stubLLM{}, newMemoryStore())

	rec := doRequest(t, router, http.MethodGet, "/api/v1/ai/models", "", 1)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stub-model")
}
