package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"aichat/internal/ai"
	"aichat/internal/app"
	"aichat/internal/transport/http/middleware"
	"aichat/internal/transport/http/response"
)

type ChatHandler struct {
	chatService *app.ChatService
}

type ChatRequest struct {
	SessionID uint                  `json:"sessionId"`
	Model     string                `json:"model"`
	Stream    bool                  `json:"stream"`
	Messages  []app.IncomingMessage `json:"messages"`
}

type RegenerateRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

func NewChatHandler(chatService *app.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// Chat handles one conversation turn, streaming or not. In streaming mode
// the SSE headers are written lazily with the first event, so validation
// failures still produce a normal JSON error response.
func (h *ChatHandler) Chat(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	input := app.ChatInput{
		UserID:    userID,
		SessionID: req.SessionID,
		Model:     req.Model,
		Messages:  req.Messages,
	}

	if !req.Stream {
		result, err := h.chatService.Chat(c.Request.Context(), input)
		if err != nil {
			respondChatError(c, err, "chat failed")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"sessionId": result.SessionID,
			"reply": gin.H{
				"role":    "assistant",
				"content": result.Reply.Content,
			},
		})
		return
	}

	writer := newSSEWriter(c)
	// The upstream call must survive client disconnect so the finished turn
	// can still be persisted; only transport writes are gated on liveness.
	ctx := context.WithoutCancel(c.Request.Context())
	if _, err := h.chatService.ChatStream(ctx, input, writer.Emit); err != nil && !writer.Started() {
		respondChatError(c, err, "chat failed")
	}
}

func (h *ChatHandler) Regenerate(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	messageID64, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || messageID64 == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid message id")
		return
	}

	// Every field is optional here; a bare POST means non-streaming with
	// the default model.
	var req RegenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	input := app.RegenerateInput{
		UserID:    userID,
		MessageID: uint(messageID64),
		Model:     req.Model,
	}

	if !req.Stream {
		result, err := h.chatService.Regenerate(c.Request.Context(), input)
		if err != nil {
			respondChatError(c, err, "regenerate failed")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"messageId":  result.MessageID,
			"newContent": result.NewContent,
		})
		return
	}

	writer := newSSEWriter(c)
	ctx := context.WithoutCancel(c.Request.Context())
	if _, err := h.chatService.RegenerateStream(ctx, input, writer.Emit); err != nil && !writer.Started() {
		respondChatError(c, err, "regenerate failed")
	}
}

func (h *ChatHandler) ListSessions(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	sessions, err := h.chatService.ListSessions(userID)
	if err != nil {
		respondChatError(c, err, "list sessions failed")
		return
	}
	response.OK(c, sessions)
}

func (h *ChatHandler) ListMessages(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	sessionID64, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || sessionID64 == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid session id")
		return
	}

	messages, err := h.chatService.ListMessages(c.Request.Context(), userID, uint(sessionID64))
	if err != nil {
		respondChatError(c, err, "list messages failed")
		return
	}
	response.OK(c, messages)
}

func (h *ChatHandler) DeleteSession(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	sessionID64, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || sessionID64 == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid session id")
		return
	}

	if err := h.chatService.DeleteSession(c.Request.Context(), userID, uint(sessionID64)); err != nil {
		respondChatError(c, err, "delete session failed")
		return
	}
	response.OK(c, gin.H{"deleted_session_id": uint(sessionID64)})
}

func (h *ChatHandler) ToggleLike(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	messageID64, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || messageID64 == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid message id")
		return
	}

	liked, err := h.chatService.ToggleLike(c.Request.Context(), userID, uint(messageID64))
	if err != nil {
		respondChatError(c, err, "like toggle failed")
		return
	}
	response.OK(c, gin.H{"message_id": uint(messageID64), "liked": liked})
}

func (h *ChatHandler) ListModels(c *gin.Context) {
	models, err := h.chatService.ListModels(c.Request.Context())
	if err != nil {
		respondChatError(c, err, "list models failed")
		return
	}
	response.OK(c, gin.H{"models": models})
}

func respondChatError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, app.ErrInvalidInput),
		errors.Is(err, app.ErrNotRegenerable),
		errors.Is(err, app.ErrNoUserTurn),
		errors.Is(err, app.ErrLLMConfig):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrNotOwner):
		response.Error(c, http.StatusForbidden, response.CodeForbidden, err.Error())
	case errors.Is(err, app.ErrSessionNotFound):
		response.Error(c, http.StatusNotFound, response.CodeSessionNotFound, err.Error())
	case errors.Is(err, app.ErrMessageNotFound):
		response.Error(c, http.StatusNotFound, response.CodeMessageNotFound, err.Error())
	case errors.Is(err, ai.ErrUpstream):
		response.ErrorDetail(c, http.StatusInternalServerError, response.CodeUpstreamFailed, "ai service call failed", err)
	default:
		response.ErrorDetail(c, http.StatusInternalServerError, response.CodeInternalServer, fallback, err)
	}
}

func getUserIDFromContext(c *gin.Context) (uint, bool) {
	userIDAny, exists := c.Get(middleware.ContextUserIDKey)
	if !exists {
		return 0, false
	}
	userID, ok := userIDAny.(uint)
	return userID, ok
}
