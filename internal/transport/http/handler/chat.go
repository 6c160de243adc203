package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"snapsummary/internal/app"
	"snapsummary/internal/transport/http/response"
)

type ChatHandler struct {
	chatService *app.ChatService
	logger      *slog.Logger
}

type CreateSessionRequest struct {
	Title string `json:"title" binding:"max=128"`
}

type SendMessageRequest struct {
	SessionID uint   `json:"session_id" binding:"required,gt=0"`
	Content   string `json:"content" binding:"required"`
}

func NewChatHandler(chatService *app.ChatService, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{chatService: chatService, logger: logger}
}

func (h *ChatHandler) CreateSession(c *gin.Context) {
	principal, ok := principalOrAbort(c)
	if !ok {
		return
	}

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	session, err := h.chatService.CreateSession(c.Request.Context(), principal, req.Title)
	if err != nil {
		writeError(c, h.logger, err, "create session failed")
		return
	}
	response.OK(c, session)
}

func (h *ChatHandler) ListSessions(c *gin.Context) {
	principal, ok := principalOrAbort(c)
	if !ok {
		return
	}

	sessions, err := h.chatService.ListSessions(c.Request.Context(), principal)
	if err != nil {
		writeError(c, h.logger, err, "list sessions failed")
		return
	}
	response.OK(c, sessions)
}

func (h *ChatHandler) DeleteSession(c *gin.Context) {
	principal, ok := principalOrAbort(c)
	if !ok {
		return
	}

	sessionID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || sessionID == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid session id")
		return
	}

	if err := h.chatService.DeleteSession(c.Request.Context(), principal, uint(sessionID)); err != nil {
		writeError(c, h.logger, err, "delete session failed")
		return
	}
	response.OK(c, gin.H{"deleted_session_id": uint(sessionID)})
}

func (h *ChatHandler) SendMessage(c *gin.Context) {
	principal, ok := principalOrAbort(c)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	messages, err := h.chatService.SendMessage(c.Request.Context(), principal, app.SendMessageInput{
		SessionID: req.SessionID,
		Content:   req.Content,
	})
	if err != nil {
		writeError(c, h.logger, err, "send message failed")
		return
	}
	response.OK(c, gin.H{"messages": messages})
}

// StreamMessage replies over server-sent events. The stream opens on the
// first chunk, so failures before that get a regular status code.
func (h *ChatHandler) StreamMessage(c *gin.Context) {
	principal, ok := principalOrAbort(c)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "stream not supported")
		return
	}

	started := false
	writeEvent := func(event, data string) error {
		if !started {
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Header("X-Accel-Buffering", "no")
			c.Status(http.StatusOK)
			started = true
		}
		frame := "data: " + sanitizeSSE(data) + "\n\n"
		if event != "" {
			frame = "event: " + event + "\n" + frame
		}
		if _, err := c.Writer.Write([]byte(frame)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	full, err := h.chatService.StreamMessage(c.Request.Context(), principal, app.SendMessageInput{
		SessionID: req.SessionID,
		Content:   req.Content,
	}, func(chunk string) error {
		return writeEvent("", chunk)
	})
	if err != nil {
		if !started {
			writeError(c, h.logger, err, "stream message failed")
			return
		}
		h.logger.Warn("chat stream failed", slog.Uint64("session_id", uint64(req.SessionID)), slog.Any("error", err))
		_ = writeEvent("error", classifyError(err, "stream message failed").message)
		return
	}

	_ = writeEvent("done", full)
}

func (h *ChatHandler) GetHistory(c *gin.Context) {
	principal, ok := principalOrAbort(c)
	if !ok {
		return
	}

	sessionID, err := strconv.ParseUint(c.Query("session_id"), 10, 64)
	if err != nil || sessionID == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid session_id")
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, parseErr := strconv.Atoi(raw); parseErr == nil {
			limit = parsed
		}
	}

	history, err := h.chatService.GetHistory(c.Request.Context(), principal, uint(sessionID), limit)
	if err != nil {
		writeError(c, h.logger, err, "get history failed")
		return
	}
	response.OK(c, history)
}

func sanitizeSSE(input string) string {
	replaced := strings.ReplaceAll(input, "\r\n", "\\n")
	return strings.ReplaceAll(replaced, "\n", "\\n")
}
