package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"snapsummary/internal/ai"
	"snapsummary/internal/model"
	"snapsummary/internal/repository"
)

var (
	ErrSessionNotFound = fmt.Errorf("%w: chat session", ErrNotFound)
	ErrMessageEmpty    = fmt.Errorf("%w: message content is empty", ErrValidation)
	ErrMessageEnqueue  = errors.New("message enqueue failed")
)

const emptyModelReply = "The model returned an empty response."

type ChatModel interface {
	GenerateContent(ctx context.Context, cfg ai.ModelConfig, contents []ai.Content) (string, error)
	StreamGenerateContent(ctx context.Context, cfg ai.ModelConfig, contents []ai.Content, onChunk func(string) error) (string, error)
}

type AsyncMessagePublisher interface {
	Publish(ctx context.Context, msg model.ChatMessage) error
}

type HistoryCache interface {
	GetHistory(ctx context.Context, sessionID uint) ([]model.ChatMessage, bool, error)
	SetHistory(ctx context.Context, sessionID uint, messages []model.ChatMessage) error
	Invalidate(ctx context.Context, sessionID uint) error
	DeleteHistory(ctx context.Context, sessionID uint) error
	IsDirty(ctx context.Context, sessionID uint) (bool, error)
}

type ChatService struct {
	sessionRepo  *repository.ChatSessionRepository
	messageRepo  *repository.ChatMessageRepository
	publisher    AsyncMessagePublisher
	historyCache HistoryCache
	llm          ChatModel
	modelCfg     ai.ModelConfig
	maxContext   int
	timeout      Timeouts
	logger       *slog.Logger
}

type SendMessageInput struct {
	SessionID uint
	Content   string
}

func NewChatService(
	sessionRepo *repository.ChatSessionRepository,
	messageRepo *repository.ChatMessageRepository,
	publisher AsyncMessagePublisher,
	historyCache HistoryCache,
	llm ChatModel,
	modelCfg ai.ModelConfig,
	maxContext int,
	timeouts Timeouts,
	logger *slog.Logger,
) *ChatService {
	if maxContext <= 0 {
		maxContext = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		sessionRepo:  sessionRepo,
		messageRepo:  messageRepo,
		publisher:    publisher,
		historyCache: historyCache,
		llm:          llm,
		modelCfg:     modelCfg,
		maxContext:   maxContext,
		timeout:      timeouts,
		logger:       logger,
	}
}

func (s *ChatService) CreateSession(ctx context.Context, principal Principal, title string) (*model.ChatSession, error) {
	if !principal.Authenticated() {
		return nil, ErrAuth
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New Chat"
	}

	session := &model.ChatSession{
		UserID: principal.UserID,
		Title:  title,
	}
	callCtx, cancel := withTimeout(ctx, s.timeout.Metadata)
	defer cancel()
	if err := s.sessionRepo.Create(callCtx, session); err != nil {
		return nil, classifyCall(callCtx, ErrMetadata, "create chat session", err)
	}
	return session, nil
}

func (s *ChatService) ListSessions(ctx context.Context, principal Principal) ([]model.ChatSession, error) {
	if !principal.Authenticated() {
		return nil, ErrAuth
	}
	callCtx, cancel := withTimeout(ctx, s.timeout.Metadata)
	defer cancel()
	sessions, err := s.sessionRepo.ListByUserID(callCtx, principal.UserID)
	if err != nil {
		return nil, classifyCall(callCtx, ErrMetadata, "list chat sessions", err)
	}
	return sessions, nil
}

func (s *ChatService) DeleteSession(ctx context.Context, principal Principal, sessionID uint) error {
	if _, err := s.ownedSession(ctx, principal, sessionID); err != nil {
		return err
	}
	callCtx, cancel := withTimeout(ctx, s.timeout.Metadata)
	defer cancel()
	if err := s.sessionRepo.DeleteWithMessages(callCtx, sessionID, principal.UserID); err != nil {
		return classifyCall(callCtx, ErrMetadata, "delete chat session", err)
	}
	if s.historyCache != nil {
		if err := s.historyCache.DeleteHistory(ctx, sessionID); err != nil {
			s.logger.Warn("drop chat history cache failed", slog.Uint64("session_id", uint64(sessionID)), slog.Any("error", err))
		}
	}
	return nil
}

// SendMessage asks the model for a reply. Both turns are persisted asynchronously.
func (s *ChatService) SendMessage(ctx context.Context, principal Principal, input SendMessageInput) ([]model.ChatMessage, error) {
	contents, userMessage, err := s.prepare(ctx, principal, input)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := withTimeout(ctx, s.timeout.Inference)
	defer cancel()
	reply, err := s.llm.GenerateContent(callCtx, s.modelCfg, contents)
	if err != nil {
		return nil, classifyCall(callCtx, ErrInference, "generate reply", err)
	}

	modelMessage, err := s.enqueueReply(ctx, principal, input.SessionID, reply)
	if err != nil {
		return nil, err
	}
	return []model.ChatMessage{userMessage, modelMessage}, nil
}

// StreamMessage is SendMessage with the reply delivered chunk by chunk.
func (s *ChatService) StreamMessage(ctx context.Context, principal Principal, input SendMessageInput, onChunk func(string) error) (string, error) {
	contents, _, err := s.prepare(ctx, principal, input)
	if err != nil {
		return "", err
	}

	callCtx, cancel := withTimeout(ctx, s.timeout.Inference)
	defer cancel()
	full, err := s.llm.StreamGenerateContent(callCtx, s.modelCfg, contents, onChunk)
	if err != nil {
		return "", classifyCall(callCtx, ErrInference, "stream reply", err)
	}

	modelMessage, err := s.enqueueReply(ctx, principal, input.SessionID, full)
	if err != nil {
		return "", err
	}
	return modelMessage.Content, nil
}

func (s *ChatService) GetHistory(ctx context.Context, principal Principal, sessionID uint, limit int) ([]model.ChatMessage, error) {
	if _, err := s.ownedSession(ctx, principal, sessionID); err != nil {
		return nil, err
	}

	if s.historyCache != nil {
		dirty, err := s.historyCache.IsDirty(ctx, sessionID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := s.historyCache.GetHistory(ctx, sessionID); cacheErr == nil && hit {
				return trimMessages(cached, limit), nil
			}
		}
	}

	callCtx, cancel := withTimeout(ctx, s.timeout.Metadata)
	defer cancel()
	messages, err := s.messageRepo.ListBySessionID(callCtx, sessionID, limit)
	if err != nil {
		return nil, classifyCall(callCtx, ErrMetadata, "list chat messages", err)
	}
	if s.historyCache != nil && limit <= 0 {
		if dirty, dirtyErr := s.historyCache.IsDirty(ctx, sessionID); dirtyErr == nil && !dirty {
			_ = s.historyCache.SetHistory(ctx, sessionID, messages)
		}
	}
	return messages, nil
}

func (s *ChatService) prepare(ctx context.Context, principal Principal, input SendMessageInput) ([]ai.Content, model.ChatMessage, error) {
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, model.ChatMessage{}, ErrMessageEmpty
	}
	if _, err := s.ownedSession(ctx, principal, input.SessionID); err != nil {
		return nil, model.ChatMessage{}, err
	}

	contents, err := s.buildContents(ctx, input.SessionID, content)
	if err != nil {
		return nil, model.ChatMessage{}, err
	}

	userMessage := model.ChatMessage{
		SessionID: input.SessionID,
		UserID:    principal.UserID,
		Role:      model.ChatRoleUser,
		Content:   content,
		CreatedAt: nowUTC(),
	}
	if err := s.enqueue(ctx, userMessage); err != nil {
		return nil, model.ChatMessage{}, err
	}
	return contents, userMessage, nil
}

func (s *ChatService) enqueueReply(ctx context.Context, principal Principal, sessionID uint, reply string) (model.ChatMessage, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		reply = emptyModelReply
	}
	msg := model.ChatMessage{
		SessionID: sessionID,
		UserID:    principal.UserID,
		Role:      model.ChatRoleModel,
		Content:   reply,
		CreatedAt: nowUTC(),
	}
	if err := s.enqueue(ctx, msg); err != nil {
		return model.ChatMessage{}, err
	}
	return msg, nil
}

func (s *ChatService) enqueue(ctx context.Context, msg model.ChatMessage) error {
	if s.publisher == nil {
		return ErrMessageEnqueue
	}
	if s.historyCache != nil {
		if err := s.historyCache.Invalidate(ctx, msg.SessionID); err != nil {
			s.logger.Warn("invalidate chat history failed", slog.Uint64("session_id", uint64(msg.SessionID)), slog.Any("error", err))
		}
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrMessageEnqueue, err)
	}
	return nil
}

func (s *ChatService) ownedSession(ctx context.Context, principal Principal, sessionID uint) (*model.ChatSession, error) {
	if !principal.Authenticated() {
		return nil, ErrAuth
	}
	if sessionID == 0 {
		return nil, ErrInvalidInput
	}
	callCtx, cancel := withTimeout(ctx, s.timeout.Metadata)
	defer cancel()
	session, err := s.sessionRepo.GetByIDAndUserID(callCtx, sessionID, principal.UserID)
	if err != nil {
		return nil, classifyCall(callCtx, ErrMetadata, "get chat session", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// buildContents returns recent turns followed by the new user input. Consecutive
// turns with the same role are merged since the model expects alternation.
func (s *ChatService) buildContents(ctx context.Context, sessionID uint, input string) ([]ai.Content, error) {
	callCtx, cancel := withTimeout(ctx, s.timeout.Metadata)
	defer cancel()
	recent, err := s.messageRepo.ListRecentBySessionID(callCtx, sessionID, s.maxContext)
	if err != nil {
		return nil, classifyCall(callCtx, ErrMetadata, "load chat context", err)
	}

	contents := make([]ai.Content, 0, len(recent)+1)
	appendTurn := func(role, text string) {
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, ai.Part{Text: text})
			return
		}
		contents = append(contents, ai.Content{Role: role, Parts: []ai.Part{{Text: text}}})
	}
	for _, item := range recent {
		role := item.Role
		if role != model.ChatRoleModel {
			role = model.ChatRoleUser
		}
		appendTurn(role, item.Content)
	}
	appendTurn(model.ChatRoleUser, input)
	return contents, nil
}

func trimMessages(messages []model.ChatMessage, limit int) []model.ChatMessage {
	if limit <= 0 || limit >= len(messages) {
		return messages
	}
	return messages[len(messages)-limit:]
}
