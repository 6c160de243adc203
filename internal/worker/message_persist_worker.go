package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"snapsummary/internal/model"
)

var errInvalidMessage = errors.New("invalid chat message")

const persistTimeout = 5 * time.Second

type MessageStore interface {
	Create(ctx context.Context, message *model.ChatMessage) error
}

// MessagePersistWorker drains the chat message queue into MySQL.
type MessagePersistWorker struct {
	conn      *amqp.Connection
	store     MessageStore
	queueName string
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMessagePersistWorker(conn *amqp.Connection, store MessageStore, queueName string, logger *slog.Logger) *MessagePersistWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessagePersistWorker{
		conn:      conn,
		store:     store,
		queueName: queueName,
		logger:    logger.With(slog.String("worker", "message_persist")),
	}
}

func (w *MessagePersistWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}
	if err := ch.Qos(16, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker qos failed: %w", err)
	}

	deliveries, err := ch.Consume(w.queueName, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					w.logger.Warn("delivery channel closed")
					return
				}
				if err := w.process(workerCtx, d.Body); err != nil {
					w.logger.Error("persist chat message failed", slog.Any("error", err))
					_ = d.Nack(false, false)
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	w.logger.Info("worker started", slog.String("queue", w.queueName))
	return nil
}

func (w *MessagePersistWorker) process(ctx context.Context, body []byte) error {
	var msg model.ChatMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: %w", errInvalidMessage, err)
	}
	if msg.SessionID == 0 || msg.UserID == 0 || strings.TrimSpace(msg.Content) == "" {
		return fmt.Errorf("%w: missing session, user or content", errInvalidMessage)
	}
	if msg.Role != model.ChatRoleUser && msg.Role != model.ChatRoleModel {
		return fmt.Errorf("%w: unknown role %q", errInvalidMessage, msg.Role)
	}
	msg.ID = 0

	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	return w.store.Create(ctx, &msg)
}

func (w *MessagePersistWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
