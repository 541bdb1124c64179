package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/support-relay/internal/chat"
	"github.com/spec-kit/support-relay/internal/config"
	"github.com/spec-kit/support-relay/internal/events"
)

// NotificationService posts operator-facing notices for domain events.
type NotificationService struct {
	dispatcher events.Dispatcher
	relay      chat.Relay
	logger     *zap.Logger
	cfg        config.TelegramConfig
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, relay chat.Relay, logger *zap.Logger, cfg config.TelegramConfig) *NotificationService {
	return &NotificationService{
		dispatcher: dispatcher,
		relay:      relay,
		logger:     logger,
		cfg:        cfg,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventRatingReceived, n.handleRatingReceived)
	n.dispatcher.Subscribe(events.EventPaymentReconciled, n.handlePaymentReconciled)
	n.dispatcher.Subscribe(events.EventChannelCreateError, n.handleChannelCreateError)
	n.dispatcher.Subscribe(events.EventThreadClosed, n.handleThreadClosed)
}

func (n *NotificationService) handleRatingReceived(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.RatingReceivedPayload)
	if !ok {
		return nil
	}
	n.logger.Info("RatingReceived", zap.Int64("user_id", event.UserID), zap.Int("score", payload.Score))
	n.post(ctx, n.cfg.SupportChatID, n.cfg.RatingsThreadID,
		fmt.Sprintf("%s rated the support %d/5 ⭐", payload.DisplayName, payload.Score))
	return nil
}

func (n *NotificationService) handlePaymentReconciled(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.PaymentReconciledPayload)
	if !ok {
		return nil
	}
	n.logger.Info("PaymentReconciled",
		zap.String("order_id", payload.OrderID),
		zap.String("outcome", payload.Outcome))
	if payload.Outcome != "applied" || n.cfg.OwnerChatID == 0 {
		return nil
	}
	n.post(ctx, n.cfg.OwnerChatID, 0,
		fmt.Sprintf("Payment applied: %d day plan via %s (order %s)",
			payload.PlanDays, payload.Gateway, payload.OrderID))
	return nil
}

func (n *NotificationService) handleChannelCreateError(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ChannelCreateErrorPayload)
	if !ok {
		return nil
	}
	n.logger.Error("ChannelCreateError",
		zap.Int64("user_id", event.UserID),
		zap.String("reason", payload.Reason))
	n.post(ctx, n.cfg.SupportChatID, 0,
		fmt.Sprintf("Failed to open a thread for %s: %s", payload.DisplayName, payload.Reason))
	return nil
}

func (n *NotificationService) handleThreadClosed(ctx context.Context, event events.Event) error {
	n.logger.Info("ThreadClosed", zap.Int64("user_id", event.UserID), zap.Any("payload", event.Payload))
	return nil
}

func (n *NotificationService) post(ctx context.Context, chatID, threadHandle int64, text string) {
	if n.relay == nil || chatID == 0 {
		return
	}
	if _, err := n.relay.Post(ctx, chat.Post{
		ChatID:       chatID,
		ThreadHandle: threadHandle,
		Text:         text,
	}); err != nil {
		n.logger.Warn("notification post failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}
