package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/support-relay/internal/chat"
	"github.com/spec-kit/support-relay/internal/chat/telegram"
	"github.com/spec-kit/support-relay/internal/config"
	"github.com/spec-kit/support-relay/internal/domain"
)

// BotService turns raw platform updates into session and payment actions.
// It implements telegram.UpdateHandler.
type BotService struct {
	client    *telegram.Client
	sessions  *SessionService
	payments  *PaymentService
	reconcile *ReconcileService
	logger    *zap.Logger
	cfg       config.TelegramConfig

	publicBaseURL string
}

// BotDependencies bundles collaborators for the bot service.
type BotDependencies struct {
	Client        *telegram.Client
	Sessions      *SessionService
	Payments      *PaymentService
	Reconcile     *ReconcileService
	Logger        *zap.Logger
	Telegram      config.TelegramConfig
	PublicBaseURL string
}

// NewBotService wires the update handler.
func NewBotService(deps BotDependencies) *BotService {
	return &BotService{
		client:        deps.Client,
		sessions:      deps.Sessions,
		payments:      deps.Payments,
		reconcile:     deps.Reconcile,
		logger:        deps.Logger,
		cfg:           deps.Telegram,
		publicBaseURL: deps.PublicBaseURL,
	}
}

func identityOf(user *telegram.User) domain.DisplayIdentity {
	if user == nil {
		return domain.DisplayIdentity{}
	}
	return domain.DisplayIdentity{
		UserID:   user.ID,
		FullName: user.FullName(),
		Handle:   user.Username,
	}
}

// HandleUserMessage routes a private message into the user's support thread.
func (b *BotService) HandleUserMessage(ctx context.Context, msg *telegram.Message) {
	if msg.From == nil {
		return
	}
	if strings.HasPrefix(msg.Text, "/start") {
		b.sendWelcome(ctx, msg.Chat.ID)
		return
	}

	err := b.sessions.RouteUserMessage(ctx, UserMessage{
		Identity:  identityOf(msg.From),
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Text:      msg.Text,
	})
	if err != nil {
		b.logger.Error("user message routing failed",
			zap.Int64("user_id", msg.From.ID),
			zap.Error(err))
		b.post(ctx, msg.Chat.ID, "Sorry, your message could not be delivered. Please try again.")
	}
}

// HandleOperatorReply routes an operator reply back to its origin.
func (b *BotService) HandleOperatorReply(ctx context.Context, msg *telegram.Message) {
	if msg.ReplyToMessage == nil {
		return
	}
	err := b.sessions.RouteOperatorReply(ctx, OperatorReply{
		ChatID:           msg.Chat.ID,
		ThreadHandle:     msg.MessageThreadID,
		MessageID:        msg.MessageID,
		ReplyToMessageID: msg.ReplyToMessage.MessageID,
	})
	if err != nil {
		b.logger.Error("operator reply routing failed",
			zap.Int64("reply_to", msg.ReplyToMessage.MessageID),
			zap.Error(err))
	}
}

// HandleCallback dispatches inline button presses.
func (b *BotService) HandleCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	action, arg, ok := strings.Cut(cb.Data, ":")
	if !ok {
		b.answer(ctx, cb.ID, "", false)
		return
	}

	switch action {
	case "close":
		b.handleCloseCallback(ctx, cb, arg)
	case "open":
		b.handleOpenCallback(ctx, cb, arg)
	case "rating":
		b.handleRatingCallback(ctx, cb, arg)
	default:
		b.answer(ctx, cb.ID, "", false)
	}
}

func (b *BotService) handleCloseCallback(ctx context.Context, cb *telegram.CallbackQuery, arg string) {
	handle, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		b.answer(ctx, cb.ID, "", false)
		return
	}
	closed, err := b.sessions.CloseThread(ctx, handle)
	if err != nil {
		b.logger.Error("close failed", zap.Int64("thread_handle", handle), zap.Error(err))
		b.answer(ctx, cb.ID, "Close failed", true)
		return
	}
	if closed {
		b.swapControls(ctx, cb, handle, true)
	}
	b.answer(ctx, cb.ID, "Conversation closed", false)
}

func (b *BotService) handleOpenCallback(ctx context.Context, cb *telegram.CallbackQuery, arg string) {
	handle, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		b.answer(ctx, cb.ID, "", false)
		return
	}
	reopened, err := b.sessions.ReopenThread(ctx, handle)
	if err != nil {
		b.logger.Error("reopen failed", zap.Int64("thread_handle", handle), zap.Error(err))
		b.answer(ctx, cb.ID, "Reopen failed", true)
		return
	}
	if reopened {
		b.swapControls(ctx, cb, handle, false)
	}
	b.answer(ctx, cb.ID, "Conversation reopened", false)
}

func (b *BotService) handleRatingCallback(ctx context.Context, cb *telegram.CallbackQuery, arg string) {
	score, err := strconv.Atoi(arg)
	if err != nil || cb.From == nil {
		b.answer(ctx, cb.ID, "", false)
		return
	}
	if err := b.sessions.SubmitRating(ctx, identityOf(cb.From), score); err != nil {
		b.logger.Error("rating failed", zap.Int64("user_id", cb.From.ID), zap.Error(err))
		b.answer(ctx, cb.ID, "Could not record your rating", true)
		return
	}
	// Drop the keyboard so one prompt yields one rating.
	if cb.Message != nil {
		if err := b.client.EditMarkup(ctx, cb.Message.Chat.ID, cb.Message.MessageID, chat.Keyboard{}); err != nil {
			b.logger.Debug("rating keyboard cleanup failed", zap.Error(err))
		}
	}
	b.answer(ctx, cb.ID, "Thank you for your feedback!", false)
}

func (b *BotService) swapControls(ctx context.Context, cb *telegram.CallbackQuery, handle int64, closed bool) {
	if cb.Message == nil {
		return
	}
	if err := b.client.EditMarkup(ctx, cb.Message.Chat.ID, cb.Message.MessageID, controlKeyboard(handle, closed)); err != nil {
		b.logger.Debug("control keyboard swap failed", zap.Error(err))
	}
}

// HandlePreCheckout validates a platform payment before the user is charged.
func (b *BotService) HandlePreCheckout(ctx context.Context, query *telegram.PreCheckoutQuery) {
	reason := b.validatePreCheckout(ctx, query)
	if err := b.client.AnswerPreCheckout(ctx, query.ID, reason == "", reason); err != nil {
		b.logger.Error("pre-checkout answer failed", zap.String("query_id", query.ID), zap.Error(err))
	}
}

func (b *BotService) validatePreCheckout(ctx context.Context, query *telegram.PreCheckoutQuery) string {
	if query.From == nil {
		return "unknown payer"
	}
	order, err := b.payments.GetOwnedOrder(ctx, query.InvoicePayload, query.From.ID)
	if err != nil {
		b.logger.Warn("pre-checkout rejected",
			zap.String("payload", query.InvoicePayload),
			zap.Error(err))
		return "order not found"
	}
	if order.Gateway != domain.GatewayStars {
		return "order is not payable in Stars"
	}
	if query.Currency != "XTR" || query.TotalAmount != order.AmountMinor {
		return "amount mismatch"
	}
	if order.SubscriptionUpdated {
		return "order already paid"
	}
	return ""
}

// HandleSuccessfulPayment applies entitlement for a settled platform payment.
func (b *BotService) HandleSuccessfulPayment(ctx context.Context, msg *telegram.Message) {
	payment := msg.SuccessfulPayment
	if payment == nil || msg.From == nil {
		return
	}
	raw, _ := json.Marshal(payment)
	result, err := b.reconcile.ReconcileSettled(ctx, payment.InvoicePayload, msg.From.ID, raw)
	if err != nil {
		b.logger.Error("stars reconcile failed",
			zap.String("order_id", payment.InvoicePayload),
			zap.Error(err))
		b.post(ctx, msg.Chat.ID, "Payment received, but activation is delayed. Support has been notified.")
		return
	}
	if result.Outcome == OutcomeApplied && result.ExpireAt != nil {
		b.post(ctx, msg.Chat.ID, fmt.Sprintf(
			"Payment received! Your subscription is active until %s.",
			result.ExpireAt.Format("2006-01-02")))
		return
	}
	b.post(ctx, msg.Chat.ID, "Payment received!")
}

func (b *BotService) sendWelcome(ctx context.Context, chatID int64) {
	var markup chat.Keyboard
	if b.publicBaseURL != "" {
		markup = chat.Keyboard{{
			{Text: "Manage subscription", WebAppURL: strings.TrimRight(b.publicBaseURL, "/") + "/app"},
		}}
	}
	if _, err := b.client.Post(ctx, chat.Post{
		ChatID: chatID,
		Text:   "Hi! Write me a message and the support team will get back to you here.",
		Markup: markup,
	}); err != nil {
		b.logger.Warn("welcome post failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (b *BotService) post(ctx context.Context, chatID int64, text string) {
	if _, err := b.client.Post(ctx, chat.Post{ChatID: chatID, Text: text}); err != nil {
		b.logger.Warn("post failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (b *BotService) answer(ctx context.Context, callbackID, text string, alert bool) {
	if err := b.client.AnswerCallback(ctx, callbackID, text, alert); err != nil {
		b.logger.Debug("callback answer failed", zap.Error(err))
	}
}
