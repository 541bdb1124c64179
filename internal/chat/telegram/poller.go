package telegram

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// UpdateHandler receives decoded updates from the long-poll pump.
type UpdateHandler interface {
	HandleUserMessage(ctx context.Context, msg *Message)
	HandleOperatorReply(ctx context.Context, msg *Message)
	HandleCallback(ctx context.Context, cb *CallbackQuery)
	HandlePreCheckout(ctx context.Context, query *PreCheckoutQuery)
	HandleSuccessfulPayment(ctx context.Context, msg *Message)
}

// Poller pumps getUpdates into an UpdateHandler.
type Poller struct {
	client        *Client
	handler       UpdateHandler
	logger        *zap.Logger
	supportChatID int64
	ownerChatID   int64
	timeout       int
}

// NewPoller builds an update pump.
func NewPoller(client *Client, handler UpdateHandler, logger *zap.Logger, supportChatID, ownerChatID int64, timeoutSeconds int) *Poller {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	return &Poller{
		client:        client,
		handler:       handler,
		logger:        logger,
		supportChatID: supportChatID,
		ownerChatID:   ownerChatID,
		timeout:       timeoutSeconds,
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	var offset int64
	for {
		updates, err := p.client.GetUpdates(ctx, offset, p.timeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			p.logger.Warn("getUpdates failed", zap.Error(err))
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		for i := range updates {
			update := &updates[i]
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			p.dispatch(ctx, update)
		}
	}
}

func (p *Poller) dispatch(ctx context.Context, update *Update) {
	switch {
	case update.PreCheckoutQuery != nil:
		p.handler.HandlePreCheckout(ctx, update.PreCheckoutQuery)
	case update.CallbackQuery != nil:
		p.handler.HandleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		p.dispatchMessage(ctx, update.Message)
	}
}

func (p *Poller) dispatchMessage(ctx context.Context, msg *Message) {
	if msg.SuccessfulPayment != nil {
		p.handler.HandleSuccessfulPayment(ctx, msg)
		return
	}
	// Replies inside the operator-facing chat route back to users.
	if (msg.Chat.ID == p.supportChatID || msg.Chat.ID == p.ownerChatID) && msg.ReplyToMessage != nil {
		p.handler.HandleOperatorReply(ctx, msg)
		return
	}
	if msg.Chat.Type == "private" && msg.From != nil && !msg.From.IsBot {
		p.handler.HandleUserMessage(ctx, msg)
	}
}
