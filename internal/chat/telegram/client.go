package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/support-relay/internal/chat"
	"github.com/spec-kit/support-relay/internal/config"
)

// Client talks to the Bot API and implements chat.Relay.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a Bot API client with a bounded request timeout.
func NewClient(cfg config.TelegramConfig, logger *zap.Logger) *Client {
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.APIBaseURL,
		token:   cfg.BotToken,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("telegram %s: decode: %w", method, err)
	}
	if !envelope.OK {
		if envelope.ErrorCode == http.StatusBadRequest || envelope.ErrorCode == http.StatusNotFound {
			return fmt.Errorf("telegram %s: %s: %w", method, envelope.Description, chat.ErrNotFound)
		}
		return fmt.Errorf("telegram %s: %d %s", method, envelope.ErrorCode, envelope.Description)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram %s: result: %w", method, err)
		}
	}
	return nil
}

// CreateChannel opens a forum topic and returns its thread handle.
func (c *Client) CreateChannel(ctx context.Context, ownerScope int64, displayName string) (int64, error) {
	if len(displayName) > 128 {
		displayName = displayName[:128]
	}
	var topic ForumTopic
	err := c.call(ctx, "createForumTopic", map[string]any{
		"chat_id": ownerScope,
		"name":    displayName,
	}, &topic)
	if err != nil {
		return 0, err
	}
	return topic.MessageThreadID, nil
}

// Post sends a text message, optionally into a thread and with buttons.
func (c *Client) Post(ctx context.Context, post chat.Post) (int64, error) {
	params := map[string]any{
		"chat_id":                  post.ChatID,
		"text":                     post.Text,
		"disable_web_page_preview": true,
	}
	if post.ThreadHandle != 0 {
		params["message_thread_id"] = post.ThreadHandle
	}
	if len(post.Markup) > 0 {
		params["reply_markup"] = toMarkup(post.Markup)
	}
	var msg Message
	if err := c.call(ctx, "sendMessage", params, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// RelayExistingMessage copies a user message into a thread, degrading to
// forward semantics and then a plain-text excerpt so content is never
// silently lost.
func (c *Client) RelayExistingMessage(ctx context.Context, spec chat.RelaySpec) (int64, error) {
	params := map[string]any{
		"chat_id":      spec.ToChatID,
		"from_chat_id": spec.FromChatID,
		"message_id":   spec.MessageID,
	}
	if spec.ThreadHandle != 0 {
		params["message_thread_id"] = spec.ThreadHandle
	}

	var copied Message
	err := c.call(ctx, "copyMessage", params, &copied)
	if err == nil {
		return copied.MessageID, nil
	}
	c.logger.Warn("copyMessage failed, trying forward", zap.Error(err))

	var forwarded Message
	err = c.call(ctx, "forwardMessage", params, &forwarded)
	if err == nil {
		return forwarded.MessageID, nil
	}
	c.logger.Warn("forwardMessage failed", zap.Error(err))

	text := spec.FallbackText
	if text == "" {
		text = "Could not display the client's message (unsupported type or API error)"
	} else {
		text = "[Client message]\n" + text
	}
	return c.Post(ctx, chat.Post{
		ChatID:       spec.ToChatID,
		ThreadHandle: spec.ThreadHandle,
		Text:         text,
	})
}

// Reply copies an operator message back to the originating user as a
// threaded reply.
func (c *Client) Reply(ctx context.Context, spec chat.ReplySpec) error {
	return c.call(ctx, "copyMessage", map[string]any{
		"chat_id":                     spec.ToChatID,
		"from_chat_id":                spec.FromChatID,
		"message_id":                  spec.MessageID,
		"reply_to_message_id":         spec.ReplyToMessageID,
		"allow_sending_without_reply": true,
	}, nil)
}

// SetChannelState opens or closes the forum topic.
func (c *Client) SetChannelState(ctx context.Context, ownerScope, handle int64, open bool) error {
	method := "closeForumTopic"
	if open {
		method = "reopenForumTopic"
	}
	return c.call(ctx, method, map[string]any{
		"chat_id":           ownerScope,
		"message_thread_id": handle,
	}, nil)
}

// EditMarkup swaps the inline keyboard on an existing message.
func (c *Client) EditMarkup(ctx context.Context, chatID, messageID int64, markup chat.Keyboard) error {
	return c.call(ctx, "editMessageReplyMarkup", map[string]any{
		"chat_id":      chatID,
		"message_id":   messageID,
		"reply_markup": toMarkup(markup),
	}, nil)
}

// AnswerCallback acknowledges an inline button press.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	return c.call(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": callbackID,
		"text":              text,
		"show_alert":        alert,
	}, nil)
}

// AnswerPreCheckout approves or rejects a platform payment pre-check.
func (c *Client) AnswerPreCheckout(ctx context.Context, queryID string, ok bool, errorMessage string) error {
	params := map[string]any{
		"pre_checkout_query_id": queryID,
		"ok":                    ok,
	}
	if !ok && errorMessage != "" {
		params["error_message"] = errorMessage
	}
	return c.call(ctx, "answerPreCheckoutQuery", params, nil)
}

// CreateInvoiceLink builds a Stars invoice URL. Stars invoices carry the
// XTR pseudo-currency and an empty provider token.
func (c *Client) CreateInvoiceLink(ctx context.Context, title, description, payload string, amount int64) (string, error) {
	var link string
	err := c.call(ctx, "createInvoiceLink", map[string]any{
		"title":       title,
		"description": description,
		"payload":     payload,
		"currency":    "XTR",
		"prices": []map[string]any{
			{"label": title, "amount": amount},
		},
	}, &link)
	if err != nil {
		return "", err
	}
	return link, nil
}

// GetUpdates long-polls for new updates past offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]Update, error) {
	var updates []Update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":  offset,
		"timeout": timeoutSeconds,
		"allowed_updates": []string{
			"message", "callback_query", "pre_checkout_query",
		},
	}, &updates)
	if err != nil {
		return nil, err
	}
	return updates, nil
}

func toMarkup(keyboard chat.Keyboard) inlineKeyboardMarkup {
	rows := make([][]inlineKeyboardButton, 0, len(keyboard))
	for _, row := range keyboard {
		buttons := make([]inlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			out := inlineKeyboardButton{Text: btn.Text, CallbackData: btn.CallbackData}
			if btn.WebAppURL != "" {
				out.WebApp = &webAppInfo{URL: btn.WebAppURL}
			}
			buttons = append(buttons, out)
		}
		rows = append(rows, buttons)
	}
	return inlineKeyboardMarkup{InlineKeyboard: rows}
}
