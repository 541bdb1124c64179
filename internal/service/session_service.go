package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/spec-kit/support-relay/internal/chat"
	"github.com/spec-kit/support-relay/internal/domain"
	"github.com/spec-kit/support-relay/internal/events"
	"github.com/spec-kit/support-relay/internal/repository"
	apperrors "github.com/spec-kit/support-relay/pkg/util"
)

// ErrChannelCreationFailed marks a failed attempt to provision the platform
// thread for a first-contact user. Callers match it with errors.Is.
var ErrChannelCreationFailed = errors.New("channel creation failed")

// SessionService routes user messages into per-user support threads and
// operator replies back to their origin.
type SessionService struct {
	channels   repository.ChannelRepository
	threads    repository.ThreadStateRepository
	origins    repository.OriginIndex
	ratings    repository.RatingRepository
	relay      chat.Relay
	dispatcher events.Dispatcher
	logger     *zap.Logger

	supportChatID int64
	createGroup   singleflight.Group
}

// SessionDependencies bundles collaborators for the session service.
type SessionDependencies struct {
	ChannelRepo   repository.ChannelRepository
	ThreadRepo    repository.ThreadStateRepository
	OriginIndex   repository.OriginIndex
	RatingRepo    repository.RatingRepository
	Relay         chat.Relay
	Dispatcher    events.Dispatcher
	Logger        *zap.Logger
	SupportChatID int64
}

// NewSessionService wires the session router.
func NewSessionService(deps SessionDependencies) *SessionService {
	return &SessionService{
		channels:      deps.ChannelRepo,
		threads:       deps.ThreadRepo,
		origins:       deps.OriginIndex,
		ratings:       deps.RatingRepo,
		relay:         deps.Relay,
		dispatcher:    deps.Dispatcher,
		logger:        deps.Logger,
		supportChatID: deps.SupportChatID,
	}
}

// UserMessage describes an inbound user message to route.
type UserMessage struct {
	Identity  domain.DisplayIdentity
	ChatID    int64
	MessageID int64
	Text      string
}

// OperatorReply describes an operator message replying inside a thread.
type OperatorReply struct {
	ChatID           int64
	ThreadHandle     int64
	MessageID        int64
	ReplyToMessageID int64
}

type resolveResult struct {
	channel *domain.ConversationChannel
	created bool
}

// ResolveOrCreate returns the user's thread, creating the platform topic and
// the mapping on first contact. Concurrent calls for one user collapse into
// a single creation; the stored mapping always wins over a racing create.
func (s *SessionService) ResolveOrCreate(ctx context.Context, identity domain.DisplayIdentity) (*domain.ConversationChannel, bool, error) {
	existing, err := s.channels.GetByUser(ctx, s.supportChatID, identity.UserID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	key := strconv.FormatInt(identity.UserID, 10)
	value, err, _ := s.createGroup.Do(key, func() (any, error) {
		return s.createChannel(ctx, identity)
	})
	if err != nil {
		return nil, false, err
	}
	result := value.(resolveResult)
	return result.channel, result.created, nil
}

func (s *SessionService) createChannel(ctx context.Context, identity domain.DisplayIdentity) (any, error) {
	// Re-check under the flight: a racer may have finished creation between
	// our miss and this call.
	if existing, err := s.channels.GetByUser(ctx, s.supportChatID, identity.UserID); err == nil {
		return resolveResult{channel: existing}, nil
	}

	handle, err := s.relay.CreateChannel(ctx, s.supportChatID, identity.DisplayName())
	if err != nil {
		s.publish(ctx, events.EventChannelCreateError, identity.UserID, events.ChannelCreateErrorPayload{
			ChannelID:   s.supportChatID,
			DisplayName: identity.DisplayName(),
			Reason:      err.Error(),
		})
		return nil, apperrors.NewTransient("channel creation failed", fmt.Errorf("%w: %w", ErrChannelCreationFailed, err))
	}

	channel, created, err := s.channels.CreateOrGet(ctx, &domain.ConversationChannel{
		ChannelID:    s.supportChatID,
		UserID:       identity.UserID,
		ThreadHandle: handle,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost the cross-process race; the freshly created topic is orphaned.
		s.logger.Warn("duplicate channel creation, keeping stored mapping",
			zap.Int64("user_id", identity.UserID),
			zap.Int64("orphan_handle", handle))
		return resolveResult{channel: channel}, nil
	}

	if err := s.threads.Upsert(ctx, &domain.ThreadState{
		ChannelID:    channel.ChannelID,
		ThreadHandle: channel.ThreadHandle,
		Status:       domain.ThreadStatusActive,
	}); err != nil {
		return nil, err
	}

	s.postHeader(ctx, channel, identity)
	s.publish(ctx, events.EventThreadOpened, identity.UserID, events.ThreadOpenedPayload{
		ChannelID:    channel.ChannelID,
		ThreadHandle: channel.ThreadHandle,
		DisplayName:  identity.DisplayName(),
	})
	return resolveResult{channel: channel, created: true}, nil
}

// postHeader pins the identity line with the thread control keyboard. Header
// delivery is best effort; routing works without it.
func (s *SessionService) postHeader(ctx context.Context, channel *domain.ConversationChannel, identity domain.DisplayIdentity) {
	messageID, err := s.relay.Post(ctx, chat.Post{
		ChatID:       channel.ChannelID,
		ThreadHandle: channel.ThreadHandle,
		Text:         identity.HeaderLine(),
		Markup:       controlKeyboard(channel.ThreadHandle, false),
	})
	if err != nil {
		s.logger.Warn("header post failed",
			zap.Int64("thread_handle", channel.ThreadHandle),
			zap.Error(err))
		return
	}
	// Replying to the header must reach the user too.
	if err := s.origins.Put(ctx, &domain.OriginMapping{
		ChannelID:        channel.ChannelID,
		RelayedMessageID: messageID,
		Origin:           domain.Origin{ChatID: identity.UserID, MessageID: 0},
	}); err != nil {
		s.logger.Warn("header origin mapping failed", zap.Error(err))
	}
}

// RouteUserMessage relays one user message into the user's thread, reviving
// a closed or archived thread first.
func (s *SessionService) RouteUserMessage(ctx context.Context, msg UserMessage) error {
	channel, created, err := s.ResolveOrCreate(ctx, msg.Identity)
	if err != nil {
		return err
	}

	if !created {
		if err := s.reviveIfNeeded(ctx, channel, msg.Identity); err != nil {
			return err
		}
	}
	if err := s.threads.Touch(ctx, channel.ChannelID, channel.ThreadHandle); err != nil {
		s.logger.Warn("touch failed", zap.Int64("thread_handle", channel.ThreadHandle), zap.Error(err))
	}

	relayedID, err := s.relay.RelayExistingMessage(ctx, chat.RelaySpec{
		ToChatID:     channel.ChannelID,
		ThreadHandle: channel.ThreadHandle,
		FromChatID:   msg.ChatID,
		MessageID:    msg.MessageID,
		FallbackText: msg.Text,
	})
	if err != nil {
		return apperrors.NewTransient("message relay failed", err)
	}

	if err := s.origins.Put(ctx, &domain.OriginMapping{
		ChannelID:        channel.ChannelID,
		RelayedMessageID: relayedID,
		Origin:           domain.Origin{ChatID: msg.ChatID, MessageID: msg.MessageID},
	}); err != nil {
		s.logger.Warn("origin mapping failed",
			zap.Int64("relayed_message_id", relayedID),
			zap.Error(err))
	}
	return nil
}

func (s *SessionService) reviveIfNeeded(ctx context.Context, channel *domain.ConversationChannel, identity domain.DisplayIdentity) error {
	state, err := s.threads.Get(ctx, channel.ChannelID, channel.ThreadHandle)
	if err != nil {
		return err
	}
	if state.IsActive() {
		return nil
	}

	reopened, err := s.threads.Reopen(ctx, channel.ChannelID, channel.ThreadHandle)
	if err != nil {
		return err
	}
	if !reopened {
		return nil
	}
	// The platform topic state trails the store; failure here only affects
	// cosmetics in the operator chat.
	if err := s.relay.SetChannelState(ctx, channel.ChannelID, channel.ThreadHandle, true); err != nil {
		s.logger.Warn("platform reopen failed",
			zap.Int64("thread_handle", channel.ThreadHandle),
			zap.Error(err))
	}
	s.postHeader(ctx, channel, identity)
	s.publish(ctx, events.EventThreadReopened, channel.UserID, events.ThreadReopenedPayload{
		ChannelID:    channel.ChannelID,
		ThreadHandle: channel.ThreadHandle,
	})
	return nil
}

// RouteOperatorReply copies an operator reply back to the user it answers.
// Replies to messages outside the origin index are ignored.
func (s *SessionService) RouteOperatorReply(ctx context.Context, reply OperatorReply) error {
	origin, err := s.origins.Get(ctx, reply.ChatID, reply.ReplyToMessageID)
	if err != nil {
		return err
	}
	if origin == nil {
		s.logger.Debug("reply to unmapped message dropped",
			zap.Int64("reply_to", reply.ReplyToMessageID))
		return nil
	}

	if err := s.relay.Reply(ctx, chat.ReplySpec{
		ToChatID:         origin.ChatID,
		FromChatID:       reply.ChatID,
		MessageID:        reply.MessageID,
		ReplyToMessageID: origin.MessageID,
	}); err != nil {
		return apperrors.NewTransient("reply delivery failed", err)
	}

	if reply.ThreadHandle != 0 {
		if err := s.threads.Touch(ctx, reply.ChatID, reply.ThreadHandle); err != nil {
			s.logger.Warn("touch failed", zap.Int64("thread_handle", reply.ThreadHandle), zap.Error(err))
		}
	}
	return nil
}

// CloseThread transitions a thread to closed and prompts the user for a
// rating. Returns false when the thread was already closed.
func (s *SessionService) CloseThread(ctx context.Context, threadHandle int64) (bool, error) {
	channel, err := s.channels.GetByThread(ctx, s.supportChatID, threadHandle)
	if err != nil {
		return false, apperrors.MapError(err)
	}

	closed, err := s.threads.CloseIfActive(ctx, channel.ChannelID, threadHandle, nil)
	if err != nil {
		return false, err
	}
	if !closed {
		return false, nil
	}

	if err := s.relay.SetChannelState(ctx, channel.ChannelID, threadHandle, false); err != nil {
		s.logger.Warn("platform close failed",
			zap.Int64("thread_handle", threadHandle),
			zap.Error(err))
	}
	s.promptRating(ctx, channel.UserID)
	s.publish(ctx, events.EventThreadClosed, channel.UserID, events.ThreadClosedPayload{
		ChannelID:    channel.ChannelID,
		ThreadHandle: threadHandle,
		Archived:     true,
	})
	return true, nil
}

// ReopenThread reverses a close from the operator side.
func (s *SessionService) ReopenThread(ctx context.Context, threadHandle int64) (bool, error) {
	channel, err := s.channels.GetByThread(ctx, s.supportChatID, threadHandle)
	if err != nil {
		return false, apperrors.MapError(err)
	}

	reopened, err := s.threads.Reopen(ctx, channel.ChannelID, threadHandle)
	if err != nil {
		return false, err
	}
	if !reopened {
		return false, nil
	}

	if err := s.relay.SetChannelState(ctx, channel.ChannelID, threadHandle, true); err != nil {
		s.logger.Warn("platform reopen failed",
			zap.Int64("thread_handle", threadHandle),
			zap.Error(err))
	}
	s.publish(ctx, events.EventThreadReopened, channel.UserID, events.ThreadReopenedPayload{
		ChannelID:    channel.ChannelID,
		ThreadHandle: threadHandle,
	})
	return true, nil
}

// ArchiveStale closes every active thread idle since before. Each thread is
// a CAS on (active, last_activity), so a message arriving mid-sweep keeps
// its thread open. Returns how many threads this sweep archived.
func (s *SessionService) ArchiveStale(ctx context.Context, before time.Time) (int, error) {
	handles, err := s.threads.ListStaleActive(ctx, s.supportChatID, before)
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, handle := range handles {
		closed, err := s.threads.CloseIfActive(ctx, s.supportChatID, handle, &before)
		if err != nil {
			s.logger.Warn("archive close failed", zap.Int64("thread_handle", handle), zap.Error(err))
			continue
		}
		if !closed {
			continue
		}
		archived++

		if err := s.relay.SetChannelState(ctx, s.supportChatID, handle, false); err != nil {
			s.logger.Warn("platform close failed", zap.Int64("thread_handle", handle), zap.Error(err))
		}
		channel, err := s.channels.GetByThread(ctx, s.supportChatID, handle)
		if err != nil {
			s.logger.Warn("archive channel lookup failed", zap.Int64("thread_handle", handle), zap.Error(err))
			continue
		}
		s.promptRating(ctx, channel.UserID)
		s.publish(ctx, events.EventThreadClosed, channel.UserID, events.ThreadClosedPayload{
			ChannelID:    channel.ChannelID,
			ThreadHandle: handle,
			Archived:     true,
		})
	}
	return archived, nil
}

// promptRating asks the user to score the closed conversation. One-shot,
// best effort.
func (s *SessionService) promptRating(ctx context.Context, userID int64) {
	if _, err := s.relay.Post(ctx, chat.Post{
		ChatID: userID,
		Text:   "Your conversation has been closed. How would you rate the support you received?",
		Markup: ratingKeyboard(),
	}); err != nil {
		s.logger.Warn("rating prompt failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// SubmitRating records a score from the post-close prompt.
func (s *SessionService) SubmitRating(ctx context.Context, identity domain.DisplayIdentity, score int) error {
	if score < 1 || score > 5 {
		return apperrors.NewValidationError("score must be between 1 and 5", map[string]any{"score": score})
	}

	rating := &domain.Rating{UserID: identity.UserID, Score: score}
	if channel, err := s.channels.GetByUser(ctx, s.supportChatID, identity.UserID); err == nil {
		handle := channel.ThreadHandle
		rating.ThreadHandle = &handle
	}
	if err := s.ratings.Create(ctx, rating); err != nil {
		return err
	}

	s.publish(ctx, events.EventRatingReceived, identity.UserID, events.RatingReceivedPayload{
		ChannelID:   s.supportChatID,
		Score:       score,
		DisplayName: identity.DisplayName(),
	})
	return nil
}

// RatingStats exposes aggregate feedback for operators.
func (s *SessionService) RatingStats(ctx context.Context) (*domain.RatingStats, error) {
	return s.ratings.Stats(ctx)
}

func (s *SessionService) publish(ctx context.Context, eventType events.EventType, userID int64, payload any) {
	if s.dispatcher == nil {
		return
	}
	_ = s.dispatcher.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		UserID:    userID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func controlKeyboard(threadHandle int64, closed bool) chat.Keyboard {
	if closed {
		return chat.Keyboard{{
			{Text: "Reopen", CallbackData: fmt.Sprintf("open:%d", threadHandle)},
		}}
	}
	return chat.Keyboard{{
		{Text: "Close", CallbackData: fmt.Sprintf("close:%d", threadHandle)},
	}}
}

func ratingKeyboard() chat.Keyboard {
	row := make([]chat.Button, 0, 5)
	for score := 1; score <= 5; score++ {
		row = append(row, chat.Button{
			Text:         fmt.Sprintf("%d ⭐", score),
			CallbackData: fmt.Sprintf("rating:%d", score),
		})
	}
	return chat.Keyboard{row}
}
