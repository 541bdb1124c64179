package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/support-relay/internal/domain"
)

// ChannelRepository encapsulates conversation channel persistence.
type ChannelRepository interface {
	// CreateOrGet inserts the mapping unless one already exists for the
	// (channel, user) pair and returns the authoritative row. The second
	// return value reports whether this call created it.
	CreateOrGet(ctx context.Context, channel *domain.ConversationChannel) (*domain.ConversationChannel, bool, error)
	GetByUser(ctx context.Context, channelID, userID int64) (*domain.ConversationChannel, error)
	GetByThread(ctx context.Context, channelID, threadHandle int64) (*domain.ConversationChannel, error)
}

type channelRepository struct {
	pool *pgxpool.Pool
}

// NewChannelRepository instantiates repository.
func NewChannelRepository(pool *pgxpool.Pool) ChannelRepository {
	return &channelRepository{pool: pool}
}

func (r *channelRepository) CreateOrGet(ctx context.Context, channel *domain.ConversationChannel) (*domain.ConversationChannel, bool, error) {
	const insert = `
        INSERT INTO conversation_channels (channel_id, user_id, thread_handle)
        VALUES ($1,$2,$3)
        ON CONFLICT (channel_id, user_id) DO NOTHING
        RETURNING channel_id, user_id, thread_handle, created_at`
	var created domain.ConversationChannel
	err := r.pool.QueryRow(ctx, insert, channel.ChannelID, channel.UserID, channel.ThreadHandle).Scan(
		&created.ChannelID,
		&created.UserID,
		&created.ThreadHandle,
		&created.CreatedAt,
	)
	if err == nil {
		return &created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}
	// Lost the race or the row predates us; the stored handle wins.
	existing, err := r.GetByUser(ctx, channel.ChannelID, channel.UserID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *channelRepository) GetByUser(ctx context.Context, channelID, userID int64) (*domain.ConversationChannel, error) {
	const query = `
        SELECT channel_id, user_id, thread_handle, created_at
        FROM conversation_channels WHERE channel_id=$1 AND user_id=$2`
	return r.fetchSingle(ctx, query, channelID, userID)
}

func (r *channelRepository) GetByThread(ctx context.Context, channelID, threadHandle int64) (*domain.ConversationChannel, error) {
	const query = `
        SELECT channel_id, user_id, thread_handle, created_at
        FROM conversation_channels WHERE channel_id=$1 AND thread_handle=$2`
	return r.fetchSingle(ctx, query, channelID, threadHandle)
}

func (r *channelRepository) fetchSingle(ctx context.Context, query string, args ...any) (*domain.ConversationChannel, error) {
	var channel domain.ConversationChannel
	if err := r.pool.QueryRow(ctx, query, args...).Scan(
		&channel.ChannelID,
		&channel.UserID,
		&channel.ThreadHandle,
		&channel.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &channel, nil
}
