package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/support-relay/internal/domain"
)

// OriginIndex maps relayed operator-side message ids back to the user-side
// message that produced them. Lookups for unknown ids return (nil, nil);
// the caller treats that as "not a session message" and moves on.
type OriginIndex interface {
	Put(ctx context.Context, mapping *domain.OriginMapping) error
	Get(ctx context.Context, channelID, relayedMessageID int64) (*domain.Origin, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

type originRepository struct {
	pool *pgxpool.Pool
}

// NewOriginRepository instantiates the persistent origin index.
func NewOriginRepository(pool *pgxpool.Pool) OriginIndex {
	return &originRepository{pool: pool}
}

func (r *originRepository) Put(ctx context.Context, mapping *domain.OriginMapping) error {
	const query = `
        INSERT INTO origin_mappings (channel_id, relayed_message_id, origin_chat_id, origin_message_id)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (channel_id, relayed_message_id) DO NOTHING`
	_, err := r.pool.Exec(ctx, query,
		mapping.ChannelID,
		mapping.RelayedMessageID,
		mapping.Origin.ChatID,
		mapping.Origin.MessageID,
	)
	return err
}

func (r *originRepository) Get(ctx context.Context, channelID, relayedMessageID int64) (*domain.Origin, error) {
	const query = `
        SELECT origin_chat_id, origin_message_id
        FROM origin_mappings WHERE channel_id=$1 AND relayed_message_id=$2`
	var origin domain.Origin
	if err := r.pool.QueryRow(ctx, query, channelID, relayedMessageID).Scan(
		&origin.ChatID,
		&origin.MessageID,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &origin, nil
}

func (r *originRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM origin_mappings WHERE created_at < $1`
	cmd, err := r.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
