package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/support-relay/internal/domain"
)

// UserLinkRepository binds chat users to backend directory subjects.
type UserLinkRepository interface {
	Upsert(ctx context.Context, link *domain.UserLink) error
	GetByUser(ctx context.Context, userID, channelID int64) (*domain.UserLink, error)
}

type userLinkRepository struct {
	pool *pgxpool.Pool
}

// NewUserLinkRepository instantiates repository.
func NewUserLinkRepository(pool *pgxpool.Pool) UserLinkRepository {
	return &userLinkRepository{pool: pool}
}

func (r *userLinkRepository) Upsert(ctx context.Context, link *domain.UserLink) error {
	const query = `
        INSERT INTO user_links (user_id, channel_id, subject_uuid, email)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (user_id, channel_id)
        DO UPDATE SET subject_uuid=excluded.subject_uuid, email=excluded.email, updated_at=NOW()`
	_, err := r.pool.Exec(ctx, query, link.UserID, link.ChannelID, link.SubjectUUID, link.Email)
	return err
}

func (r *userLinkRepository) GetByUser(ctx context.Context, userID, channelID int64) (*domain.UserLink, error) {
	const query = `
        SELECT user_id, channel_id, subject_uuid, email, updated_at
        FROM user_links WHERE user_id=$1 AND channel_id=$2`
	var link domain.UserLink
	if err := r.pool.QueryRow(ctx, query, userID, channelID).Scan(
		&link.UserID,
		&link.ChannelID,
		&link.SubjectUUID,
		&link.Email,
		&link.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &link, nil
}
