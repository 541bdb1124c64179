package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/support-relay/internal/domain"
)

// RatingRepository stores post-conversation feedback.
type RatingRepository interface {
	Create(ctx context.Context, rating *domain.Rating) error
	Stats(ctx context.Context) (*domain.RatingStats, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]domain.Rating, error)
}

type ratingRepository struct {
	pool *pgxpool.Pool
}

// NewRatingRepository instantiates repository.
func NewRatingRepository(pool *pgxpool.Pool) RatingRepository {
	return &ratingRepository{pool: pool}
}

func (r *ratingRepository) Create(ctx context.Context, rating *domain.Rating) error {
	const query = `
        INSERT INTO ratings (user_id, thread_handle, score)
        VALUES ($1,$2,$3)
        RETURNING id, created_at`
	return r.pool.QueryRow(ctx, query,
		rating.UserID,
		rating.ThreadHandle,
		rating.Score,
	).Scan(&rating.ID, &rating.CreatedAt)
}

func (r *ratingRepository) Stats(ctx context.Context) (*domain.RatingStats, error) {
	stats := &domain.RatingStats{Distribution: make(map[int]int64)}

	const summary = `SELECT COUNT(*), COALESCE(AVG(score), 0) FROM ratings`
	if err := r.pool.QueryRow(ctx, summary).Scan(&stats.Total, &stats.Average); err != nil {
		return nil, err
	}

	const distribution = `SELECT score, COUNT(*) FROM ratings GROUP BY score ORDER BY score`
	rows, err := r.pool.Query(ctx, distribution)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var score int
		var count int64
		if err := rows.Scan(&score, &count); err != nil {
			return nil, err
		}
		stats.Distribution[score] = count
	}
	return stats, rows.Err()
}

func (r *ratingRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]domain.Rating, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `
        SELECT id, user_id, thread_handle, score, created_at
        FROM ratings WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Rating
	for rows.Next() {
		var rating domain.Rating
		if err := rows.Scan(
			&rating.ID,
			&rating.UserID,
			&rating.ThreadHandle,
			&rating.Score,
			&rating.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, rating)
	}
	return result, rows.Err()
}
