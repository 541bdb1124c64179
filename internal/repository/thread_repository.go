package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/support-relay/internal/domain"
)

// ThreadStateRepository manages the per-thread lifecycle state machine.
// Transitions are compare-and-swap updates so the archival sweep and manual
// operator actions cannot race each other into an inconsistent state.
type ThreadStateRepository interface {
	Upsert(ctx context.Context, state *domain.ThreadState) error
	Get(ctx context.Context, channelID, threadHandle int64) (*domain.ThreadState, error)
	Touch(ctx context.Context, channelID, threadHandle int64) error
	// CloseIfActive transitions active -> closed/archived; when staleBefore
	// is non-nil the transition additionally requires last_activity older
	// than it. Returns whether this call performed the transition.
	CloseIfActive(ctx context.Context, channelID, threadHandle int64, staleBefore *time.Time) (bool, error)
	// Reopen transitions to active/unarchived. Returns whether state changed.
	Reopen(ctx context.Context, channelID, threadHandle int64) (bool, error)
	ListStaleActive(ctx context.Context, channelID int64, before time.Time) ([]int64, error)
}

type threadStateRepository struct {
	pool *pgxpool.Pool
}

// NewThreadStateRepository instantiates repository.
func NewThreadStateRepository(pool *pgxpool.Pool) ThreadStateRepository {
	return &threadStateRepository{pool: pool}
}

func (r *threadStateRepository) Upsert(ctx context.Context, state *domain.ThreadState) error {
	const query = `
        INSERT INTO thread_states (channel_id, thread_handle, status, archived, last_activity)
        VALUES ($1,$2,$3,$4,NOW())
        ON CONFLICT (channel_id, thread_handle)
        DO UPDATE SET status=excluded.status, archived=excluded.archived, last_activity=NOW()`
	_, err := r.pool.Exec(ctx, query, state.ChannelID, state.ThreadHandle, state.Status, state.Archived)
	return err
}

func (r *threadStateRepository) Get(ctx context.Context, channelID, threadHandle int64) (*domain.ThreadState, error) {
	const query = `
        SELECT channel_id, thread_handle, status, archived, last_activity
        FROM thread_states WHERE channel_id=$1 AND thread_handle=$2`
	var state domain.ThreadState
	if err := r.pool.QueryRow(ctx, query, channelID, threadHandle).Scan(
		&state.ChannelID,
		&state.ThreadHandle,
		&state.Status,
		&state.Archived,
		&state.LastActivity,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

func (r *threadStateRepository) Touch(ctx context.Context, channelID, threadHandle int64) error {
	const query = `
        UPDATE thread_states SET last_activity=GREATEST(last_activity, NOW())
        WHERE channel_id=$1 AND thread_handle=$2`
	_, err := r.pool.Exec(ctx, query, channelID, threadHandle)
	return err
}

func (r *threadStateRepository) CloseIfActive(ctx context.Context, channelID, threadHandle int64, staleBefore *time.Time) (bool, error) {
	query := `
        UPDATE thread_states SET status='closed', archived=TRUE
        WHERE channel_id=$1 AND thread_handle=$2 AND status='active'`
	args := []any{channelID, threadHandle}
	if staleBefore != nil {
		query += ` AND last_activity <= $3`
		args = append(args, *staleBefore)
	}
	cmd, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *threadStateRepository) Reopen(ctx context.Context, channelID, threadHandle int64) (bool, error) {
	const query = `
        UPDATE thread_states SET status='active', archived=FALSE, last_activity=NOW()
        WHERE channel_id=$1 AND thread_handle=$2 AND (status <> 'active' OR archived)`
	cmd, err := r.pool.Exec(ctx, query, channelID, threadHandle)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *threadStateRepository) ListStaleActive(ctx context.Context, channelID int64, before time.Time) ([]int64, error) {
	const query = `
        SELECT thread_handle FROM thread_states
        WHERE channel_id=$1 AND status='active' AND NOT archived AND last_activity <= $2`
	rows, err := r.pool.Query(ctx, query, channelID, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var handles []int64
	for rows.Next() {
		var handle int64
		if err := rows.Scan(&handle); err != nil {
			return nil, err
		}
		handles = append(handles, handle)
	}
	return handles, rows.Err()
}
