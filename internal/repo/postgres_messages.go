package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

const messageColumns = `id, service, recipient, body, status, external_id, error_message,
	retry_count, max_retries, metadata, requested_by, created_at, updated_at`

type PostgresMessageRepo struct {
	db *pgxpool.Pool
}

func NewPostgresMessageRepo(db *pgxpool.Pool) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

func (r *PostgresMessageRepo) Create(ctx context.Context, m *model.Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	return r.db.QueryRow(ctx, `
		INSERT INTO messages (id, service, recipient, body, status, retry_count,
		                      max_retries, metadata, requested_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, m.ID, string(m.Service), m.Recipient, m.Body, string(m.Status), m.RetryCount,
		m.MaxRetries, m.Metadata, m.RequestedBy,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
}

func (r *PostgresMessageRepo) UpdateByID(ctx context.Context, id uuid.UUID, patch model.MessagePatch) error {
	sets := []string{"updated_at = now()"}
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.ExternalID != nil {
		add("external_id", *patch.ExternalID)
	}
	if patch.ClearError {
		sets = append(sets, "error_message = NULL")
	} else if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.RetryCount != nil {
		add("retry_count", *patch.RetryCount)
	}

	tag, err := r.db.Exec(ctx,
		"UPDATE messages SET "+strings.Join(sets, ", ")+" WHERE id = $1", args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresMessageRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	row := r.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *PostgresMessageRepo) FindFailedForRetry(ctx context.Context, staleFor time.Duration, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	cutoff := time.Now().UTC().Add(-staleFor)

	rows, err := r.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = 'failed'
		  AND created_at <= $1
		  AND retry_count < max_retries
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// ClaimRedeliverable stamps claimed_at inside the selecting transaction so
// two gateways sharing a database never pick the same row within a lease.
// Re-armed rows qualify at once; a first attempt still pending after a full
// lease was abandoned mid-send and qualifies too.
func (r *PostgresMessageRepo) ClaimRedeliverable(ctx context.Context, limit int, lease time.Duration) ([]model.Message, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	rows, err := tx.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = 'pending'
		  AND (retry_count > 0 OR updated_at < $1)
		  AND (claimed_at IS NULL OR claimed_at < $1)
		ORDER BY updated_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, now.Add(-lease), limit)
	if err != nil {
		return nil, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	if len(msgs) > 0 {
		ids := make([]uuid.UUID, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		if _, err := tx.Exec(ctx,
			`UPDATE messages SET claimed_at = $2 WHERE id = ANY($1)`, ids, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *PostgresMessageRepo) Count(ctx context.Context, f model.MessageFilter) (int64, error) {
	var where []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Retryable {
		where = append(where, "retry_count < max_retries")
	}

	q := "SELECT count(*) FROM messages"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}

	var n int64
	if err := r.db.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *PostgresMessageRepo) ListSent(ctx context.Context, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = 'sent'
		ORDER BY updated_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func scanMessage(row pgx.Row) (model.Message, error) {
	var m model.Message
	var service, status string
	err := row.Scan(
		&m.ID,
		&service,
		&m.Recipient,
		&m.Body,
		&status,
		&m.ExternalID,
		&m.ErrorMessage,
		&m.RetryCount,
		&m.MaxRetries,
		&m.Metadata,
		&m.RequestedBy,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	m.Service = model.Service(service)
	m.Status = model.Status(status)
	return m, err
}

func collectMessages(rows pgx.Rows) ([]model.Message, error) {
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
