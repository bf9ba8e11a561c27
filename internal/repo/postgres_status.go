package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

type PostgresStatusRepo struct {
	db *pgxpool.Pool
}

func NewPostgresStatusRepo(db *pgxpool.Pool) *PostgresStatusRepo {
	return &PostgresStatusRepo{db: db}
}

func (r *PostgresStatusRepo) SetStatus(ctx context.Context, s model.ProviderSession) error {
	var detail []byte
	if s.Detail != nil {
		b, err := json.Marshal(s.Detail)
		if err != nil {
			return err
		}
		detail = b
	}
	var creds []byte
	if len(s.Credentials) > 0 {
		creds = s.Credentials
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO service_status (service, state, detail, credentials, connected_since, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (service) DO UPDATE
		SET state = EXCLUDED.state,
		    detail = EXCLUDED.detail,
		    credentials = EXCLUDED.credentials,
		    connected_since = EXCLUDED.connected_since,
		    last_error = EXCLUDED.last_error,
		    updated_at = now()
	`, string(s.Service), string(s.State), detail, creds, s.ConnectedSince, s.LastError)
	return err
}

func (r *PostgresStatusRepo) GetStatus(ctx context.Context, service model.Service) (*model.ProviderSession, error) {
	var (
		state     string
		detail    []byte
		creds     []byte
		since     *time.Time
		lastError string
		updatedAt time.Time
	)
	err := r.db.QueryRow(ctx, `
		SELECT state, detail, credentials, connected_since, last_error, updated_at
		FROM service_status
		WHERE service = $1
	`, string(service)).Scan(&state, &detail, &creds, &since, &lastError, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s := &model.ProviderSession{
		Service:        service,
		State:          model.LifecycleState(state),
		Credentials:    creds,
		ConnectedSince: since,
		LastError:      lastError,
		UpdatedAt:      updatedAt,
	}
	if len(detail) > 0 {
		var d model.AuthenticatingDetail
		if err := json.Unmarshal(detail, &d); err != nil {
			return nil, err
		}
		s.Detail = &d
	}
	return s, nil
}

func (r *PostgresStatusRepo) GetCredentials(ctx context.Context, service model.Service) (json.RawMessage, error) {
	var creds []byte
	err := r.db.QueryRow(ctx,
		`SELECT credentials FROM service_status WHERE service = $1`, string(service)).Scan(&creds)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, nil
	}
	return creds, nil
}
