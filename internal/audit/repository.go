// Package audit records sent repository dispatches in a postgres table.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createTableStmt = `
CREATE TABLE IF NOT EXISTS dispatch_audit (
	id             BIGSERIAL PRIMARY KEY,
	dispatch_id    TEXT NOT NULL,
	repository     TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	triggered_by   TEXT NOT NULL,
	result         TEXT NOT NULL,
	http_status    INTEGER,
	error          TEXT,
	client_payload JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Entry is a recorded dispatch attempt.
type Entry struct {
	ID            int64
	DispatchID    string
	Repository    string
	EventType     string
	TriggeredBy   string
	Result        string
	HTTPStatus    int
	Error         string
	ClientPayload map[string]string
	CreatedAt     time.Time
}

// DB is the subset of pgxpool.Pool that the Repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// Open connects to the postgres database at databaseURL.
func Open(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 4
	cfg.MinConns = 0
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// Migrate creates the audit table if it does not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.db.Exec(ctx, createTableStmt)
	return err
}

func (r *Repository) Record(ctx context.Context, e *Entry) error {
	if e.DispatchID == "" {
		return errors.New("audit entry has an empty dispatch id")
	}

	raw, err := json.Marshal(e.ClientPayload)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO dispatch_audit
			(dispatch_id, repository, event_type, triggered_by, result, http_status, error, client_payload)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, 0), NULLIF($7, ''), $8)
	`, e.DispatchID, e.Repository, e.EventType, e.TriggeredBy, e.Result, e.HTTPStatus, e.Error, raw)

	return err
}

const (
	DefListLimit = 50
	MaxListLimit = 200
)

// ListRecent returns the latest entries, newest first.
// A limit <= 0 returns DefListLimit entries, limits above MaxListLimit are
// reduced to MaxListLimit.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = DefListLimit
	}
	limit = min(limit, MaxListLimit)

	rows, err := r.db.Query(ctx, `
		SELECT id, dispatch_id, repository, event_type, triggered_by, result,
		       COALESCE(http_status, 0), COALESCE(error, ''), client_payload, created_at
		FROM dispatch_audit
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Entry
	for rows.Next() {
		var e Entry
		var raw []byte

		if err := rows.Scan(
			&e.ID, &e.DispatchID, &e.Repository, &e.EventType, &e.TriggeredBy, &e.Result,
			&e.HTTPStatus, &e.Error, &raw, &e.CreatedAt,
		); err != nil {
			return nil, err
		}

		if err := json.Unmarshal(raw, &e.ClientPayload); err != nil {
			return nil, err
		}

		result = append(result, &e)
	}

	return result, rows.Err()
}
