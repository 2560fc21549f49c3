package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/satya-market/access-go/internal/db"
	"github.com/satya-market/access-go/pkg/errdefs"
)

var migrations = []string{
	`CREATE SCHEMA IF NOT EXISTS seal_policy`,
	`CREATE TABLE IF NOT EXISTS seal_policy.policy (
		id          TEXT PRIMARY KEY,
		type        TEXT NOT NULL,
		creator     TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		params      JSONB NOT NULL,
		fingerprint TEXT NOT NULL DEFAULT '',
		audit       JSONB NOT NULL DEFAULT '[]'::jsonb
	)`,
}

type PostgresStore struct {
	db *db.Client
}

func NewPostgresStore(db *db.Client) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	return s.db.RunMigrations(ctx, migrations...)
}

func (s *PostgresStore) Create(ctx context.Context, r *Record) error {
	args := pgx.NamedArgs{
		"id":          r.ID,
		"type":        string(r.Type),
		"creator":     r.Creator,
		"created_at":  r.CreatedAt,
		"params":      r.Params,
		"fingerprint": r.DerivedKeyFingerprint,
		"audit":       auditOrEmpty(r.Audit),
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO seal_policy.policy (id, type, creator, created_at, params, fingerprint, audit)
		VALUES (@id, @type, @creator, @created_at, @params, @fingerprint, @audit)
	`, args)
	return err
}

const selectPolicy = `
	SELECT id, type, creator, created_at, params, fingerprint, audit
	FROM seal_policy.policy
	WHERE id = @id`

func scanRecord(row pgx.Row, id string) (*Record, error) {
	var (
		r       Record
		typ     string
		created time.Time
	)
	err := row.Scan(&r.ID, &typ, &r.Creator, &created, &r.Params, &r.DerivedKeyFingerprint, &r.Audit)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("policy %s: %w", id, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	r.Type = Type(typ)
	r.CreatedAt = created.UTC()
	return &r, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	return scanRecord(s.db.QueryRow(ctx, selectPolicy, pgx.NamedArgs{"id": id}), id)
}

// Update locks the row for the duration of fn.
func (s *PostgresStore) Update(ctx context.Context, id string, fn func(*Record) error) error {
	return pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
		r, err := scanRecord(tx.QueryRow(ctx, selectPolicy+` FOR UPDATE`, pgx.NamedArgs{"id": id}), id)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE seal_policy.policy
			SET params = @params, fingerprint = @fingerprint, audit = @audit
			WHERE id = @id
		`, pgx.NamedArgs{
			"id":          id,
			"params":      r.Params,
			"fingerprint": r.DerivedKeyFingerprint,
			"audit":       auditOrEmpty(r.Audit),
		})
		return err
	})
}

func auditOrEmpty(a []AuditEntry) []AuditEntry {
	if a == nil {
		return []AuditEntry{}
	}
	return a
}
