package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/servo/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS service_transitions(
			id BIGSERIAL PRIMARY KEY,
			service_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			occurred_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_service_transitions_service ON service_transitions(service_id);`,
		`CREATE INDEX IF NOT EXISTS idx_service_transitions_occurred ON service_transitions(occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) RecordTransition(ctx context.Context, t store.Transition) error {
	if t.OccurredAt.IsZero() {
		t.OccurredAt = time.Now().UTC()
	}
	var reason sql.NullString
	if t.Reason != "" {
		reason = sql.NullString{String: t.Reason, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO service_transitions(service_id, from_state, to_state, reason, pid, occurred_at)
		VALUES($1,$2,$3,$4,$5,$6);`,
		t.ServiceID, t.From, t.To, reason, t.PID, t.OccurredAt.UTC())
	return err
}

func (p *DB) Recent(ctx context.Context, serviceID string, limit int) ([]store.Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if serviceID != "" {
		rows, err = p.db.QueryContext(ctx, `
			SELECT service_id, from_state, to_state, COALESCE(reason,''), pid, occurred_at
			FROM service_transitions WHERE service_id = $1
			ORDER BY id DESC LIMIT $2;`, serviceID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT service_id, from_state, to_state, COALESCE(reason,''), pid, occurred_at
			FROM service_transitions
			ORDER BY id DESC LIMIT $1;`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.Transition
	for rows.Next() {
		var t store.Transition
		if err := rows.Scan(&t.ServiceID, &t.From, &t.To, &t.Reason, &t.PID, &t.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *DB) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM service_transitions WHERE occurred_at < $1;`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
