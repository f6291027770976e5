package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinops/clinops/internal/platform/db"
)

type storePG struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

// queryable abstracts pgxpool.Pool, pgxpool.Conn and pgx.Tx.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (s *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const recordColumns = `id, category, data, status, created_at, updated_at`

func (s *storePG) SaveAdministrativeData(ctx context.Context, category string, data json.RawMessage) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO administrative_data (id, category, data, status)
		VALUES ($1, $2, $3, $4)`,
		id, category, data, StatusPending,
	)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *storePG) GetAdministrativeData(ctx context.Context, category string) ([]*AdministrativeRecord, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+recordColumns+`
		FROM administrative_data
		WHERE category = $1
		ORDER BY created_at, id`,
		category,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AdministrativeRecord
	for rows.Next() {
		var rec AdministrativeRecord
		if err := rows.Scan(&rec.ID, &rec.Category, &rec.Data, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *storePG) UpdateStatus(ctx context.Context, category string, id uuid.UUID, status string) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE administrative_data
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND category = $2`,
		id, category, status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
