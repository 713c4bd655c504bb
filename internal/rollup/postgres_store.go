package rollup

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/vigil/internal/event"
)

// PostgresStore implements Store backed by PostgreSQL. Each batch is one row
// with the two aggregate buckets stored as JSONB; retention trims old rows
// inside the same transaction as the insert.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed rollup store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, batch Batch, keep int) ([]Batch, error) {
	domains, err := json.Marshal(batch.Domains)
	if err != nil {
		return nil, fmt.Errorf("encode domain aggregate: %w", err)
	}
	entities, err := json.Marshal(batch.Entities)
	if err != nil {
		return nil, fmt.Errorf("encode entity aggregate: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rollup_batches (window_start, generated_at, domain_aggregate, entity_aggregate)
		VALUES ($1, $2, $3, $4)`,
		batch.WindowStart, batch.GeneratedAt, domains, entities)
	if err != nil {
		return nil, err
	}

	if keep > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM rollup_batches
			WHERE id NOT IN (
				SELECT id FROM rollup_batches ORDER BY generated_at DESC LIMIT $1
			)`, keep)
		if err != nil {
			return nil, err
		}
	}

	batches, err := loadBatches(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return batches, nil
}

func (p *PostgresStore) Load(ctx context.Context) ([]Batch, error) {
	return loadBatches(ctx, p.db)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func loadBatches(ctx context.Context, q querier) ([]Batch, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT window_start, generated_at, domain_aggregate, entity_aggregate
		FROM rollup_batches
		ORDER BY generated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Batch
	for rows.Next() {
		var (
			windowStart time.Time
			generatedAt time.Time
			domains     []byte
			entities    []byte
		)
		if err := rows.Scan(&windowStart, &generatedAt, &domains, &entities); err != nil {
			return nil, err
		}
		b := Batch{WindowStart: windowStart, GeneratedAt: generatedAt}
		if err := json.Unmarshal(domains, &b.Domains); err != nil {
			return nil, fmt.Errorf("decode domain aggregate: %w", err)
		}
		if err := json.Unmarshal(entities, &b.Entities); err != nil {
			return nil, fmt.Errorf("decode entity aggregate: %w", err)
		}
		if b.Domains == nil {
			b.Domains = map[string]event.HourlyAggregate{}
		}
		if b.Entities == nil {
			b.Entities = map[string]event.HourlyAggregate{}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
