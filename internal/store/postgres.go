package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jonathan/collagent/internal/types"
)

const schema = `CREATE TABLE IF NOT EXISTS collagent_reports (
	job_id     TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	report     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Postgres stores reports as JSONB rows.
type Postgres struct {
	pool *pgxpool.Pool
}

// Connect opens a pool, verifies it and creates the reports table if needed.
func Connect(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create reports table: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Save(ctx context.Context, report types.Report) error {
	content, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO collagent_reports (job_id, state, report, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (job_id) DO UPDATE SET state = $2, report = $3`,
		report.JobID, report.State, content, report.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, jobID string) (types.Report, error) {
	var content []byte
	err := p.pool.QueryRow(ctx,
		`SELECT report FROM collagent_reports WHERE job_id = $1`, jobID,
	).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Report{}, ErrNotFound
	}
	if err != nil {
		return types.Report{}, fmt.Errorf("failed to get report: %w", err)
	}

	var report types.Report
	if err := json.Unmarshal(content, &report); err != nil {
		return types.Report{}, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return report, nil
}

func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}
