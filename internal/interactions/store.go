package interactions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"tabi/internal/action"
)

// DBPool is the part of pgxpool.Pool the store uses, so tests can mock it.
type DBPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const (
	createTableSQL = `
        CREATE TABLE IF NOT EXISTS interactions (
            id          UUID PRIMARY KEY,
            prompt      TEXT NOT NULL,
            intent      TEXT NOT NULL,
            confidence  DOUBLE PRECISION NOT NULL,
            output      JSONB NOT NULL,
            metadata    JSONB NOT NULL,
            raw_output  JSONB,
            created_at  TIMESTAMPTZ NOT NULL
        );`

	insertSQL = `
        INSERT INTO interactions (id, prompt, intent, confidence, output, metadata, raw_output, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`

	recentSQL = `
        SELECT id, prompt, intent, confidence, output, metadata, raw_output, created_at
        FROM interactions
        ORDER BY created_at DESC
        LIMIT $1;`
)

// Store persists interaction records.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

func NewStore(pool DBPool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, log: logger.Named("interactions")}
}

// EnsureSchema creates the interactions table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create interactions table: %w", err)
	}
	return nil
}

// Insert writes one record.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	output, err := json.Marshal(rec.Output)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	var raw []byte
	if len(rec.RawOutput) > 0 {
		raw = rec.RawOutput
	}

	tag, err := s.pool.Exec(ctx, insertSQL,
		rec.ID, rec.Prompt, string(rec.Intent), rec.Confidence,
		output, metadata, raw, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("insert interaction: %d rows affected", tag.RowsAffected())
	}
	s.log.Debug("interaction stored", zap.String("id", rec.ID), zap.String("intent", string(rec.Intent)))
	return nil
}

// Recent returns the newest records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, recentSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec              Record
			intent           string
			output, metadata []byte
			raw              []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Prompt, &intent, &rec.Confidence, &output, &metadata, &raw, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		rec.Intent = action.Kind(intent)
		if err := json.Unmarshal(output, &rec.Output); err != nil {
			return nil, fmt.Errorf("decode output of %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", rec.ID, err)
		}
		if len(raw) > 0 {
			rec.RawOutput = raw
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
