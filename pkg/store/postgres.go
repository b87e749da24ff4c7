package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	_ "github.com/lib/pq"

	"github.com/invariant-systems/chronicle/pkg/frame"
	"github.com/invariant-systems/chronicle/pkg/receipt"
)

// PostgresStore is the shared-deployment backend. Same layout as the
// SQLite store: indexed lookup columns plus a JSONB body.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenPostgresStore connects with a lib/pq DSN.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &StoreError{Op: "open", Backend: "postgres", Err: err}
	}
	return NewPostgresStore(db)
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS frames (
		content_hash TEXT PRIMARY KEY,
		frame_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		wall_clock_ns BIGINT NOT NULL,
		body JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_frames_session ON frames (session_id, sequence);

	CREATE TABLE IF NOT EXISTS receipts (
		content_hash TEXT PRIMARY KEY,
		receipt_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		parent_receipt_hash TEXT NOT NULL DEFAULT '',
		timestamp_ns BIGINT NOT NULL,
		body JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_receipts_agent ON receipts (agent_id, timestamp_ns);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return &StoreError{Op: "migrate", Backend: "postgres", Err: err}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) AppendFrame(ctx context.Context, f *frame.Frame) error {
	body, err := frame.MarshalPersistedForm(f)
	if err != nil {
		return &StoreError{Op: "append_frame", Backend: "postgres", Err: err}
	}
	query := `INSERT INTO frames (content_hash, frame_id, session_id, sequence, wall_clock_ns, body)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = s.db.ExecContext(ctx, query,
		f.ContentHash, f.Metadata.FrameID, f.Metadata.SessionID,
		f.Sequence(), f.LogicalClock.WallClockNS, string(body),
	)
	if err != nil {
		return &StoreError{Op: "append_frame", Backend: "postgres", Err: err}
	}
	return nil
}

func (s *PostgresStore) GetPreviousFrame(ctx context.Context, sessionID string) (*frame.Frame, error) {
	query := `SELECT body FROM frames WHERE session_id = $1 ORDER BY sequence DESC LIMIT 1`
	f, err := s.queryFrame(ctx, query, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

func (s *PostgresStore) GetFrameByHash(ctx context.Context, hash string) (*frame.Frame, error) {
	query := `SELECT body FROM frames WHERE content_hash = $1`
	return s.queryFrame(ctx, query, hash)
}

func (s *PostgresStore) ListFrames(ctx context.Context, sessionID string, limit int) ([]*frame.Frame, error) {
	query := `SELECT body FROM frames WHERE session_id = $1 ORDER BY sequence ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StoreError{Op: "list_frames", Backend: "postgres", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var frames []*frame.Frame
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, &StoreError{Op: "list_frames", Backend: "postgres", Err: err}
		}
		f, err := frame.UnmarshalPersistedForm([]byte(body))
		if err != nil {
			return nil, &StoreError{Op: "list_frames", Backend: "postgres", Err: err}
		}
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list_frames", Backend: "postgres", Err: err}
	}
	return frames, nil
}

func (s *PostgresStore) queryFrame(ctx context.Context, query string, arg any) (*frame.Frame, error) {
	var body string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &StoreError{Op: "get_frame", Backend: "postgres", Err: ErrNotFound}
		}
		return nil, &StoreError{Op: "get_frame", Backend: "postgres", Err: err}
	}
	return frame.UnmarshalPersistedForm([]byte(body))
}

func (s *PostgresStore) AppendReceipt(ctx context.Context, r *receipt.Receipt) error {
	h, err := r.ComputeHash()
	if err != nil {
		return &StoreError{Op: "append_receipt", Backend: "postgres", Err: err}
	}
	body, err := json.Marshal(r)
	if err != nil {
		return &StoreError{Op: "append_receipt", Backend: "postgres", Err: err}
	}
	query := `INSERT INTO receipts (content_hash, receipt_id, agent_id, parent_receipt_hash, timestamp_ns, body)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = s.db.ExecContext(ctx, query,
		h, r.ReceiptID, r.AgentID, r.ParentReceiptHash, r.TimestampNS, string(body),
	)
	if err != nil {
		return &StoreError{Op: "append_receipt", Backend: "postgres", Err: err}
	}
	return nil
}

func (s *PostgresStore) GetReceiptByHash(ctx context.Context, hash string) (*receipt.Receipt, error) {
	query := `SELECT body FROM receipts WHERE content_hash = $1`
	return s.queryReceipt(ctx, query, hash)
}

func (s *PostgresStore) GetLastForAgent(ctx context.Context, agentID string) (*receipt.Receipt, error) {
	query := `SELECT body FROM receipts WHERE agent_id = $1 ORDER BY timestamp_ns DESC LIMIT 1`
	r, err := s.queryReceipt(ctx, query, agentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) ListReceipts(ctx context.Context, limit int) ([]*receipt.Receipt, error) {
	query := `SELECT body FROM receipts ORDER BY timestamp_ns DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StoreError{Op: "list_receipts", Backend: "postgres", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var receipts []*receipt.Receipt
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, &StoreError{Op: "list_receipts", Backend: "postgres", Err: err}
		}
		var r receipt.Receipt
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, &StoreError{Op: "list_receipts", Backend: "postgres", Err: err}
		}
		receipts = append(receipts, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list_receipts", Backend: "postgres", Err: err}
	}
	return receipts, nil
}

func (s *PostgresStore) queryReceipt(ctx context.Context, query string, arg any) (*receipt.Receipt, error) {
	var body string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &StoreError{Op: "get_receipt", Backend: "postgres", Err: ErrNotFound}
		}
		return nil, &StoreError{Op: "get_receipt", Backend: "postgres", Err: err}
	}
	var r receipt.Receipt
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, &StoreError{Op: "get_receipt", Backend: "postgres", Err: err}
	}
	return &r, nil
}
