package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	_ "modernc.org/sqlite"

	"github.com/invariant-systems/chronicle/pkg/frame"
	"github.com/invariant-systems/chronicle/pkg/receipt"
)

// SQLiteStore persists frames and receipts in a single SQLite database.
// Indexed columns carry the lookup keys; the full persisted form lives
// in a JSON body column so schema evolution never loses fields.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) the database at path. Pass
// ":memory:" for an ephemeral store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StoreError{Op: "open", Backend: "sqlite", Err: err}
	}
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS frames (
		content_hash TEXT PRIMARY KEY,
		frame_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		wall_clock_ns INTEGER NOT NULL,
		body JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_frames_session ON frames (session_id, sequence);

	CREATE TABLE IF NOT EXISTS receipts (
		content_hash TEXT PRIMARY KEY,
		receipt_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		parent_receipt_hash TEXT NOT NULL DEFAULT '',
		timestamp_ns INTEGER NOT NULL,
		body JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_receipts_agent ON receipts (agent_id, timestamp_ns);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return &StoreError{Op: "migrate", Backend: "sqlite", Err: err}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AppendFrame(ctx context.Context, f *frame.Frame) error {
	body, err := frame.MarshalPersistedForm(f)
	if err != nil {
		return &StoreError{Op: "append_frame", Backend: "sqlite", Err: err}
	}
	query := `INSERT INTO frames (content_hash, frame_id, session_id, sequence, wall_clock_ns, body)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		f.ContentHash, f.Metadata.FrameID, f.Metadata.SessionID,
		f.Sequence(), f.LogicalClock.WallClockNS, string(body),
	)
	if err != nil {
		return &StoreError{Op: "append_frame", Backend: "sqlite", Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetPreviousFrame(ctx context.Context, sessionID string) (*frame.Frame, error) {
	query := `SELECT body FROM frames WHERE session_id = ? ORDER BY sequence DESC LIMIT 1`
	f, err := s.queryFrame(ctx, query, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

func (s *SQLiteStore) GetFrameByHash(ctx context.Context, hash string) (*frame.Frame, error) {
	query := `SELECT body FROM frames WHERE content_hash = ?`
	return s.queryFrame(ctx, query, hash)
}

func (s *SQLiteStore) ListFrames(ctx context.Context, sessionID string, limit int) ([]*frame.Frame, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT body FROM frames WHERE session_id = ? ORDER BY sequence ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, &StoreError{Op: "list_frames", Backend: "sqlite", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var frames []*frame.Frame
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, &StoreError{Op: "list_frames", Backend: "sqlite", Err: err}
		}
		f, err := frame.UnmarshalPersistedForm([]byte(body))
		if err != nil {
			return nil, &StoreError{Op: "list_frames", Backend: "sqlite", Err: err}
		}
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list_frames", Backend: "sqlite", Err: err}
	}
	return frames, nil
}

func (s *SQLiteStore) queryFrame(ctx context.Context, query string, arg any) (*frame.Frame, error) {
	var body string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &StoreError{Op: "get_frame", Backend: "sqlite", Err: ErrNotFound}
		}
		return nil, &StoreError{Op: "get_frame", Backend: "sqlite", Err: err}
	}
	return frame.UnmarshalPersistedForm([]byte(body))
}

func (s *SQLiteStore) AppendReceipt(ctx context.Context, r *receipt.Receipt) error {
	h, err := r.ComputeHash()
	if err != nil {
		return &StoreError{Op: "append_receipt", Backend: "sqlite", Err: err}
	}
	body, err := json.Marshal(r)
	if err != nil {
		return &StoreError{Op: "append_receipt", Backend: "sqlite", Err: err}
	}
	query := `INSERT INTO receipts (content_hash, receipt_id, agent_id, parent_receipt_hash, timestamp_ns, body)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		h, r.ReceiptID, r.AgentID, r.ParentReceiptHash, r.TimestampNS, string(body),
	)
	if err != nil {
		return &StoreError{Op: "append_receipt", Backend: "sqlite", Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetReceiptByHash(ctx context.Context, hash string) (*receipt.Receipt, error) {
	query := `SELECT body FROM receipts WHERE content_hash = ?`
	return s.queryReceipt(ctx, query, hash)
}

func (s *SQLiteStore) GetLastForAgent(ctx context.Context, agentID string) (*receipt.Receipt, error) {
	query := `SELECT body FROM receipts WHERE agent_id = ? ORDER BY timestamp_ns DESC LIMIT 1`
	r, err := s.queryReceipt(ctx, query, agentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) ListReceipts(ctx context.Context, limit int) ([]*receipt.Receipt, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT body FROM receipts ORDER BY timestamp_ns DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, &StoreError{Op: "list_receipts", Backend: "sqlite", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var receipts []*receipt.Receipt
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, &StoreError{Op: "list_receipts", Backend: "sqlite", Err: err}
		}
		var r receipt.Receipt
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, &StoreError{Op: "list_receipts", Backend: "sqlite", Err: err}
		}
		receipts = append(receipts, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list_receipts", Backend: "sqlite", Err: err}
	}
	return receipts, nil
}

func (s *SQLiteStore) queryReceipt(ctx context.Context, query string, arg any) (*receipt.Receipt, error) {
	var body string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &StoreError{Op: "get_receipt", Backend: "sqlite", Err: ErrNotFound}
		}
		return nil, &StoreError{Op: "get_receipt", Backend: "sqlite", Err: err}
	}
	var r receipt.Receipt
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, &StoreError{Op: "get_receipt", Backend: "sqlite", Err: err}
	}
	return &r, nil
}
