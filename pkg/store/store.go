// Package store persists sealed frames and receipts. The kernel calls
// these interfaces and never embeds storage logic itself; every backend
// is append-only from the kernel's point of view.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/invariant-systems/chronicle/pkg/frame"
	"github.com/invariant-systems/chronicle/pkg/receipt"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate")
	ErrUnsealed  = errors.New("store: frame not sealed")
)

// StoreError wraps a backend failure with the operation that hit it.
type StoreError struct {
	Op      string
	Backend string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// FrameStore is the durable, append-only frame log.
type FrameStore interface {
	// AppendFrame persists a sealed frame. Unsealed frames are rejected.
	AppendFrame(ctx context.Context, f *frame.Frame) error
	// GetPreviousFrame returns the highest-sequence frame of a session,
	// or nil when the session has none.
	GetPreviousFrame(ctx context.Context, sessionID string) (*frame.Frame, error)
	// GetFrameByHash locates a frame by content hash.
	GetFrameByHash(ctx context.Context, hash string) (*frame.Frame, error)
	// ListFrames returns a session's frames in sequence order.
	ListFrames(ctx context.Context, sessionID string, limit int) ([]*frame.Frame, error)
}

// ReceiptStore is the durable, append-only receipt log.
type ReceiptStore interface {
	AppendReceipt(ctx context.Context, r *receipt.Receipt) error
	// GetReceiptByHash locates a receipt by content hash.
	GetReceiptByHash(ctx context.Context, hash string) (*receipt.Receipt, error)
	// GetLastForAgent returns the agent's most recent receipt, for
	// parent-hash chaining, or nil when there is none.
	GetLastForAgent(ctx context.Context, agentID string) (*receipt.Receipt, error)
	// ListReceipts returns receipts newest first.
	ListReceipts(ctx context.Context, limit int) ([]*receipt.Receipt, error)
}

// Store combines both logs; the SQL backends implement it as one unit.
type Store interface {
	FrameStore
	ReceiptStore
}

// ChainResolver adapts a ReceiptStore to the chain-walking interface.
type ChainResolver struct {
	Ctx   context.Context
	Store ReceiptStore
}

func (c ChainResolver) GetByHash(hash string) (*receipt.Receipt, error) {
	return c.Store.GetReceiptByHash(c.Ctx, hash)
}
