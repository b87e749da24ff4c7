package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/invariant-systems/chronicle/pkg/frame"
	"github.com/invariant-systems/chronicle/pkg/receipt"
)

// MemoryStore keeps frames and receipts in process memory. Used by
// tests and by replay tooling operating on exported logs.
type MemoryStore struct {
	mu sync.RWMutex

	framesByHash    map[string]*frame.Frame
	framesBySession map[string][]*frame.Frame

	receiptsByHash map[string]*receipt.Receipt
	receiptOrder   []*receipt.Receipt
	lastByAgent    map[string]*receipt.Receipt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		framesByHash:    make(map[string]*frame.Frame),
		framesBySession: make(map[string][]*frame.Frame),
		receiptsByHash:  make(map[string]*receipt.Receipt),
		lastByAgent:     make(map[string]*receipt.Receipt),
	}
}

func (s *MemoryStore) AppendFrame(ctx context.Context, f *frame.Frame) error {
	if !f.Sealed() {
		return &StoreError{Op: "append_frame", Backend: "memory", Err: ErrUnsealed}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.framesByHash[f.ContentHash]; ok {
		return &StoreError{Op: "append_frame", Backend: "memory", Err: fmt.Errorf("%w: %s", ErrDuplicate, f.ContentHash)}
	}
	s.framesByHash[f.ContentHash] = f
	sid := f.Metadata.SessionID
	s.framesBySession[sid] = append(s.framesBySession[sid], f)
	return nil
}

func (s *MemoryStore) GetPreviousFrame(ctx context.Context, sessionID string) (*frame.Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	frames := s.framesBySession[sessionID]
	if len(frames) == 0 {
		return nil, nil
	}
	best := frames[0]
	for _, f := range frames[1:] {
		if f.Sequence() > best.Sequence() {
			best = f
		}
	}
	return best, nil
}

func (s *MemoryStore) GetFrameByHash(ctx context.Context, hash string) (*frame.Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.framesByHash[hash]
	if !ok {
		return nil, &StoreError{Op: "get_frame", Backend: "memory", Err: fmt.Errorf("%w: %s", ErrNotFound, hash)}
	}
	return f, nil
}

func (s *MemoryStore) ListFrames(ctx context.Context, sessionID string, limit int) ([]*frame.Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	frames := s.framesBySession[sessionID]
	out := make([]*frame.Frame, len(frames))
	copy(out, frames)
	sortFramesBySequence(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendReceipt(ctx context.Context, r *receipt.Receipt) error {
	h, err := r.ComputeHash()
	if err != nil {
		return &StoreError{Op: "append_receipt", Backend: "memory", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.receiptsByHash[h]; ok {
		return &StoreError{Op: "append_receipt", Backend: "memory", Err: fmt.Errorf("%w: %s", ErrDuplicate, h)}
	}
	s.receiptsByHash[h] = r
	s.receiptOrder = append(s.receiptOrder, r)
	s.lastByAgent[r.AgentID] = r
	return nil
}

func (s *MemoryStore) GetReceiptByHash(ctx context.Context, hash string) (*receipt.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receiptsByHash[hash]
	if !ok {
		return nil, &StoreError{Op: "get_receipt", Backend: "memory", Err: fmt.Errorf("%w: %s", ErrNotFound, hash)}
	}
	return r, nil
}

func (s *MemoryStore) GetLastForAgent(ctx context.Context, agentID string) (*receipt.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastByAgent[agentID], nil
}

func (s *MemoryStore) ListReceipts(ctx context.Context, limit int) ([]*receipt.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*receipt.Receipt, len(s.receiptOrder))
	copy(out, s.receiptOrder)
	// Newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortFramesBySequence(frames []*frame.Frame) {
	sort.Slice(frames, func(i, j int) bool {
		return frames[i].Sequence() < frames[j].Sequence()
	})
}
