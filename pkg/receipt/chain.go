package receipt

import (
	"errors"
	"fmt"
)

var (
	// ErrChainBroken is returned when a parent hash resolves to nothing.
	ErrChainBroken = errors.New("receipt: chain broken")
	// ErrChainCycle is returned when following parent hashes revisits a
	// receipt, which indicates store corruption.
	ErrChainCycle = errors.New("receipt: chain cycle")
)

// Resolver locates a receipt by its content hash. Satisfied by the
// receipt stores.
type Resolver interface {
	GetByHash(hash string) (*Receipt, error)
}

// ResolveChain walks parent hashes from the given receipt back to the
// chain root, returning receipts in causal order (oldest first). The
// walk is bounded by maxDepth; pass 0 for the default of 4096.
func ResolveChain(r *Receipt, resolver Resolver, maxDepth int) ([]*Receipt, error) {
	if maxDepth <= 0 {
		maxDepth = 4096
	}

	var chain []*Receipt
	seen := make(map[string]struct{})
	current := r

	for {
		h, err := current.ComputeHash()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[h]; dup {
			return nil, fmt.Errorf("%w: revisited %s", ErrChainCycle, h)
		}
		seen[h] = struct{}{}
		chain = append(chain, current)

		if current.ParentReceiptHash == "" {
			break
		}
		if len(chain) >= maxDepth {
			return nil, fmt.Errorf("receipt: chain exceeds depth %d", maxDepth)
		}

		parent, err := resolver.GetByHash(current.ParentReceiptHash)
		if err != nil {
			return nil, fmt.Errorf("%w: parent %s: %v", ErrChainBroken, current.ParentReceiptHash, err)
		}
		current = parent
	}

	// Reverse into causal order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
