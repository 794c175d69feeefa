// Package usersession implements the user session layer (spec §4.G):
// signed input submission and output delivery over a TLS-framed protocol,
// plus a read-only gRPC query surface over the ledger store.
package usersession

import (
	"container/heap"
	"sync"

	"github.com/hpcore/hpcore/pkg/hash"
	"github.com/hpcore/hpcore/pkg/wire"
)

// PendingInput is one accepted, signature-verified input awaiting inclusion
// in the current round.
type PendingInput struct {
	Pubkey    []byte
	Container []byte
	Sig       []byte
	Protocol  wire.InputProtocol
	Hash      hash.H32
	arrival   int64
}

type inputHeap []*PendingInput

func (h inputHeap) Len() int            { return len(h) }
func (h inputHeap) Less(i, j int) bool  { return h[i].arrival < h[j].arrival }
func (h inputHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *inputHeap) Push(x interface{}) { *h = append(*h, x.(*PendingInput)) }
func (h *inputHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// InputPool is the round's candidate-input queue, drained by the consensus
// engine at stage assembly time. Grounded on
// pkg/did/consensus/mempool.go's TxMemPool, generalized from a
// priority-by-timestamp mempool of transactions to one of submitted user
// inputs.
type InputPool struct {
	mu   sync.Mutex
	h    inputHeap
	seen map[hash.H32]struct{}
}

// NewInputPool builds an empty pool.
func NewInputPool() *InputPool {
	p := &InputPool{seen: make(map[hash.H32]struct{})}
	heap.Init(&p.h)
	return p
}

// Add enqueues in if its hash has not already been seen this round. Returns
// false if it was a duplicate.
func (p *InputPool) Add(in *PendingInput, arrivalMs int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.seen[in.Hash]; dup {
		return false
	}

	in.arrival = arrivalMs
	p.seen[in.Hash] = struct{}{}
	heap.Push(&p.h, in)
	return true
}

// Len reports the number of pending inputs.
func (p *InputPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.h.Len()
}

// Drain removes and returns every pending input, oldest first, and clears
// the dedup set for the next round.
func (p *InputPool) Drain() []*PendingInput {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*PendingInput, 0, p.h.Len())
	for p.h.Len() > 0 {
		out = append(out, heap.Pop(&p.h).(*PendingInput))
	}
	p.seen = make(map[hash.H32]struct{})
	return out
}
