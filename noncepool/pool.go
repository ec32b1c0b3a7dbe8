package noncepool

import (
	"fmt"
	"sync/atomic"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/storage"
)

// Wallet names one sponsor wallet by index and chain address.
type Wallet struct {
	Index   int
	Address string
}

// Pool fans requests across the per-wallet coordinators. Wallet selection is
// round-robin; everything past selection is serialized per wallet.
type Pool struct {
	coordinators []*Coordinator
	next         atomic.Uint64
}

// NewPool starts one coordinator per wallet.
func NewPool(wallets []Wallet, chainClient ChainNonces, store *storage.Storage) (*Pool, error) {
	if len(wallets) == 0 {
		return nil, fmt.Errorf("at least one sponsor wallet is required")
	}
	p := &Pool{}
	for _, w := range wallets {
		p.coordinators = append(p.coordinators, NewCoordinator(w.Index, w.Address, chainClient, store))
	}
	return p, nil
}

// Next picks a coordinator round-robin.
func (p *Pool) Next() *Coordinator {
	n := p.next.Add(1) - 1
	return p.coordinators[n%uint64(len(p.coordinators))]
}

// Wallet returns the coordinator of a wallet index, or nil.
func (p *Pool) Wallet(index int) *Coordinator {
	for _, c := range p.coordinators {
		if c.walletIndex == index {
			return c
		}
	}
	return nil
}

// Size returns the number of wallets.
func (p *Pool) Size() int {
	return len(p.coordinators)
}

// Status returns the status of every wallet.
func (p *Pool) Status() []Status {
	out := make([]Status, 0, len(p.coordinators))
	for _, c := range p.coordinators {
		out = append(out, c.Status())
	}
	return out
}

// Close stops all coordinators.
func (p *Pool) Close() {
	for _, c := range p.coordinators {
		c.Close()
	}
}
