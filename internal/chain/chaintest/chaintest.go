// Package chaintest provides in-memory Ledger and Quoter fakes with DLMM
// fixtures for tests.
package chaintest

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/wnt/rebin/internal/chain"
	"github.com/wnt/rebin/internal/dlmm"
)

// ErrTransport simulates a network failure
var ErrTransport = errors.New("connection reset by peer")

// Ledger is an in-memory chain.Ledger
type Ledger struct {
	mu        sync.Mutex
	accounts  map[solana.PublicKey]*chain.Account
	slot      uint64
	blockhash solana.Hash

	// FailNext makes the next n calls fail with Err
	FailNext int
	// Err is returned by every call when set and FailNext is zero
	Err   error
	Calls int
}

// NewLedger creates an empty ledger at slot 1000
func NewLedger() *Ledger {
	return &Ledger{
		accounts:  make(map[solana.PublicKey]*chain.Account),
		slot:      1000,
		blockhash: solana.Hash{9, 9, 9},
	}
}

// Put stores raw account data
func (l *Ledger) Put(address solana.PublicKey, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[address] = &chain.Account{Address: address, Owner: dlmm.ProgramID, Data: data, Slot: l.slot}
}

// Delete removes an account
func (l *Ledger) Delete(address solana.PublicKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.accounts, address)
}

func (l *Ledger) fail() error {
	l.Calls++
	if l.FailNext > 0 {
		l.FailNext--
		return ErrTransport
	}
	return l.Err
}

func (l *Ledger) GetAccount(_ context.Context, address solana.PublicKey) (*chain.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(); err != nil {
		return nil, err
	}
	acc, ok := l.accounts[address]
	if !ok {
		return nil, chain.ErrAccountNotFound
	}
	return acc, nil
}

func (l *Ledger) GetAccounts(_ context.Context, addresses []solana.PublicKey) ([]*chain.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(); err != nil {
		return nil, err
	}
	out := make([]*chain.Account, len(addresses))
	for i, addr := range addresses {
		out[i] = l.accounts[addr]
	}
	return out, nil
}

func (l *Ledger) ProgramAccounts(_ context.Context, _ solana.PublicKey, filters ...chain.Memcmp) ([]*chain.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(); err != nil {
		return nil, err
	}
	var out []*chain.Account
	for _, acc := range l.accounts {
		if matches(acc.Data, filters) {
			out = append(out, acc)
		}
	}
	return out, nil
}

func matches(data []byte, filters []chain.Memcmp) bool {
	for _, f := range filters {
		end := int(f.Offset) + len(f.Bytes)
		if end > len(data) || !bytes.Equal(data[f.Offset:end], f.Bytes) {
			return false
		}
	}
	return true
}

func (l *Ledger) GetSlot(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(); err != nil {
		return 0, err
	}
	return l.slot, nil
}

func (l *Ledger) LatestBlockhash(context.Context) (solana.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(); err != nil {
		return solana.Hash{}, err
	}
	return l.blockhash, nil
}

// Pool is a pair fixture
type Pool struct {
	Address  solana.PublicKey
	MintX    solana.PublicKey
	MintY    solana.PublicKey
	ReserveX solana.PublicKey
	ReserveY solana.PublicKey
}

// AddPool stores a pair with 9/6 decimal mints and funded reserves
func (l *Ledger) AddPool(activeID int32, binStep uint16) Pool {
	p := Pool{
		Address:  solana.NewWallet().PublicKey(),
		MintX:    solana.NewWallet().PublicKey(),
		MintY:    solana.NewWallet().PublicKey(),
		ReserveX: solana.NewWallet().PublicKey(),
		ReserveY: solana.NewWallet().PublicKey(),
	}
	l.SetPool(p, activeID, binStep)
	l.Put(p.MintX, dlmm.EncodeMint(9))
	l.Put(p.MintY, dlmm.EncodeMint(6))
	l.Put(p.ReserveX, dlmm.EncodeTokenAccount(dlmm.TokenAccount{Mint: p.MintX, Owner: p.Address, Amount: 5_000_000_000}))
	l.Put(p.ReserveY, dlmm.EncodeTokenAccount(dlmm.TokenAccount{Mint: p.MintY, Owner: p.Address, Amount: 750_000_000}))
	return p
}

// SetPool rewrites a pair's active bin
func (l *Ledger) SetPool(p Pool, activeID int32, binStep uint16) {
	l.Put(p.Address, dlmm.EncodeLbPair(dlmm.LbPair{
		ActiveID:   activeID,
		BinStep:    binStep,
		TokenXMint: p.MintX,
		TokenYMint: p.MintY,
		ReserveX:   p.ReserveX,
		ReserveY:   p.ReserveY,
	}))
}

// AddPosition stores a position owned by owner in pool
func (l *Ledger) AddPosition(pool Pool, owner solana.PublicKey, lower, upper int32) solana.PublicKey {
	address := solana.NewWallet().PublicKey()
	l.Put(address, dlmm.EncodePosition(dlmm.Position{
		LbPair:            pool.Address,
		Owner:             owner,
		LowerBinID:        lower,
		UpperBinID:        upper,
		PendingFeeX:       1_000_000,
		PendingFeeY:       500_000,
		HasLiquidityShare: true,
	}))
	return address
}

// Quoter is an in-memory chain.Quoter
type Quoter struct {
	mu        sync.Mutex
	Positions map[string]*chain.PositionQuote
	Prices    map[string]float64
	Err       error
}

// NewQuoter creates an empty quoter
func NewQuoter() *Quoter {
	return &Quoter{
		Positions: make(map[string]*chain.PositionQuote),
		Prices:    make(map[string]float64),
	}
}

func (q *Quoter) QuotePosition(_ context.Context, position string, _, _ uint8) (*chain.PositionQuote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return nil, q.Err
	}
	quote, ok := q.Positions[position]
	if !ok {
		return nil, errors.New("position not quoted")
	}
	return quote, nil
}

func (q *Quoter) PairPrice(_ context.Context, pool string) (float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return 0, q.Err
	}
	price, ok := q.Prices[pool]
	if !ok {
		return 0, errors.New("pair not quoted")
	}
	return price, nil
}
