package chain

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

// ErrAccountNotFound is returned when an account does not exist or does not
// decode as the expected type. It is never retried.
var ErrAccountNotFound = errors.New("account not found")

// Account is a raw account read at a slot
type Account struct {
	Address  solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
	Slot     uint64
}

// Memcmp matches Bytes at Offset of account data
type Memcmp struct {
	Offset uint64
	Bytes  []byte
}

// Ledger is the blockchain read capability
type Ledger interface {
	GetAccount(ctx context.Context, address solana.PublicKey) (*Account, error)
	// GetAccounts returns one entry per address, nil when missing
	GetAccounts(ctx context.Context, addresses []solana.PublicKey) ([]*Account, error)
	ProgramAccounts(ctx context.Context, program solana.PublicKey, filters ...Memcmp) ([]*Account, error)
	GetSlot(ctx context.Context) (uint64, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
}

// PositionQuote is the token composition of a position in UI units.
// Pending fees replace the on-chain checkpoints only when HasPendingFees is set.
type PositionQuote struct {
	AmountX        float64
	AmountY        float64
	PendingFeesX   float64
	PendingFeesY   float64
	PendingFeesUSD float64
	HasPendingFees bool
	ClaimedFeesUSD float64
}

// Quoter is the pool quote capability. Bin pricing math lives behind it.
type Quoter interface {
	QuotePosition(ctx context.Context, position string, decimalsX, decimalsY uint8) (*PositionQuote, error)
	PairPrice(ctx context.Context, pool string) (float64, error)
}
