package dlmm

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

const (
	// BaseFeeLamports is the fee charged per signature
	BaseFeeLamports = 5000

	DefaultComputeUnitLimit          = 600_000
	DefaultComputeUnitPriceMicroLamp = 50_000

	lamportsPerSOL = 1_000_000_000
)

var ErrInvalidRange = errors.New("invalid bin range")

// RepositionParams describes a close-and-reopen of one position
type RepositionParams struct {
	Wallet          solana.PublicKey
	Pair            PairAccounts
	OldPosition     solana.PublicKey
	OldLowerBinID   int32
	OldUpperBinID   int32
	NewLowerBinID   int32
	NewUpperBinID   int32
	Deposit         AddLiquidityParams
	RecentBlockhash solana.Hash

	ComputeUnitLimit uint32
	ComputeUnitPrice uint64
}

// UnsignedTransaction is a serialized transaction with empty signature slots
type UnsignedTransaction struct {
	Base64       string
	NewPosition  solana.PublicKey
	Signers      int
	Instructions int
	FeeLamports  uint64
}

// EstimateFeeLamports returns base plus priority fee for a transaction
func EstimateFeeLamports(signers int, cuLimit uint32, cuPriceMicroLamports uint64) uint64 {
	priority := (uint64(cuLimit)*cuPriceMicroLamports + 999_999) / 1_000_000
	return uint64(signers)*BaseFeeLamports + priority
}

// EstimateRepositionFeeSOL returns the expected fee of a reposition with default compute budget
func EstimateRepositionFeeSOL() float64 {
	return LamportsToSOL(EstimateFeeLamports(1, DefaultComputeUnitLimit, DefaultComputeUnitPriceMicroLamp))
}

// LamportsToSOL converts lamports to SOL
func LamportsToSOL(lamports uint64) float64 {
	return float64(lamports) / lamportsPerSOL
}

// BuildRepositionTransaction assembles remove-all, claim, close, open and
// deposit into one unsigned transaction paid by the wallet. The wallet is
// also the PDA base so it is the only required signer.
func BuildRepositionTransaction(p RepositionParams) (*UnsignedTransaction, error) {
	if p.NewUpperBinID < p.NewLowerBinID || p.NewUpperBinID-p.NewLowerBinID+1 > MaxPositionBins {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, p.NewLowerBinID, p.NewUpperBinID)
	}
	if p.OldUpperBinID < p.OldLowerBinID {
		return nil, fmt.Errorf("%w: old range [%d, %d]", ErrInvalidRange, p.OldLowerBinID, p.OldUpperBinID)
	}
	if p.ComputeUnitLimit == 0 {
		p.ComputeUnitLimit = DefaultComputeUnitLimit
	}
	if p.ComputeUnitPrice == 0 {
		p.ComputeUnitPrice = DefaultComputeUnitPriceMicroLamp
	}

	wallet := p.Wallet
	userX, _, err := solana.FindAssociatedTokenAddress(wallet, p.Pair.TokenXMint)
	if err != nil {
		return nil, fmt.Errorf("derive token x account: %w", err)
	}
	userY, _, err := solana.FindAssociatedTokenAddress(wallet, p.Pair.TokenYMint)
	if err != nil {
		return nil, fmt.Errorf("derive token y account: %w", err)
	}

	eventAuthority, err := DeriveEventAuthority()
	if err != nil {
		return nil, err
	}

	oldLowerArr, err := DeriveBinArray(p.Pair.LbPair, BinArrayIndex(p.OldLowerBinID))
	if err != nil {
		return nil, err
	}
	oldUpperArr, err := DeriveBinArray(p.Pair.LbPair, BinArrayIndex(p.OldUpperBinID))
	if err != nil {
		return nil, err
	}
	newLowerArr, err := DeriveBinArray(p.Pair.LbPair, BinArrayIndex(p.NewLowerBinID))
	if err != nil {
		return nil, err
	}
	newUpperArr, err := DeriveBinArray(p.Pair.LbPair, BinArrayIndex(p.NewUpperBinID))
	if err != nil {
		return nil, err
	}

	width := p.NewUpperBinID - p.NewLowerBinID + 1
	newPosition, err := DerivePosition(p.Pair.LbPair, wallet, p.NewLowerBinID, width)
	if err != nil {
		return nil, err
	}

	// TODO: wrap and unwrap native SOL when either mint is wSOL
	remove, err := NewRemoveLiquidityByRange(p.OldPosition, p.Pair, userX, userY, oldLowerArr, oldUpperArr, wallet, eventAuthority, p.OldLowerBinID, p.OldUpperBinID, FullRemovalBps)
	if err != nil {
		return nil, err
	}
	claim, err := NewClaimFee(p.OldPosition, p.Pair, userX, userY, oldLowerArr, oldUpperArr, wallet, eventAuthority)
	if err != nil {
		return nil, err
	}
	closeIx, err := NewClosePosition(p.OldPosition, p.Pair.LbPair, oldLowerArr, oldUpperArr, wallet, eventAuthority)
	if err != nil {
		return nil, err
	}
	open, err := NewInitializePositionPda(wallet, wallet, newPosition, p.Pair.LbPair, wallet, eventAuthority, p.NewLowerBinID, width)
	if err != nil {
		return nil, err
	}
	deposit := p.Deposit
	deposit.MinBinID = p.NewLowerBinID
	deposit.MaxBinID = p.NewUpperBinID
	add, err := NewAddLiquidityByStrategy(newPosition, p.Pair, userX, userY, newLowerArr, newUpperArr, wallet, eventAuthority, deposit)
	if err != nil {
		return nil, err
	}

	instructions := []solana.Instruction{
		NewSetComputeUnitLimit(p.ComputeUnitLimit),
		NewSetComputeUnitPrice(p.ComputeUnitPrice),
		remove,
		claim,
		closeIx,
		open,
		add,
	}

	tx, err := solana.NewTransaction(instructions, p.RecentBlockhash, solana.TransactionPayer(wallet))
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	signers := int(tx.Message.Header.NumRequiredSignatures)
	tx.Signatures = make([]solana.Signature, signers)

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}

	return &UnsignedTransaction{
		Base64:       base64.StdEncoding.EncodeToString(raw),
		NewPosition:  newPosition,
		Signers:      signers,
		Instructions: len(instructions),
		FeeLamports:  EstimateFeeLamports(signers, p.ComputeUnitLimit, p.ComputeUnitPrice),
	}, nil
}
