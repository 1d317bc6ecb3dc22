package dlmm

import (
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// StrategyType is the on-chain liquidity distribution shape
type StrategyType uint8

const (
	StrategySpotOneSide   StrategyType = 0
	StrategyCurveOneSide  StrategyType = 1
	StrategyBidAskOneSide StrategyType = 2
	StrategySpotBalanced  StrategyType = 3
)

// FullRemovalBps removes all liquidity from every bin in range
const FullRemovalBps = 10000

// PairAccounts are the pair accounts shared by every liquidity instruction
type PairAccounts struct {
	LbPair     solana.PublicKey
	TokenXMint solana.PublicKey
	TokenYMint solana.PublicKey
	ReserveX   solana.PublicKey
	ReserveY   solana.PublicKey
}

type removeLiquidityByRangeArgs struct {
	FromBinID   int32
	ToBinID     int32
	BpsToRemove uint16
}

type initializePositionPdaArgs struct {
	LowerBinID int32
	Width      int32
}

type strategyParameters struct {
	MinBinID     int32
	MaxBinID     int32
	StrategyType uint8
	Parameters   [64]uint8
}

type liquidityParameterByStrategy struct {
	AmountX              uint64
	AmountY              uint64
	ActiveID             int32
	MaxActiveBinSlippage int32
	StrategyParameters   strategyParameters
}

func encodeInstruction(name string, args interface{}) ([]byte, error) {
	disc := InstructionDiscriminator(name)
	data := append([]byte{}, disc[:]...)
	if args == nil {
		return data, nil
	}
	body, err := bin.MarshalBorsh(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", name, err)
	}
	return append(data, body...), nil
}

// liquidityAccounts is the account list shared by remove and add liquidity
func liquidityAccounts(position solana.PublicKey, pair PairAccounts, userX, userY, arrLower, arrUpper, sender, eventAuthority solana.PublicKey) solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		solana.NewAccountMeta(position, true, false),
		solana.NewAccountMeta(pair.LbPair, true, false),
		solana.NewAccountMeta(ProgramID, false, false), // bin array bitmap extension: none
		solana.NewAccountMeta(userX, true, false),
		solana.NewAccountMeta(userY, true, false),
		solana.NewAccountMeta(pair.ReserveX, true, false),
		solana.NewAccountMeta(pair.ReserveY, true, false),
		solana.NewAccountMeta(pair.TokenXMint, false, false),
		solana.NewAccountMeta(pair.TokenYMint, false, false),
		solana.NewAccountMeta(arrLower, true, false),
		solana.NewAccountMeta(arrUpper, true, false),
		solana.NewAccountMeta(sender, false, true),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(eventAuthority, false, false),
		solana.NewAccountMeta(ProgramID, false, false),
	}
}

// NewRemoveLiquidityByRange removes bps of liquidity from every bin in [from, to]
func NewRemoveLiquidityByRange(position solana.PublicKey, pair PairAccounts, userX, userY, arrLower, arrUpper, sender, eventAuthority solana.PublicKey, from, to int32, bps uint16) (solana.Instruction, error) {
	data, err := encodeInstruction("remove_liquidity_by_range", removeLiquidityByRangeArgs{
		FromBinID:   from,
		ToBinID:     to,
		BpsToRemove: bps,
	})
	if err != nil {
		return nil, err
	}
	accounts := liquidityAccounts(position, pair, userX, userY, arrLower, arrUpper, sender, eventAuthority)
	return solana.NewInstruction(ProgramID, accounts, data), nil
}

// NewClaimFee claims pending swap fees of a position
func NewClaimFee(position solana.PublicKey, pair PairAccounts, userX, userY, arrLower, arrUpper, sender, eventAuthority solana.PublicKey) (solana.Instruction, error) {
	data, err := encodeInstruction("claim_fee", nil)
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(pair.LbPair, true, false),
		solana.NewAccountMeta(position, true, false),
		solana.NewAccountMeta(arrLower, true, false),
		solana.NewAccountMeta(arrUpper, true, false),
		solana.NewAccountMeta(sender, false, true),
		solana.NewAccountMeta(pair.ReserveX, true, false),
		solana.NewAccountMeta(pair.ReserveY, true, false),
		solana.NewAccountMeta(userX, true, false),
		solana.NewAccountMeta(userY, true, false),
		solana.NewAccountMeta(pair.TokenXMint, false, false),
		solana.NewAccountMeta(pair.TokenYMint, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(eventAuthority, false, false),
		solana.NewAccountMeta(ProgramID, false, false),
	}
	return solana.NewInstruction(ProgramID, accounts, data), nil
}

// NewClosePosition closes an empty position and refunds rent to sender
func NewClosePosition(position, lbPair, arrLower, arrUpper, sender, eventAuthority solana.PublicKey) (solana.Instruction, error) {
	data, err := encodeInstruction("close_position", nil)
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(position, true, false),
		solana.NewAccountMeta(lbPair, true, false),
		solana.NewAccountMeta(arrLower, true, false),
		solana.NewAccountMeta(arrUpper, true, false),
		solana.NewAccountMeta(sender, false, true),
		solana.NewAccountMeta(sender, true, false), // rent receiver
		solana.NewAccountMeta(eventAuthority, false, false),
		solana.NewAccountMeta(ProgramID, false, false),
	}
	return solana.NewInstruction(ProgramID, accounts, data), nil
}

// NewInitializePositionPda opens a position PDA seeded by base
func NewInitializePositionPda(payer, base, position, lbPair, owner, eventAuthority solana.PublicKey, lowerBinID, width int32) (solana.Instruction, error) {
	data, err := encodeInstruction("initialize_position_pda", initializePositionPdaArgs{
		LowerBinID: lowerBinID,
		Width:      width,
	})
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(base, false, true),
		solana.NewAccountMeta(position, true, false),
		solana.NewAccountMeta(lbPair, false, false),
		solana.NewAccountMeta(owner, false, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
		solana.NewAccountMeta(eventAuthority, false, false),
		solana.NewAccountMeta(ProgramID, false, false),
	}
	return solana.NewInstruction(ProgramID, accounts, data), nil
}

// AddLiquidityParams describes a strategy deposit
type AddLiquidityParams struct {
	AmountX              uint64
	AmountY              uint64
	ActiveID             int32
	MaxActiveBinSlippage int32
	MinBinID             int32
	MaxBinID             int32
	Strategy             StrategyType
}

// NewAddLiquidityByStrategy deposits into a position using a distribution strategy
func NewAddLiquidityByStrategy(position solana.PublicKey, pair PairAccounts, userX, userY, arrLower, arrUpper, sender, eventAuthority solana.PublicKey, p AddLiquidityParams) (solana.Instruction, error) {
	data, err := encodeInstruction("add_liquidity_by_strategy", liquidityParameterByStrategy{
		AmountX:              p.AmountX,
		AmountY:              p.AmountY,
		ActiveID:             p.ActiveID,
		MaxActiveBinSlippage: p.MaxActiveBinSlippage,
		StrategyParameters: strategyParameters{
			MinBinID:     p.MinBinID,
			MaxBinID:     p.MaxBinID,
			StrategyType: uint8(p.Strategy),
		},
	})
	if err != nil {
		return nil, err
	}
	accounts := liquidityAccounts(position, pair, userX, userY, arrLower, arrUpper, sender, eventAuthority)
	return solana.NewInstruction(ProgramID, accounts, data), nil
}

// NewSetComputeUnitLimit caps compute units for the transaction
func NewSetComputeUnitLimit(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = 2
	binary.LittleEndian.PutUint32(data[1:], units)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// NewSetComputeUnitPrice sets the priority fee in micro-lamports per unit
func NewSetComputeUnitPrice(microLamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = 3
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}
