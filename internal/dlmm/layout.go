package dlmm

import (
	"bytes"
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

var (
	lbPairDiscriminator     = AccountDiscriminator("LbPair")
	positionV2Discriminator = AccountDiscriminator("PositionV2")
)

// LbPair is the subset of the pair account the engine reads
type LbPair struct {
	ActiveID   int32
	BinStep    uint16
	TokenXMint solana.PublicKey
	TokenYMint solana.PublicKey
	ReserveX   solana.PublicKey
	ReserveY   solana.PublicKey
}

// Position is the subset of a PositionV2 account the engine reads
type Position struct {
	LbPair            solana.PublicKey
	Owner             solana.PublicKey
	LowerBinID        int32
	UpperBinID        int32
	LastUpdatedAt     int64
	TotalClaimedFeeX  uint64
	TotalClaimedFeeY  uint64
	PendingFeeX       uint64
	PendingFeeY       uint64
	HasLiquidityShare bool
}

// Width returns the number of bins covered
func (p *Position) Width() int32 {
	return p.UpperBinID - p.LowerBinID + 1
}

// TokenAccount is the mint, owner and amount of an SPL token account
type TokenAccount struct {
	Mint   solana.PublicKey
	Owner  solana.PublicKey
	Amount uint64
}

const (
	lbPairActiveIDOffset = 76
	lbPairBinStepOffset  = 80
	lbPairMintXOffset    = 88
	lbPairMintYOffset    = 120
	lbPairReserveXOffset = 152
	lbPairReserveYOffset = 184
	lbPairMinSize        = 216

	positionLbPairOffset      = 8
	positionOwnerOffset       = 40
	positionSharesOffset      = 72
	positionFeeInfosOffset    = 4552
	positionFeeInfoSize       = 48
	positionLowerBinOffset    = 7912
	positionUpperBinOffset    = 7916
	positionLastUpdatedOffset = 7920
	positionClaimedXOffset    = 7928
	positionClaimedYOffset    = 7936
	positionMinSize           = 7944

	tokenAccountMinSize = 72
	mintDecimalsOffset  = 44
	mintMinSize         = 82
)

// PositionOwnerOffset is the byte offset of the owner field, used for
// memcmp filters when listing a wallet's positions.
const PositionOwnerOffset = positionOwnerOffset

// PositionDiscriminator returns the PositionV2 account discriminator
func PositionDiscriminator() []byte {
	return positionV2Discriminator[:]
}

// DecodeLbPair parses a pair account. ok is false for foreign or short data.
func DecodeLbPair(data []byte) (LbPair, bool) {
	if len(data) < lbPairMinSize || !bytes.Equal(data[:8], lbPairDiscriminator[:]) {
		return LbPair{}, false
	}
	return LbPair{
		ActiveID:   int32(binary.LittleEndian.Uint32(data[lbPairActiveIDOffset:])),
		BinStep:    binary.LittleEndian.Uint16(data[lbPairBinStepOffset:]),
		TokenXMint: pubkeyAt(data, lbPairMintXOffset),
		TokenYMint: pubkeyAt(data, lbPairMintYOffset),
		ReserveX:   pubkeyAt(data, lbPairReserveXOffset),
		ReserveY:   pubkeyAt(data, lbPairReserveYOffset),
	}, true
}

// DecodePosition parses a PositionV2 account. ok is false for foreign,
// short or inconsistent data.
func DecodePosition(data []byte) (Position, bool) {
	if len(data) < positionMinSize || !bytes.Equal(data[:8], positionV2Discriminator[:]) {
		return Position{}, false
	}

	p := Position{
		LbPair:           pubkeyAt(data, positionLbPairOffset),
		Owner:            pubkeyAt(data, positionOwnerOffset),
		LowerBinID:       int32(binary.LittleEndian.Uint32(data[positionLowerBinOffset:])),
		UpperBinID:       int32(binary.LittleEndian.Uint32(data[positionUpperBinOffset:])),
		LastUpdatedAt:    int64(binary.LittleEndian.Uint64(data[positionLastUpdatedOffset:])),
		TotalClaimedFeeX: binary.LittleEndian.Uint64(data[positionClaimedXOffset:]),
		TotalClaimedFeeY: binary.LittleEndian.Uint64(data[positionClaimedYOffset:]),
	}
	if p.UpperBinID < p.LowerBinID || p.Width() > MaxPositionBins {
		return Position{}, false
	}

	for i := 0; i < int(p.Width()); i++ {
		// fee_x_pending and fee_y_pending follow two u128 checkpoints
		base := positionFeeInfosOffset + i*positionFeeInfoSize + 32
		p.PendingFeeX += binary.LittleEndian.Uint64(data[base:])
		p.PendingFeeY += binary.LittleEndian.Uint64(data[base+8:])

		share := data[positionSharesOffset+i*16 : positionSharesOffset+(i+1)*16]
		if !allZero(share) {
			p.HasLiquidityShare = true
		}
	}

	return p, true
}

// DecodeTokenAccount parses an SPL token account
func DecodeTokenAccount(data []byte) (TokenAccount, bool) {
	if len(data) < tokenAccountMinSize {
		return TokenAccount{}, false
	}
	return TokenAccount{
		Mint:   pubkeyAt(data, 0),
		Owner:  pubkeyAt(data, 32),
		Amount: binary.LittleEndian.Uint64(data[64:]),
	}, true
}

// DecodeMintDecimals returns the decimals of an SPL mint
func DecodeMintDecimals(data []byte) (uint8, bool) {
	if len(data) < mintMinSize {
		return 0, false
	}
	return data[mintDecimalsOffset], true
}

func pubkeyAt(data []byte, offset int) solana.PublicKey {
	var pk solana.PublicKey
	copy(pk[:], data[offset:offset+32])
	return pk
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
