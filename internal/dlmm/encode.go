package dlmm

import (
	"encoding/binary"
)

const (
	lbPairAccountSize   = 904
	positionAccountSize = 8120
	tokenAccountSize    = 165
	mintAccountSize     = 82
)

// EncodeLbPair writes the fields read by DecodeLbPair into a zeroed account
func EncodeLbPair(p LbPair) []byte {
	data := make([]byte, lbPairAccountSize)
	copy(data, lbPairDiscriminator[:])
	binary.LittleEndian.PutUint32(data[lbPairActiveIDOffset:], uint32(p.ActiveID))
	binary.LittleEndian.PutUint16(data[lbPairBinStepOffset:], p.BinStep)
	copy(data[lbPairMintXOffset:], p.TokenXMint[:])
	copy(data[lbPairMintYOffset:], p.TokenYMint[:])
	copy(data[lbPairReserveXOffset:], p.ReserveX[:])
	copy(data[lbPairReserveYOffset:], p.ReserveY[:])
	return data
}

// EncodePosition writes the fields read by DecodePosition. Pending fees
// are placed in the first bin and liquidity in every bin when
// HasLiquidityShare is set.
func EncodePosition(p Position) []byte {
	data := make([]byte, positionAccountSize)
	copy(data, positionV2Discriminator[:])
	copy(data[positionLbPairOffset:], p.LbPair[:])
	copy(data[positionOwnerOffset:], p.Owner[:])
	binary.LittleEndian.PutUint32(data[positionLowerBinOffset:], uint32(p.LowerBinID))
	binary.LittleEndian.PutUint32(data[positionUpperBinOffset:], uint32(p.UpperBinID))
	binary.LittleEndian.PutUint64(data[positionLastUpdatedOffset:], uint64(p.LastUpdatedAt))
	binary.LittleEndian.PutUint64(data[positionClaimedXOffset:], p.TotalClaimedFeeX)
	binary.LittleEndian.PutUint64(data[positionClaimedYOffset:], p.TotalClaimedFeeY)
	binary.LittleEndian.PutUint64(data[positionFeeInfosOffset+32:], p.PendingFeeX)
	binary.LittleEndian.PutUint64(data[positionFeeInfosOffset+40:], p.PendingFeeY)

	if p.HasLiquidityShare {
		for i := 0; i < int(p.Width()) && i < MaxPositionBins; i++ {
			data[positionSharesOffset+i*16] = 1
		}
	}
	return data
}

// EncodeTokenAccount writes an SPL token account
func EncodeTokenAccount(a TokenAccount) []byte {
	data := make([]byte, tokenAccountSize)
	copy(data, a.Mint[:])
	copy(data[32:], a.Owner[:])
	binary.LittleEndian.PutUint64(data[64:], a.Amount)
	return data
}

// EncodeMint writes an initialized SPL mint with the given decimals
func EncodeMint(decimals uint8) []byte {
	data := make([]byte, mintAccountSize)
	data[mintDecimalsOffset] = decimals
	data[45] = 1 // is_initialized
	return data
}
