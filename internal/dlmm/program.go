// Package dlmm decodes Meteora DLMM accounts and builds unsigned program
// instructions. It never signs.
package dlmm

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ProgramID is the Meteora DLMM program
var ProgramID = solana.MustPublicKeyFromBase58("LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo")

// ComputeBudgetProgramID is the native compute budget program
var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

const (
	// BinsPerArray is the number of bins stored in one bin array account
	BinsPerArray = 70

	// MaxPositionBins is the most bins a single position may span
	MaxPositionBins = 70
)

// InstructionDiscriminator returns the anchor discriminator for a global instruction
func InstructionDiscriminator(name string) [8]byte {
	return discriminator("global:" + name)
}

// AccountDiscriminator returns the anchor discriminator for an account type
func AccountDiscriminator(name string) [8]byte {
	return discriminator("account:" + name)
}

func discriminator(preimage string) [8]byte {
	sum := sha256.Sum256([]byte(preimage))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

// BinArrayIndex returns the index of the bin array holding binID
func BinArrayIndex(binID int32) int64 {
	idx := int64(binID) / BinsPerArray
	if binID < 0 && int64(binID)%BinsPerArray != 0 {
		idx--
	}
	return idx
}

// DeriveBinArray returns the bin array PDA for a pair and index
func DeriveBinArray(lbPair solana.PublicKey, index int64) (solana.PublicKey, error) {
	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], uint64(index))
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte("bin_array"), lbPair[:], idx[:]}, ProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive bin array %d: %w", index, err)
	}
	return addr, nil
}

// DerivePosition returns the position PDA for base, lower bin and width
func DerivePosition(lbPair, base solana.PublicKey, lowerBinID, width int32) (solana.PublicKey, error) {
	var lower, w [4]byte
	binary.LittleEndian.PutUint32(lower[:], uint32(lowerBinID))
	binary.LittleEndian.PutUint32(w[:], uint32(width))
	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("position"), lbPair[:], base[:], lower[:], w[:]},
		ProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive position: %w", err)
	}
	return addr, nil
}

// DeriveEventAuthority returns the anchor event authority PDA
func DeriveEventAuthority() (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte("__event_authority")}, ProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive event authority: %w", err)
	}
	return addr, nil
}
