package escrow

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ComputeCommitment derives the hiding, binding commitment for a price. The
// encoding is the 32-byte big-endian value followed by the 32-byte blinding
// factor, hashed with keccak256 — the canonical
// keccak256(abi.encodePacked(uint256, bytes32)) layout, so wallets can
// precompute commitments off-ledger with standard tooling.
func ComputeCommitment(value *big.Int, blinding [32]byte) ([32]byte, error) {
	if value == nil || value.Sign() < 0 {
		return [32]byte{}, fmt.Errorf("escrow: commitment value must be non-negative")
	}
	if value.BitLen() > 256 {
		return [32]byte{}, fmt.Errorf("escrow: commitment value exceeds 256 bits")
	}
	var buf [32]byte
	value.FillBytes(buf[:])
	return ethcrypto.Keccak256Hash(buf[:], blinding[:]), nil
}

// VerifyCommitment recomputes the commitment for (value, blinding) and
// compares it against the stored hash. It never learns anything beyond the
// equality result.
func VerifyCommitment(value *big.Int, blinding [32]byte, commitment [32]byte) bool {
	computed, err := ComputeCommitment(value, blinding)
	if err != nil {
		return false
	}
	return computed == commitment
}
