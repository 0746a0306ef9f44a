package seal

import (
	"encoding/binary"

	"github.com/holiman/uint256"

	"github.com/tendermint/chainsync/types"
)

// maxNonceAttempts bounds Seal so that an absurd difficulty cannot spin
// forever.
const maxNonceAttempts = 1 << 24

var two256 = new(uint256.Int).Not(new(uint256.Int)) // 2^256 - 1

// ProofOfWork requires keccak256(sealHash || nonce) <= (2^256-1) / difficulty.
// The resulting digest is carried in the header's MixDigest field.
type ProofOfWork struct{}

func NewProofOfWork() *ProofOfWork { return &ProofOfWork{} }

func powDigest(sealHash types.Hash, nonce uint64) types.Hash {
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], nonce)
	return types.Keccak256(sealHash.Bytes(), nb[:])
}

func powTarget(difficulty *uint256.Int) *uint256.Int {
	if difficulty == nil || difficulty.IsZero() {
		return new(uint256.Int)
	}
	return new(uint256.Int).Div(two256, difficulty)
}

func (*ProofOfWork) VerifySeal(h *types.BlockHeader) error {
	digest := powDigest(h.SealHash(), h.Nonce)
	if digest != h.MixDigest {
		return ErrInvalidMixDigest
	}
	if new(uint256.Int).SetBytes(digest.Bytes()).Gt(powTarget(h.Difficulty)) {
		return ErrInvalidPoW
	}
	return nil
}

// Seal grinds nonces from zero until the target is met.
func (*ProofOfWork) Seal(h *types.BlockHeader) (*types.BlockHeader, error) {
	sealed := h.Copy()
	sealHash := sealed.SealHash()
	target := powTarget(sealed.Difficulty)

	for nonce := uint64(0); nonce < maxNonceAttempts; nonce++ {
		digest := powDigest(sealHash, nonce)
		if !new(uint256.Int).SetBytes(digest.Bytes()).Gt(target) {
			sealed.Nonce = nonce
			sealed.MixDigest = digest
			return sealed, nil
		}
	}
	return nil, ErrInvalidPoW
}
