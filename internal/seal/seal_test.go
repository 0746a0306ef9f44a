package seal

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/types"
)

func testHeader() *types.BlockHeader {
	return &types.BlockHeader{
		ParentHash: types.Keccak256([]byte("parent")),
		Number:     12,
		Difficulty: uint256.NewInt(64),
		Time:       1700000000,
		TxRoot:     types.DeriveTxRoot(nil),
		UncleHash:  types.DeriveUncleHash(nil),
	}
}

func TestProofOfWork(t *testing.T) {
	pow := NewProofOfWork()

	sealed, err := pow.Seal(testHeader())
	require.NoError(t, err)
	require.NoError(t, pow.VerifySeal(sealed))

	badDigest := sealed.Copy()
	badDigest.MixDigest = types.Keccak256([]byte("nope"))
	require.ErrorIs(t, pow.VerifySeal(badDigest), ErrInvalidMixDigest)

	// raising the difficulty after sealing invalidates the digest binding
	harder := sealed.Copy()
	harder.Difficulty = uint256.NewInt(1 << 40)
	require.Error(t, pow.VerifySeal(harder))
}

func TestSigner(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)
	signer, err := NewSigner(priv)
	require.NoError(t, err)

	sealed, err := signer.Seal(testHeader())
	require.NoError(t, err)
	require.NoError(t, signer.VerifySeal(sealed))

	other, err := GenerateKey()
	require.NoError(t, err)
	otherSigner, err := NewSigner(other)
	require.NoError(t, err)
	foreign, err := otherSigner.Seal(testHeader())
	require.NoError(t, err)
	require.ErrorIs(t, signer.VerifySeal(foreign), ErrUnauthorizedSigner)

	unsigned := testHeader()
	require.ErrorIs(t, signer.VerifySeal(unsigned), ErrMissingSignature)

	verifier, err := NewSignerVerifier([]string{PubKeyHex(priv), PubKeyHex(other)})
	require.NoError(t, err)
	require.NoError(t, verifier.VerifySeal(foreign))
}

func TestNew(t *testing.T) {
	eng, err := New(KindNone, nil)
	require.NoError(t, err)
	require.NoError(t, eng.VerifySeal(testHeader()))

	_, err = New(KindSigner, nil)
	require.Error(t, err)

	_, err = New(KindSigner, []string{"zz"})
	require.Error(t, err)

	_, err = New("ethash", nil)
	require.Error(t, err)

	eng, err = New(KindPoW, nil)
	require.NoError(t, err)
	require.Error(t, eng.VerifySeal(testHeader()))
}
