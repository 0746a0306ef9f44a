package seal

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec"

	"github.com/tendermint/chainsync/types"
)

// compactSigLen is the length of a recoverable secp256k1 signature.
const compactSigLen = 65

// SignerVerifier accepts headers signed by one of a fixed set of keys. The
// seal is a compact recoverable signature over the header's seal hash.
type SignerVerifier struct {
	authorized map[string]struct{}
}

// NewSignerVerifier parses hex encoded compressed public keys.
func NewSignerVerifier(pubKeys []string) (*SignerVerifier, error) {
	sv := &SignerVerifier{authorized: make(map[string]struct{}, len(pubKeys))}
	for _, pk := range pubKeys {
		bz, err := hex.DecodeString(pk)
		if err != nil {
			return nil, fmt.Errorf("signer key %q: %w", pk, err)
		}
		pub, err := btcec.ParsePubKey(bz, btcec.S256())
		if err != nil {
			return nil, fmt.Errorf("signer key %q: %w", pk, err)
		}
		sv.authorized[string(pub.SerializeCompressed())] = struct{}{}
	}
	if len(sv.authorized) == 0 {
		return nil, fmt.Errorf("signer engine needs at least one authorized key")
	}
	return sv, nil
}

func (sv *SignerVerifier) VerifySeal(h *types.BlockHeader) error {
	if len(h.Signature) != compactSigLen {
		return ErrMissingSignature
	}
	sealHash := h.SealHash()
	pub, _, err := btcec.RecoverCompact(btcec.S256(), h.Signature, sealHash.Bytes())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorizedSigner, err)
	}
	if _, ok := sv.authorized[string(pub.SerializeCompressed())]; !ok {
		return ErrUnauthorizedSigner
	}
	return nil
}

// Signer seals headers with a private key.
type Signer struct {
	*SignerVerifier
	priv *btcec.PrivateKey
}

// NewSigner returns a sealer for priv that also accepts headers from the
// extra authorised keys.
func NewSigner(priv *btcec.PrivateKey, others ...string) (*Signer, error) {
	keys := append([]string{PubKeyHex(priv)}, others...)
	sv, err := NewSignerVerifier(keys)
	if err != nil {
		return nil, err
	}
	return &Signer{SignerVerifier: sv, priv: priv}, nil
}

func (s *Signer) Seal(h *types.BlockHeader) (*types.BlockHeader, error) {
	sealed := h.Copy()
	sealHash := sealed.SealHash()
	sig, err := btcec.SignCompact(btcec.S256(), s.priv, sealHash.Bytes(), true)
	if err != nil {
		return nil, err
	}
	sealed.Signature = sig
	return sealed, nil
}

// GenerateKey returns a fresh signer key.
func GenerateKey() (*btcec.PrivateKey, error) {
	return btcec.NewPrivateKey(btcec.S256())
}

// PubKeyHex renders the compressed public key of priv.
func PubKeyHex(priv *btcec.PrivateKey) string {
	return hex.EncodeToString(priv.PubKey().SerializeCompressed())
}
