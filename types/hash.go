package types

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// HashLength is the length in bytes of a block hash.
const HashLength = 32

// Hash is the keccak-256 digest identifying a block.
type Hash [HashLength]byte

// ZeroHash is the hash with every byte set to zero.
var ZeroHash = Hash{}

// BytesToHash converts b to a Hash. If b is longer than HashLength only the
// trailing bytes are used.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return h
}

// HashFromHex parses an upper or lower case hex string, with or without a
// 0x prefix.
func HashFromHex(s string) (Hash, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != HashLength {
		return Hash{}, fmt.Errorf("invalid hash length %d, want %d", len(b), HashLength)
	}
	return BytesToHash(b), nil
}

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) Hash {
	var h Hash
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	d.Sum(h[:0])
	return h
}

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) IsZero() bool { return h == ZeroHash }

// String returns the upper case hex encoding of the hash.
func (h Hash) String() string {
	return fmt.Sprintf("%X", h[:])
}

// Short returns the first 6 bytes in hex, for logging.
func (h Hash) Short() string {
	return fmt.Sprintf("%X", h[:6])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
