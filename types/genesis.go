package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/holiman/uint256"
)

const (
	// MaxChainIDLen is a maximum length of the chain ID.
	MaxChainIDLen = 50
)

// GenesisDoc defines the initial conditions of a chain. Every node of a
// network must derive the same genesis block from it.
type GenesisDoc struct {
	GenesisTime time.Time `json:"genesis_time"`
	ChainID     string    `json:"chain_id"`
	Difficulty  uint64    `json:"difficulty"`
	ExtraData   []byte    `json:"extra_data,omitempty"`
	StateRoot   Hash      `json:"state_root"`
}

// SaveAs is a utility method for saving GenesisDoc as a JSON file.
func (genDoc *GenesisDoc) SaveAs(file string) error {
	genDocBytes, err := json.MarshalIndent(genDoc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(file, genDocBytes, 0644)
}

// ValidateAndComplete checks that all necessary fields are present and fills
// in defaults for optional fields left empty.
func (genDoc *GenesisDoc) ValidateAndComplete() error {
	if genDoc.ChainID == "" {
		return errors.New("genesis doc must include non-empty chain_id")
	}
	if len(genDoc.ChainID) > MaxChainIDLen {
		return fmt.Errorf("chain_id in genesis doc is too long (max: %d)", MaxChainIDLen)
	}
	if len(genDoc.ExtraData) > MaxExtraDataSize {
		return fmt.Errorf("extra_data in genesis doc is too long (max: %d)", MaxExtraDataSize)
	}
	if genDoc.Difficulty == 0 {
		genDoc.Difficulty = 1
	}
	if genDoc.GenesisTime.IsZero() {
		genDoc.GenesisTime = time.Unix(0, 0).UTC()
	}
	return nil
}

// Block returns the genesis block. The chain id is committed to through the
// extra data so that chains with different ids never share a genesis hash.
func (genDoc *GenesisDoc) Block() *Block {
	extra := genDoc.ExtraData
	if len(extra) == 0 {
		extra = []byte(genDoc.ChainID)
	}
	return NewBlockWithRoots(&BlockHeader{
		Number:     0,
		Difficulty: uint256.NewInt(genDoc.Difficulty),
		Time:       uint64(genDoc.GenesisTime.Unix()),
		Extra:      extra,
		StateRoot:  genDoc.StateRoot,
	}, nil)
}

// GenesisDocFromJSON unmarshalls JSON data into a GenesisDoc.
func GenesisDocFromJSON(jsonBlob []byte) (*GenesisDoc, error) {
	genDoc := &GenesisDoc{}
	if err := json.Unmarshal(jsonBlob, genDoc); err != nil {
		return nil, err
	}

	if err := genDoc.ValidateAndComplete(); err != nil {
		return nil, err
	}

	return genDoc, nil
}

// GenesisDocFromFile reads JSON data from a file and unmarshalls it into a GenesisDoc.
func GenesisDocFromFile(genDocFile string) (*GenesisDoc, error) {
	jsonBlob, err := os.ReadFile(genDocFile)
	if err != nil {
		return nil, fmt.Errorf("couldn't read GenesisDoc file: %w", err)
	}
	genDoc, err := GenesisDocFromJSON(jsonBlob)
	if err != nil {
		return nil, fmt.Errorf("error reading GenesisDoc at %s: %w", genDocFile, err)
	}
	return genDoc, nil
}
