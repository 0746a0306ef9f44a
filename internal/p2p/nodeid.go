package p2p

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/creachadair/atomicfile"
	"github.com/google/uuid"
)

// NewNodeID returns a random node ID.
func NewNodeID() string { return uuid.NewString() }

// ValidateNodeID checks that id is a well formed node ID.
func ValidateNodeID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid node id %q: %w", id, err)
	}
	return nil
}

// LoadOrGenNodeID reads the node ID stored at path, creating the file with a
// fresh ID if it does not exist.
func LoadOrGenNodeID(path string) (string, error) {
	bz, err := os.ReadFile(path)
	switch {
	case err == nil:
		id := strings.TrimSpace(string(bz))
		if err := ValidateNodeID(id); err != nil {
			return "", fmt.Errorf("%s: %w", path, err)
		}
		return id, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", err
	}

	id := NewNodeID()
	if _, err := atomicfile.WriteAll(path, strings.NewReader(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("writing node id: %w", err)
	}
	return id, nil
}
