package version

import "github.com/tendermint/chainsync/internal/wire"

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = CSSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// CSSemVer is the current version of chainsync.
	// It's the Semantic Version of the software.
	CSSemVer = "0.1.0"
)

// P2PProtocol is the wire protocol version advertised in the handshake.
const P2PProtocol = wire.ProtocolVersion

// Info is the version report printed by the CLI.
type Info struct {
	Version     string `json:"version"`
	GitCommit   string `json:"git_commit,omitempty"`
	P2PProtocol uint32 `json:"p2p_protocol"`
}

// Current returns the version of the running binary.
func Current() Info {
	return Info{Version: Version, GitCommit: GitCommit, P2PProtocol: P2PProtocol}
}
