package chain

import (
	"errors"
	"fmt"
)

// Chain integrity violations. VerifyExport wraps these with the offending
// hashes so audits can report what was expected versus found.
var (
	ErrFork           = errors.New("fork: multiple ballots share a previous chain hash")
	ErrCycle          = errors.New("cycle detected in chain")
	ErrHashMismatch   = errors.New("chain hash mismatch")
	ErrDisconnected   = errors.New("disconnected ballots: not all ballots reachable from genesis")
	ErrMissingGenesis = errors.New("missing genesis linkage: no ballot references the genesis hash")
	ErrHeadMismatch   = errors.New("chain head mismatch")
	ErrMalformedRow   = errors.New("malformed ballot row")
)

// ExportBallot is one row of the public ballots export. Ranking metadata is
// carried opaquely; verification only needs the three hashes.
type ExportBallot struct {
	Ranking           []string `json:"ranking"`
	Weight            int      `json:"weight"`
	BallotHash        string   `json:"ballot_hash"`
	IsCounted         bool     `json:"is_counted"`
	ChainHash         string   `json:"chain_hash"`
	PreviousChainHash string   `json:"previous_chain_hash"`
	SupersededBy      *string  `json:"superseded_by"`
}

// Export is the public ballots export for one election. The ballots array may
// arrive in any order; chain order is reconstructed from the hash linkage.
type Export struct {
	ElectionID  int64          `json:"election_id"`
	GenesisHash string         `json:"genesis_hash"`
	ChainHead   string         `json:"chain_head"`
	Ballots     []ExportBallot `json:"ballots"`
}

// ReconstructOrder returns the ballots in chain order, walking the
// previous-chain-hash linkage from genesis. It fails on the first integrity
// violation: a fork (two ballots claiming one predecessor), a per-row hash
// mismatch, a cycle, or ballots unreachable from genesis.
func ReconstructOrder(ballots []ExportBallot, genesisHash string) ([]ExportBallot, error) {
	byPrevious := make(map[string]ExportBallot, len(ballots))
	for _, row := range ballots {
		if row.PreviousChainHash == "" {
			return nil, fmt.Errorf("%w: missing previous_chain_hash", ErrMalformedRow)
		}
		if _, dup := byPrevious[row.PreviousChainHash]; dup {
			return nil, fmt.Errorf("%w: previous_chain_hash=%s", ErrFork, row.PreviousChainHash)
		}
		byPrevious[row.PreviousChainHash] = row
	}

	if len(ballots) > 0 {
		if _, ok := byPrevious[genesisHash]; !ok {
			return nil, ErrMissingGenesis
		}
	}

	ordered := make([]ExportBallot, 0, len(ballots))
	visited := make(map[string]struct{}, len(ballots))
	current := genesisHash

	for {
		row, ok := byPrevious[current]
		if !ok {
			break
		}
		if row.BallotHash == "" {
			return nil, fmt.Errorf("%w: missing ballot_hash", ErrMalformedRow)
		}
		if row.ChainHash == "" {
			return nil, fmt.Errorf("%w: missing chain_hash", ErrMalformedRow)
		}

		computed := NextHash(current, row.BallotHash)
		if computed != row.ChainHash {
			return nil, fmt.Errorf(
				"%w: previous_chain_hash=%s ballot_hash=%s computed=%s exported=%s",
				ErrHashMismatch, current, row.BallotHash, computed, row.ChainHash,
			)
		}

		if _, seen := visited[row.ChainHash]; seen {
			return nil, ErrCycle
		}
		visited[row.ChainHash] = struct{}{}

		ordered = append(ordered, row)
		current = row.ChainHash
	}

	if len(ordered) != len(ballots) {
		return nil, fmt.Errorf("%w: reachable=%d total=%d", ErrDisconnected, len(ordered), len(ballots))
	}

	return ordered, nil
}

// VerifyExport checks a full export end to end: the genesis hash matches the
// election identifier, the ballots form a single unbroken path, and the last
// ballot's chain hash equals the published head. It returns the reconstructed
// chain order on success.
func VerifyExport(export *Export) ([]ExportBallot, error) {
	genesis := GenesisHash(export.ElectionID)
	if export.GenesisHash != "" && export.GenesisHash != genesis {
		return nil, fmt.Errorf("%w: computed genesis=%s exported=%s", ErrHashMismatch, genesis, export.GenesisHash)
	}

	ordered, err := ReconstructOrder(export.Ballots, genesis)
	if err != nil {
		return nil, err
	}

	head := genesis
	if len(ordered) > 0 {
		head = ordered[len(ordered)-1].ChainHash
	}
	if export.ChainHead != head {
		return nil, fmt.Errorf("%w: computed=%s published=%s", ErrHeadMismatch, head, export.ChainHead)
	}

	return ordered, nil
}
