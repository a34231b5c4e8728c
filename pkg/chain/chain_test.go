package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Vectors computed with the published reference verifier so the Go
// implementation stays bit-exact with it.
func TestGenesisHash(t *testing.T) {
	assert.Equal(t,
		"08202ea70c80afe70f4255e6aae3a50872a973d687759dff11e9356414ce7d41",
		GenesisHash(1))
	assert.Equal(t,
		"d26821a9651452f3f384fdedf29259ec819602a9cc4aa80d23a0666febd79f91",
		GenesisHash(42))
	assert.NotEqual(t, GenesisHash(1), GenesisHash(2))
}

func TestBallotHashCanonicalJSON(t *testing.T) {
	got := BallotHash(1, "cred-1", []int64{1, 2}, 2, "abc")
	assert.Equal(t, "ca7f00f0bf4282c0ec102a4d2eca4ad7db4164b4d4ab26e454aef719b0a04d13", got)

	// Nonce participates in the digest: identical content, different nonce,
	// different hash.
	assert.NotEqual(t, got, BallotHash(1, "cred-1", []int64{1, 2}, 2, "abd"))
	// Ranking order matters.
	assert.NotEqual(t, got, BallotHash(1, "cred-1", []int64{2, 1}, 2, "abc"))
}

func TestNextHash(t *testing.T) {
	genesis := GenesisHash(1)
	ballot := BallotHash(1, "cred-1", []int64{1, 2}, 2, "abc")
	assert.Equal(t,
		"999df0b595e442b66a0d5e616e62940e5808379674d47b40009f4ea2e606e5c3",
		NextHash(genesis, ballot))
}

func buildChain(t *testing.T, electionID int64, n int) ([]ExportBallot, string) {
	t.Helper()
	prev := GenesisHash(electionID)
	ballots := make([]ExportBallot, 0, n)
	for i := 0; i < n; i++ {
		ballotHash := BallotHash(electionID, "cred", []int64{int64(i + 1)}, 1, "nonce")
		chainHash := NextHash(prev, ballotHash)
		ballots = append(ballots, ExportBallot{
			Weight:            1,
			BallotHash:        ballotHash,
			IsCounted:         true,
			ChainHash:         chainHash,
			PreviousChainHash: prev,
		})
		prev = chainHash
	}
	return ballots, prev
}

func TestReconstructOrderRoundTrip(t *testing.T) {
	ballots, head := buildChain(t, 7, 5)

	// Shuffle deterministically: reverse the export order.
	shuffled := make([]ExportBallot, len(ballots))
	for i, b := range ballots {
		shuffled[len(ballots)-1-i] = b
	}

	ordered, err := ReconstructOrder(shuffled, GenesisHash(7))
	require.NoError(t, err)
	require.Len(t, ordered, 5)
	for i, b := range ordered {
		assert.Equal(t, ballots[i].ChainHash, b.ChainHash)
	}
	assert.Equal(t, head, ordered[len(ordered)-1].ChainHash)
}

func TestReconstructOrderEmpty(t *testing.T) {
	ordered, err := ReconstructOrder(nil, GenesisHash(1))
	require.NoError(t, err)
	assert.Empty(t, ordered)
}

func TestReconstructOrderFork(t *testing.T) {
	ballots, _ := buildChain(t, 1, 3)
	forked := ballots[2]
	forked.BallotHash = BallotHash(1, "other", []int64{9}, 1, "x")
	forked.ChainHash = NextHash(forked.PreviousChainHash, forked.BallotHash)
	ballots = append(ballots, forked)

	_, err := ReconstructOrder(ballots, GenesisHash(1))
	assert.ErrorIs(t, err, ErrFork)
}

func TestReconstructOrderHashMismatch(t *testing.T) {
	ballots, _ := buildChain(t, 1, 2)
	ballots[1].ChainHash = GenesisHash(99) // arbitrary wrong digest

	_, err := ReconstructOrder(ballots, GenesisHash(1))
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestReconstructOrderDisconnected(t *testing.T) {
	ballots, _ := buildChain(t, 1, 3)
	// Detach the tail: its previous hash points at a hash nothing produces.
	ballots[2].PreviousChainHash = GenesisHash(555)
	ballots[2].ChainHash = NextHash(ballots[2].PreviousChainHash, ballots[2].BallotHash)

	_, err := ReconstructOrder(ballots, GenesisHash(1))
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestReconstructOrderMissingGenesis(t *testing.T) {
	ballots, _ := buildChain(t, 1, 2)
	_, err := ReconstructOrder(ballots[1:], GenesisHash(1))
	assert.ErrorIs(t, err, ErrMissingGenesis)
}

func TestVerifyExport(t *testing.T) {
	ballots, head := buildChain(t, 3, 4)

	export := &Export{
		ElectionID:  3,
		GenesisHash: GenesisHash(3),
		ChainHead:   head,
		Ballots:     ballots,
	}
	ordered, err := VerifyExport(export)
	require.NoError(t, err)
	assert.Len(t, ordered, 4)

	// Published head that does not match the reconstructed chain is a failure.
	export.ChainHead = GenesisHash(3)
	_, err = VerifyExport(export)
	assert.ErrorIs(t, err, ErrHeadMismatch)

	// Wrong genesis for this election id.
	export.ChainHead = head
	export.GenesisHash = GenesisHash(4)
	_, err = VerifyExport(export)
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestVerifyExportEmptyChain(t *testing.T) {
	export := &Export{
		ElectionID:  9,
		GenesisHash: GenesisHash(9),
		ChainHead:   GenesisHash(9),
	}
	ordered, err := VerifyExport(export)
	require.NoError(t, err)
	assert.Empty(t, ordered)
}
