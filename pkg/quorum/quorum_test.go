package quorum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeCeilingDivision(t *testing.T) {
	// ceil(3 * 34 / 100) = 2 on both axes.
	status, err := Compute(3, 3, 2, 2, 34)
	require.NoError(t, err)

	assert.Equal(t, 2, status.RequiredCount)
	assert.Equal(t, 2, status.RequiredWeight)
	assert.True(t, status.Required)
	assert.True(t, status.Met)
}

func TestComputeBothThresholdsRequired(t *testing.T) {
	tests := []struct {
		name                string
		participatingCount  int
		participatingWeight int
		wantMet             bool
	}{
		{"both met", 5, 50, true},
		{"count met, weight short", 5, 49, false},
		{"weight met, count short", 4, 50, false},
		{"both short", 4, 49, false},
		{"exactly at thresholds", 5, 50, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, err := Compute(10, 100, tt.participatingCount, tt.participatingWeight, 50)
			require.NoError(t, err)
			assert.Equal(t, 5, status.RequiredCount)
			assert.Equal(t, 50, status.RequiredWeight)
			assert.Equal(t, tt.wantMet, status.Met)
		})
	}
}

func TestComputeZeroPercentNotRequired(t *testing.T) {
	status, err := Compute(10, 100, 0, 0, 0)
	require.NoError(t, err)

	assert.False(t, status.Required)
	assert.False(t, status.Met)
	assert.Zero(t, status.RequiredCount)
	assert.Zero(t, status.RequiredWeight)
}

func TestComputeEmptyElectorate(t *testing.T) {
	status, err := Compute(0, 0, 0, 0, 50)
	require.NoError(t, err)

	// No thresholds can be derived from an empty electorate, so quorum can
	// never be met even though it is nominally required.
	assert.True(t, status.Required)
	assert.False(t, status.Met)
	assert.Zero(t, status.RequiredCount)
	assert.Zero(t, status.RequiredWeight)
}

func TestComputeFullTurnoutAtHundredPercent(t *testing.T) {
	status, err := Compute(7, 21, 7, 21, 100)
	require.NoError(t, err)

	assert.Equal(t, 7, status.RequiredCount)
	assert.Equal(t, 21, status.RequiredWeight)
	assert.True(t, status.Met)
}

func TestComputeInvalidInputs(t *testing.T) {
	_, err := Compute(10, 100, 0, 0, 101)
	assert.Error(t, err)

	_, err = Compute(10, 100, 0, 0, -1)
	assert.Error(t, err)

	_, err = Compute(-1, 100, 0, 0, 50)
	assert.Error(t, err)

	_, err = Compute(10, 100, -3, 0, 50)
	assert.Error(t, err)
}
