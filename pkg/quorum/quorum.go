// Package quorum computes dual-threshold participation requirements. A quorum
// percentage applies independently to the number of eligible voters and to
// their total vote weight; quorum is met only when turnout satisfies both,
// so neither a handful of heavyweight voters nor a crowd of minimal-weight
// ones can satisfy it alone.
package quorum

import "fmt"

// Status is the full turnout picture for one election. All fields are
// exportable as-is for display and audit payloads.
type Status struct {
	Percent  int  `json:"quorum_percent"`
	Required bool `json:"quorum_required"`
	Met      bool `json:"quorum_met"`

	RequiredCount  int `json:"required_participating_voter_count"`
	RequiredWeight int `json:"required_participating_vote_weight_total"`

	EligibleCount  int `json:"eligible_voter_count"`
	EligibleWeight int `json:"eligible_vote_weight_total"`

	ParticipatingCount  int `json:"participating_voter_count"`
	ParticipatingWeight int `json:"participating_vote_weight_total"`
}

// ceilPercent returns ceil(n * percent / 100) in integer arithmetic.
func ceilPercent(n, percent int) int {
	return (n*percent + 99) / 100
}

// Compute evaluates quorum for the given electorate and turnout. percent
// outside [0, 100], or negative counts or weights, are rejected. A percent of
// zero means quorum is not required and never met.
func Compute(eligibleCount, eligibleWeight, participatingCount, participatingWeight, percent int) (Status, error) {
	if percent < 0 || percent > 100 {
		return Status{}, fmt.Errorf("quorum percent %d out of range [0, 100]", percent)
	}
	for _, v := range []int{eligibleCount, eligibleWeight, participatingCount, participatingWeight} {
		if v < 0 {
			return Status{}, fmt.Errorf("negative turnout input %d", v)
		}
	}

	status := Status{
		Percent:             percent,
		Required:            percent > 0,
		EligibleCount:       eligibleCount,
		EligibleWeight:      eligibleWeight,
		ParticipatingCount:  participatingCount,
		ParticipatingWeight: participatingWeight,
	}

	if percent > 0 && eligibleCount > 0 {
		status.RequiredCount = ceilPercent(eligibleCount, percent)
	}
	if percent > 0 && eligibleWeight > 0 {
		status.RequiredWeight = ceilPercent(eligibleWeight, percent)
	}

	status.Met = status.RequiredCount > 0 &&
		status.RequiredWeight > 0 &&
		participatingCount >= status.RequiredCount &&
		participatingWeight >= status.RequiredWeight

	return status, nil
}
