package tally

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// flowScale fixes the decimal precision of projected flow values.
const flowScale = 4

// Flow is one weighted edge of the vote-flow diagram: either from the
// synthetic "Voters" source into the first round, or between candidate nodes
// of adjacent rounds.
type Flow struct {
	From  string          `json:"from"`
	To    string          `json:"to"`
	Value decimal.Decimal `json:"flow"`
}

// FlowDiagram is the full read-side projection of a tally's round sequence.
// Elected and Eliminated list the node ids to highlight.
type FlowDiagram struct {
	Flows      []Flow   `json:"flows"`
	Elected    []string `json:"elected_nodes"`
	Eliminated []string `json:"eliminated_nodes"`
}

func flowNodeID(iteration int, label string) string {
	return fmt.Sprintf("Round %d · %s", iteration, label)
}

func flowCandidateLabel(cid int64, names map[int64]string) string {
	if name := names[cid]; name != "" {
		return name
	}
	return fmt.Sprintf("Candidate %d", cid)
}

// ProjectFlows builds a vote-flow diagram from a tally's rounds. For each
// round boundary the weight a candidate held in both rounds flows to itself;
// weight lost beyond that is redistributed to that boundary's gainers in
// proportion to how much each gained. votesCast, when positive, rescales the
// first round's inflow so the diagram reads in ballots rather than raw
// retained weight. The projection never mutates the rounds.
func ProjectFlows(rounds []Round, names map[int64]string, votesCast int) FlowDiagram {
	diagram := FlowDiagram{
		Flows:      []Flow{},
		Elected:    []string{},
		Eliminated: []string{},
	}
	if len(rounds) == 0 {
		return diagram
	}

	totals := make([]map[int64]decimal.Decimal, len(rounds))
	for i, round := range rounds {
		totals[i] = make(map[int64]decimal.Decimal, len(round.RetainedTotals))
		for cid, val := range round.RetainedTotals {
			if val.IsPositive() {
				totals[i][cid] = val
			}
		}
	}

	firstTotal := decimal.Zero
	for _, val := range totals[0] {
		firstTotal = firstTotal.Add(val)
	}
	scale := decimal.NewFromInt(1)
	if votesCast > 0 && firstTotal.IsPositive() {
		scale = decimal.NewFromInt(int64(votesCast)).DivRound(firstTotal, divisionScale)
	}
	for _, cid := range sortedFlowIDs(totals[0], nil) {
		diagram.Flows = append(diagram.Flows, Flow{
			From:  "Voters",
			To:    flowNodeID(rounds[0].Iteration, flowCandidateLabel(cid, names)),
			Value: totals[0][cid].Mul(scale).Round(flowScale),
		})
	}

	for i := 0; i < len(rounds)-1; i++ {
		prev, next := totals[i], totals[i+1]
		prevIter, nextIter := rounds[i].Iteration, rounds[i+1].Iteration

		losses := make(map[int64]decimal.Decimal)
		gains := make(map[int64]decimal.Decimal)

		for _, cid := range sortedFlowIDs(prev, next) {
			prevVal, nextVal := prev[cid], next[cid]
			shared := decimal.Min(prevVal, nextVal)
			if shared.IsPositive() {
				label := flowCandidateLabel(cid, names)
				diagram.Flows = append(diagram.Flows, Flow{
					From:  flowNodeID(prevIter, label),
					To:    flowNodeID(nextIter, label),
					Value: shared.Round(flowScale),
				})
			}
			if prevVal.GreaterThan(shared) {
				losses[cid] = prevVal.Sub(shared)
			}
			if nextVal.GreaterThan(shared) {
				gains[cid] = nextVal.Sub(shared)
			}
		}

		totalGain := decimal.Zero
		for _, val := range gains {
			totalGain = totalGain.Add(val)
		}
		if len(losses) == 0 || !totalGain.IsPositive() {
			continue
		}
		for _, loserID := range sortedFlowIDs(losses, nil) {
			fromNode := flowNodeID(prevIter, flowCandidateLabel(loserID, names))
			for _, gainerID := range sortedFlowIDs(gains, nil) {
				value := losses[loserID].Mul(gains[gainerID].DivRound(totalGain, divisionScale))
				if !value.IsPositive() {
					continue
				}
				diagram.Flows = append(diagram.Flows, Flow{
					From:  fromNode,
					To:    flowNodeID(nextIter, flowCandidateLabel(gainerID, names)),
					Value: value.Round(flowScale),
				})
			}
		}
	}

	electedSoFar := make(map[int64]struct{})
	for _, round := range rounds {
		for _, cid := range round.Elected {
			electedSoFar[cid] = struct{}{}
		}
		ids := make([]int64, 0, len(electedSoFar))
		for cid := range electedSoFar {
			ids = append(ids, cid)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, cid := range ids {
			diagram.Elected = append(diagram.Elected,
				flowNodeID(round.Iteration, flowCandidateLabel(cid, names)))
		}
		if round.Eliminated != nil {
			diagram.Eliminated = append(diagram.Eliminated,
				flowNodeID(round.Iteration, flowCandidateLabel(*round.Eliminated, names)))
		}
	}

	return diagram
}

// sortedFlowIDs returns the union of keys of a and b in ascending order, so
// the projection emits edges in a stable order.
func sortedFlowIDs(a, b map[int64]decimal.Decimal) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	ids := make([]int64, 0, len(a)+len(b))
	for cid := range a {
		if _, ok := seen[cid]; !ok {
			seen[cid] = struct{}{}
			ids = append(ids, cid)
		}
	}
	for cid := range b {
		if _, ok := seen[cid]; !ok {
			seen[cid] = struct{}{}
			ids = append(ids, cid)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
