package election

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the service-level counters. A nil *Metrics disables recording,
// which keeps unit tests free of registry collisions.
type Metrics struct {
	BallotsSubmitted   prometheus.Counter
	QuorumReached      prometheus.Counter
	ElectionsClosed    prometheus.Counter
	TalliesCompleted   prometheus.Counter
	TallyFailures      prometheus.Counter
	DirectoryFailures  prometheus.Counter
	SchedulerSweepRuns prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BallotsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "elections_ballots_submitted_total",
			Help: "Ballots appended to the ledger, including resubmissions.",
		}),
		QuorumReached: factory.NewCounter(prometheus.CounterOpts{
			Name: "elections_quorum_reached_total",
			Help: "Elections whose quorum thresholds were first satisfied.",
		}),
		ElectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "elections_closed_total",
			Help: "Elections moved from open to closed.",
		}),
		TalliesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "elections_tallies_completed_total",
			Help: "Tally runs that stored a result.",
		}),
		TallyFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "elections_tally_failures_total",
			Help: "Tally runs that failed and left the election closed.",
		}),
		DirectoryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "elections_directory_failures_total",
			Help: "Identity directory calls that failed as unavailable.",
		}),
		SchedulerSweepRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "elections_scheduler_sweeps_total",
			Help: "Scheduler sweeps that checked for elections past their end.",
		}),
	}
}
