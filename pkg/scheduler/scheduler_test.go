package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/AlmaLinux/astra-elections/pkg/data"
)

type fakeSource struct {
	open []*data.Election
	err  error
}

func (f *fakeSource) ListElectionsByState(_ context.Context, state data.ElectionState) ([]*data.Election, error) {
	if f.err != nil {
		return nil, f.err
	}
	if state != data.StateOpen {
		return nil, nil
	}
	return f.open, nil
}

type fakeCloser struct {
	source *fakeSource
	closed []int64
	fail   map[int64]error
}

// CloseElection drops the election from the source's open list so later
// sweeps no longer see it, matching the real state transition.
func (f *fakeCloser) CloseElection(_ context.Context, electionID int64) error {
	if err, ok := f.fail[electionID]; ok {
		return err
	}
	f.closed = append(f.closed, electionID)
	remaining := make([]*data.Election, 0, len(f.source.open))
	for _, e := range f.source.open {
		if e.ID != electionID {
			remaining = append(remaining, e)
		}
	}
	f.source.open = remaining
	return nil
}

func fixedNow() time.Time {
	return time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
}

func newTestSweeper(t *testing.T, source *fakeSource, closer *fakeCloser) *Sweeper {
	t.Helper()
	closer.source = source
	s, err := NewSweeper(source, closer, "* * * * *", nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	s.now = fixedNow
	return s
}

func TestSweepClosesEndedElections(t *testing.T) {
	now := fixedNow()
	source := &fakeSource{open: []*data.Election{
		{ID: 1, EndAt: now.Add(-time.Hour)},
		{ID: 2, EndAt: now.Add(time.Hour)},
		{ID: 3, EndAt: now},
	}}
	closer := &fakeCloser{}
	s := newTestSweeper(t, source, closer)

	s.Sweep(context.Background())

	// Past and exactly-now ends close; future ends stay open.
	assert.Equal(t, []int64{1, 3}, closer.closed)

	stats := s.GetStats()
	assert.Equal(t, int64(1), stats.SweepsRun)
	assert.Equal(t, int64(2), stats.ElectionsClosed)
	assert.Zero(t, stats.CloseFailures)
	assert.Equal(t, now, stats.LastSweep)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	now := fixedNow()
	source := &fakeSource{open: []*data.Election{
		{ID: 1, EndAt: now.Add(-time.Hour)},
		{ID: 2, EndAt: now.Add(-time.Minute)},
	}}
	closer := &fakeCloser{fail: map[int64]error{1: errors.New("boom")}}
	s := newTestSweeper(t, source, closer)

	s.Sweep(context.Background())
	assert.Equal(t, []int64{2}, closer.closed)

	stats := s.GetStats()
	assert.Equal(t, int64(1), stats.ElectionsClosed)
	assert.Equal(t, int64(1), stats.CloseFailures)

	// The failed election is retried on the next sweep.
	closer.fail = nil
	s.Sweep(context.Background())
	assert.Equal(t, []int64{2, 1}, closer.closed)
}

func TestSweepListFailure(t *testing.T) {
	source := &fakeSource{err: errors.New("db down")}
	closer := &fakeCloser{}
	s := newTestSweeper(t, source, closer)

	s.Sweep(context.Background())
	assert.Empty(t, closer.closed)
	assert.Zero(t, s.GetStats().SweepsRun)
}

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	_, err := NewSweeper(&fakeSource{}, &fakeCloser{}, "not a schedule", nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestSweeperStartStop(t *testing.T) {
	s := newTestSweeper(t, &fakeSource{}, &fakeCloser{})
	require.NoError(t, s.Start())
	s.Stop()
}
