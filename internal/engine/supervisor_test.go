package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStale struct {
	mu       sync.Mutex
	stale    []string
	calls    int
	gotNow   time.Time
	gotLimit time.Duration
}

func (f *fakeStale) Stale(now time.Time, limit time.Duration) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotNow = now
	f.gotLimit = limit
	return f.stale
}

func (f *fakeStale) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeStale) args() (time.Time, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotNow, f.gotLimit
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRefresher) RefreshAllAtHourBoundary() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeRefresher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFeedHealth struct {
	mu   sync.Mutex
	last time.Time
}

func (f *fakeFeedHealth) LastDataAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type supervisorFixture struct {
	sup   *Supervisor
	hb    *Heartbeat
	stale *fakeStale
	ref   *fakeRefresher
	feed  *fakeFeedHealth

	mu       sync.Mutex
	fatalAge []time.Duration
}

func newSupervisorFixture(cfg SupervisorConfig) *supervisorFixture {
	f := &supervisorFixture{
		hb:    NewHeartbeat(),
		stale: &fakeStale{},
		ref:   &fakeRefresher{},
		feed:  &fakeFeedHealth{},
	}
	f.sup = NewSupervisor(cfg, f.hb, f.stale, f.ref, map[string]FeedHealth{"tickers": f.feed})
	f.sup.fatal = func(age time.Duration) {
		f.mu.Lock()
		f.fatalAge = append(f.fatalAge, age)
		f.mu.Unlock()
	}
	return f
}

func (f *supervisorFixture) at(now time.Time) {
	f.sup.now = func() time.Time { return now }
}

func (f *supervisorFixture) beatAt(t time.Time) {
	f.hb.lastMS.Store(t.UnixMilli())
}

func (f *supervisorFixture) fatals() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.fatalAge))
	copy(out, f.fatalAge)
	return out
}

func TestHeartbeatAge(t *testing.T) {
	hb := NewHeartbeat()
	assert.Less(t, hb.Age(time.Now()), time.Second)

	now := time.Now()
	hb.lastMS.Store(now.Add(-90 * time.Second).UnixMilli())
	assert.InDelta(t, 90.0, hb.Age(now).Seconds(), 1.0)
}

func TestSupervisorHealthyPass(t *testing.T) {
	f := newSupervisorFixture(SupervisorConfig{
		HeartbeatTimeout: time.Minute,
		CandleTimeout:    90 * time.Minute,
	})
	// minute 0: the rollover holds off until the venue settles the boundary
	now := time.Date(2026, 3, 14, 10, 0, 30, 0, time.UTC)
	f.at(now)
	f.beatAt(now.Add(-2 * time.Second))
	f.feed.last = now.Add(-5 * time.Second)

	f.sup.check()

	assert.Empty(t, f.fatals())
	assert.Equal(t, 0, f.ref.count())
	require.Equal(t, 1, f.stale.count())
	_, gotLimit := f.stale.args()
	assert.Equal(t, 90*time.Minute, gotLimit)
}

func TestSupervisorHeartbeatStallExits(t *testing.T) {
	f := newSupervisorFixture(SupervisorConfig{
		HeartbeatTimeout: time.Minute,
		CandleTimeout:    90 * time.Minute,
	})
	now := time.Date(2026, 3, 14, 10, 5, 0, 0, time.UTC)
	f.at(now)
	f.beatAt(now.Add(-3 * time.Minute))
	f.feed.last = now

	f.sup.check()

	fatals := f.fatals()
	require.Len(t, fatals, 1)
	assert.InDelta(t, (3 * time.Minute).Seconds(), fatals[0].Seconds(), 1.0)

	// the pass stops at the stall; nothing else runs behind a dead loop
	assert.Equal(t, 0, f.stale.count())
	assert.Equal(t, 0, f.ref.count())
}

func TestSupervisorRolloverOncePerHour(t *testing.T) {
	f := newSupervisorFixture(SupervisorConfig{})
	f.beatAt(time.Now())

	cases := []struct {
		now  time.Time
		want int
	}{
		{time.Date(2026, 3, 14, 10, 0, 30, 0, time.UTC), 0},
		{time.Date(2026, 3, 14, 10, 1, 10, 0, time.UTC), 1},
		{time.Date(2026, 3, 14, 10, 7, 0, 0, time.UTC), 1},
		{time.Date(2026, 3, 14, 11, 0, 40, 0, time.UTC), 1},
		{time.Date(2026, 3, 14, 11, 1, 5, 0, time.UTC), 2},
	}
	for _, tc := range cases {
		f.at(tc.now)
		f.sup.check()
		assert.Equal(t, tc.want, f.ref.count(), "at %s", tc.now)
	}
}

func TestSupervisorStaleCandleReport(t *testing.T) {
	f := newSupervisorFixture(SupervisorConfig{
		HeartbeatTimeout: time.Hour,
		CandleTimeout:    90 * time.Minute,
	})
	f.stale.stale = []string{"AAA-USDT", "BBB-USDT"}
	now := time.Date(2026, 3, 14, 10, 0, 15, 0, time.UTC)
	f.at(now)
	f.beatAt(now)

	f.sup.check()

	require.Equal(t, 1, f.stale.count())
	gotNow, gotLimit := f.stale.args()
	assert.Equal(t, now, gotNow)
	assert.Equal(t, 90*time.Minute, gotLimit)
	assert.Empty(t, f.fatals())
}

func TestSupervisorFeedSilenceDoesNotExit(t *testing.T) {
	f := newSupervisorFixture(SupervisorConfig{
		HeartbeatTimeout: time.Minute,
		CandleTimeout:    90 * time.Minute,
	})
	now := time.Date(2026, 3, 14, 10, 0, 15, 0, time.UTC)
	f.at(now)
	f.beatAt(now)
	f.feed.last = now.Add(-10 * time.Minute)

	f.sup.check()

	// a silent feed alarms; only a stalled loop takes the process down
	assert.Empty(t, f.fatals())
	assert.Equal(t, 1, f.stale.count())
}

func TestSupervisorSkipsFeedsThatNeverDelivered(t *testing.T) {
	f := newSupervisorFixture(SupervisorConfig{HeartbeatTimeout: time.Minute})
	now := time.Date(2026, 3, 14, 10, 0, 15, 0, time.UTC)
	f.at(now)
	f.beatAt(now)

	// zero LastDataAt is a feed still starting up, not one gone silent
	assert.NotPanics(t, func() { f.sup.check() })
	assert.Empty(t, f.fatals())
}

func TestSupervisorRunStopsOnCancel(t *testing.T) {
	f := newSupervisorFixture(SupervisorConfig{
		CheckInterval: 10 * time.Millisecond,
		CandleTimeout: 90 * time.Minute,
	})
	f.beatAt(time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sup.Run(ctx) }()

	require.Eventually(t, func() bool { return f.stale.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
