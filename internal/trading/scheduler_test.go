package trading

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hourglassbot/hourglass/internal/db"
)

type recordingSyncer struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingSyncer) SyncCycle(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
}

func (r *recordingSyncer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestSchedulerActsOnlyAtActionMinutes(t *testing.T) {
	f := newFixture(t)
	syncer := &recordingSyncer{}
	s := NewScheduler(f.life, syncer)

	s.tick(context.Background(), at(10, 22))
	assert.Equal(t, 0, syncer.count())

	s.tick(context.Background(), at(10, 55))
	assert.Equal(t, 1, syncer.count())

	s.tick(context.Background(), at(10, 59))
	assert.Equal(t, 2, syncer.count())

	s.tick(context.Background(), at(11, 0))
	assert.Equal(t, 2, syncer.count())
}

func TestSchedulerDispatchesDueSells(t *testing.T) {
	f := newFixture(t)
	f.seedPosition("B1", at(9, 13), "1.011", at(10, 55).UnixMilli())
	f.clock.Set(at(10, 55))
	f.venue.sellPx = d("99")
	s := NewScheduler(f.life, nil)

	s.tick(context.Background(), at(10, 55))

	assert.Eventually(t, func() bool {
		row, _ := f.store.get(testInst, "B1")
		return row.State == db.StateSoldOut
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.book.Len())
}

func TestSchedulerFailureRetriesNextWindow(t *testing.T) {
	f := newFixture(t)
	f.seedPosition("B1", at(9, 13), "1.011", at(10, 55).UnixMilli())
	f.clock.Set(at(10, 55))
	f.venue.setPlaceSellErr(errors.New("venue down"))
	s := NewScheduler(f.life, nil)

	s.tick(context.Background(), at(10, 55))
	assert.Eventually(t, func() bool {
		return len(f.notifier.failedInstruments()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	row, _ := f.store.get(testInst, "B1")
	assert.Equal(t, db.StateFilled, row.State)

	f.venue.setPlaceSellErr(nil)
	f.venue.sellPx = d("99")
	f.clock.Set(at(10, 59))
	s.tick(context.Background(), at(10, 59))

	assert.Eventually(t, func() bool {
		row, _ := f.store.get(testInst, "B1")
		return row.State == db.StateSoldOut
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTriggerDueSellsFencesDuplicates(t *testing.T) {
	f := newFixture(t)
	f.seedPosition("B1", tradeBase, "1.011", at(11, 55).UnixMilli())
	f.clock.Set(at(11, 55))

	// Park the sell cycle so the dispatched task cannot finish the row.
	require.True(t, f.life.trySellLock(testInst))
	defer f.life.sellUnlock(testInst)

	n1 := f.life.TriggerDueSells(context.Background(), f.clock.Now())
	n2 := f.life.TriggerDueSells(context.Background(), f.clock.Now())
	assert.Equal(t, 1, n1)
	assert.Equal(t, 0, n2, "the fence holds until a failed cycle resets it")
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.life, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
