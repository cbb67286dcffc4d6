package trading

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hourglassbot/hourglass/internal/db"
	"github.com/hourglassbot/hourglass/internal/exchange"
	"github.com/hourglassbot/hourglass/internal/strategy"
)

func buyRow(ordID string, createTime time.Time, size string, sellTimeMS int64) db.OrderRow {
	return db.OrderRow{
		InstID:     testInst,
		Flag:       strategy.FlagHourLimit,
		OrdID:      ordID,
		CreateTime: createTime.UnixMilli(),
		OrderType:  db.OrderTypeLimit,
		State:      db.StateFilled,
		Price:      "98.9",
		Size:       size,
		SellTime:   sellTimeMS,
		Side:       db.SideBuy,
	}
}

func newRecoveryFixture(t *testing.T) (*fixture, *Recovery) {
	t.Helper()
	f := newFixture(t)
	r := NewRecovery(f.store, f.venue, f.book, f.life)
	r.now = f.clock.Now
	return f, r
}

func TestRecoveryStartupRestoresAndSellsDue(t *testing.T) {
	f, r := newRecoveryFixture(t)
	f.clock.Set(at(11, 41))
	f.venue.sellPx = d("99")

	// Still inside its hold window; must come back to memory and wait.
	f.store.put(buyRow("B1", at(10, 12), "1.011", at(11, 55).UnixMilli()))
	f.venue.register(&exchange.OrderDetail{
		OrdID:     "B1",
		InstID:    testInst,
		State:     exchange.OrderStateFilled,
		AccFillSz: d("1.011"),
		FillTime:  at(10, 12).Add(3 * time.Second).UnixMilli(),
	})

	// Deadline long past; must be sold right after the restore.
	f.store.put(buyRow("B2", at(9, 20), "0.5", at(10, 55).UnixMilli()))
	f.venue.register(&exchange.OrderDetail{
		OrdID:     "B2",
		InstID:    testInst,
		State:     exchange.OrderStateFilled,
		AccFillSz: d("0.5"),
		FillTime:  at(9, 20).Add(30 * time.Second).UnixMilli(),
	})

	r.Startup(context.Background())

	got, ok := f.book.Get(strategy.FlagHourLimit, testInst, "B1")
	require.True(t, ok)
	assert.Equal(t, at(11, 55).UnixMilli(), got.SellDeadline)
	assert.Equal(t, at(10, 12).Add(3*time.Second).UnixMilli(), got.FillTime.UnixMilli())

	assert.Eventually(t, func() bool {
		row, _ := f.store.get(testInst, "B2")
		return row.State == db.StateSoldOut
	}, 2*time.Second, 5*time.Millisecond, "overdue position must be sold at startup")

	assert.Eventually(t, func() bool {
		return f.book.Len() == 1
	}, 2*time.Second, 5*time.Millisecond)
	row, _ := f.store.get(testInst, "B1")
	assert.Equal(t, db.StateFilled, row.State, "the future-deadline position stays held")
}

func TestRecoveryFillTimeFallsBackToCreateTime(t *testing.T) {
	f, r := newRecoveryFixture(t)
	f.clock.Set(at(10, 0))

	// Legacy row without a persisted deadline, and the venue lookup fails.
	f.store.put(buyRow("B1", at(9, 30), "1", 0))
	f.venue.getErr["B1"] = errors.New("order not found")

	r.SyncCycle(context.Background())

	got, ok := f.book.Get(strategy.FlagHourLimit, testInst, "B1")
	require.True(t, ok)
	assert.Equal(t, at(9, 30).UnixMilli(), got.FillTime.UnixMilli())
	assert.Equal(t, at(10, 55).UnixMilli(), got.SellDeadline, "deadline recomputed from create time")
}

func TestRecoveryPersistedDeadlineWins(t *testing.T) {
	f, r := newRecoveryFixture(t)
	f.clock.Set(at(11, 0))

	// A group pin pushed this row's exit out; the restore must not shrink it
	// back to the plain fill-time computation.
	f.store.put(buyRow("B1", at(9, 5), "1", at(12, 55).UnixMilli()))
	f.venue.register(&exchange.OrderDetail{
		OrdID:    "B1",
		InstID:   testInst,
		State:    exchange.OrderStateFilled,
		FillTime: at(9, 5).UnixMilli(),
	})

	r.SyncCycle(context.Background())

	got, ok := f.book.Get(strategy.FlagHourLimit, testInst, "B1")
	require.True(t, ok)
	assert.Equal(t, at(12, 55).UnixMilli(), got.SellDeadline)
}

func TestRecoveryEvictsSoldOutEntries(t *testing.T) {
	f, r := newRecoveryFixture(t)
	f.clock.Set(at(11, 0))

	// Memory thinks B1 is still held, but the log shows it sold.
	f.book.Add(strategy.ActiveOrder{
		InstID:       testInst,
		OrdID:        "B1",
		Flag:         strategy.FlagHourLimit,
		Size:         d("1"),
		SellDeadline: at(12, 55).UnixMilli(),
	})
	soldRow := buyRow("B1", at(10, 2), "1", at(11, 55).UnixMilli())
	soldRow.State = db.StateSoldOut
	soldRow.SellPrice = strPtr("99.3")
	f.store.put(soldRow)

	// B2 is genuinely unsold and must survive the sweep.
	f.book.Add(strategy.ActiveOrder{
		InstID:       testInst,
		OrdID:        "B2",
		Flag:         strategy.FlagHourLimit,
		Size:         d("1"),
		SellDeadline: at(12, 55).UnixMilli(),
	})
	f.store.put(buyRow("B2", at(10, 4), "1", at(12, 55).UnixMilli()))

	r.SyncCycle(context.Background())

	_, ok := f.book.Get(strategy.FlagHourLimit, testInst, "B1")
	assert.False(t, ok, "sold-out entry must leave memory")
	_, ok = f.book.Get(strategy.FlagHourLimit, testInst, "B2")
	assert.True(t, ok)
}

func TestRecoverySyncCycleIdempotent(t *testing.T) {
	f, r := newRecoveryFixture(t)
	f.clock.Set(at(11, 0))
	f.store.put(buyRow("B1", at(10, 12), "1.011", at(11, 55).UnixMilli()))
	f.venue.register(&exchange.OrderDetail{
		OrdID:    "B1",
		InstID:   testInst,
		State:    exchange.OrderStateFilled,
		FillTime: at(10, 12).UnixMilli(),
	})

	r.SyncCycle(context.Background())
	r.SyncCycle(context.Background())

	assert.Equal(t, 1, f.book.Len())
}

func TestRecoverySkipsRowsAlreadyInMemory(t *testing.T) {
	f, r := newRecoveryFixture(t)
	f.clock.Set(at(11, 0))

	// The live entry knows more than the row; it must not be rebuilt.
	f.book.Add(strategy.ActiveOrder{
		InstID:       testInst,
		OrdID:        "B1",
		Flag:         strategy.FlagHourLimit,
		Size:         d("1"),
		FillTime:     at(10, 12),
		SellDeadline: at(12, 55).UnixMilli(),
	})
	f.store.put(buyRow("B1", at(10, 12), "1", at(11, 55).UnixMilli()))

	r.SyncCycle(context.Background())

	got, ok := f.book.Get(strategy.FlagHourLimit, testInst, "B1")
	require.True(t, ok)
	assert.Equal(t, at(12, 55).UnixMilli(), got.SellDeadline)
}

func TestRecoveryDeepPassWidensWindow(t *testing.T) {
	f, r := newRecoveryFixture(t)
	f.clock.Set(tradeBase)
	f.venue.sellPx = d("99")

	old := tradeBase.Add(-72 * time.Hour)
	f.store.put(buyRow("B1", old, "1", exitDeadlineMS(old)))
	f.venue.register(&exchange.OrderDetail{
		OrdID:    "B1",
		InstID:   testInst,
		State:    exchange.OrderStateFilled,
		FillTime: old.UnixMilli(),
	})

	r.SyncCycle(context.Background())
	assert.Equal(t, 0, f.book.Len(), "three-day-old row is outside the fast window")

	r.deepPass(context.Background())

	assert.Eventually(t, func() bool {
		row, _ := f.store.get(testInst, "B1")
		return row.State == db.StateSoldOut
	}, 2*time.Second, 5*time.Millisecond, "deep pass restores and sells the stuck position")
}

func TestRecoveryRunDeepStopsOnCancel(t *testing.T) {
	_, r := newRecoveryFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.RunDeep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
