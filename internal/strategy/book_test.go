package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeOrder(flag, instID, ordID string, deadlineMS int64) ActiveOrder {
	return ActiveOrder{
		InstID:       instID,
		OrdID:        ordID,
		Flag:         flag,
		Size:         decimal.RequireFromString("1.5"),
		CreateTime:   time.Date(2024, 3, 5, 10, 2, 0, 0, time.UTC),
		SellDeadline: deadlineMS,
	}
}

func TestBookReserveAndRelease(t *testing.T) {
	book := NewBook()

	assert.True(t, book.Reserve(FlagHourLimit, "SOL-USDT"))
	assert.False(t, book.Reserve(FlagHourLimit, "SOL-USDT"), "second reservation must fail")
	assert.True(t, book.HasPending(FlagHourLimit, "SOL-USDT"))

	// Other pairs are independent.
	assert.True(t, book.Reserve(FlagStable, "SOL-USDT"))
	assert.True(t, book.Reserve(FlagHourLimit, "ETH-USDT"))

	book.Release(FlagHourLimit, "SOL-USDT")
	assert.False(t, book.HasPending(FlagHourLimit, "SOL-USDT"))
	assert.True(t, book.Reserve(FlagHourLimit, "SOL-USDT"))
}

func TestBookAddGetRemove(t *testing.T) {
	book := NewBook()
	book.Add(activeOrder(FlagHourLimit, "SOL-USDT", "ord1", 1000))

	got, ok := book.Get(FlagHourLimit, "SOL-USDT", "ord1")
	require.True(t, ok)
	assert.Equal(t, "ord1", got.OrdID)
	assert.Equal(t, int64(1000), got.SellDeadline)

	// Get hands out copies; mutating one must not touch the book.
	got.SellTriggered = true
	again, _ := book.Get(FlagHourLimit, "SOL-USDT", "ord1")
	assert.False(t, again.SellTriggered)

	assert.True(t, book.Remove(FlagHourLimit, "SOL-USDT", "ord1"))
	assert.False(t, book.Remove(FlagHourLimit, "SOL-USDT", "ord1"))
	_, ok = book.Get(FlagHourLimit, "SOL-USDT", "ord1")
	assert.False(t, ok)
}

func TestBookActiveCountPerFlag(t *testing.T) {
	book := NewBook()
	book.Add(activeOrder(FlagBatch, "SOL-USDT", "b1", 0))
	book.Add(activeOrder(FlagBatch, "SOL-USDT", "b2", 0))
	book.Add(activeOrder(FlagHourLimit, "SOL-USDT", "h1", 0))

	assert.Equal(t, 2, book.ActiveCount(FlagBatch, "SOL-USDT"))
	assert.Equal(t, 1, book.ActiveCount(FlagHourLimit, "SOL-USDT"))
	assert.Equal(t, 0, book.ActiveCount(FlagStable, "SOL-USDT"))
	assert.True(t, book.HasActive(FlagBatch, "SOL-USDT"))
	assert.False(t, book.HasActive(FlagBatch, "ETH-USDT"))
	assert.Equal(t, 3, book.Len())
}

func TestBookGroupDeadlineFollowsEarliestFill(t *testing.T) {
	book := NewBook()
	book.Add(activeOrder(FlagBatch, "SOL-USDT", "b1", 0))
	book.Add(activeOrder(FlagBatch, "SOL-USDT", "b2", 0))

	_, ok := book.GroupDeadline(FlagBatch, "SOL-USDT")
	assert.False(t, ok, "no fills yet")

	t1 := time.Date(2024, 3, 5, 10, 5, 0, 0, time.UTC)
	t2 := t1.Add(15 * time.Minute)
	book.SetFill(FlagBatch, "SOL-USDT", "b2", t2, 2000)
	book.SetFill(FlagBatch, "SOL-USDT", "b1", t1, 1000)

	deadline, ok := book.GroupDeadline(FlagBatch, "SOL-USDT")
	require.True(t, ok)
	assert.Equal(t, int64(1000), deadline, "earliest fill wins")

	// Other flags on the same instrument are a different group.
	_, ok = book.GroupDeadline(FlagHourLimit, "SOL-USDT")
	assert.False(t, ok)
}

func TestBookTriggerDue(t *testing.T) {
	book := NewBook()
	book.Add(activeOrder(FlagHourLimit, "SOL-USDT", "due1", 500))
	book.Add(activeOrder(FlagStable, "ETH-USDT", "due2", 900))
	book.Add(activeOrder(FlagHourLimit, "DOGE-USDT", "later", 5000))
	book.Add(activeOrder(FlagBatch, "ADA-USDT", "nofill", 0))

	insts := book.TriggerDue(1000)
	assert.Equal(t, []string{"ETH-USDT", "SOL-USDT"}, insts)

	got, _ := book.Get(FlagHourLimit, "SOL-USDT", "due1")
	assert.True(t, got.SellTriggered)
	got, _ = book.Get(FlagHourLimit, "DOGE-USDT", "later")
	assert.False(t, got.SellTriggered)
	got, _ = book.Get(FlagBatch, "ADA-USDT", "nofill")
	assert.False(t, got.SellTriggered, "zero deadline is never due")

	// Already-triggered entries are fenced off from a second pass.
	assert.Empty(t, book.TriggerDue(1000))

	book.ResetTriggers("SOL-USDT")
	assert.Equal(t, []string{"SOL-USDT"}, book.TriggerDue(1000))
}

func TestBookTriggerDueFor(t *testing.T) {
	book := NewBook()
	book.Add(activeOrder(FlagHourLimit, "SOL-USDT", "due1", 500))
	book.Add(activeOrder(FlagBatch, "SOL-USDT", "due2", 700))
	book.Add(activeOrder(FlagHourLimit, "ETH-USDT", "due3", 500))

	assert.True(t, book.TriggerDueFor("SOL-USDT", 1000))

	// Both SOL entries are fenced, the other instrument is untouched.
	got, _ := book.Get(FlagBatch, "SOL-USDT", "due2")
	assert.True(t, got.SellTriggered)
	got, _ = book.Get(FlagHourLimit, "ETH-USDT", "due3")
	assert.False(t, got.SellTriggered)

	assert.False(t, book.TriggerDueFor("SOL-USDT", 1000), "second pass finds nothing new")
	assert.False(t, book.TriggerDueFor("ETH-USDT", 400), "future deadline is not due")
	assert.True(t, book.TriggerDueFor("ETH-USDT", 1000))
}

func TestBookSetSize(t *testing.T) {
	book := NewBook()
	book.Add(activeOrder(FlagHourLimit, "SOL-USDT", "ord1", 0))

	book.SetSize(FlagHourLimit, "SOL-USDT", "ord1", decimal.RequireFromString("0.75"))
	got, _ := book.Get(FlagHourLimit, "SOL-USDT", "ord1")
	assert.Equal(t, "0.75", got.Size.String())

	// Unknown keys are a no-op, not a panic.
	book.SetSize(FlagHourLimit, "SOL-USDT", "missing", decimal.RequireFromString("1"))
}

func TestBookSnapshotOrdered(t *testing.T) {
	book := NewBook()
	book.Add(activeOrder(FlagStable, "SOL-USDT", "s2", 0))
	book.Add(activeOrder(FlagHourLimit, "ETH-USDT", "e1", 0))
	book.Add(activeOrder(FlagHourLimit, "SOL-USDT", "s1", 0))

	snap := book.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "e1", snap[0].OrdID)
	assert.Equal(t, "s1", snap[1].OrdID)
	assert.Equal(t, "s2", snap[2].OrdID)
}
