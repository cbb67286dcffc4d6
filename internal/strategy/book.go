package strategy

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ActiveOrder is the in-memory record of one buy order from placement until
// its row is sold out. It mirrors the order log: the database row is the
// durable copy, the book entry is the fast path the scheduler works from.
type ActiveOrder struct {
	InstID string
	OrdID  string
	Flag   string

	// Size is the requested size until resolution, then the filled size.
	Size decimal.Decimal

	CreateTime time.Time
	FillTime   time.Time // zero until the buy resolves as filled

	// SellDeadline is the ms epoch after which the position must be sold.
	SellDeadline int64

	// SellTriggered fences duplicate sell dispatch. Set before dispatch,
	// reset when a sell cycle fails.
	SellTriggered bool
}

// Book tracks active orders and pending buy reservations for all strategies.
// A reservation covers the window between signal emission and the order
// landing in the book, so one strategy never has two in-flight buys on the
// same instrument.
type Book struct {
	mu      sync.Mutex
	orders  map[string]*ActiveOrder
	pending map[string]bool
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{
		orders:  make(map[string]*ActiveOrder),
		pending: make(map[string]bool),
	}
}

func orderKey(flag, instID, ordID string) string {
	return flag + "|" + instID + "|" + ordID
}

func pendingKey(flag, instID string) string {
	return flag + "|" + instID
}

// Reserve claims the pending-buy slot for (flag, instrument). It returns
// false when a signal for the pair is already in flight.
func (b *Book) Reserve(flag, instID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := pendingKey(flag, instID)
	if b.pending[key] {
		return false
	}
	b.pending[key] = true
	return true
}

// Release frees a pending-buy reservation.
func (b *Book) Release(flag, instID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, pendingKey(flag, instID))
}

// HasPending reports whether a buy reservation is held for (flag, instrument).
func (b *Book) HasPending(flag, instID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending[pendingKey(flag, instID)]
}

// Add registers an active order. An existing entry with the same key is
// overwritten.
func (b *Book) Add(o ActiveOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders[orderKey(o.Flag, o.InstID, o.OrdID)] = &o
}

// Remove evicts an active order. It returns false when no entry existed.
func (b *Book) Remove(flag, instID, ordID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := orderKey(flag, instID, ordID)
	if _, ok := b.orders[key]; !ok {
		return false
	}
	delete(b.orders, key)
	return true
}

// Get returns a copy of an active order.
func (b *Book) Get(flag, instID, ordID string) (ActiveOrder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderKey(flag, instID, ordID)]
	if !ok {
		return ActiveOrder{}, false
	}
	return *o, true
}

// HasActive reports whether any active order exists for (flag, instrument).
func (b *Book) HasActive(flag, instID string) bool {
	return b.ActiveCount(flag, instID) > 0
}

// ActiveCount returns the number of active orders for (flag, instrument).
func (b *Book) ActiveCount(flag, instID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, o := range b.orders {
		if o.Flag == flag && o.InstID == instID {
			n++
		}
	}
	return n
}

// SetFill records the fill time and the pinned sell deadline for an order.
func (b *Book) SetFill(flag, instID, ordID string, fillTime time.Time, deadlineMS int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o, ok := b.orders[orderKey(flag, instID, ordID)]; ok {
		o.FillTime = fillTime
		o.SellDeadline = deadlineMS
	}
}

// SetSize corrects an order's size after a partial fill.
func (b *Book) SetSize(flag, instID, ordID string, size decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o, ok := b.orders[orderKey(flag, instID, ordID)]; ok {
		o.Size = size
	}
}

// GroupDeadline returns the sell deadline shared by the (flag, instrument)
// group: the deadline of the earliest-filled active order. It reports false
// when no filled order exists yet.
func (b *Book) GroupDeadline(flag, instID string) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var earliest time.Time
	var deadline int64
	found := false
	for _, o := range b.orders {
		if o.Flag != flag || o.InstID != instID || o.FillTime.IsZero() {
			continue
		}
		if !found || o.FillTime.Before(earliest) {
			earliest = o.FillTime
			deadline = o.SellDeadline
			found = true
		}
	}
	return deadline, found
}

// TriggerDue marks every untriggered order whose deadline has arrived and
// returns the distinct instruments that gained at least one newly triggered
// order. The mark happens before dispatch so a second scheduler pass cannot
// double-sell.
func (b *Book) TriggerDue(nowMS int64) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]bool)
	var insts []string
	for _, o := range b.orders {
		if o.SellTriggered || o.SellDeadline == 0 || o.SellDeadline > nowMS {
			continue
		}
		o.SellTriggered = true
		if !seen[o.InstID] {
			seen[o.InstID] = true
			insts = append(insts, o.InstID)
		}
	}
	sort.Strings(insts)
	return insts
}

// TriggerDueFor marks every untriggered due order of one instrument and
// reports whether any order was newly marked. The candle dispatcher uses it
// so one instrument's candle never triggers another instrument's exits.
func (b *Book) TriggerDueFor(instID string, nowMS int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	marked := false
	for _, o := range b.orders {
		if o.InstID != instID || o.SellTriggered || o.SellDeadline == 0 || o.SellDeadline > nowMS {
			continue
		}
		o.SellTriggered = true
		marked = true
	}
	return marked
}

// ResetTriggers clears the sell-triggered mark on every remaining order for
// an instrument, making them eligible for the next scheduler pass.
func (b *Book) ResetTriggers(instID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, o := range b.orders {
		if o.InstID == instID {
			o.SellTriggered = false
		}
	}
}

// Len returns the number of active orders.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

// Snapshot returns copies of all active orders, ordered by instrument then
// order id.
func (b *Book) Snapshot() []ActiveOrder {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]ActiveOrder, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstID != out[j].InstID {
			return out[i].InstID < out[j].InstID
		}
		return out[i].OrdID < out[j].OrdID
	})
	return out
}
