package strategy

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hourglassbot/hourglass/internal/config"
)

// batchSlotSizes splits the configured notional across the three slots.
var batchSlotSizes = [3]decimal.Decimal{
	decimal.NewFromFloat(0.30),
	decimal.NewFromFloat(0.30),
	decimal.NewFromFloat(0.40),
}

// batchState tracks one instrument's buy cycle.
type batchState struct {
	nextSlot int
	lastFill time.Time
	exitMS   int64 // group sell deadline, pinned by the first fill
}

// Batch accumulates a position over three sequential slots (30/30/40% of the
// notional). A slot is admitted only after the previous slot filled and the
// slot delay elapsed; all slots in a cycle exit together at the deadline
// computed from the first fill. A canceled slot is not consumed and retries
// on a later tick.
type Batch struct {
	book      *Book
	slotDelay time.Duration
	logger    zerolog.Logger

	mu    sync.Mutex
	state map[string]*batchState
}

// NewBatch creates the batch strategy. slotDelay is the minimum spacing
// between one slot's fill and the next slot's admission.
func NewBatch(book *Book, slotDelay time.Duration) *Batch {
	return &Batch{
		book:      book,
		slotDelay: slotDelay,
		logger:    config.NewStrategyLogger(FlagBatch),
		state:     make(map[string]*batchState),
	}
}

// Name implements Strategy
func (s *Batch) Name() string { return FlagBatch }

// OnTick implements Strategy
func (s *Batch) OnTick(tick Tick) *BuySignal {
	if !tick.Buyable() {
		return nil
	}

	s.mu.Lock()
	st, ok := s.state[tick.InstID]
	if !ok {
		st = &batchState{}
		s.state[tick.InstID] = st
	}

	// A finished cycle resets once its positions have been sold off.
	if st.nextSlot > 0 && st.exitMS != 0 && tick.TS.UnixMilli() >= st.exitMS &&
		s.bookEmpty(tick.InstID) {
		*st = batchState{}
	}

	if st.nextSlot >= len(batchSlotSizes) {
		s.mu.Unlock()
		return nil
	}
	if st.nextSlot > 0 && tick.TS.Sub(st.lastFill) < s.slotDelay {
		s.mu.Unlock()
		return nil
	}
	slot := st.nextSlot
	s.mu.Unlock()

	if !s.book.Reserve(FlagBatch, tick.InstID) {
		return nil
	}

	s.logger.Info().
		Str("inst_id", tick.InstID).
		Int("slot", slot+1).
		Str("price", tick.Price.String()).
		Str("limit", tick.LimitPx.String()).
		Msg("Buy signal")

	return &BuySignal{
		InstID:  tick.InstID,
		Flag:    FlagBatch,
		Price:   tick.Price,
		LimitPx: tick.LimitPx,
		SizePct: batchSlotSizes[slot],
		TS:      tick.TS,
	}
}

// bookEmpty is called with s.mu held; the book has its own lock.
func (s *Batch) bookEmpty(instID string) bool {
	return !s.book.HasActive(FlagBatch, instID)
}

// OnFill implements Strategy. The first fill of a cycle pins the group exit
// deadline; every fill advances the slot sequencer and restarts the delay.
func (s *Batch) OnFill(fill Fill) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[fill.InstID]
	if !ok {
		st = &batchState{}
		s.state[fill.InstID] = st
	}
	if st.exitMS == 0 {
		st.exitMS = fill.ExitMS
	}
	st.lastFill = fill.FillTime
	if st.nextSlot < len(batchSlotSizes) {
		st.nextSlot++
	}
}

// OnCanceled implements Strategy. The slot was never consumed, so there is
// nothing to roll back; the reservation release alone reopens it.
func (s *Batch) OnCanceled(instID, ordID string) {}

// Remove drops per-instrument state when an instrument leaves the registry.
func (s *Batch) Remove(instID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, instID)
}

var _ Strategy = (*Batch)(nil)
