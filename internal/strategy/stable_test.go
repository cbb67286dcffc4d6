package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stableHold = 5 * time.Minute

func TestStableWaitsForContinuousDuration(t *testing.T) {
	book := NewBook()
	s := NewStable(book, stableHold)

	assert.Nil(t, s.OnTick(buyableTick("SOL-USDT", tickBase)), "first below tick starts the clock")
	assert.Nil(t, s.OnTick(buyableTick("SOL-USDT", tickBase.Add(4*time.Minute))))

	sig := s.OnTick(buyableTick("SOL-USDT", tickBase.Add(5*time.Minute)))
	require.NotNil(t, sig)
	assert.Equal(t, FlagStable, sig.Flag)
	assert.Equal(t, "1", sig.SizePct.String())
}

func TestStableAboveTickResetsClock(t *testing.T) {
	book := NewBook()
	s := NewStable(book, stableHold)

	assert.Nil(t, s.OnTick(buyableTick("SOL-USDT", tickBase)))

	above := buyableTick("SOL-USDT", tickBase.Add(3*time.Minute))
	above.Below = false
	assert.Nil(t, s.OnTick(above))

	// Clock restarts at minute 4; minute 8 is only 4 minutes of stability.
	assert.Nil(t, s.OnTick(buyableTick("SOL-USDT", tickBase.Add(4*time.Minute))))
	assert.Nil(t, s.OnTick(buyableTick("SOL-USDT", tickBase.Add(8*time.Minute))))
	assert.NotNil(t, s.OnTick(buyableTick("SOL-USDT", tickBase.Add(9*time.Minute))))
}

func TestStableVetoDelaysWithoutReset(t *testing.T) {
	book := NewBook()
	s := NewStable(book, stableHold)

	assert.Nil(t, s.OnTick(buyableTick("SOL-USDT", tickBase)))

	vetoed := buyableTick("SOL-USDT", tickBase.Add(6*time.Minute))
	vetoed.Vetoed = true
	assert.Nil(t, s.OnTick(vetoed), "veto blocks the buy")

	// Veto lifts; duration was never lost, so the buy fires immediately.
	assert.NotNil(t, s.OnTick(buyableTick("SOL-USDT", tickBase.Add(7*time.Minute))))
}

func TestStableMissingReferenceKeepsClock(t *testing.T) {
	book := NewBook()
	s := NewStable(book, stableHold)

	assert.Nil(t, s.OnTick(buyableTick("SOL-USDT", tickBase)))

	noRef := buyableTick("SOL-USDT", tickBase.Add(2*time.Minute))
	noRef.HasRef = false
	noRef.Below = false
	assert.Nil(t, s.OnTick(noRef))

	assert.NotNil(t, s.OnTick(buyableTick("SOL-USDT", tickBase.Add(5*time.Minute))),
		"a reference gap must not restart the clock")
}

func TestStableEmissionRestartsClock(t *testing.T) {
	book := NewBook()
	s := NewStable(book, stableHold)

	assert.Nil(t, s.OnTick(buyableTick("SOL-USDT", tickBase)))
	require.NotNil(t, s.OnTick(buyableTick("SOL-USDT", tickBase.Add(5*time.Minute))))

	// Buy failed; the reservation opens up again.
	book.Release(FlagStable, "SOL-USDT")

	assert.Nil(t, s.OnTick(buyableTick("SOL-USDT", tickBase.Add(6*time.Minute))),
		"clock restarted on emission")
	assert.NotNil(t, s.OnTick(buyableTick("SOL-USDT", tickBase.Add(11*time.Minute))))
}

func TestStableBlockedWhilePositionActive(t *testing.T) {
	book := NewBook()
	s := NewStable(book, stableHold)
	book.Add(activeOrder(FlagStable, "SOL-USDT", "ord1", 0))

	assert.Nil(t, s.OnTick(buyableTick("SOL-USDT", tickBase)))
	assert.Nil(t, s.OnTick(buyableTick("SOL-USDT", tickBase.Add(stableHold))))
}

func TestStableRemoveDropsState(t *testing.T) {
	book := NewBook()
	s := NewStable(book, stableHold)

	assert.Nil(t, s.OnTick(buyableTick("SOL-USDT", tickBase)))
	s.Remove("SOL-USDT")

	// State is gone; the next tick starts a fresh clock.
	assert.Nil(t, s.OnTick(buyableTick("SOL-USDT", tickBase.Add(5*time.Minute))))
	assert.NotNil(t, s.OnTick(buyableTick("SOL-USDT", tickBase.Add(10*time.Minute))))
}
