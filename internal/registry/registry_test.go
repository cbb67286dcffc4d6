package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hourglassbot/hourglass/internal/db"
)

type fakeLimitStore struct {
	limits    []db.InstrumentLimit
	blacklist []string
	err       error
}

func (f *fakeLimitStore) GetInstrumentLimits(ctx context.Context) ([]db.InstrumentLimit, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.limits, nil
}

func (f *fakeLimitStore) GetBlacklist(ctx context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.blacklist, nil
}

func drainEvents(r *Registry) []Event {
	var out []Event
	for {
		select {
		case evt := <-r.Events():
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestRegistryLoad(t *testing.T) {
	store := &fakeLimitStore{
		limits: []db.InstrumentLimit{
			{InstID: "BTC-USDT", LimitPercent: 99},
			{InstID: "SOL-USDT", LimitPercent: 97.5},
		},
		blacklist: []string{"meme"},
	}
	r := NewRegistry(store, time.Minute)
	require.NoError(t, r.Load(context.Background()))

	assert.Equal(t, 2, r.Count())

	limit, ok := r.LimitFor("BTC-USDT")
	require.True(t, ok)
	assert.Equal(t, 99.0, limit)

	_, ok = r.LimitFor("DOGE-USDT")
	assert.False(t, ok)

	assert.True(t, r.IsBlacklisted("MEME-USDT"), "blacklist matching is case insensitive")
	assert.False(t, r.IsBlacklisted("BTC-USDT"))

	events := drainEvents(r)
	assert.Len(t, events, 2, "initial load publishes every instrument as added")
	for _, evt := range events {
		assert.Equal(t, EventAdded, evt.Type)
	}
}

func TestRegistryLoadEmptyIsFatal(t *testing.T) {
	r := NewRegistry(&fakeLimitStore{}, time.Minute)
	err := r.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no instruments")
}

func TestRegistryLoadStoreError(t *testing.T) {
	r := NewRegistry(&fakeLimitStore{err: fmt.Errorf("db down")}, time.Minute)
	require.Error(t, r.Load(context.Background()))
}

func TestRegistryRefreshDiffEvents(t *testing.T) {
	store := &fakeLimitStore{
		limits: []db.InstrumentLimit{
			{InstID: "BTC-USDT", LimitPercent: 99},
			{InstID: "ETH-USDT", LimitPercent: 98},
		},
	}
	r := NewRegistry(store, time.Minute)
	require.NoError(t, r.refresh(context.Background()))
	drainEvents(r)

	// ETH drops out, DOGE comes in
	store.limits = []db.InstrumentLimit{
		{InstID: "BTC-USDT", LimitPercent: 99},
		{InstID: "DOGE-USDT", LimitPercent: 95},
	}
	require.NoError(t, r.refresh(context.Background()))

	events := drainEvents(r)
	require.Len(t, events, 2)

	byType := map[EventType]string{}
	for _, evt := range events {
		byType[evt.Type] = evt.InstID
	}
	assert.Equal(t, "DOGE-USDT", byType[EventAdded])
	assert.Equal(t, "ETH-USDT", byType[EventRemoved])

	_, ok := r.LimitFor("ETH-USDT")
	assert.False(t, ok, "removed instrument leaves the snapshot")
	limit, _ := r.LimitFor("DOGE-USDT")
	assert.Equal(t, 95.0, limit)
}

func TestRegistryRefreshFailureKeepsSnapshot(t *testing.T) {
	store := &fakeLimitStore{
		limits: []db.InstrumentLimit{{InstID: "BTC-USDT", LimitPercent: 99}},
	}
	r := NewRegistry(store, time.Minute)
	require.NoError(t, r.Load(context.Background()))

	store.err = fmt.Errorf("db down")
	require.Error(t, r.refresh(context.Background()))

	assert.Equal(t, 1, r.Count(), "a failed refresh keeps the previous snapshot")
	_, ok := r.LimitFor("BTC-USDT")
	assert.True(t, ok)
}

func TestBaseCurrency(t *testing.T) {
	assert.Equal(t, "BTC", BaseCurrency("BTC-USDT"))
	assert.Equal(t, "SOL", BaseCurrency("sol-usdt"))
	assert.Equal(t, "WEIRD", BaseCurrency("weird"))
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	content := `instruments:
  - instId: BTC-USDT
    limit_percent: 99.0
  - instId: SOL-USDT
    limit_percent: 97.5
blacklist:
  - MEME
  - SCAM
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	source := NewFileSource(path)
	limits, err := source.GetInstrumentLimits(context.Background())
	require.NoError(t, err)
	require.Len(t, limits, 2)
	assert.Equal(t, "BTC-USDT", limits[0].InstID)
	assert.Equal(t, 99.0, limits[0].LimitPercent)

	blacklist, err := source.GetBlacklist(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"MEME", "SCAM"}, blacklist)

	r := NewRegistry(source, time.Minute)
	require.NoError(t, r.Load(context.Background()))
	assert.True(t, r.IsBlacklisted("MEME-USDT"))
}

func TestFileSourceInvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte("instruments:\n  - instId: \"\"\n    limit_percent: 0\n"), 0o644))

	_, err := NewFileSource(path).GetInstrumentLimits(context.Background())
	require.Error(t, err)
}

func TestFileSourceMissingFile(t *testing.T) {
	_, err := NewFileSource("/nonexistent/limits.yaml").GetInstrumentLimits(context.Background())
	require.Error(t, err)
}
