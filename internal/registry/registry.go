// Package registry tracks the tradable instrument set: which instruments the
// strategies watch, each one's limit percent, and the base-currency
// blacklist. The set refreshes periodically; additions and removals are
// published as events so the feeds and strategies can follow along.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hourglassbot/hourglass/internal/config"
	"github.com/hourglassbot/hourglass/internal/db"
	"github.com/hourglassbot/hourglass/internal/metrics"
)

// EventType distinguishes instrument lifecycle events
type EventType string

const (
	EventAdded   EventType = "added"
	EventRemoved EventType = "removed"
)

// Event is published when the tradable set changes
type Event struct {
	Type         EventType
	InstID       string
	LimitPercent float64
}

// LimitStore loads the instrument set and blacklist. The database store and
// the YAML file source both implement it.
type LimitStore interface {
	GetInstrumentLimits(ctx context.Context) ([]db.InstrumentLimit, error)
	GetBlacklist(ctx context.Context) ([]string, error)
}

const eventBufferSize = 64

// Registry holds the current instrument snapshot behind a read lock
type Registry struct {
	store           LimitStore
	refreshInterval time.Duration
	logger          zerolog.Logger

	mu        sync.RWMutex
	limits    map[string]float64
	blacklist map[string]bool

	events chan Event
}

// NewRegistry creates a registry over the given store
func NewRegistry(store LimitStore, refreshInterval time.Duration) *Registry {
	return &Registry{
		store:           store,
		refreshInterval: refreshInterval,
		limits:          make(map[string]float64),
		blacklist:       make(map[string]bool),
		events:          make(chan Event, eventBufferSize),
		logger:          config.NewLogger("registry"),
	}
}

// Events returns the stream of added/removed notifications
func (r *Registry) Events() <-chan Event { return r.events }

// Load performs the initial fetch. An empty instrument set is a fatal
// configuration problem, not something to trade through.
func (r *Registry) Load(ctx context.Context) error {
	if err := r.refresh(ctx); err != nil {
		return fmt.Errorf("load instrument registry: %w", err)
	}
	if r.Count() == 0 {
		return fmt.Errorf("load instrument registry: no instruments configured")
	}
	return nil
}

// Run refreshes the registry on the configured interval until ctx ends.
// Refresh failures keep the previous snapshot; a stale set beats an empty
// one.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.refresh(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Registry refresh failed, keeping previous snapshot")
			}
		}
	}
}

func (r *Registry) refresh(ctx context.Context) error {
	rows, err := r.store.GetInstrumentLimits(ctx)
	if err != nil {
		return err
	}
	blacklist, err := r.store.GetBlacklist(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]float64, len(rows))
	for _, row := range rows {
		next[row.InstID] = row.LimitPercent
	}
	nextBlacklist := make(map[string]bool, len(blacklist))
	for _, ccy := range blacklist {
		nextBlacklist[strings.ToUpper(ccy)] = true
	}

	r.mu.Lock()
	prev := r.limits
	r.limits = next
	r.blacklist = nextBlacklist
	r.mu.Unlock()

	for instID, limit := range next {
		if _, ok := prev[instID]; !ok {
			r.publish(Event{Type: EventAdded, InstID: instID, LimitPercent: limit})
		}
	}
	for instID := range prev {
		if _, ok := next[instID]; !ok {
			r.publish(Event{Type: EventRemoved, InstID: instID})
		}
	}

	metrics.SetTrackedInstruments(len(next))
	r.logger.Debug().
		Int("instruments", len(next)).
		Int("blacklisted", len(nextBlacklist)).
		Msg("Registry refreshed")
	return nil
}

func (r *Registry) publish(evt Event) {
	select {
	case r.events <- evt:
	default:
		r.logger.Warn().
			Str("type", string(evt.Type)).
			Str("inst_id", evt.InstID).
			Msg("Registry event channel full, dropping event")
	}
}

// LimitFor returns the limit percent for an instrument
func (r *Registry) LimitFor(instID string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	limit, ok := r.limits[instID]
	return limit, ok
}

// Instruments returns the current instrument ids
func (r *Registry) Instruments() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.limits))
	for instID := range r.limits {
		out = append(out, instID)
	}
	return out
}

// Count returns the number of tracked instruments
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.limits)
}

// IsBlacklisted reports whether an instrument's base currency is blocked
// from buying
func (r *Registry) IsBlacklisted(instID string) bool {
	base := BaseCurrency(instID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.blacklist[base]
}

// BaseCurrency extracts the base from an instId like "BTC-USDT"
func BaseCurrency(instID string) string {
	if i := strings.Index(instID, "-"); i > 0 {
		return strings.ToUpper(instID[:i])
	}
	return strings.ToUpper(instID)
}
