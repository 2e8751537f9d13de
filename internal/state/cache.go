// Package state holds the freshest known device state for the process.
//
// The cache is written only by the bridge loop on the telemetry path and
// read by session handlers taking snapshots, so a plain RWMutex gives the
// single-writer/many-readers discipline without an actor goroutine.
package state

import (
	"sync"

	"github.com/crazydw4rf/smart-aquarium/internal/domain"
	"github.com/jonboulle/clockwork"
)

// Cache is the process-wide holder of the most recent DeviceState. It starts
// empty; fields become known as the upstream reports them and are never
// cleared afterwards.
type Cache struct {
	mu    sync.RWMutex
	clock clockwork.Clock
	state domain.DeviceState
}

// NewCache creates an empty cache.
func NewCache(clock clockwork.Clock) *Cache {
	return &Cache{clock: clock}
}

// Apply merges a partial update field-by-field: non-nil delta fields
// overwrite the cached value, nil fields leave it untouched. ObservedAt is
// taken from the delta, falling back to the clock when the delta carries no
// timestamp.
func (c *Cache) Apply(delta domain.StateDelta) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if delta.Temperature != nil {
		v := *delta.Temperature
		c.state.Temperature = &v
	}
	if delta.WaterLevel != nil {
		v := *delta.WaterLevel
		c.state.WaterLevel = &v
	}
	if delta.LampOn != nil {
		v := *delta.LampOn
		c.state.LampOn = &v
	}
	if delta.PumpOn != nil {
		v := *delta.PumpOn
		c.state.PumpOn = &v
	}

	if delta.Timestamp.IsZero() {
		c.state.ObservedAt = c.clock.Now()
	} else {
		c.state.ObservedAt = delta.Timestamp
	}
}

// Snapshot returns a consistent point-in-time copy of the current state.
// Callers never observe later mutation through it.
func (c *Cache) Snapshot() domain.DeviceState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := domain.DeviceState{ObservedAt: c.state.ObservedAt}
	if c.state.Temperature != nil {
		v := *c.state.Temperature
		out.Temperature = &v
	}
	if c.state.WaterLevel != nil {
		v := *c.state.WaterLevel
		out.WaterLevel = &v
	}
	if c.state.LampOn != nil {
		v := *c.state.LampOn
		out.LampOn = &v
	}
	if c.state.PumpOn != nil {
		v := *c.state.PumpOn
		out.PumpOn = &v
	}
	return out
}
