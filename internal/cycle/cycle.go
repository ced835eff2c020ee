// Package cycle tracks the active board cycle and fences placements while a cycle rolls over.
package cycle

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCycleRolling indicates that the current cycle has ended or is being archived.
var ErrCycleRolling = errors.New("cycle: rolling over")

// State describes one cycle.
type State struct {
	ID        int64
	StartedAt time.Time
	EndsAt    time.Time
}

// Schedule maps wall-clock instants onto fixed-length cycles counted from an epoch.
type Schedule struct {
	Epoch  time.Time
	Length time.Duration
}

// NewSchedule validates the schedule parameters.
func NewSchedule(epoch time.Time, length time.Duration) (Schedule, error) {
	if epoch.IsZero() {
		return Schedule{}, errors.New("cycle: epoch is required")
	}
	if length <= 0 {
		return Schedule{}, fmt.Errorf("cycle: length must be positive, got %s", length)
	}
	return Schedule{Epoch: epoch.UTC(), Length: length}, nil
}

// IndexAt returns the index of the cycle containing t. Instants before the epoch map to 0.
func (s Schedule) IndexAt(t time.Time) int64 {
	elapsed := t.Sub(s.Epoch)
	if elapsed < 0 {
		return 0
	}
	return int64(elapsed / s.Length)
}

// StartOf returns the first instant of the cycle.
func (s Schedule) StartOf(index int64) time.Time {
	return s.Epoch.Add(time.Duration(index) * s.Length)
}

// State returns the full description of the cycle with the given index.
func (s Schedule) State(index int64) State {
	start := s.StartOf(index)
	return State{ID: index, StartedAt: start, EndsAt: start.Add(s.Length)}
}

// Guard fences mutations against cycle rollover. Mutators hold the shared side for
// the duration of one operation; the rollover holds the exclusive side.
type Guard struct {
	mu      sync.RWMutex
	current atomic.Pointer[State]
}

// NewGuard starts the guard on the given cycle.
func NewGuard(initial State) *Guard {
	guard := &Guard{}
	state := initial
	guard.current.Store(&state)
	return guard
}

// Current returns the active cycle without blocking.
func (g *Guard) Current() State {
	return *g.current.Load()
}

// Enter admits a mutation at instant now. It fails fast with ErrCycleRolling when a
// rollover holds or waits for the exclusive side, or when the cycle is overdue.
func (g *Guard) Enter(now time.Time) (State, func(), error) {
	if !g.mu.TryRLock() {
		return State{}, nil, ErrCycleRolling
	}
	state := *g.current.Load()
	if !now.Before(state.EndsAt) {
		g.mu.RUnlock()
		return State{}, nil, ErrCycleRolling
	}
	return state, g.mu.RUnlock, nil
}

// Roll runs advance with exclusive access. When advance succeeds the returned state
// becomes current; on error the previous state is kept.
func (g *Guard) Roll(advance func(current State) (State, error)) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	current := *g.current.Load()
	next, err := advance(current)
	if err != nil {
		return current, err
	}
	g.current.Store(&next)
	return next, nil
}
