package gate

import (
	"fmt"
	"sync"
	"sync/atomic"

	"media-delivery/internal/metrics"
)

// Pool names an independent admission pool.
type Pool string

const (
	// Background admits opportunistic cache builds.
	Background Pool = "background"
	// Live admits CPU-bound live transcodes for waiting viewers.
	Live Pool = "live"
)

// Gate is a set of non-blocking counting admission controls. Each pool is
// counted independently so live playback and background caching never
// compete for the same slot.
type Gate struct {
	mu       sync.Mutex
	capacity map[Pool]int
	inUse    map[Pool]int
}

// New creates a Gate with the given per-pool capacities.
func New(capacities map[Pool]int) *Gate {
	g := &Gate{
		capacity: make(map[Pool]int, len(capacities)),
		inUse:    make(map[Pool]int, len(capacities)),
	}
	for pool, n := range capacities {
		g.capacity[pool] = n
		metrics.GateSlotsInUse.WithLabelValues(string(pool)).Set(0)
	}
	return g
}

// NewDefault creates a Gate with one background slot and one live slot.
func NewDefault() *Gate {
	return New(map[Pool]int{Background: 1, Live: 1})
}

// Reservation is a held slot. Release is safe to call any number of times
// and from several goroutines; only the first call frees the slot.
type Reservation struct {
	gate     *Gate
	pool     Pool
	released atomic.Bool
}

// TryReserve claims a slot in pool without blocking. The boolean is false when
// the pool is saturated or unknown; that is an expected outcome, not an error.
func (g *Gate) TryReserve(pool Pool) (*Reservation, bool) {
	g.mu.Lock()
	capacity, known := g.capacity[pool]
	if !known || g.inUse[pool] >= capacity {
		g.mu.Unlock()
		metrics.GateReservationsTotal.WithLabelValues(string(pool), "saturated").Inc()
		return nil, false
	}
	g.inUse[pool]++
	inUse := g.inUse[pool]
	g.mu.Unlock()

	metrics.GateReservationsTotal.WithLabelValues(string(pool), "granted").Inc()
	metrics.GateSlotsInUse.WithLabelValues(string(pool)).Set(float64(inUse))
	return &Reservation{gate: g, pool: pool}, true
}

// Release returns the slot to its pool. A nil Reservation is a no-op so
// ungated work can carry a nil handle through the same cleanup path.
func (r *Reservation) Release() {
	if r == nil || !r.released.CompareAndSwap(false, true) {
		return
	}
	r.gate.release(r.pool)
}

// Pool returns the pool the reservation was taken from.
func (r *Reservation) Pool() Pool {
	if r == nil {
		return ""
	}
	return r.pool
}

// Released reports whether Release has already run.
func (r *Reservation) Released() bool {
	return r == nil || r.released.Load()
}

func (g *Gate) release(pool Pool) {
	g.mu.Lock()
	if g.inUse[pool] > 0 {
		g.inUse[pool]--
	}
	inUse := g.inUse[pool]
	g.mu.Unlock()

	metrics.GateSlotsInUse.WithLabelValues(string(pool)).Set(float64(inUse))
}

// Available returns the number of free slots in pool.
func (g *Gate) Available(pool Pool) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacity[pool] - g.inUse[pool]
}

// InUse returns the number of reserved slots in pool.
func (g *Gate) InUse(pool Pool) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse[pool]
}

func (p Pool) String() string {
	return string(p)
}

func (r *Reservation) String() string {
	if r == nil {
		return "ungated"
	}
	return fmt.Sprintf("%s slot (released=%v)", r.pool, r.released.Load())
}
