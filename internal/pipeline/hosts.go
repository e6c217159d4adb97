package pipeline

import (
	"net/netip"
	"sort"
	"sync"
	"time"
)

// hostTracker records the host pipelines in flight and the stage each one
// is in. The errgroup limit bounds them; the tracker only observes.
type hostTracker struct {
	capacity int

	mu     sync.Mutex
	active map[netip.Addr]hostProgress
	peak   int
}

type hostProgress struct {
	stage string
	since time.Time
}

func newHostTracker(capacity int) *hostTracker {
	if capacity <= 0 {
		capacity = 1
	}
	return &hostTracker{
		capacity: capacity,
		active:   make(map[netip.Addr]hostProgress),
	}
}

// begin registers a host pipeline in its first stage.
func (t *hostTracker) begin(addr netip.Addr, stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[addr] = hostProgress{stage: stage, since: time.Now()}
	if len(t.active) > t.peak {
		t.peak = len(t.active)
	}
}

// advance moves a host to its next stage.
func (t *hostTracker) advance(addr netip.Addr, stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[addr]; ok {
		t.active[addr] = hostProgress{stage: stage, since: time.Now()}
	}
}

func (t *hostTracker) end(addr netip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, addr)
}

// Active returns the number of running host pipelines.
func (t *hostTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Available returns the number of free host slots.
func (t *hostTracker) Available() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capacity - len(t.active)
}

// Peak returns the highest number of concurrent host pipelines seen.
func (t *hostTracker) Peak() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}

// Stages counts running host pipelines per stage.
func (t *hostTracker) Stages() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int)
	for _, p := range t.active {
		out[p.stage]++
	}
	return out
}

// Stalled returns hosts that have been in one stage for longer than
// threshold, in address order.
func (t *hostTracker) Stalled(threshold time.Duration, now time.Time) []netip.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []netip.Addr
	for addr, p := range t.active {
		if now.Sub(p.since) > threshold {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
