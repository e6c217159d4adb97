// Package probe holds the primitives shared by every stage that sends packets
// to a target: the session-wide rate limiter, retry policy, dial error
// classification and privilege detection.
package probe

import (
	"context"
	stderrors "errors"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrAdmissionClosed is returned by Acquire once the session stopped
// admitting new probes.
var ErrAdmissionClosed = stderrors.New("probe admission closed")

// Gate admits outbound probes. It enforces the global rate limit and refuses
// new probes as soon as the admission context is cancelled, while probes that
// already passed the gate keep running on their own context. A gate returned
// by Stage also caps how many of its probes are in flight at once.
type Gate struct {
	*admission

	slots *semaphore.Weighted
	held  atomic.Int64
	peak  atomic.Int64
}

// admission is the state shared by a session gate and its stage views.
type admission struct {
	limiter *rate.Limiter
	admit   context.Context
	dial    DialFunc

	issued  atomic.Int64
	refused atomic.Int64
}

// DialFunc opens a connection on behalf of the gate.
type DialFunc func(ctx context.Context, network, address string, timeout time.Duration) (net.Conn, error)

// GateOption customises a Gate.
type GateOption func(*admission)

// WithDialFunc replaces the net.Dialer used by DialContext.
func WithDialFunc(fn DialFunc) GateOption {
	return func(a *admission) { a.dial = fn }
}

// NewGate returns a gate bound to the admission context. perSecond <= 0
// disables rate limiting.
func NewGate(admit context.Context, perSecond, burst int, opts ...GateOption) *Gate {
	a := &admission{admit: admit, dial: netDial}
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	for _, opt := range opts {
		opt(a)
	}
	return &Gate{admission: a}
}

// Stage returns a gate sharing g's rate limit, admission and counters that
// lets at most limit probes hold a slot at once. limit < 1 means one.
func (g *Gate) Stage(limit int) *Gate {
	if limit < 1 {
		limit = 1
	}
	return &Gate{admission: g.admission, slots: semaphore.NewWeighted(int64(limit))}
}

func netDial(ctx context.Context, network, address string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, network, address)
}

// Unlimited returns a gate with no rate limit that never closes. Used by
// tests and one-off probes.
func Unlimited() *Gate {
	return NewGate(context.Background(), 0, 0)
}

// Acquire blocks until the rate limiter allows one more probe. It returns
// ErrAdmissionClosed if admission closed before or while waiting, or ctx's
// error if ctx ended first.
func (g *Gate) Acquire(ctx context.Context) error {
	if g.admit.Err() != nil {
		g.refused.Add(1)
		return ErrAdmissionClosed
	}

	if g.limiter != nil {
		waitCtx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(g.admit, cancel)
		err := g.limiter.Wait(waitCtx)
		stop()
		cancel()
		if err != nil {
			if g.admit.Err() != nil {
				g.refused.Add(1)
				return ErrAdmissionClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}

	if g.admit.Err() != nil {
		g.refused.Add(1)
		return ErrAdmissionClosed
	}
	g.issued.Add(1)
	return nil
}

// Closed reports whether admission has ended.
func (g *Gate) Closed() bool {
	return g.admit.Err() != nil
}

// Issued returns the number of probes admitted so far.
func (g *Gate) Issued() int64 {
	return g.issued.Load()
}

// Refused returns the number of probes refused after admission closed.
func (g *Gate) Refused() int64 {
	return g.refused.Load()
}

// Hold waits for an in-flight slot, then for the rate limiter. The caller
// must call release once the probe's packets are answered or abandoned. On a
// gate without slots Hold is Acquire with a no-op release.
func (g *Gate) Hold(ctx context.Context) (release func(), err error) {
	if g.slots == nil {
		return func() {}, g.Acquire(ctx)
	}
	if g.admit.Err() != nil {
		g.refused.Add(1)
		return nil, ErrAdmissionClosed
	}

	waitCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(g.admit, cancel)
	err = g.slots.Acquire(waitCtx, 1)
	stop()
	cancel()
	if err != nil {
		if g.admit.Err() != nil {
			g.refused.Add(1)
			return nil, ErrAdmissionClosed
		}
		return nil, ctx.Err()
	}

	if err := g.Acquire(ctx); err != nil {
		g.slots.Release(1)
		return nil, err
	}
	held := g.held.Add(1)
	for {
		peak := g.peak.Load()
		if held <= peak || g.peak.CompareAndSwap(peak, held) {
			break
		}
	}
	return func() {
		g.held.Add(-1)
		g.slots.Release(1)
	}, nil
}

// PeakHeld returns the most slots held at once.
func (g *Gate) PeakHeld() int {
	return int(g.peak.Load())
}

// DialContext holds a slot while dialing address with the given timeout.
func (g *Gate) DialContext(ctx context.Context, network, address string, timeout time.Duration) (net.Conn, error) {
	release, err := g.Hold(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return g.dial(ctx, network, address, timeout)
}

// Dialer returns a function compatible with http.Transport.DialContext that
// routes every connection through the gate.
func (g *Gate) Dialer(timeout time.Duration) func(ctx context.Context, network, address string) (net.Conn, error) {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		return g.DialContext(ctx, network, address, timeout)
	}
}
