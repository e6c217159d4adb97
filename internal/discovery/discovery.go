// Package discovery decides which target addresses are live. Each host is
// probed by every configured strategy concurrently; the first positive
// answer wins and cancels the rest.
package discovery

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anstrom/netsentry/internal/errors"
	"github.com/anstrom/netsentry/internal/logging"
	"github.com/anstrom/netsentry/internal/metrics"
	"github.com/anstrom/netsentry/internal/probe"
	"github.com/anstrom/netsentry/internal/session"
	"github.com/anstrom/netsentry/internal/targets"
)

const (
	defaultHostTimeout = 3 * time.Second
	defaultProbeWait   = time.Second
)

// Method names accepted in configuration.
const (
	MethodICMP       = "icmp"
	MethodARP        = "arp"
	MethodTCPSyn     = "tcp-syn"
	MethodTCPConnect = "tcp-connect"
)

// Strategy is one way of establishing liveness.
type Strategy interface {
	Name() string
	// Probe reports whether addr answered. A missing answer should be
	// reported as a retryable timeout error rather than (false, nil).
	Probe(ctx context.Context, addr targets.Address) (bool, error)
}

// Engine runs discovery strategies for single hosts.
type Engine struct {
	strategies  []Strategy
	gate        *probe.Gate
	retry       probe.RetryPolicy
	hostTimeout time.Duration
	logger      *logging.Logger
	metrics     *metrics.PrometheusMetrics
	warn        func(string)

	warnOnce sync.Map
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records probe outcomes.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithWarningSink receives one message per strategy that cannot run, for
// example because it lacks privileges.
func WithWarningSink(fn func(string)) Option {
	return func(e *Engine) { e.warn = fn }
}

// NewEngine creates a discovery engine. gate is consulted to tell
// cancellation apart from ordinary failure.
func NewEngine(strategies []Strategy, gate *probe.Gate, opts ...Option) *Engine {
	e := &Engine{
		strategies:  strategies,
		gate:        gate,
		hostTimeout: defaultHostTimeout,
		logger:      logging.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("discovery")
	return e
}

// SetTimeout sets the overall liveness deadline per host.
func (e *Engine) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		e.hostTimeout = timeout
	}
}

// SetRetry sets the retry budget applied to each strategy.
func (e *Engine) SetRetry(policy probe.RetryPolicy) {
	e.retry = policy
}

type attempt struct {
	method string
	live   bool
	err    error
}

// Discover probes target with every strategy and returns its verdict.
// It always returns a HostResult, even when cancelled.
func (e *Engine) Discover(ctx context.Context, target targets.Address) session.HostResult {
	result := session.HostResult{
		Address:  target.IP,
		Hostname: target.Hostname,
		Status:   session.HostDown,
	}

	if e.gate.Closed() {
		result.Reason = "cancelled"
		return result
	}
	if len(e.strategies) == 0 {
		result.Reason = "no discovery methods"
		return result
	}

	hctx, cancel := context.WithTimeout(ctx, e.hostTimeout)
	defer cancel()

	results := make(chan attempt, len(e.strategies))
	for _, s := range e.strategies {
		go func(s Strategy) {
			live := false
			err := e.retry.Do(hctx, func(n int) error {
				start := time.Now()
				ok, err := s.Probe(hctx, target)
				e.observe(s.Name(), target, ok, err, n, time.Since(start))
				live = ok
				return err
			})
			results <- attempt{method: s.Name(), live: live && err == nil, err: err}
		}(s)
	}

	var failures []string
	for range e.strategies {
		a := <-results
		if a.live {
			cancel()
			result.Live = true
			result.Status = session.HostUp
			result.Method = a.method
			result.Reason = ""
			return result
		}
		if a.err != nil {
			e.permissionWarning(a.method, a.err)
			failures = append(failures, fmt.Sprintf("%s: %v", a.method, a.err))
		}
	}

	switch {
	case e.gate.Closed():
		result.Reason = "cancelled"
	case hctx.Err() == context.DeadlineExceeded:
		result.Reason = "timeout"
	default:
		result.Reason = strings.Join(failures, "; ")
	}
	return result
}

func (e *Engine) observe(method string, target targets.Address, live bool, err error, n int, d time.Duration) {
	outcome := "dead"
	switch {
	case live && err == nil:
		outcome = "live"
	case stderrors.Is(err, probe.ErrAdmissionClosed):
		outcome = "refused"
	case errors.IsCode(err, errors.CodePermission):
		outcome = "unprivileged"
	case errors.IsCode(err, errors.CodeTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	if e.metrics != nil {
		e.metrics.RecordProbe(metrics.StageDiscovery, outcome, d)
	}
	e.logger.DebugProbe("discovery", target.IP.String(), 0, outcome, "method", method, "attempt", n)
}

func (e *Engine) permissionWarning(method string, err error) {
	var permErr *errors.PermissionError
	if !stderrors.As(err, &permErr) {
		return
	}
	if _, loaded := e.warnOnce.LoadOrStore(method, true); loaded {
		return
	}
	msg := fmt.Sprintf("discovery method %s unavailable: %v", method, err)
	e.logger.Warn("Discovery method unavailable", "method", method, "error", err)
	if e.warn != nil {
		e.warn(msg)
	}
}
