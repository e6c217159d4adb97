// Package scanning classifies ports on live hosts. TCP connect and UDP probes
// run natively, one job per port on the scan stage pool; SYN scans go through
// nmap with one invocation per host.
package scanning

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anstrom/netsentry/internal/errors"
	"github.com/anstrom/netsentry/internal/logging"
	"github.com/anstrom/netsentry/internal/metrics"
	"github.com/anstrom/netsentry/internal/nmaprun"
	"github.com/anstrom/netsentry/internal/probe"
	"github.com/anstrom/netsentry/internal/session"
	"github.com/anstrom/netsentry/internal/workers"
)

const (
	defaultProbeTimeout = 2 * time.Second
	udpReadBuffer       = 4096
)

// Technique selects how ports are probed.
type Technique string

const (
	TechniqueConnect Technique = "connect"
	TechniqueSYN     Technique = "syn"
	TechniqueUDP     Technique = "udp"
)

// Protocol returns the transport protocol the technique scans.
func (t Technique) Protocol() session.Protocol {
	if t == TechniqueUDP {
		return session.UDP
	}
	return session.TCP
}

// Sink receives scan progress. Implementations must be safe for concurrent
// use.
type Sink interface {
	// PortScanned receives every state change, starting with Probing.
	PortScanned(r session.PortResult)
	// HostUnreachable is called at most once per host.
	HostUnreachable(addr netip.Addr, err error)
}

// Options configures a Scanner.
type Options struct {
	Technique  Technique
	Timeout    time.Duration
	Retry      probe.RetryPolicy
	Runner     nmaprun.Runner
	Privileged func() bool
	Logger     *logging.Logger
	Metrics    *metrics.PrometheusMetrics
}

// Scanner probes ports on one host at a time.
type Scanner struct {
	technique Technique
	timeout   time.Duration
	retry     probe.RetryPolicy
	gate      *probe.Gate
	runner    nmaprun.Runner
	logger    *logging.Logger
	metrics   *metrics.PrometheusMetrics
	fallback  error
}

// New creates a scanner. A SYN scan without raw socket access falls back to
// connect; Fallback reports that.
func New(opts Options, gate *probe.Gate) *Scanner {
	if opts.Technique == "" {
		opts.Technique = TechniqueConnect
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultProbeTimeout
	}
	if opts.Runner == nil {
		opts.Runner = nmaprun.Exec{Logger: opts.Logger}
	}
	if opts.Privileged == nil {
		opts.Privileged = probe.Privileged
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if gate == nil {
		gate = probe.Unlimited()
	}

	s := &Scanner{
		technique: opts.Technique,
		timeout:   opts.Timeout,
		retry:     opts.Retry,
		gate:      gate,
		runner:    opts.Runner,
		logger:    opts.Logger.WithComponent("scanner"),
		metrics:   opts.Metrics,
	}

	if s.technique == TechniqueSYN && !opts.Privileged() {
		s.fallback = errors.NewPermissionError("syn scan", string(TechniqueConnect), nil)
		s.technique = TechniqueConnect
		s.logger.Warn("SYN scan unavailable, using connect scan", "error", s.fallback)
	}
	return s
}

// Technique returns the technique in effect after any fallback.
func (s *Scanner) Technique() Technique {
	return s.technique
}

// Fallback returns the PermissionError that forced a technique change, or nil.
func (s *Scanner) Fallback() error {
	return s.fallback
}

// hostScan is the shared state of the jobs for one host.
type hostScan struct {
	addr        netip.Addr
	sink        Sink
	unreachable atomic.Bool
	once        sync.Once
}

func (h *hostScan) markUnreachable(err error) {
	h.unreachable.Store(true)
	h.once.Do(func() { h.sink.HostUnreachable(h.addr, err) })
}

// ScanHost submits the probes for addr to g and returns once they are all
// queued. Results arrive through sink; call g.Wait to wait for them.
func (s *Scanner) ScanHost(ctx context.Context, g *workers.Group, addr netip.Addr, ports []int, sink Sink) error {
	h := &hostScan{addr: addr, sink: sink}

	if s.technique == TechniqueSYN {
		return g.Go(ctx, "syn-"+addr.String(), "scan", func(ctx context.Context) error {
			return s.synScan(ctx, h, ports)
		})
	}

	for _, port := range ports {
		port := port
		if h.unreachable.Load() || s.gate.Closed() {
			return nil
		}
		id := probe.HostPort(addr, port) + "/" + string(s.technique.Protocol())
		if err := g.Go(ctx, id, "scan", func(ctx context.Context) error {
			s.scanPort(ctx, h, port)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// verdict is the outcome of one probe attempt.
type verdict struct {
	state    session.PortState
	reason   string
	response []byte
}

func (s *Scanner) scanPort(ctx context.Context, h *hostScan, port int) {
	if h.unreachable.Load() {
		return
	}

	proto := s.technique.Protocol()
	base := session.PortResult{Host: h.addr, Port: uint16(port), Protocol: proto}

	var (
		last     verdict
		started  bool
		attempts int
	)
	err := s.retry.Do(ctx, func(n int) error {
		if h.unreachable.Load() {
			return errHostUnreachable
		}
		release, err := s.gate.Hold(ctx)
		if err != nil {
			return err
		}
		defer release()
		if !started {
			started = true
			probing := base
			probing.State = session.PortProbing
			h.sink.PortScanned(probing)
		}
		attempts = n

		start := time.Now()
		if proto == session.UDP {
			last, err = s.probeUDP(ctx, h.addr, port)
		} else {
			last, err = s.probeTCP(ctx, h.addr, port)
		}
		s.observe(h.addr, port, last, err, n, time.Since(start))
		return err
	})

	if !started {
		return
	}

	var unreachable *errors.NetworkUnreachableError
	switch {
	case err == nil:
	case stderrors.As(err, &unreachable):
		last = verdict{state: session.PortError, reason: "unreachable"}
		h.markUnreachable(err)
	case stderrors.Is(err, errHostUnreachable):
		last = verdict{state: session.PortError, reason: "host unreachable"}
	case stderrors.Is(err, probe.ErrAdmissionClosed), ctx.Err() != nil:
		if last.state == "" {
			last = verdict{state: session.PortError, reason: "cancelled"}
		}
	case errors.IsCode(err, errors.CodeTimeout):
		// last already holds the no-response classification
	default:
		last = verdict{state: session.PortError, reason: err.Error()}
	}

	result := base
	result.State = last.state
	result.Reason = last.reason
	result.Attempts = attempts
	result.Response = last.response
	if s.metrics != nil {
		s.metrics.IncrementPortState(string(proto), string(result.State))
	}
	h.sink.PortScanned(result)
}

var errHostUnreachable = stderrors.New("host marked unreachable")

func (s *Scanner) observe(addr netip.Addr, port int, v verdict, err error, attempt int, d time.Duration) {
	outcome := string(v.state)
	if outcome == "" {
		outcome = probe.Classify(err).String()
	}
	if s.metrics != nil {
		s.metrics.RecordProbe(metrics.StageScan, outcome, d)
	}
	s.logger.DebugProbe("scan", addr.String(), port, outcome, "attempt", attempt, "technique", string(s.technique))
}

// probeTCP performs one connect attempt. Timeouts and descriptor exhaustion
// come back as retryable errors alongside the verdict to use once retries
// run out.
func (s *Scanner) probeTCP(ctx context.Context, addr netip.Addr, port int) (verdict, error) {
	d := net.Dialer{Timeout: s.timeout}
	conn, err := d.DialContext(ctx, "tcp", probe.HostPort(addr, port))
	switch probe.Classify(err) {
	case probe.OutcomeConnected:
		_ = conn.Close()
		return verdict{state: session.PortOpen, reason: "syn-ack"}, nil
	case probe.OutcomeRefused:
		return verdict{state: session.PortClosed, reason: "conn-refused"}, nil
	case probe.OutcomeTimeout:
		if ctx.Err() != nil {
			return verdict{}, ctx.Err()
		}
		return verdict{state: session.PortFiltered, reason: "no-response"},
			errors.NewProbeTimeoutError("scan", addr.String(), port, s.timeout, err)
	case probe.OutcomeExhausted:
		return verdict{state: session.PortError, reason: "resource exhausted"}, errors.ErrResourceExhausted(addr.String(), err)
	default:
		return verdict{}, probe.TypedError("scan", addr, port, s.timeout, err)
	}
}

// probeUDP sends the port's payload and waits for a datagram or an ICMP
// error reported through the connected socket.
func (s *Scanner) probeUDP(ctx context.Context, addr netip.Addr, port int) (verdict, error) {
	d := net.Dialer{Timeout: s.timeout}
	conn, err := d.DialContext(ctx, "udp", probe.HostPort(addr, port))
	if err != nil {
		if probe.Classify(err) == probe.OutcomeExhausted {
			return verdict{state: session.PortError, reason: "resource exhausted"}, errors.ErrResourceExhausted(addr.String(), err)
		}
		return verdict{}, probe.TypedError("scan", addr, port, s.timeout, err)
	}
	defer conn.Close()

	if _, err := conn.Write(UDPPayload(port)); err != nil {
		return s.udpError(addr, port, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.timeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, udpReadBuffer)
	n, err := conn.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			return verdict{}, ctx.Err()
		}
		return s.udpError(addr, port, err)
	}
	return verdict{state: session.PortOpen, reason: "udp-response", response: append([]byte(nil), buf[:n]...)}, nil
}

func (s *Scanner) udpError(addr netip.Addr, port int, err error) (verdict, error) {
	switch probe.Classify(err) {
	case probe.OutcomeRefused:
		return verdict{state: session.PortClosed, reason: "port-unreach"}, nil
	case probe.OutcomeUnreachable:
		return verdict{state: session.PortFiltered, reason: "icmp-unreach"}, nil
	case probe.OutcomeTimeout:
		return verdict{state: session.PortOpenOrFiltered, reason: "no-response"},
			errors.NewProbeTimeoutError("scan", addr.String(), port, s.timeout, err)
	case probe.OutcomeExhausted:
		return verdict{state: session.PortError, reason: "resource exhausted"}, errors.ErrResourceExhausted(addr.String(), err)
	default:
		return verdict{}, err
	}
}

// synScan runs nmap once for all of a host's ports.
func (s *Scanner) synScan(ctx context.Context, h *hostScan, ports []int) error {
	release, err := s.gate.Hold(ctx)
	if err != nil {
		return nil
	}
	defer release()
	for _, port := range ports {
		h.sink.PortScanned(session.PortResult{Host: h.addr, Port: uint16(port), Protocol: session.TCP, State: session.PortProbing})
	}

	start := time.Now()
	run, err := s.runner.Run(ctx, synOptions(h.addr, ports, s.timeout)...)
	if err != nil {
		s.observe(h.addr, 0, verdict{}, err, 1, time.Since(start))
		for _, port := range ports {
			h.sink.PortScanned(session.PortResult{
				Host: h.addr, Port: uint16(port), Protocol: session.TCP,
				State: session.PortError, Reason: err.Error(), Attempts: 1,
			})
		}
		return fmt.Errorf("syn scan %s: %w", h.addr, err)
	}
	s.observe(h.addr, 0, verdict{state: "completed"}, nil, 1, time.Since(start))

	for _, r := range convertNmapHost(run, h.addr, ports) {
		if s.metrics != nil {
			s.metrics.IncrementPortState(string(r.Protocol), string(r.State))
		}
		h.sink.PortScanned(r)
	}
	return nil
}

// NmapState maps an nmap port state onto ours.
func NmapState(state string) session.PortState {
	switch state {
	case "open":
		return session.PortOpen
	case "closed", "unfiltered":
		return session.PortClosed
	case "open|filtered":
		return session.PortOpenOrFiltered
	default:
		return session.PortFiltered
	}
}
