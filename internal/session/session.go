// Package session holds the result model of an assessment run and the
// aggregator that collects host, port and finding records from concurrent
// pipeline stages. A session is sealed exactly once; the sealed Assessment
// is an immutable copy handed to report renderers.
package session

import (
	stderrors "errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a session.
type State string

const (
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateCancelled   State = "cancelled"
	StateFailed      State = "failed"
)

// Terminal reports whether the state ends the session.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

var (
	// ErrSealed is returned by every mutation after Seal.
	ErrSealed = stderrors.New("session is sealed")
	// ErrInvalidTransition is returned for illegal state changes.
	ErrInvalidTransition = stderrors.New("invalid state transition")
	// ErrUnknownPort is returned when enriching a port that was never recorded.
	ErrUnknownPort = stderrors.New("unknown port")
)

type portKey struct {
	port  uint16
	proto Protocol
}

type hostEntry struct {
	result    HostResult
	ports     map[portKey]*PortResult
	portOrder []portKey
}

// Session aggregates results for one assessment run. All methods are safe
// for concurrent use.
type Session struct {
	mu sync.Mutex

	id        string
	targets   []string
	options   interface{}
	state     State
	startedAt time.Time
	endedAt   time.Time

	hosts     map[netip.Addr]*hostEntry
	hostOrder []netip.Addr

	findings     map[FindingKey]Finding
	findingOrder []FindingKey

	skipped  []SkippedTarget
	warnings []string

	sealed *Assessment
	now    func() time.Time
}

// New creates an Initialized session. options is carried verbatim into the
// sealed Assessment for reporting.
func New(targets []string, options interface{}) *Session {
	return &Session{
		id:       uuid.NewString(),
		targets:  append([]string(nil), targets...),
		options:  options,
		state:    StateInitialized,
		hosts:    make(map[netip.Addr]*hostEntry),
		findings: make(map[FindingKey]Finding),
		now:      time.Now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start moves the session from Initialized to Running.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed != nil {
		return ErrSealed
	}
	if s.state != StateInitialized {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateRunning)
	}
	s.state = StateRunning
	s.startedAt = s.now()
	return nil
}

// RecordHost stores the discovery verdict for an address. A host is recorded
// once; later calls for the same address are ignored and return false.
func (s *Session) RecordHost(h HostResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed != nil {
		return false, ErrSealed
	}
	if _, ok := s.hosts[h.Address]; ok {
		return false, nil
	}
	if h.RecordedAt.IsZero() {
		h.RecordedAt = s.now()
	}
	s.hosts[h.Address] = &hostEntry{result: h, ports: make(map[portKey]*PortResult)}
	s.hostOrder = append(s.hostOrder, h.Address)
	return true, nil
}

// MarkUnreachable downgrades a recorded host to unreachable.
func (s *Session) MarkUnreachable(addr netip.Addr, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed != nil {
		return ErrSealed
	}
	entry, ok := s.hosts[addr]
	if !ok {
		return fmt.Errorf("host %s not recorded", addr)
	}
	entry.result.Status = HostUnreachable
	entry.result.Reason = reason
	return nil
}

// Host returns a copy of the recorded host.
func (s *Session) Host(addr netip.Addr) (HostResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.hosts[addr]
	if !ok {
		return HostResult{}, false
	}
	return entry.result, true
}

func (s *Session) entry(addr netip.Addr) *hostEntry {
	entry, ok := s.hosts[addr]
	if !ok {
		// Placeholder for ports reported before the host verdict.
		entry = &hostEntry{
			result: HostResult{Address: addr, Status: HostUp, RecordedAt: s.now()},
			ports:  make(map[portKey]*PortResult),
		}
		s.hosts[addr] = entry
		s.hostOrder = append(s.hostOrder, addr)
	}
	return entry
}

// TransitionPort moves a port to state next, creating it as Pending first if
// needed. Re-applying the current terminal state is a no-op, so a port can be
// classified more than once with the same result.
func (s *Session) TransitionPort(addr netip.Addr, port uint16, proto Protocol, next PortState, reason string) error {
	return s.CompletePort(PortResult{Host: addr, Port: port, Protocol: proto, State: next, Reason: reason})
}

// CompletePort records a scanner verdict including attempts and any captured
// response payload.
func (s *Session) CompletePort(r PortResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed != nil {
		return ErrSealed
	}

	entry := s.entry(r.Host)
	key := portKey{port: r.Port, proto: r.Protocol}
	cur, ok := entry.ports[key]
	if !ok {
		cur = &PortResult{Host: r.Host, Port: r.Port, Protocol: r.Protocol, State: PortPending}
		entry.ports[key] = cur
		entry.portOrder = append(entry.portOrder, key)
	}

	if cur.State == r.State {
		return nil
	}
	if !cur.State.CanTransition(r.State) {
		return fmt.Errorf("%w: port %s/%d/%s %s -> %s", ErrInvalidTransition, r.Host, r.Port, r.Protocol, cur.State, r.State)
	}

	cur.State = r.State
	if r.Reason != "" {
		cur.Reason = r.Reason
	}
	if r.Attempts > 0 {
		cur.Attempts = r.Attempts
	}
	if len(r.Response) > 0 {
		cur.Response = append([]byte(nil), r.Response...)
	}
	return nil
}

// EnrichPort attaches service identification to an open port. Only service
// fields change; the port state is left alone.
func (s *Session) EnrichPort(addr netip.Addr, port uint16, proto Protocol, svc Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed != nil {
		return ErrSealed
	}
	entry, ok := s.hosts[addr]
	if !ok {
		return ErrUnknownPort
	}
	cur, ok := entry.ports[portKey{port: port, proto: proto}]
	if !ok {
		return ErrUnknownPort
	}
	if cur.State != PortOpen && cur.State != PortOpenOrFiltered {
		return fmt.Errorf("%w: cannot enrich %s port", ErrInvalidTransition, cur.State)
	}
	cur.Service = svc
	return nil
}

// Port returns a copy of one port result.
func (s *Session) Port(addr netip.Addr, port uint16, proto Protocol) (PortResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.hosts[addr]
	if !ok {
		return PortResult{}, false
	}
	cur, ok := entry.ports[portKey{port: port, proto: proto}]
	if !ok {
		return PortResult{}, false
	}
	return copyPort(cur), true
}

// Ports returns copies of a host's ports in the order they were first seen.
func (s *Session) Ports(addr netip.Addr) []PortResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.hosts[addr]
	if !ok {
		return nil
	}
	out := make([]PortResult, 0, len(entry.portOrder))
	for _, key := range entry.portOrder {
		out = append(out, copyPort(entry.ports[key]))
	}
	return out
}

// MergeFinding stores f keyed by (host, port, check id). A finding with an
// existing key replaces the earlier one, so re-running a check never
// duplicates. It reports whether the key was new.
func (s *Session) MergeFinding(f Finding) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed != nil {
		return false, ErrSealed
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = s.now()
	}
	if f.CVSS == 0 {
		f.CVSS = f.Severity.BaseScore()
	}
	key := f.Key()
	_, exists := s.findings[key]
	s.findings[key] = f
	if !exists {
		s.findingOrder = append(s.findingOrder, key)
	}
	return !exists, nil
}

// AddSkipped records a target that yielded no address.
func (s *Session) AddSkipped(input, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed != nil {
		return ErrSealed
	}
	s.skipped = append(s.skipped, SkippedTarget{Input: input, Reason: reason})
	return nil
}

// AddWarning records a non-fatal condition, such as a technique fallback.
// Identical warnings are stored once.
func (s *Session) AddWarning(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed != nil {
		return ErrSealed
	}
	for _, w := range s.warnings {
		if w == msg {
			return nil
		}
	}
	s.warnings = append(s.warnings, msg)
	return nil
}

// Seal ends the session in a terminal state and returns the immutable
// Assessment. Sealing twice returns the first Assessment and ErrSealed.
func (s *Session) Seal(final State) (*Assessment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed != nil {
		return s.sealed, ErrSealed
	}
	if !final.Terminal() {
		return nil, fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, final)
	}
	if s.state == StateInitialized && final != StateFailed {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, final)
	}

	s.state = final
	s.endedAt = s.now()
	if s.startedAt.IsZero() {
		s.startedAt = s.endedAt
	}
	s.sealed = s.buildAssessment()
	return s.sealed, nil
}

// Assessment returns the sealed result, or nil while the session is open.
func (s *Session) Assessment() *Assessment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

func copyPort(p *PortResult) PortResult {
	out := *p
	out.Response = append([]byte(nil), p.Response...)
	return out
}

func (s *Session) buildAssessment() *Assessment {
	a := &Assessment{
		ID:        s.id,
		Targets:   append([]string(nil), s.targets...),
		Options:   s.options,
		State:     s.state,
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
		Duration:  s.endedAt.Sub(s.startedAt),
		Skipped:   append([]SkippedTarget(nil), s.skipped...),
		Warnings:  append([]string(nil), s.warnings...),
	}

	a.Summary.FindingsBySeverity = make(map[string]int, len(severityNames))
	for _, sev := range Severities() {
		a.Summary.FindingsBySeverity[sev.String()] = 0
	}

	for _, addr := range s.hostOrder {
		entry := s.hosts[addr]
		report := HostReport{HostResult: entry.result}
		for _, key := range entry.portOrder {
			p := copyPort(entry.ports[key])
			report.Ports = append(report.Ports, p)
			if p.State == PortOpen {
				a.Summary.OpenPorts++
			}
		}
		a.Hosts = append(a.Hosts, report)
		a.Summary.Hosts++
		if entry.result.Live {
			a.Summary.LiveHosts++
		}
	}

	for _, key := range s.findingOrder {
		f := s.findings[key]
		a.Findings = append(a.Findings, f)
		a.Summary.FindingsBySeverity[f.Severity.String()]++
		a.Summary.Findings++
	}
	sort.SliceStable(a.Findings, func(i, j int) bool {
		return a.Findings[i].Severity > a.Findings[j].Severity
	})
	a.Recommendations = buildRecommendations(a.Findings)
	return a
}
