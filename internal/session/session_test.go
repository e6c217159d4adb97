package session

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hostA = netip.MustParseAddr("10.0.0.5")

func runningSession(t *testing.T) *Session {
	t.Helper()
	s := New([]string{"10.0.0.0/29"}, nil)
	require.NoError(t, s.Start())
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := New([]string{"10.0.0.5"}, map[string]string{"scan_technique": "connect"})
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, StateInitialized, s.State())

	_, err := s.Seal(StateCompleted)
	assert.ErrorIs(t, err, ErrInvalidTransition, "cannot complete a session that never ran")

	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrInvalidTransition)

	_, err = s.Seal(StateRunning)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	a, err := s.Seal(StateCompleted)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, a.State)
	assert.Equal(t, s.ID(), a.ID)
	assert.Same(t, a, s.Assessment())

	again, err := s.Seal(StateCancelled)
	assert.ErrorIs(t, err, ErrSealed)
	assert.Same(t, a, again)
}

func TestFailedFromInitialized(t *testing.T) {
	s := New([]string{"bad/99"}, nil)
	a, err := s.Seal(StateFailed)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, a.State)
}

func TestMutationsAfterSealFail(t *testing.T) {
	s := runningSession(t)
	_, err := s.Seal(StateCancelled)
	require.NoError(t, err)

	_, err = s.RecordHost(HostResult{Address: hostA})
	assert.ErrorIs(t, err, ErrSealed)
	assert.ErrorIs(t, s.TransitionPort(hostA, 22, TCP, PortOpen, ""), ErrSealed)
	assert.ErrorIs(t, s.EnrichPort(hostA, 22, TCP, Service{Name: "ssh"}), ErrSealed)
	_, err = s.MergeFinding(Finding{CheckID: "x", Host: hostA})
	assert.ErrorIs(t, err, ErrSealed)
	assert.ErrorIs(t, s.AddWarning("late"), ErrSealed)
	assert.ErrorIs(t, s.AddSkipped("x", "y"), ErrSealed)
	assert.ErrorIs(t, s.MarkUnreachable(hostA, "x"), ErrSealed)
}

func TestPortStateMachine(t *testing.T) {
	s := runningSession(t)
	_, err := s.RecordHost(HostResult{Address: hostA, Live: true, Status: HostUp})
	require.NoError(t, err)

	require.NoError(t, s.TransitionPort(hostA, 22, TCP, PortProbing, ""))
	require.NoError(t, s.TransitionPort(hostA, 22, TCP, PortOpen, "syn-ack"))

	t.Run("same terminal state is idempotent", func(t *testing.T) {
		require.NoError(t, s.TransitionPort(hostA, 22, TCP, PortOpen, "syn-ack"))
		p, ok := s.Port(hostA, 22, TCP)
		require.True(t, ok)
		assert.Equal(t, PortOpen, p.State)
	})

	t.Run("terminal states are final", func(t *testing.T) {
		assert.ErrorIs(t, s.TransitionPort(hostA, 22, TCP, PortClosed, ""), ErrInvalidTransition)
		assert.ErrorIs(t, s.TransitionPort(hostA, 22, TCP, PortProbing, ""), ErrInvalidTransition)
	})

	t.Run("enrichment leaves state alone", func(t *testing.T) {
		require.NoError(t, s.EnrichPort(hostA, 22, TCP, Service{Name: "ssh", Version: "7.4", Confidence: 0.9}))
		p, _ := s.Port(hostA, 22, TCP)
		assert.Equal(t, PortOpen, p.State)
		assert.Equal(t, "ssh", p.Service.Name)
	})

	t.Run("closed ports cannot be enriched", func(t *testing.T) {
		require.NoError(t, s.TransitionPort(hostA, 23, TCP, PortClosed, "rst"))
		assert.ErrorIs(t, s.EnrichPort(hostA, 23, TCP, Service{Name: "telnet"}), ErrInvalidTransition)
		assert.ErrorIs(t, s.EnrichPort(hostA, 24, TCP, Service{}), ErrUnknownPort)
	})

	t.Run("tcp and udp are distinct", func(t *testing.T) {
		require.NoError(t, s.TransitionPort(hostA, 53, UDP, PortOpenOrFiltered, "no-response"))
		require.NoError(t, s.TransitionPort(hostA, 53, TCP, PortClosed, "rst"))
		assert.Len(t, s.Ports(hostA), 4)
	})
}

func TestPortStateTransitions(t *testing.T) {
	terminal := []PortState{PortOpen, PortClosed, PortFiltered, PortOpenOrFiltered, PortError}
	for _, st := range terminal {
		assert.True(t, st.Terminal(), st)
		assert.True(t, PortProbing.CanTransition(st), st)
		assert.True(t, PortPending.CanTransition(st), st)
		for _, next := range append(terminal, PortPending, PortProbing) {
			assert.False(t, st.CanTransition(next), "%s -> %s", st, next)
		}
	}
	assert.True(t, PortPending.CanTransition(PortProbing))
	assert.False(t, PortProbing.CanTransition(PortPending))
}

func TestMergeFindingIsIdempotent(t *testing.T) {
	s := runningSession(t)

	f := Finding{CheckID: "insecure-protocol-telnet", Severity: SeverityHigh, Host: hostA, Port: 23, Protocol: TCP, Evidence: "first"}
	added, err := s.MergeFinding(f)
	require.NoError(t, err)
	assert.True(t, added)

	f.Evidence = "second"
	added, err = s.MergeFinding(f)
	require.NoError(t, err)
	assert.False(t, added)

	other := f
	other.Port = 2323
	added, _ = s.MergeFinding(other)
	assert.True(t, added)

	a, err := s.Seal(StateCompleted)
	require.NoError(t, err)
	require.Len(t, a.Findings, 2)
	assert.Equal(t, "second", a.FindingsFor("insecure-protocol-telnet")[0].Evidence)
	assert.Equal(t, SeverityHigh.BaseScore(), a.Findings[0].CVSS)
	assert.False(t, a.Findings[0].Timestamp.IsZero())
}

func TestConcurrentMergeNoDuplicates(t *testing.T) {
	s := runningSession(t)

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for port := 0; port < 50; port++ {
				_, _ = s.MergeFinding(Finding{
					CheckID:  "exposed-service-redis",
					Severity: SeverityHigh,
					Host:     hostA,
					Port:     uint16(port),
					Evidence: fmt.Sprintf("worker %d", w),
				})
				_ = s.TransitionPort(hostA, uint16(port), TCP, PortOpen, "")
			}
		}(w)
	}
	wg.Wait()

	a, err := s.Seal(StateCompleted)
	require.NoError(t, err)
	assert.Len(t, a.Findings, 50)
	seen := make(map[FindingKey]bool)
	for _, f := range a.Findings {
		assert.False(t, seen[f.Key()], "duplicate %v", f.Key())
		seen[f.Key()] = true
	}
	assert.Equal(t, 50, a.Summary.OpenPorts)
}

func TestAssessmentSummaryAndRecommendations(t *testing.T) {
	s := runningSession(t)
	hostB := netip.MustParseAddr("10.0.0.6")

	_, _ = s.RecordHost(HostResult{Address: hostA, Live: true, Status: HostUp, Method: "icmp"})
	_, _ = s.RecordHost(HostResult{Address: hostB, Live: false, Status: HostDown})
	_, _ = s.RecordHost(HostResult{Address: hostA, Live: false, Status: HostDown})

	_ = s.TransitionPort(hostA, 443, TCP, PortOpen, "")
	_, _ = s.MergeFinding(Finding{CheckID: "weak-tls-version", Severity: SeverityMedium, Host: hostA, Port: 443, Remediation: "Disable TLS 1.0 and 1.1"})
	_, _ = s.MergeFinding(Finding{CheckID: "missing-header-x-frame-options", Severity: SeverityLow, Host: hostA, Port: 443, Remediation: "Add security headers"})
	_, _ = s.MergeFinding(Finding{CheckID: "weak-tls-version", Severity: SeverityHigh, Host: hostA, Port: 8443, Remediation: "Disable TLS 1.0 and 1.1"})
	_, _ = s.MergeFinding(Finding{CheckID: "tls-verification-disabled", Severity: SeverityInfo, Host: hostA, Port: 443})
	_ = s.AddWarning("syn scan requires root; using connect")
	_ = s.AddWarning("syn scan requires root; using connect")
	_ = s.AddSkipped("nope.invalid", "no such host")

	a, err := s.Seal(StateCompleted)
	require.NoError(t, err)

	assert.Equal(t, 2, a.Summary.Hosts)
	assert.Equal(t, 1, a.Summary.LiveHosts)
	assert.Equal(t, 1, a.Summary.OpenPorts)
	assert.Equal(t, 4, a.Summary.Findings)
	assert.Equal(t, 1, a.Summary.FindingsBySeverity["high"])
	assert.Equal(t, 0, a.Summary.FindingsBySeverity["critical"])

	host, ok := a.Host("10.0.0.5")
	require.True(t, ok)
	assert.True(t, host.Live, "first verdict wins")

	assert.Equal(t, SeverityHigh, a.Findings[0].Severity)

	require.Len(t, a.Recommendations, 2)
	assert.Equal(t, "Disable TLS 1.0 and 1.1", a.Recommendations[0].Remediation)
	assert.Equal(t, SeverityHigh, a.Recommendations[0].Severity)
	assert.Equal(t, 2, a.Recommendations[0].Affected)
	assert.Equal(t, []string{"weak-tls-version"}, a.Recommendations[0].CheckIDs)

	assert.Len(t, a.Warnings, 1)
	assert.Equal(t, []SkippedTarget{{Input: "nope.invalid", Reason: "no such host"}}, a.Skipped)
}

func TestAssessmentIsDetached(t *testing.T) {
	s := runningSession(t)
	require.NoError(t, s.CompletePort(PortResult{Host: hostA, Port: 161, Protocol: UDP, State: PortOpen, Response: []byte{0x30, 0x01}}))
	a, err := s.Seal(StateCompleted)
	require.NoError(t, err)

	a.Hosts[0].Ports[0].Response[0] = 0xff
	p, _ := s.Port(hostA, 161, UDP)
	assert.Equal(t, byte(0x30), p.Response[0])
}

func TestMarkUnreachable(t *testing.T) {
	s := runningSession(t)
	assert.Error(t, s.MarkUnreachable(hostA, "no route"))

	_, _ = s.RecordHost(HostResult{Address: hostA, Live: true, Status: HostUp})
	require.NoError(t, s.MarkUnreachable(hostA, "no route"))
	h, _ := s.Host(hostA)
	assert.Equal(t, HostUnreachable, h.Status)
	assert.True(t, h.Live)
}

func TestSeverity(t *testing.T) {
	sev, err := ParseSeverity("CRITICAL")
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, sev)
	_, err = ParseSeverity("urgent")
	assert.Error(t, err)

	data, err := json.Marshal(Finding{CheckID: "x", Severity: SeverityMedium, Host: hostA})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"severity":"medium"`)
	assert.Contains(t, string(data), `"host":"10.0.0.5"`)

	assert.True(t, SeverityCritical > SeverityHigh)
	assert.Equal(t, "severity(9)", Severity(9).String())
}
