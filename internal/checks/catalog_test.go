package checks

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/netsentry/internal/session"
)

func portTarget(addr string, port uint16, proto session.Protocol, state session.PortState, svc session.Service) Target {
	a := netip.MustParseAddr(addr)
	return Target{
		Host: session.HostResult{Address: a, Live: true, Status: session.HostUp},
		Port: session.PortResult{Host: a, Port: port, Protocol: proto, State: state, Service: svc},
	}
}

func byID(t *testing.T, all []Check, id string) Check {
	t.Helper()
	for _, c := range all {
		if c.ID() == id {
			return c
		}
	}
	t.Fatalf("check %s not registered", id)
	return nil
}

func TestTelnetOpenYieldsOneHighFinding(t *testing.T) {
	engine := NewEngine(Default(&Env{}))
	tgt := portTarget("192.168.1.20", 23, session.TCP, session.PortOpen, session.Service{})

	var telnet []session.Finding
	for _, c := range engine.Applicable(tgt) {
		if c.Family() != FamilyInsecureProtocol {
			continue
		}
		findings, err := engine.Evaluate(context.Background(), c, tgt)
		require.NoError(t, err)
		telnet = append(telnet, findings...)
	}

	require.Len(t, telnet, 1)
	assert.Equal(t, "insecure-protocol-telnet", telnet[0].CheckID)
	assert.Equal(t, session.SeverityHigh, telnet[0].Severity)
	assert.Equal(t, uint16(23), telnet[0].Port)
	assert.Equal(t, FamilyInsecureProtocol, telnet[0].Category)
}

func TestInsecureProtocolApplies(t *testing.T) {
	all := insecureProtocolChecks()
	ftp := byID(t, all, "insecure-protocol-ftp")
	tftp := byID(t, all, "insecure-protocol-tftp")

	assert.True(t, ftp.Applies(portTarget("10.0.0.1", 2121, session.TCP, session.PortOpen, session.Service{Name: "ftp"})))
	assert.True(t, ftp.Applies(portTarget("10.0.0.1", 21, session.TCP, session.PortOpen, session.Service{})))
	assert.False(t, ftp.Applies(portTarget("10.0.0.1", 21, session.TCP, session.PortOpen, session.Service{Name: "ssh"})))
	assert.False(t, ftp.Applies(portTarget("10.0.0.1", 21, session.TCP, session.PortClosed, session.Service{})))
	assert.False(t, ftp.Applies(portTarget("10.0.0.1", 21, session.TCP, session.PortOpen, session.Service{Name: "ftps", TLS: true})))

	assert.True(t, tftp.Applies(portTarget("10.0.0.1", 69, session.UDP, session.PortOpenOrFiltered, session.Service{Name: "tftp"})))
	assert.False(t, tftp.Applies(portTarget("10.0.0.1", 69, session.TCP, session.PortOpen, session.Service{})))
}

func TestExposureSkipsLoopback(t *testing.T) {
	redis := byID(t, exposureChecks(), "exposed-service-redis")

	assert.False(t, redis.Applies(portTarget("127.0.0.1", 6379, session.TCP, session.PortOpen, session.Service{Name: "redis"})))
	assert.False(t, redis.Applies(portTarget("::1", 6379, session.TCP, session.PortOpen, session.Service{})))
	assert.False(t, redis.Applies(portTarget("10.0.0.8", 6379, session.TCP, session.PortFiltered, session.Service{})))
	assert.False(t, redis.Applies(portTarget("10.0.0.8", 6379, session.TCP, session.PortOpen, session.Service{Name: "http"})))

	tgt := portTarget("10.0.0.8", 16379, session.TCP, session.PortOpen, session.Service{Name: "redis"})
	require.True(t, redis.Applies(tgt))
	findings, err := redis.Evaluate(context.Background(), tgt)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, session.SeverityHigh, findings[0].Severity)
	assert.Contains(t, findings[0].Evidence, "10.0.0.8:16379")
}

func TestMemoSharesOneComputation(t *testing.T) {
	var m memo[int]
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := m.get("k", func() (int, error) {
				calls.Add(1)
				<-release
				return 42, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, 42, v)
	}

	v, err := m.get("k", func() (int, error) { return 0, errors.New("not called") })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestMemoDoesNotCacheErrors(t *testing.T) {
	var m memo[string]
	_, err := m.get("k", func() (string, error) { return "", errors.New("refused") })
	require.Error(t, err)

	v, err := m.get("k", func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestAttemptBudget(t *testing.T) {
	var b attemptBudget
	for i := 0; i < 3; i++ {
		assert.True(t, b.spend("10.0.0.1|ssh", 3))
	}
	assert.False(t, b.spend("10.0.0.1|ssh", 3))
	assert.True(t, b.spend("10.0.0.1|ftp", 3))
}
