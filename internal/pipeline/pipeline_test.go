package pipeline

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/netsentry/internal/checks"
	"github.com/anstrom/netsentry/internal/config"
	"github.com/anstrom/netsentry/internal/discovery"
	"github.com/anstrom/netsentry/internal/errors"
	"github.com/anstrom/netsentry/internal/logging"
	"github.com/anstrom/netsentry/internal/metrics"
	"github.com/anstrom/netsentry/internal/probe"
	"github.com/anstrom/netsentry/internal/session"
	"github.com/anstrom/netsentry/internal/targets"
)

type fakeStrategy struct {
	live  func(targets.Address) bool
	probe func(ctx context.Context)
}

func (f fakeStrategy) Name() string { return "fake" }

func (f fakeStrategy) Probe(ctx context.Context, t targets.Address) (bool, error) {
	if f.probe != nil {
		f.probe(ctx)
	}
	if f.live == nil || f.live(t) {
		return true, nil
	}
	return false, fmt.Errorf("no reply from %s", t.IP)
}

func strategies(s discovery.Strategy) Option {
	return WithStrategies(func(*probe.Gate) ([]discovery.Strategy, error) {
		return []discovery.Strategy{s}, nil
	})
}

// openCheck reports every open port it sees.
type openCheck struct {
	calls atomic.Int32
}

func (c *openCheck) ID() string     { return "test-open-port" }
func (c *openCheck) Family() string { return "test" }
func (c *openCheck) Applies(t checks.Target) bool {
	return t.Port.State == session.PortOpen
}
func (c *openCheck) Evaluate(_ context.Context, t checks.Target) ([]session.Finding, error) {
	c.calls.Add(1)
	return []session.Finding{{
		CheckID:  c.ID(),
		Title:    "Open port",
		Severity: session.SeverityLow,
		Host:     t.Port.Host,
		Port:     t.Port.Port,
		Protocol: t.Port.Protocol,
		Evidence: t.Port.Service.Name,
	}}, nil
}

func catalogue(cs ...checks.Check) Option {
	return WithChecks(func(*checks.Env) []checks.Check { return cs })
}

func testConfig(ports ...int) *config.Config {
	cfg := config.Default()
	spec := ""
	for i, p := range ports {
		if i > 0 {
			spec += ","
		}
		spec += strconv.Itoa(p)
	}
	cfg.Scanning.PortRange = spec
	cfg.Scanning.TimeoutPerProbe = 500 * time.Millisecond
	cfg.Scanning.Retry.MaxRetries = 0
	cfg.Discovery.HostTimeout = time.Second
	cfg.RateLimit.Enabled = false
	cfg.Checks.Timeout = time.Second
	cfg.GracePeriod = 500 * time.Millisecond
	return cfg
}

// sshListener serves an SSH banner and returns its port.
func sshListener(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = c.Write([]byte("SSH-2.0-OpenSSH_7.4\r\n"))
				time.Sleep(200 * time.Millisecond)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestRunFullPipeline(t *testing.T) {
	open := sshListener(t)
	closed := closedPort(t)
	check := &openCheck{}

	r, err := New(testConfig(open, closed),
		WithLogger(logging.Discard()),
		WithMetrics(metrics.NewPrometheusMetrics()),
		strategies(fakeStrategy{}),
		catalogue(check))
	require.NoError(t, err)

	a, err := r.Run(context.Background(), []string{"127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, a.State)
	require.Len(t, a.Hosts, 1)

	host := a.Hosts[0]
	assert.True(t, host.Live)
	assert.Equal(t, session.HostUp, host.Status)
	require.Len(t, host.Ports, 2)

	states := map[uint16]session.PortResult{}
	for _, p := range host.Ports {
		states[p.Port] = p
	}
	assert.Equal(t, session.PortOpen, states[uint16(open)].State)
	assert.Equal(t, "ssh", states[uint16(open)].Service.Name)
	assert.Equal(t, "OpenSSH", states[uint16(open)].Service.Product)
	assert.Equal(t, "7.4", states[uint16(open)].Service.Version)
	assert.Equal(t, session.PortClosed, states[uint16(closed)].State)

	require.Len(t, a.Findings, 1)
	assert.Equal(t, "test-open-port", a.Findings[0].CheckID)
	assert.Equal(t, "ssh", a.Findings[0].Evidence)
	assert.Equal(t, 1, a.Summary.FindingsBySeverity["low"])
	assert.Equal(t, 1, a.Summary.OpenPorts)
	assert.Equal(t, int32(1), check.calls.Load())

	opts, ok := a.Options.(Options)
	require.True(t, ok)
	assert.Equal(t, StageChecks, opts.StopAfter)
}

func TestRunStopAfter(t *testing.T) {
	open := sshListener(t)

	for _, tt := range []struct {
		stage     Stage
		wantPorts bool
		wantSvc   bool
	}{
		{StageDiscovery, false, false},
		{StageScan, true, false},
		{StageIdentify, true, true},
	} {
		t.Run(string(tt.stage), func(t *testing.T) {
			check := &openCheck{}
			r, err := New(testConfig(open), WithLogger(logging.Discard()), WithStopAfter(tt.stage),
				strategies(fakeStrategy{}), catalogue(check))
			require.NoError(t, err)

			a, err := r.Run(context.Background(), []string{"127.0.0.1"})
			require.NoError(t, err)
			require.Len(t, a.Hosts, 1)
			assert.Equal(t, tt.wantPorts, len(a.Hosts[0].Ports) > 0)
			if tt.wantPorts {
				assert.Equal(t, tt.wantSvc, a.Hosts[0].Ports[0].Service.Name != "")
			}
			assert.Empty(t, a.Findings)
			assert.Zero(t, check.calls.Load())
		})
	}
}

func TestRunDeadHosts(t *testing.T) {
	open := sshListener(t)
	dead := fakeStrategy{live: func(a targets.Address) bool { return false }}

	r, err := New(testConfig(open), WithLogger(logging.Discard()), strategies(dead), catalogue(&openCheck{}))
	require.NoError(t, err)
	a, err := r.Run(context.Background(), []string{"127.0.0.1"})
	require.NoError(t, err)
	require.Len(t, a.Hosts, 1)
	assert.False(t, a.Hosts[0].Live)
	assert.Equal(t, session.HostDown, a.Hosts[0].Status)
	assert.Empty(t, a.Hosts[0].Ports)

	cfg := testConfig(open)
	cfg.Scanning.ForceScan = true
	r, err = New(cfg, WithLogger(logging.Discard()), strategies(dead), catalogue(&openCheck{}))
	require.NoError(t, err)
	a, err = r.Run(context.Background(), []string{"127.0.0.1"})
	require.NoError(t, err)
	require.Len(t, a.Hosts, 1)
	assert.True(t, a.Hosts[0].Forced)
	require.Len(t, a.Hosts[0].Ports, 1)
	assert.Equal(t, session.PortOpen, a.Hosts[0].Ports[0].State)
	assert.Len(t, a.Findings, 1)
}

func TestRunResolutionFailure(t *testing.T) {
	r, err := New(testConfig(22), WithLogger(logging.Discard()), strategies(fakeStrategy{}))
	require.NoError(t, err)

	a, err := r.Run(context.Background(), []string{"10.0.0.0/33"})
	require.Error(t, err)
	var target *errors.InvalidTargetError
	assert.True(t, stderrors.As(err, &target))
	require.NotNil(t, a)
	assert.Equal(t, session.StateFailed, a.State)
	assert.Empty(t, a.Hosts)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	r, err := New(testConfig(22), WithLogger(logging.Discard()), strategies(fakeStrategy{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a, err := r.Run(ctx, []string{"127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, session.StateCancelled, a.State)
	require.Len(t, a.Hosts, 1)
	assert.Equal(t, session.HostDown, a.Hosts[0].Status)
	assert.Equal(t, "cancelled", a.Hosts[0].Reason)
	assert.Zero(t, r.Stats().ProbesIssued)
}

func TestRunRecordsHostsNeverAdmitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(closedPort(t))
	cfg.Concurrency.MaxHostsInFlight = 1
	cancelling := fakeStrategy{probe: func(context.Context) { cancel() }}
	r, err := New(cfg, WithLogger(logging.Discard()), strategies(cancelling), catalogue(&openCheck{}))
	require.NoError(t, err)

	a, err := r.Run(ctx, []string{"127.0.0.1-5"})
	require.NoError(t, err)
	assert.Equal(t, session.StateCancelled, a.State)
	require.Len(t, a.Hosts, 5, "every resolved address has a result")

	cancelled := 0
	for _, h := range a.Hosts {
		if h.Reason == "cancelled" {
			cancelled++
			assert.Equal(t, session.HostDown, h.Status)
			assert.Empty(t, h.Ports)
		}
	}
	assert.GreaterOrEqual(t, cancelled, 4)
}

func TestRunCancelledDuringDiscovery(t *testing.T) {
	open := sshListener(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Discovery succeeds but cancels the run before any port is probed.
	cancelling := fakeStrategy{probe: func(context.Context) { cancel() }}
	check := &openCheck{}
	r, err := New(testConfig(open), WithLogger(logging.Discard()), strategies(cancelling), catalogue(check))
	require.NoError(t, err)

	start := time.Now()
	a, err := r.Run(ctx, []string{"127.0.0.1"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, session.StateCancelled, a.State)
	require.Len(t, a.Hosts, 1, "discovery result is kept")
	assert.Empty(t, a.Hosts[0].Ports)
	assert.Zero(t, r.Stats().ProbesIssued, "no probe after cancellation")
	assert.Zero(t, check.calls.Load())
}

func TestRunHonoursConcurrencyCaps(t *testing.T) {
	open := sshListener(t)
	cfg := testConfig(open, closedPort(t))
	cfg.Concurrency.MaxHostsInFlight = 3
	cfg.Concurrency.Discovery = 2
	cfg.Concurrency.Scan = 2
	cfg.Concurrency.Identify = 1
	cfg.Concurrency.Checks = 1

	slow := fakeStrategy{probe: func(ctx context.Context) {
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
		}
	}}
	r, err := New(cfg, WithLogger(logging.Discard()), strategies(slow), catalogue(&openCheck{}))
	require.NoError(t, err)

	a, err := r.Run(context.Background(), []string{"127.0.0.1-12"})
	require.NoError(t, err)
	assert.Len(t, a.Hosts, 12)

	stats := r.Stats()
	assert.LessOrEqual(t, stats.HostsPeak, 3)
	assert.Positive(t, stats.HostsPeak)
	for name, peak := range stats.PoolPeaks {
		assert.LessOrEqual(t, peak, stats.PoolSizes[name], name)
	}
	for name, peak := range stats.ProbePeaks {
		assert.LessOrEqual(t, peak, stats.PoolSizes[name], name)
	}
	assert.Positive(t, stats.ProbePeaks[metrics.StageScan])
	assert.LessOrEqual(t, stats.PoolSizes[metrics.StageScan], 2)
}

func TestRunSizesScanPoolToWork(t *testing.T) {
	cfg := testConfig(closedPort(t))
	cfg.Concurrency.Scan = 50
	r, err := New(cfg, WithLogger(logging.Discard()), strategies(fakeStrategy{}), catalogue(&openCheck{}))
	require.NoError(t, err)

	_, err = r.Run(context.Background(), []string{"127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Stats().PoolSizes[metrics.StageScan])

	_, err = r.Run(context.Background(), []string{"127.0.0.1-3"})
	require.NoError(t, err)
	assert.Equal(t, 3, r.Stats().PoolSizes[metrics.StageScan])

	assert.Equal(t, cfg.StageSize(cfg.Concurrency.Scan), r.poolSizes(1000)[metrics.StageScan])
	assert.Equal(t, 1, r.poolSizes(0)[metrics.StageScan])
}

func TestRunLogsEachHostStage(t *testing.T) {
	open := sshListener(t)
	var buf bytes.Buffer
	logger := logging.NewWithWriter(logging.Config{Level: logging.LevelInfo, Format: logging.FormatJSON}, &buf)

	r, err := New(testConfig(open), WithLogger(logger), strategies(fakeStrategy{}), catalogue(&openCheck{}))
	require.NoError(t, err)
	_, err = r.Run(context.Background(), []string{"127.0.0.1"})
	require.NoError(t, err)

	var stages []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		if entry["msg"] != "Host stage started" {
			continue
		}
		assert.Equal(t, "127.0.0.1", entry["target"])
		assert.Equal(t, "pipeline", entry["component"])
		stages = append(stages, entry["stage"].(string))
	}
	assert.Equal(t, []string{"discovery", "scan", "identify", "checks"}, stages)
}

func TestRunFlagsLegacyTLSServer(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Server", "nginx/1.0.15")
	}))
	srv.TLS = &tls.Config{MinVersion: tls.VersionTLS10, MaxVersion: tls.VersionTLS10}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := testConfig(port)
	cfg.Checks.Selection = []string{"weak-tls-version"}
	r, err := New(cfg, WithLogger(logging.Discard()), strategies(fakeStrategy{}))
	require.NoError(t, err)

	a, err := r.Run(context.Background(), []string{"127.0.0.1"})
	require.NoError(t, err)
	require.Len(t, a.Hosts, 1)
	require.Len(t, a.Hosts[0].Ports, 1)
	svc := a.Hosts[0].Ports[0].Service
	assert.True(t, svc.TLS)
	assert.Equal(t, "https", svc.Name)

	require.Len(t, a.Findings, 1)
	assert.Equal(t, "weak-tls-version", a.Findings[0].CheckID)
	assert.Equal(t, session.SeverityMedium, a.Findings[0].Severity)
	assert.Contains(t, a.Findings[0].Evidence, "TLS 1.0")
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(22)
	cfg.Checks.Selection = []string{"no-such-check"}
	_, err := New(cfg, WithLogger(logging.Discard()))
	require.Error(t, err)
	assert.Equal(t, errors.CodeConfiguration, errors.GetCode(err))

	cfg = testConfig(22)
	cfg.Scanning.ExcludePorts = "22"
	_, err = New(cfg, WithLogger(logging.Discard()))
	require.Error(t, err)
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage("")
	require.NoError(t, err)
	assert.Equal(t, StageChecks, s)

	s, err = ParseStage("scan")
	require.NoError(t, err)
	assert.Equal(t, StageScan, s)

	_, err = ParseStage("report")
	assert.Error(t, err)

	assert.True(t, StageChecks.reaches(StageScan))
	assert.False(t, StageDiscovery.reaches(StageScan))
}

func TestHostTracker(t *testing.T) {
	tr := newHostTracker(2)
	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")

	tr.begin(a, "discovery")
	tr.begin(b, "discovery")
	tr.advance(b, "scan")
	assert.Equal(t, 2, tr.Active())
	assert.Equal(t, 0, tr.Available())
	assert.Equal(t, map[string]int{"discovery": 1, "scan": 1}, tr.Stages())
	assert.Equal(t, []netip.Addr{a, b}, tr.Stalled(time.Minute, time.Now().Add(time.Hour)))

	tr.end(a)
	tr.end(b)
	assert.Zero(t, tr.Active())
	assert.Equal(t, 2, tr.Peak())
}
