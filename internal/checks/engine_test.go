package checks_test

import (
	"context"
	stderrors "errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/netsentry/internal/checks"
	"github.com/anstrom/netsentry/internal/checks/mocks"
	"github.com/anstrom/netsentry/internal/errors"
	"github.com/anstrom/netsentry/internal/logging"
	"github.com/anstrom/netsentry/internal/session"
	"github.com/anstrom/netsentry/internal/workers"
)

func target() checks.Target {
	addr := netip.MustParseAddr("10.0.0.5")
	return checks.Target{
		Host: session.HostResult{Address: addr, Live: true},
		Port: session.PortResult{Host: addr, Port: 8080, Protocol: session.TCP, State: session.PortOpen},
	}
}

func mockCheck(ctrl *gomock.Controller, id string) *mocks.MockCheck {
	m := mocks.NewMockCheck(ctrl)
	m.EXPECT().ID().Return(id).AnyTimes()
	m.EXPECT().Family().Return("test").AnyTimes()
	return m
}

func TestEngineRecoversPanics(t *testing.T) {
	ctrl := gomock.NewController(t)

	boom := mockCheck(ctrl, "boom")
	boom.EXPECT().Applies(gomock.Any()).Return(true)
	boom.EXPECT().Evaluate(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, checks.Target) ([]session.Finding, error) {
			panic("nil map")
		})

	fine := mockCheck(ctrl, "fine")
	fine.EXPECT().Applies(gomock.Any()).Return(true)
	fine.EXPECT().Evaluate(gomock.Any(), gomock.Any()).Return([]session.Finding{{CheckID: "fine", Severity: session.SeverityLow}}, nil)

	engine := checks.NewEngine([]checks.Check{boom, fine}, checks.WithLogger(logging.Discard()))
	var (
		findings []session.Finding
		errs     []error
	)
	for _, c := range engine.Applicable(target()) {
		got, err := engine.Evaluate(context.Background(), c, target())
		findings = append(findings, got...)
		if err != nil {
			errs = append(errs, err)
		}
	}

	require.Len(t, findings, 1)
	assert.Equal(t, "fine", findings[0].CheckID)
	require.Len(t, errs, 1)

	var checkErr *errors.CheckExecutionError
	require.True(t, stderrors.As(errs[0], &checkErr))
	assert.Equal(t, "boom", checkErr.CheckID)
	assert.Equal(t, "nil map", checkErr.Panic)
}

func TestEngineWrapsErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	cause := stderrors.New("connection reset")

	c := mockCheck(ctrl, "flaky")
	c.EXPECT().Applies(gomock.Any()).Return(true)
	c.EXPECT().Evaluate(gomock.Any(), gomock.Any()).Return(nil, cause)

	engine := checks.NewEngine([]checks.Check{c}, checks.WithLogger(logging.Discard()))
	require.Len(t, engine.Applicable(target()), 1)
	_, err := engine.Evaluate(context.Background(), c, target())

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, errors.CodeCheckFailed, errors.GetCode(err))
}

func TestEngineSkipsInapplicable(t *testing.T) {
	ctrl := gomock.NewController(t)

	c := mockCheck(ctrl, "never")
	c.EXPECT().Applies(gomock.Any()).Return(false)

	bad := mockCheck(ctrl, "bad-applies")
	bad.EXPECT().Applies(gomock.Any()).DoAndReturn(func(checks.Target) bool { panic("oops") })

	engine := checks.NewEngine([]checks.Check{c, bad}, checks.WithLogger(logging.Discard()))
	assert.Empty(t, engine.Applicable(target()))
}

func TestEngineSchedule(t *testing.T) {
	ctrl := gomock.NewController(t)

	var list []checks.Check
	for _, id := range []string{"a", "b", "c"} {
		c := mockCheck(ctrl, id)
		c.EXPECT().Applies(gomock.Any()).Return(true)
		c.EXPECT().Evaluate(gomock.Any(), gomock.Any()).Return([]session.Finding{{CheckID: id}}, nil)
		list = append(list, c)
	}

	pool := workers.New(workers.Config{Name: "checks", Size: 2}, workers.WithLogger(logging.Discard()))
	pool.Start(context.Background())
	t.Cleanup(func() { _ = pool.Shutdown() })

	var (
		mu  sync.Mutex
		got []string
	)
	engine := checks.NewEngine(list, checks.WithLogger(logging.Discard()))
	g := pool.NewGroup()
	require.NoError(t, engine.Schedule(context.Background(), g, target(), func(f session.Finding) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, f.CheckID)
	}))
	g.Wait()

	assert.ElementsMatch(t, []string{"a", "b", "c"}, got)
	assert.Empty(t, g.Errors())
}

func TestSelect(t *testing.T) {
	all := checks.Default(&checks.Env{})

	tlsOnly, err := checks.Select(all, []string{"tls"})
	require.NoError(t, err)
	require.NotEmpty(t, tlsOnly)
	for _, c := range tlsOnly {
		assert.Equal(t, checks.FamilyTLS, c.Family())
	}

	mixed, err := checks.Select(all, []string{"insecure-protocol-telnet", "exposure"})
	require.NoError(t, err)
	assert.Equal(t, "insecure-protocol-telnet", mixed[0].ID())
	for _, c := range mixed[1:] {
		assert.Equal(t, checks.FamilyExposure, c.Family())
	}

	everything, err := checks.Select(all, nil)
	require.NoError(t, err)
	assert.Len(t, everything, len(all))

	_, err = checks.Select(all, []string{"tls", "heartbleed"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeConfiguration, errors.GetCode(err))
}

func TestDefaultCatalogue(t *testing.T) {
	all := checks.Default(&checks.Env{})

	seen := make(map[string]bool)
	families := make(map[string]bool)
	for _, c := range all {
		assert.False(t, seen[c.ID()], "duplicate check id %s", c.ID())
		seen[c.ID()] = true
		families[c.Family()] = true
	}
	for _, f := range checks.Families() {
		assert.True(t, families[f], "family %s has no checks", f)
	}

	for _, id := range []string{
		"insecure-protocol-telnet", "insecure-protocol-tftp",
		"weak-tls-version", "weak-tls-cipher", "tls-cert-expired", "tls-cert-weak-key",
		"tls-cert-hostname-mismatch", "tls-cert-untrusted", "tls-verification-disabled",
		"missing-header-strict-transport-security", "missing-header-content-security-policy",
		"server-version-disclosure",
		"default-credentials-ssh", "default-credentials-ftp", "default-credentials-http-basic", "default-credentials-snmp",
		"exposed-service-mysql", "exposed-service-docker",
	} {
		assert.True(t, seen[id], "missing %s", id)
	}
}
