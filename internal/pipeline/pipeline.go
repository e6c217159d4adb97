// Package pipeline runs an assessment: it resolves targets and drives each
// host through discovery, port scanning, service identification and
// vulnerability checks, collecting everything into one session.
package pipeline

import (
	"context"
	"crypto/x509"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anstrom/netsentry/internal/checks"
	"github.com/anstrom/netsentry/internal/config"
	"github.com/anstrom/netsentry/internal/discovery"
	"github.com/anstrom/netsentry/internal/errors"
	"github.com/anstrom/netsentry/internal/fingerprint"
	"github.com/anstrom/netsentry/internal/logging"
	"github.com/anstrom/netsentry/internal/metrics"
	"github.com/anstrom/netsentry/internal/nmaprun"
	"github.com/anstrom/netsentry/internal/probe"
	"github.com/anstrom/netsentry/internal/scanning"
	"github.com/anstrom/netsentry/internal/session"
	"github.com/anstrom/netsentry/internal/targets"
	"github.com/anstrom/netsentry/internal/workers"
)

// Stage names the last stage a run executes.
type Stage string

const (
	StageDiscovery Stage = "discovery"
	StageScan      Stage = "scan"
	StageIdentify  Stage = "identify"
	StageChecks    Stage = "checks"
)

// ParseStage validates a stage name.
func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case StageDiscovery, StageScan, StageIdentify, StageChecks:
		return Stage(s), nil
	case "":
		return StageChecks, nil
	}
	return "", errors.NewConfigFieldError(errors.CodeConfiguration, "unknown stage", "stop_after", s)
}

func (s Stage) reaches(stage Stage) bool {
	order := map[Stage]int{StageDiscovery: 0, StageScan: 1, StageIdentify: 2, StageChecks: 3}
	return order[s] >= order[stage]
}

const progressInterval = 10 * time.Second

// Options is the non-secret part of the configuration recorded in each
// assessment.
type Options struct {
	PortRange        string   `json:"port_range" yaml:"port_range"`
	ExcludePorts     string   `json:"exclude_ports,omitempty" yaml:"exclude_ports,omitempty"`
	Technique        string   `json:"scan_technique" yaml:"scan_technique"`
	DiscoveryMethods []string `json:"discovery_methods" yaml:"discovery_methods"`
	ForceScan        bool     `json:"force_scan" yaml:"force_scan"`
	CheckSelection   []string `json:"check_selection,omitempty" yaml:"check_selection,omitempty"`
	SSLVerify        bool     `json:"ssl_verify" yaml:"ssl_verify"`
	RateLimit        int      `json:"rate_limit" yaml:"rate_limit"`
	StopAfter        Stage    `json:"stop_after" yaml:"stop_after"`
}

// Stats describes the concurrency observed during the last run.
type Stats struct {
	HostsPeak     int            `json:"hosts_peak"`
	PoolPeaks     map[string]int `json:"pool_peaks"`
	PoolSizes     map[string]int `json:"pool_sizes"`
	ProbePeaks    map[string]int `json:"probe_peaks"`
	ProbesIssued  int64          `json:"probes_issued"`
	ProbesRefused int64          `json:"probes_refused"`
}

// Runner executes assessments with one configuration. A Runner may be reused
// for consecutive runs.
type Runner struct {
	cfg       *config.Config
	ports     []int
	stopAfter Stage
	resolver  *targets.Resolver
	logger    *logging.Logger
	metrics   *metrics.PrometheusMetrics

	nmap       nmaprun.Runner
	privileged func() bool
	strategies func(gate *probe.Gate) ([]discovery.Strategy, error)
	catalogue  func(env *checks.Env) []checks.Check
	roots      *x509.CertPool

	last Stats
}

// Option customises a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithStopAfter ends each host pipeline after stage.
func WithStopAfter(stage Stage) Option {
	return func(r *Runner) { r.stopAfter = stage }
}

// WithLookup replaces hostname resolution.
func WithLookup(l targets.Lookup) Option {
	return func(r *Runner) { r.resolver = targets.NewResolver(targets.WithLookup(l), targets.WithLogger(r.logger)) }
}

// WithNmapRunner replaces the nmap backend used for SYN scans and
// privileged discovery.
func WithNmapRunner(n nmaprun.Runner) Option {
	return func(r *Runner) { r.nmap = n }
}

// WithPrivileged overrides raw socket detection.
func WithPrivileged(fn func() bool) Option {
	return func(r *Runner) { r.privileged = fn }
}

// WithStrategies replaces the configured discovery strategies.
func WithStrategies(fn func(gate *probe.Gate) ([]discovery.Strategy, error)) Option {
	return func(r *Runner) { r.strategies = fn }
}

// WithChecks replaces the check catalogue. Selection still applies.
func WithChecks(fn func(env *checks.Env) []checks.Check) Option {
	return func(r *Runner) { r.catalogue = fn }
}

// WithRoots sets the trust store used by certificate checks.
func WithRoots(pool *x509.CertPool) Option {
	return func(r *Runner) { r.roots = pool }
}

// New validates cfg and returns a Runner. Configuration problems are
// reported here, before anything touches the network.
func New(cfg *config.Config, opts ...Option) (*Runner, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ports, err := scanning.ParsePorts(cfg.Scanning.PortRange, cfg.Scanning.ExcludePorts)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:       cfg,
		ports:     ports,
		stopAfter: StageChecks,
		logger:    logging.Default(),
		catalogue: checks.Default,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("pipeline")

	if r.resolver == nil {
		ropts := []targets.Option{targets.WithLogger(r.logger)}
		if cfg.Targets.DNSServer != "" {
			ropts = append(ropts, targets.WithLookup(targets.NewDNSLookup(cfg.Targets.DNSServer, cfg.Scanning.TimeoutPerProbe)))
		}
		r.resolver = targets.NewResolver(ropts...)
	}
	if err := r.resolver.SetExcludes(cfg.Targets.ExcludeHosts); err != nil {
		return nil, err
	}

	// Fail on unknown selectors now rather than per run.
	if _, err := checks.Select(r.catalogue(&checks.Env{}), cfg.Checks.Selection); err != nil {
		return nil, err
	}
	return r, nil
}

// Ports returns the ports every live host is scanned on.
func (r *Runner) Ports() []int {
	return r.ports
}

// Stats returns concurrency figures from the most recent run.
func (r *Runner) Stats() Stats {
	return r.last
}

func (r *Runner) options() Options {
	return Options{
		PortRange:        r.cfg.Scanning.PortRange,
		ExcludePorts:     r.cfg.Scanning.ExcludePorts,
		Technique:        r.cfg.Scanning.Technique,
		DiscoveryMethods: r.cfg.Discovery.Methods,
		ForceScan:        r.cfg.Scanning.ForceScan,
		CheckSelection:   r.cfg.Checks.Selection,
		SSLVerify:        r.cfg.Checks.SSLVerify,
		RateLimit:        r.cfg.EffectiveRate(),
		StopAfter:        r.stopAfter,
	}
}

// run holds the per-run state shared by host pipelines.
type run struct {
	*Runner
	sess     *session.Session
	gate     *probe.Gate
	stages   map[string]*probe.Gate
	logger   *logging.Logger
	tracker  *hostTracker
	pools    map[string]*workers.Pool
	discover *discovery.Engine
	scanner  *scanning.Scanner
	identify *fingerprint.Identifier
	checks   *checks.Engine
}

// Run assesses inputs. Cancelling ctx stops admission at once; in-flight
// probes get the grace period before their context is cancelled too. The
// returned assessment is sealed Completed, Cancelled or Failed. Only a
// resolution failure returns an error.
func (r *Runner) Run(ctx context.Context, inputs []string) (*session.Assessment, error) {
	start := time.Now()
	sess := session.New(inputs, r.options())
	if err := sess.Start(); err != nil {
		return nil, err
	}
	logger := r.logger.WithSession(sess.ID())
	logger.InfoStage("Assessment started", "resolve", fmt.Sprint(inputs))

	res, err := r.resolver.Resolve(ctx, inputs)
	if err != nil {
		logger.WithError(err).Error("Target resolution failed")
		a, sealErr := sess.Seal(session.StateFailed)
		if sealErr != nil {
			return nil, sealErr
		}
		r.finish(a, logger, time.Since(start))
		return a, err
	}
	for _, s := range res.Skipped {
		_ = sess.AddSkipped(s.Input, s.Reason)
	}

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stopGrace := context.AfterFunc(ctx, func() {
		logger.Warn("Assessment cancelled, stopping admission", "grace_period", r.cfg.GracePeriod)
		timer := time.AfterFunc(r.cfg.GracePeriod, cancelWork)
		context.AfterFunc(workCtx, func() { timer.Stop() })
	})
	defer stopGrace()

	rn, err := r.prepare(workCtx, ctx, sess, logger, len(res.Addresses))
	if err != nil {
		a, sealErr := sess.Seal(session.StateFailed)
		if sealErr != nil {
			return nil, sealErr
		}
		r.finish(a, logger, time.Since(start))
		return a, err
	}

	done := make(chan struct{})
	go rn.reportProgress(done)

	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency.MaxHostsInFlight)
	for i, addr := range res.Addresses {
		addr := addr
		if ctx.Err() != nil {
			for _, rest := range res.Addresses[i:] {
				rn.cancelHost(rest)
			}
			break
		}
		g.Go(func() error {
			rn.host(ctx, addr)
			return nil
		})
	}
	_ = g.Wait()
	close(done)
	rn.shutdown()

	state := session.StateCompleted
	if ctx.Err() != nil {
		state = session.StateCancelled
	}
	a, err := sess.Seal(state)
	if err != nil {
		return nil, err
	}
	r.finish(a, logger, time.Since(start))
	return a, nil
}

// poolSizes returns the worker count per stage. No stage exceeds the global
// bound and the scan pool never outnumbers the probes it has to send.
func (r *Runner) poolSizes(hosts int) map[string]int {
	cfg := r.cfg
	scan := cfg.StageSize(cfg.Concurrency.Scan)
	if jobs := hosts * len(r.ports); jobs < scan {
		scan = max(jobs, 1)
	}
	return map[string]int{
		metrics.StageDiscovery: cfg.StageSize(cfg.Concurrency.Discovery),
		metrics.StageScan:      scan,
		metrics.StageIdentify:  cfg.StageSize(cfg.Concurrency.Identify),
		metrics.StageCheck:     cfg.StageSize(cfg.Concurrency.Checks),
	}
}

// prepare builds the stage components for one run. admit is the caller's
// context; work outlives it by the grace period.
func (r *Runner) prepare(work, admit context.Context, sess *session.Session, logger *logging.Logger, hosts int) (*run, error) {
	cfg := r.cfg
	gate := probe.NewGate(admit, cfg.EffectiveRate(), cfg.RateLimit.BurstSize)
	sizes := r.poolSizes(hosts)
	stages := make(map[string]*probe.Gate, len(sizes))
	for name, size := range sizes {
		stages[name] = gate.Stage(size)
	}
	warn := func(msg string) {
		logger.Warn(msg)
		_ = sess.AddWarning(msg)
	}

	rn := &run{
		Runner:  r,
		sess:    sess,
		gate:    gate,
		stages:  stages,
		logger:  logger,
		tracker: newHostTracker(cfg.Concurrency.MaxHostsInFlight),
		pools:   make(map[string]*workers.Pool),
	}

	var strategies []discovery.Strategy
	var err error
	if r.strategies != nil {
		strategies, err = r.strategies(stages[metrics.StageDiscovery])
	} else {
		strategies, err = discovery.Strategies(cfg.Discovery.Methods, discovery.Settings{
			Gate:       stages[metrics.StageDiscovery],
			Timeout:    cfg.Scanning.TimeoutPerProbe,
			TCPPorts:   cfg.Discovery.TCPPorts,
			Runner:     r.nmap,
			Privileged: r.privileged,
		})
	}
	if err != nil {
		return nil, err
	}
	rn.discover = discovery.NewEngine(strategies, gate,
		discovery.WithLogger(logger), discovery.WithMetrics(r.metrics), discovery.WithWarningSink(warn))
	rn.discover.SetTimeout(cfg.Discovery.HostTimeout)
	rn.discover.SetRetry(probe.RetryPolicy{Retries: cfg.Discovery.Retries, Delay: cfg.Scanning.Retry.RetryDelay})

	rn.scanner = scanning.New(scanning.Options{
		Technique:  scanning.Technique(cfg.Scanning.Technique),
		Timeout:    cfg.Scanning.TimeoutPerProbe,
		Retry:      probe.RetryPolicy{Retries: cfg.Scanning.Retry.MaxRetries, Delay: cfg.Scanning.Retry.RetryDelay},
		Runner:     r.nmap,
		Privileged: r.privileged,
		Logger:     logger,
		Metrics:    r.metrics,
	}, stages[metrics.StageScan])
	if fb := rn.scanner.Fallback(); fb != nil {
		warn(fb.Error())
	}

	rn.identify = fingerprint.New(stages[metrics.StageIdentify], cfg.Scanning.TimeoutPerProbe,
		fingerprint.WithLogger(logger), fingerprint.WithMetrics(r.metrics))

	env := &checks.Env{
		Gate:            stages[metrics.StageCheck],
		Timeout:         cfg.Checks.Timeout,
		SSLVerify:       cfg.Checks.SSLVerify,
		SNMPCommunities: cfg.Checks.SNMPCommunities,
		MaxAttempts:     cfg.Checks.MaxCredentialAttempts,
		Roots:           r.roots,
	}
	for _, c := range cfg.Checks.Credentials {
		env.Credentials = append(env.Credentials, checks.Credential{Username: c.Username, Password: c.Password})
	}
	selected, err := checks.Select(r.catalogue(env), cfg.Checks.Selection)
	if err != nil {
		return nil, err
	}
	rn.checks = checks.NewEngine(selected, checks.WithLogger(logger), checks.WithMetrics(r.metrics))

	for name, size := range sizes {
		pcfg := workers.Config{Name: name, Size: size, ShutdownTimeout: cfg.GracePeriod + time.Second}
		if name == metrics.StageCheck {
			pcfg.MaxRetries = cfg.Scanning.Retry.MaxRetries
			pcfg.RetryDelay = cfg.Scanning.Retry.RetryDelay
		}
		p := workers.New(pcfg, workers.WithLogger(logger), workers.WithMetrics(r.metrics))
		p.Start(work)
		rn.pools[name] = p
	}
	return rn, nil
}

func (rn *run) shutdown() {
	stats := Stats{
		HostsPeak:  rn.tracker.Peak(),
		PoolPeaks:  make(map[string]int, len(rn.pools)),
		PoolSizes:  make(map[string]int, len(rn.pools)),
		ProbePeaks: make(map[string]int, len(rn.stages)),
	}
	for name, g := range rn.stages {
		stats.ProbePeaks[name] = g.PeakHeld()
	}
	for name, p := range rn.pools {
		if err := p.Shutdown(); err != nil {
			rn.logger.WithError(err).Warn("Worker pool did not drain", "pool", name)
		}
		stats.PoolPeaks[name] = p.PeakInFlight()
		stats.PoolSizes[name] = p.Size()
	}
	stats.ProbesIssued = rn.gate.Issued()
	stats.ProbesRefused = rn.gate.Refused()
	rn.last = stats
}

func (r *Runner) finish(a *session.Assessment, logger *logging.Logger, d time.Duration) {
	logger.InfoStage("Assessment finished", "seal", fmt.Sprint(a.Targets),
		"state", a.State, "hosts", a.Summary.Hosts, "live_hosts", a.Summary.LiveHosts,
		"open_ports", a.Summary.OpenPorts, "findings", a.Summary.Findings, "duration", d)

	if r.metrics == nil {
		return
	}
	r.metrics.RecordSession(string(a.State), d)
	if r.cfg.Metrics.Enabled && r.cfg.Metrics.Textfile != "" {
		if err := r.metrics.WriteTextfile(r.cfg.Metrics.Textfile); err != nil {
			logger.WithError(err).Error("Failed to write metrics textfile", "path", r.cfg.Metrics.Textfile)
		}
	}
}

func (rn *run) reportProgress(done <-chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			rn.logger.Info("Assessment progress",
				"active_hosts", rn.tracker.Active(),
				"free_slots", rn.tracker.Available(),
				"stages", rn.tracker.Stages(),
				"probes_issued", rn.gate.Issued())
			if stalled := rn.tracker.Stalled(rn.stallThreshold(), now); len(stalled) > 0 {
				rn.logger.Debug("Hosts slow to progress", "hosts", stalled)
			}
		}
	}
}

// stallThreshold is how long a host may sit in one stage before it is
// reported as slow.
func (rn *run) stallThreshold() time.Duration {
	return rn.cfg.Discovery.HostTimeout + 2*rn.cfg.Scanning.TimeoutPerProbe*time.Duration(rn.cfg.Scanning.Retry.MaxRetries+1)
}

// host runs one address through the stages. admit gates new work; jobs run
// under the pools' work context.
func (rn *run) host(admit context.Context, addr targets.Address) {
	if admit.Err() != nil {
		rn.cancelHost(addr)
		return
	}
	ip := addr.IP
	rn.tracker.begin(ip, string(StageDiscovery))
	rn.logger.InfoStage("Host stage started", string(StageDiscovery), ip.String())
	defer rn.tracker.end(ip)

	hr, ok := rn.discoverHost(admit, addr)
	if !ok || !rn.stopAfter.reaches(StageScan) {
		return
	}
	if !hr.Live && !hr.Forced {
		return
	}

	rn.advance(ip, StageScan)
	rn.scanHost(admit, ip)
	if !rn.stopAfter.reaches(StageIdentify) {
		return
	}
	if h, _ := rn.sess.Host(ip); h.Status == session.HostUnreachable && !h.Forced {
		return
	}

	rn.advance(ip, StageIdentify)
	rn.identifyHost(admit, ip, addr.Hostname)
	if !rn.stopAfter.reaches(StageChecks) {
		return
	}

	rn.advance(ip, StageChecks)
	rn.checkHost(admit, ip)
}

func (rn *run) advance(ip netip.Addr, stage Stage) {
	rn.tracker.advance(ip, string(stage))
	rn.logger.InfoStage("Host stage started", string(stage), ip.String())
}

// cancelHost records an address that was never admitted to discovery.
func (rn *run) cancelHost(addr targets.Address) {
	rn.recordHost(session.HostResult{
		Address:  addr.IP,
		Hostname: addr.Hostname,
		Status:   session.HostDown,
		Reason:   "cancelled",
	})
}

func (rn *run) recordHost(hr session.HostResult) bool {
	if _, err := rn.sess.RecordHost(hr); err != nil {
		rn.logger.Debug("Host not recorded", "target", hr.Address.String(), "error", err)
		return false
	}
	if rn.metrics != nil {
		rn.metrics.IncrementHosts(string(hr.Status))
	}
	return true
}

func (rn *run) discoverHost(admit context.Context, addr targets.Address) (session.HostResult, bool) {
	var hr session.HostResult
	g := rn.pools[metrics.StageDiscovery].NewGroup()
	if err := g.Go(admit, "discover-"+addr.IP.String(), "discovery", func(ctx context.Context) error {
		hr = rn.discover.Discover(ctx, addr)
		return nil
	}); err != nil {
		rn.cancelHost(addr)
		return hr, false
	}
	g.Wait()

	if !hr.Live && rn.cfg.Scanning.ForceScan && hr.Reason != "cancelled" {
		hr.Forced = true
	}
	if !rn.recordHost(hr) {
		return hr, false
	}
	if hr.Forced {
		rn.logger.WarnTarget("Host did not respond, scanning anyway", addr.String(), "reason", hr.Reason)
	}
	return hr, true
}

// sessionSink feeds scanner progress into the session.
type sessionSink struct {
	sess   *session.Session
	logger *logging.Logger
}

func (s sessionSink) PortScanned(p session.PortResult) {
	if err := s.sess.CompletePort(p); err != nil {
		s.logger.Debug("Port update rejected", "target", probe.HostPort(p.Host, int(p.Port)), "state", p.State, "error", err)
	}
}

func (s sessionSink) HostUnreachable(addr netip.Addr, err error) {
	s.logger.WithError(err).WarnTarget("Host unreachable during scan", addr.String())
	if mErr := s.sess.MarkUnreachable(addr, err.Error()); mErr != nil {
		s.logger.Debug("Host update rejected", "target", addr.String(), "error", mErr)
	}
}

func (rn *run) scanHost(admit context.Context, ip netip.Addr) {
	g := rn.pools[metrics.StageScan].NewGroup()
	if err := rn.scanner.ScanHost(admit, g, ip, rn.ports, sessionSink{sess: rn.sess, logger: rn.logger}); err != nil {
		rn.logger.Debug("Scan admission stopped", "target", ip.String(), "error", err)
	}
	g.Wait()
}

func (rn *run) identifyHost(admit context.Context, ip netip.Addr, hostname string) {
	g := rn.pools[metrics.StageIdentify].NewGroup()
	for _, p := range rn.sess.Ports(ip) {
		p := p
		if p.State != session.PortOpen {
			continue
		}
		id := fmt.Sprintf("identify-%s/%s", probe.HostPort(ip, int(p.Port)), p.Protocol)
		if err := g.Go(admit, id, "identify", func(ctx context.Context) error {
			svc, err := rn.identify.Identify(ctx, p, hostname)
			if err != nil {
				rn.logger.Debug("Service identification failed", "target", probe.HostPort(ip, int(p.Port)), "error", err)
				return nil
			}
			if svc.Name == "" && !svc.TLS {
				return nil
			}
			return rn.sess.EnrichPort(ip, p.Port, p.Protocol, svc)
		}); err != nil {
			break
		}
	}
	g.Wait()
}

func (rn *run) checkHost(admit context.Context, ip netip.Addr) {
	host, ok := rn.sess.Host(ip)
	if !ok {
		return
	}
	emit := func(f session.Finding) {
		added, err := rn.sess.MergeFinding(f)
		if err != nil {
			rn.logger.Debug("Finding not merged", "check_id", f.CheckID, "error", err)
			return
		}
		if added && rn.metrics != nil {
			rn.metrics.IncrementFindings(f.Severity.String())
		}
		if added {
			rn.logger.Info("Finding", "check_id", f.CheckID, "target", probe.HostPort(f.Host, int(f.Port)), "severity", f.Severity.String())
		}
	}

	g := rn.pools[metrics.StageCheck].NewGroup()
	for _, p := range rn.sess.Ports(ip) {
		if p.State != session.PortOpen && p.State != session.PortOpenOrFiltered {
			continue
		}
		if err := rn.checks.Schedule(admit, g, checks.Target{Host: host, Port: p}, emit); err != nil {
			break
		}
	}
	g.Wait()
}
