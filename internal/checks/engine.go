package checks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anstrom/netsentry/internal/errors"
	"github.com/anstrom/netsentry/internal/logging"
	"github.com/anstrom/netsentry/internal/metrics"
	"github.com/anstrom/netsentry/internal/session"
	"github.com/anstrom/netsentry/internal/workers"
)

// Default builds the full catalogue bound to env.
func Default(env *Env) []Check {
	env.withDefaults()

	var all []Check
	all = append(all, insecureProtocolChecks()...)
	all = append(all, tlsChecks(env)...)
	all = append(all, headerChecks(env)...)
	all = append(all, credentialChecks(env)...)
	all = append(all, exposureChecks()...)
	return all
}

// Select keeps the checks whose ID or family appears in selection. An empty
// selection keeps everything. Unknown selectors are a configuration error.
func Select(all []Check, selection []string) ([]Check, error) {
	if len(selection) == 0 {
		return all, nil
	}

	wanted := make(map[string]bool, len(selection))
	for _, s := range selection {
		wanted[strings.TrimSpace(s)] = true
	}

	matched := make(map[string]bool)
	var out []Check
	for _, c := range all {
		switch {
		case wanted[c.ID()]:
			matched[c.ID()] = true
		case wanted[c.Family()]:
			matched[c.Family()] = true
		default:
			continue
		}
		out = append(out, c)
	}

	for s := range wanted {
		if !matched[s] {
			return nil, errors.NewConfigFieldError(errors.CodeConfiguration,
				fmt.Sprintf("unknown check or family %q", s), "checks.check_selection", s)
		}
	}
	return out, nil
}

// Engine runs checks against targets.
type Engine struct {
	checks  []Check
	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics counts check executions.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine returns an engine over checks.
func NewEngine(checks []Check, opts ...Option) *Engine {
	e := &Engine{checks: checks, logger: logging.Default()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("checks")
	return e
}

// Checks returns the registered checks.
func (e *Engine) Checks() []Check {
	return e.checks
}

// Applicable returns the checks that apply to t, in catalogue order.
func (e *Engine) Applicable(t Target) []Check {
	var out []Check
	for _, c := range e.checks {
		if e.applies(c, t) {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) applies(c Check, t Target) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorCheck(c.ID(), t.Address().String(), int(t.Port.Port),
				fmt.Errorf("applies panicked: %v", r))
			ok = false
		}
	}()
	return c.Applies(t)
}

// Evaluate runs one check. A panic or error comes back as a
// CheckExecutionError; findings produced before a failure are kept.
func (e *Engine) Evaluate(ctx context.Context, c Check, t Target) (findings []session.Finding, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			checkErr := errors.NewCheckExecutionError(c.ID(), t.Address().String(), int(t.Port.Port), nil)
			checkErr.Panic = r
			err = checkErr
		}

		status := "pass"
		switch {
		case err != nil:
			status = "error"
			e.logger.ErrorCheck(c.ID(), t.Address().String(), int(t.Port.Port), err, "duration", time.Since(start))
		case len(findings) > 0:
			status = "finding"
		}
		if e.metrics != nil {
			e.metrics.IncrementChecks(c.ID(), status)
		}
		e.logger.Debug("Check finished", "check_id", c.ID(), "target", t.String(),
			"status", status, "findings", len(findings), "duration", time.Since(start))
	}()

	findings, err = c.Evaluate(ctx, t)
	if err != nil {
		err = errors.NewCheckExecutionError(c.ID(), t.Address().String(), int(t.Port.Port), err)
	}
	return findings, err
}

// Schedule submits every applicable check for t to g. emit receives each
// finding as it is produced and must be safe for concurrent use. A retried
// check emits its findings again; the session merge keeps one per key.
func (e *Engine) Schedule(ctx context.Context, g *workers.Group, t Target, emit func(session.Finding)) error {
	for _, c := range e.Applicable(t) {
		c := c
		id := c.ID() + "@" + t.String()
		if err := g.Go(ctx, id, "check", func(ctx context.Context) error {
			findings, err := e.Evaluate(ctx, c, t)
			for _, f := range findings {
				emit(f)
			}
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}
