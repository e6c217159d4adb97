// Package checks holds the vulnerability rule catalogue and the engine that
// runs it against identified ports.
package checks

//go:generate mockgen -destination=mocks/mock_check.go -package=mocks github.com/anstrom/netsentry/internal/checks Check

import (
	"context"
	"crypto/x509"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/anstrom/netsentry/internal/probe"
	"github.com/anstrom/netsentry/internal/session"
)

// Check families.
const (
	FamilyInsecureProtocol   = "insecure-protocol"
	FamilyTLS                = "tls"
	FamilyHTTPHeaders        = "http-headers"
	FamilyDefaultCredentials = "default-credentials"
	FamilyExposure           = "exposure"
)

// Families lists every family in catalogue order.
func Families() []string {
	return []string{FamilyInsecureProtocol, FamilyTLS, FamilyHTTPHeaders, FamilyDefaultCredentials, FamilyExposure}
}

// Check is one vulnerability rule.
type Check interface {
	ID() string
	Family() string
	Applies(t Target) bool
	Evaluate(ctx context.Context, t Target) ([]session.Finding, error)
}

// Target is an identified port and the host it belongs to.
type Target struct {
	Host session.HostResult
	Port session.PortResult
}

// Address returns the target's IP.
func (t Target) Address() netip.Addr {
	return t.Port.Host
}

// Name returns the hostname used for SNI and certificate checks, falling
// back to the IP.
func (t Target) Name() string {
	if t.Host.Hostname != "" {
		return t.Host.Hostname
	}
	return t.Port.Host.String()
}

// HostPort formats the target for dialing.
func (t Target) HostPort() string {
	return probe.HostPort(t.Port.Host, int(t.Port.Port))
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s", t.HostPort(), t.Port.Protocol)
}

func (t Target) open() bool {
	return t.Port.State == session.PortOpen
}

// Credential is one username and password pair.
type Credential struct {
	Username string
	Password string
}

// Env carries the settings and shared state network-touching checks need.
// One Env serves one session.
type Env struct {
	Gate            *probe.Gate
	Timeout         time.Duration
	SSLVerify       bool
	Credentials     []Credential
	SNMPCommunities []string
	MaxAttempts     int
	// Roots verifies certificate chains; nil uses the system pool.
	Roots *x509.CertPool
	Now   func() time.Time

	certs     memo[*certInfo]
	responses memo[*httpInfo]
	attempts  attemptBudget
}

const (
	defaultCheckTimeout = 10 * time.Second
	defaultMaxAttempts  = 5
)

func (e *Env) withDefaults() *Env {
	if e.Gate == nil {
		e.Gate = probe.Unlimited()
	}
	if e.Timeout <= 0 {
		e.Timeout = defaultCheckTimeout
	}
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = defaultMaxAttempts
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	return e
}

// memo caches one successful result per key. Concurrent callers for the same
// key share a single computation; failed computations are not cached.
type memo[T any] struct {
	mu      sync.Mutex
	entries map[string]*memoEntry[T]
}

type memoEntry[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func (m *memo[T]) get(key string, fn func() (T, error)) (T, error) {
	m.mu.Lock()
	if m.entries == nil {
		m.entries = make(map[string]*memoEntry[T])
	}
	if e, ok := m.entries[key]; ok {
		select {
		case <-e.done:
			if e.err == nil {
				m.mu.Unlock()
				return e.val, nil
			}
		default:
			m.mu.Unlock()
			<-e.done
			return e.val, e.err
		}
	}

	e := &memoEntry[T]{done: make(chan struct{})}
	m.entries[key] = e
	m.mu.Unlock()

	e.val, e.err = fn()
	close(e.done)
	return e.val, e.err
}

// base implements ID and Family for the catalogue.
type base struct {
	id     string
	family string
}

func (b base) ID() string     { return b.id }
func (b base) Family() string { return b.family }

// finding fills the fields every finding shares.
func (b base) finding(t Target, sev session.Severity, title, description, evidence, remediation string) session.Finding {
	return session.Finding{
		CheckID:     b.id,
		Title:       title,
		Description: description,
		Category:    b.family,
		Severity:    sev,
		Host:        t.Port.Host,
		Port:        t.Port.Port,
		Protocol:    t.Port.Protocol,
		Evidence:    evidence,
		Remediation: remediation,
	}
}
