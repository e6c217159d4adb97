package session

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Protocol is a transport protocol.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// PortState is the classification of a single port.
type PortState string

const (
	PortPending        PortState = "pending"
	PortProbing        PortState = "probing"
	PortOpen           PortState = "open"
	PortClosed         PortState = "closed"
	PortFiltered       PortState = "filtered"
	PortOpenOrFiltered PortState = "open|filtered"
	PortError          PortState = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s PortState) Terminal() bool {
	switch s {
	case PortOpen, PortClosed, PortFiltered, PortOpenOrFiltered, PortError:
		return true
	}
	return false
}

// CanTransition reports whether s may move to next.
// Pending -> Probing -> terminal; Pending may also jump straight to a
// terminal state when a probe is skipped.
func (s PortState) CanTransition(next PortState) bool {
	switch s {
	case PortPending:
		return next == PortProbing || next.Terminal()
	case PortProbing:
		return next.Terminal()
	}
	return false
}

// HostStatus is the liveness verdict for a host.
type HostStatus string

const (
	HostUp          HostStatus = "up"
	HostDown        HostStatus = "down"
	HostUnreachable HostStatus = "unreachable"
)

// Severity ranks findings from informational to critical.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"info", "low", "medium", "high", "critical"}

// Severities lists every severity from lowest to highest.
func Severities() []Severity {
	return []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
}

func (s Severity) String() string {
	if s < SeverityInfo || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// BaseScore is the CVSS v3 score used when a check does not supply one.
func (s Severity) BaseScore() float64 {
	switch s {
	case SeverityCritical:
		return 9.5
	case SeverityHigh:
		return 7.5
	case SeverityMedium:
		return 5.3
	case SeverityLow:
		return 3.1
	default:
		return 0
	}
}

// ParseSeverity converts a name such as "high" into a Severity.
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if strings.EqualFold(n, name) {
			return Severity(i), nil
		}
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// HostResult is the discovery verdict for one address.
type HostResult struct {
	Address    netip.Addr `json:"address" yaml:"address"`
	Hostname   string     `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	Live       bool       `json:"live" yaml:"live"`
	Method     string     `json:"method,omitempty" yaml:"method,omitempty"`
	Status     HostStatus `json:"status" yaml:"status"`
	Forced     bool       `json:"forced,omitempty" yaml:"forced,omitempty"`
	Reason     string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	RecordedAt time.Time  `json:"recorded_at" yaml:"recorded_at"`
}

// Service is what the identifier learned about an open port.
type Service struct {
	Name       string  `json:"name,omitempty" yaml:"name,omitempty"`
	Product    string  `json:"product,omitempty" yaml:"product,omitempty"`
	Version    string  `json:"version,omitempty" yaml:"version,omitempty"`
	Banner     string  `json:"banner,omitempty" yaml:"banner,omitempty"`
	TLS        bool    `json:"tls,omitempty" yaml:"tls,omitempty"`
	Confidence float64 `json:"confidence,omitempty" yaml:"confidence,omitempty"`
}

// PortResult is the state of one (host, port, protocol).
type PortResult struct {
	Host     netip.Addr `json:"host" yaml:"host"`
	Port     uint16     `json:"port" yaml:"port"`
	Protocol Protocol   `json:"protocol" yaml:"protocol"`
	State    PortState  `json:"state" yaml:"state"`
	Reason   string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	Attempts int        `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Service  Service    `json:"service" yaml:"service"`

	// Response holds the first application payload seen by the scanner,
	// used to identify UDP services without a second probe.
	Response []byte `json:"-" yaml:"-"`
}

// Finding is a single weakness detected by a check.
type Finding struct {
	CheckID     string     `json:"check_id" yaml:"check_id"`
	Title       string     `json:"title" yaml:"title"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string     `json:"category,omitempty" yaml:"category,omitempty"`
	Severity    Severity   `json:"severity" yaml:"severity"`
	CVSS        float64    `json:"cvss,omitempty" yaml:"cvss,omitempty"`
	Host        netip.Addr `json:"host" yaml:"host"`
	Port        uint16     `json:"port,omitempty" yaml:"port,omitempty"`
	Protocol    Protocol   `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Evidence    string     `json:"evidence,omitempty" yaml:"evidence,omitempty"`
	Remediation string     `json:"remediation,omitempty" yaml:"remediation,omitempty"`
	Timestamp   time.Time  `json:"timestamp" yaml:"timestamp"`
}

// FindingKey identifies a finding within a session.
type FindingKey struct {
	Host    netip.Addr
	Port    uint16
	CheckID string
}

// Key returns the identity used for de-duplication.
func (f Finding) Key() FindingKey {
	return FindingKey{Host: f.Host, Port: f.Port, CheckID: f.CheckID}
}

// SkippedTarget is an input that produced no scannable address.
type SkippedTarget struct {
	Input  string `json:"input" yaml:"input"`
	Reason string `json:"reason" yaml:"reason"`
}
