package session

import (
	"time"
)

// Assessment is the read-only result of a sealed session. It shares no
// memory with the Session that produced it.
type Assessment struct {
	ID              string           `json:"id" yaml:"id"`
	Targets         []string         `json:"targets" yaml:"targets"`
	Options         interface{}      `json:"options,omitempty" yaml:"options,omitempty"`
	State           State            `json:"state" yaml:"state"`
	StartedAt       time.Time        `json:"started_at" yaml:"started_at"`
	EndedAt         time.Time        `json:"ended_at" yaml:"ended_at"`
	Duration        time.Duration    `json:"duration" yaml:"duration"`
	Hosts           []HostReport     `json:"hosts" yaml:"hosts"`
	Findings        []Finding        `json:"findings" yaml:"findings"`
	Summary         Summary          `json:"summary" yaml:"summary"`
	Recommendations []Recommendation `json:"recommendations,omitempty" yaml:"recommendations,omitempty"`
	Skipped         []SkippedTarget  `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Warnings        []string         `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// HostReport is a host with its ports.
type HostReport struct {
	HostResult `yaml:",inline"`
	Ports      []PortResult `json:"ports,omitempty" yaml:"ports,omitempty"`
}

// Summary counts the contents of an Assessment.
type Summary struct {
	Hosts              int            `json:"hosts" yaml:"hosts"`
	LiveHosts          int            `json:"live_hosts" yaml:"live_hosts"`
	OpenPorts          int            `json:"open_ports" yaml:"open_ports"`
	Findings           int            `json:"findings" yaml:"findings"`
	FindingsBySeverity map[string]int `json:"findings_by_severity" yaml:"findings_by_severity"`
}

// Recommendation groups findings that share a remediation.
type Recommendation struct {
	Severity    Severity `json:"severity" yaml:"severity"`
	Remediation string   `json:"remediation" yaml:"remediation"`
	CheckIDs    []string `json:"check_ids" yaml:"check_ids"`
	Affected    int      `json:"affected" yaml:"affected"`
}

// buildRecommendations expects findings sorted most severe first and keeps
// that order, so each remediation takes the severity of its worst finding.
func buildRecommendations(findings []Finding) []Recommendation {
	var out []Recommendation
	index := make(map[string]int)
	seenCheck := make(map[string]map[string]bool)

	for _, f := range findings {
		if f.Remediation == "" {
			continue
		}
		i, ok := index[f.Remediation]
		if !ok {
			i = len(out)
			index[f.Remediation] = i
			seenCheck[f.Remediation] = make(map[string]bool)
			out = append(out, Recommendation{Severity: f.Severity, Remediation: f.Remediation})
		}
		out[i].Affected++
		if !seenCheck[f.Remediation][f.CheckID] {
			seenCheck[f.Remediation][f.CheckID] = true
			out[i].CheckIDs = append(out[i].CheckIDs, f.CheckID)
		}
	}
	return out
}

// Host returns the report for addr, if present.
func (a *Assessment) Host(addr string) (HostReport, bool) {
	for _, h := range a.Hosts {
		if h.Address.String() == addr {
			return h, true
		}
	}
	return HostReport{}, false
}

// FindingsFor returns the findings with the given check ID.
func (a *Assessment) FindingsFor(checkID string) []Finding {
	var out []Finding
	for _, f := range a.Findings {
		if f.CheckID == checkID {
			out = append(out, f)
		}
	}
	return out
}
