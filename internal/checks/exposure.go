package checks

import (
	"context"
	"fmt"

	"github.com/anstrom/netsentry/internal/session"
)

// exposedService flags databases and management APIs reachable from
// anything but the loopback interface.
type exposedService struct {
	base
	service string
	label   string
	ports   []uint16
}

func exposureChecks() []Check {
	services := []struct {
		service string
		label   string
		ports   []uint16
	}{
		{"mysql", "MySQL", []uint16{3306}},
		{"postgresql", "PostgreSQL", []uint16{5432}},
		{"mssql", "Microsoft SQL Server", []uint16{1433}},
		{"oracle", "Oracle TNS listener", []uint16{1521}},
		{"mongodb", "MongoDB", []uint16{27017}},
		{"redis", "Redis", []uint16{6379}},
		{"elasticsearch", "Elasticsearch", []uint16{9200, 9300}},
		{"memcached", "Memcached", []uint16{11211}},
		{"couchdb", "CouchDB", []uint16{5984}},
		{"cassandra", "Cassandra", []uint16{9042}},
		{"docker", "Docker API", []uint16{2375, 2376}},
	}

	out := make([]Check, 0, len(services))
	for _, s := range services {
		out = append(out, &exposedService{
			base:    base{id: "exposed-service-" + s.service, family: FamilyExposure},
			service: s.service,
			label:   s.label,
			ports:   s.ports,
		})
	}
	return out
}

const remediateExposure = "Bind data stores and management APIs to localhost or a private interface and restrict access with a firewall."

func (c *exposedService) Applies(t Target) bool {
	if t.Port.Protocol != session.TCP || !t.open() || t.Address().IsLoopback() {
		return false
	}
	if t.Port.Service.Name == c.service {
		return true
	}
	if t.Port.Service.Name != "" {
		return false
	}
	for _, p := range c.ports {
		if t.Port.Port == p {
			return true
		}
	}
	return false
}

func (c *exposedService) Evaluate(_ context.Context, t Target) ([]session.Finding, error) {
	return []session.Finding{c.finding(t, session.SeverityHigh,
		fmt.Sprintf("%s exposed on the network", c.label),
		fmt.Sprintf("%s accepts connections on a non-loopback address.", c.label),
		fmt.Sprintf("%s reachable at %s", c.service, t),
		remediateExposure)}, nil
}
