package checks

import (
	"context"
	"fmt"

	"github.com/anstrom/netsentry/internal/session"
)

// insecureProtocol flags cleartext remote access and file transfer services.
type insecureProtocol struct {
	base
	service  string
	port     uint16
	protocol session.Protocol
	title    string
}

func insecureProtocolChecks() []Check {
	protocols := []struct {
		service  string
		port     uint16
		protocol session.Protocol
		title    string
	}{
		{"telnet", 23, session.TCP, "Telnet service exposed"},
		{"ftp", 21, session.TCP, "Cleartext FTP service exposed"},
		{"rlogin", 513, session.TCP, "rlogin service exposed"},
		{"rsh", 514, session.TCP, "rsh service exposed"},
		{"rexec", 512, session.TCP, "rexec service exposed"},
		{"tftp", 69, session.UDP, "TFTP service exposed"},
	}

	out := make([]Check, 0, len(protocols))
	for _, p := range protocols {
		out = append(out, &insecureProtocol{
			base:     base{id: "insecure-protocol-" + p.service, family: FamilyInsecureProtocol},
			service:  p.service,
			port:     p.port,
			protocol: p.protocol,
			title:    p.title,
		})
	}
	return out
}

const remediateInsecureProtocol = "Disable cleartext protocols and replace them with encrypted alternatives such as SSH or SFTP."

func (c *insecureProtocol) Applies(t Target) bool {
	if t.Port.Protocol != c.protocol {
		return false
	}
	name := t.Port.Service.Name
	if name == c.service {
		return t.Port.State == session.PortOpen || t.Port.State == session.PortOpenOrFiltered
	}
	// Unidentified service on the well-known port.
	return name == "" && t.Port.Port == c.port && t.open()
}

func (c *insecureProtocol) Evaluate(_ context.Context, t Target) ([]session.Finding, error) {
	evidence := fmt.Sprintf("%s open on %s", c.service, t)
	if t.Port.Service.Name == "" {
		evidence = fmt.Sprintf("port %d/%s open, service assumed %s", t.Port.Port, t.Port.Protocol, c.service)
	}
	if b := t.Port.Service.Banner; b != "" {
		evidence += "; banner: " + b
	}
	return []session.Finding{c.finding(t, session.SeverityHigh, c.title,
		fmt.Sprintf("%s transmits credentials and data without encryption.", c.service),
		evidence, remediateInsecureProtocol)}, nil
}
