package scanning

import (
	"net/netip"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/netsentry/internal/nmaprun"
	"github.com/anstrom/netsentry/internal/session"
)

// synOptions builds the nmap invocation for a half-open scan of one host.
func synOptions(addr netip.Addr, ports []int, timeout time.Duration) []nmap.Option {
	options := []nmap.Option{
		nmap.WithTargets(addr.String()),
		nmap.WithPorts(nmaprun.PortList(ports)),
		nmap.WithSYNScan(),
		nmap.WithSkipHostDiscovery(),
		nmap.WithTimingTemplate(nmaprun.TimingFor(timeout)),
		nmap.WithMaxRetries(0),
	}
	if addr.Is6() {
		options = append(options, nmap.WithIPv6Scanning())
	}
	return options
}

// convertNmapHost turns nmap's report for addr into one result per requested
// port. Ports nmap folded into its "extraports" summary take that state.
func convertNmapHost(run *nmap.Run, addr netip.Addr, ports []int) []session.PortResult {
	var host *nmap.Host
	if run != nil {
		for i := range run.Hosts {
			for _, a := range run.Hosts[i].Addresses {
				if parsed, err := netip.ParseAddr(a.Addr); err == nil && parsed.Unmap() == addr.Unmap() {
					host = &run.Hosts[i]
				}
			}
		}
	}

	reported := make(map[uint16]session.PortResult)
	rest := session.PortFiltered
	restReason := "no-response"
	if host != nil {
		for j := range host.Ports {
			p := &host.Ports[j]
			if p.Protocol != "tcp" {
				continue
			}
			reported[p.ID] = session.PortResult{
				Host:     addr,
				Port:     p.ID,
				Protocol: session.TCP,
				State:    NmapState(p.State.State),
				Reason:   p.State.Reason,
				Attempts: 1,
			}
		}
		if len(host.ExtraPorts) > 0 {
			rest = NmapState(host.ExtraPorts[0].State)
			restReason = host.ExtraPorts[0].State
		}
	}

	out := make([]session.PortResult, 0, len(ports))
	for _, port := range ports {
		if r, ok := reported[uint16(port)]; ok {
			out = append(out, r)
			continue
		}
		out = append(out, session.PortResult{
			Host:     addr,
			Port:     uint16(port),
			Protocol: session.TCP,
			State:    rest,
			Reason:   restReason,
			Attempts: 1,
		})
	}
	return out
}
