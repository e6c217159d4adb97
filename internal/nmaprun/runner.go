// Package nmaprun runs the nmap binary for the techniques that need raw
// sockets: SYN port scans, ARP and TCP SYN host discovery.
package nmaprun

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/netsentry/internal/logging"
)

// Runner executes one nmap invocation.
type Runner interface {
	Run(ctx context.Context, options ...nmap.Option) (*nmap.Run, error)
}

// Exec runs the nmap binary found on PATH.
type Exec struct {
	Logger *logging.Logger
}

// Run creates a scanner with options and runs it to completion.
func (e Exec) Run(ctx context.Context, options ...nmap.Option) (*nmap.Run, error) {
	scanner, err := nmap.NewScanner(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("create nmap scanner: %w", err)
	}

	result, warnings, err := scanner.Run()
	if err != nil {
		return nil, fmt.Errorf("run nmap: %w", err)
	}

	if warnings != nil && len(*warnings) > 0 {
		logger := e.Logger
		if logger == nil {
			logger = logging.Default()
		}
		logger.Debug("nmap completed with warnings", "warnings", strings.Join(*warnings, "; "))
	}
	return result, nil
}

// TimingFor picks an nmap timing template from a per-probe timeout.
func TimingFor(timeout time.Duration) nmap.Timing {
	switch {
	case timeout <= time.Second:
		return nmap.TimingAggressive
	case timeout <= 5*time.Second:
		return nmap.TimingNormal
	default:
		return nmap.TimingPolite
	}
}

// HostUp reports whether result lists addr as up.
func HostUp(result *nmap.Run, addr netip.Addr) bool {
	if result == nil {
		return false
	}
	for i := range result.Hosts {
		h := &result.Hosts[i]
		if h.Status.State != "up" {
			continue
		}
		for _, a := range h.Addresses {
			if parsed, err := netip.ParseAddr(a.Addr); err == nil && parsed.Unmap() == addr.Unmap() {
				return true
			}
		}
	}
	return false
}

// PortList renders ports for nmap's -p and -PS flags.
func PortList(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = fmt.Sprint(p)
	}
	return strings.Join(parts, ",")
}
