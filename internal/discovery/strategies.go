package discovery

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Ullaakut/nmap/v3"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/anstrom/netsentry/internal/errors"
	"github.com/anstrom/netsentry/internal/nmaprun"
	"github.com/anstrom/netsentry/internal/probe"
	"github.com/anstrom/netsentry/internal/targets"
)

const (
	protocolICMP   = 1
	protocolICMPv6 = 58

	linuxARPTable = "/proc/net/arp"
	arpPollEvery  = 50 * time.Millisecond
	discardPort   = 9
)

// Settings carries what the strategies need from configuration. Gate should
// be a stage gate so every dial and packet counts against the discovery cap.
type Settings struct {
	Gate       *probe.Gate
	Timeout    time.Duration
	TCPPorts   []int
	Runner     nmaprun.Runner
	Privileged func() bool
}

// Strategies builds the named strategies in order. Unknown names are an
// error.
func Strategies(methods []string, s Settings) ([]Strategy, error) {
	if s.Gate == nil {
		s.Gate = probe.Unlimited()
	}
	if s.Timeout <= 0 {
		s.Timeout = defaultProbeWait
	}
	if s.Runner == nil {
		s.Runner = nmaprun.Exec{}
	}
	if s.Privileged == nil {
		s.Privileged = probe.Privileged
	}

	out := make([]Strategy, 0, len(methods))
	for _, m := range methods {
		switch m {
		case MethodICMP:
			out = append(out, NewICMP(s.Gate, s.Timeout))
		case MethodARP:
			out = append(out, &ARP{gate: s.Gate, timeout: s.Timeout, runner: s.Runner, privileged: s.Privileged, table: linuxARPTable})
		case MethodTCPSyn:
			out = append(out, &TCPSyn{gate: s.Gate, timeout: s.Timeout, ports: s.TCPPorts, runner: s.Runner, privileged: s.Privileged})
		case MethodTCPConnect:
			out = append(out, &TCPConnect{gate: s.Gate, timeout: s.Timeout, ports: s.TCPPorts})
		default:
			return nil, errors.NewConfigFieldError(errors.CodeConfiguration, "unknown discovery method", "discovery.methods", m)
		}
	}
	return out, nil
}

// TCPConnect treats a completed handshake or an active refusal on any of
// its ports as proof of life.
type TCPConnect struct {
	gate    *probe.Gate
	timeout time.Duration
	ports   []int
}

// NewTCPConnect returns a connect strategy over ports.
func NewTCPConnect(gate *probe.Gate, timeout time.Duration, ports []int) *TCPConnect {
	return &TCPConnect{gate: gate, timeout: timeout, ports: ports}
}

func (s *TCPConnect) Name() string { return MethodTCPConnect }

func (s *TCPConnect) Probe(ctx context.Context, target targets.Address) (bool, error) {
	if len(s.ports) == 0 {
		return false, fmt.Errorf("no tcp ports configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		lastErr error
	)
	answered := make(chan struct{}, len(s.ports))
	for _, port := range s.ports {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			conn, err := s.gate.DialContext(ctx, "tcp", probe.HostPort(target.IP, port), s.timeout)
			switch {
			case err == nil:
				_ = conn.Close()
				answered <- struct{}{}
			case probe.Classify(err) == probe.OutcomeRefused:
				answered <- struct{}{}
			default:
				mu.Lock()
				if lastErr == nil || errors.IsRetryable(lastErr) {
					lastErr = err
				}
				mu.Unlock()
			}
		}(port)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-answered:
		return true, nil
	case <-done:
		select {
		case <-answered:
			return true, nil
		default:
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if stderrors.Is(lastErr, probe.ErrAdmissionClosed) {
		return false, lastErr
	}
	return false, probe.TypedError(MethodTCPConnect, target.IP, 0, s.timeout, lastErr)
}

// ICMP sends one echo request per attempt. It prefers unprivileged datagram
// sockets and falls back to raw sockets.
type ICMP struct {
	gate    *probe.Gate
	timeout time.Duration
	id      int
	seq     atomic.Uint32
}

// NewICMP returns an echo strategy.
func NewICMP(gate *probe.Gate, timeout time.Duration) *ICMP {
	return &ICMP{gate: gate, timeout: timeout, id: os.Getpid() & 0xffff}
}

func (s *ICMP) Name() string { return MethodICMP }

func (s *ICMP) Probe(ctx context.Context, target targets.Address) (bool, error) {
	addr := target.IP
	conn, datagram, err := listenICMP(addr)
	if err != nil {
		return false, errors.NewPermissionError("icmp echo", MethodTCPConnect, err)
	}
	defer conn.Close()

	release, err := s.gate.Hold(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	seq := int(s.seq.Add(1) & 0xffff)
	var typ icmp.Type = ipv4.ICMPTypeEcho
	proto := protocolICMP
	if addr.Is6() {
		typ = ipv6.ICMPTypeEchoRequest
		proto = protocolICMPv6
	}
	msg := icmp.Message{
		Type: typ,
		Body: &icmp.Echo{ID: s.id, Seq: seq, Data: []byte("netsentry")},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return false, fmt.Errorf("marshal echo: %w", err)
	}

	var dst net.Addr = &net.IPAddr{IP: addr.AsSlice()}
	if datagram {
		dst = &net.UDPAddr{IP: addr.AsSlice()}
	}
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return false, probe.TypedError(MethodICMP, addr, 0, s.timeout, err)
	}

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, errors.NewProbeTimeoutError(MethodICMP, addr.String(), 0, s.timeout, err)
		}
		if peerAddr(peer) != addr {
			continue
		}
		reply, err := icmp.ParseMessage(proto, buf[:n])
		if err != nil {
			continue
		}
		if reply.Type != ipv4.ICMPTypeEchoReply && reply.Type != ipv6.ICMPTypeEchoReply {
			continue
		}
		// Datagram sockets rewrite the echo ID, so only the sequence is
		// compared.
		if echo, ok := reply.Body.(*icmp.Echo); ok && echo.Seq == seq {
			return true, nil
		}
	}
}

func listenICMP(addr netip.Addr) (*icmp.PacketConn, bool, error) {
	datagram, raw, wildcard := "udp4", "ip4:icmp", "0.0.0.0"
	if addr.Is6() {
		datagram, raw, wildcard = "udp6", "ip6:ipv6-icmp", "::"
	}
	conn, err := icmp.ListenPacket(datagram, wildcard)
	if err == nil {
		return conn, true, nil
	}
	conn, rawErr := icmp.ListenPacket(raw, wildcard)
	if rawErr == nil {
		return conn, false, nil
	}
	return nil, false, stderrors.Join(err, rawErr)
}

func peerAddr(a net.Addr) netip.Addr {
	var ip net.IP
	switch v := a.(type) {
	case *net.UDPAddr:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	}
	parsed, _ := netip.AddrFromSlice(ip)
	return parsed.Unmap()
}

// ARP resolves the link-layer address of IPv4 neighbours. With privileges it
// runs an nmap ARP ping; otherwise it nudges the kernel into resolving the
// neighbour and reads the result from the ARP table.
type ARP struct {
	gate       *probe.Gate
	timeout    time.Duration
	runner     nmaprun.Runner
	privileged func() bool
	table      string
}

func (s *ARP) Name() string { return MethodARP }

func (s *ARP) Probe(ctx context.Context, target targets.Address) (bool, error) {
	addr := target.IP
	if !addr.Is4() {
		return false, fmt.Errorf("arp applies to IPv4 only")
	}

	if s.privileged() {
		release, err := s.gate.Hold(ctx)
		if err != nil {
			return false, err
		}
		defer release()
		run, err := s.runner.Run(ctx,
			nmap.WithTargets(addr.String()),
			nmap.WithPingScan(),
			nmap.WithCustomArguments("-PR"),
			nmap.WithTimingTemplate(nmaprun.TimingFor(s.timeout)),
		)
		if err != nil {
			return false, fmt.Errorf("arp ping: %w", err)
		}
		if nmaprun.HostUp(run, addr) {
			return true, nil
		}
		return false, errors.NewProbeTimeoutError(MethodARP, addr.String(), 0, s.timeout, nil)
	}

	if _, err := os.Stat(s.table); err != nil {
		return false, errors.NewPermissionError("arp ping", "", err)
	}
	if complete, _ := arpEntry(s.table, addr); complete {
		return true, nil
	}

	release, err := s.gate.Hold(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	if conn, err := net.DialTimeout("udp4", probe.HostPort(addr, discardPort), s.timeout); err == nil {
		_, _ = conn.Write([]byte{0})
		_ = conn.Close()
	}

	deadline := time.NewTimer(s.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(arpPollEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, errors.NewProbeTimeoutError(MethodARP, addr.String(), 0, s.timeout, nil)
		case <-tick.C:
			complete, err := arpEntry(s.table, addr)
			if err != nil {
				return false, err
			}
			if complete {
				return true, nil
			}
		}
	}
}

// arpEntry reports whether the kernel ARP table holds a complete entry for
// addr. Table format matches /proc/net/arp.
func arpEntry(path string, addr netip.Addr) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	want := addr.String()
	sc := bufio.NewScanner(f)
	sc.Scan() // header
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[0] != want {
			continue
		}
		if fields[2] != "0x0" && fields[3] != "00:00:00:00:00:00" {
			return true, nil
		}
	}
	return false, sc.Err()
}

// TCPSyn sends half-open SYN pings through nmap. It needs raw sockets.
type TCPSyn struct {
	gate       *probe.Gate
	timeout    time.Duration
	ports      []int
	runner     nmaprun.Runner
	privileged func() bool
}

func (s *TCPSyn) Name() string { return MethodTCPSyn }

func (s *TCPSyn) Probe(ctx context.Context, target targets.Address) (bool, error) {
	if !s.privileged() {
		return false, errors.NewPermissionError("tcp syn ping", "", nil)
	}
	release, err := s.gate.Hold(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	opts := []nmap.Option{
		nmap.WithTargets(target.IP.String()),
		nmap.WithPingScan(),
		nmap.WithTimingTemplate(nmaprun.TimingFor(s.timeout)),
		nmap.WithCustomArguments("-PS" + nmaprun.PortList(s.ports)),
	}
	if target.IP.Is6() {
		opts = append(opts, nmap.WithIPv6Scanning())
	}
	run, err := s.runner.Run(ctx, opts...)
	if err != nil {
		return false, fmt.Errorf("syn ping: %w", err)
	}
	if nmaprun.HostUp(run, target.IP) {
		return true, nil
	}
	return false, errors.NewProbeTimeoutError(MethodTCPSyn, target.IP.String(), 0, s.timeout, nil)
}
