// Package fingerprint identifies the service behind an open port from its
// banner, its answer to an HTTP HEAD request, the same exchange inside TLS,
// or the datagram captured during a UDP scan.
package fingerprint

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"

	ztls "github.com/zmap/zcrypto/tls"

	"github.com/anstrom/netsentry/internal/logging"
	"github.com/anstrom/netsentry/internal/metrics"
	"github.com/anstrom/netsentry/internal/probe"
	"github.com/anstrom/netsentry/internal/session"
)

const (
	defaultBannerTimeout = 2 * time.Second
	followUpRead         = 100 * time.Millisecond
	maxCapture           = 4096
	maxBanner            = 1024

	tlsRecordHandshake = 0x16
	tlsRecordAlert     = 0x15
	tlsMajorVersion    = 0x03
)

var headRequest = []byte("HEAD / HTTP/1.0\r\n\r\n")

// Error bodies servers send when plain HTTP reaches a TLS listener.
var plainToTLSHints = [][]byte{
	[]byte("sent to HTTPS port"),
	[]byte("to an HTTPS server"),
	[]byte("speaking plain HTTP to an SSL"),
}

// tlsNames maps a plaintext service name to its TLS-wrapped variant.
var tlsNames = map[string]string{
	"http": "https",
	"imap": "imaps",
	"pop3": "pop3s",
	"smtp": "smtps",
	"ftp":  "ftps",
}

// Identifier fingerprints open ports.
type Identifier struct {
	gate          *probe.Gate
	dialTimeout   time.Duration
	bannerTimeout time.Duration
	logger        *logging.Logger
	metrics       *metrics.PrometheusMetrics
}

// Option customises an Identifier.
type Option func(*Identifier)

// WithLogger sets the identifier logger.
func WithLogger(l *logging.Logger) Option {
	return func(i *Identifier) { i.logger = l }
}

// WithMetrics records identification probes.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(i *Identifier) { i.metrics = m }
}

// WithBannerTimeout bounds each read.
func WithBannerTimeout(d time.Duration) Option {
	return func(i *Identifier) {
		if d > 0 {
			i.bannerTimeout = d
		}
	}
}

// New returns an Identifier whose connections go through gate.
func New(gate *probe.Gate, dialTimeout time.Duration, opts ...Option) *Identifier {
	if gate == nil {
		gate = probe.Unlimited()
	}
	i := &Identifier{
		gate:          gate,
		dialTimeout:   dialTimeout,
		bannerTimeout: defaultBannerTimeout,
		logger:        logging.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.WithComponent("fingerprint")
	return i
}

// Identify returns the service on an open port. A zero Service with a nil
// error means nothing matched. Errors are informational: the port stays open
// and unidentified.
func (i *Identifier) Identify(ctx context.Context, p session.PortResult, hostname string) (session.Service, error) {
	start := time.Now()
	var (
		svc session.Service
		err error
	)
	if p.Protocol == session.UDP {
		svc = i.identifyUDP(p)
	} else {
		svc, err = i.identifyTCP(ctx, p, hostname)
	}

	outcome := "identified"
	switch {
	case err != nil:
		outcome = probe.Classify(err).String()
	case svc.Name == "":
		outcome = "unknown"
	}
	if i.metrics != nil {
		i.metrics.RecordProbe(metrics.StageIdentify, outcome, time.Since(start))
	}
	i.logger.DebugProbe("identify", p.Host.String(), int(p.Port), outcome,
		"service", svc.Name, "product", svc.Product, "version", svc.Version, "tls", svc.TLS)
	return svc, err
}

func (i *Identifier) identifyUDP(p session.PortResult) session.Service {
	if len(p.Response) == 0 {
		return session.Service{}
	}
	return Match(p.Response, UDPSignatures)
}

func (i *Identifier) identifyTCP(ctx context.Context, p session.PortResult, hostname string) (session.Service, error) {
	address := probe.HostPort(p.Host, int(p.Port))

	plain, connected, err := i.exchange(ctx, address, nil)
	if !connected || ctx.Err() != nil {
		return session.Service{}, err
	}
	svc := describe(plain, TCPSignatures)
	if svc.Name != "" && !wantsTLS(plain) {
		return svc, nil
	}

	wrapped, _, tlsErr := i.exchange(ctx, address, i.wrapTLS(ctx, hostname))
	// A refused handshake may only mean the server speaks an older protocol.
	if tlsErr != nil && ctx.Err() == nil && probe.Classify(tlsErr) == probe.OutcomeOther {
		wrapped, _, tlsErr = i.exchange(ctx, address, i.wrapLegacyTLS(hostname))
	}
	if tlsErr != nil {
		return svc, nil
	}

	secure := describe(wrapped, TCPSignatures)
	secure.TLS = true
	if name, ok := tlsNames[secure.Name]; ok {
		secure.Name = name
	}
	return secure, nil
}

// wrapTLS handshakes with crypto/tls, accepting TLS 1.0 and later.
func (i *Identifier) wrapTLS(ctx context.Context, hostname string) func(net.Conn) (net.Conn, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // identification only, verification is a separate check
		ServerName:         hostname,
		MinVersion:         tls.VersionTLS10,
	}
	return func(conn net.Conn) (net.Conn, error) {
		c := tls.Client(conn, cfg)
		hctx, cancel := context.WithTimeout(ctx, i.bannerTimeout)
		defer cancel()
		if err := c.HandshakeContext(hctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// wrapLegacyTLS handshakes with zcrypto for servers crypto/tls cannot talk
// to, down to SSL 3.0.
func (i *Identifier) wrapLegacyTLS(hostname string) func(net.Conn) (net.Conn, error) {
	cfg := &ztls.Config{
		InsecureSkipVerify: true,
		ServerName:         hostname,
		MinVersion:         ztls.VersionSSL30,
		MaxVersion:         ztls.VersionTLS12,
	}
	return func(conn net.Conn) (net.Conn, error) {
		_ = conn.SetDeadline(time.Now().Add(i.bannerTimeout))
		c := ztls.Client(conn, cfg)
		if err := c.Handshake(); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// describe matches data and attaches a printable banner.
func describe(data []byte, sigs []Signature) session.Service {
	svc := Match(data, sigs)
	if svc.Banner == "" {
		svc.Banner = printable(data)
	}
	if svc.Name == "" {
		svc.Confidence = 0
	}
	return svc
}

// wantsTLS reports whether a plaintext exchange suggests the port speaks TLS.
func wantsTLS(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	if len(data) >= 2 && (data[0] == tlsRecordAlert || data[0] == tlsRecordHandshake) && data[1] == tlsMajorVersion {
		return true
	}
	for _, hint := range plainToTLSHints {
		if bytes.Contains(data, hint) {
			return true
		}
	}
	return false
}

// exchange connects, optionally wraps the connection, reads passively and
// falls back to an HTTP HEAD request when the server stays silent. connected
// is false when the dial itself failed.
func (i *Identifier) exchange(ctx context.Context, address string, wrap func(net.Conn) (net.Conn, error)) (data []byte, connected bool, err error) {
	conn, err := i.gate.DialContext(ctx, "tcp", address, i.dialTimeout)
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if wrap != nil {
		wrapped, err := wrap(conn)
		if err != nil {
			return nil, true, err
		}
		conn = wrapped
	}

	data, err = readAvailable(conn, i.bannerTimeout)
	if len(data) > 0 {
		return data, true, nil
	}
	if ctx.Err() != nil {
		return nil, true, ctx.Err()
	}
	if err != nil && probe.Classify(err) != probe.OutcomeTimeout {
		return nil, true, err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(i.bannerTimeout))
	if _, err := conn.Write(headRequest); err != nil {
		return nil, true, err
	}
	data, err = readAvailable(conn, i.bannerTimeout)
	return data, true, err
}

// readAvailable waits up to timeout for the first bytes, then keeps reading
// briefly so multi-segment responses are captured whole.
func readAvailable(conn net.Conn, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, maxCapture)
	total := 0
	wait := timeout
	for total < len(buf) {
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			if total > 0 {
				return buf[:total], nil
			}
			return nil, err
		}
		wait = followUpRead
	}
	return buf[:total], nil
}

func printable(data []byte) string {
	if len(data) > maxBanner {
		data = data[:maxBanner]
	}
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 0x20 && r < 0x7f) {
			return r
		}
		return -1
	}, string(data)))
}
