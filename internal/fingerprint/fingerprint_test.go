package fingerprint

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"regexp"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/netsentry/internal/logging"
	"github.com/anstrom/netsentry/internal/probe"
	"github.com/anstrom/netsentry/internal/scanning"
	"github.com/anstrom/netsentry/internal/session"
)

func TestMatchBanners(t *testing.T) {
	tests := []struct {
		name    string
		banner  string
		service string
		product string
		version string
	}{
		{"openssh", "SSH-2.0-OpenSSH_7.4", "ssh", "OpenSSH", "7.4"},
		{"openssh with distro suffix", "SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.1\r\n", "ssh", "OpenSSH", "8.9p1"},
		{"dropbear", "SSH-2.0-dropbear_2020.81\r\n", "ssh", "Dropbear", "2020.81"},
		{"generic ssh", "SSH-2.0-Cisco-1.25\r\n", "ssh", "", ""},
		{"vsftpd", "220 (vsFTPd 3.0.3)\r\n", "ftp", "vsftpd", "3.0.3"},
		{"proftpd", "220 ProFTPD 1.3.5e Server (Debian) [::ffff:10.0.0.5]\r\n", "ftp", "ProFTPD", "1.3.5e"},
		{"postfix", "220 mail.example.com ESMTP Postfix (Ubuntu)\r\n", "smtp", "Postfix", ""},
		{"exim", "220 mx.example.com ESMTP Exim 4.94.2 Tue, 01 Jan 2024\r\n", "smtp", "Exim", "4.94.2"},
		{"dovecot imap", "* OK [CAPABILITY IMAP4rev1] Dovecot ready.\r\n", "imap", "Dovecot", ""},
		{"pop3", "+OK POP3 server ready\r\n", "pop3", "", ""},
		{"nginx", "HTTP/1.1 200 OK\r\nServer: nginx/1.18.0\r\nContent-Length: 0\r\n\r\n", "http", "nginx", "1.18.0"},
		{"apache", "HTTP/1.1 403 Forbidden\r\nDate: now\r\nServer: Apache/2.4.41 (Ubuntu)\r\n\r\n", "http", "Apache httpd", "2.4.41"},
		{"plain http", "HTTP/1.0 200 OK\r\n\r\n", "http", "", ""},
		{"vnc", "RFB 003.008\n", "vnc", "", "003.008"},
		{"telnet negotiation", "\xff\xfd\x18\xff\xfd\x20", "telnet", "", ""},
		{"mysql handshake", "\x4a\x00\x00\x00\x0a8.0.36\x00\x08\x00\x00\x00", "mysql", "MySQL", "8.0.36"},
		{"mariadb handshake", "\x4a\x00\x00\x00\x0a5.5.5-10.6.12-MariaDB\x00", "mysql", "MariaDB", "5.5.5-10.6.12-MariaDB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := Match([]byte(tt.banner), TCPSignatures)
			assert.Equal(t, tt.service, svc.Name)
			assert.Equal(t, tt.product, svc.Product)
			assert.Equal(t, tt.version, svc.Version)
			assert.Greater(t, svc.Confidence, 0.0)
		})
	}
}

func TestMatchNoSignature(t *testing.T) {
	svc := Match([]byte("\x00\x01garbage"), TCPSignatures)
	assert.Equal(t, session.Service{}, svc)
	assert.Zero(t, svc.Confidence)
}

func TestMatchPrecedence(t *testing.T) {
	sigs := []Signature{
		{Service: "first", Pattern: regexp.MustCompile(`^hello`), Confidence: 0.5},
		{Service: "second", Pattern: regexp.MustCompile(`^hello`), Confidence: 0.5},
		{Service: "weak", Pattern: regexp.MustCompile(`world`), Confidence: 0.4},
	}
	assert.Equal(t, "first", Match([]byte("hello world"), sigs).Name, "ties go to the earlier entry")

	sigs = append(sigs, Signature{Service: "strong", Pattern: regexp.MustCompile(`world$`), Confidence: 0.9})
	assert.Equal(t, "strong", Match([]byte("hello world"), sigs).Name)
}

func serve(t *testing.T, handle func(net.Conn)) session.PortResult {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				handle(c)
			}()
		}
	}()
	return openPort(ln.Addr().String())
}

func openPort(hostport string) session.PortResult {
	ap := netip.MustParseAddrPort(hostport)
	return session.PortResult{Host: ap.Addr(), Port: ap.Port(), Protocol: session.TCP, State: session.PortOpen}
}

func newIdentifier() *Identifier {
	return New(probe.Unlimited(), time.Second, WithLogger(logging.Discard()), WithBannerTimeout(200*time.Millisecond))
}

func TestIdentifyPassiveBanner(t *testing.T) {
	port := serve(t, func(c net.Conn) {
		_, _ = c.Write([]byte("SSH-2.0-OpenSSH_7.4\r\n"))
		time.Sleep(300 * time.Millisecond)
	})

	svc, err := newIdentifier().Identify(context.Background(), port, "")
	require.NoError(t, err)
	assert.Equal(t, "ssh", svc.Name)
	assert.Equal(t, "OpenSSH", svc.Product)
	assert.Equal(t, "7.4", svc.Version)
	assert.False(t, svc.TLS)
	assert.Equal(t, "SSH-2.0-OpenSSH_7.4", svc.Banner)
}

func TestIdentifyHeadFallback(t *testing.T) {
	port := serve(t, func(c net.Conn) {
		line, err := bufio.NewReader(c).ReadString('\n')
		if err != nil || line != "HEAD / HTTP/1.0\r\n" {
			return
		}
		_, _ = c.Write([]byte("HTTP/1.0 200 OK\r\nServer: nginx/1.25.3\r\n\r\n"))
	})

	svc, err := newIdentifier().Identify(context.Background(), port, "")
	require.NoError(t, err)
	assert.Equal(t, "http", svc.Name)
	assert.Equal(t, "nginx", svc.Product)
	assert.Equal(t, "1.25.3", svc.Version)
	assert.Contains(t, svc.Banner, "Server: nginx/1.25.3")
}

func TestIdentifyTLSWrapped(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Server", "Apache/2.4.58")
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	svc, err := newIdentifier().Identify(context.Background(), openPort(u.Host), "")
	require.NoError(t, err)
	assert.True(t, svc.TLS)
	assert.Equal(t, "https", svc.Name)
	assert.Equal(t, "Apache httpd", svc.Product)
	assert.Equal(t, "2.4.58", svc.Version)
}

func TestIdentifyLegacyTLS(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Server", "Apache/2.2.15")
	}))
	srv.TLS = &tls.Config{MinVersion: tls.VersionTLS10, MaxVersion: tls.VersionTLS10}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	svc, err := newIdentifier().Identify(context.Background(), openPort(u.Host), "")
	require.NoError(t, err)
	assert.True(t, svc.TLS)
	assert.Equal(t, "https", svc.Name)
	assert.Equal(t, "2.2.15", svc.Version)
}

func TestIdentifySilentPort(t *testing.T) {
	port := serve(t, func(c net.Conn) {
		time.Sleep(time.Second)
	})

	svc, err := newIdentifier().Identify(context.Background(), port, "")
	require.NoError(t, err)
	assert.Empty(t, svc.Name)
	assert.Zero(t, svc.Confidence)
	assert.False(t, svc.TLS)
}

func TestIdentifyConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	svc, err := newIdentifier().Identify(context.Background(), openPort(addr), "")
	assert.Error(t, err)
	assert.Equal(t, session.Service{}, svc)
}

func TestIdentifyUDPResponses(t *testing.T) {
	id := newIdentifier()
	udp := func(port uint16, payload []byte) session.PortResult {
		return session.PortResult{Host: netip.MustParseAddr("10.0.0.1"), Port: port, Protocol: session.UDP, State: session.PortOpen, Response: payload}
	}

	query := new(dns.Msg)
	query.SetQuestion("version.bind.", dns.TypeTXT)
	query.Question[0].Qclass = dns.ClassCHAOS
	reply := new(dns.Msg)
	reply.SetReply(query)
	reply.Answer = []dns.RR{&dns.TXT{
		Hdr: dns.RR_Header{Name: "version.bind.", Rrtype: dns.TypeTXT, Class: dns.ClassCHAOS},
		Txt: []string{"9.16.1-Ubuntu"},
	}}
	packed, err := reply.Pack()
	require.NoError(t, err)

	svc, err := id.Identify(context.Background(), udp(53, packed), "")
	require.NoError(t, err)
	assert.Equal(t, "dns", svc.Name)
	assert.Equal(t, "9.16.1-Ubuntu", svc.Banner)

	ntp := make([]byte, 48)
	ntp[0] = 0x24 // v4, server
	svc, err = id.Identify(context.Background(), udp(123, ntp), "")
	require.NoError(t, err)
	assert.Equal(t, "ntp", svc.Name)
	assert.Equal(t, "v4", svc.Version)

	resp := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version1,
		Community: "public",
		PDUType:   gosnmp.GetResponse,
		RequestID: 1,
		Variables: []gosnmp.SnmpPDU{{Name: scanning.OIDSysDescr, Type: gosnmp.OctetString, Value: "Linux edge 5.15"}},
		Logger:    scanning.SNMPLogger,
	}
	raw, err := resp.MarshalMsg()
	require.NoError(t, err)
	svc, err = id.Identify(context.Background(), udp(161, raw), "")
	require.NoError(t, err)
	assert.Equal(t, "snmp", svc.Name)
	assert.Equal(t, "Linux edge 5.15", svc.Banner)

	svc, err = id.Identify(context.Background(), udp(9999, nil), "")
	require.NoError(t, err)
	assert.Empty(t, svc.Name)
}

func TestDecodeDNSProducts(t *testing.T) {
	for banner, product := range map[string]string{
		"dnsmasq-2.80":  "dnsmasq",
		"unbound 1.9.0": "Unbound",
		"BIND 9.11":     "BIND",
	} {
		msg := new(dns.Msg)
		msg.Response = true
		msg.Answer = []dns.RR{&dns.TXT{Hdr: dns.RR_Header{Name: "version.bind.", Rrtype: dns.TypeTXT, Class: dns.ClassCHAOS}, Txt: []string{banner}}}
		packed, err := msg.Pack()
		require.NoError(t, err)

		svc, ok := decodeDNS(packed)
		require.True(t, ok, banner)
		assert.Equal(t, product, svc.Product, banner)
	}

	_, ok := decodeDNS([]byte("nope"))
	assert.False(t, ok)
}

func TestPrintable(t *testing.T) {
	assert.Equal(t, "abc", printable([]byte("\x00abc\x01\r\n")))
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, printable(long), maxBanner)
}
