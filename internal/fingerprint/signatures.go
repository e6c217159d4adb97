package fingerprint

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/gosnmp/gosnmp"
	"github.com/miekg/dns"

	"github.com/anstrom/netsentry/internal/scanning"
	"github.com/anstrom/netsentry/internal/session"
)

// Signature recognises a service from the bytes it sent. Either Pattern or
// Decode is set. VersionGroup names the Pattern submatch holding the version;
// zero means none.
type Signature struct {
	Service      string
	Product      string
	Pattern      *regexp.Regexp
	VersionGroup int
	Confidence   float64
	Decode       func(data []byte) (session.Service, bool)
}

func (s Signature) match(data []byte) (session.Service, bool) {
	if s.Decode != nil {
		svc, ok := s.Decode(data)
		if ok && svc.Confidence == 0 {
			svc.Confidence = s.Confidence
		}
		return svc, ok
	}

	m := s.Pattern.FindSubmatch(data)
	if m == nil {
		return session.Service{}, false
	}
	svc := session.Service{Name: s.Service, Product: s.Product, Confidence: s.Confidence}
	if s.VersionGroup > 0 && s.VersionGroup < len(m) {
		svc.Version = string(m[s.VersionGroup])
	}
	return svc, true
}

// Match evaluates every signature against data. The highest confidence wins;
// ties go to the earlier entry. No match yields a zero Service.
func Match(data []byte, signatures []Signature) session.Service {
	var best session.Service
	for _, sig := range signatures {
		svc, ok := sig.match(data)
		if ok && svc.Confidence > best.Confidence {
			best = svc
		}
	}
	return best
}

var mustCompile = regexp.MustCompile

// TCPSignatures is checked against banners and HEAD responses.
var TCPSignatures = []Signature{
	{Service: "ssh", Product: "OpenSSH", Pattern: mustCompile(`^SSH-[\d.]+-OpenSSH[_-]([\w.]+)`), VersionGroup: 1, Confidence: 0.95},
	{Service: "ssh", Product: "Dropbear", Pattern: mustCompile(`^SSH-[\d.]+-dropbear_?([\w.]*)`), VersionGroup: 1, Confidence: 0.95},
	{Service: "ssh", Pattern: mustCompile(`^SSH-([\d.]+)-`), Confidence: 0.8},

	{Service: "ftp", Product: "vsftpd", Pattern: mustCompile(`^220[- ].*\(vsFTPd ([\d.]+)\)`), VersionGroup: 1, Confidence: 0.95},
	{Service: "ftp", Product: "ProFTPD", Pattern: mustCompile(`^220[- ].*ProFTPD ([\d.]+\w*)`), VersionGroup: 1, Confidence: 0.95},
	{Service: "ftp", Product: "FileZilla Server", Pattern: mustCompile(`^220[- ].*FileZilla Server(?: version)? ?([\d.]*)`), VersionGroup: 1, Confidence: 0.95},
	{Service: "ftp", Pattern: mustCompile(`^220[- ].*\bFTP\b`), Confidence: 0.7},

	{Service: "smtp", Product: "Postfix", Pattern: mustCompile(`^220[- ].*ESMTP Postfix`), Confidence: 0.9},
	{Service: "smtp", Product: "Exim", Pattern: mustCompile(`^220[- ].*Exim ([\d.]+)`), VersionGroup: 1, Confidence: 0.9},
	{Service: "smtp", Pattern: mustCompile(`^220[- ].*\bE?SMTP\b`), Confidence: 0.7},

	{Service: "pop3", Product: "Dovecot", Pattern: mustCompile(`^\+OK.*Dovecot`), Confidence: 0.9},
	{Service: "pop3", Pattern: mustCompile(`^\+OK`), Confidence: 0.6},
	{Service: "imap", Product: "Dovecot", Pattern: mustCompile(`^\* OK.*Dovecot`), Confidence: 0.9},
	{Service: "imap", Pattern: mustCompile(`^\* OK.*IMAP`), Confidence: 0.8},

	{Service: "http", Pattern: mustCompile(`^HTTP/\d(?:\.\d)? \d{3}`), Confidence: 0.7},
	{Service: "http", Product: "nginx", Pattern: mustCompile(`(?mi)^HTTP/[\d.]+ \d{3}[\s\S]*^Server: nginx(?:/([\d.]+))?`), VersionGroup: 1, Confidence: 0.9},
	{Service: "http", Product: "Apache httpd", Pattern: mustCompile(`(?mi)^HTTP/[\d.]+ \d{3}[\s\S]*^Server: Apache(?:/([\d.]+))?`), VersionGroup: 1, Confidence: 0.9},
	{Service: "http", Product: "Microsoft IIS", Pattern: mustCompile(`(?mi)^HTTP/[\d.]+ \d{3}[\s\S]*^Server: Microsoft-IIS/([\d.]+)`), VersionGroup: 1, Confidence: 0.9},
	{Service: "http", Product: "lighttpd", Pattern: mustCompile(`(?mi)^HTTP/[\d.]+ \d{3}[\s\S]*^Server: lighttpd(?:/([\d.]+))?`), VersionGroup: 1, Confidence: 0.9},

	{Service: "vnc", Pattern: mustCompile(`^RFB (\d{3}\.\d{3})`), VersionGroup: 1, Confidence: 0.9},
	{Service: "redis", Product: "Redis", Pattern: mustCompile(`^-(?:ERR unknown command|NOAUTH|DENIED)`), Confidence: 0.6},
	{Service: "telnet", Decode: decodeTelnet, Confidence: 0.8},
	{Service: "mysql", Decode: decodeMySQL, Confidence: 0.9},
}

// UDPSignatures is checked against datagrams captured by the scanner.
var UDPSignatures = []Signature{
	{Service: "dns", Decode: decodeDNS, Confidence: 0.95},
	{Service: "ntp", Decode: decodeNTP, Confidence: 0.9},
	{Service: "snmp", Decode: decodeSNMP, Confidence: 0.95},
}

const (
	telnetIAC  = 0xff
	telnetWILL = 0xfb
	telnetDONT = 0xfe

	mysqlHeaderLen = 4
	mysqlProtocol  = 0x0a

	ntpMinLen     = 48
	ntpModeServer = 4
)

func decodeTelnet(b []byte) (session.Service, bool) {
	if len(b) < 2 || b[0] != telnetIAC || b[1] < telnetWILL || b[1] > telnetDONT {
		return session.Service{}, false
	}
	return session.Service{Name: "telnet"}, true
}

// decodeMySQL reads the initial handshake packet: a 3-byte length, sequence
// id 0, protocol version 10 and a NUL-terminated server version.
func decodeMySQL(b []byte) (session.Service, bool) {
	if len(b) < mysqlHeaderLen+2 || b[3] != 0 || b[mysqlHeaderLen] != mysqlProtocol {
		return session.Service{}, false
	}
	rest := b[mysqlHeaderLen+1:]
	end := bytes.IndexByte(rest, 0)
	if end <= 0 {
		return session.Service{}, false
	}
	version := string(rest[:end])
	product := "MySQL"
	if strings.Contains(strings.ToLower(version), "mariadb") {
		product = "MariaDB"
	}
	return session.Service{Name: "mysql", Product: product, Version: version}, true
}

func decodeDNS(b []byte) (session.Service, bool) {
	var msg dns.Msg
	if err := msg.Unpack(b); err != nil || !msg.Response {
		return session.Service{}, false
	}
	svc := session.Service{Name: "dns"}
	for _, rr := range msg.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok || len(txt.Txt) == 0 {
			continue
		}
		svc.Banner = strings.Join(txt.Txt, " ")
		fields := strings.FieldsFunc(svc.Banner, func(r rune) bool { return r == ' ' || r == '-' })
		switch {
		case len(fields) >= 2 && strings.EqualFold(fields[0], "bind"):
			svc.Product, svc.Version = "BIND", fields[1]
		case len(fields) >= 2 && strings.EqualFold(fields[0], "dnsmasq"):
			svc.Product, svc.Version = "dnsmasq", fields[1]
		case len(fields) >= 2 && strings.EqualFold(fields[0], "unbound"):
			svc.Product, svc.Version = "Unbound", fields[1]
		case len(fields) == 1:
			svc.Version = fields[0]
		}
	}
	return svc, true
}

func decodeNTP(b []byte) (session.Service, bool) {
	if len(b) < ntpMinLen || b[0]&0x07 != ntpModeServer {
		return session.Service{}, false
	}
	return session.Service{Name: "ntp", Version: fmt.Sprintf("v%d", (b[0]>>3)&0x07)}, true
}

func decodeSNMP(b []byte) (session.Service, bool) {
	decoder := &gosnmp.GoSNMP{Logger: scanning.SNMPLogger}
	pkt, err := decoder.SnmpDecodePacket(b)
	if err != nil || pkt.PDUType != gosnmp.GetResponse {
		return session.Service{}, false
	}
	svc := session.Service{Name: "snmp", Version: pkt.Version.String()}
	for _, v := range pkt.Variables {
		if v.Name != scanning.OIDSysDescr {
			continue
		}
		if raw, ok := v.Value.([]byte); ok {
			svc.Banner = string(raw)
		}
	}
	return svc, true
}
