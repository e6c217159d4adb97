package checks

import (
	"context"
	"crypto/dsa" //nolint:staticcheck // legacy keys still show up on appliances
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"time"

	ztls "github.com/zmap/zcrypto/tls"

	"github.com/anstrom/netsentry/internal/session"
)

// certInfo is what one handshake tells us about a server certificate.
type certInfo struct {
	chain     []*x509.Certificate
	verifyErr error
	hostErr   error
}

func (c *certInfo) leaf() *x509.Certificate {
	return c.chain[0]
}

func tlsChecks(env *Env) []Check {
	out := []Check{
		&weakTLSVersion{base: base{id: "weak-tls-version", family: FamilyTLS}, env: env},
		&weakTLSCipher{base: base{id: "weak-tls-cipher", family: FamilyTLS}, env: env},
	}
	for _, rule := range certRules() {
		out = append(out, &certCheck{base: base{id: rule.id, family: FamilyTLS}, env: env, rule: rule})
	}
	out = append(out, &verificationDisabled{base: base{id: "tls-verification-disabled", family: FamilyTLS}, env: env})
	return out
}

func appliesTLS(t Target) bool {
	return t.Port.Protocol == session.TCP && t.open() && t.Port.Service.TLS
}

// handshake dials t through the gate and runs hs on the raw connection.
func (e *Env) handshake(ctx context.Context, t Target, hs func(net.Conn) error) error {
	conn, err := e.Gate.DialContext(ctx, "tcp", t.HostPort(), e.Timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(e.Timeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()
	return hs(conn)
}

// serverName is the SNI value; IP literals are not sent.
func serverName(t Target) string {
	if t.Host.Hostname != "" {
		return t.Host.Hostname
	}
	return ""
}

type tlsVersion struct {
	name   string
	id     uint16
	legacy bool
}

var tlsVersions = []tlsVersion{
	{"TLS 1.3", tls.VersionTLS13, false},
	{"TLS 1.2", tls.VersionTLS12, false},
	{"TLS 1.1", ztls.VersionTLS11, true},
	{"TLS 1.0", ztls.VersionTLS10, true},
	{"SSL 3.0", ztls.VersionSSL30, true},
}

type weakTLSVersion struct {
	base
	env *Env
}

func (c *weakTLSVersion) Applies(t Target) bool { return appliesTLS(t) }

func (c *weakTLSVersion) Evaluate(ctx context.Context, t Target) ([]session.Finding, error) {
	var offered, deprecated []string
	sslv3 := false
	for _, v := range tlsVersions {
		ok, err := c.offers(ctx, t, v)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		offered = append(offered, v.name)
		if v.legacy {
			deprecated = append(deprecated, v.name)
			sslv3 = sslv3 || v.id == ztls.VersionSSL30
		}
	}
	if len(deprecated) == 0 {
		return nil, nil
	}

	sev := session.SeverityMedium
	if sslv3 {
		sev = session.SeverityHigh
	}
	return []session.Finding{c.finding(t, sev, "Deprecated TLS protocol versions offered",
		"The server accepts protocol versions with known weaknesses.",
		fmt.Sprintf("deprecated: %s; offered: %s", strings.Join(deprecated, ", "), strings.Join(offered, ", ")),
		"Disable SSL 3.0, TLS 1.0 and TLS 1.1 and require TLS 1.2 or later.")}, nil
}

// offers reports whether the server completes a handshake pinned to v. Only
// dial failures are errors; a refused handshake means not offered.
func (c *weakTLSVersion) offers(ctx context.Context, t Target, v tlsVersion) (bool, error) {
	var hsErr error
	err := c.env.handshake(ctx, t, func(conn net.Conn) error {
		if v.legacy {
			client := ztls.Client(conn, &ztls.Config{
				ServerName:         serverName(t),
				InsecureSkipVerify: true,
				MinVersion:         v.id,
				MaxVersion:         v.id,
			})
			hsErr = client.Handshake()
			return nil
		}
		client := tls.Client(conn, &tls.Config{
			ServerName:         serverName(t),
			InsecureSkipVerify: true, //nolint:gosec // enumeration only
			MinVersion:         v.id,
			MaxVersion:         v.id,
		})
		hsErr = client.HandshakeContext(ctx)
		return nil
	})
	if err != nil {
		return false, err
	}
	if hsErr != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	return hsErr == nil, nil
}

type weakTLSCipher struct {
	base
	env *Env
}

func (c *weakTLSCipher) Applies(t Target) bool { return appliesTLS(t) }

// legacySuites are the suite classes crypto/tls cannot offer at all. zcrypto
// puts them on the wire; the server choosing one in its ServerHello is enough
// to count as accepted.
var legacySuites = []uint16{
	ztls.TLS_RSA_WITH_NULL_MD5,
	ztls.TLS_RSA_WITH_NULL_SHA,
	ztls.TLS_RSA_WITH_NULL_SHA256,
	ztls.TLS_ECDHE_RSA_WITH_NULL_SHA,
	ztls.TLS_ECDHE_ECDSA_WITH_NULL_SHA,
	ztls.TLS_RSA_EXPORT_WITH_RC4_40_MD5,
	ztls.TLS_RSA_EXPORT_WITH_RC2_CBC_40_MD5,
	ztls.TLS_RSA_EXPORT_WITH_DES40_CBC_SHA,
	ztls.TLS_DHE_RSA_EXPORT_WITH_DES40_CBC_SHA,
	ztls.TLS_RSA_EXPORT1024_WITH_RC4_56_SHA,
	ztls.TLS_RSA_EXPORT1024_WITH_DES_CBC_SHA,
	ztls.TLS_DH_ANON_WITH_AES_128_CBC_SHA,
	ztls.TLS_DH_ANON_WITH_AES_256_CBC_SHA,
	ztls.TLS_DH_ANON_WITH_3DES_EDE_CBC_SHA,
	ztls.TLS_DH_ANON_WITH_RC4_128_MD5,
	ztls.TLS_ECDH_ANON_WITH_AES_128_CBC_SHA,
	ztls.TLS_ECDH_ANON_WITH_RC4_128_SHA,
}

func (c *weakTLSCipher) Evaluate(ctx context.Context, t Target) ([]session.Finding, error) {
	var accepted []string
	sev := session.SeverityMedium
	accept := func(name string) {
		accepted = append(accepted, name)
		if cipherSeverity(name) > sev {
			sev = cipherSeverity(name)
		}
	}

	for _, suite := range tls.InsecureCipherSuites() {
		var hsErr error
		err := c.env.handshake(ctx, t, func(conn net.Conn) error {
			client := tls.Client(conn, &tls.Config{
				ServerName:         serverName(t),
				InsecureSkipVerify: true, //nolint:gosec // enumeration only
				CipherSuites:       []uint16{suite.ID},
				MinVersion:         tls.VersionTLS10,
				MaxVersion:         tls.VersionTLS12,
			})
			hsErr = client.HandshakeContext(ctx)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if hsErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		accept(suite.Name)
	}

	for _, suite := range legacySuites {
		picked, err := c.serverPicks(ctx, t, suite)
		if err != nil {
			return nil, err
		}
		if picked {
			accept(ztls.CipherSuite(suite).String())
		}
	}

	if len(accepted) == 0 {
		return nil, nil
	}
	return []session.Finding{c.finding(t, sev, "Weak TLS cipher suites accepted",
		"The server negotiates cipher suites considered insecure.",
		"accepted: "+strings.Join(accepted, ", "),
		"Restrict the server to AEAD cipher suites with forward secrecy.")}, nil
}

// serverPicks offers suite alone and reports whether the server's ServerHello
// selects it. The handshake itself is never completed.
func (c *weakTLSCipher) serverPicks(ctx context.Context, t Target, suite uint16) (bool, error) {
	var picked bool
	err := c.env.handshake(ctx, t, func(conn net.Conn) error {
		exts := []ztls.ClientExtension{
			&ztls.SupportedCurvesExtension{Curves: []ztls.CurveID{ztls.CurveP256, ztls.CurveP384}},
			&ztls.PointFormatExtension{Formats: []uint8{0}},
		}
		if name := serverName(t); name != "" {
			exts = append(exts, &ztls.SNIExtension{Domains: []string{name}})
		}
		client := ztls.Client(conn, &ztls.Config{
			InsecureSkipVerify: true,
			ForceSuites:        true,
			MinVersion:         ztls.VersionSSL30,
			ClientFingerprintConfiguration: &ztls.ClientFingerprintConfiguration{
				HandshakeVersion:   ztls.VersionTLS12,
				CipherSuites:       []uint16{suite},
				CompressionMethods: []uint8{0},
				Extensions:         exts,
			},
		})
		_ = client.Handshake()
		if log := client.GetHandshakeLog(); log != nil && log.ServerHello != nil {
			picked = uint16(log.ServerHello.CipherSuite) == suite
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return picked, nil
}

func cipherSeverity(name string) session.Severity {
	upper := strings.ToUpper(name)
	for _, weak := range []string{"RC4", "NULL", "EXPORT", "ANON"} {
		if strings.Contains(upper, weak) {
			return session.SeverityHigh
		}
	}
	return session.SeverityMedium
}

// certificate fetches and verifies the server chain once per port.
func (e *Env) certificate(ctx context.Context, t Target) (*certInfo, error) {
	return e.certs.get(t.String(), func() (*certInfo, error) {
		var state tls.ConnectionState
		err := e.handshake(ctx, t, func(conn net.Conn) error {
			client := tls.Client(conn, &tls.Config{
				ServerName:         serverName(t),
				InsecureSkipVerify: true, //nolint:gosec // verified below against Roots
				MinVersion:         tls.VersionTLS10,
			})
			if err := client.HandshakeContext(ctx); err != nil {
				return err
			}
			state = client.ConnectionState()
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(state.PeerCertificates) == 0 {
			return nil, fmt.Errorf("%s presented no certificate", t)
		}

		info := &certInfo{chain: state.PeerCertificates}
		intermediates := x509.NewCertPool()
		for _, c := range info.chain[1:] {
			intermediates.AddCert(c)
		}
		_, info.verifyErr = info.leaf().Verify(x509.VerifyOptions{
			Roots:         e.Roots,
			Intermediates: intermediates,
			CurrentTime:   e.Now(),
		})
		info.hostErr = info.leaf().VerifyHostname(t.Name())
		return info, nil
	})
}

type certRule struct {
	id        string
	title     string
	remediate string
	// verify marks rules that only run when certificate verification is on.
	verify bool
	eval   func(info *certInfo, now time.Time) (session.Severity, string, bool)
}

func certRules() []certRule {
	return []certRule{
		{
			id:        "tls-cert-expired",
			title:     "TLS certificate expired",
			remediate: "Renew the certificate and automate renewal.",
			eval: func(info *certInfo, now time.Time) (session.Severity, string, bool) {
				leaf := info.leaf()
				return session.SeverityHigh, "not after " + leaf.NotAfter.UTC().Format(time.RFC3339), now.After(leaf.NotAfter)
			},
		},
		{
			id:        "tls-cert-not-yet-valid",
			title:     "TLS certificate not yet valid",
			remediate: "Check the issuing system clock and reissue the certificate.",
			eval: func(info *certInfo, now time.Time) (session.Severity, string, bool) {
				leaf := info.leaf()
				return session.SeverityMedium, "not before " + leaf.NotBefore.UTC().Format(time.RFC3339), now.Before(leaf.NotBefore)
			},
		},
		{
			id:        "tls-cert-self-signed",
			title:     "Self-signed TLS certificate",
			remediate: "Use a certificate issued by a trusted certificate authority.",
			eval: func(info *certInfo, _ time.Time) (session.Severity, string, bool) {
				leaf := info.leaf()
				self := leaf.Subject.String() == leaf.Issuer.String() && leaf.CheckSignatureFrom(leaf) == nil
				return session.SeverityMedium, "subject and issuer: " + leaf.Subject.String(), self
			},
		},
		{
			id:        "tls-cert-weak-key",
			title:     "Weak TLS certificate key",
			remediate: "Reissue the certificate with an RSA key of at least 2048 bits or an ECDSA P-256 key.",
			eval: func(info *certInfo, _ time.Time) (session.Severity, string, bool) {
				return keyStrength(info.leaf())
			},
		},
		{
			id:        "tls-cert-hostname-mismatch",
			title:     "TLS certificate does not match host",
			remediate: "Reissue the certificate with the served hostname in its subject alternative names.",
			verify:    true,
			eval: func(info *certInfo, _ time.Time) (session.Severity, string, bool) {
				if info.hostErr == nil {
					return session.SeverityMedium, "", false
				}
				return session.SeverityMedium, info.hostErr.Error(), true
			},
		},
		{
			id:        "tls-cert-untrusted",
			title:     "Untrusted TLS certificate chain",
			remediate: "Serve the full chain up to a trusted root.",
			verify:    true,
			eval: func(info *certInfo, _ time.Time) (session.Severity, string, bool) {
				if info.verifyErr == nil || expiryOnly(info.verifyErr) {
					return session.SeverityMedium, "", false
				}
				return session.SeverityMedium, info.verifyErr.Error(), true
			},
		},
	}
}

// expiryOnly reports whether verification failed solely on the validity
// window, which the expiry rules already cover.
func expiryOnly(err error) bool {
	var invalid x509.CertificateInvalidError
	return stderrors.As(err, &invalid) && invalid.Reason == x509.Expired
}

func keyStrength(cert *x509.Certificate) (session.Severity, string, bool) {
	var bits int
	var algo string
	switch key := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		bits, algo = key.N.BitLen(), "RSA"
	case *dsa.PublicKey:
		bits, algo = key.P.BitLen(), "DSA"
	case *ecdsa.PublicKey:
		bits = key.Curve.Params().BitSize
		evidence := fmt.Sprintf("ECDSA %d bits", bits)
		return session.SeverityHigh, evidence, bits < 224
	default:
		return session.SeverityInfo, "", false
	}

	evidence := fmt.Sprintf("%s %d bits", algo, bits)
	switch {
	case bits < 1024:
		return session.SeverityCritical, evidence, true
	case bits < 2048:
		return session.SeverityHigh, evidence, true
	}
	return session.SeverityInfo, evidence, false
}

type certCheck struct {
	base
	env  *Env
	rule certRule
}

func (c *certCheck) Applies(t Target) bool {
	if c.rule.verify && !c.env.SSLVerify {
		return false
	}
	return appliesTLS(t)
}

func (c *certCheck) Evaluate(ctx context.Context, t Target) ([]session.Finding, error) {
	info, err := c.env.certificate(ctx, t)
	if err != nil {
		return nil, err
	}
	sev, evidence, hit := c.rule.eval(info, c.env.Now())
	if !hit {
		return nil, nil
	}
	return []session.Finding{c.finding(t, sev, c.rule.title,
		fmt.Sprintf("Certificate for %s: %s.", info.leaf().Subject.CommonName, strings.ToLower(c.rule.title)),
		evidence, c.rule.remediate)}, nil
}

type verificationDisabled struct {
	base
	env *Env
}

func (c *verificationDisabled) Applies(t Target) bool {
	return !c.env.SSLVerify && appliesTLS(t)
}

func (c *verificationDisabled) Evaluate(_ context.Context, t Target) ([]session.Finding, error) {
	return []session.Finding{c.finding(t, session.SeverityInfo, "TLS certificate verification disabled",
		"Hostname and chain trust were not checked for this endpoint.",
		"ssl_verify=false",
		"Enable ssl_verify to validate certificate chains and hostnames.")}, nil
}
