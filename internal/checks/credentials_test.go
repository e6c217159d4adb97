package checks

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/anstrom/netsentry/internal/scanning"
	"github.com/anstrom/netsentry/internal/session"
)

var testCredentials = []Credential{
	{"admin", "admin"},
	{"root", "root"},
	{"root", "toor"},
	{"admin", "password"},
	{"anonymous", "anonymous@"},
}

func credEnv() *Env {
	return (&Env{
		Timeout:         2 * time.Second,
		Credentials:     testCredentials,
		SNMPCommunities: []string{"public", "private"},
	}).withDefaults()
}

func TestHTTPBasicDefaultCredentials(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if ok {
			attempts.Add(1)
		}
		if ok && user == "admin" && pass == "password" {
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="router"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	tgt := httpTarget(t, srv, session.Service{Name: "http"})

	c := byID(t, credentialChecks(credEnv()), "default-credentials-http-basic")
	require.True(t, c.Applies(tgt))
	findings, err := c.Evaluate(context.Background(), tgt)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, session.SeverityCritical, findings[0].Severity)
	assert.Contains(t, findings[0].Evidence, `"admin"`)
	assert.NotContains(t, findings[0].Evidence, "password")
	assert.Equal(t, int32(4), attempts.Load(), "stops at the first success")
}

func TestHTTPBasicRespectsAttemptBudget(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := r.BasicAuth(); ok {
			attempts.Add(1)
		}
		w.Header().Set("WWW-Authenticate", "Basic")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	tgt := httpTarget(t, srv, session.Service{Name: "http"})

	env := credEnv()
	env.MaxAttempts = 2
	findings, err := byID(t, credentialChecks(env), "default-credentials-http-basic").Evaluate(context.Background(), tgt)
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestHTTPBasicSkipsOpenSites(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		if _, _, ok := r.BasicAuth(); ok {
			attempts.Add(1)
		}
	}))
	t.Cleanup(srv.Close)

	findings, err := byID(t, credentialChecks(credEnv()), "default-credentials-http-basic").
		Evaluate(context.Background(), httpTarget(t, srv, session.Service{Name: "http"}))
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.Zero(t, attempts.Load())
}

// ftpServer speaks just enough FTP to accept one user and password.
func ftpServer(t *testing.T, user, pass string) Target {
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
				r := bufio.NewReader(c)
				fmt.Fprint(c, "220 (vsFTPd 3.0.3)\r\n")
				var got string
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
					switch strings.ToUpper(cmd) {
					case "USER":
						got = arg
						fmt.Fprint(c, "331 Please specify the password.\r\n")
					case "PASS":
						if got == user && arg == pass {
							fmt.Fprint(c, "230 Login successful.\r\n")
						} else {
							fmt.Fprint(c, "530 Login incorrect.\r\n")
						}
					case "QUIT":
						fmt.Fprint(c, "221 Goodbye.\r\n")
						return
					default:
						fmt.Fprint(c, "500 Unknown command.\r\n")
					}
				}
			}()
		}
	}()

	ap := netip.MustParseAddrPort(ln.Addr().String())
	return Target{
		Host: session.HostResult{Address: ap.Addr(), Live: true},
		Port: session.PortResult{Host: ap.Addr(), Port: ap.Port(), Protocol: session.TCP, State: session.PortOpen,
			Service: session.Service{Name: "ftp", Product: "vsftpd"}},
	}
}

func TestFTPDefaultCredentials(t *testing.T) {
	tgt := ftpServer(t, "anonymous", "anonymous@")
	findings, err := byID(t, credentialChecks(credEnv()), "default-credentials-ftp").Evaluate(context.Background(), tgt)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Contains(t, findings[0].Evidence, `"anonymous"`)

	tgt = ftpServer(t, "ops", "s3cret")
	findings, err = byID(t, credentialChecks(credEnv()), "default-credentials-ftp").Evaluate(context.Background(), tgt)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func sshServer(t *testing.T, user, pass string) Target {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(md ssh.ConnMetadata, p []byte) (*ssh.Permissions, error) {
			if md.User() == user && string(p) == pass {
				return nil, nil
			}
			return nil, fmt.Errorf("denied")
		},
	}
	config.AddHostKey(signer)

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
				conn, chans, reqs, err := ssh.NewServerConn(c, config)
				if err != nil {
					return
				}
				defer conn.Close()
				go ssh.DiscardRequests(reqs)
				for ch := range chans {
					_ = ch.Reject(ssh.Prohibited, "no channels")
				}
			}()
		}
	}()

	ap := netip.MustParseAddrPort(ln.Addr().String())
	return Target{
		Host: session.HostResult{Address: ap.Addr(), Live: true},
		Port: session.PortResult{Host: ap.Addr(), Port: ap.Port(), Protocol: session.TCP, State: session.PortOpen,
			Service: session.Service{Name: "ssh", Product: "OpenSSH"}},
	}
}

func TestSSHDefaultCredentials(t *testing.T) {
	tgt := sshServer(t, "root", "toor")
	findings, err := byID(t, credentialChecks(credEnv()), "default-credentials-ssh").Evaluate(context.Background(), tgt)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Contains(t, findings[0].Evidence, `"root"`)
	assert.Equal(t, "default-credentials-ssh", findings[0].CheckID)

	tgt = sshServer(t, "deploy", "long-random")
	findings, err = byID(t, credentialChecks(credEnv()), "default-credentials-ssh").Evaluate(context.Background(), tgt)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

// snmpAgent answers GetRequests that carry community and ignores the rest.
func snmpAgent(t *testing.T, community string) Target {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	decoder := &gosnmp.GoSNMP{Logger: scanning.SNMPLogger}
	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			req, err := decoder.SnmpDecodePacket(buf[:n])
			if err != nil || req.Community != community {
				continue
			}
			resp := &gosnmp.SnmpPacket{
				Version:   req.Version,
				Community: req.Community,
				PDUType:   gosnmp.GetResponse,
				RequestID: req.RequestID,
				Variables: []gosnmp.SnmpPDU{{Name: scanning.OIDSysDescr, Type: gosnmp.OctetString, Value: "Linux switch"}},
				Logger:    scanning.SNMPLogger,
			}
			out, err := resp.MarshalMsg()
			if err != nil {
				continue
			}
			_, _ = pc.WriteTo(out, from)
		}
	}()

	ap := netip.MustParseAddrPort(pc.LocalAddr().String())
	return Target{
		Host: session.HostResult{Address: ap.Addr(), Live: true},
		Port: session.PortResult{Host: ap.Addr(), Port: ap.Port(), Protocol: session.UDP, State: session.PortOpen,
			Service: session.Service{Name: "snmp"}},
	}
}

func TestSNMPDefaultCommunity(t *testing.T) {
	env := credEnv()
	env.Timeout = 300 * time.Millisecond

	tgt := snmpAgent(t, "private")
	findings, err := byID(t, credentialChecks(env), "default-credentials-snmp").Evaluate(context.Background(), tgt)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.NotContains(t, findings[0].Evidence, "private")

	env = credEnv()
	env.Timeout = 300 * time.Millisecond
	tgt = snmpAgent(t, "n0t-default")
	findings, err = byID(t, credentialChecks(env), "default-credentials-snmp").Evaluate(context.Background(), tgt)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestCredentialChecksApply(t *testing.T) {
	all := credentialChecks(credEnv())
	snmp := byID(t, all, "default-credentials-snmp")
	sshCheck := byID(t, all, "default-credentials-ssh")

	assert.True(t, snmp.Applies(portTarget("10.0.0.9", 161, session.UDP, session.PortOpenOrFiltered, session.Service{})))
	assert.False(t, snmp.Applies(portTarget("10.0.0.9", 161, session.UDP, session.PortClosed, session.Service{})))
	assert.True(t, sshCheck.Applies(portTarget("10.0.0.9", 22, session.TCP, session.PortOpen, session.Service{})))
	assert.True(t, sshCheck.Applies(portTarget("10.0.0.9", 2222, session.TCP, session.PortOpen, session.Service{Name: "ssh"})))
	assert.False(t, sshCheck.Applies(portTarget("10.0.0.9", 22, session.TCP, session.PortOpenOrFiltered, session.Service{})))
}
