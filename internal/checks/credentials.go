package checks

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
	"golang.org/x/crypto/ssh"

	"github.com/anstrom/netsentry/internal/scanning"
	"github.com/anstrom/netsentry/internal/session"
)

// errAuthFailed marks a rejected login; the next credential is tried.
var errAuthFailed = stderrors.New("authentication failed")

// attemptBudget caps login attempts per host and service across ports.
type attemptBudget struct {
	mu   sync.Mutex
	used map[string]int
}

func (b *attemptBudget) spend(key string, limit int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used == nil {
		b.used = make(map[string]int)
	}
	if b.used[key] >= limit {
		return false
	}
	b.used[key]++
	return true
}

// loginFunc tries one secret. It returns errAuthFailed for a rejection and
// any other error to abort the check.
type loginFunc func(ctx context.Context, t Target, user, secret string) error

type defaultCredentials struct {
	base
	env     *Env
	service string
	port    uint16
	proto   session.Protocol
	names   []string
	// communities switches the secret list to SNMP community strings.
	communities bool
	login       loginFunc
	// precheck runs once before any attempt; false skips the check.
	precheck func(ctx context.Context, t Target) (bool, error)
}

func credentialChecks(env *Env) []Check {
	id := func(svc string) base {
		return base{id: "default-credentials-" + svc, family: FamilyDefaultCredentials}
	}
	return []Check{
		&defaultCredentials{base: id("ssh"), env: env, service: "ssh", port: 22, proto: session.TCP,
			names: []string{"ssh"}, login: env.sshLogin},
		&defaultCredentials{base: id("ftp"), env: env, service: "ftp", port: 21, proto: session.TCP,
			names: []string{"ftp"}, login: env.ftpLogin},
		&defaultCredentials{base: id("http-basic"), env: env, service: "http", proto: session.TCP,
			names: []string{"http", "https"}, login: env.basicLogin, precheck: env.wantsBasic},
		&defaultCredentials{base: id("snmp"), env: env, service: "snmp", port: 161, proto: session.UDP,
			names: []string{"snmp"}, communities: true, login: env.snmpLogin},
	}
}

func (c *defaultCredentials) Applies(t Target) bool {
	if t.Port.Protocol != c.proto {
		return false
	}
	open := t.open() || (c.proto == session.UDP && t.Port.State == session.PortOpenOrFiltered)
	if !open {
		return false
	}
	for _, n := range c.names {
		if t.Port.Service.Name == n {
			return true
		}
	}
	return c.port != 0 && t.Port.Service.Name == "" && t.Port.Port == c.port
}

func (c *defaultCredentials) secrets() []Credential {
	if !c.communities {
		return c.env.Credentials
	}
	out := make([]Credential, 0, len(c.env.SNMPCommunities))
	for _, community := range c.env.SNMPCommunities {
		out = append(out, Credential{Password: community})
	}
	return out
}

func (c *defaultCredentials) Evaluate(ctx context.Context, t Target) ([]session.Finding, error) {
	if c.precheck != nil {
		ok, err := c.precheck(ctx, t)
		if err != nil || !ok {
			return nil, err
		}
	}

	key := t.Address().String() + "|" + c.service
	for _, cred := range c.secrets() {
		if !c.env.attempts.spend(key, c.env.MaxAttempts) {
			return nil, nil
		}
		err := c.login(ctx, t, cred.Username, cred.Password)
		switch {
		case err == nil:
			return []session.Finding{c.success(t, cred)}, nil
		case stderrors.Is(err, errAuthFailed):
			continue
		default:
			return nil, err
		}
	}
	return nil, nil
}

func (c *defaultCredentials) success(t Target, cred Credential) session.Finding {
	evidence := fmt.Sprintf("login accepted for user %q", cred.Username)
	if c.communities {
		evidence = "a default community string was accepted"
	}
	return c.finding(t, session.SeverityCritical,
		fmt.Sprintf("Default %s credentials accepted", strings.ToUpper(c.service)),
		fmt.Sprintf("%s on %s accepts a well-known default credential.", c.service, t),
		evidence,
		"Change default passwords and community strings, and disable unused accounts.")
}

func (e *Env) sshLogin(ctx context.Context, t Target, user, password string) error {
	conn, err := e.Gate.DialContext(ctx, "tcp", t.HostPort(), e.Timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(e.Timeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
		out := make([]string, len(questions))
		for i := range out {
			out[i] = password
		}
		return out, nil
	}
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password), ssh.KeyboardInteractive(answer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // host identity is irrelevant here
		Timeout:         e.Timeout,
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, t.HostPort(), config)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return errAuthFailed
		}
		return err
	}
	_ = ssh.NewClient(sc, chans, reqs).Close()
	return nil
}

func (e *Env) ftpLogin(ctx context.Context, t Target, user, password string) error {
	conn, err := e.Gate.DialContext(ctx, "tcp", t.HostPort(), e.Timeout)
	if err != nil {
		return err
	}
	_ = conn.SetDeadline(time.Now().Add(e.Timeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	tp := textproto.NewConn(conn)
	defer tp.Close()

	if _, _, err := tp.ReadResponse(220); err != nil {
		return err
	}
	code, err := ftpCmd(tp, "USER "+user)
	if err != nil {
		return err
	}
	switch code {
	case 230:
		return nil
	case 331:
	default:
		return errAuthFailed
	}
	code, err = ftpCmd(tp, "PASS "+password)
	if err != nil {
		return err
	}
	_, _ = ftpCmd(tp, "QUIT")
	if code == 230 {
		return nil
	}
	return errAuthFailed
}

// ftpCmd sends one command and returns the reply code. Negative replies are
// not errors.
func ftpCmd(tp *textproto.Conn, cmd string) (int, error) {
	id, err := tp.Cmd("%s", cmd)
	if err != nil {
		return 0, err
	}
	tp.StartResponse(id)
	defer tp.EndResponse(id)
	code, _, err := tp.ReadResponse(0)
	var protoErr *textproto.Error
	if err != nil && !stderrors.As(err, &protoErr) {
		return 0, err
	}
	return code, nil
}

// wantsBasic reports whether GET / asks for HTTP Basic authentication.
func (e *Env) wantsBasic(ctx context.Context, t Target) (bool, error) {
	info, err := e.response(ctx, t)
	if err != nil {
		return false, err
	}
	if info.status != http.StatusUnauthorized {
		return false, nil
	}
	return strings.HasPrefix(strings.ToLower(info.header.Get("WWW-Authenticate")), "basic"), nil
}

func (e *Env) basicLogin(ctx context.Context, t Target, user, password string) error {
	info, err := e.get(ctx, t, "/", func(r *http.Request) { r.SetBasicAuth(user, password) })
	if err != nil {
		return err
	}
	if info.status == http.StatusUnauthorized || info.status == http.StatusForbidden {
		return errAuthFailed
	}
	return nil
}

func (e *Env) snmpLogin(ctx context.Context, t Target, _, community string) error {
	if err := e.Gate.Acquire(ctx); err != nil {
		return err
	}
	client := &gosnmp.GoSNMP{
		Target:    t.Address().String(),
		Port:      t.Port.Port,
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   e.Timeout,
		Retries:   0,
		Context:   ctx,
		Logger:    scanning.SNMPLogger,
	}
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Conn.Close()

	// Agents drop requests with a wrong community, so silence is a rejection.
	pkt, err := client.Get([]string{scanning.OIDSysDescr})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var netErr net.Error
		if stderrors.As(err, &netErr) || strings.Contains(err.Error(), "timeout") {
			return errAuthFailed
		}
		return err
	}
	if pkt.Error != gosnmp.NoError || len(pkt.Variables) == 0 {
		return errAuthFailed
	}
	switch pkt.Variables[0].Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.Null:
		return errAuthFailed
	}
	return nil
}
