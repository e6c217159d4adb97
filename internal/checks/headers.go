package checks

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/anstrom/netsentry/internal/session"
)

// httpInfo is the response to one GET / against a port.
type httpInfo struct {
	url    string
	status int
	header http.Header
}

func headerChecks(env *Env) []Check {
	headers := []struct {
		name      string
		sev       session.Severity
		httpsOnly bool
		remediate string
	}{
		{"Strict-Transport-Security", session.SeverityMedium, true, "Send Strict-Transport-Security with a max-age of at least one year."},
		{"Content-Security-Policy", session.SeverityMedium, false, "Define a Content-Security-Policy that restricts script and frame sources."},
		{"X-Frame-Options", session.SeverityLow, false, "Send X-Frame-Options: DENY or SAMEORIGIN."},
		{"X-Content-Type-Options", session.SeverityLow, false, "Send X-Content-Type-Options: nosniff."},
		{"Referrer-Policy", session.SeverityLow, false, "Send a Referrer-Policy such as strict-origin-when-cross-origin."},
	}

	out := make([]Check, 0, len(headers)+1)
	for _, h := range headers {
		out = append(out, &missingHeader{
			base:      base{id: "missing-header-" + strings.ToLower(h.name), family: FamilyHTTPHeaders},
			env:       env,
			header:    h.name,
			severity:  h.sev,
			httpsOnly: h.httpsOnly,
			remediate: h.remediate,
		})
	}
	out = append(out, &versionDisclosure{base: base{id: "server-version-disclosure", family: FamilyHTTPHeaders}, env: env})
	return out
}

func appliesHTTP(t Target) bool {
	if t.Port.Protocol != session.TCP || !t.open() {
		return false
	}
	switch t.Port.Service.Name {
	case "http", "https":
		return true
	}
	return false
}

func scheme(t Target) string {
	if t.Port.Service.TLS || t.Port.Service.Name == "https" {
		return "https"
	}
	return "http"
}

// client builds an HTTP client whose connections go through the gate and
// which never follows redirects.
func (e *Env) client(t Target) *http.Client {
	transport := &http.Transport{
		DialContext: e.Gate.Dialer(e.Timeout),
		TLSClientConfig: &tls.Config{
			ServerName:         t.Name(),
			RootCAs:            e.Roots,
			InsecureSkipVerify: !e.SSLVerify, //nolint:gosec // controlled by ssl_verify
		},
		DisableKeepAlives: true,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   e.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// get issues GET path against t and drains a bounded amount of the body.
func (e *Env) get(ctx context.Context, t Target, path string, auth func(*http.Request)) (*httpInfo, error) {
	url := fmt.Sprintf("%s://%s%s", scheme(t), t.HostPort(), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if t.Host.Hostname != "" {
		req.Host = t.Host.Hostname
	}
	req.Header.Set("User-Agent", "netsentry")
	if auth != nil {
		auth(req)
	}

	resp, err := e.client(t).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return &httpInfo{url: url, status: resp.StatusCode, header: resp.Header}, nil
}

// response fetches GET / once per port.
func (e *Env) response(ctx context.Context, t Target) (*httpInfo, error) {
	return e.responses.get(t.String(), func() (*httpInfo, error) {
		return e.get(ctx, t, "/", nil)
	})
}

type missingHeader struct {
	base
	env       *Env
	header    string
	severity  session.Severity
	httpsOnly bool
	remediate string
}

func (c *missingHeader) Applies(t Target) bool {
	if c.httpsOnly && scheme(t) != "https" {
		return false
	}
	return appliesHTTP(t)
}

func (c *missingHeader) Evaluate(ctx context.Context, t Target) ([]session.Finding, error) {
	info, err := c.env.response(ctx, t)
	if err != nil {
		return nil, err
	}
	if info.header.Get(c.header) != "" {
		return nil, nil
	}
	return []session.Finding{c.finding(t, c.severity,
		fmt.Sprintf("Missing %s header", c.header),
		fmt.Sprintf("The response from %s does not set %s.", info.url, c.header),
		fmt.Sprintf("GET %s returned %d without %s", info.url, info.status, c.header),
		c.remediate)}, nil
}

var versionToken = regexp.MustCompile(`/v?\d+(\.\d+)*`)

type versionDisclosure struct {
	base
	env *Env
}

func (c *versionDisclosure) Applies(t Target) bool { return appliesHTTP(t) }

func (c *versionDisclosure) Evaluate(ctx context.Context, t Target) ([]session.Finding, error) {
	info, err := c.env.response(ctx, t)
	if err != nil {
		return nil, err
	}

	var leaked []string
	for _, h := range []string{"Server", "X-Powered-By", "X-AspNet-Version"} {
		v := info.header.Get(h)
		if v == "" {
			continue
		}
		if h == "X-AspNet-Version" || versionToken.MatchString(v) {
			leaked = append(leaked, h+": "+v)
		}
	}
	if len(leaked) == 0 {
		return nil, nil
	}
	return []session.Finding{c.finding(t, session.SeverityInfo, "Server version disclosed",
		"Response headers reveal software versions.",
		strings.Join(leaked, "; "),
		"Suppress version details in Server and X-Powered-By headers.")}, nil
}
