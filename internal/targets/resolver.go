// Package targets expands target expressions (addresses, CIDR blocks, ranges
// and hostnames) into an ordered, de-duplicated list of concrete addresses.
package targets

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/anstrom/netsentry/internal/errors"
	"github.com/anstrom/netsentry/internal/logging"
	"github.com/anstrom/netsentry/internal/session"
)

const (
	// Largest expansion accepted for a single expression.
	maxHostBits    = 16
	maxRangeLength = 1 << maxHostBits

	// IPv4 prefixes shorter than this lose their network and broadcast addresses.
	pointToPointBits = 31
)

var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,62})(\.[A-Za-z0-9]([A-Za-z0-9-]{0,62}))*\.?$`)

// Address is one concrete target.
type Address struct {
	IP       netip.Addr
	Hostname string
}

func (a Address) String() string {
	if a.Hostname != "" {
		return fmt.Sprintf("%s (%s)", a.IP, a.Hostname)
	}
	return a.IP.String()
}

// Resolution is the output of Resolve.
type Resolution struct {
	Addresses []Address
	Skipped   []session.SkippedTarget
}

// Lookup resolves a hostname to addresses.
type Lookup interface {
	LookupHost(ctx context.Context, host string) ([]netip.Addr, error)
}

// Resolver turns target expressions into addresses.
type Resolver struct {
	lookup   Lookup
	excludes []netip.Prefix
	logger   *logging.Logger
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithLookup replaces the hostname lookup.
func WithLookup(l Lookup) Option {
	return func(r *Resolver) { r.lookup = l }
}

// WithLogger sets the resolver logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a resolver that uses the system resolver unless
// another Lookup is supplied.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		lookup: SystemLookup{},
		logger: logging.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("targets")
	return r
}

// SetExcludes parses addresses or CIDR blocks that Resolve drops from its
// output.
func (r *Resolver) SetExcludes(excludes []string) error {
	prefixes := make([]netip.Prefix, 0, len(excludes))
	for _, raw := range excludes {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return errors.NewInvalidTargetError(raw, "invalid exclude prefix", err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return errors.NewInvalidTargetError(raw, "invalid exclude address", err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	r.excludes = prefixes
	return nil
}

// Split breaks comma separated inputs into individual expressions.
func Split(inputs []string) []string {
	var out []string
	for _, in := range inputs {
		for _, part := range strings.Split(in, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Resolve expands inputs in order. Malformed expressions abort with an
// InvalidTargetError. A hostname that does not resolve is reported in
// Skipped, unless it is the only expression, in which case it is fatal.
func (r *Resolver) Resolve(ctx context.Context, inputs []string) (*Resolution, error) {
	exprs := Split(inputs)
	if len(exprs) == 0 {
		return nil, errors.NewInvalidTargetError("", "no targets given", nil)
	}

	res := &Resolution{}
	seen := make(map[netip.Addr]bool)
	add := func(addr netip.Addr, hostname string) {
		addr = addr.Unmap()
		if seen[addr] || r.excluded(addr) {
			return
		}
		seen[addr] = true
		res.Addresses = append(res.Addresses, Address{IP: addr, Hostname: hostname})
	}

	for _, expr := range exprs {
		addrs, isHostname, err := expand(expr)
		if err != nil {
			return nil, err
		}
		if !isHostname {
			for _, a := range addrs {
				add(a, "")
			}
			continue
		}

		resolved, err := r.lookup.LookupHost(ctx, expr)
		if err != nil || len(resolved) == 0 {
			if err == nil {
				err = fmt.Errorf("no addresses for %s", expr)
			}
			if len(exprs) == 1 {
				return nil, errors.NewInvalidTargetError(expr, "hostname did not resolve", err)
			}
			r.logger.WithError(err).WarnTarget("Skipping unresolvable hostname", expr)
			res.Skipped = append(res.Skipped, session.SkippedTarget{Input: expr, Reason: err.Error()})
			continue
		}
		for _, a := range resolved {
			add(a, strings.TrimSuffix(expr, "."))
		}
	}

	r.logger.Debug("Resolved targets", "expressions", len(exprs), "addresses", len(res.Addresses), "skipped", len(res.Skipped))
	return res, nil
}

func (r *Resolver) excluded(addr netip.Addr) bool {
	for _, p := range r.excludes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// expand parses one expression. It returns isHostname=true, with no
// addresses, when the expression must be looked up.
func expand(expr string) (addrs []netip.Addr, isHostname bool, err error) {
	switch {
	case strings.Contains(expr, "/"):
		addrs, err = expandPrefix(expr)
		return addrs, false, err
	case strings.Contains(expr, "-") && isRangeStart(expr):
		addrs, err = expandRange(expr)
		return addrs, false, err
	}

	if addr, perr := netip.ParseAddr(expr); perr == nil {
		return []netip.Addr{addr.WithZone("")}, false, nil
	}
	if hostnamePattern.MatchString(expr) && !allDigitsAndDots(expr) {
		return nil, true, nil
	}
	return nil, false, errors.NewInvalidTargetError(expr, "not an address, network, range or hostname", nil)
}

func expandPrefix(expr string) ([]netip.Addr, error) {
	prefix, err := netip.ParsePrefix(expr)
	if err != nil {
		return nil, errors.NewInvalidTargetError(expr, "invalid network", err)
	}
	prefix = prefix.Masked()
	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits > maxHostBits {
		return nil, errors.NewInvalidTargetError(expr,
			fmt.Sprintf("network too large (more than %d host bits)", maxHostBits), nil)
	}

	addrs := make([]netip.Addr, 0, 1<<hostBits)
	for a := prefix.Addr(); a.IsValid() && prefix.Contains(a); a = a.Next() {
		addrs = append(addrs, a)
	}

	if prefix.Addr().Is4() && prefix.Bits() < pointToPointBits && len(addrs) > 2 {
		addrs = addrs[1 : len(addrs)-1]
	}
	return addrs, nil
}

func isRangeStart(expr string) bool {
	start, _, _ := strings.Cut(expr, "-")
	_, err := netip.ParseAddr(strings.TrimSpace(start))
	return err == nil
}

// expandRange handles "a-b" with two full addresses and the IPv4 shorthand
// "10.0.0.1-20", where the end replaces the last octet.
func expandRange(expr string) ([]netip.Addr, error) {
	startStr, endStr, _ := strings.Cut(expr, "-")
	start, err := netip.ParseAddr(strings.TrimSpace(startStr))
	if err != nil {
		return nil, errors.NewInvalidTargetError(expr, "invalid range start", err)
	}
	endStr = strings.TrimSpace(endStr)

	end, err := netip.ParseAddr(endStr)
	if err != nil {
		octet, convErr := strconv.Atoi(endStr)
		if convErr != nil || !start.Is4() || octet < 0 || octet > 255 {
			return nil, errors.NewInvalidTargetError(expr, "invalid range end", err)
		}
		b := start.As4()
		b[3] = byte(octet)
		end = netip.AddrFrom4(b)
	}

	if start.Is4() != end.Is4() {
		return nil, errors.NewInvalidTargetError(expr, "range mixes address families", nil)
	}
	if end.Less(start) {
		return nil, errors.NewInvalidTargetError(expr, "range end precedes start", nil)
	}

	var addrs []netip.Addr
	for a := start; ; a = a.Next() {
		addrs = append(addrs, a)
		if len(addrs) > maxRangeLength {
			return nil, errors.NewInvalidTargetError(expr,
				fmt.Sprintf("range longer than %d addresses", maxRangeLength), nil)
		}
		if a == end {
			break
		}
	}
	return addrs, nil
}

func allDigitsAndDots(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && c != '.' {
			return false
		}
	}
	return true
}
