package probe

import (
	"context"
	stderrors "errors"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/anstrom/netsentry/internal/errors"
)

// Outcome is the coarse result of a single connection attempt.
type Outcome int

const (
	OutcomeConnected Outcome = iota
	OutcomeRefused
	OutcomeTimeout
	OutcomeUnreachable
	OutcomeExhausted
	OutcomeOther
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConnected:
		return "connected"
	case OutcomeRefused:
		return "refused"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeUnreachable:
		return "unreachable"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "error"
	}
}

// Classify maps a dial or read error onto an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeConnected
	}

	switch {
	case stderrors.Is(err, syscall.ECONNREFUSED):
		return OutcomeRefused
	case stderrors.Is(err, syscall.ENETUNREACH), stderrors.Is(err, syscall.EHOSTUNREACH):
		return OutcomeUnreachable
	case stderrors.Is(err, syscall.EMFILE), stderrors.Is(err, syscall.ENFILE), stderrors.Is(err, syscall.ENOBUFS):
		return OutcomeExhausted
	case stderrors.Is(err, context.DeadlineExceeded), os.IsTimeout(err):
		return OutcomeTimeout
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeOther
}

// TypedError converts a classified failure into the matching error type so
// retry and logging decisions can rely on errors.IsRetryable.
func TypedError(stage string, addr netip.Addr, port int, timeout time.Duration, err error) error {
	target := addr.String()
	switch Classify(err) {
	case OutcomeTimeout:
		return errors.NewProbeTimeoutError(stage, target, port, timeout, err)
	case OutcomeUnreachable:
		return errors.NewNetworkUnreachableError(target, err)
	case OutcomeExhausted:
		return errors.ErrResourceExhausted(target, err)
	default:
		return err
	}
}

// HostPort formats an address and port for net.Dial, bracketing IPv6.
func HostPort(addr netip.Addr, port int) string {
	return net.JoinHostPort(addr.String(), strconv.Itoa(port))
}

var (
	geteuid  = os.Geteuid
	lookPath = exec.LookPath
)

// NmapAvailable reports whether an nmap binary is on PATH.
func NmapAvailable() bool {
	_, err := lookPath("nmap")
	return err == nil
}

// Privileged reports whether raw-socket techniques can run: the process is
// root and nmap is installed.
func Privileged() bool {
	return geteuid() == 0 && NmapAvailable()
}
