package resilience

import (
	"context"
	stdErrors "errors"
	"net"
	"os"
	"strings"
	"syscall"

	xerrors "Relay-Faucet/internal/errors"
)

// Class tells the executor whether a failed attempt is worth repeating.
type Class int

const (
	// Terminal failures are returned to the caller without further attempts.
	Terminal Class = iota
	// Transient failures are retried with backoff while attempts remain.
	Transient
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "terminal"
}

var transientErrnos = []syscall.Errno{
	syscall.ETIMEDOUT,
	syscall.ENETUNREACH,
	syscall.EHOSTUNREACH,
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
}

var transientFragments = []string{"timeout", "network", "connect"}

// Classify decides whether err is a transient network failure.
//
// Coded errors are trusted first: a retryable code is transient and any other
// code is terminal, except RETRIES_EXHAUSTED which is classified by its cause.
// Uncoded errors are transient when they are timeouts, refused or unreachable
// connections, DNS lookup failures, or when their text mentions a timeout, the
// network or a connection.
func Classify(err error) Class {
	if err == nil {
		return Terminal
	}
	if stdErrors.Is(err, context.Canceled) {
		return Terminal
	}
	if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(err, os.ErrDeadlineExceeded) {
		return Transient
	}

	if coded, ok := xerrors.From(err); ok {
		if coded.Retryable() {
			return Transient
		}
		if coded.Code() != xerrors.CodeRetriesExhausted {
			return Terminal
		}
		if cause := coded.Unwrap(); cause != nil {
			return Classify(cause)
		}
		return Terminal
	}

	for _, errno := range transientErrnos {
		if stdErrors.Is(err, errno) {
			return Transient
		}
	}

	var dnsErr *net.DNSError
	if stdErrors.As(err, &dnsErr) {
		return Transient
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range transientFragments {
		if strings.Contains(msg, fragment) {
			return Transient
		}
	}
	return Terminal
}

// IsTransient reports whether Classify(err) == Transient.
func IsTransient(err error) bool {
	return Classify(err) == Transient
}
