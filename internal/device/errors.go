package device

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/cockroachdb/errors"
)

// ConnectionKind classifies why a terminal could not be reached
type ConnectionKind string

const (
	ConnTimeout     ConnectionKind = "timeout"
	ConnRefused     ConnectionKind = "refused"
	ConnUnreachable ConnectionKind = "unreachable"
	ConnUnknown     ConnectionKind = "unknown"
)

var (
	// ErrInvalidFingerIndex is returned before any device I/O when the finger index is not 0-9
	ErrInvalidFingerIndex = errors.New("finger index must be between 0 and 9")
	// ErrNotImplemented is returned for protocol variants without a hardware implementation
	ErrNotImplemented = errors.New("protocol not implemented")
	// ErrNotConnected is returned when a command is issued on a closed session
	ErrNotConnected = errors.New("device session is not connected")
)

// ConnectionError means the transport to the terminal could not be established or was lost
type ConnectionError struct {
	Addr string
	Kind ConnectionKind
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Addr, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NewConnectionError classifies a transport error for addr
func NewConnectionError(addr string, err error) *ConnectionError {
	return &ConnectionError{Addr: addr, Kind: classify(err), Err: err}
}

func classify(err error) ConnectionKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ConnTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return ConnRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTDOWN):
		return ConnUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ConnTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ConnUnreachable
	}
	return ConnUnknown
}

// ProtocolError means the terminal answered but the answer was unusable
type ProtocolError struct {
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("zkteco %s: %s", e.Op, e.Reason)
}

// NewProtocolError builds a ProtocolError with a formatted reason
func NewProtocolError(op, format string, args ...any) *ProtocolError {
	return &ProtocolError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// EnrollmentError means the terminal did not capture a fingerprint template
type EnrollmentError struct {
	UID    int
	Reason string
}

func (e *EnrollmentError) Error() string {
	return fmt.Sprintf("enroll uid %d: %s", e.UID, e.Reason)
}

// Diagnostic is the user-facing explanation of a failed device operation
type Diagnostic struct {
	Kind    string   `json:"kind"`
	Message string   `json:"message"`
	Causes  []string `json:"causes,omitempty"`
}

// Diagnose maps any device-facing error onto a message and a list of likely causes
func Diagnose(err error) Diagnostic {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		switch connErr.Kind {
		case ConnTimeout:
			return Diagnostic{
				Kind:    string(ConnTimeout),
				Message: fmt.Sprintf("Connection to %s timed out", connErr.Addr),
				Causes: []string{
					"Device is powered off",
					"Incorrect IP address",
					"Device is on a different network or subnet",
					"Firewall is blocking the device port (default 4370)",
				},
			}
		case ConnRefused:
			return Diagnostic{
				Kind:    string(ConnRefused),
				Message: fmt.Sprintf("Connection to %s was refused", connErr.Addr),
				Causes: []string{
					"Wrong port number (default is 4370)",
					"TCP/IP communication is disabled on the device",
					"Another application holds the device connection",
				},
			}
		case ConnUnreachable:
			return Diagnostic{
				Kind:    string(ConnUnreachable),
				Message: fmt.Sprintf("Host %s is unreachable", connErr.Addr),
				Causes: []string{
					"Network cable is disconnected",
					"Device IP is outside the bridge's subnet",
					"Router or switch is down",
				},
			}
		}
		return Diagnostic{
			Kind:    string(ConnUnknown),
			Message: fmt.Sprintf("Could not connect to %s: %v", connErr.Addr, connErr.Err),
			Causes:  []string{"Check the device network settings"},
		}
	}

	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return Diagnostic{
			Kind:    "protocol",
			Message: protoErr.Error(),
			Causes: []string{
				"Device firmware does not support this command",
				"Device requires a communication key",
			},
		}
	}

	var enrollErr *EnrollmentError
	if errors.As(err, &enrollErr) {
		return Diagnostic{
			Kind:    "enrollment",
			Message: enrollErr.Error(),
			Causes: []string{
				"No finger was placed on the sensor",
				"The device did not enter enrollment mode",
				"The finger is already enrolled",
			},
		}
	}

	if errors.Is(err, ErrInvalidFingerIndex) {
		return Diagnostic{Kind: "invalid_request", Message: err.Error()}
	}

	return Diagnostic{Kind: "unknown", Message: err.Error()}
}
