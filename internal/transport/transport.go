// Package transport implements the polymorphic printer transport interface
// (§4.2): USB, network (TCP/IP), and Bluetooth LE drivers behind one
// Driver interface so the dispatcher never branches on transport kind.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/appetiteclub/printerd/internal/model"
)

// Status is the result of a liveness probe.
type Status string

const (
	StatusOnline   Status = "online"
	StatusOffline  Status = "offline"
	StatusDegraded Status = "degraded"
)

// ErrorKind classifies a Send failure for the queue's retry policy: a
// transient error is worth retrying with backoff, a permanent one is not
// (§4.5, §8).
type ErrorKind string

const (
	ErrorTransient ErrorKind = "transient"
	ErrorPermanent ErrorKind = "permanent"
)

// ErrRequiredUnavailable marks the §6 exit code 69 condition: a configured
// printer needs a transport this build/host cannot provide (e.g. a
// Bluetooth radio absent, or BLE disabled via DISABLE_BLE while a printer
// is still assigned to it).
var ErrRequiredUnavailable = errors.New("transport: required transport unavailable")

// SendError wraps a transport failure with its retry classification.
type SendError struct {
	Kind ErrorKind
	Err  error
}

func (e *SendError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

func transientf(format string, a ...any) error {
	return &SendError{Kind: ErrorTransient, Err: fmt.Errorf(format, a...)}
}

func permanentf(format string, a ...any) error {
	return &SendError{Kind: ErrorPermanent, Err: fmt.Errorf(format, a...)}
}

// FailureKind maps a Send error to the model.FailureKind the queue expects,
// defaulting to transient for unclassified errors since a printer going
// briefly unreachable is far more common than a malformed payload.
func FailureKind(err error) model.FailureKind {
	var se *SendError
	if errors.As(err, &se) && se.Kind == ErrorPermanent {
		return model.FailurePermanent
	}
	return model.FailureTransient
}

// Driver is one physical printer's transport. Implementations must be safe
// for concurrent Probe calls but Send is only ever called by the printer's
// single dispatcher worker (§5).
type Driver interface {
	// Send writes raw ESC/POS bytes to the printer and waits for the
	// transport to accept them (not for the paper to actually print).
	Send(ctx context.Context, data []byte) error
	// Probe reports current liveness without sending print data.
	Probe(ctx context.Context) Status
	// Close releases any held connection.
	Close() error
}

// DefaultSendTimeout bounds a single Send call; the dispatcher also
// enforces the queue lease TTL independently.
const DefaultSendTimeout = 10 * time.Second

// DefaultProbeTimeout bounds a single Probe call.
const DefaultProbeTimeout = 3 * time.Second

// Config carries the fields every driver needs regardless of transport
// kind; concrete drivers read only the fields relevant to them.
type Config struct {
	Address      string // host:port for network, device path for USB, MAC for BLE
	SendTimeout  time.Duration
	ProbeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	return c
}

func deadlineFrom(d time.Duration) time.Time {
	return time.Now().Add(d)
}

// New builds the Driver appropriate for kind.
func New(kind model.TransportKind, cfg Config) (Driver, error) {
	cfg = cfg.withDefaults()
	switch kind {
	case model.TransportUSB:
		return newUSBDriver(cfg), nil
	case model.TransportNetwork:
		return newTCPDriver(cfg), nil
	case model.TransportBluetooth:
		return newBLEDriver(cfg), nil
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", kind)
	}
}
