package transport

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"sync"
)

// defaultRawPrintPort is the conventional "raw" ESC/POS listener port most
// network thermal printers expose (§4.2).
const defaultRawPrintPort = "9100"

// tlsReservedPort is reserved by §4.2 to mean "this printer's raw-print
// listener speaks TLS"; connecting here upgrades the socket before any
// ESC/POS bytes are written.
const tlsReservedPort = "9101"

// tcpDriver talks to a network printer over a raw TCP socket (typically
// port 9100, "raw" ESC/POS). The connection is opened lazily on first Send
// and kept alive across calls; a probe failure or send error closes it so
// the next call reconnects.
type tcpDriver struct {
	cfg Config

	mu   sync.Mutex
	conn net.Conn
}

func newTCPDriver(cfg Config) *tcpDriver {
	return &tcpDriver{cfg: cfg}
}

func (d *tcpDriver) Send(ctx context.Context, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		conn, err := d.dial(ctx)
		if err != nil {
			return transientf("dial %s: %w", d.cfg.Address, err)
		}
		d.conn = conn
	}

	if deadline, ok := ctx.Deadline(); ok {
		d.conn.SetWriteDeadline(deadline)
	} else {
		d.conn.SetWriteDeadline(deadlineFrom(d.cfg.SendTimeout))
	}

	if _, err := d.conn.Write(data); err != nil {
		d.conn.Close()
		d.conn = nil
		return transientf("write to %s: %w", d.cfg.Address, err)
	}
	return nil
}

func (d *tcpDriver) Probe(ctx context.Context) Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil {
		// a live connection that still accepts a zero-byte write is a good
		// enough liveness signal without disturbing an in-flight print.
		if _, err := d.conn.Write(nil); err == nil {
			return StatusOnline
		}
		d.conn.Close()
		d.conn = nil
	}

	conn, err := d.dial(ctx)
	if err != nil {
		return StatusOffline
	}
	conn.Close()
	return StatusOnline
}

func (d *tcpDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

func (d *tcpDriver) dial(ctx context.Context) (net.Conn, error) {
	addr, useTLS := d.resolveAddr()
	dialer := net.Dialer{Timeout: d.cfg.ProbeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil || !useTLS {
		return conn, err
	}
	host, _, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		host = addr
	}
	tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// resolveAddr fills in the default raw-printing port when the configured
// address carries none, and reports whether the port names the §4.2
// TLS-reserved listener.
func (d *tcpDriver) resolveAddr() (addr string, useTLS bool) {
	addr = d.cfg.Address
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, defaultRawPrintPort)
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, false
	}
	return addr, port == tlsReservedPort
}
