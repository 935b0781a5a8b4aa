package transport

import (
	"context"
	"fmt"
	"sync"
)

// defaultBLEMTU is the write-without-response payload size most BLE
// thermal printers negotiate when the host doesn't request a larger MTU;
// chunking to this size keeps us working even against printers that never
// ack an MTU exchange request.
const defaultBLEMTU = 20

// bleConn abstracts the platform GATT characteristic this driver writes
// to, so the chunking and drop-connection-on-error logic here is testable
// without real Bluetooth hardware. connectBLE is the production implementation; tests inject a
// fake.
type bleConn interface {
	WriteChunk(ctx context.Context, chunk []byte) error
	MTU() int
	Close() error
}

// connectBLE is the hook a platform build plugs a real GATT client into.
// The portable build (this one) has none available: Go's BLE ecosystem
// requires cgo or OS-specific bindings (CoreBluetooth, BlueZ/D-Bus) that
// no library in this module's dependency set provides, so Probe reports
// StatusOffline and Send fails with a clearly transient error rather than
// panicking (see DESIGN.md).
var connectBLE = func(ctx context.Context, address string) (bleConn, error) {
	return nil, fmt.Errorf("ble transport requires a platform GATT binding, none linked into this build")
}

type bleDriver struct {
	cfg Config

	mu   sync.Mutex
	conn bleConn
}

func newBLEDriver(cfg Config) *bleDriver {
	return &bleDriver{cfg: cfg}
}

func (d *bleDriver) Send(ctx context.Context, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		conn, err := connectBLE(ctx, d.cfg.Address)
		if err != nil {
			return transientf("ble connect %s: %w", d.cfg.Address, err)
		}
		d.conn = conn
	}

	mtu := d.conn.MTU()
	if mtu <= 0 {
		mtu = defaultBLEMTU
	}
	for start := 0; start < len(data); start += mtu {
		end := start + mtu
		if end > len(data) {
			end = len(data)
		}
		if err := d.conn.WriteChunk(ctx, data[start:end]); err != nil {
			d.conn.Close()
			d.conn = nil
			return transientf("ble write chunk to %s: %w", d.cfg.Address, err)
		}
	}
	return nil
}

func (d *bleDriver) Probe(ctx context.Context) Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil {
		return StatusOnline
	}
	conn, err := connectBLE(ctx, d.cfg.Address)
	if err != nil {
		return StatusOffline
	}
	d.conn = conn
	return StatusOnline
}

func (d *bleDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}
