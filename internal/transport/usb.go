package transport

import (
	"context"
	"os"
	"sync"
)

// usbDriver writes to a USB printer exposed as a character device
// (/dev/usb/lp0 on Linux). There is no handshake: a successful open plus a
// successful write is the only liveness signal this transport offers.
type usbDriver struct {
	cfg Config

	mu   sync.Mutex
	file *os.File
}

func newUSBDriver(cfg Config) *usbDriver {
	return &usbDriver{cfg: cfg}
}

func (d *usbDriver) Send(ctx context.Context, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		f, err := os.OpenFile(d.cfg.Address, os.O_WRONLY, 0)
		if err != nil {
			if os.IsNotExist(err) {
				return permanentf("usb device %s not present: %w", d.cfg.Address, err)
			}
			return transientf("open usb device %s: %w", d.cfg.Address, err)
		}
		d.file = f
	}

	if _, err := d.file.Write(data); err != nil {
		d.file.Close()
		d.file = nil
		return transientf("write usb device %s: %w", d.cfg.Address, err)
	}
	return nil
}

func (d *usbDriver) Probe(ctx context.Context) Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := os.Stat(d.cfg.Address); err != nil {
		return StatusOffline
	}
	if d.file == nil {
		return StatusDegraded // device node exists but we've never opened it
	}
	return StatusOnline
}

func (d *usbDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
