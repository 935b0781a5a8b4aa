// Package discovery runs printer scans over USB, the local network, and
// Bluetooth LE (§4.4). All three scans run concurrently and the whole
// operation is bounded by a single deadline so a hung transport never
// blocks setup. Only the USB scan is implemented: the default network and
// Bluetooth scanners return no candidates (see NewScanner).
package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/appetiteclub/printerd/internal/model"
)

// DefaultScanTimeout bounds a full Scan call across all three transports.
const DefaultScanTimeout = 30 * time.Second

// Found is one printer candidate surfaced by a scan, before it has been
// assigned to a routing group.
type Found struct {
	Transport    model.TransportKind
	Address      string
	Vendor       string
	Model        string
	Capabilities model.Capabilities
}

// USBDevicePath is where this host exposes USB printer character devices.
// Overridable in tests.
var USBDevicePath = "/dev/usb"

// Scanner runs the three discovery transports. Each scan function is a
// struct field so tests can substitute fakes without touching real
// hardware or the network.
type Scanner struct {
	ScanUSB       func(ctx context.Context) ([]Found, error)
	ScanNetwork   func(ctx context.Context) ([]Found, error)
	ScanBluetooth func(ctx context.Context) ([]Found, error)
	Timeout       time.Duration
}

// NewScanner returns a Scanner wired to this host's real USB device
// listing. Network and Bluetooth discovery have no library in this
// daemon's dependency set (see DESIGN.md), so they default to returning
// no candidates rather than blocking; operators add network printers
// manually via the routing config until mDNS/BLE support lands.
func NewScanner() *Scanner {
	return &Scanner{
		ScanUSB:       scanUSBDevices,
		ScanNetwork:   func(ctx context.Context) ([]Found, error) { return nil, nil },
		ScanBluetooth: func(ctx context.Context) ([]Found, error) { return nil, nil },
		Timeout:       DefaultScanTimeout,
	}
}

// Scan runs all three transports concurrently and merges their results.
// A single slow or hanging transport is bounded by s.Timeout and does not
// prevent the others' results from being returned.
func (s *Scanner) Scan(ctx context.Context) []Found {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scans := []func(context.Context) ([]Found, error){s.ScanUSB, s.ScanNetwork, s.ScanBluetooth}
	var wg sync.WaitGroup
	var mu sync.Mutex
	var all []Found

	for _, scan := range scans {
		scan := scan
		wg.Add(1)
		go func() {
			defer wg.Done()
			found, err := scan(ctx)
			if err != nil {
				return
			}
			mu.Lock()
			all = append(all, found...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return all
}

// unknownCapabilities is the conservative profile attached to a device this
// daemon cannot identify: no cutter/drawer/QR assumed, narrow column width.
var unknownCapabilities = model.Capabilities{MaxColumns: 42}

// scanUSBDevices lists character devices under USBDevicePath. Real vendor
// identification would read the device's USB descriptor (vendor/product
// id); this module's dependency set has no portable sysfs/libusb descriptor
// library (see DESIGN.md), so every discovered device is surfaced with the
// conservative unknownCapabilities profile rather than guessed at.
func scanUSBDevices(ctx context.Context) ([]Found, error) {
	entries, err := os.ReadDir(USBDevicePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read usb device dir: %w", err)
	}

	found := make([]Found, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		found = append(found, Found{
			Transport:    model.TransportUSB,
			Address:      filepath.Join(USBDevicePath, e.Name()),
			Vendor:       "unknown",
			Model:        "unknown",
			Capabilities: unknownCapabilities,
		})
	}
	return found, nil
}

// ToPrinter derives a stable Printer record for a discovered candidate,
// using model.DerivePrinterID so rediscovering the same physical device
// always yields the same printer_id (§3a).
func (f Found) ToPrinter(name string) model.Printer {
	return model.Printer{
		ID:           model.DerivePrinterID(f.Transport, f.Address),
		Name:         name,
		Transport:    f.Transport,
		Address:      f.Address,
		Capabilities: f.Capabilities,
		Status:       model.PrinterOffline,
	}
}
