package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/appetiteclub/printerd/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanMergesResultsFromAllTransports(t *testing.T) {
	s := &Scanner{
		ScanUSB: func(ctx context.Context) ([]Found, error) {
			return []Found{{Transport: model.TransportUSB, Address: "/dev/usb/lp0"}}, nil
		},
		ScanNetwork: func(ctx context.Context) ([]Found, error) {
			return []Found{{Transport: model.TransportNetwork, Address: "192.168.1.50:9100"}}, nil
		},
		ScanBluetooth: func(ctx context.Context) ([]Found, error) { return nil, nil },
		Timeout:       time.Second,
	}
	found := s.Scan(context.Background())
	require.Len(t, found, 2)
}

func TestScanToleratesOneTransportFailing(t *testing.T) {
	s := &Scanner{
		ScanUSB:       func(ctx context.Context) ([]Found, error) { return nil, errors.New("boom") },
		ScanNetwork:   func(ctx context.Context) ([]Found, error) { return []Found{{Transport: model.TransportNetwork}}, nil },
		ScanBluetooth: func(ctx context.Context) ([]Found, error) { return nil, nil },
		Timeout:       time.Second,
	}
	found := s.Scan(context.Background())
	require.Len(t, found, 1)
}

func TestScanRespectsDeadline(t *testing.T) {
	s := &Scanner{
		ScanUSB: func(ctx context.Context) ([]Found, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		ScanNetwork:   func(ctx context.Context) ([]Found, error) { return nil, nil },
		ScanBluetooth: func(ctx context.Context) ([]Found, error) { return nil, nil },
		Timeout:       50 * time.Millisecond,
	}
	start := time.Now()
	s.Scan(context.Background())
	assert.Less(t, time.Since(start), time.Second)
}

func TestFoundToPrinterDerivesStableID(t *testing.T) {
	f := Found{Transport: model.TransportUSB, Address: "/dev/usb/lp0"}
	p1 := f.ToPrinter("Kitchen")
	p2 := f.ToPrinter("Kitchen")
	assert.Equal(t, p1.ID, p2.ID)
	assert.Equal(t, model.PrinterOffline, p1.Status)
}

func TestScanUSBDevicesHandlesMissingDir(t *testing.T) {
	old := USBDevicePath
	USBDevicePath = t.TempDir() + "/does-not-exist"
	defer func() { USBDevicePath = old }()

	found, err := scanUSBDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, found)
}
