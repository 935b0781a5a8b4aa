package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPDriverSendDeliversBytes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 1024)
		n, _ := conn.Read(buf)
		received <- buf[:n]
		conn.Close()
	}()

	drv := newTCPDriver(Config{Address: ln.Addr().String(), SendTimeout: time.Second, ProbeTimeout: time.Second})
	defer drv.Close()

	require.NoError(t, drv.Send(context.Background(), []byte("hello")))
	select {
	case data := <-received:
		assert.Equal(t, "hello", string(data))
	case <-time.After(time.Second):
		t.Fatal("server never received data")
	}
}

func TestTCPDriverProbeOfflineWhenUnreachable(t *testing.T) {
	drv := newTCPDriver(Config{Address: "127.0.0.1:1", ProbeTimeout: 100 * time.Millisecond})
	assert.Equal(t, StatusOffline, drv.Probe(context.Background()))
}

func TestUSBDriverPermanentErrorWhenDeviceMissing(t *testing.T) {
	drv := newUSBDriver(Config{Address: "/dev/does-not-exist-printer"})
	err := drv.Send(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Equal(t, ErrorPermanent, err.(*SendError).Kind)
}

type fakeBLEConn struct {
	chunks [][]byte
	mtu    int
	failAt int
}

func (f *fakeBLEConn) WriteChunk(ctx context.Context, chunk []byte) error {
	if f.failAt > 0 && len(f.chunks) == f.failAt {
		return errors.New("simulated disconnect")
	}
	cp := append([]byte{}, chunk...)
	f.chunks = append(f.chunks, cp)
	return nil
}
func (f *fakeBLEConn) MTU() int     { return f.mtu }
func (f *fakeBLEConn) Close() error { return nil }

func TestBLEDriverChunksByMTU(t *testing.T) {
	fake := &fakeBLEConn{mtu: 4}
	orig := connectBLE
	connectBLE = func(ctx context.Context, address string) (bleConn, error) { return fake, nil }
	defer func() { connectBLE = orig }()

	drv := newBLEDriver(Config{Address: "AA:BB:CC:DD:EE:FF"})
	require.NoError(t, drv.Send(context.Background(), []byte("12345678")))
	require.Len(t, fake.chunks, 2)
	assert.Equal(t, "1234", string(fake.chunks[0]))
	assert.Equal(t, "5678", string(fake.chunks[1]))
}

func TestBLEDriverWithoutBindingIsTransientError(t *testing.T) {
	drv := newBLEDriver(Config{Address: "AA:BB:CC:DD:EE:FF"})
	err := drv.Send(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Equal(t, ErrorTransient, err.(*SendError).Kind)
}
