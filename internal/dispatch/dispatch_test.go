package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/appetiteclub/printerd/internal/breaker"
	"github.com/appetiteclub/printerd/internal/model"
	"github.com/appetiteclub/printerd/internal/queue"
	"github.com/appetiteclub/printerd/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	sent [][]byte
	err  error
}

func (f *fakeDriver) Send(ctx context.Context, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, data)
	return nil
}
func (f *fakeDriver) Probe(ctx context.Context) transport.Status { return transport.StatusOnline }
func (f *fakeDriver) Close() error                               { return nil }

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(context.Background(), queue.Options{
		Path:       filepath.Join(t.TempDir(), "jobs.db"),
		Passphrase: "secret",
	})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func testTarget() PrinterTarget {
	return PrinterTarget{
		Printer:        model.Printer{ID: "printer-1"},
		GroupIDs:       []string{"kitchen"},
		StationNames:   map[string]string{"kitchen": "Kitchen"},
		RestaurantName: "Test Diner",
	}
}

func TestWorkerCompletesSuccessfulJob(t *testing.T) {
	q := newTestQueue(t)
	driver := &fakeDriver{}
	w := NewWorker(testTarget(), q, driver, breaker.New(breaker.Config{}), nil)

	job := model.Job{
		JobID: "j1", OrderID: "o1", GroupID: "kitchen",
		Items: []model.OrderItem{{Name: "Fries", Quantity: 1}},
		Status: model.JobPending, NextAttemptAt: time.Now(), DedupKey: "o1|kitchen",
	}
	require.NoError(t, q.Enqueue(context.Background(), job))

	n, err := w.drainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, driver.sent, 1)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Done)
}

func TestWorkerRecordsFailureAndTripsBreaker(t *testing.T) {
	q := newTestQueue(t)
	driver := &fakeDriver{err: &transport.SendError{Kind: transport.ErrorTransient}}
	brk := breaker.New(breaker.Config{FailureThreshold: 1})
	w := NewWorker(testTarget(), q, driver, brk, nil)

	job := model.Job{
		JobID: "j2", OrderID: "o2", GroupID: "kitchen",
		Items: []model.OrderItem{{Name: "Burger", Quantity: 1}},
		Status: model.JobPending, NextAttemptAt: time.Now(), DedupKey: "o2|kitchen",
	}
	require.NoError(t, q.Enqueue(context.Background(), job))

	_, err := w.drainOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, breaker.Open, brk.Snapshot().State)
	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending, "transient failure should reschedule, not kill, the job")
}

func TestWorkerReleasesProbeWhenLeaseIsEmpty(t *testing.T) {
	q := newTestQueue(t)
	driver := &fakeDriver{}
	brk := breaker.New(breaker.Config{FailureThreshold: 1, OpenDuration: time.Millisecond, HalfOpenProbes: 1})
	brk.RecordFailure()
	require.Equal(t, breaker.Open, brk.Snapshot().State)
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, breaker.HalfOpen, brk.Snapshot().State)

	w := NewWorker(testTarget(), q, driver, brk, nil)

	n, err := w.drainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing queued, so the lease must come back empty")

	assert.True(t, brk.Allow(), "the probe Allow() granted with no job to send must be released, not stuck")
}

func TestWorkerSkipsLeaseWhenBreakerOpen(t *testing.T) {
	q := newTestQueue(t)
	driver := &fakeDriver{}
	brk := breaker.New(breaker.Config{FailureThreshold: 1})
	brk.RecordFailure()
	require.Equal(t, breaker.Open, brk.Snapshot().State)

	w := NewWorker(testTarget(), q, driver, brk, nil)
	job := model.Job{
		JobID: "j3", OrderID: "o3", GroupID: "kitchen",
		Items: []model.OrderItem{{Name: "Salad", Quantity: 1}},
		Status: model.JobPending, NextAttemptAt: time.Now(), DedupKey: "o3|kitchen",
	}
	require.NoError(t, q.Enqueue(context.Background(), job))

	n, err := w.drainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, driver.sent)
}
