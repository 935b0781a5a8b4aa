// Package dispatch runs one worker per configured printer (§4.7, §5: "one
// goroutine per printer, never per job"). Each worker leases jobs for its
// printer's routing group, renders them, and sends them through the
// printer's breaker-gated transport driver.
package dispatch

import (
	"context"
	"math/rand"
	"time"

	"github.com/aquamarinepk/aqm"

	"github.com/appetiteclub/printerd/internal/breaker"
	"github.com/appetiteclub/printerd/internal/model"
	"github.com/appetiteclub/printerd/internal/queue"
	"github.com/appetiteclub/printerd/internal/render"
	"github.com/appetiteclub/printerd/internal/transport"
)

// leaseTTL bounds how long a worker may hold a job before another worker
// (after a crash) is allowed to reclaim it.
const leaseTTL = 60 * time.Second

// idleSleepCap bounds the jittered sleep a worker takes when it wakes with
// nothing to do, so a missed Notify signal is never fatal (§4.7).
const idleSleepCap = time.Second

// PrinterTarget is everything a worker needs to know about the printer it
// owns: which routing groups feed it (a printer may be primary or backup in
// more than one group, §3), how to reach it, and how to render for it.
type PrinterTarget struct {
	Printer        model.Printer
	GroupIDs       []string
	StationNames   map[string]string
	RestaurantName string
}

// Worker drains jobs for exactly one printer.
type Worker struct {
	target PrinterTarget
	q      *queue.Queue
	driver transport.Driver
	brk    *breaker.Breaker
	log    aqm.Logger
	now    func() time.Time
	rnd    func() float64
}

// NewWorker builds a worker for target, backed by driver and guarded by brk.
func NewWorker(target PrinterTarget, q *queue.Queue, driver transport.Driver, brk *breaker.Breaker, log aqm.Logger) *Worker {
	if log == nil {
		log = aqm.NewNoopLogger()
	}
	return &Worker{
		target: target,
		q:      q,
		driver: driver,
		brk:    brk,
		log:    log.With("printer_id", target.Printer.ID, "group_ids", target.GroupIDs),
		now:    time.Now,
		rnd:    rand.Float64,
	}
}

// Run drains jobs until ctx is cancelled, blocking on the queue's notify
// channel between batches instead of polling tightly.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := w.drainOnce(ctx)
		if err != nil {
			w.log.Error("dispatch: drain failed", "error", err)
		}
		if n > 0 {
			continue // more work may be waiting; don't sleep between batches.
		}

		select {
		case <-ctx.Done():
			return
		case <-w.q.Notify():
		case <-time.After(w.idleSleep()):
		}
	}
}

func (w *Worker) idleSleep() time.Duration {
	return time.Duration(w.rnd() * float64(idleSleepCap))
}

// drainOnce leases and processes one batch of jobs for the worker's
// printer, returning how many it processed.
func (w *Worker) drainOnce(ctx context.Context) (int, error) {
	if !w.brk.Allow() {
		return 0, nil
	}

	jobs, err := w.q.LeaseForGroups(ctx, w.target.GroupIDs, 1, leaseTTL)
	if err != nil {
		w.brk.Release()
		return 0, err
	}
	if len(jobs) == 0 {
		// Allow() admitted a half-open probe but there was nothing to send
		// through it; give the slot back rather than leaving the breaker
		// stuck with an unresolved probe.
		w.brk.Release()
		return 0, nil
	}
	for _, job := range jobs {
		w.process(ctx, job)
	}
	return len(jobs), nil
}

func (w *Worker) process(ctx context.Context, job model.Job) {
	station := w.target.StationNames[job.GroupID]
	if station == "" {
		station = job.GroupID
	}
	data := render.KitchenReceipt(render.ReceiptInput{
		RestaurantName: w.target.RestaurantName,
		StationName:    station,
		Job:            job,
		Capabilities:   w.target.Printer.Capabilities,
		Now:            w.now(),
	})

	sendCtx, cancel := context.WithTimeout(ctx, transport.DefaultSendTimeout)
	err := w.driver.Send(sendCtx, data)
	cancel()

	if err != nil {
		w.brk.RecordFailure()
		kind := transport.FailureKind(err)
		w.log.Warn("dispatch: send failed", "job_id", job.JobID, "kind", kind, "error", err)
		if failErr := w.q.Fail(ctx, job.JobID, kind, err.Error()); failErr != nil {
			w.log.Error("dispatch: failed to record failure", "job_id", job.JobID, "error", failErr)
		}
		return
	}

	w.brk.RecordSuccess()
	if err := w.q.Complete(ctx, job.JobID); err != nil {
		w.log.Error("dispatch: failed to mark job complete", "job_id", job.JobID, "error", err)
	}
}
