// Package supervisor wires every component (§4.12) behind aqm.Micro the
// way services/kitchen/main.go wires its handler, repo, and subscriber:
// one aqm.Config, one aqm.Logger, a Lifecycle list the framework starts
// and stops in order, and a health check registration.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aquamarinepk/aqm"

	"github.com/appetiteclub/printerd/internal/auth"
	"github.com/appetiteclub/printerd/internal/breaker"
	"github.com/appetiteclub/printerd/internal/config"
	"github.com/appetiteclub/printerd/internal/dispatch"
	"github.com/appetiteclub/printerd/internal/httpapi"
	"github.com/appetiteclub/printerd/internal/model"
	"github.com/appetiteclub/printerd/internal/queue"
	"github.com/appetiteclub/printerd/internal/realtime"
	syncclient "github.com/appetiteclub/printerd/internal/sync"
	"github.com/appetiteclub/printerd/internal/transport"
)

// workerReloadInterval bounds how long a routing change fetched by
// internal/sync (§4.10) takes to spawn a worker for a newly assigned
// printer, without needing a process restart (§4.12).
const workerReloadInterval = 30 * time.Second

// workerSet owns one dispatch.Worker per printer and implements the
// Start/Stop lifecycle shape aqm.WithLifecycle expects, spawning one
// goroutine per printer and cancelling them together on Stop. It rebuilds
// the worker pool whenever the routing snapshot's assignments change, so a
// printer added by a cloud sync fetch starts draining without a restart.
type workerSet struct {
	build     func() ([]*dispatch.Worker, []transport.Driver)
	signature func() string

	mu      sync.Mutex
	cancel  context.CancelFunc
	drivers []transport.Driver
}

func (w *workerSet) Start(ctx context.Context) error {
	lastSig := w.spawn(ctx)

	go func() {
		ticker := time.NewTicker(workerReloadInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sig := w.signature()
				if sig == lastSig {
					continue
				}
				lastSig = w.spawn(ctx)
			}
		}
	}()
	return nil
}

// spawn cancels any previously running worker goroutines, closes their
// drivers, rebuilds the pool from the current routing snapshot, and
// returns the signature that pool was built from.
func (w *workerSet) spawn(ctx context.Context) string {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	for _, d := range w.drivers {
		d.Close()
	}
	w.mu.Unlock()

	workers, drivers := w.build()
	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.drivers = drivers
	w.mu.Unlock()

	for _, worker := range workers {
		go worker.Run(runCtx)
	}
	return w.signature()
}

func (w *workerSet) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel := w.cancel
	drivers := w.drivers
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, d := range drivers {
		d.Close()
	}
	return nil
}

// routingSignature condenses a routing snapshot's station assignments into
// a string that changes whenever the printer/group/role set changes, so
// workerSet.Start knows when it must rebuild the pool.
func routingSignature(snap config.Routing) string {
	ids := make([]string, 0, len(snap.Assignments))
	for _, a := range snap.Assignments {
		ids = append(ids, a.PrinterID+":"+a.GroupID+":"+string(a.Role))
	}
	sort.Strings(ids)
	return strings.Join(ids, "\n")
}

// proberAdapter implements httpapi.Prober over the live driver set so the
// test-print endpoint sends straight to hardware, bypassing the queue.
type proberAdapter struct {
	byPrinterID func(id string) (transport.Driver, model.Printer, bool)
	restaurant  string
	station     func(id string) string
}

func (p *proberAdapter) SendTestPage(ctx context.Context, printerID string) error {
	driver, printer, ok := p.byPrinterID(printerID)
	if !ok {
		return fmt.Errorf("printer %s not configured", printerID)
	}
	page := httpapi.TestReceipt(p.station(printerID), p.restaurant, printer.Capabilities, time.Now())
	return driver.Send(ctx, page)
}

// Deps bundles everything Build needs to assemble the daemon.
type Deps struct {
	Settings config.Settings
	Config   *aqm.Config
	Logger   aqm.Logger
	Queue    *queue.Queue
	Routing  *config.Store
	Verifier *auth.Verifier
}

// Build assembles the full component graph and returns the aqm.Option
// list main() hands to aqm.NewMicro, mirroring services/kitchen/main.go's
// shape: config, logger, middleware, HTTP modules, lifecycle, health.
func Build(deps Deps) ([]aqm.Option, error) {
	if deps.Settings.DisableBLE {
		for _, p := range deps.Routing.Snapshot().Printers {
			if p.Transport == model.TransportBluetooth {
				return nil, fmt.Errorf("%w: printer %s requires bluetooth but DISABLE_BLE=1",
					transport.ErrRequiredUnavailable, p.ID)
			}
		}
	}

	drivers := map[string]transport.Driver{}
	breakers := map[string]*breaker.Breaker{}
	var driversMu sync.Mutex

	driverFor := func(p model.Printer) (transport.Driver, error) {
		driversMu.Lock()
		defer driversMu.Unlock()
		if d, ok := drivers[p.ID]; ok {
			return d, nil
		}
		d, err := transport.New(p.Transport, transport.Config{Address: p.Address})
		if err != nil {
			return nil, err
		}
		drivers[p.ID] = d
		breakers[p.ID] = breaker.New(breaker.Config{})
		return d, nil
	}

	ws := &workerSet{
		signature: func() string { return routingSignature(deps.Routing.Snapshot()) },
		build: func() ([]*dispatch.Worker, []transport.Driver) {
			snap := deps.Routing.Snapshot()
			byID := map[string]model.Printer{}
			for _, p := range snap.Printers {
				byID[p.ID] = p
			}
			groupNames := map[string]string{}
			for _, g := range snap.Groups {
				groupNames[g.ID] = g.Name
			}

			// One worker per printer (§4.7), even if that printer is assigned
			// to several routing groups as primary or backup (§3): a single
			// worker leases across all of them so two workers never share a
			// driver and race each other's sends.
			groupsByPrinter := map[string][]string{}
			var order []string
			for _, a := range snap.Assignments {
				if _, seen := groupsByPrinter[a.PrinterID]; !seen {
					order = append(order, a.PrinterID)
				}
				groupsByPrinter[a.PrinterID] = append(groupsByPrinter[a.PrinterID], a.GroupID)
			}

			var workers []*dispatch.Worker
			var built []transport.Driver
			for _, printerID := range order {
				printer, ok := byID[printerID]
				if !ok {
					continue
				}
				driver, err := driverFor(printer)
				if err != nil {
					deps.Logger.Error("supervisor: could not build driver", "printer_id", printer.ID, "error", err)
					continue
				}
				stationNames := map[string]string{}
				for _, g := range groupsByPrinter[printerID] {
					stationNames[g] = groupNames[g]
				}
				worker := dispatch.NewWorker(dispatch.PrinterTarget{
					Printer:        printer,
					GroupIDs:       groupsByPrinter[printerID],
					StationNames:   stationNames,
					RestaurantName: deps.Settings.RestaurantID,
				}, deps.Queue, driver, breakers[printer.ID], deps.Logger)
				workers = append(workers, worker)
				built = append(built, driver)
			}
			return workers, built
		},
	}

	prober := &proberAdapter{
		restaurant: deps.Settings.RestaurantID,
		station:    func(id string) string { return id },
		byPrinterID: func(id string) (transport.Driver, model.Printer, bool) {
			snap := deps.Routing.Snapshot()
			for _, p := range snap.Printers {
				if p.ID == id {
					driver, err := driverFor(p)
					if err != nil {
						return nil, model.Printer{}, false
					}
					return driver, p, true
				}
			}
			return nil, model.Printer{}, false
		},
	}

	printerInventory := func() []model.Printer { return deps.Routing.Snapshot().Printers }
	syncClient := syncclient.NewClient(deps.Settings.CloudAPIURL, deps.Settings.RestaurantID, deps.Settings.CloudAuthToken, deps.Routing, printerInventory, deps.Logger)

	realtimeClient := realtime.New(deps.Settings.CloudWSURL, "restaurant:"+deps.Settings.RestaurantID,
		deps.Settings.RestaurantID, deps.Verifier, deps.Routing, deps.Queue, deps.Logger)
	realtimeRunner := &realtimeLifecycle{client: realtimeClient}

	httpHandler := httpapi.NewHandler(deps.Queue, deps.Routing, prober, deps.Verifier, deps.Settings.RestaurantID, deps.Logger).
		WithStats(deps.Queue).
		WithConnection(realtimeClient)

	reaper := &leaseReaper{queue: deps.Queue, logger: deps.Logger}

	options := []aqm.Option{
		aqm.WithConfig(deps.Config),
		aqm.WithLogger(deps.Logger),
		aqm.WithHTTPServerModules("web.port", httpHandler),
		aqm.WithLifecycle(ws, syncClient, realtimeRunner, reaper),
		aqm.WithHealthChecks("printerd"),
	}
	return options, nil
}

// realtimeLifecycle adapts realtime.Client's Run(ctx, header) loop to the
// Start/Stop shape aqm.WithLifecycle expects.
type realtimeLifecycle struct {
	client *realtime.Client

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (r *realtimeLifecycle) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	go r.client.Run(runCtx, nil)
	return nil
}

func (r *realtimeLifecycle) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// leaseReaper periodically reclaims expired in_flight leases so a crashed
// worker's job doesn't get stuck forever (§5).
type leaseReaper struct {
	queue  *queue.Queue
	logger aqm.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

const leaseReapInterval = 30 * time.Second

func (r *leaseReaper) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(leaseReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := r.queue.ReapExpiredLeases(runCtx); err != nil {
					r.logger.Warn("supervisor: lease reap failed", "error", err)
				}
			}
		}
	}()
	return nil
}

func (r *leaseReaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
