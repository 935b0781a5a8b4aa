// Package httpapi serves the loopback-only local ingress (§4.9): the POS
// terminal application on the same machine posts orders here instead of
// going out to the cloud, so printing keeps working even if the network
// is down. It is deliberately bound to 127.0.0.1 only.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/go-chi/chi/v5"

	"github.com/appetiteclub/printerd/internal/auth"
	"github.com/appetiteclub/printerd/internal/config"
	"github.com/appetiteclub/printerd/internal/model"
	"github.com/appetiteclub/printerd/internal/queue"
	"github.com/appetiteclub/printerd/internal/realtime"
	"github.com/appetiteclub/printerd/internal/render"
	"github.com/appetiteclub/printerd/internal/router"
)

// MaxBodyBytes bounds a single request body, matching the teacher's
// handlers' protection against oversized payloads.
const MaxBodyBytes = 1 << 20

// Enqueuer is the subset of *queue.Queue the handler needs; accepting an
// interface here keeps handler tests from needing a real sqlite file.
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.Job) error
}

// Prober looks up a configured printer's driver for the test-print
// endpoint. The dispatcher supervisor implements this over its live
// worker set.
type Prober interface {
	SendTestPage(ctx context.Context, printerID string) error
}

// StatsSource reports queue depth for the health endpoint (§4.9). The
// *queue.Queue satisfies this directly.
type StatsSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// ConnectionSource reports the realtime channel's liveness for the health
// endpoint. *realtime.Client satisfies this directly.
type ConnectionSource interface {
	ConnectionStatus() realtime.ConnectionStatus
}

// Handler implements the three §4.9 routes.
type Handler struct {
	queue     Enqueuer
	routing   *config.Store
	prober    Prober
	verifier  *auth.Verifier
	restID    string
	logger    aqm.Logger
	now       func() time.Time
	startedAt time.Time

	stats StatsSource
	conn  ConnectionSource
}

func NewHandler(q Enqueuer, routing *config.Store, prober Prober, verifier *auth.Verifier, restaurantID string, logger aqm.Logger) *Handler {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Handler{
		queue: q, routing: routing, prober: prober, verifier: verifier,
		restID: restaurantID, logger: logger, now: time.Now, startedAt: time.Now(),
	}
}

// WithStats attaches the queue-depth source used by the health endpoint.
func (h *Handler) WithStats(s StatsSource) *Handler { h.stats = s; return h }

// WithConnection attaches the realtime-channel liveness source used by the
// health endpoint.
func (h *Handler) WithConnection(c ConnectionSource) *Handler { h.conn = c; return h }

// RegisterRoutes wires the §4.9 surface under r. The caller is expected to
// apply middleware.InternalOnly() (loopback enforcement) ahead of this.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/health", h.Health)
	r.Group(func(r chi.Router) {
		r.Use(h.requireBearer)
		r.Post("/api/print", h.Print)
		r.Post("/api/printers/{id}/test", h.TestPrint)
	})
}

func (h *Handler) log(r *http.Request) aqm.Logger {
	return h.logger.With("request_id", aqm.RequestIDFrom(r.Context()))
}

type ctxKey string

const claimsKey ctxKey = "claims"

func (h *Handler) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(hdr) <= len(prefix) || hdr[:len(prefix)] != prefix {
			aqm.RespondError(w, http.StatusUnauthorized, "Missing bearer token")
			return
		}
		token := hdr[len(prefix):]
		claims, err := h.verifier.Verify(token, h.restID, "print")
		if err != nil {
			h.log(r).Warn("httpapi: rejected token", "error", err)
			aqm.RespondError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// healthConnection is the §4.9 "connection" sub-object: realtime channel
// liveness as seen from this daemon, independent of queue depth.
type healthConnection struct {
	Realtime           string `json:"realtime"`
	LastHeartbeatMSAgo int64  `json:"last_heartbeat_ms_ago"`
}

// Health reports uptime, queue depth, and realtime-channel liveness, the
// exact shape §4.9 specifies so the POS terminal's own status indicator
// can render it directly.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"uptime_s": int64(h.now().Sub(h.startedAt).Seconds()),
	}

	if h.stats != nil {
		if st, err := h.stats.Stats(r.Context()); err == nil {
			resp["queue"] = st
		} else {
			h.log(r).Warn("httpapi: queue stats unavailable", "error", err)
		}
	}

	conn := healthConnection{Realtime: "disconnected"}
	if h.conn != nil {
		status := h.conn.ConnectionStatus()
		if status.Connected {
			conn.Realtime = "connected"
		}
		conn.LastHeartbeatMSAgo = status.LastHeartbeatAgoMS
	}
	resp["connection"] = conn

	aqm.Respond(w, http.StatusOK, resp, nil)
}

// PrintRequest is the body POST /api/print expects: a single order to be
// routed and enqueued.
type PrintRequest struct {
	Order model.Order `json:"order"`
}

// PrintResponse echoes whether each resulting job was freshly accepted or
// deduplicated against an already-active job for the same order+group.
type PrintResponse struct {
	Accepted []JobAck `json:"accepted"`
}

type JobAck struct {
	JobID   string `json:"job_id"`
	GroupID string `json:"group_id"`
	Deduped bool   `json:"deduped"`
}

func (h *Handler) Print(w http.ResponseWriter, r *http.Request) {
	log := h.log(r)
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	var req PrintRequest
	if err := json.Unmarshal(body, &req); err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}

	snap := h.routing.Snapshot()
	jobs, err := router.Route(req.Order, router.Config{
		Groups: snap.Groups, Assignments: snap.Assignments, DefaultGroup: snap.DefaultGroupID,
	}, h.now())
	if err != nil {
		aqm.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := PrintResponse{Accepted: make([]JobAck, 0, len(jobs))}
	for _, job := range jobs {
		deduped := false
		if err := h.queue.Enqueue(r.Context(), job); err != nil {
			if err == queue.ErrDuplicate {
				deduped = true
			} else {
				log.Error("httpapi: enqueue failed", "job_id", job.JobID, "error", err)
				aqm.RespondError(w, http.StatusInternalServerError, "Could not enqueue job")
				return
			}
		}
		resp.Accepted = append(resp.Accepted, JobAck{JobID: job.JobID, GroupID: job.GroupID, Deduped: deduped})
	}
	aqm.Respond(w, http.StatusAccepted, resp, nil)
}

// TestPrint sends a diagnostic self-test receipt directly to one printer,
// bypassing the queue so a misconfigured printer doesn't pollute job
// stats.
func (h *Handler) TestPrint(w http.ResponseWriter, r *http.Request) {
	log := h.log(r)
	printerID := chi.URLParam(r, "id")
	if err := h.prober.SendTestPage(r.Context(), printerID); err != nil {
		log.Error("httpapi: test print failed", "printer_id", printerID, "error", err)
		aqm.RespondError(w, http.StatusBadGateway, "Test print failed: "+err.Error())
		return
	}
	aqm.Respond(w, http.StatusOK, map[string]any{"printer_id": printerID, "status": "sent"}, nil)
}

// TestReceipt renders the fixed self-test page content (§3a): a short
// receipt identifying the daemon and printer rather than real order data.
func TestReceipt(stationName, restaurantName string, caps model.Capabilities, now time.Time) []byte {
	job := model.Job{
		OrderNumber: "TEST",
		Items: []model.OrderItem{
			{Name: "Printer self-test", Quantity: 1, Note: "connectivity check"},
		},
	}
	return render.KitchenReceipt(render.ReceiptInput{
		RestaurantName: restaurantName,
		StationName:    stationName,
		Job:            job,
		Capabilities:   caps,
		Now:            now,
	})
}
