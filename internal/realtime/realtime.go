// Package realtime is the Phoenix-channel WebSocket ingress (§4.8): the
// cloud control plane pushes "new-job" events over a persistent socket,
// each keyed by a restaurant's join topic. It mirrors Phoenix's wire
// protocol (phx_join/phx_reply/phx_heartbeat) closely enough to
// interoperate with an Elixir/Phoenix backend without a generated client.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/gorilla/websocket"

	"github.com/appetiteclub/printerd/internal/auth"
	"github.com/appetiteclub/printerd/internal/config"
	"github.com/appetiteclub/printerd/internal/model"
	"github.com/appetiteclub/printerd/internal/queue"
	"github.com/appetiteclub/printerd/internal/router"
)

// State is the client's position in its connection lifecycle (§9).
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateJoined       State = "joined"
	StateDraining     State = "draining"
)

const (
	heartbeatInterval = 30 * time.Second
	missedHeartbeats  = 2
	reconnectMin      = time.Second
	reconnectMax      = 60 * time.Second
	jitterRatio       = 0.20
)

// phoenixMsg is Phoenix's five-field envelope: [join_ref, ref, topic,
// event, payload]. gorilla/websocket's JSON helpers marshal/unmarshal it
// as a plain array since Phoenix doesn't tag the fields.
type phoenixMsg struct {
	JoinRef string          `json:"-"`
	Ref     string          `json:"-"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (m phoenixMsg) MarshalJSON() ([]byte, error) {
	arr := [5]any{nullable(m.JoinRef), nullable(m.Ref), m.Topic, m.Event, rawOrEmpty(m.Payload)}
	return json.Marshal(arr)
}

func (m *phoenixMsg) UnmarshalJSON(data []byte) error {
	var arr [5]json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	json.Unmarshal(arr[0], &m.JoinRef)
	json.Unmarshal(arr[1], &m.Ref)
	json.Unmarshal(arr[2], &m.Topic)
	json.Unmarshal(arr[3], &m.Event)
	m.Payload = arr[4]
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

// newJobEvent is the payload of a "new-job" push (§4.8).
type newJobEvent struct {
	Token string      `json:"token"`
	Order model.Order `json:"order"`
}

// Enqueuer is the subset of *queue.Queue the client needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.Job) error
}

// Client is the Phoenix-channel realtime ingress for one restaurant.
type Client struct {
	url          string
	topic        string
	restaurantID string
	verifier     *auth.Verifier
	routing      *config.Store
	queue        Enqueuer
	logger       aqm.Logger

	dialer *websocket.Dialer
	rnd    func() float64
	now    func() time.Time

	mu       sync.Mutex
	state    State
	lastPong time.Time
}

// ConnectionStatus is the snapshot the HTTP health endpoint (§4.9) surfaces
// for the realtime channel's current liveness.
type ConnectionStatus struct {
	Connected          bool
	LastHeartbeatAgoMS int64
}

// ConnectionStatus reports whether the channel is currently joined and how
// long ago the last heartbeat/message was seen.
func (c *Client) ConnectionStatus() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := ConnectionStatus{Connected: c.state == StateJoined}
	if !c.lastPong.IsZero() {
		status.LastHeartbeatAgoMS = c.now().Sub(c.lastPong).Milliseconds()
	}
	return status
}

func (c *Client) touchPong() {
	c.mu.Lock()
	c.lastPong = c.now()
	c.mu.Unlock()
}

// New builds a realtime client. url is the cloud WebSocket endpoint,
// topic is the Phoenix channel topic ("restaurant:<id>").
func New(url, topic, restaurantID string, verifier *auth.Verifier, routing *config.Store, q Enqueuer, logger aqm.Logger) *Client {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Client{
		url: url, topic: topic, restaurantID: restaurantID,
		verifier: verifier, routing: routing, queue: q,
		logger: logger.With("topic", topic),
		dialer: websocket.DefaultDialer,
		rnd:    rand.Float64,
		now:    time.Now,
	}
}

// State reports the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run connects and reconnects with exponential backoff until ctx is
// cancelled, at which point it drains (closes cleanly) and returns.
func (c *Client) Run(ctx context.Context, header http.Header) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			c.setState(StateDraining)
			return
		default:
		}

		c.setState(StateConnecting)
		err := c.runOnce(ctx, header)
		if ctx.Err() != nil {
			c.setState(StateDraining)
			return
		}
		c.logger.Warn("realtime: connection ended", "error", err, "attempt", attempt)

		delay := c.backoff(attempt)
		attempt++
		select {
		case <-ctx.Done():
			c.setState(StateDraining)
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := reconnectMin
	for i := 0; i < attempt && d < reconnectMax; i++ {
		d *= 2
	}
	if d > reconnectMax {
		d = reconnectMax
	}
	jitter := 1 + (c.rnd()*2-1)*jitterRatio
	return time.Duration(float64(d) * jitter)
}

// runOnce owns a single socket's lifetime: dial, phx_join, heartbeat loop,
// and message pump. It returns when the socket closes or ctx is done.
func (c *Client) runOnce(ctx context.Context, header http.Header) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := c.join(conn); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	c.setState(StateJoined)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	c.touchPong()
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go c.heartbeatLoop(heartbeatCtx, conn)

	for {
		var msg phoenixMsg
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.touchPong()

		if err := c.handle(ctx, conn, msg); err != nil {
			c.logger.Error("realtime: handling message failed", "event", msg.Event, "error", err)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.ConnectionStatus().LastHeartbeatAgoMS > int64(missedHeartbeats*heartbeatInterval/time.Millisecond) {
				conn.Close() // force runOnce's ReadJSON to unblock and reconnect
				return
			}
			heartbeat := phoenixMsg{Ref: "hb", Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage("{}")}
			if err := conn.WriteJSON(heartbeat); err != nil {
				return
			}
		}
	}
}

func (c *Client) join(conn *websocket.Conn) error {
	join := phoenixMsg{JoinRef: "1", Ref: "1", Topic: c.topic, Event: "phx_join", Payload: json.RawMessage("{}")}
	if err := conn.WriteJSON(join); err != nil {
		return err
	}
	var reply phoenixMsg
	if err := conn.ReadJSON(&reply); err != nil {
		return err
	}
	if reply.Event != "phx_reply" {
		return fmt.Errorf("unexpected reply event %q", reply.Event)
	}
	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(reply.Payload, &status); err == nil && status.Status == "error" {
		return errors.New("cloud rejected join")
	}
	return nil
}

// ackPayload is the §4.8 ack the handler replies to the cloud with once
// every job from a "new-job" push has been routed and enqueued.
type ackPayload struct {
	OrderID  string   `json:"order_id"`
	Accepted []string `json:"accepted"`
	Deduped  []string `json:"deduped"`
}

// handle processes one channel push. Only "new-job" carries application
// payload; everything else (phx_reply, presence_diff, etc.) is ignored.
func (c *Client) handle(ctx context.Context, conn *websocket.Conn, msg phoenixMsg) error {
	if msg.Event != "new-job" {
		return nil
	}
	var ev newJobEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return fmt.Errorf("decode new-job payload: %w", err)
	}
	if _, err := c.verifier.Verify(ev.Token, c.restaurantID, "print"); err != nil {
		return fmt.Errorf("reject new-job: %w", err)
	}

	snap := c.routing.Snapshot()
	jobs, err := router.Route(ev.Order, router.Config{
		Groups: snap.Groups, Assignments: snap.Assignments, DefaultGroup: snap.DefaultGroupID,
	}, c.now())
	if err != nil {
		return fmt.Errorf("route order %s: %w", ev.Order.OrderID, err)
	}

	ack := ackPayload{OrderID: ev.Order.OrderID}
	for _, job := range jobs {
		if err := c.queue.Enqueue(ctx, job); err != nil {
			if errors.Is(err, queue.ErrDuplicate) {
				ack.Deduped = append(ack.Deduped, job.JobID)
				continue
			}
			return fmt.Errorf("enqueue job %s: %w", job.JobID, err)
		}
		ack.Accepted = append(ack.Accepted, job.JobID)
	}
	return c.sendAck(conn, ack)
}

// sendAck pushes the accepted/deduped job id lists back over the same
// channel so the cloud relay knows this daemon has durably queued the
// order (§4.8). Phoenix has no built-in server-push ack, so this rides as
// an ordinary client push on the join topic.
func (c *Client) sendAck(conn *websocket.Conn, ack ackPayload) error {
	raw, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("marshal ack: %w", err)
	}
	msg := phoenixMsg{Ref: ack.OrderID, Topic: c.topic, Event: "new-job:ack", Payload: raw}
	return conn.WriteJSON(msg)
}
