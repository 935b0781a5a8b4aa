package realtime

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/appetiteclub/printerd/internal/auth"
	"github.com/appetiteclub/printerd/internal/config"
	"github.com/appetiteclub/printerd/internal/model"
	"github.com/appetiteclub/printerd/internal/queue"
)

func signToken(key []byte, restaurantID string) string {
	encodeSeg := func(v any) string {
		b, _ := json.Marshal(v)
		return base64.RawURLEncoding.EncodeToString(b)
	}
	h := encodeSeg(map[string]string{"alg": "HS256"})
	p := encodeSeg(map[string]any{
		"restaurant_id": restaurantID,
		"scope":         []string{"print"},
		"exp":           time.Now().Add(time.Hour).Unix(),
	})
	signingInput := h + "." + p
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

var testUpgrader = websocket.Upgrader{}

// fakePhoenixServer accepts exactly one phx_join then pushes the given
// events, and afterwards reads and discards whatever the client sends
// (heartbeats included) until the connection closes.
func fakePhoenixServer(t *testing.T, push func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var join phoenixMsg
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		reply := phoenixMsg{JoinRef: join.JoinRef, Ref: join.Ref, Topic: join.Topic, Event: "phx_reply",
			Payload: json.RawMessage(`{"status":"ok"}`)}
		if err := conn.WriteJSON(reply); err != nil {
			return
		}

		push(conn)

		for {
			var msg phoenixMsg
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
		}
	}))
}

func newTestClient(t *testing.T, wsURL string, key []byte) (*Client, *queue.Queue) {
	t.Helper()
	q, err := queue.Open(context.Background(), queue.Options{
		Path: filepath.Join(t.TempDir(), "jobs.db"), Passphrase: "secret",
	})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	st, err := config.NewStore(filepath.Join(t.TempDir(), "routing.json"))
	require.NoError(t, err)
	require.NoError(t, st.Replace(config.Routing{
		Groups:      []model.RoutingGroup{{ID: "kitchen"}},
		Assignments: []model.StationAssignment{{GroupID: "kitchen", PrinterID: "p1"}},
	}))

	verifier := auth.NewVerifier(auth.KeySet{CurrentHMACKey: key})
	return New("ws"+strings.TrimPrefix(wsURL, "http"), "restaurant:rest-1", "rest-1", verifier, st, q, nil), q
}

func TestClientJoinsAndReachesJoinedState(t *testing.T) {
	srv := fakePhoenixServer(t, func(conn *websocket.Conn) {})
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL, []byte("k"))
	ctx, cancel := context.WithCancel(context.Background())
	go client.Run(ctx, nil)

	require.Eventually(t, func() bool {
		return client.State() == StateJoined
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		return client.State() == StateDraining
	}, time.Second, 10*time.Millisecond)
}

func TestNewJobEventEnqueuesRoutedJob(t *testing.T) {
	key := []byte("k")
	var tokenFn func() string

	srv := fakePhoenixServer(t, func(conn *websocket.Conn) {
		push := phoenixMsg{
			Topic: "restaurant:rest-1", Event: "new-job",
			Payload: mustMarshal(newJobEvent{
				Token: tokenFn(),
				Order: model.Order{
					OrderID: "o1", OrderNumber: "R1",
					Items: []model.OrderItem{{Name: "Burger", Quantity: 1, RoutingGroupID: "kitchen"}},
				},
			}),
		}
		conn.WriteJSON(push)
	})
	defer srv.Close()

	client, q := newTestClient(t, srv.URL, key)
	tokenFn = func() string { return signToken(key, "rest-1") }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx, nil)

	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background())
		return err == nil && stats.Pending == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
