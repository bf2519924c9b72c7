package chain

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/virtengine/marketd/pkg/config"
	"github.com/virtengine/marketd/pkg/signing"
	"github.com/virtengine/marketd/pkg/types"
)

func testClientConfig() config.EventClient {
	return config.EventClient{
		ReconnectBaseMs: 10,
		ReconnectMaxMs:  50,
		AutoReconnect:   true,
	}
}

// wsFixture is a fake chain endpoint. Each accepted connection first drains
// the subscription frames, then appears on conns.
type wsFixture struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	accepted atomic.Int32
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	f := &wsFixture{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.accepted.Add(1)
		for i := 0; i < len(subscriptionQueries); i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
		f.conns <- conn
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *wsFixture) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *wsFixture) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

// txFrame builds a Tendermint-style Tx frame carrying one message event.
func txFrame(txHash, action string, extra map[string]string) []byte {
	attrs := []map[string]string{{"key": "action", "value": action}}
	for k, v := range extra {
		attrs = append(attrs, map[string]string{"key": k, "value": v})
	}
	frame := map[string]any{
		"result": map[string]any{
			"data": map[string]any{
				"value": map[string]any{
					"TxResult": map[string]any{
						"height": "42",
						"index":  int64(7),
						"result": map[string]any{
							"events": []map[string]any{
								{"type": "message", "attributes": attrs},
							},
						},
					},
				},
			},
			"events": map[string][]string{"tx.hash": {txHash}},
		},
	}
	raw, _ := json.Marshal(frame)
	return raw
}

func collect(t *testing.T, client *Client) chan *types.ChainEvent {
	t.Helper()
	events := make(chan *types.ChainEvent, 16)
	client.Subscribe(func(ev *types.ChainEvent) { events <- ev })
	return events
}

func awaitEvent(t *testing.T, events chan *types.ChainEvent) *types.ChainEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event dispatched")
		return nil
	}
}

func TestClientParsesAndDispatches(t *testing.T) {
	f := newWSFixture(t)
	client := NewClient(f.url(), testClientConfig())
	events := collect(t, client)
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	conn := f.nextConn(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		txFrame("ABC123", "CreateOrder", map[string]string{"order_id": "o-1"})))

	ev := awaitEvent(t, events)
	assert.Equal(t, "order.created", ev.Type)
	assert.Equal(t, "ABC123", ev.TxHash)
	assert.Equal(t, int64(42), ev.BlockHeight)
	assert.Equal(t, int64(7), ev.TxIndex)
	assert.Equal(t, "o-1", ev.Attributes["order_id"])
	// The id hashes the raw event type, not the decoded action.
	assert.Equal(t, signing.EventID("ABC123", "message", 0), ev.EventID)
}

func TestClientDropsUnknownActions(t *testing.T) {
	f := newWSFixture(t)
	client := NewClient(f.url(), testClientConfig())
	events := collect(t, client)
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	conn := f.nextConn(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		txFrame("ABC", "SomethingIrrelevant", nil)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		txFrame("DEF", "CreateBid", nil)))

	// Only the known action comes through.
	ev := awaitEvent(t, events)
	assert.Equal(t, "bid.created", ev.Type)
	assert.Empty(t, events)
}

func TestClientReconnectsAndResubscribes(t *testing.T) {
	f := newWSFixture(t)
	client := NewClient(f.url(), testClientConfig())
	events := collect(t, client)
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	first := f.nextConn(t)
	require.NoError(t, first.WriteMessage(websocket.TextMessage,
		txFrame("TX1", "CreateOrder", nil)))
	awaitEvent(t, events)

	// Drop the connection; the client must redial and resubscribe (the
	// fixture only surfaces connections after the subscription frames).
	first.Close()
	second := f.nextConn(t)
	require.NoError(t, second.WriteMessage(websocket.TextMessage,
		txFrame("TX2", "CreateOrder", nil)))

	ev := awaitEvent(t, events)
	assert.Equal(t, "TX2", ev.TxHash)
	assert.GreaterOrEqual(t, f.accepted.Load(), int32(2))
	assert.Equal(t, StateConnected, client.State())
}

func TestDisconnectStopsReconnects(t *testing.T) {
	f := newWSFixture(t)
	client := NewClient(f.url(), testClientConfig())
	require.NoError(t, client.Connect())
	f.nextConn(t)

	client.Disconnect()
	assert.Equal(t, StateDisconnected, client.State())

	// No redial after disposal.
	before := f.accepted.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, f.accepted.Load())

	// Connect after disposal is a no-op.
	require.NoError(t, client.Connect())
	assert.Equal(t, StateDisconnected, client.State())
}
