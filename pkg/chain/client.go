package chain

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/virtengine/marketd/pkg/config"
	"github.com/virtengine/marketd/pkg/errdefs"
	"github.com/virtengine/marketd/pkg/log"
	"github.com/virtengine/marketd/pkg/metrics"
	"github.com/virtengine/marketd/pkg/signing"
	"github.com/virtengine/marketd/pkg/types"
)

// ConnState is the client's connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// subscriptionQueries maps canonical event types to the chain-side query
// each subscription carries.
var subscriptionQueries = map[string]string{
	"order.created":             "message.action='CreateOrder'",
	"bid.created":               "message.action='CreateBid'",
	"allocation.status_changed": "message.action='UpdateAllocationStatus'",
	"settlement.executed":       "message.action='ExecuteSettlement'",
	"hpc_job.status_changed":    "message.action='UpdateHPCJobStatus'",
}

// rawActionToType is the reverse map applied to incoming events. Actions
// not listed here are dropped silently.
var rawActionToType = map[string]string{
	"CreateOrder":            "order.created",
	"CreateBid":              "bid.created",
	"UpdateAllocationStatus": "allocation.status_changed",
	"ExecuteSettlement":      "settlement.executed",
	"UpdateHPCJobStatus":     "hpc_job.status_changed",
}

// Handler receives parsed chain events. Dispatch is synchronous; handlers
// must not do long work inline.
type Handler func(*types.ChainEvent)

// Client maintains a persistent subscription to the consensus-layer event
// stream, reconnecting with exponential backoff and re-subscribing on
// resume. Events are delivered at least once; consumers dedupe by event id.
type Client struct {
	wsURL  string
	cfg    config.EventClient
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	state    ConnState
	handlers []Handler
	disposed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewClient creates a client for the given websocket endpoint.
func NewClient(wsURL string, cfg config.EventClient) *Client {
	return &Client{
		wsURL:  wsURL,
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		state:  StateDisconnected,
		stopCh: make(chan struct{}),
		logger: log.WithComponent("chain-client"),
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers a handler for all parsed events.
func (c *Client) Subscribe(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Connect dials the endpoint, issues the subscriptions, and starts the
// read loop. Connecting a disposed client is a no-op.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.dial(); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.wg.Add(1)
	go c.readLoop()
	return nil
}

// Disconnect closes the socket, cancels any reconnect, and clears handler
// registrations. The client cannot be reused afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.handlers = nil
	c.state = StateDisconnected
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.stopCh)
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
}

func (c *Client) dial() error {
	conn, _, err := c.dialer.Dial(c.wsURL, nil)
	if err != nil {
		return errdefs.Transient("chain_dial_failed", err)
	}

	id := 0
	for eventType, query := range subscriptionQueries {
		id++
		frame := map[string]any{
			"jsonrpc": "2.0",
			"method":  "subscribe",
			"id":      id,
			"params": map[string]string{
				"query": "tm.event='Tx' AND " + query,
			},
		}
		if err := conn.WriteJSON(frame); err != nil {
			conn.Close()
			return errdefs.Transient("chain_subscribe_failed", err)
		}
		c.logger.Debug().Str("event_type", eventType).Str("query", query).Msg("subscribed")
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()
	c.logger.Info().Str("endpoint", c.wsURL).Msg("chain event stream connected")
	return nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	attempt := 0
	for {
		c.mu.Lock()
		conn := c.conn
		disposed := c.disposed
		c.mu.Unlock()
		if disposed {
			return
		}
		if conn == nil {
			if !c.reconnect(&attempt) {
				return
			}
			continue
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			disposed := c.disposed
			c.conn = nil
			c.mu.Unlock()
			if disposed {
				return
			}
			c.logger.Warn().Err(err).Msg("chain stream read failed")
			if !c.reconnect(&attempt) {
				return
			}
			continue
		}
		attempt = 0
		c.handleFrame(payload)
	}
}

// reconnect waits out the backoff and redials. Returns false when the
// client is disposed or the attempt budget is spent.
func (c *Client) reconnect(attempt *int) bool {
	if !c.cfg.AutoReconnect {
		c.setState(StateDisconnected)
		return false
	}
	if c.cfg.MaxReconnectAttempts > 0 && *attempt >= c.cfg.MaxReconnectAttempts {
		c.logger.Error().Int("attempts", *attempt).Msg("reconnect budget exhausted")
		c.setState(StateDisconnected)
		return false
	}
	c.setState(StateReconnecting)
	metrics.ChainReconnects.Inc()

	backoff := time.Duration(c.cfg.ReconnectBaseMs) * time.Millisecond << uint(*attempt)
	if max := time.Duration(c.cfg.ReconnectMaxMs) * time.Millisecond; backoff > max {
		backoff = max
	}
	*attempt++

	select {
	case <-time.After(backoff):
	case <-c.stopCh:
		return false
	}

	if err := c.dial(); err != nil {
		c.logger.Warn().Err(err).Int("attempt", *attempt).Msg("reconnect failed")
		return true // retry on the next loop iteration
	}
	return true
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Tendermint-style frame shapes, reduced to the fields the client reads.
type eventFrame struct {
	Result struct {
		Data struct {
			Value struct {
				TxResult struct {
					Height string `json:"height"`
					Index  int64  `json:"index"`
					Result struct {
						Events []rawEvent `json:"events"`
					} `json:"result"`
				} `json:"TxResult"`
			} `json:"value"`
		} `json:"data"`
		Events map[string][]string `json:"events"`
	} `json:"result"`
}

type rawEvent struct {
	Type       string `json:"type"`
	Attributes []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"attributes"`
}

func (c *Client) handleFrame(payload []byte) {
	var frame eventFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		c.logger.Warn().Err(err).Msg("dropping unparseable frame")
		return
	}

	txResult := frame.Result.Data.Value.TxResult
	if len(txResult.Result.Events) == 0 {
		return // subscription confirmations and empty frames
	}

	txHash := ""
	if hashes := frame.Result.Events["tx.hash"]; len(hashes) > 0 {
		txHash = hashes[0]
	}
	height, _ := strconv.ParseInt(txResult.Height, 10, 64)

	for i, raw := range txResult.Result.Events {
		action, attrs := flatten(raw)
		canonical, known := rawActionToType[action]
		if !known {
			continue
		}
		ev := &types.ChainEvent{
			EventID:     signing.EventID(txHash, raw.Type, i),
			Type:        canonical,
			BlockHeight: height,
			TxIndex:     txResult.Index,
			Timestamp:   time.Now().UTC(),
			TxHash:      txHash,
			Attributes:  attrs,
		}
		c.dispatch(ev)
	}
}

// flatten extracts the message action and a flat attribute map.
func flatten(raw rawEvent) (string, map[string]string) {
	attrs := make(map[string]string, len(raw.Attributes))
	action := ""
	for _, a := range raw.Attributes {
		attrs[a.Key] = a.Value
		if a.Key == "action" {
			action = a.Value
		}
	}
	return action, attrs
}

func (c *Client) dispatch(ev *types.ChainEvent) {
	c.mu.Lock()
	handlers := make([]Handler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	metrics.ChainEventsDispatched.WithLabelValues(ev.Type).Inc()
	for _, h := range handlers {
		h(ev)
	}
}
