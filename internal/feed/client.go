// Package feed maintains the single multiplexed WebSocket connection to
// the upstream trade feed and fans decoded trades out to per-mint
// channels. One read loop owns the inbound side, so events for a given
// mint reach their consumer in upstream-arrival order.
package feed

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"pump-contract-engine/internal/errs"
)

// Client is the upstream feed client. One instance exists per process;
// the supervisor owns it.
type Client struct {
	mu sync.Mutex

	url      string
	conn     *websocket.Conn
	writeMu  sync.Mutex // serialises outbound control frames
	state    atomic.Int32
	stopChan chan struct{}
	stopped  bool

	subs     map[string]chan TradeEvent
	capacity int

	maxReconnects int
	baseDelay     time.Duration

	fatalCh chan error

	reconnects   atomic.Int64
	delivered    atomic.Int64
	dropped      atomic.Int64
	decodeErrors atomic.Int64
}

// NewClient creates a feed client for the given endpoint. capacity is the
// per-mint event buffer; when full, the oldest buffered event is dropped.
func NewClient(url string, capacity, maxReconnects int, baseDelay time.Duration) *Client {
	if capacity <= 0 {
		capacity = 64
	}
	if maxReconnects <= 0 {
		maxReconnects = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &Client{
		url:           url,
		subs:          make(map[string]chan TradeEvent),
		capacity:      capacity,
		maxReconnects: maxReconnects,
		baseDelay:     baseDelay,
		stopChan:      make(chan struct{}),
		fatalCh:       make(chan error, 1),
	}
}

// Connect dials the upstream feed and starts the read loop.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return errs.New(errs.KindFatal, "feed client already closed")
	}
	if ConnState(c.state.Load()) == StateConnected || ConnState(c.state.Load()) == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state.Store(int32(StateConnecting))
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return errs.Wrap(errs.KindTransient, err, "dial upstream feed")
	}

	c.mu.Lock()
	c.conn = conn
	c.state.Store(int32(StateConnected))
	mints := make([]string, 0, len(c.subs))
	for mint := range c.subs {
		mints = append(mints, mint)
	}
	c.mu.Unlock()

	// Subscriptions registered before the first connect are replayed now.
	if len(mints) > 0 {
		if err := c.sendControl(methodSubscribe, mints); err != nil {
			log.Printf("[FEED] Initial subscribe failed: %v", err)
		}
	}

	log.Printf("[FEED] Connected to %s", c.url)

	go c.readLoop(conn)
	return nil
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

// Fatal exposes the terminal failure channel. At most one error is ever
// delivered: reconnect attempts were exhausted and all subscriptions
// have been cleared.
func (c *Client) Fatal() <-chan error {
	return c.fatalCh
}

// Subscribe registers interest in a mint and returns the channel trades
// for it arrive on. Calling Subscribe again for the same mint returns the
// same channel without duplicating upstream state.
func (c *Client) Subscribe(mint string) (<-chan TradeEvent, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, errs.New(errs.KindFatal, "feed client closed")
	}
	if ch, ok := c.subs[mint]; ok {
		c.mu.Unlock()
		return ch, nil
	}
	ch := make(chan TradeEvent, c.capacity)
	c.subs[mint] = ch
	connected := ConnState(c.state.Load()) == StateConnected
	c.mu.Unlock()

	// Not connected yet: the subscription is replayed on (re)connect.
	if connected {
		if err := c.sendControl(methodSubscribe, []string{mint}); err != nil {
			c.mu.Lock()
			delete(c.subs, mint)
			c.mu.Unlock()
			close(ch)
			return nil, err
		}
	}

	log.Printf("[FEED] Subscribed to mint %s", mint)
	return ch, nil
}

// Unsubscribe removes interest in a mint. After it returns the channel is
// closed and no further events for the mint are delivered; a consumer may
// still drain events that were already buffered.
func (c *Client) Unsubscribe(mint string) error {
	c.mu.Lock()
	ch, ok := c.subs[mint]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, mint)
	close(ch)
	connected := ConnState(c.state.Load()) == StateConnected
	c.mu.Unlock()

	if connected {
		if err := c.sendControl(methodUnsubscribe, []string{mint}); err != nil {
			// The local route is already gone; upstream will be corrected
			// on the next reconnect resync.
			log.Printf("[FEED] Unsubscribe control frame failed for %s: %v", mint, err)
		}
	}

	log.Printf("[FEED] Unsubscribed from mint %s", mint)
	return nil
}

// IsSubscribed reports whether a mint has an active subscription.
func (c *Client) IsSubscribed(mint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[mint]
	return ok
}

// ActiveMints returns the currently subscribed mint set.
func (c *Client) ActiveMints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	mints := make([]string, 0, len(c.subs))
	for mint := range c.subs {
		mints = append(mints, mint)
	}
	return mints
}

// Close tears the connection down and closes every subscription channel.
func (c *Client) Close() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.state.Store(int32(StateClosing))
	conn := c.conn
	for mint, ch := range c.subs {
		close(ch)
		delete(c.subs, mint)
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.state.Store(int32(StateDisconnected))
	log.Printf("[FEED] Closed")
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	subs := len(c.subs)
	c.mu.Unlock()
	return Stats{
		State:         c.State().String(),
		Subscriptions: subs,
		Reconnects:    c.reconnects.Load(),
		Delivered:     c.delivered.Load(),
		Dropped:       c.dropped.Load(),
		DecodeErrors:  c.decodeErrors.Load(),
	}
}

// sendControl writes one subscription control frame.
func (c *Client) sendControl(method string, keys []string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errs.New(errs.KindTransient, "feed not connected")
	}

	frame := controlFrame{Method: method, Keys: keys}
	payload, err := json.Marshal(frame)
	if err != nil {
		return errs.Wrap(errs.KindFatal, err, "marshal control frame")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errs.Wrap(errs.KindTransient, err, "send %s", method)
	}
	return nil
}

// readLoop reads frames until the transport fails, then hands off to the
// reconnect path.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopChan:
				return
			default:
			}
			log.Printf("[FEED] Read error: %v", err)
			c.reconnect()
			return
		}
		c.handleFrame(message)
	}
}

// handleFrame decodes one inbound frame and routes it by mint. Frames
// without a mint are control-plane acknowledgements and are ignored.
// Decode failures drop the frame; the feed keeps running.
func (c *Client) handleFrame(message []byte) {
	var event TradeEvent
	if err := json.Unmarshal(message, &event); err != nil {
		c.decodeErrors.Add(1)
		log.Printf("[FEED] Failed to decode frame: %v", err)
		return
	}
	if event.Mint == "" {
		return
	}

	c.mu.Lock()
	ch, ok := c.subs[event.Mint]
	if !ok {
		c.mu.Unlock()
		return
	}

	select {
	case ch <- event:
		c.delivered.Add(1)
	default:
		// Buffer full: drop the oldest so the consumer always sees the
		// most recent prices. Correctness rests on the monotone ATH, not
		// on every tick.
		select {
		case <-ch:
			c.dropped.Add(1)
		default:
		}
		select {
		case ch <- event:
			c.delivered.Add(1)
		default:
		}
	}
	c.mu.Unlock()
}

// reconnect re-dials with exponential backoff and replays the active
// subscription set before normal operation resumes. Exhausting the
// attempt budget is terminal: subscriptions are cleared and the fatal
// channel fires.
func (c *Client) reconnect() {
	c.mu.Lock()
	if c.stopped || len(c.subs) == 0 {
		c.state.Store(int32(StateDisconnected))
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.state.Store(int32(StateConnecting))

	for attempt := 1; attempt <= c.maxReconnects; attempt++ {
		delay := c.baseDelay * time.Duration(1<<(attempt-1))
		log.Printf("[FEED] Reconnect attempt %d/%d in %s", attempt, c.maxReconnects, delay)

		select {
		case <-c.stopChan:
			return
		case <-time.After(delay):
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			log.Printf("[FEED] Reconnect attempt %d failed: %v", attempt, err)
			continue
		}

		// State flips to Connected under the same lock the subscription
		// snapshot is taken under, so a concurrent Subscribe either lands
		// in the snapshot or sends its own control frame.
		c.mu.Lock()
		c.conn = conn
		c.state.Store(int32(StateConnected))
		mints := make([]string, 0, len(c.subs))
		for mint := range c.subs {
			mints = append(mints, mint)
		}
		c.mu.Unlock()

		c.reconnects.Add(1)

		// Replay the whole active set in one frame before anything else.
		if len(mints) > 0 {
			if err := c.sendControl(methodSubscribe, mints); err != nil {
				log.Printf("[FEED] Resubscribe failed: %v", err)
				conn.Close()
				continue
			}
		}

		log.Printf("[FEED] Reconnected, resubscribed %d mints", len(mints))
		go c.readLoop(conn)
		return
	}

	// Out of attempts.
	c.mu.Lock()
	for mint, ch := range c.subs {
		close(ch)
		delete(c.subs, mint)
	}
	c.mu.Unlock()
	c.state.Store(int32(StateDisconnected))

	err := errs.New(errs.KindFatal, "upstream feed unreachable after %d attempts", c.maxReconnects)
	select {
	case c.fatalCh <- err:
	default:
	}
	log.Printf("[FEED] %v", err)
}

// String implements fmt.Stringer for diagnostics.
func (c *Client) String() string {
	return fmt.Sprintf("feed.Client(%s, %s)", c.url, c.State())
}
