package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signaling")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	dialWait   = 15 * time.Second
	maxBackoff = 30 * time.Second
	sendBuffer = 64
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("signaling client closed")

// Client keeps one authenticated WebSocket to the signaling hub, reconnecting
// with capped backoff. Outbound messages queue across reconnects; inbound
// messages fan out to subscribers.
type Client struct {
	url   string
	token TokenSource

	onConnectivity func(connected bool)

	sendCh chan Message

	mu        sync.Mutex
	subs      map[chan Message]struct{}
	connected bool
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(url string, token TokenSource) *Client {
	return &Client{
		url:    url,
		token:  token,
		sendCh: make(chan Message, sendBuffer),
		subs:   make(map[chan Message]struct{}),
		done:   make(chan struct{}),
	}
}

// OnConnectivity registers the link-state hook, invoked on every up/down
// transition. Set before Start.
func (c *Client) OnConnectivity(fn func(connected bool)) {
	c.onConnectivity = fn
}

// Start launches the connect loop. It runs until ctx is canceled or Close.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	go c.run(ctx)
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.dial(ctx)
		if err != nil {
			log.Warnf("dial %s: %v (retry in %s)", c.url, err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		c.setConnected(true)
		c.pump(ctx, conn)
		c.setConnected(false)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	tok, err := c.token()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)

	dialCtx, cancel := context.WithTimeout(ctx, dialWait)
	defer cancel()
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		return nil, err
	}
	return conn, nil
}

// pump reads until the connection drops. The writer goroutine shares the
// connection and stops via connCtx when the reader returns.
func (c *Client) pump(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writePump(connCtx, conn)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("signaling read: %v", err)
			}
			return
		}
		c.fanOut(msg)
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Warnf("signaling write: %v", err)
				conn.Close() // wake the reader
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// Send queues a message for delivery. Queued messages survive a reconnect;
// a full queue fails fast rather than blocking the caller.
func (c *Client) Send(msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case c.sendCh <- msg:
		return nil
	default:
		return fmt.Errorf("signaling send queue full (%d pending)", sendBuffer)
	}
}

// Subscribe returns a channel of inbound messages and a cancel function.
// Slow subscribers lose messages rather than stalling the read pump.
func (c *Client) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, 32)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
}

func (c *Client) fanOut(msg Message) {
	c.mu.Lock()
	for ch := range c.subs {
		select {
		case ch <- msg:
		default:
			log.Warnf("dropping %s message: subscriber backlog full", msg.Type)
		}
	}
	c.mu.Unlock()
}

// Connected reports whether the socket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) setConnected(up bool) {
	c.mu.Lock()
	changed := c.connected != up
	c.connected = up
	fn := c.onConnectivity
	c.mu.Unlock()
	if !changed {
		return
	}
	if up {
		log.Infof("signaling connected: %s", c.url)
	} else {
		log.Warnf("signaling disconnected")
	}
	if fn != nil {
		fn(up)
	}
}

// Close stops the connect loop and closes all subscriber channels.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-c.done
	}

	c.mu.Lock()
	for ch := range c.subs {
		delete(c.subs, ch)
		close(ch)
	}
	c.mu.Unlock()
	return nil
}
