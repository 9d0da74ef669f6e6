// Package wsrelay implements the relaypool connection interface over a
// websocket, with pings keeping the link alive and automatic reconnection
// with exponential backoff when it drops.
package wsrelay

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fiatjaf/relaypool"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
)

// Options configures a Client. The zero value works.
type Options struct {
	// Dialer performs the websocket handshake. Nil means a dialer with a
	// 10s handshake timeout.
	Dialer *websocket.Dialer

	// PingInterval is how often pings are sent on an idle link. Zero
	// means 30s.
	PingInterval time.Duration

	// PongTimeout is how long the link may go without any pong before it
	// is considered dead. Zero means 90s.
	PongTimeout time.Duration

	// WriteTimeout bounds each write. Zero means 10s.
	WriteTimeout time.Duration

	// NoReconnect disables automatic reconnection after a drop.
	NoReconnect bool

	Logger *zerolog.Logger
}

// Client is one websocket connection to a relay.
type Client struct {
	url  string
	opts Options
	log  zerolog.Logger

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	status   atomic.Int32
	statusCh chan relaypool.Status
	msgCh    chan nostr.Envelope
	lastPong atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

var _ relaypool.Conn = (*Client)(nil)

func New(url string, opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout == 0 {
		opts.PongTimeout = 90 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	var log zerolog.Logger
	if opts.Logger != nil {
		log = *opts.Logger
	} else {
		log = zerolog.New(os.Stderr).Level(zerolog.Disabled)
	}

	normalized := nostr.NormalizeURL(url)
	return &Client{
		url:      normalized,
		opts:     opts,
		log:      log.With().Str("relay", normalized).Logger(),
		statusCh: make(chan relaypool.Status, 8),
		msgCh:    make(chan nostr.Envelope, 128),
		done:     make(chan struct{}),
	}
}

// Dialer returns a relaypool.DialFunc building Clients with these options.
func Dialer(opts Options) relaypool.DialFunc {
	return func(url string) (relaypool.Conn, error) {
		return New(url, opts), nil
	}
}

func (c *Client) URL() string { return c.url }

func (c *Client) Status() relaypool.Status {
	return relaypool.Status(c.status.Load())
}

func (c *Client) StatusChanges() <-chan relaypool.Status { return c.statusCh }

func (c *Client) Messages() <-chan nostr.Envelope { return c.msgCh }

func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection to %s is closed", c.url)
	default:
	}

	c.setStatus(relaypool.StatusConnecting)
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.setStatus(relaypool.StatusDisconnected)
		return fmt.Errorf("failed to dial %s: %w", c.url, err)
	}
	c.attach(conn)
	return nil
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.connMu.Lock()
		conn := c.conn
		c.conn = nil
		c.connMu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			conn.Close()
		}
		c.setStatus(relaypool.StatusDisconnected)
	})
	return nil
}

func (c *Client) Send(ctx context.Context, env nostr.Envelope) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected to %s", c.url)
	}

	b, err := env.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		conn.Close()
		return fmt.Errorf("failed to write to %s: %w", c.url, err)
	}
	conn.SetWriteDeadline(time.Time{})
	return nil
}

func (c *Client) setStatus(st relaypool.Status) {
	prev := relaypool.Status(c.status.Swap(int32(st)))
	if prev == st {
		return
	}
	select {
	case c.statusCh <- st:
	default:
	}
}

// attach wires a fresh websocket in and spins up its read and ping loops.
func (c *Client) attach(conn *websocket.Conn) {
	c.lastPong.Store(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	c.connMu.Lock()
	prev := c.conn
	c.conn = conn
	c.connMu.Unlock()
	if prev != nil {
		prev.Close()
	}

	c.setStatus(relaypool.StatusConnected)
	go c.readLoop(conn)
	go c.pingLoop(conn)
}

// detach clears the active connection, but only if conn is still it. Loops
// belonging to an older connection get false and must not touch the status.
func (c *Client) detach(conn *websocket.Conn) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != conn {
		return false
	}
	c.conn = nil
	return true
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			if c.detach(conn) {
				c.setStatus(relaypool.StatusDisconnected)
				select {
				case <-c.done:
				default:
					if !c.opts.NoReconnect {
						c.log.Debug().Err(err).Msg("connection dropped, reconnecting")
						go c.reconnect()
					}
				}
			}
			return
		}

		env := nostr.ParseMessage(msg)
		if env == nil {
			c.log.Debug().Str("raw", string(msg)).Msg("skipping unparseable message")
			continue
		}

		select {
		case c.msgCh <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if time.Since(time.Unix(0, c.lastPong.Load())) > c.opts.PongTimeout {
				c.log.Debug().Msg("no pong, dropping connection")
				conn.Close()
				return
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) reconnect() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.setStatus(relaypool.StatusConnecting)
		conn, _, err := c.opts.Dialer.DialContext(context.Background(), c.url, nil)
		if err == nil {
			c.attach(conn)
			return
		}
		c.setStatus(relaypool.StatusDisconnected)

		wait := bo.NextBackOff()
		c.log.Debug().Err(err).Dur("retry_in", wait).Msg("reconnect attempt failed")
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-c.done:
			timer.Stop()
			return
		}
		timer.Stop()
	}
}
