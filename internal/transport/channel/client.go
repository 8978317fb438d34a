/*
 *
 * Copyright 2025 the fHUD authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package channel implements the message-oriented side channel to the
// producer: a websocket carrying the same logical word events as the
// shared-memory ring plus semantic events, and the outbound indicator
// batches flowing back.
package channel

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultAddress is the producer's default websocket endpoint.
	DefaultAddress = "ws://127.0.0.1:8765"

	// DefaultMaxConnectAttempts bounds retries for the initial connection
	// only; reconnects after a established session retry indefinitely.
	DefaultMaxConnectAttempts = 5
)

var (
	// DefaultInitialBackoff is the first reconnect delay.
	DefaultInitialBackoff = time.Second
	// DefaultMaxBackoff caps the reconnect delay.
	DefaultMaxBackoff = 30 * time.Second
	// DefaultHandshakeTimeout bounds a single dial attempt.
	DefaultHandshakeTimeout = 3 * time.Second
)

var (
	// ErrChannelDisconnected indicates no live connection to send on.
	ErrChannelDisconnected = errors.New("channel: disconnected")

	// ErrMaxReconnectAttempts indicates the initial connection gave up;
	// the health controller treats the channel as permanently degraded.
	ErrMaxReconnectAttempts = errors.New("channel: max reconnect attempts exceeded")
)

var log logrus.FieldLogger

// SetLogger sets the package logger.
func SetLogger(logger logrus.FieldLogger) {
	log = logger
}

func init() {
	log = logrus.New().WithField("logger", "fhud/channel")
}

// MsgCallback receives each decoded inbound message.
type MsgCallback func(Message)

// Client is a websocket channel client. Reconnection runs inside the
// client's own goroutine and never blocks the caller's other loops.
type Client struct {
	url string

	maxConnectAttempts int
	initialBackoff     time.Duration
	maxBackoff         time.Duration
	handshakeTimeout   time.Duration

	msgCallback  MsgCallback
	onConnect    func()
	onDisconnect func(error)

	connMu sync.Mutex
	conn   *websocket.Conn

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewClient returns a Client for the given websocket URL. If url is empty
// DefaultAddress is used.
func NewClient(url string) *Client {
	if url == "" {
		url = DefaultAddress
	}
	return &Client{
		url:                url,
		maxConnectAttempts: DefaultMaxConnectAttempts,
		initialBackoff:     DefaultInitialBackoff,
		maxBackoff:         DefaultMaxBackoff,
		handshakeTimeout:   DefaultHandshakeTimeout,
		quit:               make(chan struct{}),
		msgCallback: func(Message) {
			log.Debug("no callback set, dropping message")
		},
	}
}

// SetMsgCallback sets the callback for decoded inbound messages. Call
// before Connect.
func (c *Client) SetMsgCallback(cb MsgCallback) {
	c.msgCallback = cb
}

// SetStateCallbacks sets callbacks fired on (re)connect and on loss of
// connection. Call before Connect.
func (c *Client) SetStateCallbacks(onConnect func(), onDisconnect func(error)) {
	c.onConnect = onConnect
	c.onDisconnect = onDisconnect
}

// SetBackoff overrides the reconnect delay bounds.
func (c *Client) SetBackoff(initial, max time.Duration) {
	c.initialBackoff = initial
	c.maxBackoff = max
}

// SetMaxConnectAttempts overrides the initial-connection retry bound.
func (c *Client) SetMaxConnectAttempts(n int) {
	c.maxConnectAttempts = n
}

// Connect establishes the initial connection, retrying with exponential
// backoff up to the configured attempt bound, then starts the receive
// loop. A failed initial connection returns ErrMaxReconnectAttempts
// (wrapped); the client is then inert and safe to Close. A concurrent
// Close interrupts the retry loop.
func (c *Client) Connect() error {
	conn, err := c.dialRetry(uint64(c.maxConnectAttempts))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMaxReconnectAttempts, err)
	}
	c.setConn(conn)
	if c.onConnect != nil {
		c.onConnect()
	}

	c.wg.Add(1)
	go c.run()
	return nil
}

// Close shuts the connection down and waits for the receive loop to exit.
// Safe to call whether or not Connect succeeded, including while Connect
// is still retrying.
func (c *Client) Close() error {
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
	c.closeConn()
	c.wg.Wait()
	return nil
}

// Send marshals v as JSON and writes it as one text message.
func (c *Client) Send(v any) error {
	data, err := marshalOutbound(v)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrChannelDisconnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelDisconnected, err)
	}
	return nil
}

func marshalOutbound(v any) ([]byte, error) {
	if b, ok := v.(IndicatorBatch); ok {
		return EncodeBatch(b)
	}
	return EncodeAny(v)
}

// run receives messages until the connection drops, then reconnects with
// backoff from the start. Loss of an established connection resets the
// attempt count: only the initial connection is bounded.
func (c *Client) run() {
	defer c.wg.Done()

	for {
		err := c.readLoop()
		if c.closed() {
			return
		}

		log.Warnf("channel connection lost: %v", err)
		c.setConn(nil)
		if c.onDisconnect != nil {
			c.onDisconnect(fmt.Errorf("%w: %v", ErrChannelDisconnected, err))
		}

		conn, derr := c.dialRetry(0)
		if derr != nil {
			// Only Close interrupts an unbounded retry.
			return
		}
		c.setConn(conn)
		log.Info("channel reconnected")
		if c.onConnect != nil {
			c.onConnect()
		}
	}
}

// readLoop reads and dispatches messages until the connection errors.
// A malformed message is logged and skipped; it never stops the loop.
func (c *Client) readLoop() error {
	conn := c.current()
	if conn == nil {
		return ErrChannelDisconnected
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			log.Warnf("skipping channel message: %v", err)
			continue
		}
		c.msgCallback(msg)
	}
}

// dialRetry dials with exponential backoff. maxAttempts 0 means retry
// until Close.
func (c *Client) dialRetry(maxAttempts uint64) (*websocket.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	bo.Multiplier = 2
	bo.MaxInterval = c.maxBackoff
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempt := uint64(0)
	for {
		if c.closed() {
			return nil, ErrChannelDisconnected
		}

		conn, err := c.dial()
		if err == nil {
			return conn, nil
		}
		attempt++
		log.Debugf("dial %s failed (attempt %d): %v", c.url, attempt, err)

		if maxAttempts > 0 && attempt >= maxAttempts {
			return nil, err
		}

		select {
		case <-c.quit:
			return nil, ErrChannelDisconnected
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.handshakeTimeout,
		NetDial: func(network, addr string) (net.Conn, error) {
			return net.DialTimeout(network, addr, c.handshakeTimeout)
		},
	}
	conn, _, err := dialer.Dial(c.url, nil)
	return conn, err
}

func (c *Client) current() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conn = conn
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) closed() bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}

// IsClosedError reports whether err looks like a normal shutdown rather
// than a transport failure.
func IsClosedError(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
