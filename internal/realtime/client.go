// Package realtime is a Bayeux (CometD) long-polling client for the sandbox
// realtime endpoint.
//
// The client handshakes with the developer authentication extension, keeps
// one /meta/connect request outstanding, and dispatches the data messages of
// each connect response, in order, on the connect goroutine. When the server
// forgets the client (advice "handshake" or "402::Unknown client") it
// handshakes again and re-subscribes every live channel.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/publicsuffix"
)

const (
	defaultPath            = "/strd"
	defaultBackoffMin      = 500 * time.Millisecond
	defaultBackoffMax      = 30 * time.Second
	defaultLongPollTimeout = 60 * time.Second
	defaultRequestTimeout  = 10 * time.Second

	// maxConnectFailures is the number of consecutive failed connects after
	// which the client handshakes again, possibly with another server.
	maxConnectFailures = 3

	maxResponseSize = 16 << 20
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("realtime: client closed")

// ProtocolError is a Bayeux reply with successful=false.
type ProtocolError struct {
	Channel string
	Reason  string
}

func (e *ProtocolError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("realtime: %s rejected", e.Channel)
	}
	return fmt.Sprintf("realtime: %s rejected: %s", e.Channel, e.Reason)
}

// Handler receives the data of one message published on a channel.
type Handler func(data json.RawMessage)

// ServerResolver returns the candidate servers, tried in order on handshake.
type ServerResolver func(ctx context.Context) ([]string, error)

// Config holds configuration for creating a Client.
type Config struct {
	Servers ServerResolver
	// Path is appended to each server URL. Default "/strd".
	Path string
	Auth Authentication
	// Delay bounds between failed connects. Defaults 500ms and 30s.
	BackoffMin time.Duration
	BackoffMax time.Duration
	// LongPollTimeout bounds one /meta/connect round-trip. Default 60s.
	LongPollTimeout time.Duration
	// RequestTimeout bounds handshake and (un)subscribe calls made by the
	// client itself. Default 10s.
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

type registration struct {
	id      uint64
	handler Handler
}

// Client is a Bayeux long-polling client. It is safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	msgID      atomic.Uint64

	mu        sync.Mutex
	endpoint  string
	clientID  string
	subs      map[string][]registration
	nextReg   uint64
	connected bool
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewClient validates the configuration and creates a Client. Nothing is
// sent until Connect.
func NewClient(config Config) (*Client, error) {
	if config.Servers == nil {
		return nil, errors.New("realtime: Servers resolver is required")
	}
	if config.Path == "" {
		config.Path = defaultPath
	}
	if config.BackoffMin <= 0 {
		config.BackoffMin = defaultBackoffMin
	}
	if config.BackoffMax < config.BackoffMin {
		config.BackoffMax = max(defaultBackoffMax, config.BackoffMin)
	}
	if config.LongPollTimeout <= 0 {
		config.LongPollTimeout = defaultLongPollTimeout
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}

	var httpClient http.Client
	if config.HTTPClient != nil {
		httpClient = *config.HTTPClient
	}
	if httpClient.Jar == nil {
		// Load balancers in front of CometD pin sessions with cookies.
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("realtime: creating cookie jar: %w", err)
		}
		httpClient.Jar = jar
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	done := make(chan struct{})
	close(done)
	return &Client{
		config:     config,
		httpClient: &httpClient,
		logger:     logger,
		subs:       make(map[string][]registration),
		done:       done,
	}, nil
}

// Connect handshakes and starts the connect loop. Channels subscribed before
// Connect are subscribed on the server once the handshake succeeds. Calling
// Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.handshake(ctx); err != nil {
		return err
	}
	c.resubscribeAll(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	if c.closed || c.connected {
		closed := c.closed
		c.mu.Unlock()
		cancel()
		if closed {
			return ErrClosed
		}
		return nil
	}
	c.connected = true
	c.cancel = cancel
	c.done = done
	endpoint, clientID := c.endpoint, c.clientID
	c.mu.Unlock()

	c.logger.Info("realtime connected", "endpoint", endpoint, "client_id", clientID)
	go c.connectLoop(loopCtx, done)
	return nil
}

// Done is closed when the connect loop stops, either after Close or when the
// server advises not to reconnect.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Subscribe registers handler for channel and returns a function that
// removes it. The first handler on a channel subscribes on the server; the
// last one removed unsubscribes. The returned function is idempotent.
func (c *Client) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	if handler == nil {
		return nil, errors.New("realtime: nil handler")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextReg++
	reg := registration{id: c.nextReg, handler: handler}
	first := len(c.subs[channel]) == 0
	c.subs[channel] = append(c.subs[channel], reg)
	clientID := c.clientID
	c.mu.Unlock()

	if first && clientID != "" {
		if err := c.subscribeRemote(ctx, channel); err != nil {
			c.remove(channel, reg.id)
			return nil, err
		}
	}
	c.logger.Debug("realtime subscribed", "channel", channel)

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(channel, reg.id) })
	}, nil
}

// remove drops one registration and reports whether the channel is now
// without handlers.
func (c *Client) remove(channel string, id uint64) (last bool, clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	regs := c.subs[channel]
	for i, reg := range regs {
		if reg.id == id {
			regs = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(regs) == 0 {
		delete(c.subs, channel)
		return true, c.clientID
	}
	c.subs[channel] = regs
	return false, c.clientID
}

func (c *Client) unsubscribe(channel string, id uint64) {
	last, clientID := c.remove(channel, id)
	if !last || clientID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
	defer cancel()

	reply, err := c.call(ctx, message{
		Channel:      channelUnsubscribe,
		ClientID:     clientID,
		Subscription: channel,
	})
	if err == nil && !reply.Successful {
		err = &ProtocolError{Channel: channelUnsubscribe, Reason: reply.Error}
	}
	if err != nil {
		c.logger.Warn("realtime unsubscribe failed", "channel", channel, "error", err)
	}
}

// Close stops the connect loop and disconnects. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel, done, clientID := c.cancel, c.done, c.clientID
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-done

	if clientID == "" {
		return
	}
	ctx, stop := context.WithTimeout(context.Background(), c.config.RequestTimeout)
	defer stop()
	if _, err := c.call(ctx, message{Channel: channelDisconnect, ClientID: clientID}); err != nil {
		c.logger.Debug("realtime disconnect failed", "error", err)
	}
}

// handshake tries every server in order and keeps the first that accepts.
func (c *Client) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	servers, err := c.config.Servers(ctx)
	if err != nil {
		return fmt.Errorf("realtime: resolving servers: %w", err)
	}
	if len(servers) == 0 {
		return errors.New("realtime: no server available")
	}

	var lastErr error
	for _, server := range servers {
		endpoint := strings.TrimRight(server, "/") + c.config.Path
		replies, err := c.send(ctx, endpoint, []message{{
			ID:                       c.newID(),
			Channel:                  channelHandshake,
			Version:                  bayeuxVersion,
			MinimumVersion:           bayeuxVersion,
			SupportedConnectionTypes: []string{connectionType},
			Ext:                      c.config.Auth.ext(),
		}})
		if err == nil {
			c.dispatchData(replies)
			reply, ok := find(replies, channelHandshake)
			switch {
			case !ok:
				err = &ProtocolError{Channel: channelHandshake, Reason: "no handshake reply"}
			case !reply.Successful || reply.ClientID == "":
				err = &ProtocolError{Channel: channelHandshake, Reason: reply.Error}
			default:
				c.mu.Lock()
				c.endpoint = endpoint
				c.clientID = reply.ClientID
				c.mu.Unlock()
				return nil
			}
		}
		c.logger.Warn("realtime handshake failed", "server", server, "error", err)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("realtime: handshake failed: %w", lastErr)
}

// resubscribeAll subscribes every registered channel under the current
// client id. Failures are logged; handlers stay registered.
func (c *Client) resubscribeAll(ctx context.Context) {
	c.mu.Lock()
	channels := make([]string, 0, len(c.subs))
	for channel := range c.subs {
		channels = append(channels, channel)
	}
	c.mu.Unlock()

	for _, channel := range channels {
		reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		err := c.subscribeRemote(reqCtx, channel)
		cancel()
		if err != nil {
			c.logger.Warn("realtime resubscribe failed", "channel", channel, "error", err)
		}
	}
}

func (c *Client) subscribeRemote(ctx context.Context, channel string) error {
	c.mu.Lock()
	clientID := c.clientID
	c.mu.Unlock()

	reply, err := c.call(ctx, message{
		Channel:      channelSubscribe,
		ClientID:     clientID,
		Subscription: channel,
	})
	if err != nil {
		return err
	}
	if !reply.Successful {
		return &ProtocolError{Channel: channelSubscribe, Reason: reply.Error}
	}
	return nil
}

func (c *Client) connectLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := c.config.BackoffMin
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		clientID := c.clientID
		c.mu.Unlock()

		var (
			reconnect string
			interval  time.Duration
			err       error
		)
		if failures >= maxConnectFailures || clientID == "" {
			reconnect = reconnectHandshake
		} else {
			reconnect, interval, err = c.connectOnce(ctx, clientID)
		}

		if err == nil && reconnect == reconnectHandshake {
			c.mu.Lock()
			c.clientID = ""
			c.mu.Unlock()
			if err = c.handshake(ctx); err == nil {
				c.resubscribeAll(ctx)
				c.logger.Info("realtime re-handshake succeeded")
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.logger.Warn("realtime connect failed",
				"error", err,
				"failures", failures,
				"backoff", backoff,
			)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, c.config.BackoffMax)
			continue
		}

		if reconnect == reconnectNone {
			c.logger.Warn("realtime server advised not to reconnect")
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			return
		}

		failures = 0
		backoff = c.config.BackoffMin
		if interval > 0 && !sleep(ctx, interval) {
			return
		}
	}
}

// connectOnce sends one /meta/connect and dispatches the data messages of
// the response in order. It returns the reconnect advice.
func (c *Client) connectOnce(ctx context.Context, clientID string) (string, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.LongPollTimeout)
	defer cancel()

	c.mu.Lock()
	endpoint := c.endpoint
	c.mu.Unlock()

	replies, err := c.send(ctx, endpoint, []message{{
		ID:             c.newID(),
		Channel:        channelConnect,
		ClientID:       clientID,
		ConnectionType: connectionType,
	}})
	if err != nil {
		return "", 0, err
	}

	reconnect := reconnectRetry
	var interval time.Duration
	var connectErr error
	for i := range replies {
		m := &replies[i]
		if !m.isMeta() {
			c.dispatch(m)
			continue
		}
		if m.Channel != channelConnect {
			continue
		}
		if m.Advice != nil {
			if m.Advice.Reconnect != "" {
				reconnect = m.Advice.Reconnect
			}
			interval = time.Duration(m.Advice.Interval) * time.Millisecond
		}
		if !m.Successful {
			if m.unknownClient() {
				reconnect = reconnectHandshake
			} else if reconnect == reconnectRetry {
				connectErr = &ProtocolError{Channel: channelConnect, Reason: m.Error}
			}
		}
	}
	return reconnect, interval, connectErr
}

// dispatch calls the handlers of m's channel. A panicking handler is logged
// and does not affect the others.
func (c *Client) dispatch(m *message) {
	c.mu.Lock()
	regs := c.subs[m.Channel]
	handlers := make([]Handler, len(regs))
	for i, reg := range regs {
		handlers[i] = reg.handler
	}
	c.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("realtime handler panicked", "channel", m.Channel, "panic", r)
				}
			}()
			h(m.Data)
		}()
	}
}

// dispatchData delivers the data messages a server piggybacks on any
// reply, in response order.
func (c *Client) dispatchData(replies []message) {
	for i := range replies {
		if !replies[i].isMeta() {
			c.dispatch(&replies[i])
		}
	}
}

// call sends one message to the current endpoint and returns its reply.
// Data messages in the same response are dispatched first.
func (c *Client) call(ctx context.Context, m message) (message, error) {
	c.mu.Lock()
	endpoint := c.endpoint
	c.mu.Unlock()
	if endpoint == "" {
		return message{}, errors.New("realtime: not connected")
	}

	m.ID = c.newID()
	replies, err := c.send(ctx, endpoint, []message{m})
	if err != nil {
		return message{}, err
	}
	c.dispatchData(replies)
	for _, reply := range replies {
		if reply.Channel == m.Channel && (reply.ID == "" || reply.ID == m.ID) {
			return reply, nil
		}
	}
	return message{}, &ProtocolError{Channel: m.Channel, Reason: "no reply"}
}

func (c *Client) send(ctx context.Context, endpoint string, msgs []message) ([]message, error) {
	body, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("realtime: encoding %s: %w", msgs[0].Channel, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("realtime: %w", err)
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("realtime: %s: %w", msgs[0].Channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("realtime: %s: HTTP %d", msgs[0].Channel, resp.StatusCode)
	}

	var replies []message
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&replies); err != nil {
		return nil, fmt.Errorf("realtime: decoding %s reply: %w", msgs[0].Channel, err)
	}
	return replies, nil
}

func (c *Client) newID() string {
	return strconv.FormatUint(c.msgID.Add(1), 10)
}

func find(replies []message, channel string) (message, bool) {
	for _, m := range replies {
		if m.Channel == channel {
			return m, true
		}
	}
	return message{}, false
}

// sleep waits for d or ctx, reporting false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
