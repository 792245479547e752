package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/hal-core/internal/entity"
	"github.com/nerrad567/hal-core/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultReconnectDelay is used when the config leaves the delay unset.
	defaultReconnectDelay = 5 * time.Second

	// defaultCallTimeout bounds a call_service round trip.
	defaultCallTimeout = 10 * time.Second

	// handshakeTimeout bounds the dial and the auth exchange.
	handshakeTimeout = 10 * time.Second

	// writeTimeout bounds a single websocket write.
	writeTimeout = 10 * time.Second

	// maxMessageSize caps inbound frames; get_states on a large install
	// runs to several megabytes.
	maxMessageSize = 64 << 20

	// websocketPath is the API endpoint below the Home Assistant base URL.
	websocketPath = "/api/websocket"
)

// Logger defines the logging interface used by the transports.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Client is a Home Assistant websocket API client. It is both the engine's
// snapshot source and its command sink.
//
// Subscribe owns the connection: it authenticates, requests the full state
// list, subscribes to state_changed events and reconnects after failures.
// CallService sends commands over whichever connection is current.
type Client struct {
	url            string
	token          string
	reconnectDelay time.Duration
	callTimeout    time.Duration
	dialer         *websocket.Dialer
	logger         Logger

	// mu guards conn, nextID and pending.
	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  int64
	pending map[int64]chan incoming

	// writeMu serialises frames; gorilla connections allow one writer.
	writeMu sync.Mutex
}

// NewClient creates a client from the homeassistant config section. It
// does not connect; call Subscribe.
//
// Parameters:
//   - cfg: URL (http, https, ws or wss), token and timing settings
//
// Returns:
//   - *Client: Client ready for Subscribe
//   - error: ErrInvalidURL if the URL cannot be turned into a websocket URL
func NewClient(cfg config.HomeAssistantConfig) (*Client, error) {
	wsURL, err := socketURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		url:            wsURL,
		token:          cfg.Token,
		reconnectDelay: time.Duration(cfg.ReconnectDelay) * time.Second,
		callTimeout:    time.Duration(cfg.CallTimeout) * time.Second,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		logger: noopLogger{},
	}
	if c.reconnectDelay <= 0 {
		c.reconnectDelay = defaultReconnectDelay
	}
	if c.callTimeout <= 0 {
		c.callTimeout = defaultCallTimeout
	}
	return c, nil
}

// socketURL derives the websocket endpoint from a Home Assistant base URL.
func socketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidURL, raw)
	}
	if !strings.HasSuffix(u.Path, websocketPath) {
		u.Path = strings.TrimRight(u.Path, "/") + websocketPath
	}
	return u.String(), nil
}

// SetLogger sets the logger. Must be called before Subscribe.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.logger = logger
}

// URL returns the websocket endpoint the client dials.
func (c *Client) URL() string {
	return c.url
}

// Connected reports whether an authenticated connection is current.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// HealthCheck returns ErrNotConnected unless an authenticated connection
// is current.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.Connected() {
		return ErrNotConnected
	}
	return nil
}

// Subscribe connects and delivers a full snapshot after the initial state
// load and after every state change. It reconnects after the configured
// delay when the connection drops, and blocks until ctx is cancelled.
//
// Returns:
//   - nil when ctx is cancelled
//   - ErrAuthInvalid if the token is rejected (no reconnect is attempted)
func (c *Client) Subscribe(ctx context.Context, handler func(entity.Snapshot)) error {
	runCtx, cancel := context.WithCancel(ctx)
	em := newEmitter()
	done := make(chan struct{})
	go func() {
		defer close(done)
		em.run(runCtx, handler, c.logger)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for {
		err := c.session(runCtx, em)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthInvalid) {
			c.logger.Error("home assistant rejected the access token", "url", c.url)
			return err
		}

		c.logger.Warn("home assistant connection lost",
			"error", err,
			"retry_in", c.reconnectDelay,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnectDelay):
		}
	}
}

// session runs one connection from dial to disconnect.
func (c *Client) session(ctx context.Context, em *emitter) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.url, err)
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := c.authenticate(conn); err != nil {
		return err
	}
	c.logger.Info("connected to home assistant", "url", c.url)

	c.attach(conn)
	defer c.detach()

	subID, _, err := c.sendCommand(command{Type: msgSubscribeEvents, EventType: eventStateChanged}, false)
	if err != nil {
		return fmt.Errorf("subscribing to state changes: %w", err)
	}
	statesID, _, err := c.sendCommand(command{Type: msgGetStates}, false)
	if err != nil {
		return fmt.Errorf("requesting states: %w", err)
	}

	// states stays nil until the get_states result arrives; earlier
	// events are dropped since the result supersedes them.
	var states entity.Snapshot

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading: %w", err)
		}

		var msg incoming
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("ignoring malformed home assistant message", "error", err)
			continue
		}

		switch msg.Type {
		case msgResult:
			switch msg.ID {
			case statesID:
				if !msg.Success {
					return fmt.Errorf("%w: get_states failed: %s", ErrProtocol, msg.errorText())
				}
				var list []stateObject
				if err := json.Unmarshal(msg.Result, &list); err != nil {
					return fmt.Errorf("%w: decoding states: %w", ErrProtocol, err)
				}
				states = statesToSnapshot(list)
				c.logger.Debug("received initial states", "entities", len(states))
				em.push(maps.Clone(states))
			case subID:
				if !msg.Success {
					return fmt.Errorf("%w: subscribe_events failed: %s", ErrProtocol, msg.errorText())
				}
			default:
				c.resolve(msg)
			}

		case msgEvent:
			if states == nil || msg.Event == nil || msg.Event.EventType != eventStateChanged {
				continue
			}
			d := msg.Event.Data
			if d.EntityID == "" {
				continue
			}
			if d.NewState == nil {
				delete(states, d.EntityID)
			} else {
				e := d.NewState.toEntity()
				e.ID = d.EntityID
				states[d.EntityID] = e
			}
			em.push(maps.Clone(states))
		}
	}
}

// authenticate performs the auth_required / auth / auth_ok exchange.
func (c *Client) authenticate(conn *websocket.Conn) error {
	//nolint:errcheck // Best-effort deadline; read errors are caught below
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	//nolint:errcheck // Clearing the deadline cannot meaningfully fail
	defer conn.SetReadDeadline(time.Time{})

	var hello incoming
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("reading %s: %w", msgAuthRequired, err)
	}
	if hello.Type != msgAuthRequired {
		return fmt.Errorf("%w: expected %s, got %q", ErrProtocol, msgAuthRequired, hello.Type)
	}

	if err := c.write(conn, authMessage{Type: msgAuth, AccessToken: c.token}); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	var reply incoming
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("reading auth reply: %w", err)
	}
	switch reply.Type {
	case msgAuthOK:
		return nil
	case msgAuthInvalid:
		return fmt.Errorf("%w: %s", ErrAuthInvalid, reply.Message)
	default:
		return fmt.Errorf("%w: unexpected auth reply %q", ErrProtocol, reply.Type)
	}
}

// CallService asks Home Assistant to run domain.service with data and waits
// for the result.
//
// Parameters:
//   - ctx: Cancels the wait (the command may still execute)
//   - domain, service: e.g. "light", "turn_on"
//   - data: service_data, may be nil
//
// Returns:
//   - error: ErrNotConnected, ErrTimeout or ErrCallFailed, wrapped
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	id, ch, err := c.sendCommand(command{
		Type:        msgCallService,
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	}, true)
	if err != nil {
		return fmt.Errorf("calling %s.%s: %w", domain, service, err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case res, ok := <-ch:
		if !ok {
			return fmt.Errorf("calling %s.%s: %w", domain, service, ErrNotConnected)
		}
		if !res.Success {
			return fmt.Errorf("%w: %s.%s: %s", ErrCallFailed, domain, service, res.errorText())
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return fmt.Errorf("calling %s.%s: %w", domain, service, ctx.Err())
	case <-timer.C:
		c.forget(id)
		return fmt.Errorf("%w: %s.%s after %v", ErrTimeout, domain, service, c.callTimeout)
	}
}

// sendCommand assigns the next id and writes cmd. When wantResult is set
// the returned channel receives the matching result, or is closed if the
// connection ends first.
func (c *Client) sendCommand(cmd command, wantResult bool) (int64, chan incoming, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return 0, nil, ErrNotConnected
	}
	c.nextID++
	cmd.ID = c.nextID

	var ch chan incoming
	if wantResult {
		ch = make(chan incoming, 1)
		c.pending[cmd.ID] = ch
	}
	c.mu.Unlock()

	if err := c.write(conn, cmd); err != nil {
		c.forget(cmd.ID)
		return 0, nil, err
	}
	return cmd.ID, ch, nil
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	//nolint:errcheck // Best-effort deadline; write error caught below
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.pending = make(map[int64]chan incoming)
}

// detach clears the connection and fails every outstanding call.
func (c *Client) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) resolve(msg incoming) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()

	if ok {
		ch <- msg
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (m incoming) errorText() string {
	if m.Error == nil {
		return "unknown error"
	}
	return m.Error.Code + ": " + m.Error.Message
}
