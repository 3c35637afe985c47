package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"nhooyr.io/websocket"
)

type ChannelState string

const (
	ChannelClosed       ChannelState = "closed"
	ChannelOpening      ChannelState = "opening"
	ChannelOpen         ChannelState = "open"
	ChannelReconnecting ChannelState = "reconnecting"
)

// EventHandler receives every inbound notification event. Exactly one
// handler is active per open channel.
type EventHandler func(n Notification)

type ChannelOptions struct {
	BaseURL              string
	Credential           CredentialSource
	HTTPClient           *http.Client
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	Logger               Logger

	// OnStatus is the single connection-status signal; channel-level
	// failures are never reported per event.
	OnStatus func(state ChannelState)

	// OnResubscribe fires after every successful reconnect so the owner
	// can restore convergence (typically via a full snapshot refetch).
	OnResubscribe func()
}

// Channel maintains exactly one persistent delivery channel per active
// principal: Closed -> Opening -> Open -> Closed, with
// Open -> Reconnecting -> Open on transport-level drops. Reconnects are
// bounded; exhausting them lands back in Closed.
type Channel struct {
	baseURL       string
	credential    CredentialSource
	httpClient    *http.Client
	maxReconnects int
	baseDelay     time.Duration
	maxDelay      time.Duration
	logger        Logger
	onStatus      func(ChannelState)
	onResubscribe func()
	schema        *jsonschema.Schema

	mu        sync.Mutex
	state     ChannelState
	principal string
	handler   EventHandler
	conn      *websocket.Conn
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewChannel(opts ChannelOptions) (*Channel, error) {
	schema, err := compileNotificationSchema()
	if err != nil {
		return nil, err
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	maxReconnects := opts.MaxReconnectAttempts
	if maxReconnects <= 0 {
		maxReconnects = 5
	}
	baseDelay := opts.ReconnectBaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.ReconnectMaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &Channel{
		baseURL:       baseURL,
		credential:    opts.Credential,
		httpClient:    opts.HTTPClient,
		maxReconnects: maxReconnects,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		logger:        opts.Logger,
		onStatus:      opts.OnStatus,
		onResubscribe: opts.OnResubscribe,
		schema:        schema,
		state:         ChannelClosed,
	}, nil
}

// OnEvent registers the downstream consumer. It must be set before Open.
func (c *Channel) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open establishes the channel for a principal. An Unauthorized
// handshake is not surfaced as an error: the channel stays Closed and
// the caller is expected to re-invoke Open after re-authentication.
// There is no automatic retry of the initial dial.
func (c *Channel) Open(ctx context.Context, principalID string) error {
	c.mu.Lock()
	if c.state != ChannelClosed {
		c.mu.Unlock()
		return fmt.Errorf("%w: channel is %s", ErrInvalidState, c.state)
	}
	c.state = ChannelOpening
	c.principal = principalID
	c.mu.Unlock()
	c.emitStatus(ChannelOpening)

	conn, err := c.dial(ctx, principalID)
	if err != nil {
		c.mu.Lock()
		c.state = ChannelClosed
		c.mu.Unlock()
		c.emitStatus(ChannelClosed)
		if errors.Is(err, ErrUnauthorized) {
			c.logf("channel open for %s rejected: no valid session", principalID)
			return nil
		}
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.state = ChannelOpen
	c.conn = conn
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()
	c.emitStatus(ChannelOpen)

	go c.readLoop(loopCtx, conn, principalID, done)
	return nil
}

// Close tears down the channel. It must be called before an Open for a
// different principal.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	done := c.done
	c.conn = nil
	c.cancel = nil
	c.done = nil
	wasClosed := c.state == ChannelClosed
	c.state = ChannelClosed
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	if done != nil {
		<-done
	}
	if !wasClosed {
		c.emitStatus(ChannelClosed)
	}
	return nil
}

func (c *Channel) dial(ctx context.Context, principalID string) (*websocket.Conn, error) {
	token := ""
	if c.credential != nil {
		var err error
		token, err = c.credential.Token(ctx)
		if err != nil {
			return nil, err
		}
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	endpoint := c.baseURL + "/notifications/" + url.PathEscape(principalID) + "/stream"

	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with %d", ErrUnauthorized, resp.StatusCode)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return conn, nil
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, principalID string, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.transitionClosedFromLoop()
				return
			}
			next, ok := c.reconnect(ctx, principalID)
			if !ok {
				c.transitionClosedFromLoop()
				return
			}
			conn = next
			continue
		}
		c.dispatch(data)
	}
}

// reconnect attempts to restore a dropped transport with bounded
// exponential backoff. Events buffered server-side across the gap are
// delivered on the new connection; ordering across the boundary is left
// to the reconciliation layer.
func (c *Channel) reconnect(ctx context.Context, principalID string) (*websocket.Conn, bool) {
	c.setState(ChannelReconnecting)
	c.emitStatus(ChannelReconnecting)
	for attempt := 1; attempt <= c.maxReconnects; attempt++ {
		if err := waitWithContext(ctx, c.reconnectDelay(attempt)); err != nil {
			return nil, false
		}
		conn, err := c.dial(ctx, principalID)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
				c.logf("channel reconnect for %s aborted: %v", principalID, err)
				return nil, false
			}
			c.logf("channel reconnect attempt %d/%d failed: %v", attempt, c.maxReconnects, err)
			continue
		}
		c.mu.Lock()
		if c.state != ChannelReconnecting {
			// Close raced with the reconnect; drop the new transport.
			c.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "client closing")
			return nil, false
		}
		c.state = ChannelOpen
		c.conn = conn
		c.mu.Unlock()
		c.emitStatus(ChannelOpen)
		if c.onResubscribe != nil {
			c.onResubscribe()
		}
		return conn, true
	}
	c.logf("channel for %s gave up after %d reconnect attempts", principalID, c.maxReconnects)
	return nil, false
}

func (c *Channel) dispatch(data []byte) {
	var envelope struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logf("channel: dropping malformed frame: %v", err)
		return
	}
	if envelope.Type != "notification" {
		return
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(envelope.Payload))
	if err != nil {
		c.logf("channel: dropping unparseable payload: %v", err)
		return
	}
	if err := c.schema.Validate(doc); err != nil {
		c.logf("channel: dropping invalid notification payload: %v", err)
		return
	}
	var n Notification
	if err := json.Unmarshal(envelope.Payload, &n); err != nil {
		c.logf("channel: dropping undecodable notification: %v", err)
		return
	}

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(n)
	}
}

func (c *Channel) transitionClosedFromLoop() {
	c.mu.Lock()
	changed := c.state != ChannelClosed
	c.state = ChannelClosed
	c.conn = nil
	c.mu.Unlock()
	if changed {
		c.emitStatus(ChannelClosed)
	}
}

func (c *Channel) setState(state ChannelState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Channel) reconnectDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func (c *Channel) emitStatus(state ChannelState) {
	if c.onStatus != nil {
		c.onStatus(state)
	}
}

func (c *Channel) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
