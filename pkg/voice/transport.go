package voice

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const defaultHandshakeTimeout = 15 * time.Second

// Conn is one established realtime voice/data connection.
//
// Events are delivered in server order on a single channel; the channel is
// closed when the connection ends. Err reports the terminal read error, if
// any, once the channel closes.
type Conn interface {
	Events() <-chan ServerEvent
	Send(v any) error
	Close() error
	Err() error
}

// Dialer opens a new connection and completes the hello handshake.
// It returns the established connection and the conversation id the
// gateway created or resumed.
type Dialer interface {
	Dial(ctx context.Context, hello ClientHello) (Conn, string, error)
}

// GatewayDialer dials the tutoring voice gateway over websocket.
type GatewayDialer struct {
	// URL is the gateway endpoint, http(s) or ws(s) scheme.
	URL string

	// Token authorizes the session, sent as a bearer header.
	Token string

	// HandshakeTimeout bounds dial plus hello acknowledgement.
	// Default: 15s.
	HandshakeTimeout time.Duration
}

// Dial opens the websocket, sends the hello and waits for session_created.
func (d *GatewayDialer) Dial(ctx context.Context, hello ClientHello) (Conn, string, error) {
	wsURL, err := websocketURL(d.URL)
	if err != nil {
		return nil, "", err
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	headers := make(http.Header)
	if d.Token != "" {
		headers.Set("Authorization", "Bearer "+d.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, "", NewAuthenticationError(fmt.Sprintf("gateway refused session (status %d)", resp.StatusCode))
			case http.StatusTooManyRequests, http.StatusPaymentRequired:
				return nil, "", NewQuotaError(fmt.Sprintf("gateway refused session (status %d)", resp.StatusCode))
			}
			return nil, "", NewConnectionError(fmt.Sprintf("websocket dial failed (status %d)", resp.StatusCode), err)
		}
		return nil, "", NewConnectionError("websocket dial failed", err)
	}

	hello.Type = "hello"
	hello.ProtocolVersion = protocolVersion1
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, "", NewConnectionError("send hello", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, "", NewConnectionError("read session_created", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if messageType != websocket.TextMessage {
		_ = conn.Close()
		return nil, "", NewProtocolError(fmt.Sprintf("unexpected first frame type %d", messageType), nil)
	}

	first, err := decodeServerEvent(payload)
	if err != nil {
		_ = conn.Close()
		return nil, "", NewProtocolError("decode first frame", err)
	}
	switch ev := first.(type) {
	case SessionCreatedEvent:
		wc := &wsConn{
			conn:   conn,
			events: make(chan ServerEvent, 64),
			done:   make(chan struct{}),
			quit:   make(chan struct{}),
		}
		go wc.readLoop()
		return wc, strings.TrimSpace(ev.ConversationID), nil
	case ErrorEvent:
		_ = conn.Close()
		return nil, "", classifyServerError(ev)
	default:
		_ = conn.Close()
		return nil, "", NewProtocolError(fmt.Sprintf("unexpected first frame %q", first.serverEventType()), nil)
	}
}

// wsConn wraps one gorilla websocket connection.
type wsConn struct {
	conn *websocket.Conn

	events chan ServerEvent
	done   chan struct{}
	quit   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

func (c *wsConn) Events() <-chan ServerEvent { return c.events }

func (c *wsConn) Send(v any) error {
	if c.closed.Load() {
		return NewNotConnectedError()
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		return NewConnectionError("write frame", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.quit)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

func (c *wsConn) Err() error {
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *wsConn) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *wsConn) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.setErr(NewConnectionError("read frame", err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		event, decodeErr := decodeServerEvent(data)
		if decodeErr != nil {
			c.setErr(NewProtocolError("decode frame", decodeErr))
			return
		}

		// Content and transcript ordering matters downstream, so delivery
		// blocks rather than dropping frames like an audio stream would.
		select {
		case c.events <- event:
		case <-c.quit:
			return
		}
	}
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", NewConnectionError("invalid gateway URL", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", NewConnectionError(fmt.Sprintf("gateway URL must use http(s) or ws(s), got %q", u.Scheme), nil)
	}
	return u.String(), nil
}
