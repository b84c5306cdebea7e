package channel

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dotbot-sh/dotbot/pkg/wire"
)

// responseKinds are the envelope kinds that answer a client-initiated
// request. They resolve against the pending-call table instead of the
// handler registry; unmatched ones are dropped silently.
var responseKinds = map[wire.Type]bool{
	wire.TypeRequestResponse:           true,
	wire.TypeCredentialSessionReady:    true,
	wire.TypeCredentialResolveResponse: true,
	wire.TypeCredentialProxyResponse:   true,
	wire.TypeLLMCallResponse:           true,
	wire.TypeCondenseResponse:          true,
	wire.TypeResolveLoopResponse:       true,
	wire.TypeHeartbeatResponse:         true,
	wire.TypeAdminResponse:             true,
	wire.TypeFormatFixResponse:         true,
	wire.TypeCancelBeforeRestartAck:    true,
}

// serve runs one authenticated session: a single-writer outbound pump, a
// keepalive ticker, the restart watcher, and the read loop that dispatches
// everything inbound. It returns when the connection dies.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outbound := make(chan *wire.Envelope, sendBufferSize)
	c.mu.Lock()
	c.outbound = outbound
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.outbound = nil
		c.mu.Unlock()
		c.failPending()
	}()

	go c.writeLoop(sessionCtx, conn, outbound)
	go c.keepaliveLoop(sessionCtx)
	go func() {
		// Closing the connection is the only way to unblock the read loop,
		// both for shutdown and for the restart handshake.
		select {
		case <-sessionCtx.Done():
		case <-c.restartCh:
			c.restartHandshake(sessionCtx)
		}
		conn.Close()
	}()

	if cb := c.cfg.OnAuthenticated; cb != nil {
		go cb(sessionCtx)
	}

	return c.readLoop(sessionCtx, conn)
}

// readLoop is the session's single reader: every inbound envelope is parsed
// and dispatched here, so handler registration order is the only ordering
// concern handlers have.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		conn.SetReadDeadline(time.Now().Add(wsReadWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		env, err := wire.Parse(data)
		if err != nil {
			c.log.Warn("dropping unparseable envelope", "error", err)
			continue
		}
		c.dispatch(ctx, env)
	}
}

func (c *Client) dispatch(ctx context.Context, env *wire.Envelope) {
	switch env.Type {
	case wire.TypePong:
		return
	case wire.TypePing:
		_ = c.Send(wire.MustNew(wire.TypePong, struct{}{}))
		return
	case wire.TypeAuth, wire.TypeAuthFailed:
		// The handshake consumed these before the loops started; a straggler
		// is noise.
		c.log.Warn("ignoring auth envelope outside handshake", "kind", env.Type)
		return
	}

	c.notifyActivity()

	if responseKinds[env.Type] {
		c.resolve(env)
		return
	}

	c.mu.Lock()
	h := c.handlers[env.Type]
	c.mu.Unlock()
	if h == nil {
		c.log.Debug("no handler for envelope kind", "kind", env.Type)
		return
	}
	h(ctx, env)
}

// writeLoop is the only goroutine that touches the connection's write side.
func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, outbound <-chan *wire.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-outbound:
			data, err := env.Encode()
			if err != nil {
				c.log.Warn("dropping unencodable envelope", "kind", env.Type, "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("write failed, closing channel", "error", err)
				conn.Close()
				return
			}
		}
	}
}

// keepaliveLoop sends an envelope-level ping every 30 seconds. The server
// answers with pong, which extends the read deadline but never counts as
// activity.
func (c *Client) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Send(wire.MustNew(wire.TypePing, struct{}{})); err != nil {
				return
			}
		}
	}
}

// readEnvelope and writeEnvelope serve the handshake, before the pumps own
// the connection.
func readEnvelope(conn *websocket.Conn, wait time.Duration) (*wire.Envelope, error) {
	conn.SetReadDeadline(time.Now().Add(wait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return wire.Parse(data)
}

func writeEnvelope(conn *websocket.Conn, env *wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
