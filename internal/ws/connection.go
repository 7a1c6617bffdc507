package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/richtext-sync/internal/types"
)

var errSendBufferFull = errors.New("send buffer full")

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
	maxMessageSize     int64
}

// Connection represents an upgraded WebSocket session bound to one document.
type Connection struct {
	conn      *websocket.Conn
	identity  ClientIdentity
	document  types.DocumentID
	registry  *ConnectionRegistry
	logger    zerolog.Logger
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	opts    connectionOptions
	onClose func()
}

func newConnection(wsConn *websocket.Conn, id ClientIdentity, documentID types.DocumentID, registry *ConnectionRegistry, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		conn:     wsConn,
		identity: id,
		document: documentID,
		registry: registry,
		logger:   logger,
		send:     make(chan []byte, opts.sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		onClose:  onClose,
	}
}

// DocumentID returns the bound document identifier.
func (c *Connection) DocumentID() types.DocumentID { return c.document }

// ClientID returns the authenticated client identifier.
func (c *Connection) ClientID() types.ClientID { return c.identity.ClientID }

// Metadata exposes the caller-supplied client metadata, if any.
func (c *Connection) Metadata() map[string]string { return c.identity.Metadata }

// Context exposes the lifecycle context for hooks.
func (c *Connection) Context() context.Context { return c.ctx }

// Registry returns the shared connection registry so hooks can publish events.
func (c *Connection) Registry() *ConnectionRegistry { return c.registry }

// Send enqueues a message for the writer goroutine. A full queue closes the
// connection; the client reconnects and resynchronises.
func (c *Connection) Send(m Message) error {
	return c.SendBinary(EncodeMessage(m))
}

// SendBinary enqueues an already framed message.
func (c *Connection) SendBinary(payload []byte) error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	select {
	case c.send <- payload:
		gatewaySendQueueDepth.WithLabelValues(string(c.document)).Set(float64(len(c.send)))
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn().Msg("send buffer full; closing connection")
		c.closeWithCode(websocket.CloseTryAgainLater, "backpressure")
		return errSendBufferFull
	}
}

// Run pumps messages until the connection is closed.
func (c *Connection) Run(hooks Hooks) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	if hooks.OnConnect != nil {
		if err := hooks.OnConnect(c.ctx, c); err != nil {
			c.logger.Warn().Err(err).Msg("connect hook rejected connection")
			c.closeWithCode(websocket.ClosePolicyViolation, err.Error())
		}
	}

	if err := c.readLoop(hooks); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()

	if hooks.OnDisconnect != nil {
		hooks.OnDisconnect(c)
	}
}

// Close tears the connection down. It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readLoop(hooks Hooks) error {
	if c.opts.maxMessageSize > 0 {
		c.conn.SetReadLimit(c.opts.maxMessageSize)
	}
	if deadline := c.pongWait(); deadline > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(deadline))
		})
	}

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.BinaryMessage {
			c.closeWithCode(websocket.CloseUnsupportedData, "text frames not supported")
			return fmt.Errorf("text frames unsupported")
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			c.closeWithCode(websocket.ClosePolicyViolation, err.Error())
			return err
		}
		if err := c.dispatch(msg, hooks); err != nil {
			c.logger.Debug().Err(err).Stringer("type", msg.Type).Msg("message rejected")
			_ = c.Send(Message{Type: MessageError, Payload: []byte(err.Error())})
		}
	}
}

func (c *Connection) dispatch(msg Message, hooks Hooks) error {
	gatewayMessages.WithLabelValues(msg.Type.String()).Inc()
	ctx, span := tracer.Start(c.ctx, "ws.message", trace.WithAttributes(
		attribute.String("document", string(c.document)),
		attribute.String("type", msg.Type.String()),
	))
	defer span.End()

	switch msg.Type {
	case MessageSyncRequest:
		if hooks.OnSyncRequest != nil {
			return hooks.OnSyncRequest(ctx, c, msg.Payload)
		}
	case MessageUpdate:
		if hooks.OnUpdate != nil {
			return hooks.OnUpdate(ctx, c, msg.Payload)
		}
	case MessagePresence:
		if hooks.OnPresence != nil {
			return hooks.OnPresence(ctx, c, msg.Payload)
		}
	case MessageError:
		c.logger.Warn().Str("reason", string(msg.Payload)).Msg("client reported error")
	}
	return nil
}

func (c *Connection) writeLoop() {
	var ping <-chan time.Time
	if c.opts.heartbeatInterval > 0 {
		ticker := time.NewTicker(c.opts.heartbeatInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.send:
			gatewaySendQueueDepth.WithLabelValues(string(c.document)).Set(float64(len(c.send)))
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.Close()
				return
			}
		}
	}
}

// pongWait is how long the reader waits for any frame before giving up on the
// peer.
func (c *Connection) pongWait() time.Duration {
	if c.opts.heartbeatInterval <= 0 || c.opts.heartbeatTolerance <= 0 {
		return 0
	}
	return c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance)
}

func (c *Connection) closeWithCode(code int, reason string) {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.opts.writeTimeout))
	c.Close()
}

// Hooks connect the gateway to the document services.
type Hooks struct {
	OnSyncRequest PayloadHook
	OnUpdate      PayloadHook
	OnPresence    PayloadHook
	OnConnect     ConnectHook
	OnDisconnect  DisconnectHook
}

// PayloadHook handles the payload of one inbound message. A returned error is
// reported to the client as a MessageError; the connection stays open.
type PayloadHook func(ctx context.Context, conn *Connection, payload []byte) error

// ConnectHook runs once the connection is registered. An error closes it.
type ConnectHook func(ctx context.Context, conn *Connection) error

// DisconnectHook runs after the connection is closed.
type DisconnectHook func(conn *Connection)

// ClientIdentity is the authenticated caller of a connection.
type ClientIdentity struct {
	ClientID   types.ClientID
	DocumentID types.DocumentID
	Metadata   map[string]string
}
