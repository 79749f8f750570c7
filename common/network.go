package common

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBacklog  = 256

	// MaxMessageSize bounds a single inbound socket message
	MaxMessageSize = 4 << 20
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBacklogFull  = errors.New("send backlog full")
)

// Handle identifies one live socket. A Listener or Dialer never hands out the same Handle twice.
type Handle uint64

// Peer is the sending side of a live socket as seen by the connection states
type Peer interface {
	Handle() Handle
	RemoteAddr() string
	// Send queues one already encoded message for delivery
	Send(data []byte) error
	// Disconnect flushes queued messages, then closes the socket with a close frame
	Disconnect(code int, reason string)
	Alive() bool
}

// Handler receives the lifecycle of sockets. All calls for one socket are made in order from that
// socket's read goroutine; implementations hand them over to their owning loop.
type Handler interface {
	Connected(peer Peer)
	Message(peer Peer, data []byte)
	Disconnected(peer Peer)
}

// MessageConnection represents a connection capable of sending full messages between each other
// This is an abstracted type of the websocket connection, primarily to allow mocks for testing purposes
type MessageConnection interface {
	// Reads a message, blocking
	ReadMessage() ([]byte, error)
	// Sends a message
	WriteMessage(data []byte) error
	// Sends a keepalive ping
	Ping() error
	// Sends a closing message and closes the connection
	CloseWithMessage(code int, msg string) error
	// Closes the underlying socket
	Close() error
	// Determine if the connection has been closed or not
	IsClosed() bool
	RemoteAddr() net.Addr
}

// WebsocketMessageConnection implements MessageConnection over a gorilla websocket
type WebsocketMessageConnection struct {
	socket *websocket.Conn
	closed bool

	isClosedMutex *sync.RWMutex
}

// NewWebsocketMessageConnection wraps an established websocket
func NewWebsocketMessageConnection(socket *websocket.Conn) *WebsocketMessageConnection {
	socket.SetReadLimit(MaxMessageSize)
	return &WebsocketMessageConnection{
		socket:        socket,
		isClosedMutex: new(sync.RWMutex),
	}
}

func (connection *WebsocketMessageConnection) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := connection.socket.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				connection.isClosedMutex.Lock()
				connection.closed = true
				connection.isClosedMutex.Unlock()
			}
			return nil, err
		}
		if msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (connection *WebsocketMessageConnection) WriteMessage(data []byte) error {
	_ = connection.socket.SetWriteDeadline(time.Now().Add(writeWait))
	return connection.socket.WriteMessage(websocket.BinaryMessage, data)
}

func (connection *WebsocketMessageConnection) Ping() error {
	return connection.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (connection *WebsocketMessageConnection) CloseWithMessage(code int, msg string) error {
	err := connection.socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, msg), time.Now().Add(writeWait))
	closeErr := connection.Close()
	if err != nil {
		return err
	}
	return closeErr
}

func (connection *WebsocketMessageConnection) Close() error {
	connection.isClosedMutex.Lock()
	defer connection.isClosedMutex.Unlock()

	if !connection.closed {
		connection.closed = true
		return connection.socket.Close()
	}
	return errors.New("connection already closed")
}

func (connection *WebsocketMessageConnection) IsClosed() bool {
	connection.isClosedMutex.RLock()
	defer connection.isClosedMutex.RUnlock()

	return connection.closed
}

func (connection *WebsocketMessageConnection) RemoteAddr() net.Addr {
	return connection.socket.RemoteAddr()
}

// Limits configures the inbound token bucket of every socket. A zero rate disables limiting.
type Limits struct {
	MessagesPerSecond float64
	Burst             int
}

func (l Limits) limiter() *rate.Limiter {
	if l.MessagesPerSecond <= 0 {
		return nil
	}
	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(l.MessagesPerSecond), burst)
}

// Conn is one live socket: a write pump draining a bounded backlog, and a read loop feeding a Handler
type Conn struct {
	handle  Handle
	conn    MessageConnection
	send    chan []byte
	limiter *rate.Limiter
	alive   *atomic.Bool

	closeOnce   sync.Once
	closing     chan struct{}
	graceful    bool
	closeCode   int
	closeReason string
	pumpDone    chan struct{}
}

// NewConn starts the write pump of conn. Call Serve to start reading.
func NewConn(handle Handle, conn MessageConnection, limits Limits) *Conn {
	c := &Conn{
		handle:   handle,
		conn:     conn,
		send:     make(chan []byte, sendBacklog),
		limiter:  limits.limiter(),
		alive:    atomic.NewBool(true),
		closing:  make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *Conn) Handle() Handle {
	return c.handle
}

func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Conn) Alive() bool {
	return c.alive.Load()
}

func (c *Conn) Send(data []byte) error {
	if !c.alive.Load() {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBacklogFull
	}
}

func (c *Conn) Disconnect(code int, reason string) {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		c.graceful = true
		c.closeCode = code
		c.closeReason = reason
		close(c.closing)
	})
}

// terminate closes the socket without flushing, used once the peer is already gone
func (c *Conn) terminate() {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		close(c.closing)
	})
}

// Done is closed once the socket has been closed by the write pump
func (c *Conn) Done() <-chan struct{} {
	return c.pumpDone
}

// Serve reads until the socket fails, reporting every event to h. It blocks.
func (c *Conn) Serve(h Handler) {
	h.Connected(c)
	defer func() {
		c.terminate()
		h.Disconnected(c)
	}()

	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			log.WithFields(log.Fields{
				"handle":  c.handle,
				"address": c.RemoteAddr(),
			}).Warn("Rate limit exceeded, dropping connection")
			c.Disconnect(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		h.Message(c, data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		close(c.pumpDone)
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(data); err != nil {
				c.terminate()
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(); err != nil {
				c.terminate()
				_ = c.conn.Close()
				return
			}
		case <-c.closing:
			if !c.graceful {
				_ = c.conn.Close()
				return
			}
			c.flush()
			_ = c.conn.CloseWithMessage(c.closeCode, c.closeReason)
			return
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Listener accepts websocket sockets on /ws and serves each one with its Handler
type Listener struct {
	addr     string
	handler  Handler
	limits   Limits
	upgrader websocket.Upgrader
	handles  *atomic.Uint64
	log      *log.Entry

	mutex  sync.Mutex
	server *http.Server
}

// NewListener creates a Listener; it does not bind until Start
func NewListener(addr string, handler Handler, limits Limits, logger *log.Entry) *Listener {
	return &Listener{
		addr:    addr,
		handler: handler,
		limits:  limits,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  2048,
			WriteBufferSize: 2048,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		handles: atomic.NewUint64(0),
		log:     logger,
	}
}

// ServeHTTP upgrades the request and serves the socket until it closes
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.WithError(err).WithField("address", r.RemoteAddr).Warn("Failed to upgrade connection to websocket")
		return
	}

	conn := NewConn(Handle(l.handles.Inc()), NewWebsocketMessageConnection(socket), l.limits)
	l.log.WithFields(log.Fields{
		"handle":  conn.Handle(),
		"address": r.RemoteAddr,
	}).Debug("Accepted connection")
	conn.Serve(l.handler)
}

// router accepts websocket upgrades on GET /ws only
func (l *Listener) router() http.Handler {
	router := mux.NewRouter()
	router.Handle("/ws", l).Methods("GET")
	return router
}

// Start binds the listener and serves in the background
func (l *Listener) Start(ctx context.Context) error {
	l.mutex.Lock()
	l.server = &http.Server{Addr: l.addr, Handler: l.router()}
	server := l.server
	l.mutex.Unlock()

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(100 * time.Millisecond):
		l.log.WithField("address", l.addr).Info("Listening for websocket connections")
		return nil
	}
}

// Stop closes the listening socket
func (l *Listener) Stop(ctx context.Context) error {
	l.mutex.Lock()
	server := l.server
	l.mutex.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Dialer opens outbound sockets (game server to lobby, client to lobby and game server)
type Dialer struct {
	handles *atomic.Uint64
}

func NewDialer() *Dialer {
	return &Dialer{handles: atomic.NewUint64(0)}
}

// Dial connects to a websocket URL and serves it with h in the background
func (d *Dialer) Dial(ctx context.Context, url string, h Handler) (*Conn, error) {
	socket, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	conn := NewConn(Handle(d.handles.Inc()), NewWebsocketMessageConnection(socket), Limits{})
	go conn.Serve(h)
	return conn, nil
}
