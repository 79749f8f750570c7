package common

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"
)

func TestWebsocketMessageConnection(t *testing.T) {
	suite.Run(t, new(WebsocketMessageConnectionTestSuite))
}

func TestListener(t *testing.T) {
	suite.Run(t, new(ListenerTestSuite))
}

type WebsocketMessageConnectionTestSuite struct {
	suite.Suite

	wsUpgrader *websocket.Upgrader
	server     *httptest.Server

	testWriteData []byte
	testReadData  []byte
}

// Initializes the echo Websocket server which is used for the tests
func (ts *WebsocketMessageConnectionTestSuite) SetupSuite() {
	ts.testWriteData = []byte{0x00, 0x00, 0x00, 0xFE, 0xFD, 0xAB, 0xBD, 0x01, 0x04, 0x07}
	ts.testReadData = []byte{0x07, 0xAD, 0xFE, 0xD6, 0xA5, 0x21, 0x46, 0x87, 0x76, 0x64, 0xAD}

	ts.wsUpgrader = new(websocket.Upgrader)
	ts.wsUpgrader.ReadBufferSize = 2048
	ts.wsUpgrader.WriteBufferSize = 2048

	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/ws", ts.echoWSServer)

	ts.server = httptest.NewServer(router)
}

func (ts *WebsocketMessageConnectionTestSuite) TearDownSuite() {
	ts.server.Close()
}

func (ts *WebsocketMessageConnectionTestSuite) echoWSServer(w http.ResponseWriter, r *http.Request) {
	ws, err := ts.wsUpgrader.Upgrade(w, r, nil)
	if !assert.NoError(ts.T(), err, "Upgrading connection to websocket should not return error") {
		return
	}

	msgtype, data, err := ws.ReadMessage()
	assert.NoError(ts.T(), err, "Reading message from websocket on server side shouldn't fail")
	assert.Equal(ts.T(), websocket.BinaryMessage, msgtype, "First message type received should be BinaryMessage")
	assert.Equal(ts.T(), ts.testWriteData, data, "Written data that was received by Websocket server should match what the client wrote")

	// Text frames are skipped by the reader
	assert.NoError(ts.T(), ws.WriteMessage(websocket.TextMessage, []byte("ignored")))
	assert.NoError(ts.T(), ws.WriteMessage(websocket.BinaryMessage, ts.testReadData), "Writing message from websocket on server side shouldn't fail")

	_, _, err = ws.ReadMessage()
	assert.Error(ts.T(), err, "Reading second message from websocket on server-side should error out due to connection closing")
	assert.True(ts.T(), websocket.IsCloseError(err, websocket.CloseNormalClosure), "Error while reading message on server side should be because of normal CloseError")
}

func (ts *WebsocketMessageConnectionTestSuite) TestReadWrite() {
	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws"
	socket, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(ts.T(), err, "Dialing for connection should not return error while server is running")

	conn := NewWebsocketMessageConnection(socket)

	err = conn.WriteMessage(ts.testWriteData)
	assert.NoError(ts.T(), err, "Writing message on WebsocketMessageConnection should not fail")

	data, err := conn.ReadMessage()
	assert.NoError(ts.T(), err, "Reading message on WebsocketMessageConnection should not fail")
	assert.Equal(ts.T(), ts.testReadData, data, "Message read on WebsocketMessageConnection should match what was written by server")

	err = conn.CloseWithMessage(websocket.CloseNormalClosure, "message")
	assert.NoError(ts.T(), err, "Closing connection with message should not fail")

	assert.True(ts.T(), conn.IsClosed(), "WebsocketMessageConnection should acknowledge it is closed")
	assert.Error(ts.T(), conn.Close(), "Closing twice should report the connection was already closed")
}

// recordingHandler collects every event it receives on channels
type recordingHandler struct {
	connected    chan Peer
	messages     chan []byte
	disconnected chan Peer
	echo         bool
}

func newRecordingHandler(echo bool) *recordingHandler {
	return &recordingHandler{
		connected:    make(chan Peer, 8),
		messages:     make(chan []byte, 64),
		disconnected: make(chan Peer, 8),
		echo:         echo,
	}
}

func (h *recordingHandler) Connected(peer Peer) {
	h.connected <- peer
}

func (h *recordingHandler) Message(peer Peer, data []byte) {
	h.messages <- data
	if h.echo {
		_ = peer.Send(data)
	}
}

func (h *recordingHandler) Disconnected(peer Peer) {
	h.disconnected <- peer
}

type ListenerTestSuite struct {
	suite.Suite

	server  *httptest.Server
	handler *recordingHandler
}

func (ts *ListenerTestSuite) SetupTest() {
	ts.handler = newRecordingHandler(true)
	listener := NewListener("", ts.handler, Limits{MessagesPerSecond: 1, Burst: 3}, log.WithField("component", "test"))
	ts.server = httptest.NewServer(listener.router())
}

func (ts *ListenerTestSuite) TearDownTest() {
	ts.server.Close()
}

func (ts *ListenerTestSuite) url() string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws"
}

func receive[T any](t *testing.T, ch <-chan T) T {
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for event")
	}
	var zero T
	return zero
}

func (ts *ListenerTestSuite) TestEchoAndDisconnect() {
	client := newRecordingHandler(false)
	conn, err := NewDialer().Dial(context.Background(), ts.url(), client)
	require.NoError(ts.T(), err)

	serverPeer := receive(ts.T(), ts.handler.connected)
	assert.Equal(ts.T(), Handle(1), serverPeer.Handle(), "The first accepted socket should receive handle 1")
	assert.True(ts.T(), serverPeer.Alive())
	receive(ts.T(), client.connected)

	require.NoError(ts.T(), conn.Send([]byte{0x01, 0x02}))
	assert.Equal(ts.T(), []byte{0x01, 0x02}, receive(ts.T(), ts.handler.messages))
	assert.Equal(ts.T(), []byte{0x01, 0x02}, receive(ts.T(), client.messages), "The echo should arrive back at the client")

	// Queued messages are flushed before the close frame
	require.NoError(ts.T(), serverPeer.Send([]byte{0x09}))
	serverPeer.Disconnect(websocket.CloseNormalClosure, "bye")
	assert.False(ts.T(), serverPeer.Alive())
	assert.ErrorIs(ts.T(), serverPeer.Send([]byte{0x0A}), ErrConnectionClosed)

	assert.Equal(ts.T(), []byte{0x09}, receive(ts.T(), client.messages))
	receive(ts.T(), client.disconnected)
	receive(ts.T(), ts.handler.disconnected)
	assert.False(ts.T(), conn.Alive())
}

func (ts *ListenerTestSuite) TestRateLimitDropsConnection() {
	client := newRecordingHandler(false)
	conn, err := NewDialer().Dial(context.Background(), ts.url(), client)
	require.NoError(ts.T(), err)
	receive(ts.T(), ts.handler.connected)

	for i := 0; i < 10; i++ {
		_ = conn.Send([]byte{byte(i)})
	}

	receive(ts.T(), ts.handler.disconnected)
	receive(ts.T(), client.disconnected)
}

func (ts *ListenerTestSuite) TestRouterOnlyUpgradesGetWS() {
	response, err := http.Post(ts.server.URL+"/ws", "application/octet-stream", nil)
	require.NoError(ts.T(), err)
	response.Body.Close()
	assert.Equal(ts.T(), http.StatusMethodNotAllowed, response.StatusCode)

	response, err = http.Get(ts.server.URL + "/other")
	require.NoError(ts.T(), err)
	response.Body.Close()
	assert.Equal(ts.T(), http.StatusNotFound, response.StatusCode)
}

func (ts *ListenerTestSuite) TestDialFailure() {
	_, err := NewDialer().Dial(context.Background(), "ws://127.0.0.1:1/ws", newRecordingHandler(false))
	assert.Error(ts.T(), err, "Dialing a closed port should return an error")
}

// fakeMessageConnection never delivers anything and records what was written
type fakeMessageConnection struct {
	mutex   sync.Mutex
	written [][]byte
	closed  chan struct{}
	once    sync.Once
	code    int
}

func (f *fakeMessageConnection) ReadMessage() ([]byte, error) {
	<-f.closed
	return nil, ErrConnectionClosed
}

func (f *fakeMessageConnection) WriteMessage(data []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeMessageConnection) Ping() error { return nil }

func (f *fakeMessageConnection) CloseWithMessage(code int, msg string) error {
	f.mutex.Lock()
	f.code = code
	f.mutex.Unlock()
	return f.Close()
}

func (f *fakeMessageConnection) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeMessageConnection) IsClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeMessageConnection) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
}

func TestConnBacklogFull(t *testing.T) {
	fake := &fakeMessageConnection{closed: make(chan struct{})}
	conn := &Conn{
		handle:   7,
		conn:     fake,
		send:     make(chan []byte, 1),
		alive:    atomic.NewBool(true),
		closing:  make(chan struct{}),
		pumpDone: make(chan struct{}),
	}

	// No pump is running, so the second message cannot be queued
	require.NoError(t, conn.Send([]byte{1}))
	assert.ErrorIs(t, conn.Send([]byte{2}), ErrSendBacklogFull)
	assert.Equal(t, "127.0.0.1:4000", conn.RemoteAddr())
}

func TestConnDisconnectWritesCloseCode(t *testing.T) {
	fake := &fakeMessageConnection{closed: make(chan struct{})}
	conn := NewConn(3, fake, Limits{})

	require.NoError(t, conn.Send([]byte{0xAA}))
	conn.Disconnect(websocket.CloseProtocolError, "protocol error")
	conn.Disconnect(websocket.CloseNormalClosure, "ignored")

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "write pump did not stop")
	}

	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	assert.Equal(t, [][]byte{{0xAA}}, fake.written)
	assert.Equal(t, websocket.CloseProtocolError, fake.code, "Only the first Disconnect call decides the close code")
}
