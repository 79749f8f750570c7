package client

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/alejzeis/bindstone-netplay/account"
	"github.com/alejzeis/bindstone-netplay/action"
	"github.com/alejzeis/bindstone-netplay/common"
	"github.com/alejzeis/bindstone-netplay/common/peertest"
	"github.com/alejzeis/bindstone-netplay/replication"
)

func TestSession(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

type SessionTestSuite struct {
	suite.Suite

	session *Session
	out     *bytes.Buffer
	dialed  []string
	peers   []*peertest.Peer
}

func (ts *SessionTestSuite) SetupTest() {
	ts.out = new(bytes.Buffer)
	ts.dialed = nil
	ts.peers = nil

	config := common.DefaultConfig().Client
	config.LobbyRestURL = ""
	ts.session = NewSession(context.Background(), config, ts.out)
	ts.session.async = func(fn func()) { fn() }
	ts.session.dial = func(_ context.Context, url string, h common.Handler) (common.Peer, error) {
		peer := peertest.New(common.Handle(len(ts.peers) + 1))
		ts.dialed = append(ts.dialed, url)
		ts.peers = append(ts.peers, peer)
		h.Connected(peer)
		return peer, nil
	}
}

func (ts *SessionTestSuite) decode(peer *peertest.Peer) []action.Action {
	var actions []action.Action
	for _, data := range peer.Sent() {
		a, err := action.Decode(data)
		require.NoError(ts.T(), err)
		actions = append(actions, a)
	}
	return actions
}

func (ts *SessionTestSuite) single(peer *peertest.Peer) action.Action {
	actions := ts.decode(peer)
	require.Len(ts.T(), actions, 1)
	return actions[0]
}

func (ts *SessionTestSuite) connect() *peertest.Peer {
	require.NoError(ts.T(), ts.session.Connect(""))
	lobby := ts.peers[len(ts.peers)-1]
	ts.session.lobbyMessage(lobby, &action.ServerDetails{ProtocolVersion: common.ProtocolVersion}, nil)
	return lobby
}

// join takes the session from a MatchedResponse through to a started match
func (ts *SessionTestSuite) join(lobby *peertest.Peer) *peertest.Peer {
	ts.session.lobbyMessage(lobby, &action.MatchedResponse{Address: "ws://127.0.0.1", Port: 22400, Secret: 99}, nil)
	game := ts.peers[len(ts.peers)-1]

	ts.session.gameMessage(game, &action.ServerDetails{ProtocolVersion: common.ProtocolVersion}, nil)
	assert.Equal(ts.T(), &action.GetInitialGameState{Secret: 99}, ts.single(game))

	ts.session.gameMessage(game, &action.SuppliedInitialGameState{Side: replication.SideRight}, nil)
	return game
}

func (ts *SessionTestSuite) TestConnectUsesConfiguredLobby() {
	ts.connect()
	assert.Equal(ts.T(), []string{common.DefaultConfig().Client.LobbyURL}, ts.dialed)
	assert.Contains(ts.T(), ts.out.String(), "Connected to lobby")

	assert.Error(ts.T(), ts.session.Connect(""), "Only one lobby at a time")
}

func (ts *SessionTestSuite) TestProtocolMismatchDisconnects() {
	require.NoError(ts.T(), ts.session.Connect("ws://lobby/ws"))
	lobby := ts.peers[0]
	ts.session.lobbyMessage(lobby, &action.ServerDetails{ProtocolVersion: common.ProtocolVersion + 1}, nil)

	assert.False(ts.T(), lobby.Alive())
	code, _ := lobby.CloseCode()
	assert.Equal(ts.T(), websocket.CloseNormalClosure, code)
}

func (ts *SessionTestSuite) TestLoginCachesSave() {
	lobby := ts.connect()

	require.NoError(ts.T(), ts.session.Login("alice", "correct horse"))
	assert.Equal(ts.T(), &action.LoginRequest{Identity: "alice", Password: "correct horse"}, ts.single(lobby))

	save, err := account.NewPlayer("alice", "alice@example.com").JSON()
	require.NoError(ts.T(), err)
	ts.session.lobbyMessage(lobby, &action.LoginResponse{Message: "Successful login.", Player: save, Success: true}, nil)

	player, ok := ts.session.Profile()
	require.True(ts.T(), ok)
	assert.Equal(ts.T(), "alice", player.Handle)

	require.NoError(ts.T(), ts.session.Login("alice", "correct horse"))
	request := ts.single(lobby).(*action.LoginRequest)
	assert.Equal(ts.T(), account.SaveHash(save), request.SaveHash)

	ts.session.lobbyMessage(lobby, &action.LoginResponse{Message: "Successful login.", Success: true}, nil)
	player, ok = ts.session.Profile()
	require.True(ts.T(), ok)
	assert.Equal(ts.T(), "alice", player.Handle, "An omitted save keeps the cached one")
}

func (ts *SessionTestSuite) TestInvalidFieldsAreNotSent() {
	lobby := ts.connect()
	assert.ErrorIs(ts.T(), ts.session.CreatePlayer("alice@example.com", "a!", "correct horse"), account.ErrInvalidCredentials)
	assert.ErrorIs(ts.T(), ts.session.Login("alice", "short"), account.ErrInvalidCredentials)
	assert.Empty(ts.T(), ts.decode(lobby))
}

func (ts *SessionTestSuite) TestRequiresConnections() {
	assert.ErrorIs(ts.T(), ts.session.FindMatch("normal"), ErrNotConnected)
	assert.ErrorIs(ts.T(), ts.session.Upgrade(1), ErrNoMatch)
	_, err := ts.session.Board()
	assert.ErrorIs(ts.T(), err, ErrNoMatch)
}

func (ts *SessionTestSuite) TestMatchFlow() {
	lobby := ts.connect()
	require.NoError(ts.T(), ts.session.FindMatch("normal"))
	assert.Equal(ts.T(), &action.FindMatchRequest{Queue: "normal"}, ts.single(lobby))

	game := ts.join(lobby)
	assert.Equal(ts.T(), "ws://127.0.0.1:22400/ws", ts.dialed[1])
	assert.Contains(ts.T(), ts.out.String(), "you hold the right side")

	authority := replication.NewPool()
	_, err := authority.Spawn(&replication.BuildingState{TypeID: "Life", Side: replication.SideRight, Slot: 0, Level: 1})
	require.NoError(ts.T(), err)
	_, err = authority.Spawn(&replication.CreatureState{TypeID: "Sprout", Side: replication.SideLeft, Health: 10})
	require.NoError(ts.T(), err)
	batch, err := authority.Updated()
	require.NoError(ts.T(), err)
	ts.session.gameMessage(game, &action.Synchronize{Batch: batch}, nil)

	board, err := ts.session.Board()
	require.NoError(ts.T(), err)
	require.Len(ts.T(), board, 2)
	assert.Equal(ts.T(), "left: buildings [], 1 creatures with 10 health", board[0])
	assert.Equal(ts.T(), "right (you): buildings [0:Life1], 0 creatures with 0 health", board[1])

	require.NoError(ts.T(), ts.session.Upgrade(3))
	assert.Equal(ts.T(), &action.RequestBuildingUpgrade{Slot: 3}, ts.single(game))

	ts.session.gameMessage(game, &action.MatchResult{Queue: "normal", Winner: "bruno@example.com", Loser: "alice@example.com"}, nil)
	assert.Contains(ts.T(), ts.out.String(), "bruno@example.com beat alice@example.com")

	ts.session.gameDisconnected(game)
	_, err = ts.session.Board()
	assert.ErrorIs(ts.T(), err, ErrNoMatch)
}

func (ts *SessionTestSuite) TestStaleSocketsAreIgnored() {
	lobby := ts.connect()
	game := ts.join(lobby)

	stale := peertest.New(50)
	ts.session.gameMessage(stale, &action.SuppliedInitialGameState{Side: replication.SideLeft}, nil)
	ts.session.gameDisconnected(stale)
	_, err := ts.session.Board()
	assert.NoError(ts.T(), err)

	ts.session.lobbyMessage(lobby, &action.MatchedResponse{Address: "127.0.0.1", Port: 1, Secret: 1}, nil)
	assert.Len(ts.T(), ts.dialed, 2, "A second match is ignored while one is running")
	assert.True(ts.T(), game.Alive())
}

func (ts *SessionTestSuite) TestExecute() {
	assert.False(ts.T(), execute(ts.session, ts.out, []string{"quit"}))

	assert.True(ts.T(), execute(ts.session, ts.out, []string{"upgrade", "x"}))
	assert.Contains(ts.T(), ts.out.String(), "usage")

	ts.out.Reset()
	execute(ts.session, ts.out, []string{"fly"})
	assert.Contains(ts.T(), ts.out.String(), "Unknown command")

	ts.out.Reset()
	execute(ts.session, ts.out, []string{"find"})
	assert.Contains(ts.T(), ts.out.String(), ErrNotConnected.Error())

	ts.out.Reset()
	execute(ts.session, ts.out, []string{"queues"})
	assert.Contains(ts.T(), ts.out.String(), ErrNotLoggedIn.Error())
}

func TestRunClientStopsAtEndOfInput(t *testing.T) {
	out := new(bytes.Buffer)
	RunClient(context.Background(), common.ClientConfig{}, strings.NewReader("help\n\nprofile\n"), out)
	assert.Contains(t, out.String(), "Commands:")
	assert.Contains(t, out.String(), "Not logged in.")
}

func TestGameURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:22400/ws", gameURL("ws://127.0.0.1", 22400))
	assert.Equal(t, "ws://games.example.com:80/ws", gameURL("games.example.com", 80))
	assert.Equal(t, "wss://games.example.com:443/ws", gameURL("wss://games.example.com/", 443))
}
