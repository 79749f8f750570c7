package gameserver

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/alejzeis/bindstone-netplay/action"
	"github.com/alejzeis/bindstone-netplay/common"
	"github.com/alejzeis/bindstone-netplay/common/peertest"
	"github.com/alejzeis/bindstone-netplay/replication"
)

const testSecret = "test-cluster-secret"

func TestGameServer(t *testing.T) {
	suite.Run(t, new(GameServerTestSuite))
}

func TestGameServerRequiresSecret(t *testing.T) {
	_, err := NewGameServer(Options{Config: common.DefaultConfig().GameServer})
	assert.ErrorIs(t, err, common.ErrEmptySecret)
}

type GameServerTestSuite struct {
	suite.Suite

	server *GameServer
	lobby  *peertest.Peer
	clock  time.Time

	nextHandle common.Handle
}

func (ts *GameServerTestSuite) SetupTest() {
	logger, _ := test.NewNullLogger()
	config := common.DefaultConfig().GameServer
	config.Secret = testSecret

	server, err := NewGameServer(Options{Config: config, Development: true, Log: log.NewEntry(logger)})
	require.NoError(ts.T(), err)
	server.post = func(fn func()) { fn() }
	ts.clock = time.Unix(1700000000, 0)
	server.now = func() time.Time { return ts.clock }
	ts.server = server

	ts.nextHandle = 0
	ts.lobby = peertest.New(ts.handle())
	server.lobbyConnected(ts.lobby)
}

func (ts *GameServerTestSuite) handle() common.Handle {
	ts.nextHandle++
	return ts.nextHandle
}

func (ts *GameServerTestSuite) decode(peer *peertest.Peer) []action.Action {
	var actions []action.Action
	for _, data := range peer.Sent() {
		a, err := action.Decode(data)
		require.NoError(ts.T(), err)
		actions = append(actions, a)
	}
	return actions
}

func (ts *GameServerTestSuite) single(peer *peertest.Peer) action.Action {
	actions := ts.decode(peer)
	require.Len(ts.T(), actions, 1)
	return actions[0]
}

func (ts *GameServerTestSuite) connect() *peertest.Peer {
	peer := peertest.New(ts.handle())
	ts.server.userConnected(peer)
	require.IsType(ts.T(), &action.ServerDetails{}, ts.single(peer))
	return peer
}

func (ts *GameServerTestSuite) assign() *action.AssignPlayersToGame {
	assign := testAssignment(ts.T())
	ts.server.lobbyMessage(ts.lobby, assign, nil)
	require.IsType(ts.T(), &action.ExpectedPlayersNoted{}, ts.single(ts.lobby))
	return assign
}

// started runs the whole hand-off and returns both players' sockets
func (ts *GameServerTestSuite) started() (*peertest.Peer, *peertest.Peer) {
	assign := ts.assign()
	left, right := ts.connect(), ts.connect()
	ts.server.userMessage(left, &action.GetInitialGameState{Secret: assign.Left.Secret}, nil)
	ts.server.userMessage(right, &action.GetInitialGameState{Secret: assign.Right.Secret}, nil)
	ts.decode(ts.lobby)
	ts.decode(left)
	ts.decode(right)
	return left, right
}

func (ts *GameServerTestSuite) TestRegistersWithLobby() {
	ts.server.lobbyMessage(ts.lobby, &action.ServerDetails{ProtocolVersion: common.ProtocolVersion}, nil)

	available, ok := ts.single(ts.lobby).(*action.GameServerAvailable)
	require.True(ts.T(), ok)
	assert.Equal(ts.T(), ts.server.config.PublicHost, available.URL)
	assert.Equal(ts.T(), ts.server.config.PublicPort, available.Port)

	subject, err := common.VerifyToken([]byte(testSecret), available.Token)
	require.NoError(ts.T(), err)
	assert.Equal(ts.T(), common.GameServerSubject, subject)
}

func (ts *GameServerTestSuite) TestReconnectMidMatchReportsOccupied() {
	ts.assign()
	ts.server.lobbyMessage(ts.lobby, &action.ServerDetails{ProtocolVersion: common.ProtocolVersion}, nil)

	actions := ts.decode(ts.lobby)
	require.Len(ts.T(), actions, 2)
	assert.IsType(ts.T(), &action.GameServerAvailable{}, actions[0])
	assert.Equal(ts.T(), &action.GameServerStateChange{State: action.GameServerOccupiedState}, actions[1])
}

func (ts *GameServerTestSuite) TestProtocolMismatchDropsLobby() {
	ts.server.lobbyMessage(ts.lobby, &action.ServerDetails{ProtocolVersion: common.ProtocolVersion + 1}, nil)
	assert.Empty(ts.T(), ts.decode(ts.lobby))
	assert.False(ts.T(), ts.lobby.Alive())

	ts.server.lobbyDisconnected(ts.lobby)
	assert.Nil(ts.T(), ts.server.lobby)
}

func (ts *GameServerTestSuite) TestAssignWhileBusyIsDeclined() {
	ts.assign()
	ts.server.lobbyMessage(ts.lobby, testAssignment(ts.T()), nil)
	assert.Equal(ts.T(), &action.GameServerStateChange{State: action.GameServerOccupiedState}, ts.single(ts.lobby))
}

func (ts *GameServerTestSuite) TestMatchStartsWhenBothPlayersClaim() {
	assign := ts.assign()

	stranger := ts.connect()
	ts.server.userMessage(stranger, &action.GetInitialGameState{Secret: 12345}, nil)
	assert.IsType(ts.T(), &action.IllegalResponse{}, ts.single(stranger))
	code, _ := stranger.CloseCode()
	assert.Equal(ts.T(), websocket.ClosePolicyViolation, code)

	left, right := ts.connect(), ts.connect()
	ts.server.userMessage(left, &action.GetInitialGameState{Secret: assign.Left.Secret}, nil)
	assert.Empty(ts.T(), ts.decode(left))
	assert.False(ts.T(), ts.server.match.started)

	ts.server.userMessage(right, &action.GetInitialGameState{Secret: assign.Right.Secret}, nil)
	assert.True(ts.T(), ts.server.match.started)
	assert.Equal(ts.T(), &action.GameServerStateChange{State: action.GameServerOccupiedState}, ts.single(ts.lobby))

	for side, peer := range []*peertest.Peer{left, right} {
		actions := ts.decode(peer)
		require.Len(ts.T(), actions, 2)

		initial, ok := actions[0].(*action.SuppliedInitialGameState)
		require.True(ts.T(), ok)
		assert.Equal(ts.T(), replication.Side(side), initial.Side)
		assert.Equal(ts.T(), assign.Left.Player, initial.Left)
		assert.Equal(ts.T(), assign.Right.Player, initial.Right)

		sync, ok := actions[1].(*action.Synchronize)
		require.True(ts.T(), ok)
		mirror := replication.NewMirror()
		events, err := mirror.Synchronize(sync.Batch)
		require.NoError(ts.T(), err)
		assert.Len(ts.T(), events, 2*Slots)
	}
}

func (ts *GameServerTestSuite) TestLeavingBeforeStartFreesTheSlot() {
	assign := ts.assign()
	left := ts.connect()
	ts.server.userMessage(left, &action.GetInitialGameState{Secret: assign.Left.Secret}, nil)
	left.Drop()
	ts.server.userDisconnected(left)

	again := ts.connect()
	ts.server.userMessage(again, &action.GetInitialGameState{Secret: assign.Left.Secret}, nil)
	assert.Empty(ts.T(), ts.decode(again), "The slot can be claimed again")
	assert.True(ts.T(), again.Alive())
}

func (ts *GameServerTestSuite) TestActionsBeforeClaimAreProtocolErrors() {
	ts.assign()
	peer := ts.connect()
	ts.server.userMessage(peer, &action.RequestFullGameState{}, nil)
	assert.False(ts.T(), peer.Alive())
	code, _ := peer.CloseCode()
	assert.Equal(ts.T(), websocket.CloseProtocolError, code)
}

func (ts *GameServerTestSuite) TestUpgradeIsReplicated() {
	left, right := ts.started()
	mirror := replication.NewMirror()
	ts.server.userMessage(right, &action.RequestFullGameState{}, nil)
	full := ts.single(right).(*action.Synchronize)
	_, err := mirror.Synchronize(full.Batch)
	require.NoError(ts.T(), err)

	ts.server.userMessage(left, &action.RequestBuildingUpgrade{Slot: 2}, nil)
	assert.Empty(ts.T(), ts.decode(left))
	ts.server.tick()

	update, ok := ts.single(right).(*action.Synchronize)
	require.True(ts.T(), ok)
	require.Len(ts.T(), update.Batch.Entries, 1)
	events, err := mirror.Synchronize(update.Batch)
	require.NoError(ts.T(), err)
	require.Len(ts.T(), events, 1)
	assert.Equal(ts.T(), replication.Synchronized, events[0].Type)
	assert.Equal(ts.T(), int32(1), events[0].State.(*replication.BuildingState).Level)
	assert.IsType(ts.T(), &action.Synchronize{}, ts.single(left))

	ts.server.userMessage(left, &action.RequestBuildingUpgrade{Slot: 2}, nil)
	assert.Equal(ts.T(), "Not enough gold.", ts.single(left).(*action.MessageResponse).Message)

	ts.server.userMessage(left, &action.RequestBuildingUpgrade{Slot: 12}, nil)
	assert.False(ts.T(), left.Alive())
}

func (ts *GameServerTestSuite) TestQuietTickSendsNothing() {
	left, right := ts.started()
	ts.server.tick()
	assert.Empty(ts.T(), ts.decode(left), "An empty batch is never sent")
	assert.Empty(ts.T(), ts.decode(right))
}

func (ts *GameServerTestSuite) TestSurrenderReportsResult() {
	left, right := ts.started()

	ts.server.userMessage(right, &action.Surrender{}, nil)

	result := &action.MatchResult{Queue: "normal", Winner: "alice@example.com", Loser: "bruno@example.com"}
	assert.Equal(ts.T(), []action.Action{
		result,
		&action.GameServerStateChange{State: action.GameServerAvailableState},
	}, ts.decode(ts.lobby))
	for _, peer := range []*peertest.Peer{left, right} {
		assert.Equal(ts.T(), result, ts.single(peer))
		assert.False(ts.T(), peer.Alive())
	}
	assert.Nil(ts.T(), ts.server.match)
}

func (ts *GameServerTestSuite) TestLeavingARunningMatchForfeits() {
	left, _ := ts.started()
	left.Drop()
	ts.server.userDisconnected(left)

	actions := ts.decode(ts.lobby)
	require.Len(ts.T(), actions, 2)
	assert.Equal(ts.T(), &action.MatchResult{Queue: "normal", Winner: "bruno@example.com", Loser: "alice@example.com"}, actions[0])
	assert.Nil(ts.T(), ts.server.match)
}

func (ts *GameServerTestSuite) TestCancelledAssignmentFreesTheServer() {
	assign := ts.assign()
	ts.server.lobbyMessage(ts.lobby, &action.CancelAssignment{}, nil)
	assert.Nil(ts.T(), ts.server.match)
	assert.Empty(ts.T(), ts.decode(ts.lobby), "The lobby already counts the server as available")

	ts.server.lobbyMessage(ts.lobby, assign, nil)
	assert.Equal(ts.T(), &action.ExpectedPlayersNoted{}, ts.single(ts.lobby), "The next pair is accepted")
	require.NotNil(ts.T(), ts.server.match)

	ts.server.match.started = true
	ts.server.lobbyMessage(ts.lobby, &action.CancelAssignment{}, nil)
	assert.NotNil(ts.T(), ts.server.match, "A running match is not cancelled")
	assert.True(ts.T(), ts.lobby.Alive())
}

func (ts *GameServerTestSuite) TestUnclaimedMatchIsAbandoned() {
	ts.assign()
	ts.server.tick()
	assert.NotNil(ts.T(), ts.server.match)

	ts.clock = ts.clock.Add(connectTimeout + time.Second)
	ts.server.tick()
	assert.Nil(ts.T(), ts.server.match)
	assert.Equal(ts.T(), &action.GameServerStateChange{State: action.GameServerAvailableState}, ts.single(ts.lobby))
}
