package server

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/alejzeis/bindstone-netplay/action"
	"github.com/alejzeis/bindstone-netplay/common"
	"github.com/alejzeis/bindstone-netplay/matchmaking"
)

// GameServerState is where a game server is in the hand-off protocol
type GameServerState int

const (
	GameInitializing GameServerState = iota
	GameAvailable
	GameConnectingPlayers
	GameOccupied
)

func (s GameServerState) String() string {
	switch s {
	case GameInitializing:
		return "INITIALIZING"
	case GameAvailable:
		return "AVAILABLE"
	case GameConnectingPlayers:
		return "CONNECTING_PLAYERS"
	case GameOccupied:
		return "OCCUPIED"
	default:
		return "UNKNOWN"
	}
}

// assignment is one side of a match reserved on a game server
type assignment struct {
	seeker *matchmaking.Seeker
	user   *UserState
	secret int64
}

// GameState is the lobby side of one game server socket
type GameState struct {
	lobby *Lobby
	peer  common.Peer

	state GameServerState
	url   string
	port  uint16

	queue       string
	left, right *assignment
	// players are the identities of the running match, kept for the status views
	players [2]string
}

func (l *Lobby) gameConnected(peer common.Peer) {
	game := &GameState{lobby: l, peer: peer, state: GameInitializing}
	l.games.Add(peer.Handle(), game)
	l.metrics.connections.WithLabelValues("game").Set(float64(l.games.Len()))
	l.refreshGameServerMetrics()

	l.send(peer, l.serverDetails())
}

func (l *Lobby) gameDisconnected(peer common.Peer) {
	game, ok := l.games.Remove(peer.Handle())
	if !ok {
		return
	}
	game.releasePlayers(l.ctx)
	l.metrics.connections.WithLabelValues("game").Set(float64(l.games.Len()))
	l.refreshGameServerMetrics()

	l.log.WithFields(log.Fields{
		"handle": peer.Handle(),
		"url":    game.url,
	}).Info("Game server disconnected")
}

func (l *Lobby) gameMessage(peer common.Peer, a action.Action, decodeErr error) {
	game, ok := l.games.Get(peer.Handle())
	if !ok {
		return
	}
	if decodeErr != nil {
		l.protocolError("game", peer, decodeErr)
		return
	}

	_, registering := a.(*action.GameServerAvailable)
	if registering != (game.state == GameInitializing) {
		l.protocolError("game", peer, fmt.Errorf("%s while %s", a.Kind(), game.state))
		return
	}

	switch a := a.(type) {
	case *action.GameServerAvailable:
		game.register(a)
	case *action.GameServerStateChange:
		game.stateChange(a.State)
	case *action.ExpectedPlayersNoted:
		game.notifyPlayers(l.ctx)
	case *action.MatchResult:
		l.recordMatchResult(peer, a)
	default:
		l.protocolError("game", peer, fmt.Errorf("%s is not valid from a game server", a.Kind()))
	}
	l.refreshGameServerMetrics()
}

// register checks the cluster token and publishes the game server's endpoint
func (g *GameState) register(a *action.GameServerAvailable) {
	l := g.lobby
	subject, err := common.VerifyToken(l.secret, a.Token)
	if err != nil || subject != common.GameServerSubject {
		l.log.WithError(err).WithField("address", g.peer.RemoteAddr()).Warn("Game server failed to authenticate")
		l.send(g.peer, &action.IllegalResponse{Message: "Failed to authenticate."})
		g.peer.Disconnect(websocket.ClosePolicyViolation, "authentication failed")
		return
	}

	g.url = a.URL
	g.port = a.Port
	g.setState(l.ctx, GameAvailable)

	l.log.WithFields(log.Fields{
		"url":  g.url,
		"port": g.port,
	}).Info("Game server available")
}

func (g *GameState) stateChange(state string) {
	switch state {
	case action.GameServerAvailableState:
		g.setState(g.lobby.ctx, GameAvailable)
	case action.GameServerOccupiedState:
		g.setState(g.lobby.ctx, GameOccupied)
	default:
		g.lobby.protocolError("game", g.peer, fmt.Errorf("unknown game server state %q", state))
	}
}

// setState applies a state reported by the game server. Reporting anything while players are being
// connected declines them, so they go back to their queues.
func (g *GameState) setState(ctx context.Context, state GameServerState) {
	if state == GameAvailable || g.state == GameConnectingPlayers {
		g.releasePlayers(ctx)
	}
	if state == GameAvailable {
		g.players = [2]string{}
	}
	g.state = state
}

// assign reserves the game server for a pair and asks it to expect both players
func (g *GameState) assign(pair matchmaking.Pair, left, right assignment) {
	l := g.lobby
	if g.invariants().Check(g.state == GameAvailable && g.left == nil && g.right == nil,
		"assigning to game server %d in state %s", g.peer.Handle(), g.state) {
		return
	}

	g.state = GameConnectingPlayers
	g.queue = pair.Queue
	g.left = &left
	g.right = &right

	l.send(g.peer, &action.AssignPlayersToGame{
		Left:  assigned(left, pair.Queue),
		Right: assigned(right, pair.Queue),
		Queue: pair.Queue,
	})

	l.log.WithFields(log.Fields{
		"queue": pair.Queue,
		"left":  left.seeker.Identity,
		"right": right.seeker.Identity,
		"url":   g.url,
	}).Info("Match made")
}

func assigned(a assignment, queue string) action.AssignedPlayer {
	playerJSON, _ := a.user.player.JSON()
	return action.AssignedPlayer{
		Identity: a.user.identity,
		Handle:   a.user.handle,
		Player:   playerJSON,
		Rating:   a.user.server.Queue(queue).Rating,
		Secret:   a.secret,
	}
}

// notifyPlayers runs once the game server has reserved both slots: if both players are still
// there they get the address and their secret, otherwise the match is abandoned.
func (g *GameState) notifyPlayers(ctx context.Context) {
	if g.state != GameConnectingPlayers {
		g.lobby.log.WithFields(log.Fields{
			"url":   g.url,
			"state": g.state.String(),
		}).Warn("Game server noted players it was not assigned")
		return
	}
	if g.handleExpiredPlayers(ctx) {
		return
	}

	for _, a := range []*assignment{g.left, g.right} {
		a.user.matched(a.seeker.ID, g.url, g.port, a.secret)
	}
	g.players = [2]string{g.left.seeker.Identity, g.right.seeker.Identity}
	g.left, g.right = nil, nil
	g.state = GameOccupied
}

// handleExpiredPlayers abandons the assignment when either player is gone, putting the survivor
// back in its queue and telling the game server to drop its reservation. It reports whether the assignment was abandoned; calling it again is a no-op.
func (g *GameState) handleExpiredPlayers(ctx context.Context) bool {
	if g.left == nil && g.right == nil {
		return false
	}
	if g.left != nil && g.right != nil && g.lobby.seekerValid(g.left.seeker) && g.lobby.seekerValid(g.right.seeker) {
		return false
	}

	g.lobby.log.WithField("url", g.url).Info("Matched player left before the game started, abandoning match")
	g.releasePlayers(ctx)
	if g.peer.Alive() {
		g.lobby.send(g.peer, &action.CancelAssignment{})
		g.state = GameAvailable
	}
	return true
}

// releasePlayers returns every still valid assigned seeker to its queue and clears both slots
func (g *GameState) releasePlayers(ctx context.Context) {
	for _, a := range []*assignment{g.left, g.right} {
		if a != nil {
			g.lobby.requeue(ctx, a.seeker)
		}
	}
	g.left, g.right = nil, nil
}

func (g *GameState) invariants() common.Invariants {
	return g.lobby.invariants
}

func (g *GameState) status() common.GameServerStatus {
	status := common.GameServerStatus{
		Handle: g.peer.Handle(),
		URL:    g.url,
		Port:   g.port,
		State:  g.state.String(),
		Left:   g.players[0],
		Right:  g.players[1],
	}
	if g.left != nil {
		status.Left = g.left.seeker.Identity
	}
	if g.right != nil {
		status.Right = g.right.seeker.Identity
	}
	return status
}
