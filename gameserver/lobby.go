package gameserver

import (
	"fmt"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/alejzeis/bindstone-netplay/action"
	"github.com/alejzeis/bindstone-netplay/common"
)

func (g *GameServer) lobbyConnected(peer common.Peer) {
	g.lobby = peer
	g.log.WithField("lobby", peer.RemoteAddr()).Info("Connected to lobby")
}

func (g *GameServer) lobbyDisconnected(peer common.Peer) {
	if g.lobby == peer {
		g.lobby = nil
		g.log.Warn("Lost connection to lobby")
	}
}

func (g *GameServer) lobbyMessage(peer common.Peer, a action.Action, decodeErr error) {
	if g.lobby != peer {
		return
	}
	if decodeErr != nil {
		g.protocolError("lobby", peer, decodeErr)
		return
	}

	switch a := a.(type) {
	case *action.ServerDetails:
		g.register(a)
	case *action.AssignPlayersToGame:
		g.assign(a)
	case *action.CancelAssignment:
		g.cancelAssignment()
	case *action.IllegalResponse:
		g.log.WithField("message", a.Message).Error("Lobby refused this game server")
	case *action.MessageResponse:
		g.log.WithField("message", a.Message).Info("Lobby says")
	default:
		g.protocolError("lobby", peer, fmt.Errorf("%s is not valid from the lobby", a.Kind()))
	}
}

// register answers the lobby's greeting with this server's endpoint and a signed token
func (g *GameServer) register(details *action.ServerDetails) {
	if details.ProtocolVersion != common.ProtocolVersion {
		g.log.WithFields(log.Fields{
			"lobby":    details.ProtocolVersion,
			"expected": common.ProtocolVersion,
		}).Error("Lobby speaks another protocol version")
		g.lobby.Disconnect(websocket.CloseNormalClosure, "protocol version mismatch")
		return
	}

	token, _, err := common.IssueToken(g.secret, common.GameServerSubject, tokenLifetime, g.now())
	if err != nil {
		g.log.WithError(err).Error("Failed to sign registration token")
		g.lobby.Disconnect(websocket.CloseInternalServerErr, "token")
		return
	}
	g.send(g.lobby, &action.GameServerAvailable{
		URL:   g.config.PublicHost,
		Port:  g.config.PublicPort,
		Token: token,
	})

	// A link re-established mid match must not be offered new players
	if g.match != nil {
		g.send(g.lobby, &action.GameServerStateChange{State: action.GameServerOccupiedState})
	}
}

// assign reserves both slots for a pair the lobby matched and confirms them
func (g *GameServer) assign(a *action.AssignPlayersToGame) {
	if g.match != nil {
		g.log.WithField("queue", a.Queue).Warn("Assigned players while a match is running, declining")
		g.send(g.lobby, &action.GameServerStateChange{State: action.GameServerOccupiedState})
		return
	}

	m, err := newMatch(a, g.catalog, g.now().Add(connectTimeout))
	if err != nil {
		g.log.WithError(err).Error("Failed to set up match, declining")
		g.send(g.lobby, &action.GameServerStateChange{State: action.GameServerAvailableState})
		return
	}
	g.match = m
	g.send(g.lobby, &action.ExpectedPlayersNoted{})

	g.log.WithFields(log.Fields{
		"queue": a.Queue,
		"left":  a.Left.Identity,
		"right": a.Right.Identity,
	}).Info("Expecting players")
}

// cancelAssignment drops a reservation the lobby gave up on. The lobby already counts this server
// as available, so no state change is reported back.
func (g *GameServer) cancelAssignment() {
	if g.match == nil || g.match.started {
		g.log.Debug("Lobby cancelled an assignment that is not pending, ignoring")
		return
	}
	g.log.WithField("queue", g.match.queue).Info("Lobby cancelled the assignment")
	g.release()
}

type lobbyEndpoint struct {
	server *GameServer
}

func (e lobbyEndpoint) Connected(peer common.Peer) {
	e.server.post(func() { e.server.lobbyConnected(peer) })
}

func (e lobbyEndpoint) Message(peer common.Peer, data []byte) {
	a, err := action.Decode(data)
	e.server.post(func() { e.server.lobbyMessage(peer, a, err) })
}

func (e lobbyEndpoint) Disconnected(peer common.Peer) {
	e.server.post(func() { e.server.lobbyDisconnected(peer) })
}
