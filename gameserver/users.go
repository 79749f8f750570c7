package gameserver

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/alejzeis/bindstone-netplay/action"
	"github.com/alejzeis/bindstone-netplay/common"
	"github.com/alejzeis/bindstone-netplay/replication"
)

// User is the game server side of one player socket
type User struct {
	peer common.Peer
	// player is the match slot this socket claimed, nil until GetInitialGameState succeeds
	player *player
}

func (g *GameServer) userConnected(peer common.Peer) {
	g.users.Add(peer.Handle(), &User{peer: peer})
	g.send(peer, &action.ServerDetails{ProtocolVersion: common.ProtocolVersion, ConfigurationHashes: g.hashes})
}

// userDisconnected frees the slot of a player who leaves before the match starts, and forfeits
// a running match for one who leaves after
func (g *GameServer) userDisconnected(peer common.Peer) {
	user, ok := g.users.Remove(peer.Handle())
	if !ok || user.player == nil || g.match == nil || user.player.peer != peer {
		return
	}

	if !g.match.started {
		user.player.peer = nil
		return
	}
	g.log.WithField("identity", user.player.identity).Info("Player left a running match")
	g.endMatch(user.player)
}

func (g *GameServer) userMessage(peer common.Peer, a action.Action, decodeErr error) {
	user, ok := g.users.Get(peer.Handle())
	if !ok {
		return
	}
	if decodeErr != nil {
		g.protocolError("user", peer, decodeErr)
		return
	}

	if _, claiming := a.(*action.GetInitialGameState); !claiming && user.player == nil {
		g.protocolError("user", peer, fmt.Errorf("%s before claiming a slot", a.Kind()))
		return
	}

	switch a := a.(type) {
	case *action.GetInitialGameState:
		g.claim(user, a.Secret)
	case *action.RequestFullGameState:
		g.fullState(user)
	case *action.RequestBuildingUpgrade:
		g.upgrade(user, a.Slot)
	case *action.Surrender:
		if g.match == nil || !g.match.started {
			g.send(peer, &action.MessageResponse{Message: "The match has not started."})
			return
		}
		g.endMatch(user.player)
	default:
		g.protocolError("user", peer, fmt.Errorf("%s is not valid from a player", a.Kind()))
	}
}

// claim binds a socket to the slot reserved for secret. Once both players are in, the match starts.
func (g *GameServer) claim(user *User, secret int64) {
	if user.player != nil {
		g.protocolError("user", user.peer, errors.New("slot already claimed"))
		return
	}
	if g.match == nil {
		g.reject(user, "No match is waiting for you.")
		return
	}
	p, ok := g.match.claim(secret, user.peer)
	if !ok {
		g.reject(user, "Unknown match secret.")
		return
	}
	user.player = p
	g.log.WithFields(log.Fields{
		"identity": p.identity,
		"side":     p.side,
	}).Info("Player claimed slot")

	if g.match.ready() {
		g.start()
	}
}

func (g *GameServer) reject(user *User, message string) {
	g.send(user.peer, &action.IllegalResponse{Message: message})
	user.peer.Disconnect(websocket.ClosePolicyViolation, "unknown secret")
}

// start tells the lobby the server is occupied and gives both players the opening state
func (g *GameServer) start() {
	m := g.match
	m.started = true

	if g.lobby != nil {
		g.send(g.lobby, &action.GameServerStateChange{State: action.GameServerOccupiedState})
	}

	// The opening snapshot replaces the spawn batch
	if _, err := m.pool.Updated(); err != nil {
		g.log.WithError(err).Error("Failed to drain spawn batch")
	}
	batch, err := m.pool.All()
	if err != nil {
		g.log.WithError(err).Error("Failed to snapshot match state")
		return
	}

	left, right := m.players[replication.SideLeft], m.players[replication.SideRight]
	for _, p := range m.players {
		g.send(p.peer, &action.SuppliedInitialGameState{Left: left.save, Right: right.save, Side: p.side})
		g.send(p.peer, &action.Synchronize{Batch: batch})
	}
}

func (g *GameServer) fullState(user *User) {
	if g.match == nil || !g.match.started {
		g.send(user.peer, &action.MessageResponse{Message: "The match has not started."})
		return
	}
	batch, err := g.match.pool.All()
	if err != nil {
		g.log.WithError(err).Error("Failed to snapshot match state")
		return
	}
	g.send(user.peer, &action.Synchronize{Batch: batch})
}

func (g *GameServer) upgrade(user *User, slot int32) {
	if g.match == nil || !g.match.started {
		g.send(user.peer, &action.MessageResponse{Message: "The match has not started."})
		return
	}
	err := g.match.upgrade(user.player, slot)
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientGold):
		g.send(user.peer, &action.MessageResponse{Message: "Not enough gold."})
	case errors.Is(err, ErrMaxLevel):
		g.send(user.peer, &action.MessageResponse{Message: "Building is at max level."})
	case errors.Is(err, ErrInvalidSlot):
		g.protocolError("user", user.peer, err)
	default:
		g.log.WithError(err).Error("Failed to upgrade building")
	}
}

type userEndpoint struct {
	server *GameServer
}

func (e userEndpoint) Connected(peer common.Peer) {
	e.server.post(func() { e.server.userConnected(peer) })
}

func (e userEndpoint) Message(peer common.Peer, data []byte) {
	a, err := action.Decode(data)
	e.server.post(func() { e.server.userMessage(peer, a, err) })
}

func (e userEndpoint) Disconnected(peer common.Peer) {
	e.server.post(func() { e.server.userDisconnected(peer) })
}
