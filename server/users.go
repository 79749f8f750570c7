package server

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/alejzeis/bindstone-netplay/account"
	"github.com/alejzeis/bindstone-netplay/action"
	"github.com/alejzeis/bindstone-netplay/common"
	"github.com/alejzeis/bindstone-netplay/matchmaking"
)

const loggedInElsewhere = "Logged in elsewhere."

// UserState is the lobby side of one player socket
type UserState struct {
	lobby *Lobby
	peer  common.Peer

	identity string
	handle   string
	player   *account.Player
	server   *account.ServerPlayer
	status   string

	// activeSeeker is the id of the seeker this connection currently wants matched, zero for none
	activeSeeker *atomic.Uint64
}

func (u *UserState) Authenticated() bool {
	return u.player != nil
}

func (l *Lobby) userConnected(peer common.Peer) {
	user := &UserState{
		lobby:        l,
		peer:         peer,
		status:       "connected",
		activeSeeker: atomic.NewUint64(0),
	}
	l.users.Add(peer.Handle(), user)
	l.metrics.connections.WithLabelValues("user").Set(float64(l.users.Len()))

	l.send(peer, l.serverDetails())
}

func (l *Lobby) userDisconnected(peer common.Peer) {
	user, ok := l.users.Remove(peer.Handle())
	if !ok {
		return
	}
	user.activeSeeker.Store(0)
	l.metrics.connections.WithLabelValues("user").Set(float64(l.users.Len()))

	l.log.WithFields(log.Fields{
		"handle":   peer.Handle(),
		"identity": user.identity,
	}).Debug("User disconnected")
}

func (l *Lobby) userMessage(peer common.Peer, a action.Action, decodeErr error) {
	user, ok := l.users.Get(peer.Handle())
	if !ok {
		return
	}
	if decodeErr != nil {
		l.protocolError("user", peer, decodeErr)
		return
	}

	switch a := a.(type) {
	case *action.CreatePlayer:
		l.createPlayer(user, a)
	case *action.LoginRequest:
		l.login(user, a)
	case *action.FindMatchRequest:
		user.seekMatch(l.ctx, a.Queue)
	case *action.CancelMatchRequest:
		user.cancelSeek()
	default:
		l.protocolError("user", peer, fmt.Errorf("%s is not valid from a player", a.Kind()))
	}
}

// authenticate binds an account to this connection and kicks every other connection of the same
// account. It returns false, leaving the connection unauthenticated, when either save fails to parse.
func (u *UserState) authenticate(identity, handle, playerJSON, serverJSON string) bool {
	player, err := account.ParsePlayer(playerJSON)
	if err != nil {
		u.lobby.log.WithError(err).WithField("identity", identity).Error("Failed to parse player state")
		return false
	}
	server, err := account.ParseServerPlayer(serverJSON)
	if err != nil {
		u.lobby.log.WithError(err).WithField("identity", identity).Error("Failed to parse server player state")
		return false
	}
	server.Client = player

	u.identity = identity
	u.handle = handle
	u.player = player
	u.server = server
	u.status = "authenticated"

	u.lobby.users.Each(func(kicked common.Handle, other *UserState) bool {
		if other != u && other.identity == identity {
			other.activeSeeker.Store(0)
			u.lobby.send(other.peer, &action.IllegalResponse{Message: loggedInElsewhere})
			other.peer.Disconnect(websocket.CloseNormalClosure, loggedInElsewhere)
			u.lobby.log.WithFields(log.Fields{
				"identity": identity,
				"kicked":   kicked,
			}).Info("Dropped duplicate session")
		}
		return true
	})
	return true
}

// seekMatch replaces any active seeker of this connection with a new one in queueID
func (u *UserState) seekMatch(ctx context.Context, queueID string) {
	l := u.lobby
	if !u.Authenticated() {
		l.send(u.peer, &action.MessageResponse{Message: "Log in before finding a match."})
		return
	}
	queue, ok := l.queues[queueID]
	if !ok {
		l.send(u.peer, &action.MessageResponse{Message: fmt.Sprintf("Unknown queue %q.", queueID)})
		return
	}

	seeker := &matchmaking.Seeker{
		ID:       l.seekerIDs.Inc(),
		Handle:   u.peer.Handle(),
		Identity: u.identity,
		Queue:    queueID,
		Rating:   *u.server.Queue(queueID),
	}
	u.activeSeeker.Store(seeker.ID)

	if err := queue.Add(ctx, seeker); err != nil {
		u.activeSeeker.CompareAndSwap(seeker.ID, 0)
		l.log.WithError(err).WithField("queue", queueID).Error("Failed to add seeker")
		l.send(u.peer, &action.MessageResponse{Message: "Failed to join the queue, try again."})
		return
	}

	u.status = "finding"
	l.send(u.peer, &action.MessageResponse{Message: fmt.Sprintf("Searching for a %s match.", queueID)})
}

// cancelSeek clears the active seeker. The queue drops it on its next pass.
func (u *UserState) cancelSeek() {
	if u.activeSeeker.Swap(0) == 0 {
		u.lobby.send(u.peer, &action.MessageResponse{Message: "Not searching for a match."})
		return
	}
	u.status = "authenticated"
	u.lobby.send(u.peer, &action.MessageResponse{Message: "Match search cancelled."})
}

// matched hands the game server's address to the player and ends its search
func (u *UserState) matched(seekerID uint64, address string, port uint16, secret int64) {
	u.activeSeeker.CompareAndSwap(seekerID, 0)
	u.status = "matched"
	u.lobby.send(u.peer, &action.MatchedResponse{Address: address, Port: port, Secret: secret})
}
