// Package gameserver runs matches handed over by the lobby: it keeps a link to the lobby, accepts the
// two assigned players and replicates the match state to them.
package gameserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/alejzeis/bindstone-netplay/action"
	"github.com/alejzeis/bindstone-netplay/catalog"
	"github.com/alejzeis/bindstone-netplay/common"
)

const (
	eventBacklog = 1024

	// reconnectDelay is the pause between attempts to reach the lobby
	reconnectDelay = 500 * time.Millisecond
	// connectTimeout is how long assigned players have to claim their slots
	connectTimeout = 30 * time.Second
	tokenLifetime  = time.Minute
)

// userLimits bounds how fast a player may send actions
var userLimits = common.Limits{MessagesPerSecond: 30, Burst: 60}

// Options are the collaborators of a GameServer
type Options struct {
	Config      common.GameServerConfig
	Development bool
	Catalog     *catalog.Catalog
	Log         *log.Entry
}

// GameServer hosts one match at a time. Every piece of state is owned by the goroutine running run.
type GameServer struct {
	config     common.GameServerConfig
	secret     []byte
	catalog    *catalog.Catalog
	hashes     map[string]string
	invariants common.Invariants
	log        *log.Entry

	users *common.Registry[*User]
	lobby common.Peer
	match *Match

	events  chan func()
	stopped chan struct{}
	post    func(fn func())
	now     func() time.Time

	rest     *resty.Client
	dialer   *common.Dialer
	listener *common.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewGameServer(options Options) (*GameServer, error) {
	content := options.Catalog
	if content == nil {
		content = catalog.Default()
	}
	if options.Config.Secret == "" {
		return nil, fmt.Errorf("configure game server: %w", common.ErrEmptySecret)
	}
	hashes, err := content.Hashes()
	if err != nil {
		return nil, err
	}

	logger := options.Log
	if logger == nil {
		logger = log.WithField("component", "gameserver")
	}

	g := &GameServer{
		config:     options.Config,
		secret:     []byte(options.Config.Secret),
		catalog:    content,
		hashes:     hashes,
		invariants: common.Invariants{Strict: options.Development},
		log:        logger,
		users:      common.NewRegistry[*User](),
		events:     make(chan func(), eventBacklog),
		stopped:    make(chan struct{}),
		now:        time.Now,
		rest:       resty.New().SetTimeout(5 * time.Second),
		dialer:     common.NewDialer(),
	}
	g.post = g.enqueue
	g.ctx, g.cancel = context.WithCancel(context.Background())
	return g, nil
}

// Start runs the loop, accepts players and starts linking to the lobby
func (g *GameServer) Start(ctx context.Context) error {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.run(g.ctx)
	}()

	g.listener = common.NewListener(g.config.Addr, userEndpoint{g}, userLimits, g.log.WithField("endpoint", "user"))
	if err := g.listener.Start(ctx); err != nil {
		return fmt.Errorf("start user endpoint: %w", err)
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.linkLobby(g.ctx)
	}()
	return nil
}

func (g *GameServer) Stop(ctx context.Context) error {
	var err error
	if g.listener != nil {
		err = g.listener.Stop(ctx)
	}
	g.cancel()
	g.wg.Wait()
	return err
}

func (g *GameServer) run(ctx context.Context) {
	defer close(g.stopped)

	ticker := time.NewTicker(g.config.Tick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-g.events:
			fn()
		case <-ticker.C:
			g.tick()
		}
	}
}

func (g *GameServer) enqueue(fn func()) {
	select {
	case g.events <- fn:
	case <-g.stopped:
	}
}

// tick abandons matches whose players never showed up, and advances and replicates a running one
func (g *GameServer) tick() {
	m := g.match
	if m == nil {
		return
	}
	if !m.started {
		if g.now().After(m.deadline) {
			g.log.WithField("queue", m.queue).Warn("Assigned players did not connect in time, abandoning match")
			g.endMatch(nil)
		}
		return
	}

	loser, over, err := m.step()
	if err != nil {
		g.invariants.Violated("match step failed: %v", err)
		return
	}
	g.replicate()
	if over {
		g.endMatch(m.players[loser])
	}
}

// replicate sends everything that changed since the last batch to both players
func (g *GameServer) replicate() {
	batch, err := g.match.pool.Updated()
	if err != nil {
		g.log.WithError(err).Error("Failed to collect replication batch")
		return
	}
	if batch.Empty() {
		return
	}
	for _, p := range g.match.players {
		if p.peer != nil {
			g.send(p.peer, &action.Synchronize{Batch: batch})
		}
	}
}

// endMatch reports the result to the lobby and both players, then frees the server. A nil loser
// means the match never started and no result is recorded.
func (g *GameServer) endMatch(loser *player) {
	m := g.match

	if loser != nil {
		winner := m.opponent(loser)
		result := &action.MatchResult{Queue: m.queue, Winner: winner.identity, Loser: loser.identity}
		if g.lobby != nil {
			g.send(g.lobby, result)
		} else {
			g.log.WithFields(log.Fields{
				"winner": winner.identity,
				"loser":  loser.identity,
			}).Error("Lobby link down, match result lost")
		}
		for _, p := range m.players {
			if p.peer != nil {
				g.send(p.peer, result)
			}
		}
		g.log.WithFields(log.Fields{
			"queue":  m.queue,
			"winner": winner.identity,
			"loser":  loser.identity,
			"ticks":  m.ticks,
		}).Info("Match finished")
	}

	g.release()
	if g.lobby != nil {
		g.send(g.lobby, &action.GameServerStateChange{State: action.GameServerAvailableState})
	}
}

// release frees the server: claimed sockets are closed and the match is forgotten
func (g *GameServer) release() {
	m := g.match
	g.match = nil
	for _, p := range m.players {
		if p.peer != nil {
			p.peer.Disconnect(websocket.CloseNormalClosure, "match over")
		}
	}
	g.users.Each(func(_ common.Handle, user *User) bool {
		user.player = nil
		return true
	})
}

func (g *GameServer) send(peer common.Peer, a action.Action) {
	if err := action.Send(peer, a); err != nil {
		g.log.WithError(err).WithFields(log.Fields{
			"handle": peer.Handle(),
			"action": a.Kind().String(),
		}).Debug("Failed to send action")
	}
}

// protocolError drops a socket that sent something it must not
func (g *GameServer) protocolError(endpoint string, peer common.Peer, err error) {
	g.log.WithError(err).WithFields(log.Fields{
		"endpoint": endpoint,
		"handle":   peer.Handle(),
		"address":  peer.RemoteAddr(),
	}).Warn("Protocol error, dropping connection")
	peer.Disconnect(websocket.CloseProtocolError, "protocol error")
}

// linkLobby keeps a socket to the lobby open, redialing whenever it drops
func (g *GameServer) linkLobby(ctx context.Context) {
	for {
		if err := g.connectLobby(ctx); err != nil && !errors.Is(err, context.Canceled) {
			g.log.WithError(err).WithField("lobby", g.config.LobbyURL).Debug("Lobby link failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// connectLobby checks the lobby speaks our protocol, dials it and blocks until the link drops
func (g *GameServer) connectLobby(ctx context.Context) error {
	if g.config.LobbyRestURL != "" {
		if _, err := common.ProbeInfo(g.rest, g.config.LobbyRestURL); err != nil {
			return err
		}
	}

	conn, err := g.dialer.Dial(ctx, g.config.LobbyURL, lobbyEndpoint{g})
	if err != nil {
		return fmt.Errorf("dial lobby: %w", err)
	}

	select {
	case <-conn.Done():
		return nil
	case <-ctx.Done():
		conn.Disconnect(websocket.CloseGoingAway, "shutting down")
		<-conn.Done()
		return ctx.Err()
	}
}
