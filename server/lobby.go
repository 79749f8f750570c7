package server

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/alejzeis/bindstone-netplay/action"
	"github.com/alejzeis/bindstone-netplay/catalog"
	"github.com/alejzeis/bindstone-netplay/common"
	"github.com/alejzeis/bindstone-netplay/mail"
	"github.com/alejzeis/bindstone-netplay/matchmaking"
	"github.com/alejzeis/bindstone-netplay/store"
	"github.com/alejzeis/bindstone-netplay/taskpool"
)

// Queues are the matchmaking pools every lobby offers
var Queues = []string{"normal", "ranked"}

const eventBacklog = 1024

// Options are the collaborators of a Lobby
type Options struct {
	Config      common.LobbyConfig
	Development bool
	Store       store.Store
	Mailer      mail.Sender
	Database    taskpool.Executor
	Email       taskpool.Executor
	Catalog     *catalog.Catalog
	Log         *log.Entry
}

// Lobby accepts players and game servers, runs matchmaking and hands matched pairs to game servers.
// All connection state is owned by the goroutine running Run; everything else posts closures to it.
type Lobby struct {
	config     common.LobbyConfig
	secret     []byte
	invariants common.Invariants
	log        *log.Entry

	store    store.Store
	mailer   mail.Sender
	database taskpool.Executor
	email    taskpool.Executor
	hashes   map[string]string

	users     *common.Registry[*UserState]
	games     *common.Registry[*GameState]
	queues    map[string]*matchmaking.Queue
	seekerIDs *atomic.Uint64

	events  chan func()
	stopped chan struct{}
	post    func(fn func())
	random  io.Reader
	now     func() time.Time
	metrics *metrics

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	userServer *common.Listener
	gameServer *common.Listener
	rest       *http.Server
}

// NewLobby builds a lobby; nothing runs until Start
func NewLobby(options Options) (*Lobby, error) {
	content := options.Catalog
	if content == nil {
		content = catalog.Default()
	}
	if options.Config.Secret == "" {
		return nil, fmt.Errorf("configure lobby: %w", common.ErrEmptySecret)
	}
	hashes, err := content.Hashes()
	if err != nil {
		return nil, err
	}

	logger := options.Log
	if logger == nil {
		logger = log.WithField("component", "lobby")
	}

	l := &Lobby{
		config:     options.Config,
		secret:     []byte(options.Config.Secret),
		invariants: common.Invariants{Strict: options.Development},
		log:        logger,
		store:      options.Store,
		mailer:     options.Mailer,
		database:   options.Database,
		email:      options.Email,
		hashes:     hashes,
		users:      common.NewRegistry[*UserState](),
		games:      common.NewRegistry[*GameState](),
		queues:     make(map[string]*matchmaking.Queue),
		seekerIDs:  atomic.NewUint64(0),
		events:     make(chan func(), eventBacklog),
		stopped:    make(chan struct{}),
		random:     rand.Reader,
		now:        time.Now,
		metrics:    newMetrics(),
	}
	l.post = l.enqueue
	l.ctx, l.cancel = context.WithCancel(context.Background())

	for _, id := range Queues {
		queue := matchmaking.NewQueue(id, l.seekerValid, logger)
		gauge := l.metrics.queueSize.WithLabelValues(id)
		queue.OnSize = func(size int) {
			gauge.Set(float64(size))
		}
		l.queues[id] = queue
	}
	return l, nil
}

// Start runs the queues, the owning loop, both websocket endpoints and the REST server
func (l *Lobby) Start(ctx context.Context) error {
	l.startQueues()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(l.ctx)
	}()

	limits := common.Limits{MessagesPerSecond: l.config.MessageRate, Burst: l.config.MessageBurst}
	l.userServer = common.NewListener(l.config.UserAddr, userEndpoint{l}, limits, l.log.WithField("endpoint", "user"))
	l.gameServer = common.NewListener(l.config.GameAddr, gameEndpoint{l}, common.Limits{}, l.log.WithField("endpoint", "game"))
	if err := l.userServer.Start(ctx); err != nil {
		return fmt.Errorf("start user endpoint: %w", err)
	}
	if err := l.gameServer.Start(ctx); err != nil {
		return fmt.Errorf("start game endpoint: %w", err)
	}
	return l.startREST(ctx)
}

// Stop closes the endpoints and waits for the loop and queues to exit
func (l *Lobby) Stop(ctx context.Context) error {
	var errs []error
	for _, listener := range []*common.Listener{l.userServer, l.gameServer} {
		if listener != nil {
			errs = append(errs, listener.Stop(ctx))
		}
	}
	if l.rest != nil {
		errs = append(errs, l.rest.Shutdown(ctx))
	}

	l.cancel()
	l.wg.Wait()
	return errors.Join(errs...)
}

func (l *Lobby) startQueues() {
	for _, queue := range l.queues {
		queue := queue
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			queue.Run(l.ctx)
		}()
	}
}

func (l *Lobby) run(ctx context.Context) {
	defer close(l.stopped)

	ticker := time.NewTicker(l.config.Tick())
	defer ticker.Stop()
	last := l.now()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.events:
			fn()
		case <-ticker.C:
			now := l.now()
			l.tick(ctx, now.Sub(last))
			last = now
		}
	}
}

// enqueue hands fn to the owning loop
func (l *Lobby) enqueue(fn func()) {
	select {
	case l.events <- fn:
	case <-l.stopped:
	}
}

// inspect runs fn on the owning loop and waits for it
func (l *Lobby) inspect(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.post(func() {
		fn()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		return errors.New("lobby stopped")
	}
}

// tick runs one pairing pass on every queue and hands each pair to a game server
func (l *Lobby) tick(ctx context.Context, elapsed time.Duration) {
	ids := lo.Keys(l.queues)
	sort.Strings(ids)

	for _, id := range ids {
		pairs, err := l.queues[id].Tick(ctx, elapsed)
		if err != nil {
			if ctx.Err() == nil {
				l.log.WithError(err).WithField("queue", id).Error("Failed to run matchmaking pass")
			}
			continue
		}
		for _, pair := range pairs {
			l.matchMade(ctx, pair)
		}
	}
}

// seekerValid is the queue's view of a seeker: its socket is still open and the seeker is still the
// connection's active request. Called from queue goroutines.
func (l *Lobby) seekerValid(s *matchmaking.Seeker) bool {
	user, ok := l.users.Get(s.Handle)
	if !ok || !user.peer.Alive() {
		return false
	}
	return user.activeSeeker.Load() == s.ID
}

func (l *Lobby) matchMade(ctx context.Context, pair matchmaking.Pair) {
	left, leftOK := l.users.Get(pair.Left.Handle)
	right, rightOK := l.users.Get(pair.Right.Handle)
	if !leftOK || !rightOK || !l.seekerValid(pair.Left) || !l.seekerValid(pair.Right) {
		l.requeue(ctx, pair.Left)
		l.requeue(ctx, pair.Right)
		return
	}

	game, found := lo.Find(l.games.Snapshot(), func(g *GameState) bool {
		return g.state == GameAvailable && g.peer.Alive()
	})
	if !found {
		l.log.WithField("queue", pair.Queue).Debug("No game server available, returning pair to the queue")
		l.requeue(ctx, pair.Left)
		l.requeue(ctx, pair.Right)
		return
	}

	leftSecret, rightSecret, err := l.secrets()
	if err != nil {
		l.log.WithError(err).Error("Failed to generate match secrets")
		l.requeue(ctx, pair.Left)
		l.requeue(ctx, pair.Right)
		return
	}

	game.assign(pair, assignment{seeker: pair.Left, user: left, secret: leftSecret}, assignment{seeker: pair.Right, user: right, secret: rightSecret})
	l.metrics.matchesMade.WithLabelValues(pair.Queue).Inc()
}

// requeue puts a still valid seeker back in its queue
func (l *Lobby) requeue(ctx context.Context, seeker *matchmaking.Seeker) {
	if seeker == nil || !l.seekerValid(seeker) {
		return
	}
	queue, ok := l.queues[seeker.Queue]
	if !ok {
		l.invariants.Violated("seeker %d references unknown queue %s", seeker.ID, seeker.Queue)
		return
	}
	if err := queue.Add(ctx, seeker); err != nil {
		l.log.WithError(err).WithField("identity", seeker.Identity).Warn("Failed to requeue seeker")
		return
	}
	l.metrics.requeued.WithLabelValues(seeker.Queue).Inc()
}

// secrets draws two distinct secrets from the full int64 range
func (l *Lobby) secrets() (int64, int64, error) {
	left, err := l.secret64()
	if err != nil {
		return 0, 0, err
	}
	for {
		right, err := l.secret64()
		if err != nil {
			return 0, 0, err
		}
		if right != left {
			return left, right, nil
		}
	}
}

func (l *Lobby) secret64() (int64, error) {
	var buffer [8]byte
	if _, err := io.ReadFull(l.random, buffer[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buffer[:])), nil
}

func (l *Lobby) serverDetails() *action.ServerDetails {
	return &action.ServerDetails{
		ProtocolVersion:     common.ProtocolVersion,
		ConfigurationHashes: l.hashes,
	}
}

// protocolError logs and drops a connection that sent something it must not
func (l *Lobby) protocolError(endpoint string, peer common.Peer, err error) {
	l.log.WithError(err).WithFields(log.Fields{
		"endpoint": endpoint,
		"handle":   peer.Handle(),
		"address":  peer.RemoteAddr(),
	}).Warn("Protocol error, dropping connection")
	l.metrics.protocolErrors.WithLabelValues(endpoint).Inc()
	peer.Disconnect(websocket.CloseProtocolError, "protocol error")
}

func (l *Lobby) send(peer common.Peer, a action.Action) {
	if err := action.Send(peer, a); err != nil {
		l.log.WithError(err).WithFields(log.Fields{
			"handle": peer.Handle(),
			"action": a.Kind().String(),
		}).Debug("Failed to send action")
	}
}

func (l *Lobby) refreshGameServerMetrics() {
	counts := make(map[GameServerState]int)
	for _, game := range l.games.Snapshot() {
		counts[game.state]++
	}
	for _, state := range []GameServerState{GameInitializing, GameAvailable, GameConnectingPlayers, GameOccupied} {
		l.metrics.gameServers.WithLabelValues(state.String()).Set(float64(counts[state]))
	}
}

type userEndpoint struct {
	lobby *Lobby
}

func (e userEndpoint) Connected(peer common.Peer) {
	e.lobby.post(func() { e.lobby.userConnected(peer) })
}

func (e userEndpoint) Message(peer common.Peer, data []byte) {
	a, err := action.Decode(data)
	e.lobby.post(func() { e.lobby.userMessage(peer, a, err) })
}

func (e userEndpoint) Disconnected(peer common.Peer) {
	e.lobby.post(func() { e.lobby.userDisconnected(peer) })
}

type gameEndpoint struct {
	lobby *Lobby
}

func (e gameEndpoint) Connected(peer common.Peer) {
	e.lobby.post(func() { e.lobby.gameConnected(peer) })
}

func (e gameEndpoint) Message(peer common.Peer, data []byte) {
	a, err := action.Decode(data)
	e.lobby.post(func() { e.lobby.gameMessage(peer, a, err) })
}

func (e gameEndpoint) Disconnected(peer common.Peer) {
	e.lobby.post(func() { e.lobby.gameDisconnected(peer) })
}
