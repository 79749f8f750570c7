package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/alejzeis/bindstone-netplay/account"
	"github.com/alejzeis/bindstone-netplay/action"
	"github.com/alejzeis/bindstone-netplay/catalog"
	"github.com/alejzeis/bindstone-netplay/common"
	"github.com/alejzeis/bindstone-netplay/replication"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrNoMatch      = errors.New("not in a match")
)

// dialFunc opens a socket served by h
type dialFunc func(ctx context.Context, url string, h common.Handler) (common.Peer, error)

// Session is one player's view of the lobby and, while matched, of a game server. Socket callbacks
// and commands may arrive from different goroutines, so everything below mutex is guarded by it.
type Session struct {
	config common.ClientConfig
	out    io.Writer
	log    *log.Entry
	rest   *restClient
	hashes map[string]string

	dial  dialFunc
	async func(fn func())
	ctx   context.Context

	mutex    sync.Mutex
	lobby    common.Peer
	game     common.Peer
	loggedIn bool
	save     string
	player   *account.Player
	secret   int64
	side     replication.Side
	mirror   *replication.Pool
}

// NewSession creates a disconnected session that prints to out
func NewSession(ctx context.Context, config common.ClientConfig, out io.Writer) *Session {
	hashes, err := catalog.Default().Hashes()
	if err != nil {
		log.WithError(err).Warn("Failed to hash local content")
	}
	dialer := common.NewDialer()

	return &Session{
		config: config,
		out:    out,
		log:    log.WithField("component", "client"),
		rest:   createRestClient(config.LobbyRestURL),
		hashes: hashes,
		dial: func(ctx context.Context, url string, h common.Handler) (common.Peer, error) {
			conn, err := dialer.Dial(ctx, url, h)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		async: func(fn func()) { go fn() },
		ctx:   ctx,
	}
}

func (s *Session) printf(format string, args ...interface{}) {
	fmt.Fprintf(s.out, format+"\n", args...)
}

// Connect probes the lobby's REST API when one is configured, then opens the lobby socket
func (s *Session) Connect(url string) error {
	if url == "" {
		url = s.config.LobbyURL
	}

	s.mutex.Lock()
	connected := s.lobby != nil
	s.mutex.Unlock()
	if connected {
		return errors.New("already connected to a lobby")
	}

	if s.config.LobbyRestURL != "" {
		info, err := s.rest.probe()
		if err != nil {
			return err
		}
		s.log.WithFields(log.Fields{
			"software": info.Software,
			"version":  info.Version,
		}).Debug("Lobby is compatible")
	}

	peer, err := s.dial(s.ctx, url, lobbyEndpoint{s})
	if err != nil {
		return fmt.Errorf("dial lobby: %w", err)
	}
	s.mutex.Lock()
	s.lobby = peer
	s.mutex.Unlock()
	return nil
}

// Close drops both sockets
func (s *Session) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.game != nil {
		s.game.Disconnect(websocket.CloseNormalClosure, "bye")
	}
	if s.lobby != nil {
		s.lobby.Disconnect(websocket.CloseNormalClosure, "bye")
	}
}

func (s *Session) sendLobby(a action.Action) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.lobby == nil {
		return ErrNotConnected
	}
	return action.Send(s.lobby, a)
}

func (s *Session) sendGame(a action.Action) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.game == nil {
		return ErrNoMatch
	}
	return action.Send(s.game, a)
}

func (s *Session) CreatePlayer(email, handle, password string) error {
	if err := account.ValidateCreate(email, handle, password); err != nil {
		return err
	}
	return s.sendLobby(&action.CreatePlayer{Email: email, Handle: handle, Password: password})
}

// Login sends the hash of the cached save so the lobby can skip resending an unchanged one
func (s *Session) Login(identity, password string) error {
	if err := account.ValidateLogin(identity, password); err != nil {
		return err
	}

	s.mutex.Lock()
	request := &action.LoginRequest{Identity: identity, Password: password}
	if s.save != "" {
		request.SaveHash = account.SaveHash(s.save)
	}
	s.mutex.Unlock()

	return s.sendLobby(request)
}

func (s *Session) FindMatch(queue string) error {
	return s.sendLobby(&action.FindMatchRequest{Queue: queue})
}

func (s *Session) CancelMatch() error {
	return s.sendLobby(&action.CancelMatchRequest{})
}

func (s *Session) Upgrade(slot int32) error {
	return s.sendGame(&action.RequestBuildingUpgrade{Slot: slot})
}

func (s *Session) RefreshState() error {
	return s.sendGame(&action.RequestFullGameState{})
}

func (s *Session) Surrender() error {
	return s.sendGame(&action.Surrender{})
}

// Board summarizes the mirrored match state, one line per side
func (s *Session) Board() ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.mirror == nil {
		return nil, ErrNoMatch
	}

	var buildings [2][]string
	var creatures [2][]*replication.CreatureState
	s.mirror.Each(func(_ uint64, state replication.State) {
		switch state := state.(type) {
		case *replication.BuildingState:
			buildings[state.Side] = append(buildings[state.Side], fmt.Sprintf("%d:%s%d", state.Slot, state.TypeID, state.Level))
		case *replication.CreatureState:
			creatures[state.Side] = append(creatures[state.Side], state)
		}
	})

	lines := make([]string, 0, 2)
	for _, side := range []replication.Side{replication.SideLeft, replication.SideRight} {
		sort.Strings(buildings[side])
		health := lo.SumBy(creatures[side], func(c *replication.CreatureState) int32 { return c.Health })
		marker := ""
		if side == s.side {
			marker = " (you)"
		}
		lines = append(lines, fmt.Sprintf("%s%s: buildings [%s], %d creatures with %d health",
			sideName(side), marker, strings.Join(buildings[side], " "), len(creatures[side]), health))
	}
	return lines, nil
}

// Profile is the save the lobby last sent
func (s *Session) Profile() (*account.Player, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.player, s.player != nil
}

func sideName(side replication.Side) string {
	if side == replication.SideLeft {
		return "left"
	}
	return "right"
}

// gameURL turns the address and port from a MatchedResponse into a websocket URL
func gameURL(address string, port uint16) string {
	if !strings.Contains(address, "://") {
		address = "ws://" + address
	}
	return fmt.Sprintf("%s:%d/ws", strings.TrimSuffix(address, "/"), port)
}

func (s *Session) checkDetails(source string, details *action.ServerDetails) bool {
	if details.ProtocolVersion != common.ProtocolVersion {
		s.printf("The %s speaks protocol version %d, this client speaks %d.", source, details.ProtocolVersion, common.ProtocolVersion)
		return false
	}
	for name, hash := range details.ConfigurationHashes {
		if s.hashes[name] != hash {
			s.log.WithFields(log.Fields{
				"source":  source,
				"content": name,
			}).Warn("Content differs from the server's")
		}
	}
	return true
}

func (s *Session) lobbyConnected(peer common.Peer) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.lobby = peer
	s.printf("Connected to lobby at %s.", peer.RemoteAddr())
}

func (s *Session) lobbyDisconnected(peer common.Peer) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.lobby != peer {
		return
	}
	s.lobby = nil
	s.loggedIn = false
	s.printf("Disconnected from lobby.")
}

func (s *Session) lobbyMessage(peer common.Peer, a action.Action, decodeErr error) {
	s.mutex.Lock()
	next := s.handleLobby(peer, a, decodeErr)
	s.mutex.Unlock()

	if next != nil {
		s.async(next)
	}
}

// handleLobby applies one lobby action and returns work that has to run without the lock held
func (s *Session) handleLobby(peer common.Peer, a action.Action, decodeErr error) func() {
	if s.lobby != peer {
		return nil
	}
	if decodeErr != nil {
		s.log.WithError(decodeErr).Warn("Undecodable message from lobby")
		return nil
	}

	switch a := a.(type) {
	case *action.ServerDetails:
		if !s.checkDetails("lobby", a) {
			peer.Disconnect(websocket.CloseNormalClosure, "protocol version mismatch")
		}
	case *action.LoginResponse:
		s.printf("%s", a.Message)
		if !a.Success {
			return nil
		}
		s.loggedIn = true
		if a.Player != "" {
			s.save = a.Player
		}
		player, err := account.ParsePlayer(s.save)
		if err != nil {
			s.log.WithError(err).Error("Failed to parse save")
			return nil
		}
		s.player = player
	case *action.MessageResponse:
		s.printf("%s", a.Message)
	case *action.IllegalResponse:
		s.printf("Lobby refused: %s", a.Message)
	case *action.MatchedResponse:
		if s.game != nil {
			s.log.Warn("Matched while still in a game, ignoring")
			return nil
		}
		s.secret = a.Secret
		url := gameURL(a.Address, a.Port)
		s.printf("Match found, joining %s.", url)
		return func() { s.joinGame(url) }
	default:
		s.log.WithField("action", a.Kind().String()).Warn("Unexpected action from lobby")
	}
	return nil
}

func (s *Session) joinGame(url string) {
	peer, err := s.dial(s.ctx, url, gameEndpoint{s})
	if err != nil {
		s.printf("Failed to join game server: %v", err)
		return
	}
	s.mutex.Lock()
	s.game = peer
	s.mutex.Unlock()
}

func (s *Session) gameConnected(peer common.Peer) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.game = peer
}

func (s *Session) gameDisconnected(peer common.Peer) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.game != peer {
		return
	}
	s.game = nil
	s.mirror = nil
	s.printf("Left the game server.")
}

func (s *Session) gameMessage(peer common.Peer, a action.Action, decodeErr error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.game != peer {
		return
	}
	if decodeErr != nil {
		s.log.WithError(decodeErr).Warn("Undecodable message from game server")
		return
	}

	switch a := a.(type) {
	case *action.ServerDetails:
		if !s.checkDetails("game server", a) {
			peer.Disconnect(websocket.CloseNormalClosure, "protocol version mismatch")
			return
		}
		if err := action.Send(peer, &action.GetInitialGameState{Secret: s.secret}); err != nil {
			s.log.WithError(err).Error("Failed to claim match slot")
		}
	case *action.SuppliedInitialGameState:
		s.side = a.Side
		s.mirror = replication.NewMirror()
		s.printf("Match started, you hold the %s side.", sideName(a.Side))
	case *action.Synchronize:
		if s.mirror == nil {
			s.log.Warn("State update before the match started")
			return
		}
		events, err := s.mirror.Synchronize(a.Batch)
		if err != nil {
			s.log.WithError(err).Error("Failed to apply state update")
		}
		for _, event := range events {
			s.log.WithFields(log.Fields{
				"id":    event.ID,
				"kind":  event.Kind.String(),
				"event": event.Type.String(),
			}).Trace("Replicated")
		}
	case *action.MatchResult:
		if s.player != nil && s.player.Email == a.Winner {
			s.printf("Victory!")
		} else if s.player != nil && s.player.Email == a.Loser {
			s.printf("Defeat.")
		} else {
			s.printf("Match over, %s beat %s.", a.Winner, a.Loser)
		}
	case *action.MessageResponse:
		s.printf("%s", a.Message)
	case *action.IllegalResponse:
		s.printf("Game server refused: %s", a.Message)
	default:
		s.log.WithField("action", a.Kind().String()).Warn("Unexpected action from game server")
	}
}

type lobbyEndpoint struct {
	session *Session
}

func (e lobbyEndpoint) Connected(peer common.Peer) {
	e.session.lobbyConnected(peer)
}

func (e lobbyEndpoint) Message(peer common.Peer, data []byte) {
	a, err := action.Decode(data)
	e.session.lobbyMessage(peer, a, err)
}

func (e lobbyEndpoint) Disconnected(peer common.Peer) {
	e.session.lobbyDisconnected(peer)
}

type gameEndpoint struct {
	session *Session
}

func (e gameEndpoint) Connected(peer common.Peer) {
	e.session.gameConnected(peer)
}

func (e gameEndpoint) Message(peer common.Peer, data []byte) {
	a, err := action.Decode(data)
	e.session.gameMessage(peer, a, err)
}

func (e gameEndpoint) Disconnected(peer common.Peer) {
	e.session.gameDisconnected(peer)
}
