package account

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alejzeis/bindstone-netplay/matchmaking"
)

const (
	DefaultSoftCurrency = 500
	DefaultHardCurrency = 150

	LoadoutSlots    = 8
	DefaultBuilding = "Life"
)

var ErrParse = errors.New("player state parse failure")

// Wallet holds a player's balances
type Wallet struct {
	Soft int64 `json:"soft"`
	Hard int64 `json:"hard"`
}

// Loadout is the set of buildings (and their skins) a player brings into a match
type Loadout struct {
	Buildings [LoadoutSlots]string `json:"buildings"`
	Skins     [LoadoutSlots]string `json:"skins"`
}

// Player is the client visible save state
type Player struct {
	Handle   string   `json:"handle"`
	Email    string   `json:"email,omitempty"`
	Wallet   Wallet   `json:"wallet"`
	Loadout  Loadout  `json:"loadout"`
	Unlocked []string `json:"unlocked"`
}

// NewPlayer is the save state of a freshly created account
func NewPlayer(handle, email string) *Player {
	player := &Player{
		Handle: handle,
		Email:  email,
		Wallet: Wallet{
			Soft: DefaultSoftCurrency,
			Hard: DefaultHardCurrency,
		},
		Unlocked: []string{DefaultBuilding},
	}
	for i := range player.Loadout.Buildings {
		player.Loadout.Buildings[i] = DefaultBuilding
	}
	return player
}

// ServerPlayer is the server only save state: ratings and moderation counters
type ServerPlayer struct {
	Queues         map[string]*matchmaking.Rating `json:"queues"`
	ChatStrikes    int                            `json:"chatStrikes"`
	ChatMutedUntil int64                          `json:"chatMutedUntil"`

	Client *Player `json:"-"`
}

func NewServerPlayer() *ServerPlayer {
	return &ServerPlayer{Queues: make(map[string]*matchmaking.Rating)}
}

// Queue returns the rating for a queue, creating the default one on first use
func (s *ServerPlayer) Queue(id string) *matchmaking.Rating {
	if s.Queues == nil {
		s.Queues = make(map[string]*matchmaking.Rating)
	}
	rating, ok := s.Queues[id]
	if !ok {
		rating = matchmaking.NewRating()
		s.Queues[id] = rating
	}
	return rating
}

func ParsePlayer(data string) (*Player, error) {
	player := new(Player)
	if err := json.Unmarshal([]byte(data), player); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if player.Handle == "" {
		return nil, fmt.Errorf("%w: missing handle", ErrParse)
	}
	return player, nil
}

func ParseServerPlayer(data string) (*ServerPlayer, error) {
	server := NewServerPlayer()
	if err := json.Unmarshal([]byte(data), server); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if server.Queues == nil {
		server.Queues = make(map[string]*matchmaking.Rating)
	}
	return server, nil
}

func (p *Player) JSON() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *ServerPlayer) JSON() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
