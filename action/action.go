package action

import (
	"fmt"

	"github.com/alejzeis/bindstone-netplay/replication"
)

// Kind tags every action on the wire
type Kind uint16

const (
	KindServerDetails Kind = iota + 1
	KindMessageResponse
	KindLoginResponse
	KindIllegalResponse
	KindCreatePlayer
	KindLoginRequest
	KindFindMatchRequest
	KindCancelMatchRequest
	KindMatchedResponse
	KindGameServerAvailable
	KindGameServerStateChange
	KindAssignPlayersToGame
	KindExpectedPlayersNoted
	KindMatchResult
	KindGetInitialGameState
	KindSuppliedInitialGameState
	KindRequestFullGameState
	KindRequestBuildingUpgrade
	KindSurrender
	KindSynchronize
	KindCancelAssignment
)

var kindNames = map[Kind]string{
	KindServerDetails:            "ServerDetails",
	KindMessageResponse:          "MessageResponse",
	KindLoginResponse:            "LoginResponse",
	KindIllegalResponse:          "IllegalResponse",
	KindCreatePlayer:             "CreatePlayer",
	KindLoginRequest:             "LoginRequest",
	KindFindMatchRequest:         "FindMatchRequest",
	KindCancelMatchRequest:       "CancelMatchRequest",
	KindMatchedResponse:          "MatchedResponse",
	KindGameServerAvailable:      "GameServerAvailable",
	KindGameServerStateChange:    "GameServerStateChange",
	KindAssignPlayersToGame:      "AssignPlayersToGame",
	KindExpectedPlayersNoted:     "ExpectedPlayersNoted",
	KindMatchResult:              "MatchResult",
	KindGetInitialGameState:      "GetInitialGameState",
	KindSuppliedInitialGameState: "SuppliedInitialGameState",
	KindRequestFullGameState:     "RequestFullGameState",
	KindRequestBuildingUpgrade:   "RequestBuildingUpgrade",
	KindSurrender:                "Surrender",
	KindSynchronize:              "Synchronize",
	KindCancelAssignment:         "CancelAssignment",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint16(k))
}

// Action is the closed set of messages exchanged by the lobby, game servers and clients
type Action interface {
	Kind() Kind
	action()
}

// ServerDetails is the first message on every socket a server accepts
type ServerDetails struct {
	ProtocolVersion     int               `msgpack:"protocolVersion"`
	ConfigurationHashes map[string]string `msgpack:"configurationHashes"`
}

// MessageResponse carries a human readable status line
type MessageResponse struct {
	Message string `msgpack:"message"`
}

// LoginResponse answers CreatePlayer and LoginRequest. Player is empty when the client's save is current.
type LoginResponse struct {
	Message string `msgpack:"message"`
	Player  string `msgpack:"player"`
	Success bool   `msgpack:"success"`
}

// IllegalResponse precedes a server initiated disconnect
type IllegalResponse struct {
	Message string `msgpack:"message"`
}

type CreatePlayer struct {
	Email    string `msgpack:"email"`
	Handle   string `msgpack:"handle"`
	Password string `msgpack:"password"`
}

// LoginRequest identifies by email or handle
type LoginRequest struct {
	Identity string `msgpack:"identity"`
	Password string `msgpack:"password"`
	SaveHash string `msgpack:"saveHash"`
}

type FindMatchRequest struct {
	Queue string `msgpack:"queue"`
}

type CancelMatchRequest struct{}

// MatchedResponse tells a seeker where its game is and the secret that claims its slot
type MatchedResponse struct {
	Address string `msgpack:"address"`
	Port    uint16 `msgpack:"port"`
	Secret  int64  `msgpack:"secret"`
}

// GameServerAvailable registers a game server's public endpoint with the lobby
type GameServerAvailable struct {
	URL   string `msgpack:"url"`
	Port  uint16 `msgpack:"port"`
	Token string `msgpack:"token"`
}

const (
	GameServerAvailableState = "AVAILABLE"
	GameServerOccupiedState  = "OCCUPIED"
)

type GameServerStateChange struct {
	State string `msgpack:"state"`
}

// AssignedPlayer is one side of a match as handed to a game server
type AssignedPlayer struct {
	Identity string  `msgpack:"identity"`
	Handle   string  `msgpack:"handle"`
	Player   string  `msgpack:"player"`
	Rating   float64 `msgpack:"rating"`
	Secret   int64   `msgpack:"secret"`
}

type AssignPlayersToGame struct {
	Left  AssignedPlayer `msgpack:"left"`
	Right AssignedPlayer `msgpack:"right"`
	Queue string         `msgpack:"queue"`
}

type ExpectedPlayersNoted struct{}

// MatchResult reports a finished match: game server to lobby, and game server to both players
type MatchResult struct {
	Queue  string `msgpack:"queue"`
	Winner string `msgpack:"winner"`
	Loser  string `msgpack:"loser"`
}

type GetInitialGameState struct {
	Secret int64 `msgpack:"secret"`
}

// SuppliedInitialGameState starts a match on the client. Side is the receiver's half of the board.
type SuppliedInitialGameState struct {
	Left  string           `msgpack:"left"`
	Right string           `msgpack:"right"`
	Side  replication.Side `msgpack:"side"`
}

type RequestFullGameState struct{}

type RequestBuildingUpgrade struct {
	Slot int32 `msgpack:"slot"`
}

type Surrender struct{}

// CancelAssignment tells a game server to drop a reservation the lobby abandoned before the
// players were told where to connect
type CancelAssignment struct{}

// Synchronize carries a replication batch from a game server to its players
type Synchronize struct {
	Batch replication.Batch `msgpack:"batch"`
}

func (*ServerDetails) Kind() Kind            { return KindServerDetails }
func (*MessageResponse) Kind() Kind          { return KindMessageResponse }
func (*LoginResponse) Kind() Kind            { return KindLoginResponse }
func (*IllegalResponse) Kind() Kind          { return KindIllegalResponse }
func (*CreatePlayer) Kind() Kind             { return KindCreatePlayer }
func (*LoginRequest) Kind() Kind             { return KindLoginRequest }
func (*FindMatchRequest) Kind() Kind         { return KindFindMatchRequest }
func (*CancelMatchRequest) Kind() Kind       { return KindCancelMatchRequest }
func (*MatchedResponse) Kind() Kind          { return KindMatchedResponse }
func (*GameServerAvailable) Kind() Kind      { return KindGameServerAvailable }
func (*GameServerStateChange) Kind() Kind    { return KindGameServerStateChange }
func (*AssignPlayersToGame) Kind() Kind      { return KindAssignPlayersToGame }
func (*ExpectedPlayersNoted) Kind() Kind     { return KindExpectedPlayersNoted }
func (*MatchResult) Kind() Kind              { return KindMatchResult }
func (*GetInitialGameState) Kind() Kind      { return KindGetInitialGameState }
func (*SuppliedInitialGameState) Kind() Kind { return KindSuppliedInitialGameState }
func (*RequestFullGameState) Kind() Kind     { return KindRequestFullGameState }
func (*RequestBuildingUpgrade) Kind() Kind   { return KindRequestBuildingUpgrade }
func (*Surrender) Kind() Kind                { return KindSurrender }
func (*Synchronize) Kind() Kind              { return KindSynchronize }
func (*CancelAssignment) Kind() Kind         { return KindCancelAssignment }

func (*ServerDetails) action()            {}
func (*MessageResponse) action()          {}
func (*LoginResponse) action()            {}
func (*IllegalResponse) action()          {}
func (*CreatePlayer) action()             {}
func (*LoginRequest) action()             {}
func (*FindMatchRequest) action()         {}
func (*CancelMatchRequest) action()       {}
func (*MatchedResponse) action()          {}
func (*GameServerAvailable) action()      {}
func (*GameServerStateChange) action()    {}
func (*AssignPlayersToGame) action()      {}
func (*ExpectedPlayersNoted) action()     {}
func (*MatchResult) action()              {}
func (*GetInitialGameState) action()      {}
func (*SuppliedInitialGameState) action() {}
func (*RequestFullGameState) action()     {}
func (*RequestBuildingUpgrade) action()   {}
func (*Surrender) action()                {}
func (*Synchronize) action()              {}
func (*CancelAssignment) action()         {}

var factories = map[Kind]func() Action{
	KindServerDetails:            func() Action { return new(ServerDetails) },
	KindMessageResponse:          func() Action { return new(MessageResponse) },
	KindLoginResponse:            func() Action { return new(LoginResponse) },
	KindIllegalResponse:          func() Action { return new(IllegalResponse) },
	KindCreatePlayer:             func() Action { return new(CreatePlayer) },
	KindLoginRequest:             func() Action { return new(LoginRequest) },
	KindFindMatchRequest:         func() Action { return new(FindMatchRequest) },
	KindCancelMatchRequest:       func() Action { return new(CancelMatchRequest) },
	KindMatchedResponse:          func() Action { return new(MatchedResponse) },
	KindGameServerAvailable:      func() Action { return new(GameServerAvailable) },
	KindGameServerStateChange:    func() Action { return new(GameServerStateChange) },
	KindAssignPlayersToGame:      func() Action { return new(AssignPlayersToGame) },
	KindExpectedPlayersNoted:     func() Action { return new(ExpectedPlayersNoted) },
	KindMatchResult:              func() Action { return new(MatchResult) },
	KindGetInitialGameState:      func() Action { return new(GetInitialGameState) },
	KindSuppliedInitialGameState: func() Action { return new(SuppliedInitialGameState) },
	KindRequestFullGameState:     func() Action { return new(RequestFullGameState) },
	KindRequestBuildingUpgrade:   func() Action { return new(RequestBuildingUpgrade) },
	KindSurrender:                func() Action { return new(Surrender) },
	KindSynchronize:              func() Action { return new(Synchronize) },
	KindCancelAssignment:         func() Action { return new(CancelAssignment) },
}
