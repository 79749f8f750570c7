package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejzeis/bindstone-netplay/action"
	"github.com/alejzeis/bindstone-netplay/common"
	"github.com/alejzeis/bindstone-netplay/store"
)

func (ts *LobbyTestSuite) serve(method, target string, body url.Values) *httptest.ResponseRecorder {
	var request *http.Request
	if body != nil {
		request = httptest.NewRequest(method, target, strings.NewReader(body.Encode()))
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		request = httptest.NewRequest(method, target, nil)
	}
	recorder := httptest.NewRecorder()
	ts.lobby.Handler().ServeHTTP(recorder, request)
	return recorder
}

func (ts *LobbyTestSuite) adminToken() string {
	recorder := ts.serve("POST", "/login/ops", url.Values{"password": {testAdmin}})
	require.Equal(ts.T(), http.StatusCreated, recorder.Code)

	var token common.TokenResponse
	require.NoError(ts.T(), json.Unmarshal(recorder.Body.Bytes(), &token))
	require.NotEmpty(ts.T(), token.Token)
	return token.Token
}

func (ts *LobbyTestSuite) TestRESTInfo() {
	recorder := ts.serve("GET", "/info", nil)
	require.Equal(ts.T(), http.StatusOK, recorder.Code)
	assert.Equal(ts.T(), "application/json", recorder.Header().Get("Content-Type"))

	var info common.InfoResponse
	require.NoError(ts.T(), json.Unmarshal(recorder.Body.Bytes(), &info))
	assert.Equal(ts.T(), common.SoftwareName, info.Software)
	assert.Equal(ts.T(), common.APIVersion, info.API)
	assert.Equal(ts.T(), common.ProtocolVersion, info.Protocol)
}

func (ts *LobbyTestSuite) TestRESTLogin() {
	assert.Equal(ts.T(), http.StatusForbidden, ts.serve("POST", "/login/ops", url.Values{"password": {"wrong"}}).Code)
	assert.Equal(ts.T(), http.StatusForbidden, ts.serve("POST", "/login/ops", nil).Code)

	request := httptest.NewRequest("POST", "/login/ops", nil)
	request.Header.Set("X-Admin-Password", testAdmin)
	recorder := httptest.NewRecorder()
	ts.lobby.Handler().ServeHTTP(recorder, request)
	assert.Equal(ts.T(), http.StatusCreated, recorder.Code)

	token := ts.adminToken()
	renewed := ts.serve("GET", "/renew/"+token, nil)
	assert.Equal(ts.T(), http.StatusOK, renewed.Code)
	assert.Equal(ts.T(), http.StatusForbidden, ts.serve("GET", "/renew/not-a-token", nil).Code)
}

func (ts *LobbyTestSuite) TestRESTRejectsGameServerTokens() {
	gameToken, _, err := common.IssueToken([]byte(testSecret), common.GameServerSubject, tokenLifetime, ts.lobby.now())
	require.NoError(ts.T(), err)
	assert.Equal(ts.T(), http.StatusForbidden, ts.serve("GET", "/queues/"+gameToken, nil).Code)
}

func (ts *LobbyTestSuite) TestRESTStatusViews() {
	game := ts.registerGame("ws://game.example", 22400)
	ts.seeking("alice@example.com", "alice", "ranked")
	ts.connectUser()
	token := ts.adminToken()

	recorder := ts.serve("GET", "/queues/"+token, nil)
	require.Equal(ts.T(), http.StatusOK, recorder.Code)
	var queues []common.QueueStatus
	require.NoError(ts.T(), json.Unmarshal(recorder.Body.Bytes(), &queues))
	require.Len(ts.T(), queues, len(Queues))
	assert.Equal(ts.T(), "normal", queues[0].ID)
	assert.Empty(ts.T(), queues[0].Seekers)
	require.Len(ts.T(), queues[1].Seekers, 1)
	assert.Equal(ts.T(), "alice@example.com", queues[1].Seekers[0].Identity)

	recorder = ts.serve("GET", "/gameservers/"+token, nil)
	require.Equal(ts.T(), http.StatusOK, recorder.Code)
	var games []common.GameServerStatus
	require.NoError(ts.T(), json.Unmarshal(recorder.Body.Bytes(), &games))
	require.Len(ts.T(), games, 1)
	assert.Equal(ts.T(), game.Handle(), games[0].Handle)
	assert.Equal(ts.T(), "AVAILABLE", games[0].State)

	recorder = ts.serve("GET", "/connections/"+token, nil)
	require.Equal(ts.T(), http.StatusOK, recorder.Code)
	var connections common.ConnectionsResponse
	require.NoError(ts.T(), json.Unmarshal(recorder.Body.Bytes(), &connections))
	assert.Equal(ts.T(), common.ConnectionsResponse{Users: 2, Authenticated: 1, GameServers: 1}, connections)
}

func (ts *LobbyTestSuite) TestRESTVerify() {
	peer := ts.connectUser()
	ts.lobby.userMessage(peer, &action.CreatePlayer{Email: "ada@example.com", Handle: "ada_l", Password: testPassword}, nil)
	ts.decode(peer)

	var record *store.PlayerRecord
	require.NoError(ts.T(), ts.store.Transact(context.Background(), func(tx store.Tx) error {
		var err error
		record, err = tx.FindPlayer(context.Background(), "ada@example.com", "ada_l")
		return err
	}))

	assert.Equal(ts.T(), http.StatusNotFound, ts.serve("GET", "/verify/unknown", nil).Code)

	recorder := ts.serve("GET", "/verify/"+record.VerifyToken, nil)
	assert.Equal(ts.T(), http.StatusOK, recorder.Code)
	assert.Contains(ts.T(), recorder.Body.String(), "ada_l")

	assert.True(ts.T(), ts.login(peer, "ada_l").Success)
	assert.Equal(ts.T(), http.StatusNotFound, ts.serve("GET", "/verify/"+record.VerifyToken, nil).Code, "A validation link works once")
}

func (ts *LobbyTestSuite) TestRESTMetrics() {
	ts.registerGame("ws://game.example", 22400)

	recorder := ts.serve("GET", "/metrics", nil)
	require.Equal(ts.T(), http.StatusOK, recorder.Code)
	body := recorder.Body.String()
	assert.Contains(ts.T(), body, `bindstone_lobby_queue_size{queue="normal"} 0`)
	assert.Contains(ts.T(), body, `bindstone_lobby_game_servers{state="AVAILABLE"} 1`)
}
