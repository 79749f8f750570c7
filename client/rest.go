package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"

	"github.com/alejzeis/bindstone-netplay/common"
)

// renewMargin is how close to expiry an operator token gets renewed before use
const renewMargin = 30 * time.Second

var ErrNotLoggedIn = errors.New("not logged in as an operator")

// restClient talks to the lobby's operator REST API
type restClient struct {
	rest      *resty.Client
	serverURL string
	now       func() time.Time

	mutex     sync.Mutex
	authToken string
	expiresAt time.Time
}

func createRestClient(serverURL string) *restClient {
	return &restClient{
		rest:      resty.New().SetTimeout(5 * time.Second),
		serverURL: strings.TrimSuffix(serverURL, "/"),
		now:       time.Now,
	}
}

func (r *restClient) probe() (common.InfoResponse, error) {
	return common.ProbeInfo(r.rest, r.serverURL)
}

// login exchanges the admin password for an operator token
func (r *restClient) login(username, password string) error {
	url := r.serverURL + "/login/" + username
	response, err := r.rest.R().SetFormData(map[string]string{"password": password}).Post(url)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if response.StatusCode() != http.StatusCreated {
		return fmt.Errorf("login: unexpected status %d", response.StatusCode())
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.store(response.Body())
}

func (r *restClient) logout() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.authToken = ""
	r.expiresAt = time.Time{}
}

// not thread safe, lock the mutex before calling this
func (r *restClient) store(body []byte) error {
	var token common.TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return fmt.Errorf("decode token: %w", err)
	}
	r.authToken = token.Token
	r.expiresAt = time.Unix(token.ExpiresAt, 0)
	return nil
}

// token returns a usable operator token, renewing it when it is about to expire
func (r *restClient) token() (string, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.authToken == "" {
		return "", ErrNotLoggedIn
	}
	if r.now().After(r.expiresAt) {
		r.authToken = ""
		return "", ErrNotLoggedIn
	}
	if r.now().Add(renewMargin).Before(r.expiresAt) {
		return r.authToken, nil
	}

	url := r.serverURL + "/renew/" + r.authToken
	response, err := r.rest.R().Get(url)
	if err != nil || response.StatusCode() != http.StatusOK {
		log.WithField("url", r.serverURL+"/renew").WithError(err).Warn("Failed to renew token")
		return r.authToken, nil
	}
	if err := r.store(response.Body()); err != nil {
		return "", err
	}
	log.Debug("Renewed token")
	return r.authToken, nil
}

func (r *restClient) get(view string, out interface{}) error {
	token, err := r.token()
	if err != nil {
		return err
	}

	url := r.serverURL + "/" + view + "/" + token
	response, err := r.rest.R().Get(url)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", view, err)
	}
	if response.StatusCode() != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %d", view, response.StatusCode())
	}
	if err := json.Unmarshal(response.Body(), out); err != nil {
		return fmt.Errorf("decode %s: %w", view, err)
	}
	return nil
}

func (r *restClient) queues() ([]common.QueueStatus, error) {
	var queues []common.QueueStatus
	err := r.get("queues", &queues)
	return queues, err
}

func (r *restClient) gameServers() ([]common.GameServerStatus, error) {
	var servers []common.GameServerStatus
	err := r.get("gameservers", &servers)
	return servers, err
}

func (r *restClient) connections() (common.ConnectionsResponse, error) {
	var connections common.ConnectionsResponse
	err := r.get("connections", &connections)
	return connections, err
}
