package common

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

// InfoResponse is the JSON response to the /info REST method
type InfoResponse struct {
	Software string `json:"software"`
	Version  string `json:"version"`
	API      uint   `json:"apiVersion"`
	Protocol int    `json:"protocolVersion"`
}

// TokenResponse is the JSON response to the /login REST method
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// SeekerStatus describes one waiting player in the /queues response
type SeekerStatus struct {
	Identity string  `json:"identity"`
	Rating   float64 `json:"rating"`
	Waited   float64 `json:"waitedSeconds"`
	Matching bool    `json:"matching"`
}

// QueueStatus is one entry of the /queues response
type QueueStatus struct {
	ID      string         `json:"id"`
	Seekers []SeekerStatus `json:"seekers"`
}

// GameServerStatus is one entry of the /gameservers response
type GameServerStatus struct {
	Handle Handle `json:"handle"`
	URL    string `json:"url"`
	Port   uint16 `json:"port"`
	State  string `json:"state"`
	Left   string `json:"left,omitempty"`
	Right  string `json:"right,omitempty"`
}

// ConnectionsResponse is the JSON response to the /connections REST method
type ConnectionsResponse struct {
	Users         int `json:"users"`
	Authenticated int `json:"authenticated"`
	GameServers   int `json:"gameServers"`
}

// ProbeInfo fetches /info from a lobby REST endpoint and checks that it speaks our API and protocol.
func ProbeInfo(rest *resty.Client, baseURL string) (InfoResponse, error) {
	var info InfoResponse

	url := strings.TrimSuffix(baseURL, "/") + "/info"
	response, err := rest.R().Get(url)
	if err != nil {
		return info, fmt.Errorf("fetch %s: %w", url, err)
	}
	if response.StatusCode() != http.StatusOK {
		return info, fmt.Errorf("fetch %s: unexpected status %d", url, response.StatusCode())
	}
	if err := json.Unmarshal(response.Body(), &info); err != nil {
		return info, fmt.Errorf("decode %s: %w", url, err)
	}

	if info.API != APIVersion {
		return info, fmt.Errorf("lobby API version %d, expected %d", info.API, APIVersion)
	}
	if info.Protocol != ProtocolVersion {
		return info, fmt.Errorf("lobby protocol version %d, expected %d", info.Protocol, ProtocolVersion)
	}
	return info, nil
}
