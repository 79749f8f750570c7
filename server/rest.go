package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/alejzeis/bindstone-netplay/common"
	"github.com/alejzeis/bindstone-netplay/store"
)

const (
	// tokenLifetime is how long an operator token lasts before it has to be renewed
	tokenLifetime = 2 * time.Minute

	adminSubjectPrefix = "admin:"
)

// Handler is the operator REST API of the lobby
func (l *Lobby) Handler() http.Handler {
	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/info", l.handleInfo).Methods("GET")
	router.HandleFunc("/login/{username}", l.handleLogin).Methods("POST")
	router.HandleFunc("/renew/{token}", l.handleRenew).Methods("GET")
	router.HandleFunc("/queues/{token}", l.handleQueues).Methods("GET")
	router.HandleFunc("/gameservers/{token}", l.handleGameServers).Methods("GET")
	router.HandleFunc("/connections/{token}", l.handleConnections).Methods("GET")
	router.HandleFunc("/verify/{token}", l.handleVerify).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(l.metrics.registry, promhttp.HandlerOpts{})).Methods("GET")
	return router
}

func (l *Lobby) startREST(ctx context.Context) error {
	l.rest = &http.Server{Addr: l.config.RestAddr, Handler: l.Handler()}
	server := l.rest

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("start REST server: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(100 * time.Millisecond):
		l.log.WithField("address", l.config.RestAddr).Info("Started REST API HTTP server")
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).Error("Failed to encode REST response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// authorized checks the operator token in the path, writing 403 when it is not valid
func (l *Lobby) authorized(w http.ResponseWriter, r *http.Request) (string, bool) {
	subject, err := common.VerifyToken(l.secret, mux.Vars(r)["token"])
	if err != nil || !strings.HasPrefix(subject, adminSubjectPrefix) {
		w.WriteHeader(http.StatusForbidden)
		return "", false
	}
	return strings.TrimPrefix(subject, adminSubjectPrefix), true
}

// Returns server information such as the software version and REST API version
func (l *Lobby) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, common.InfoResponse{
		Software: common.SoftwareName,
		Version:  common.SoftwareVersion,
		API:      common.APIVersion,
		Protocol: common.ProtocolVersion,
	})
}

// Issues an operator token. The admin password is read from the "password" form value or the
// X-Admin-Password header.
// HTTP Responses:
//   - 403 Forbidden: no admin password is configured, or it did not match
//   - 500 Internal Server Error: Failed to encode the JWT
//   - 201 Created: returns a TokenResponse
func (l *Lobby) handleLogin(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]

	password := r.FormValue("password")
	if password == "" {
		password = r.Header.Get("X-Admin-Password")
	}
	if l.config.AdminPassword == "" || password != l.config.AdminPassword {
		l.log.WithFields(log.Fields{
			"username": username,
			"address":  r.RemoteAddr,
		}).Warn("Rejected operator login")
		w.WriteHeader(http.StatusForbidden)
		return
	}

	l.issueToken(w, username, http.StatusCreated)
}

// Renews an operator token, returning a new TokenResponse with 200
func (l *Lobby) handleRenew(w http.ResponseWriter, r *http.Request) {
	username, ok := l.authorized(w, r)
	if !ok {
		return
	}
	l.issueToken(w, username, http.StatusOK)
}

func (l *Lobby) issueToken(w http.ResponseWriter, username string, status int) {
	token, expires, err := common.IssueToken(l.secret, adminSubjectPrefix+username, tokenLifetime, l.now())
	if err != nil {
		l.log.WithField("username", username).WithError(err).Error("Failed to encode JWT")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, status, common.TokenResponse{Token: token, ExpiresAt: expires})
}

// Lists every seeker waiting in each queue
func (l *Lobby) handleQueues(w http.ResponseWriter, r *http.Request) {
	if _, ok := l.authorized(w, r); !ok {
		return
	}

	statuses := make([]common.QueueStatus, 0, len(Queues))
	for _, id := range Queues {
		seekers, err := l.queues[id].Snapshot(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		status := common.QueueStatus{ID: id, Seekers: make([]common.SeekerStatus, 0, len(seekers))}
		for _, seeker := range seekers {
			status.Seekers = append(status.Seekers, common.SeekerStatus{
				Identity: seeker.Identity,
				Rating:   seeker.Rating.Rating,
				Waited:   seeker.Wait.Seconds(),
				Matching: seeker.Matching(),
			})
		}
		statuses = append(statuses, status)
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (l *Lobby) handleGameServers(w http.ResponseWriter, r *http.Request) {
	if _, ok := l.authorized(w, r); !ok {
		return
	}

	var statuses []common.GameServerStatus
	err := l.inspect(r.Context(), func() {
		statuses = make([]common.GameServerStatus, 0, l.games.Len())
		for _, game := range l.games.Snapshot() {
			statuses = append(statuses, game.status())
		}
	})
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (l *Lobby) handleConnections(w http.ResponseWriter, r *http.Request) {
	if _, ok := l.authorized(w, r); !ok {
		return
	}

	var response common.ConnectionsResponse
	err := l.inspect(r.Context(), func() {
		users := l.users.Snapshot()
		response.Users = len(users)
		for _, user := range users {
			if user.Authenticated() {
				response.Authenticated++
			}
		}
		response.GameServers = l.games.Len()
	})
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// Validates the email address of the account owning the token from the validation mail
// HTTP Responses:
//   - 404 Not Found: no account has this token
//   - 500 Internal Server Error: the store failed
//   - 200 OK: the account can now log in
func (l *Lobby) handleVerify(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	var record *store.PlayerRecord
	err := l.store.Transact(r.Context(), func(tx store.Tx) error {
		var err error
		record, err = tx.Verify(r.Context(), token)
		return err
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "Unknown or expired validation link.")
	case err != nil:
		l.log.WithError(err).Error("Failed to validate account")
		w.WriteHeader(http.StatusInternalServerError)
	default:
		l.log.WithField("email", record.Email).Info("Account validated")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Account %s validated, you can now log in.", record.Handle)
	}
}
