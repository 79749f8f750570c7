package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/alejzeis/bindstone-netplay/account"
	"github.com/alejzeis/bindstone-netplay/action"
	"github.com/alejzeis/bindstone-netplay/common"
	"github.com/alejzeis/bindstone-netplay/mail"
	"github.com/alejzeis/bindstone-netplay/matchmaking"
	"github.com/alejzeis/bindstone-netplay/store"
)

const (
	msgInvalidCredentials = "Failed to supply a valid email/handle and password."
	msgCreated            = "User created. Check your email to validate the account."
	msgNotValidated       = "Player not email validated yet."
	msgSuccess            = "Successful login."
	msgCredentialMismatch = "Failed to create due to existing player with different credentials."
	msgNoPlayer           = "No player exists."
	msgAuthFailed         = "Failed to authenticate."
	msgParseFailed        = "Load Player Parse Fail: Contact Support"
	msgStoreFailed        = "Account service unavailable, try again later."
	msgBusy               = "Server busy, try again."
)

// accountResult is what an account task hands back to the loop
type accountResult struct {
	outcome string
	message string
	success bool

	identity   string
	handle     string
	playerJSON string
	serverJSON string
	// omitPlayer is set when the client already holds this save
	omitPlayer bool

	mail *mail.Message
}

func (l *Lobby) createPlayer(user *UserState, a *action.CreatePlayer) {
	if err := account.ValidateCreate(a.Email, a.Handle, a.Password); err != nil {
		l.metrics.logins.WithLabelValues("invalid").Inc()
		l.send(user.peer, &action.LoginResponse{Message: msgInvalidCredentials})
		return
	}
	l.runAccountTask(user, func(ctx context.Context) accountResult {
		return l.createAccount(ctx, a)
	})
}

func (l *Lobby) login(user *UserState, a *action.LoginRequest) {
	if err := account.ValidateLogin(a.Identity, a.Password); err != nil {
		l.metrics.logins.WithLabelValues("invalid").Inc()
		l.send(user.peer, &action.LoginResponse{Message: msgInvalidCredentials})
		return
	}
	l.runAccountTask(user, func(ctx context.Context) accountResult {
		return l.loginAccount(ctx, a)
	})
}

// runAccountTask runs task on the database pool and delivers its result on the loop
func (l *Lobby) runAccountTask(user *UserState, task func(ctx context.Context) accountResult) {
	peer := user.peer
	err := l.database.Submit(func() {
		if !peer.Alive() {
			return
		}
		result := task(l.ctx)
		l.post(func() { l.finishAccount(peer, result) })
	})
	if err != nil {
		l.log.WithError(err).Warn("Failed to submit account task")
		l.send(peer, &action.LoginResponse{Message: msgBusy})
	}
}

func (l *Lobby) createAccount(ctx context.Context, a *action.CreatePlayer) accountResult {
	var result accountResult
	err := l.store.Transact(ctx, func(tx store.Tx) error {
		result = accountResult{}
		record, err := tx.FindPlayer(ctx, a.Email, a.Handle)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return l.insertAccount(ctx, tx, a, &result)
		case err != nil:
			return err
		case !record.Verified:
			result.outcome = "unverified"
			result.message = msgNotValidated
			result.mail = l.validationMail(record.Email, record.Handle, record.VerifyToken)
		case record.Email == a.Email && record.Handle == a.Handle &&
			account.CheckPassword(a.Password, record.Salt, record.Iterations, record.PasswordHash):
			result = loggedIn(record, false)
		default:
			result.outcome = "rejected"
			result.message = msgCredentialMismatch
		}
		return nil
	})
	if err != nil {
		l.log.WithError(err).WithField("email", a.Email).Error("Failed to create player")
		return accountResult{outcome: "error", message: msgStoreFailed}
	}
	return result
}

func (l *Lobby) insertAccount(ctx context.Context, tx store.Tx, a *action.CreatePlayer, result *accountResult) error {
	salt, err := account.NewSalt()
	if err != nil {
		return err
	}
	playerJSON, err := account.NewPlayer(a.Handle, a.Email).JSON()
	if err != nil {
		return err
	}
	serverJSON, err := account.NewServerPlayer().JSON()
	if err != nil {
		return err
	}

	record := &store.PlayerRecord{
		Email:        a.Email,
		Handle:       a.Handle,
		PasswordHash: account.HashPassword(a.Password, salt, account.DefaultIterations),
		Salt:         salt,
		Iterations:   account.DefaultIterations,
		VerifyToken:  uuid.NewString(),
		State:        playerJSON,
		ServerState:  serverJSON,
		CreatedAt:    l.now(),
	}
	if err := tx.InsertPlayer(ctx, record); err != nil {
		return err
	}

	result.outcome = "created"
	result.message = msgCreated
	result.mail = l.validationMail(record.Email, record.Handle, record.VerifyToken)
	return nil
}

func (l *Lobby) loginAccount(ctx context.Context, a *action.LoginRequest) accountResult {
	var result accountResult
	err := l.store.Transact(ctx, func(tx store.Tx) error {
		record, err := tx.FindPlayer(ctx, a.Identity, a.Identity)
		switch {
		case errors.Is(err, store.ErrNotFound):
			result = accountResult{outcome: "rejected", message: msgNoPlayer}
		case err != nil:
			return err
		case !record.Verified:
			result = accountResult{outcome: "unverified", message: msgNotValidated}
		case !account.CheckPassword(a.Password, record.Salt, record.Iterations, record.PasswordHash):
			result = accountResult{outcome: "rejected", message: msgAuthFailed}
		default:
			result = loggedIn(record, a.SaveHash != "" && account.SaveHash(record.State) == a.SaveHash)
		}
		return nil
	})
	if err != nil {
		l.log.WithError(err).WithField("identity", a.Identity).Error("Failed to load player")
		return accountResult{outcome: "error", message: msgStoreFailed}
	}
	return result
}

func loggedIn(record *store.PlayerRecord, omitPlayer bool) accountResult {
	return accountResult{
		outcome:    "success",
		message:    msgSuccess,
		success:    true,
		identity:   record.Email,
		handle:     record.Handle,
		playerJSON: record.State,
		serverJSON: record.ServerState,
		omitPlayer: omitPlayer,
	}
}

// finishAccount delivers an account task result to the connection that asked, if it is still here
func (l *Lobby) finishAccount(peer common.Peer, result accountResult) {
	user, ok := l.users.Get(peer.Handle())
	if !ok || user.peer != peer {
		return
	}

	if result.mail != nil {
		l.sendMail(peer, *result.mail)
	}

	if !result.success {
		l.metrics.logins.WithLabelValues(result.outcome).Inc()
		l.send(peer, &action.LoginResponse{Message: result.message})
		return
	}

	if !user.authenticate(result.identity, result.handle, result.playerJSON, result.serverJSON) {
		l.metrics.logins.WithLabelValues("parse_failure").Inc()
		l.send(peer, &action.LoginResponse{Message: msgParseFailed})
		return
	}

	response := &action.LoginResponse{Message: result.message, Success: true}
	if !result.omitPlayer {
		response.Player = result.playerJSON
	}
	l.metrics.logins.WithLabelValues(result.outcome).Inc()
	l.send(peer, response)

	l.log.WithFields(log.Fields{
		"identity": result.identity,
		"handle":   result.handle,
	}).Info("Player logged in")
}

func (l *Lobby) validationMail(email, handle, token string) *mail.Message {
	return &mail.Message{
		To:      email,
		Subject: "Validate your Bindstone account",
		Body: fmt.Sprintf("Hello %s,\r\n\r\nFollow this link to validate your account:\r\n%s/verify/%s\r\n",
			handle, l.config.PublicURL, token),
	}
}

// sendMail hands a message to the email pool. A failed delivery is reported to the player.
func (l *Lobby) sendMail(peer common.Peer, message mail.Message) {
	err := l.email.Submit(func() {
		if err := l.mailer.Send(l.ctx, message); err != nil {
			l.log.WithError(err).WithField("to", message.To).Error("Failed to send email")
			l.post(func() {
				l.send(peer, &action.MessageResponse{Message: "Failed to send the validation email, try again later."})
			})
		}
	})
	if err != nil {
		l.log.WithError(err).WithField("to", message.To).Warn("Failed to submit email task")
	}
}

// recordMatchResult applies a finished game to both players' ratings in one transaction
func (l *Lobby) recordMatchResult(peer common.Peer, a *action.MatchResult) {
	if _, ok := l.queues[a.Queue]; !ok || a.Winner == "" || a.Loser == "" || a.Winner == a.Loser {
		l.protocolError("game", peer, fmt.Errorf("invalid match result %+v", *a))
		return
	}

	err := l.database.Submit(func() {
		winner, loser, err := l.updateRatings(l.ctx, a)
		if err != nil {
			l.log.WithError(err).WithFields(log.Fields{
				"winner": a.Winner,
				"loser":  a.Loser,
			}).Error("Failed to record match result")
			return
		}
		l.post(func() {
			l.refreshRatings(a.Queue, map[string]matchmaking.Rating{a.Winner: winner, a.Loser: loser})
		})
	})
	if err != nil {
		l.log.WithError(err).Warn("Failed to submit match result")
	}
}

func (l *Lobby) updateRatings(ctx context.Context, a *action.MatchResult) (matchmaking.Rating, matchmaking.Rating, error) {
	var winner, loser matchmaking.Rating
	err := l.store.Transact(ctx, func(tx store.Tx) error {
		winnerState, err := loadServerState(ctx, tx, a.Winner)
		if err != nil {
			return err
		}
		loserState, err := loadServerState(ctx, tx, a.Loser)
		if err != nil {
			return err
		}

		matchmaking.UpdatePair(winnerState.Queue(a.Queue), loserState.Queue(a.Queue), true, l.now())

		for identity, state := range map[string]*account.ServerPlayer{a.Winner: winnerState, a.Loser: loserState} {
			data, err := state.JSON()
			if err != nil {
				return err
			}
			if err := tx.SaveServerState(ctx, identity, data); err != nil {
				return err
			}
		}
		winner = *winnerState.Queue(a.Queue)
		loser = *loserState.Queue(a.Queue)
		return nil
	})
	return winner, loser, err
}

func loadServerState(ctx context.Context, tx store.Tx, identity string) (*account.ServerPlayer, error) {
	record, err := tx.FindPlayer(ctx, identity, identity)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", identity, err)
	}
	return account.ParseServerPlayer(record.ServerState)
}

// refreshRatings copies freshly persisted ratings into the sessions of logged in players
func (l *Lobby) refreshRatings(queue string, ratings map[string]matchmaking.Rating) {
	l.users.Each(func(_ common.Handle, user *UserState) bool {
		if rating, ok := ratings[user.identity]; ok && user.Authenticated() {
			*user.server.Queue(queue) = rating
		}
		return true
	})
}
