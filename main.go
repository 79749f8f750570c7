package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/alejzeis/bindstone-netplay/client"
	"github.com/alejzeis/bindstone-netplay/common"
	"github.com/alejzeis/bindstone-netplay/gameserver"
	"github.com/alejzeis/bindstone-netplay/mail"
	"github.com/alejzeis/bindstone-netplay/server"
	"github.com/alejzeis/bindstone-netplay/store"
	"github.com/alejzeis/bindstone-netplay/taskpool"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	log.SetLevel(log.DebugLevel)

	mode := "client"
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "-lobby":
			mode = "lobby"
		case "-gameserver":
			mode = "gameserver"
		}
	}

	log.WithFields(log.Fields{
		"software": common.SoftwareName,
		"version":  common.SoftwareVersion,
		"mode":     mode,
	}).Info("Starting...")

	config := loadConfig(mode)
	if level, err := log.ParseLevel(config.LogLevel); err != nil {
		log.WithField("level", config.LogLevel).Warn("Unknown log level, staying at debug")
	} else {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "lobby":
		runLobby(ctx, config)
	case "gameserver":
		runGameServer(ctx, config)
	default:
		client.RunClient(ctx, config.Client, os.Stdin, os.Stdout)
	}
}

// loadConfig reads SERVER_CONFIG or server.ini. The client falls back to the defaults when no file exists.
func loadConfig(mode string) *common.Config {
	location := common.ConfigLocation()
	config, err := common.LoadConfig(location)
	if err == nil {
		return config
	}
	if mode == "client" {
		if _, statErr := os.Stat(location); os.IsNotExist(statErr) {
			return common.DefaultConfig()
		}
	}
	log.WithField("config", location).WithError(err).Fatal("Failed to load configuration file.")
	return nil
}

func runLobby(ctx context.Context, config *common.Config) {
	logger := log.WithField("component", "lobby")

	var players store.Store
	if config.Database.URL != "" {
		postgres, err := store.OpenPostgres(ctx, config.Database.URL)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to the database")
		}
		if err := postgres.EnsureSchema(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to create the database schema")
		}
		players = postgres
	} else {
		logger.Warn("No database configured, accounts are kept in memory")
		players = store.NewMemoryStore()
	}
	defer players.Close()

	var mailer mail.Sender = mail.LogSender{Log: logger.WithField("sender", "log")}
	if config.Email.Enabled {
		email := config.Email
		mailer = mail.NewSMTPSender(email.Host, email.Port, email.Username, email.Password, email.From)
	}

	database := taskpool.New("database", config.Lobby.DBWorkers, 64, logger)
	defer database.Close()
	outbox := taskpool.New("email", config.Lobby.EmailWorkers, 64, logger)
	defer outbox.Close()

	lobby, err := server.NewLobby(server.Options{
		Config:      config.Lobby,
		Development: config.Development,
		Store:       players,
		Mailer:      mailer,
		Database:    database,
		Email:       outbox,
		Log:         logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create lobby")
	}
	if err := lobby.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start lobby")
	}

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdown, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := lobby.Stop(shutdown); err != nil {
		logger.WithError(err).Error("Unclean shutdown")
	}
}

func runGameServer(ctx context.Context, config *common.Config) {
	logger := log.WithField("component", "gameserver")

	game, err := gameserver.NewGameServer(gameserver.Options{
		Config:      config.GameServer,
		Development: config.Development,
		Log:         logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create game server")
	}
	if err := game.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start game server")
	}

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdown, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := game.Stop(shutdown); err != nil {
		logger.WithError(err).Error("Unclean shutdown")
	}
}
