package common

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/ini.v1"
)

// DefaultConfigLocation is read when SERVER_CONFIG is not set
const DefaultConfigLocation = "server.ini"

// LobbyConfig is the [lobby] section of the configuration file
type LobbyConfig struct {
	UserAddr      string  `ini:"user_addr"`
	GameAddr      string  `ini:"game_addr"`
	RestAddr      string  `ini:"rest_addr"`
	PublicURL     string  `ini:"public_url"`
	Secret        string  `ini:"secret"`
	AdminPassword string  `ini:"admin_password"`
	TickMillis    int     `ini:"tick_ms"`
	DBWorkers     int     `ini:"db_workers"`
	EmailWorkers  int     `ini:"email_workers"`
	MessageRate   float64 `ini:"messages_per_second"`
	MessageBurst  int     `ini:"message_burst"`
}

// Tick is the interval between matchmaking passes
func (c LobbyConfig) Tick() time.Duration {
	return time.Duration(c.TickMillis) * time.Millisecond
}

// GameServerConfig is the [gameserver] section of the configuration file
type GameServerConfig struct {
	Addr         string `ini:"addr"`
	PublicHost   string `ini:"public_host"`
	PublicPort   uint16 `ini:"public_port"`
	LobbyURL     string `ini:"lobby_url"`
	LobbyRestURL string `ini:"lobby_rest_url"`
	Secret       string `ini:"secret"`
	TickMillis   int    `ini:"tick_ms"`
}

// Tick is the interval between simulation and replication steps
func (c GameServerConfig) Tick() time.Duration {
	return time.Duration(c.TickMillis) * time.Millisecond
}

// ClientConfig is the [client] section of the configuration file
type ClientConfig struct {
	LobbyURL     string `ini:"lobby_url"`
	LobbyRestURL string `ini:"lobby_rest_url"`
}

// DatabaseConfig is the [database] section. An empty URL selects the in-memory store.
type DatabaseConfig struct {
	URL string `ini:"url"`
}

// EmailConfig is the [email] section. When disabled, outgoing mail is only logged.
type EmailConfig struct {
	Enabled  bool   `ini:"enabled"`
	Host     string `ini:"host"`
	Port     string `ini:"port"`
	Username string `ini:"username"`
	Password string `ini:"password"`
	From     string `ini:"from"`
}

// Config holds every section of server.ini
type Config struct {
	LogLevel    string `ini:"log_level"`
	Development bool   `ini:"development"`

	Lobby      LobbyConfig      `ini:"-"`
	GameServer GameServerConfig `ini:"-"`
	Client     ClientConfig     `ini:"-"`
	Database   DatabaseConfig   `ini:"-"`
	Email      EmailConfig      `ini:"-"`
}

// DefaultConfig returns the configuration used for any key missing from the file
func DefaultConfig() *Config {
	return &Config{
		LogLevel:    "debug",
		Development: true,
		Lobby: LobbyConfig{
			UserAddr:     ":22325",
			GameAddr:     ":22326",
			RestAddr:     ":22327",
			PublicURL:    "http://127.0.0.1:22327",
			TickMillis:   100,
			DBWorkers:    1,
			EmailWorkers: 1,
			MessageRate:  20,
			MessageBurst: 40,
		},
		GameServer: GameServerConfig{
			Addr:         ":22400",
			PublicHost:   "ws://127.0.0.1",
			PublicPort:   22400,
			LobbyURL:     "ws://127.0.0.1:22326/ws",
			LobbyRestURL: "http://127.0.0.1:22327",
			TickMillis:   50,
		},
		Client: ClientConfig{
			LobbyURL:     "ws://127.0.0.1:22325/ws",
			LobbyRestURL: "http://127.0.0.1:22327",
		},
		Email: EmailConfig{
			Port: "587",
			From: "noreply@bindstone.local",
		},
	}
}

// ConfigLocation returns SERVER_CONFIG when set, DefaultConfigLocation otherwise
func ConfigLocation() string {
	if location := os.Getenv("SERVER_CONFIG"); location != "" {
		return location
	}
	return DefaultConfigLocation
}

// LoadConfig reads an ini file on top of DefaultConfig
func LoadConfig(location string) (*Config, error) {
	file, err := ini.Load(location)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", location, err)
	}
	return parseConfig(file)
}

// ParseConfig reads ini formatted bytes on top of DefaultConfig
func ParseConfig(data []byte) (*Config, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return parseConfig(file)
}

func parseConfig(file *ini.File) (*Config, error) {
	config := DefaultConfig()

	if err := file.Section(ini.DefaultSection).MapTo(config); err != nil {
		return nil, fmt.Errorf("section %s: %w", ini.DefaultSection, err)
	}

	sections := map[string]interface{}{
		"lobby":      &config.Lobby,
		"gameserver": &config.GameServer,
		"client":     &config.Client,
		"database":   &config.Database,
		"email":      &config.Email,
	}
	for name, target := range sections {
		if err := file.Section(name).MapTo(target); err != nil {
			return nil, fmt.Errorf("section %s: %w", name, err)
		}
	}

	if config.Lobby.TickMillis <= 0 || config.GameServer.TickMillis <= 0 {
		return nil, fmt.Errorf("tick_ms must be positive")
	}
	return config, nil
}
