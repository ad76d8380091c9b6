package core

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains every option available to seatkeeper's components. It is
// loaded once on startup and never modified afterwards.
type Config struct {
	// Address on which to accept game client connections.
	ListenAddress string `mapstructure:"listen_address"`
	// Address of the real game server that connections are relayed to.
	BackendAddress string `mapstructure:"backend_address"`
	// Account reference of the permitted player's own account.
	PrimaryAccount string `mapstructure:"primary_account"`
	// Account reference used to hold the slot after the player leaves. Falls
	// back to PrimaryAccount when blank.
	SecondaryAccount string `mapstructure:"secondary_account"`
	// The only player name allowed to log in through the relay.
	Player string `mapstructure:"player"`
	// Description shown in the server list.
	MOTD string `mapstructure:"motd"`
	// How long a relayed or held connection may stay silent before it is
	// treated as disconnected. Zero disables the check.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	Status struct {
		// Version name shown in the server list.
		VersionName string `mapstructure:"version_name"`
		// Player counts shown in the server list. The sample is always empty.
		MaxPlayers    int `mapstructure:"max_players"`
		OnlinePlayers int `mapstructure:"online_players"`
	} `mapstructure:"status"`

	Logging struct {
		// Full path to file to which logs will be written. Blank will write to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		LogLevel string `mapstructure:"log_level"`
		// Include file and line number in log entries.
		IncludeCaller bool `mapstructure:"include_caller"`
	} `mapstructure:"logging"`

	Database struct {
		// Either sqlite or postgres.
		Engine string `mapstructure:"engine"`
		// Name of the SQLite file, relative to the config directory.
		Filename string `mapstructure:"filename"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Name     string `mapstructure:"name"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Auth struct {
		// Azure application id used to refresh Microsoft tokens.
		ClientID string `mapstructure:"client_id"`
		// Base URL of the session server contacted during backend encryption.
		SessionServerURL string `mapstructure:"session_server_url"`
	} `mapstructure:"auth"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		// Address of the HTTP server exposing /metrics and /healthz.
		Address string `mapstructure:"address"`
	} `mapstructure:"metrics"`

	Debugging struct {
		// Enable extra info-providing mechanisms for the server.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		// Port on which a pprof server will be started if enabled.
		PprofPort int `mapstructure:"pprof_port"`
		// Dump every decoded packet (before the relay takes over) to the log.
		PacketLoggingEnabled bool `mapstructure:"packet_logging_enabled"`
		// Enable database-level query logging.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled"`
	} `mapstructure:"debugging"`

	configDir string
}

const (
	envVarPrefix   = "SEATKEEPER"
	configName     = "config"
	configType     = "yaml"
	configFileName = configName + "." + configType
)

var defaults = map[string]interface{}{
	"listen_address":                     "0.0.0.0:25565",
	"backend_address":                    "127.0.0.1:25566",
	"primary_account":                    "player@example.com",
	"secondary_account":                  "",
	"player":                             "Player",
	"motd":                               "A seat is being kept warm",
	"idle_timeout":                       "0s",
	"status.version_name":                "1.19.2",
	"status.max_players":                 20,
	"status.online_players":              0,
	"logging.log_file_path":              "",
	"logging.log_level":                  "info",
	"logging.include_caller":             false,
	"database.engine":                    "sqlite",
	"database.filename":                  "seatkeeper.db",
	"database.host":                      "localhost",
	"database.port":                      5432,
	"database.name":                      "seatkeeper",
	"database.username":                  "seatkeeper",
	"database.password":                  "",
	"database.sslmode":                   "disable",
	"auth.client_id":                     "",
	"auth.session_server_url":            "https://sessionserver.mojang.com",
	"metrics.enabled":                    false,
	"metrics.address":                    "127.0.0.1:9110",
	"debugging.pprof_enabled":            false,
	"debugging.pprof_port":               6060,
	"debugging.packet_logging_enabled":   false,
	"debugging.database_logging_enabled": false,
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

// LoadConfig reads config.yaml from configPath, applies defaults for anything
// missing and lets SEATKEEPER_* environment variables override any key.
func LoadConfig(configPath string) (*Config, error) {
	v := newViper()
	v.AddConfigPath(configPath)
	v.SetConfigName(configName)
	v.SetConfigType(configType)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("no config file in path %s (run `seatkeeper config init`)", configPath)
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using: SEATKEEPER_DATABASE_HOST
	for _, k := range v.AllKeys() {
		envVar := envVarPrefix + "_" + strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := v.BindEnv(k, envVar); err != nil {
			return nil, fmt.Errorf("error binding %s to %s: %w", k, envVar, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}
	config.configDir = filepath.Dir(v.ConfigFileUsed())

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// WriteDefaultConfig writes a config file populated with default values into
// configPath. An existing file is only replaced when overwrite is set.
func WriteDefaultConfig(configPath string, overwrite bool) (string, error) {
	v := newViper()
	path := filepath.Join(configPath, configFileName)

	var err error
	if overwrite {
		err = v.WriteConfigAs(path)
	} else {
		err = v.SafeWriteConfigAs(path)
	}
	if err != nil {
		return "", fmt.Errorf("error writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the options that every connection depends on.
func (c *Config) Validate() error {
	for name, addr := range map[string]string{
		"listen_address":  c.ListenAddress,
		"backend_address": c.BackendAddress,
	} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, addr, err)
		}
	}
	if c.Player == "" {
		return errors.New("player must be set")
	}
	if c.HandoffAccount() == "" {
		return errors.New("one of primary_account or secondary_account must be set")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must not be negative, got %s", c.IdleTimeout)
	}
	return nil
}

// HandoffAccount returns the account reference used to keep the slot.
func (c *Config) HandoffAccount() string {
	if c.SecondaryAccount != "" {
		return c.SecondaryAccount
	}
	return c.PrimaryAccount
}

// Accounts returns the distinct configured account references.
func (c *Config) Accounts() []string {
	var refs []string
	for _, ref := range []string{c.PrimaryAccount, c.SecondaryAccount} {
		if ref != "" && (len(refs) == 0 || refs[0] != ref) {
			refs = append(refs, ref)
		}
	}
	return refs
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a database URL generated from the provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}

// QualifiedPath resolves name relative to the directory the config was loaded from.
func (c *Config) QualifiedPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.configDir, name)
}
