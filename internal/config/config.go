// Package config resolves daemon configuration from flags, environment
// and defaults. Precedence is flags > CAW_* environment > defaults,
// implemented through viper bindings. Environment is consulted once at
// daemon init.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Transport selects the RPC transport the daemon serves.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// DBMode selects where the database lives.
type DBMode string

const (
	// DBModeGlobal uses one database under the user's home directory.
	DBModeGlobal DBMode = "global"
	// DBModeRepository keeps the database inside the repository being
	// worked on, so state travels with the repo.
	DBModeRepository DBMode = "repository"
)

// Defaults.
const (
	DefaultPort   = 3100
	DefaultDBName = "caw.db"
	stateDirName  = ".caw"
)

// Config is the resolved daemon configuration.
type Config struct {
	Transport Transport
	Port      int
	DBMode    DBMode
	RepoPath  string
	DBPath    string
}

// Load resolves configuration. v carries flag bindings when the caller
// set them up; passing nil reads the environment only.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix("CAW")
	v.AutomaticEnv()
	v.SetDefault("transport", string(TransportStdio))
	v.SetDefault("port", DefaultPort)
	v.SetDefault("db_mode", string(DBModeRepository))

	transport, err := ParseTransport(v.GetString("transport"))
	if err != nil {
		return nil, err
	}
	port, err := ParsePort(v.GetString("port"))
	if err != nil {
		return nil, err
	}
	dbMode, err := ParseDBMode(v.GetString("db_mode"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Transport: transport,
		Port:      port,
		DBMode:    dbMode,
		RepoPath:  v.GetString("repo_path"),
		DBPath:    v.GetString("db_path"),
	}
	if cfg.DBPath == "" {
		cfg.DBPath, err = resolveDBPath(cfg.DBMode, cfg.RepoPath)
		if err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ParsePort parses and range-checks a port value.
func ParsePort(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("Invalid port: '%s'. Must be an integer between 1 and 65535.", v)
	}
	return n, nil
}

// ParseTransport parses a transport name.
func ParseTransport(v string) (Transport, error) {
	switch Transport(strings.ToLower(strings.TrimSpace(v))) {
	case TransportStdio:
		return TransportStdio, nil
	case TransportHTTP:
		return TransportHTTP, nil
	}
	return "", fmt.Errorf("Invalid transport: '%s'. Must be one of stdio, http.", v)
}

// ParseDBMode parses a database mode name.
func ParseDBMode(v string) (DBMode, error) {
	switch DBMode(strings.ToLower(strings.TrimSpace(v))) {
	case DBModeGlobal:
		return DBModeGlobal, nil
	case DBModeRepository:
		return DBModeRepository, nil
	}
	return "", fmt.Errorf("Invalid db mode: '%s'. Must be one of global, repository.", v)
}

func resolveDBPath(mode DBMode, repoPath string) (string, error) {
	switch mode {
	case DBModeGlobal:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, stateDirName, DefaultDBName), nil
	default:
		root := repoPath
		if root == "" {
			var err error
			root, err = os.Getwd()
			if err != nil {
				return "", fmt.Errorf("resolving working directory: %w", err)
			}
		}
		return filepath.Join(root, stateDirName, DefaultDBName), nil
	}
}

// LockFilePath returns the daemon lock file path, a sibling of the
// database file.
func (c *Config) LockFilePath() string {
	return filepath.Join(filepath.Dir(c.DBPath), "server.lock")
}
