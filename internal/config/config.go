// Package config loads the INI configuration file described in spec.md §6
// using gopkg.in/gcfg.v1, the same style of struct-tag-driven INI parsing
// the example corpus's infrastructure tooling relies on.
package config

import (
	"fmt"

	"gopkg.in/gcfg.v1"

	apperrors "robotplane/internal/errors"
)

// Config is the parsed form of the INI configuration file.
type Config struct {
	SSH   SSHSection   `gcfg:"ssh"`
	MySQL MySQLSection `gcfg:"mysql"`
	Paths PathsSection `gcfg:"paths"`
	API   APISection   `gcfg:"api"`
}

// SSHSection configures the remote execution fabric (C1).
type SSHSection struct {
	Host     string `gcfg:"host"`
	Port     int    `gcfg:"port"`
	Username string `gcfg:"username"`
	UseKey   bool   `gcfg:"use_key"`
	KeyPath  string `gcfg:"key_path"`
	Password string `gcfg:"password"`
}

// MySQLSection configures the business-records pool (C2).
type MySQLSection struct {
	Host     string `gcfg:"host"`
	Port     int    `gcfg:"port"`
	User     string `gcfg:"user"`
	Password string `gcfg:"password"`
	Database string `gcfg:"database"`
	PoolSize int    `gcfg:"pool_size"`
}

// PathsSection names remote directories the SSH transport reads/writes.
// Each is optional; when absent, SSH-side file operations for that path are
// skipped rather than treated as an error (see spec.md §9 design note on
// try/except-as-control-flow around missing files).
type PathsSection struct {
	RPAConfigPath   string `gcfg:"rpa_config_path"`
	CronjobsPath    string `gcfg:"cronjobs_path"`
	DeploymentsPath string `gcfg:"deployments_path"`
}

// APISection configures the REST facade (C9) listener.
type APISection struct {
	Host string `gcfg:"host"`
	Port int    `gcfg:"port"`
}

const (
	defaultSSHPort   = 22
	defaultMySQLPort = 3306
	defaultAPIPort   = 8000
	defaultPoolSize  = 3
	maxPoolSize      = 5
)

// Load reads and parses the INI file at path, applying the defaults named
// in spec.md §6 for any field left unset.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := gcfg.ReadFileInto(&cfg, path); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.KindConfig, "reading config file %s", path)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.SSH.Port == 0 {
		cfg.SSH.Port = defaultSSHPort
	}
	if cfg.MySQL.Port == 0 {
		cfg.MySQL.Port = defaultMySQLPort
	}
	if cfg.MySQL.PoolSize == 0 {
		cfg.MySQL.PoolSize = defaultPoolSize
	}
	if cfg.MySQL.PoolSize > maxPoolSize {
		cfg.MySQL.PoolSize = maxPoolSize
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = defaultAPIPort
	}
}

func validate(cfg *Config) error {
	if cfg.SSH.Host == "" {
		return apperrors.New(apperrors.KindConfig, "ssh.host is required")
	}
	if cfg.SSH.Username == "" {
		return apperrors.New(apperrors.KindConfig, "ssh.username is required")
	}
	if !cfg.SSH.UseKey && cfg.SSH.Password == "" && cfg.SSH.KeyPath == "" {
		return apperrors.New(apperrors.KindConfig, "ssh requires either key_path or password")
	}
	if cfg.MySQL.Host == "" {
		return apperrors.New(apperrors.KindConfig, "mysql.host is required")
	}
	if cfg.MySQL.Database == "" {
		return apperrors.New(apperrors.KindConfig, "mysql.database is required")
	}
	return nil
}

// Addr formats host:port for the API listener.
func (a APISection) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}
