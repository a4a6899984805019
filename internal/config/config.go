package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// TLSConfig enables TLS on the relay listener, optionally requiring client
// certificates.
type TLSConfig struct {
	Cert              string `yaml:"cert"`
	Key               string `yaml:"key"`
	ClientCA          string `yaml:"client_ca"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

// Config is the relay's YAML configuration.
type Config struct {
	ListenAddr     string        `yaml:"listen_addr"`
	AuthToken      string        `yaml:"auth_token"`
	ActivityWindow time.Duration `yaml:"activity_window"`
	AwaitTimeout   time.Duration `yaml:"await_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	BacklogLimit   int           `yaml:"backlog_limit"`
	StorePath      string        `yaml:"store_path"`
	TLS            TLSConfig     `yaml:"tls"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		ListenAddr:     ":8199",
		ActivityWindow: 45 * time.Second,
		AwaitTimeout:   30 * time.Second,
		SweepInterval:  10 * time.Second,
		BacklogLimit:   256,
	}
}

// Load reads YAML configuration from path. If path is empty, it resolves
// $XDG_CONFIG_HOME/uerelay/config.yaml or ~/.config/uerelay/config.yaml; a
// missing default file yields Default() rather than an error. The auth token
// can also come from UERELAY_TOKEN so it stays out of the YAML.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if path == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
		path = filepath.Join(base, "uerelay", "config.yaml")
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			applyEnv(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("UERELAY_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
}
