package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/u2re-space/airbridge/bridge"
)

// Config is the bridged server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Crypto   CryptoConfig   `yaml:"crypto"`
	History  HistoryConfig  `yaml:"history"`
	Upstream UpstreamConfig `yaml:"upstream"`
	TCP      TCPConfig      `yaml:"tcp"`
	LogLevel string         `yaml:"log_level"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	WSPath     string `yaml:"ws_path"`
}

type AuthConfig struct {
	Tokens                []string `yaml:"tokens"`
	RequireSignedMessages bool     `yaml:"require_signed_messages"`
	AllowedOrigins        []string `yaml:"allowed_origins"`
}

type CryptoConfig struct {
	MasterKey string `yaml:"master_key"`
	// PublicKeys maps device ids to PEM-encoded public keys used for
	// envelope signature verification.
	PublicKeys map[string]string `yaml:"public_keys"`
}

type HistoryConfig struct {
	Max         int    `yaml:"max"`
	ArchivePath string `yaml:"archive_path"`
}

type UpstreamConfig struct {
	Enabled bool `yaml:"enabled"`

	bridge.NATSUpstreamConfig `yaml:",inline"`
}

type TCPConfig struct {
	AllowHosts []string `yaml:"allow_hosts"`
	AllowAll   bool     `yaml:"allow_all"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8787",
			WSPath:     "/bridge/ws",
		},
		History: HistoryConfig{
			Max: bridge.DefaultHistoryMax,
		},
		Upstream: UpstreamConfig{
			NATSUpstreamConfig: bridge.NATSUpstreamConfig{
				URL:           "nats://localhost:4222",
				SubjectPrefix: "airbridge",
			},
		},
		LogLevel: "info",
	}
}

// LoadConfig reads the configuration file, overlaying defaults. A
// missing file is not an error; defaults plus environment overrides
// apply.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides layers the operational environment knobs over the
// file configuration.
func applyEnvOverrides(cfg *Config) {
	if v := firstEnv("AIRPAD_AUTH_TOKENS", "AIRPAD_TOKENS"); v != "" {
		cfg.Auth.Tokens = bridge.ParseTokenList(v)
	}
	if v := os.Getenv("AIRPAD_REQUIRE_SIGNED_MESSAGE"); v != "" {
		cfg.Auth.RequireSignedMessages = envBool(v)
	}
	if v := os.Getenv("AIRPAD_ALLOWED_ORIGINS"); v != "" {
		cfg.Auth.AllowedOrigins = bridge.ParseTokenList(v)
	}
	if v := os.Getenv("AIRPAD_MASTER_KEY"); v != "" {
		cfg.Crypto.MasterKey = v
	}
	if v := os.Getenv("AIRPAD_TUNNEL_DEBUG"); envBool(v) {
		cfg.LogLevel = "debug"
	}
	if v := os.Getenv("WS_TCP_ALLOW_HOSTS"); v != "" {
		cfg.TCP.AllowHosts = bridge.ParseTokenList(v)
	}
	if v := os.Getenv("WS_TCP_ALLOW_ALL"); v != "" {
		cfg.TCP.AllowAll = envBool(v)
	}

	// AIRPAD_PUBKEY_<deviceId> entries pin device signing keys.
	// Literal "\n" sequences are unescaped so PEM blocks survive
	// single-line environment values.
	for _, entry := range os.Environ() {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(name, "AIRPAD_PUBKEY_") {
			continue
		}
		deviceID := strings.TrimPrefix(name, "AIRPAD_PUBKEY_")
		if deviceID == "" || value == "" {
			continue
		}
		if cfg.Crypto.PublicKeys == nil {
			cfg.Crypto.PublicKeys = make(map[string]string)
		}
		cfg.Crypto.PublicKeys[deviceID] = strings.ReplaceAll(value, `\n`, "\n")
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func envBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
