package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/meshproto"
)

const (
	DefaultClientHandshakeDelay    = 1500 * time.Millisecond
	DefaultClientHeartbeatInterval = 2 * time.Second
	DefaultClientLogLevel          = "info"
)

// ClientConfig is the YAML file read by aero-mesh-client.
type ClientConfig struct {
	RelayURL string `yaml:"relay_url"`
	Username string `yaml:"username"`
	Network  string `yaml:"network,omitempty"`
	Kind     string `yaml:"kind,omitempty"`

	// At most one of APIKey and Token is sent, in the auth message.
	APIKey string `yaml:"api_key,omitempty"`
	Token  string `yaml:"token,omitempty"`
	Origin string `yaml:"origin,omitempty"`

	LogLevel  string `yaml:"log_level,omitempty"`
	LogFormat string `yaml:"log_format,omitempty"`

	HandshakeDelay    time.Duration `yaml:"handshake_delay,omitempty"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
}

// LoadClient reads, defaults and validates a client config file.
func LoadClient(path string) (ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClientConfig{}, err
	}
	return ParseClient(data)
}

func ParseClient(data []byte) (ClientConfig, error) {
	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("parse client config: %w", err)
	}
	ApplyClientDefaults(&cfg)
	if err := ValidateClient(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// ApplyClientDefaults fills in default values when empty.
func ApplyClientDefaults(cfg *ClientConfig) {
	if cfg.Network == "" {
		cfg.Network = DefaultNetwork
	}
	if cfg.Kind == "" {
		cfg.Kind = string(meshproto.PeerKindAgent)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultClientLogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = string(LogFormatText)
	}
	if cfg.HandshakeDelay == 0 {
		cfg.HandshakeDelay = DefaultClientHandshakeDelay
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultClientHeartbeatInterval
	}
}

// ValidateClient performs validation for required fields.
func ValidateClient(cfg ClientConfig) error {
	if cfg.RelayURL == "" {
		return fmt.Errorf("relay_url is required")
	}
	u, err := url.Parse(cfg.RelayURL)
	if err != nil {
		return fmt.Errorf("relay_url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("relay_url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("relay_url: missing host")
	}

	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if len(username) > meshproto.MaxUsernameLength {
		return fmt.Errorf("username longer than %d bytes", meshproto.MaxUsernameLength)
	}
	if _, err := meshproto.ParsePeerKind(cfg.Kind); err != nil {
		return fmt.Errorf("kind: %w", err)
	}
	if cfg.APIKey != "" && cfg.Token != "" {
		return fmt.Errorf("api_key and token are mutually exclusive")
	}
	if _, err := parseLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	if _, err := parseLogFormat(cfg.LogFormat); err != nil {
		return err
	}
	if cfg.HandshakeDelay < 0 {
		return fmt.Errorf("handshake_delay must be >= 0")
	}
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be > 0")
	}
	return nil
}

// Logger builds the client's slog logger the same way NewLogger does for
// the relay.
func (c ClientConfig) Logger() (*slog.Logger, error) {
	level, err := parseLogLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := parseLogFormat(c.LogFormat)
	if err != nil {
		return nil, err
	}
	return NewLogger(Config{LogFormat: format, LogLevel: level})
}
