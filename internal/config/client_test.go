package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadClient_AppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	data := []byte("relay_url: ws://127.0.0.1:8080\nusername: alice\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadClient(path)
	if err != nil {
		t.Fatalf("LoadClient: %v", err)
	}
	if cfg.Network != DefaultNetwork {
		t.Fatalf("Network=%q, want %q", cfg.Network, DefaultNetwork)
	}
	if cfg.Kind != "agent" {
		t.Fatalf("Kind=%q, want agent", cfg.Kind)
	}
	if cfg.HandshakeDelay != DefaultClientHandshakeDelay {
		t.Fatalf("HandshakeDelay=%v, want %v", cfg.HandshakeDelay, DefaultClientHandshakeDelay)
	}
	if cfg.HeartbeatInterval != DefaultClientHeartbeatInterval {
		t.Fatalf("HeartbeatInterval=%v, want %v", cfg.HeartbeatInterval, DefaultClientHeartbeatInterval)
	}
	if _, err := cfg.Logger(); err != nil {
		t.Fatalf("Logger: %v", err)
	}
}

func TestParseClient_ExplicitValues(t *testing.T) {
	cfg, err := ParseClient([]byte(`
relay_url: wss://relay.example.com
username: bob
network: office
kind: browser
token: abc
log_level: debug
log_format: json
handshake_delay: 250ms
heartbeat_interval: 5s
`))
	if err != nil {
		t.Fatalf("ParseClient: %v", err)
	}
	if cfg.Network != "office" || cfg.Kind != "browser" || cfg.Token != "abc" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.HandshakeDelay != 250*time.Millisecond || cfg.HeartbeatInterval != 5*time.Second {
		t.Fatalf("HandshakeDelay=%v HeartbeatInterval=%v", cfg.HandshakeDelay, cfg.HeartbeatInterval)
	}
}

func TestParseClient_Rejects(t *testing.T) {
	cases := map[string]string{
		"missing relay":   "username: a\n",
		"bad scheme":      "relay_url: ftp://x\nusername: a\n",
		"missing host":    "relay_url: ws://\nusername: a\n",
		"missing name":    "relay_url: ws://x\n",
		"bad kind":        "relay_url: ws://x\nusername: a\nkind: robot\n",
		"both creds":      "relay_url: ws://x\nusername: a\napi_key: k\ntoken: t\n",
		"bad level":       "relay_url: ws://x\nusername: a\nlog_level: loud\n",
		"bad duration":    "relay_url: ws://x\nusername: a\nheartbeat_interval: soon\n",
		"negative handsh": "relay_url: ws://x\nusername: a\nhandshake_delay: -1s\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseClient([]byte(doc)); err == nil {
				t.Fatalf("expected error for %q", doc)
			}
		})
	}
}
