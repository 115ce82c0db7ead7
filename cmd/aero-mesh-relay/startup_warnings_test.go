package main

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return stringsJoin(h.groups, ".") + "." + k
}

func stringsJoin(parts []string, sep string) string {
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += sep + p
	}
	return out
}

func warningCodes(records []recordedLog) map[string]recordedLog {
	out := map[string]recordedLog{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

func TestStartupSecurityWarnings_AuthModeNone(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{Mode: config.ModeDev, AuthMode: config.AuthModeNone})

	r, ok := warningCodes(records())["auth_mode_none"]
	if !ok {
		t.Fatalf("expected warning_code=auth_mode_none, got %#v", records())
	}
	if r.attrs["auth_mode"] != config.AuthModeNone {
		t.Fatalf("auth_mode attr = %#v, want %q", r.attrs["auth_mode"], config.AuthModeNone)
	}
}

func TestStartupSecurityWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:           config.ModeDev,
		AuthMode:       config.AuthModeAPIKey,
		AllowedOrigins: []string{"*"},
		APIKey:         "secret",
	}
	logStartupSecurityWarnings(logger, cfg)

	if _, ok := warningCodes(records())["allowed_origins_wildcard"]; !ok {
		t.Fatalf("expected warning_code=allowed_origins_wildcard, got %#v", records())
	}
}

func TestStartupSecurityWarnings_ProdWithoutPerTargetLimit(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{Mode: config.ModeProd, AuthMode: config.AuthModeJWT, JWTSecret: "s"}
	logStartupSecurityWarnings(logger, cfg)

	codes := warningCodes(records())
	if _, ok := codes["per_target_signal_limit_unlimited_in_prod"]; !ok {
		t.Fatalf("expected per-target limit warning, got %#v", records())
	}
	if _, ok := codes["auth_mode_none"]; ok {
		t.Fatalf("unexpected auth_mode_none warning for jwt mode")
	}
}

func TestStartupSecurityWarnings_TURNRESTWithoutTURNServers(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:       config.ModeDev,
		AuthMode:   config.AuthModeAPIKey,
		APIKey:     "k",
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
		TURNREST:   config.TurnRESTConfig{SharedSecret: "s", TTLSeconds: 60, UsernamePrefix: "p"},
	}
	logStartupSecurityWarnings(logger, cfg)
	if _, ok := warningCodes(records())["turn_rest_without_turn_servers"]; !ok {
		t.Fatalf("expected turn_rest_without_turn_servers, got %#v", records())
	}

	logger, records = newRecordingLogger()
	cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{"turn:turn.example.com:3478"}})
	logStartupSecurityWarnings(logger, cfg)
	if _, ok := warningCodes(records())["turn_rest_without_turn_servers"]; ok {
		t.Fatalf("unexpected turn_rest_without_turn_servers with a TURN server configured")
	}
}

func TestStartupSecurityWarnings_QuietForHardenedConfig(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:                         config.ModeProd,
		AuthMode:                     config.AuthModeAPIKey,
		APIKey:                       "k",
		AllowedOrigins:               []string{"https://app.example.com"},
		MaxSignalsPerSecondPerTarget: 20,
		MaxSignalingMessageBytes:     64 << 10,
		SignalingWSIdleTimeout:       time.Minute,
	}
	logStartupSecurityWarnings(logger, cfg)
	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("unexpected warnings: %#v", codes)
	}
}
