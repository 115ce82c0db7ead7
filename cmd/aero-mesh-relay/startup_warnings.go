package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSignalsPerSecondPerTarget <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALS_PER_SECOND_PER_TARGET is unset/0 (unlimited) while --mode=prod",
			"warning_code", "per_target_signal_limit_unlimited_in_prod",
			"max_signals_per_second_per_target", cfg.MaxSignalsPerSecondPerTarget,
			"mode", cfg.Mode,
		)
	}

	// Large frames and long idle windows weaken the relay's memory bounds:
	// every connection may buffer up to SendQueueLen frames.
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large",
			"warning_code", "signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
	if cfg.SignalingWSIdleTimeout > 10*time.Minute {
		logger.Warn("startup security warning: SIGNALING_WS_IDLE_TIMEOUT is very large (dead peers stay listed longer)",
			"warning_code", "signaling_idle_timeout_large",
			"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && !hasTURNServer(cfg) {
		logger.Warn("startup warning: TURN REST is enabled but no turn: or turns: ICE server is configured",
			"warning_code", "turn_rest_without_turn_servers",
			"ice_servers", len(cfg.ICEServers),
		)
	}
}

func hasTURNServer(cfg config.Config) bool {
	return slices.ContainsFunc(cfg.ICEServers, config.IsTURNServer)
}
