package httpserver

import (
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/turnrest"
)

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	// ExpiresAt is the unix expiry of minted TURN credentials.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

// handleICE serves the ICE servers mesh peers should use. With TURN REST
// enabled every TURN entry gets short-lived credentials bound to ?peer= (or a
// random id).
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if s.authz != nil {
		if err := s.authz.AuthorizeRequest(r); err != nil {
			s.log.Debug("ice request rejected", "err", err)
			WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
	}
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	w.Header().Set("Cache-Control", "no-store")

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.turn == nil {
		WriteJSON(w, http.StatusOK, iceResponse{ICEServers: servers})
		return
	}

	var (
		creds turnrest.Credentials
		err   error
	)
	if peer := strings.TrimSpace(r.URL.Query().Get("peer")); peer != "" {
		creds, err = s.turn.Generate(peer)
	} else {
		creds, err = s.turn.GenerateRandom()
	}
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	WriteJSON(w, http.StatusOK, iceResponse{
		ICEServers: withTURNCredentials(servers, creds.Username, creds.Credential),
		ExpiresAt:  creds.ExpiryUnix,
	})
}

func withTURNCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if config.IsTURNServer(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}
