package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/darthnorse/dockmon/internal/derr"
	"github.com/darthnorse/dockmon/internal/notify"
	"github.com/darthnorse/dockmon/internal/store"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	gs, err := s.deps.Store.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gs)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var gs store.GlobalSettings
	if err := decodeJSON(r, &gs); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.UpdateSettings(r.Context(), &gs); err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Bus != nil {
		s.deps.Bus.SetSuppressionPatterns(gs.SuppressionPatterns())
	}
	writeJSON(w, http.StatusOK, &gs)
}

func (s *Server) handleGetOIDCConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Store.GetOIDCConfig(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type oidcConfigRequest struct {
	Issuer       string `json:"issuer"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	Enabled      bool   `json:"enabled"`
}

// handleSetOIDCConfig stores the identity-provider settings. The client
// secret is vault-encrypted at rest; an empty secret keeps the stored one.
func (s *Server) handleSetOIDCConfig(w http.ResponseWriter, r *http.Request) {
	var req oidcConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Enabled && (req.Issuer == "" || req.ClientID == "") {
		writeError(w, derr.Validationf("issuer and client_id are required when sso is enabled"))
		return
	}

	current, err := s.deps.Store.GetOIDCConfig(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	cfg := &store.OIDCConfig{
		Issuer:       req.Issuer,
		ClientID:     req.ClientID,
		ClientSecret: current.ClientSecret,
		Enabled:      req.Enabled,
	}
	if req.ClientSecret != "" {
		if s.deps.Vault == nil {
			writeError(w, derr.Validationf("secret storage is not configured"))
			return
		}
		enc, err := s.deps.Vault.Encrypt(req.ClientSecret)
		if err != nil {
			writeError(w, err)
			return
		}
		cfg.ClientSecret = enc
	}
	if err := s.deps.Store.SetOIDCConfig(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type oidcMappingRequest struct {
	ClaimGroup string `json:"claim_group"`
	GroupID    string `json:"group_id"`
}

func (s *Server) handleSetOIDCMapping(w http.ResponseWriter, r *http.Request) {
	var req oidcMappingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ClaimGroup == "" || req.GroupID == "" {
		writeError(w, derr.Validationf("claim_group and group_id are required"))
		return
	}
	if err := s.deps.Store.SetOIDCGroupMapping(r.Context(), req.ClaimGroup, req.GroupID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteOIDCMapping(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteOIDCGroupMapping(r.Context(), r.PathValue("claim")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// channelConfig is the stored Config document of a notification channel.
type channelConfig struct {
	MinSeverity string          `json:"min_severity,omitempty"`
	Settings    json.RawMessage `json:"settings"`
}

// ChannelFromRow converts a stored channel row into the provider-facing
// shape the notify package builds from.
func ChannelFromRow(row *store.NotificationChannel) (notify.Channel, error) {
	var cfg channelConfig
	if err := json.Unmarshal(row.Config, &cfg); err != nil {
		return notify.Channel{}, derr.Validationf("channel %d has unreadable config: %v", row.ID, err)
	}
	return notify.Channel{
		ID:          row.ID,
		Type:        notify.ProviderType(row.Type),
		Name:        row.Name,
		Enabled:     row.Enabled,
		Settings:    cfg.Settings,
		MinSeverity: cfg.MinSeverity,
	}, nil
}

type channelRequest struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Enabled     bool            `json:"enabled"`
	MinSeverity string          `json:"min_severity,omitempty"`
	Settings    json.RawMessage `json:"settings"`
}

func (cr *channelRequest) toRow(id int64) (*store.NotificationChannel, error) {
	cfg, err := json.Marshal(channelConfig{MinSeverity: cr.MinSeverity, Settings: cr.Settings})
	if err != nil {
		return nil, err
	}
	return &store.NotificationChannel{
		ID:      id,
		Type:    cr.Type,
		Name:    cr.Name,
		Config:  cfg,
		Enabled: cr.Enabled,
	}, nil
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Store.ListChannels(r.Context(), false)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]notify.Channel, 0, len(rows))
	for _, row := range rows {
		ch, err := ChannelFromRow(row)
		if err != nil {
			s.log.Warn("skipping unreadable channel", "channel_id", row.ID, "error", err)
			continue
		}
		out = append(out, notify.MaskSecrets(ch))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCreateChannel validates the settings by building a notifier from
// them before anything is stored.
func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, derr.Validationf("channel name is required"))
		return
	}
	row, err := req.toRow(0)
	if err != nil {
		writeError(w, err)
		return
	}
	ch, err := ChannelFromRow(row)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := notify.BuildNotifier(ch); err != nil {
		writeError(w, derr.Validationf("invalid channel settings: %v", err))
		return
	}
	if err := s.deps.Store.CreateChannel(r.Context(), row); err != nil {
		writeError(w, err)
		return
	}
	s.reloadNotifiers(r)

	ch.ID = row.ID
	writeJSON(w, http.StatusCreated, notify.MaskSecrets(ch))
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, derr.Validationf("channel id must be numeric"))
		return
	}
	var req channelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	row, err := req.toRow(id)
	if err != nil {
		writeError(w, err)
		return
	}
	ch, err := ChannelFromRow(row)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := notify.BuildNotifier(ch); err != nil {
		writeError(w, derr.Validationf("invalid channel settings: %v", err))
		return
	}
	if err := s.deps.Store.UpdateChannel(r.Context(), row); err != nil {
		writeError(w, err)
		return
	}
	s.reloadNotifiers(r)
	writeJSON(w, http.StatusOK, notify.MaskSecrets(ch))
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, derr.Validationf("channel id must be numeric"))
		return
	}
	if err := s.deps.Store.DeleteChannel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.reloadNotifiers(r)
	w.WriteHeader(http.StatusNoContent)
}

// handleTestChannel sends one test message through the stored channel.
func (s *Server) handleTestChannel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, derr.Validationf("channel id must be numeric"))
		return
	}
	row, err := s.deps.Store.GetChannel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	ch, err := ChannelFromRow(row)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := notify.BuildNotifier(ch)
	if err != nil {
		writeError(w, derr.Validationf("invalid channel settings: %v", err))
		return
	}
	msg := notify.Message{
		Severity:  notify.SeverityInfo,
		Title:     "DockMon test notification",
		Body:      "If you can read this, the channel works.",
		Timestamp: s.deps.Clock.Now(),
	}
	if err := n.Send(r.Context(), msg); err != nil {
		writeError(w, derr.Enginef("test send failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) reloadNotifiers(r *http.Request) {
	if s.deps.ReloadNotifiers == nil {
		return
	}
	if err := s.deps.ReloadNotifiers(r.Context()); err != nil {
		s.log.Warn("notifier reload failed", "error", err)
	}
}
