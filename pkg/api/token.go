package api

import (
	"log/slog"
	"net/http"

	"github.com/pkg/errors"

	"github.com/arzzra/web_dialer/pkg/config"
	"github.com/arzzra/web_dialer/pkg/token"
)

type tokenResponse struct {
	Token string `json:"token"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Details string   `json:"details,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

// handleToken выдает access токен, если заданы ключ и секрет API,
// иначе capability токен
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.issue(w, RouteToken, func(identity string) (string, string, error) {
		return s.issuer.Preferred(identity)
	})
}

// handleSimpleToken всегда выдает capability токен
func (s *Server) handleSimpleToken(w http.ResponseWriter, r *http.Request) {
	s.issue(w, RouteSimpleToken, func(identity string) (string, string, error) {
		tok, err := s.issuer.CapabilityToken(identity)
		return tok, token.KindCapability, err
	})
}

func (s *Server) issue(w http.ResponseWriter, route string, mint func(identity string) (string, string, error)) {
	tw := s.cfg.Twilio
	s.logger.Info("token request",
		slog.String("route", route),
		slog.Bool("hasAccountSid", tw.AccountSID != ""),
		slog.Bool("hasAuthToken", tw.AuthToken != ""),
		slog.Bool("hasTwimlAppSid", tw.TwiMLAppSID != ""),
		slog.Bool("hasApiCredentials", tw.HasAPICredentials()))

	if s.issuerErr != nil {
		resp := errorResponse{Error: "Missing required environment variables"}
		for _, v := range tw.Presence() {
			if v.Required && !v.Set && v.Name != config.EnvPhoneNumber {
				resp.Missing = append(resp.Missing, v.Name)
			}
		}
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	identity := s.issuer.Identity()
	tok, kind, err := mint(identity)
	if err != nil {
		s.logger.Error("token generation failed",
			slog.String("route", route),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   "Failed to generate token",
			Details: errors.Cause(err).Error(),
		})
		return
	}

	s.metrics.TokenIssued(kind)
	s.logger.Debug("token issued", slog.String("kind", kind), slog.String("identity", identity))
	writeJSON(w, http.StatusOK, tokenResponse{Token: tok})
}
