package api

import (
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/twilio/twilio-go/twiml"

	"github.com/arzzra/web_dialer/pkg/config"
)

// Тексты голосовых ответов
const (
	GreetingMessage = "Thanks for calling!"
	ApologyMessage  = "Sorry, an error occurred with the voice service."
)

// StatusCallbackEvents события вызова, о которых просим сообщать
const StatusCallbackEvents = "initiated ringing answered completed"

var whitespace = regexp.MustCompile(`\s+`)

// handleVoice отвечает TwiML. Ответ всегда 200 text/xml, при ошибке
// возвращается голосовое извинение.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	body, err := s.voiceResponse(r)
	if err != nil {
		s.logger.Error("twiml generation failed", slog.String("error", err.Error()))
		body, err = twiml.Voice([]twiml.Element{&twiml.VoiceSay{Message: ApologyMessage}})
		if err != nil {
			body = `<?xml version="1.0" encoding="UTF-8"?><Response><Say>` + ApologyMessage + `</Say></Response>`
		}
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (s *Server) voiceResponse(r *http.Request) (string, error) {
	if err := r.ParseForm(); err != nil {
		return "", errors.Wrap(err, "parse form")
	}
	// r.Form содержит и тело, и параметры запроса
	to := strings.TrimSpace(r.Form.Get("To"))
	if to == "" {
		return twiml.Voice([]twiml.Element{&twiml.VoiceSay{Message: GreetingMessage}})
	}

	callerID := s.cfg.Twilio.PhoneNumber
	if callerID == "" {
		return "", errors.New(config.EnvPhoneNumber + " is not set")
	}

	number := &twiml.VoiceNumber{PhoneNumber: whitespace.ReplaceAllString(to, "")}
	if base := s.callbackBase(r); base != "" {
		number.StatusCallback = base + RouteStatusCallback
		number.StatusCallbackEvent = StatusCallbackEvents
		number.StatusCallbackMethod = http.MethodPost
	}

	s.logger.Info("dialing", slog.String("to", number.PhoneNumber))
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceDial{
			CallerId:      callerID,
			InnerElements: []twiml.Element{number},
		},
	})
}

// callbackBase адрес для статусных callback: Origin запроса или
// настроенный внешний адрес
func (s *Server) callbackBase(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" && origin != "null" {
		return strings.TrimRight(origin, "/")
	}
	return s.cfg.PublicBaseURL
}
