package api

import (
	"log/slog"
	"net/http"
	"net/url"
)

// StatusCallback поля статусного callback провайдера
type StatusCallback struct {
	CallSid      string `schema:"CallSid"`
	CallStatus   string `schema:"CallStatus"`
	CallDuration string `schema:"CallDuration"`
	From         string `schema:"From"`
	To           string `schema:"To"`
	Direction    string `schema:"Direction"`
	Timestamp    string `schema:"Timestamp"`
}

func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.callbackFailed(w, err)
		return
	}
	var cb StatusCallback
	if err := s.decoder.Decode(&cb, r.PostForm); err != nil {
		s.callbackFailed(w, err)
		return
	}

	s.logger.Info("call status update",
		slog.String("sid", cb.CallSid),
		slog.String("status", cb.CallStatus),
		slog.String("duration", cb.CallDuration),
		slog.String("from", cb.From),
		slog.String("to", cb.To),
		slog.String("direction", cb.Direction),
		slog.String("timestamp", cb.Timestamp))
	s.logger.Debug("call status payload", slog.Any("fields", flatten(r.PostForm)))
	s.metrics.StatusCallback(cb.CallStatus)

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) callbackFailed(w http.ResponseWriter, err error) {
	s.logger.Error("status callback failed", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to process status callback"})
}

func flatten(v url.Values) map[string]string {
	out := make(map[string]string, len(v))
	for k, vals := range v {
		if len(vals) > 0 {
			out[k] = vals[0]
		}
	}
	return out
}
