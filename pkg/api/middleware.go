package api

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// HeaderRequestID заголовок с идентификатором запроса
const HeaderRequestID = "X-Request-Id"

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument присваивает запросу идентификатор, пишет лог и метрики
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.WebhookRequest(route, rec.code)
		s.logger.Debug("request",
			slog.String("id", id),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", rec.code),
			slog.Duration("elapsed", s.clock.Now().Sub(start)))
	})
}

// signed проверяет X-Twilio-Signature, если проверка включена
func (s *Server) signed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.validator == nil {
			next.ServeHTTP(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid form body"})
			return
		}
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		url := s.cfg.PublicBaseURL + r.URL.RequestURI()
		if !s.validator.Validate(url, params, r.Header.Get("X-Twilio-Signature")) {
			s.logger.Warn("webhook signature mismatch", slog.String("url", url))
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid signature"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
