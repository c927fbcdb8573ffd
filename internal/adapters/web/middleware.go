package web

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	sessionCookieName = "userbot_session"
	sessionMaxAge     = 3600
)

// authMiddleware пускает запросы с живой сессией. Запрос с ?token= обменивает токен
// на сессию и перенаправляет на тот же путь без токена.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := r.URL.Query().Get("token"); token != "" {
			sessionID, ok := s.auth.Exchange(token)
			if !ok {
				s.log.Warn("Invalid web auth token", zap.String("remote", r.RemoteAddr))
				s.renderUnauthorized(w, r)
				return
			}
			setSessionCookie(w, sessionID)
			u := *r.URL
			q := u.Query()
			q.Del("token")
			u.RawQuery = q.Encode()
			http.Redirect(w, r, u.RequestURI(), http.StatusSeeOther)
			return
		}

		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || !s.auth.ValidateSession(cookie.Value) {
			s.renderUnauthorized(w, r)
			return
		}
		setSessionCookie(w, cookie.Value)
		next.ServeHTTP(w, r)
	})
}

func setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// renderUnauthorized отвечает 401: JSON для API, страница с подсказкой для браузера.
func (s *Server) renderUnauthorized(w http.ResponseWriter, r *http.Request) {
	s.log.Debug("Unauthorized web access",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("remote", r.RemoteAddr))
	if strings.HasPrefix(r.URL.Path, "/api/") {
		s.writeJSON(w, http.StatusUnauthorized, errorBody{Error: "authentication required"})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	s.render(w, "unauthorized", nil)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware пишет строку на каждый запрос.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}
