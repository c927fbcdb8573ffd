// Package web — административная веб-панель: HTML-сводка и JSON API поверх
// commands.Executor. Вход по одноразовой ссылке, которую бот присылает владельцу;
// дальше доступ держится на cookie-сессии.
package web

import (
	"context"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"kingtg-userbot/internal/domain/commands"
	"kingtg-userbot/internal/infra/logger"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 60 * time.Second
	idleTimeout  = 60 * time.Second

	shutdownTimeout = 5 * time.Second

	defaultSessionTTL            = time.Hour
	cleanExpiredSessionsInterval = 3 * time.Minute
)

// Options — параметры сервера.
type Options struct {
	Addr string
	// PublicURL — внешний адрес панели для ссылки входа; пусто — http://<Addr>.
	PublicURL  string
	SessionTTL time.Duration
	// Now подменяет часы сессий (тесты).
	Now func() time.Time
}

// Server — HTTP-сервер панели.
type Server struct {
	executor  commands.Executor
	auth      *AuthManager
	tmpl      *template.Template
	srv       *http.Server
	publicURL string
	log       *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer собирает сервер и маршруты.
func NewServer(executor commands.Executor, opts Options) *Server {
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	s := &Server{
		executor:  executor,
		auth:      NewAuthManager(ttl, opts.Now),
		tmpl:      template.Must(template.New("").Funcs(templateFuncs).Parse(pageTemplates)),
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		log:       logger.Named("web"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	protected := http.NewServeMux()
	protected.HandleFunc("GET /{$}", s.handleDashboard)
	protected.HandleFunc("POST /logout", s.handleLogout)
	protected.HandleFunc("GET /api/stats", s.handleStats)
	protected.HandleFunc("GET /api/logs", s.handleLogs)
	protected.HandleFunc("GET /api/plugins", s.handleListPlugins)
	protected.HandleFunc("POST /api/plugins", s.handleAddPlugin)
	protected.HandleFunc("GET /api/plugins/{name}", s.handleShowPlugin)
	protected.HandleFunc("DELETE /api/plugins/{name}", s.handleDeletePlugin)
	protected.HandleFunc("POST /api/plugins/{name}/{action}", s.handlePluginAction)
	protected.HandleFunc("POST /api/plugins/{name}/users/{id}/{action}", s.handlePluginUserAction)
	protected.HandleFunc("POST /api/users/{id}/{action}", s.handleUserAction)
	protected.HandleFunc("POST /api/users/{id}/session", s.handleUserSession)
	protected.HandleFunc("GET /api/users/{id}/plugins", s.handleUserPlugins)
	protected.HandleFunc("POST /api/users/{id}/plugins/{name}/{action}", s.handleUserPluginAction)

	mux.Handle("/", s.authMiddleware(protected))

	s.srv = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	if s.publicURL == "" {
		s.publicURL = "http://" + opts.Addr
	}
	return s
}

// Handler возвращает корневой обработчик (нужен тестам).
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start начинает слушать адрес и запускает очистку сессий.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return errors.Wrapf(err, "web: listen %s", s.srv.Addr)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Info("Web server listening", zap.String("addr", ln.Addr().String()))
	s.wg.Go(func() {
		if errServe := s.srv.Serve(ln); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			s.log.Error("Web server stopped", zap.Error(errServe))
		}
	})
	s.wg.Go(func() { s.cleanupLoop(ctx) })
	return nil
}

// Shutdown останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	ctx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stop()
	err := s.srv.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return errors.Wrap(err, "web: shutdown")
	}
	return nil
}

// LoginURL выпускает новый токен и возвращает ссылку входа. Старые сессии сбрасываются.
func (s *Server) LoginURL() string {
	token := s.auth.GenerateToken()
	s.log.Info("Generated new web login token")
	return s.publicURL + "/?token=" + url.QueryEscape(token)
}

func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanExpiredSessionsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.auth.CleanExpiredSessions(); n > 0 {
				s.log.Debug("Expired web sessions removed", zap.Int("count", n))
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	s.write(w, []byte("OK"))
}
