package metrics

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"kingtg-userbot/internal/infra/logger"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Check — функция проверки для health-проб. nil-ошибка означает «здоров».
type Check func() error

// Server обслуживает /metrics, /live и /ready.
type Server struct {
	addr   string
	health healthcheck.Handler
	srv    *http.Server

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewServer создаёт сервер. Liveness-проверки отражают состояние процесса,
// readiness — готовность зависимостей (хранилище, менеджер сессий).
func NewServer(addr string, liveness, readiness map[string]Check) *Server {
	health := healthcheck.NewHandler()
	for name, check := range liveness {
		health.AddLivenessCheck(name, healthcheck.Check(check))
	}
	for name, check := range readiness {
		health.AddReadinessCheck(name, healthcheck.Check(check))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)

	return &Server{
		addr:   addr,
		health: health,
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: readHeaderTimeout},
	}
}

// Handler возвращает корневой HTTP-обработчик (нужен тестам).
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start начинает слушать адрес в фоне.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "metrics: listen %s", s.addr)
	}
	s.mu.Lock()
	s.listener = ln
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	logger.Info("Metrics server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		defer close(done)
		if errServe := s.srv.Serve(ln); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", zap.Error(errServe))
		}
	}()
	return nil
}

// Addr возвращает фактический адрес после Start (полезно при ":0").
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Shutdown останавливает сервер с таймаутом.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "metrics: shutdown")
	}
	<-done
	return nil
}
