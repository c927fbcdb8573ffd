// Package metrics — метрики Prometheus движка сессий и расширений плюс HTTP-сервер
// с /metrics и health-пробами (/live, /ready).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kingtg"

// Результаты get_or_create для ClientRequests.
const (
	ResultReused       = "reused"
	ResultCreated      = "created"
	ResultNoCredential = "no_credential"
	ResultInvalid      = "invalid_credential"
	ResultUnavailable  = "unavailable"
)

var (
	// ClientsActive — число живых клиентов в пуле по уровню (on_demand, always_on).
	ClientsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "clients_active",
		Help:      "Connected userbot clients by lifecycle tier",
	}, []string{"tier"})

	// CachedSessions — размер кэша учётных данных.
	CachedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "cached_credentials",
		Help:      "Credential blobs held in the in-memory session cache",
	})

	// ClientRequests считает исходы get_or_create.
	ClientRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "client_requests_total",
		Help:      "get_or_create outcomes",
	}, []string{"result"})

	// ClientsReaped — клиенты, отключённые сборщиком простоя.
	ClientsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "clients_reaped_total",
		Help:      "Idle on-demand clients disconnected by the reaper",
	})

	// WatchdogChecks — исходы проверок живости (ok, transient, invalid).
	WatchdogChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "watchdog_checks_total",
		Help:      "Watchdog identity checks by outcome",
	}, []string{"outcome"})

	// Renewals — события продления always-on (prompt, confirmed, declined, expired).
	Renewals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "policy",
		Name:      "renewals_total",
		Help:      "Always-on renewal events",
	}, []string{"event"})

	// Restore — результаты восстановления при старте (restored, cached, failed).
	Restore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "restore_users",
		Help:      "Users per outcome of the last startup restoration",
	}, []string{"outcome"})

	// PluginActivations — исходы активации расширений.
	PluginActivations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "plugins",
		Name:      "activations_total",
		Help:      "Plugin activation attempts by result",
	}, []string{"result"})

	// PluginActivationSeconds — длительность успешной активации (с установкой зависимостей).
	PluginActivationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "plugins",
		Name:      "activation_seconds",
		Help:      "Plugin activation latency in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// PluginsLoaded — число загруженных пар (пользователь, расширение).
	PluginsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "plugins",
		Name:      "loaded",
		Help:      "Loaded (user, plugin) pairs",
	})

	// BotAPIRequests — вызовы Bot API по методу и исходу.
	BotAPIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "botapi",
		Name:      "requests_total",
		Help:      "Bot API calls by method and status",
	}, []string{"method", "status"})

	// MessagesDispatched — сообщения MTProto, переданные в таблицу обработчиков.
	MessagesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mtproto",
		Name:      "messages_dispatched_total",
		Help:      "New messages delivered to extension handlers by direction",
	}, []string{"direction"})
)
