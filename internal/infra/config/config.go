// Пакет config собирает конфигурацию сервиса userbot'ов из окружения (.env через godotenv):
// учётные данные MTProto и Bot API, пути к БД и каталогу плагинов, параметры логирования,
// таймеры политики жизненного цикла и лимиты восстановления.
//
// Несущественные параметры не валят старт: при пустом/некорректном значении подставляется
// значение по умолчанию, а в Warnings() копится предупреждение. Обязательные параметры
// (API_ID, API_HASH, BOT_TOKEN, OWNER_ID) при отсутствии дают ошибку загрузки.
package config

import (
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"

	"kingtg-userbot/internal/infra/timeutil"
)

// EnvConfig — снимок операционных настроек. Значения уже нормализованы в loadConfig.
type EnvConfig struct {
	APIID         int
	APIHash       string
	BotToken      string
	OwnerID       int64
	OwnerUsername string
	LogChannel    int64
	DBFile        string
	MTProtoFile   string
	PluginsDir    string
	PluginsGoPath string
	LogLevel      string
	AppTimezone   string
	ThrottleRPS   int
	ThrottleBurst int
	TestDC        bool
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
	// Политика жизненного цикла клиентов
	OnDemandTimeoutSec    int
	CleanupIntervalSec    int
	AlwaysOnConfirmHours  int
	ConfirmWaitHours      int
	ConfirmCheckMinutes   int
	WatchdogIntervalSec   int
	RestoreConcurrency    int
	PluginInstallAttempts int
	AlwaysOnDefaults      []string
	// Аккаунты
	SyncIntervalHours    int
	DeletedRetentionDays int
	// Метрики и health-проверки; пустой адрес отключает HTTP-сервер.
	MetricsAddress string
	// Веб-панель администратора; пустой адрес отключает её.
	WebAddress   string
	WebPublicURL string
	// WatchPlugins включает слежение за каталогом плагинов.
	WatchPlugins bool
}

// Config хранит конфигурацию среды и предупреждения загрузки.
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

const (
	defaultLogLevel        = "info"
	defaultDBFile          = "data/userbot.bbolt"
	defaultMTProtoFile     = "data/mtproto.bbolt"
	defaultPluginsDir      = "plugins"
	defaultPluginsGoPath   = "data/gopath"
	defaultAppTimezone     = "UTC"
	defaultThrottleRPS     = 5
	defaultLogFileLevel    = "debug"
	defaultLogFileMaxSize  = 50
	defaultLogFileBackups  = 3
	defaultLogFileMaxAge   = 7
	defaultLogFileCompress = true

	defaultOnDemandTimeoutSec    = 300
	defaultCleanupIntervalSec    = 60
	defaultAlwaysOnConfirmHours  = 72
	defaultConfirmWaitHours      = 24
	defaultConfirmCheckMinutes   = 60
	defaultWatchdogIntervalSec   = 300
	defaultRestoreConcurrency    = 8
	defaultPluginInstallAttempts = 3

	defaultSyncIntervalHours    = 24
	defaultDeletedRetentionDays = 7
)

// defaultAlwaysOnPlugins — исторический список плагинов, которым нужен постоянный клиент.
// Применяется только к записям каталога, где флаг always_on не задан явно.
var defaultAlwaysOnPlugins = []string{"filter", "autoreply", "antispam", "welcome", "goodbye"}

var (
	cfgInstance *Config
	cfgDone     bool
)

// AppLocation — часовой пояс для человекочитаемых отметок времени в логах и уведомлениях.
var AppLocation = time.UTC

// Load читает .env и фиксирует результат в singleton. Повторный вызов — ошибка.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// LoadForTest разбирает окружение без фиксации singleton. Используется тестами пакета.
func LoadForTest(envPath string) (*Config, error) {
	return loadConfig(envPath)
}

// loadConfig выполняет загрузку без установки глобального состояния (нужно тестам).
// Отсутствующий .env не ошибка: переменные могут прийти из окружения контейнера.
func loadConfig(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrap(err, "load .env")
		}
	}

	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}
	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}
	botToken := strings.TrimSpace(os.Getenv("BOT_TOKEN"))
	if botToken == "" {
		return nil, errors.New("env BOT_TOKEN must be set")
	}
	ownerID, err := parseRequiredInt("OWNER_ID")
	if err != nil {
		return nil, err
	}

	var warnings []string

	env := EnvConfig{
		APIID:         apiID,
		APIHash:       apiHash,
		BotToken:      botToken,
		OwnerID:       int64(ownerID),
		OwnerUsername: strings.TrimPrefix(strings.TrimSpace(os.Getenv("OWNER_USERNAME")), "@"),
		LogChannel:    parseInt64Default("LOG_CHANNEL", 0, &warnings),
		DBFile:        sanitizeFile("DB_FILE", os.Getenv("DB_FILE"), defaultDBFile, &warnings),
		MTProtoFile:   sanitizeFile("MTPROTO_FILE", os.Getenv("MTPROTO_FILE"), defaultMTProtoFile, &warnings),
		PluginsDir:    sanitizeFile("PLUGINS_DIR", os.Getenv("PLUGINS_DIR"), defaultPluginsDir, &warnings),
		PluginsGoPath: sanitizeFile("PLUGINS_GOPATH", os.Getenv("PLUGINS_GOPATH"), defaultPluginsGoPath, &warnings),
		LogLevel:      sanitizeLogLevel("LOG_LEVEL", os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings),
		AppTimezone:   sanitizeTimezone(os.Getenv("APP_TIMEZONE"), defaultAppTimezone, &warnings),
		ThrottleRPS:   parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings),
		ThrottleBurst: parseIntDefault("THROTTLE_BURST", 0, nonNegative, &warnings),
		TestDC:        parseBoolDefault("TEST_DC", false, &warnings),

		LogFile:           strings.TrimSpace(os.Getenv("LOG_FILE")),
		LogFileLevel:      sanitizeLogLevel("LOG_FILE_LEVEL", os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings),
		LogFileMaxSize:    parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings),
		LogFileMaxBackups: parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileBackups, nonNegative, &warnings),
		LogFileMaxAge:     parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings),
		LogFileCompress:   parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings),

		OnDemandTimeoutSec:    parseIntDefault("ON_DEMAND_TIMEOUT_SEC", defaultOnDemandTimeoutSec, greaterThanZero, &warnings),
		CleanupIntervalSec:    parseIntDefault("CLEANUP_INTERVAL_SEC", defaultCleanupIntervalSec, greaterThanZero, &warnings),
		AlwaysOnConfirmHours:  parseIntDefault("ALWAYS_ON_CONFIRM_HOURS", defaultAlwaysOnConfirmHours, greaterThanZero, &warnings),
		ConfirmWaitHours:      parseIntDefault("CONFIRM_WAIT_HOURS", defaultConfirmWaitHours, greaterThanZero, &warnings),
		ConfirmCheckMinutes:   parseIntDefault("CONFIRM_CHECK_MINUTES", defaultConfirmCheckMinutes, greaterThanZero, &warnings),
		WatchdogIntervalSec:   parseIntDefault("WATCHDOG_INTERVAL_SEC", defaultWatchdogIntervalSec, greaterThanZero, &warnings),
		RestoreConcurrency:    parseIntDefault("RESTORE_CONCURRENCY", defaultRestoreConcurrency, greaterThanZero, &warnings),
		PluginInstallAttempts: parseIntDefault("PLUGIN_INSTALL_ATTEMPTS", defaultPluginInstallAttempts, greaterThanZero, &warnings),
		AlwaysOnDefaults:      parseListDefault("ALWAYS_ON_DEFAULTS", defaultAlwaysOnPlugins, &warnings),

		SyncIntervalHours:    parseIntDefault("SYNC_INTERVAL_HOURS", defaultSyncIntervalHours, greaterThanZero, &warnings),
		DeletedRetentionDays: parseIntDefault("DELETED_RETENTION_DAYS", defaultDeletedRetentionDays, greaterThanZero, &warnings),

		MetricsAddress: strings.TrimSpace(os.Getenv("METRICS_ADDRESS")),
		WebAddress:     strings.TrimSpace(os.Getenv("WEB_ADDRESS")),
		WebPublicURL:   strings.TrimSpace(os.Getenv("WEB_PUBLIC_URL")),
		WatchPlugins:   parseBoolDefault("WATCH_PLUGINS", true, &warnings),
	}

	loc, err := timeutil.ParseLocation(env.AppTimezone)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid APP_TIMEZONE %q", env.AppTimezone)
	}
	AppLocation = loc

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает копию предупреждений, накопленных при загрузке .env.
func Warnings() []string {
	if cfgInstance == nil {
		return nil
	}
	return cfgInstance.Warnings()
}

// Warnings возвращает копию предупреждений этого снимка.
func (c *Config) Warnings() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]string, len(c.warnings))
	copy(result, c.warnings)
	return result
}

// Env возвращает неизменяемый снимок окружения. До Load — нулевое значение.
func Env() EnvConfig {
	if cfgInstance == nil {
		return EnvConfig{}
	}
	return cfgInstance.Env
}

// OnDemandTimeout — порог простоя on-demand клиента.
func (e EnvConfig) OnDemandTimeout() time.Duration {
	return time.Duration(e.OnDemandTimeoutSec) * time.Second
}

// CleanupInterval — период прохода сборщика простаивающих клиентов.
func (e EnvConfig) CleanupInterval() time.Duration {
	return time.Duration(e.CleanupIntervalSec) * time.Second
}

// ConfirmInterval — срок, после которого always-on требует повторного подтверждения.
func (e EnvConfig) ConfirmInterval() time.Duration {
	return time.Duration(e.AlwaysOnConfirmHours) * time.Hour
}

// ConfirmWait — окно ожидания ответа на запрос подтверждения.
func (e EnvConfig) ConfirmWait() time.Duration {
	return time.Duration(e.ConfirmWaitHours) * time.Hour
}

// ConfirmCheckInterval — период прохода проверки подтверждений.
func (e EnvConfig) ConfirmCheckInterval() time.Duration {
	return time.Duration(e.ConfirmCheckMinutes) * time.Minute
}

// WatchdogInterval — период проверки живости сессии клиента.
func (e EnvConfig) WatchdogInterval() time.Duration {
	return time.Duration(e.WatchdogIntervalSec) * time.Second
}

// SyncInterval — период синхронизации данных пользователей через Bot API.
func (e EnvConfig) SyncInterval() time.Duration {
	return time.Duration(e.SyncIntervalHours) * time.Hour
}

// DeletedRetention — сколько хранить запись удалённого аккаунта перед очисткой.
func (e EnvConfig) DeletedRetention() time.Duration {
	return time.Duration(e.DeletedRetentionDays) * 24 * time.Hour
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, errors.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "env %s must be a valid integer", name)
	}
	return v, nil
}

// parseIntDefault читает name как int; пусто/некорректно/не прошло validator → defaultVal.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseInt64Default — вариант для идентификаторов чатов (канал логов бывает отрицательным).
func parseInt64Default(name string, defaultVal int64, warnings *[]string) int64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	return v
}

func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// parseBoolDefault читает name как bool. Если пусто/некорректно — возвращает defaultVal.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// parseListDefault разбирает CSV-список имён: пробелы отбрасываются, регистр приводится
// к нижнему, дубликаты убираются. Пустая переменная — defaultVal.
func parseListDefault(name string, defaultVal []string, warnings *[]string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return cloneStrings(defaultVal)
	}
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		token := strings.ToLower(strings.TrimSpace(part))
		if token == "" {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	if len(out) == 0 {
		appendWarningf(warnings, "env %s produced empty list; using default %v", name, defaultVal)
		return cloneStrings(defaultVal)
	}
	return out
}

// sanitizeLogLevel ограничивает уровень набором {debug, info, warn, error}.
func sanitizeLogLevel(name, level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	switch lvl {
	case "":
		return defaultVal
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env %s value %q is invalid; using default %q", name, level, defaultVal)
		return defaultVal
	}
}

// sanitizeFile возвращает путь из окружения или fallback.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// sanitizeTimezone проверяет IANA-зону или UTC-смещение, иначе fallback.
func sanitizeTimezone(value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback
	}
	if _, err := timeutil.ParseLocation(v); err != nil {
		appendWarningf(warnings, "env APP_TIMEZONE value %q is invalid; using default %q", v, fallback)
		return fallback
	}
	return v
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
