// Package logger — централизованная обёртка над zap для сервиса userbot'ов.
// Консольный core пишет в stdout (цветной уровень, короткий caller), а при заданном
// LOG_FILE добавляется второй core с ротацией через lumberjack. Уровни консоли и файла
// независимы и меняются через zap.AtomicLevel без пересоздания ядра.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// mu защищает глобальное состояние логгера.
	mu sync.Mutex
	// log — текущий экземпляр, общий для всего процесса.
	log *zap.Logger
	// consoleLevel и fileLevel управляют уровнями консоли и файла раздельно.
	consoleLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	fileLevel    = zap.NewAtomicLevelAt(zap.DebugLevel)
	// stdoutWriter и stderrWriter — целевые потоки консольного вывода и внутренних ошибок zap.
	stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
	// fileWriter — ротируемый файл; nil, пока файловое логирование не включено.
	fileWriter *lumberjack.Logger
)

// FileOptions описывает параметры ротации файлового лога.
type FileOptions struct {
	Path       string
	Level      string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// fileEncoderConfig — JSON без цветов: файл читают машины, а не люди.
func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := consoleEncoderConfig()
	cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// rebuildLocked пересобирает логгер из текущих writer'ов. Вызывающий держит mu.
func rebuildLocked() {
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoderConfig()), stdoutWriter, consoleLevel),
	}
	if fileWriter != nil {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(fileEncoderConfig()),
			zapcore.AddSync(fileWriter),
			fileLevel,
		))
	}
	if log != nil {
		_ = log.Sync()
	}
	log = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1), zap.ErrorOutput(stderrWriter))
}

// Init задаёт уровень консольного вывода (debug, info, warn, error; по умолчанию info).
func Init(level string) {
	mu.Lock()
	defer mu.Unlock()

	consoleLevel.SetLevel(parseLevel(level))
	rebuildLocked()
}

// EnableFile подключает ротируемый файловый лог. Пустой Path отключает файл.
func EnableFile(opts FileOptions) {
	mu.Lock()
	defer mu.Unlock()

	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
	if strings.TrimSpace(opts.Path) != "" {
		fileWriter = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		fileLevel.SetLevel(parseLevel(opts.Level))
	}
	rebuildLocked()
}

// SetWriters переназначает консольные потоки. nil возвращает Stdout/Stderr.
func SetWriters(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	stdoutWriter = zapcore.Lock(zapcore.AddSync(stdout))
	stderrWriter = zapcore.Lock(zapcore.AddSync(stderr))
	rebuildLocked()
}

// Close сбрасывает буферы и закрывает файл ротации.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if log != nil {
		_ = log.Sync()
	}
	if fileWriter != nil {
		_ = fileWriter.Close()
	}
}

// Logger возвращает текущий zap.Logger, лениво создавая его при первом обращении.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if log == nil {
		rebuildLocked()
	}
	return log
}

// Named возвращает дочерний логгер подсистемы без AddCallerSkip-обёрток.
func Named(name string) *zap.Logger {
	return Logger().WithOptions(zap.AddCallerSkip(-1)).Named(name)
}

// IsDebugEnabled сообщает, пишет ли консоль debug-уровень.
func IsDebugEnabled() bool {
	return consoleLevel.Enabled(zap.DebugLevel)
}

func Debug(msg string, fields ...zap.Field) { Logger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Logger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Logger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Logger().Error(msg, fields...) }

// Fatal пишет сообщение, сбрасывает буферы и завершает процесс.
func Fatal(msg string, fields ...zap.Field) {
	l := Logger()
	l.Error(msg, fields...)
	_ = l.Sync()
	os.Exit(1)
}

// Debugf и остальные f-варианты аллоцируют на форматировании; в горячих путях — поля zap.
func Debugf(msg string, a ...any) { Logger().Debug(fmt.Sprintf(msg, a...)) }
func Infof(msg string, a ...any)  { Logger().Info(fmt.Sprintf(msg, a...)) }
func Warnf(msg string, a ...any)  { Logger().Warn(fmt.Sprintf(msg, a...)) }
func Errorf(msg string, a ...any) { Logger().Error(fmt.Sprintf(msg, a...)) }
