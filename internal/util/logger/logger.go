package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.SugaredLogger
	level        = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	once         sync.Once
	mu           sync.RWMutex
)

// Config defines logging configuration
type Config struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`   // "debug", "info", "warn", "error"
	Format string `yaml:"format" env:"LOG_FORMAT"` // "json" or "console"
	Output string `yaml:"output"`                  // "stdout" or "stderr"
}

// DefaultConfig returns default logger config
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "console",
		Output: "stdout",
	}
}

// InitLogger initializes Zap with the given config. Only the first call wins.
func InitLogger(cfg *Config) {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		initLoggerInternal(cfg)
	})
}

// ReplaceGlobal rebuilds the global logger from cfg.
func ReplaceGlobal(cfg *Config) {
	once.Do(func() {})
	mu.Lock()
	defer mu.Unlock()
	initLoggerInternal(cfg)
}

// SetLevel changes the level of the running logger without rebuilding it.
func SetLevel(lvl string) {
	level.SetLevel(parseLevel(lvl))
}

// Enabled reports whether messages at lvl are currently written.
func Enabled(lvl string) bool {
	return level.Enabled(parseLevel(lvl))
}

func parseLevel(lvl string) zapcore.Level {
	switch lvl {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func initLoggerInternal(cfg *Config) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Format == "" {
		cfg.Format = "console"
	}
	level.SetLevel(parseLevel(cfg.Level))

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.LevelKey = "level"
	encoderCfg.CallerKey = "caller"
	encoderCfg.MessageKey = "msg"
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	sink := zapcore.AddSync(os.Stdout)
	if cfg.Output == "stderr" {
		sink = zapcore.AddSync(os.Stderr)
	}

	core := zapcore.NewCore(encoder, sink, level)
	globalLogger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

// GetLogger returns the global logger instance
func GetLogger() *zap.SugaredLogger {
	ensureInitialized()
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

// Named returns a child of the global logger scoped to a component.
func Named(name string) *zap.SugaredLogger {
	return GetLogger().Desugar().WithOptions(zap.AddCallerSkip(-1)).Sugar().Named(name)
}

// Sync flushes any buffered log entries
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}

func ensureInitialized() {
	mu.RLock()
	ready := globalLogger != nil
	mu.RUnlock()
	if !ready {
		InitLogger(DefaultConfig())
	}
}

func Debug(msg string, args ...interface{}) {
	GetLogger().Debugf(msg, args...)
}

func Info(msg string, args ...interface{}) {
	GetLogger().Infof(msg, args...)
}

func Infof(msg string, args ...interface{}) {
	GetLogger().Infof(msg, args...)
}

func Warn(msg string, args ...interface{}) {
	GetLogger().Warnf(msg, args...)
}

func Error(msg string, args ...interface{}) {
	GetLogger().Errorf(msg, args...)
}

func Errorf(msg string, args ...interface{}) {
	GetLogger().Errorf(msg, args...)
}

// Fatal logs and exits the process.
func Fatal(msg string, args ...interface{}) {
	GetLogger().Fatalf(msg, args...)
}
