package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/relay-node/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	nodeID     string
	nodeIDOnce sync.Once

	loggerMu sync.RWMutex
	logger   *zap.SugaredLogger
)

// GetNodeID returns the identifier stamped on every log line
func GetNodeID() string {
	nodeIDOnce.Do(func() {
		// NODE_ID first (fixed ID), then POD_NAME, then HOSTNAME
		nodeID = os.Getenv("NODE_ID")
		if nodeID == "" {
			nodeID = os.Getenv("POD_NAME")
		}
		if nodeID == "" {
			nodeID = os.Getenv("HOSTNAME")
		}
		if nodeID == "" {
			hostname, _ := os.Hostname()
			if len(hostname) > 8 {
				nodeID = hostname[len(hostname)-8:]
			} else if hostname != "" {
				nodeID = hostname
			} else {
				nodeID = "unknown"
			}
		}
	})
	return nodeID
}

// Init replaces the process logger according to cfg
func Init(cfg config.LogConfig) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	loggerMu.Lock()
	old := logger
	logger = l
	loggerMu.Unlock()
	if old != nil {
		_ = old.Sync()
	}
	return nil
}

// New builds a logger without installing it
func New(cfg config.LogConfig) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer
	if cfg.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	} else {
		sink = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))
	return zap.New(core).With(zap.String("node_id", GetNodeID())).Sugar(), nil
}

// L returns the process logger, building a default one on first use
func L() *zap.SugaredLogger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		var cfg config.Config
		cfg.SetDefaults()
		l, err := New(cfg.Log)
		if err != nil {
			l = zap.NewNop().Sugar()
		}
		logger = l
	}
	return logger
}

// Logf logs a formatted message at info level
func Logf(format string, v ...interface{}) {
	L().Infof(format, v...)
}

// Log logs a message at info level
func Log(v ...interface{}) {
	L().Info(v...)
}

// Debugf logs a formatted message at debug level
func Debugf(format string, v ...interface{}) {
	L().Debugf(format, v...)
}

// Warnf logs a formatted message at warn level
func Warnf(format string, v ...interface{}) {
	L().Warnf(format, v...)
}

// Fatalf logs and exits
func Fatalf(format string, v ...interface{}) {
	L().Fatalf(format, v...)
}

// LineLogger adapts the process logger to a line-oriented diagnostic sink.
func LineLogger() func(string) {
	return func(line string) { L().Info(line) }
}

// Flush writes out any buffered entries
func Flush() {
	_ = L().Sync()
}
