// Package logs builds the process-wide zap.Logger, tee-ing console and
// rotated file output the way the teacher lineage's logging setup does.
package logs

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mcp-multiplex/muxproxy/internal/config"
)

// Setup builds a *zap.Logger from cfg. When cfg.EnableFile is set, dataDir
// is used to resolve a relative cfg.Filename.
func Setup(cfg *config.LogConfig, dataDir string) (*zap.Logger, error) {
	if cfg == nil {
		cfg = &config.LogConfig{Level: "info", EnableConsole: true}
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var cores []zapcore.Core

	if cfg.EnableConsole {
		consoleEncCfg := encoderCfg
		consoleEncCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		var enc zapcore.Encoder
		if cfg.JSONFormat {
			enc = zapcore.NewJSONEncoder(encoderCfg)
		} else {
			enc = zapcore.NewConsoleEncoder(consoleEncCfg)
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level))
	}

	if cfg.EnableFile {
		filename := cfg.Filename
		if filename == "" {
			filename = "muxproxy.log"
		}
		if !filepath.IsAbs(filename) {
			filename = filepath.Join(dataDir, filename)
		}
		if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}

		rotator := &lumberjack.Logger{
			Filename:   filename,
			MaxSize:    maxOrDefault(cfg.MaxSizeMB, 10),
			MaxBackups: maxOrDefault(cfg.MaxBackups, 5),
			MaxAge:     maxOrDefault(cfg.MaxAgeDays, 30),
			Compress:   cfg.Compress,
		}
		enc := zapcore.NewJSONEncoder(encoderCfg)
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(rotator), level))
	}

	if len(cores) == 0 {
		return zap.NewNop(), nil
	}

	core := zapcore.NewTee(cores...)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func maxOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
