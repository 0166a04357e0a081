package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig controls rotation of the log file written by SetupWithFile.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Setup configures the standard library logger to emit structured JSON on
// stdout and returns the slog.Logger for the service. Every line carries the
// service name and, when set, the environment.
func Setup(service, env string) *slog.Logger {
	return setup(os.Stdout, service, env)
}

// SetupWithFile behaves like Setup but also appends to a rotating file.
// The returned closer flushes and closes the file.
func SetupWithFile(service, env string, file FileConfig) (*slog.Logger, io.Closer) {
	if strings.TrimSpace(file.Path) == "" {
		return Setup(service, env), io.NopCloser(nil)
	}
	rotator := &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    positiveOr(file.MaxSizeMB, 100),
		MaxBackups: file.MaxBackups,
		MaxAge:     file.MaxAgeDays,
		Compress:   file.Compress,
	}
	return setup(io.MultiWriter(os.Stdout, rotator), service, env), rotator
}

func setup(w io.Writer, service, env string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	scoped := handler.WithAttrs(attrs)
	base := slog.New(scoped)
	slog.SetDefault(base)

	// Bridge the standard library logger.
	stdBridge := slog.NewLogLogger(scoped, slog.LevelInfo)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
