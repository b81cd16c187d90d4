package logs

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger — глобальный логгер приложения (настраивается через Init).
// До Init работает с дефолтами, чтобы ранние пакеты не падали на nil.
var Logger = logrus.New()

// Options — параметры инициализации логгера.
type Options struct {
	Level  string // trace|debug|info|warning|error|fatal
	Format string // text|json
	File   string // путь лог-файла; если пусто — только stdout
}

// Init настраивает глобальный логгер по переданным опциям.
func Init(opts Options) {
	lvl, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	if opts.Format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if opts.File != "" {
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			Logger.Fatalf("failed to open log file %s: %v", opts.File, err)
		}
		Logger.SetOutput(io.MultiWriter(file, os.Stdout))
	} else {
		Logger.SetOutput(os.Stdout)
	}
}

// Security — поле-помеченные записи для событий безопасности:
// их удобно выцеплять grep'ом по category=security.
func Security(event string) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{
		"category": "security",
		"event":    event,
	})
}
