package logger

import (
	"io"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

// Init инициализирует структурированный логгер.
// В development используется текстовый формат, в остальных окружениях JSON.
func Init(level, env string) {
	Log = logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Log.SetLevel(lvl)

	if env == "development" {
		Log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
		return
	}
	Log.SetFormatter(&logrus.JSONFormatter{})
}

// Component возвращает запись логгера с полем component.
// Если логгер не инициализирован, записи отбрасываются.
func Component(name string) *logrus.Entry {
	if Log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		return discard.WithField("component", name)
	}
	return Log.WithField("component", name)
}

// RecoveryLogger реализует goroutine.Logger поверх logrus.
type RecoveryLogger struct{}

func (RecoveryLogger) Errorf(format string, args ...interface{}) {
	Component("goroutine").Errorf(format, args...)
}
