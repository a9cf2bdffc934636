package obs

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	loggerOnce sync.Once
	logger     *logrus.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *logrus.Logger {
	loggerOnce.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stdout)
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "ts",
			},
		})
		logger.SetLevel(logrus.InfoLevel)
	})
	return logger
}

// SetLevel parses lvl and applies it to the shared logger. Unknown levels
// leave the current level untouched.
func SetLevel(lvl string) error {
	parsed, err := logrus.ParseLevel(lvl)
	if err != nil {
		return err
	}
	Logger().SetLevel(parsed)
	return nil
}

// LogRequest emits a structured JSON log line with common HTTP fields.
func LogRequest(fields logrus.Fields) {
	Logger().WithFields(fields).Info("request_complete")
}
