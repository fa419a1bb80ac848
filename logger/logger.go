package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

var (
	// Log is the global logger instance
	Log *logrus.Logger
)

func init() {
	// Usable before Init is called
	Log = logrus.New()
	Log.SetLevel(logrus.InfoLevel)
	Log.SetFormatter(textFormatter())
	Log.SetOutput(os.Stdout)
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
}

// Init initializes the global logger
// If config is nil, uses default configuration (text output, info level)
func Init(cfg *Config) error {
	Log = logrus.New()

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.SetDefaults()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	Log.SetLevel(level)

	if cfg.JSON {
		Log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		Log.SetFormatter(textFormatter())
	}
	Log.SetOutput(os.Stdout)
	Log.SetReportCaller(cfg.ReportCaller)

	if err != nil {
		Log.Warnf("unknown log level %q, using info", cfg.Level)
	}
	return nil
}

// WithFields creates logger entry with fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log.WithFields(fields)
}

// WithField creates logger entry with a single field
func WithField(key string, value interface{}) *logrus.Entry {
	return Log.WithField(key, value)
}

// Component tags every entry with the emitting subsystem.
func Component(name string) *logrus.Entry {
	return Log.WithField("component", name)
}

func Debugf(format string, args ...interface{}) {
	Log.Debugf(format, args...)
}

func Info(args ...interface{}) {
	Log.Info(args...)
}

func Infof(format string, args ...interface{}) {
	Log.Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	Log.Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	Log.Errorf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	Log.Fatalf(format, args...)
}
