package build

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Log is the logger for the whole application
var Log = logrus.New()

var consoleFormat = logrus.TextFormatter{
	ForceColors:   true,
	FullTimestamp: true,
	// This uses an absolutely ridicoulous format:
	// https://stackoverflow.com/a/20234207/10359642
	TimestampFormat: "15:04:05",
}

func init() {
	Log.SetLevel(logrus.InfoLevel)
	Log.SetFormatter(&consoleFormat)
}

var logConfigLock sync.Mutex
var subLoggers = map[string]*logrus.Logger{}

// AddSubLogger creates a new logger for the given subsystem with the
// standard format. The subsystem name is prepended to every message.
func AddSubLogger(subsystem string) *logrus.Logger {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	logger := logrus.New()
	logger.SetLevel(Log.GetLevel())
	logger.SetFormatter(&subsystemFormatter{subsystem: subsystem})
	subLoggers[subsystem] = logger

	return logger
}

type subsystemFormatter struct {
	subsystem string
}

func (f *subsystemFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	copied := *entry
	copied.Message = fmt.Sprintf("%s %s", f.subsystem, entry.Message)
	return consoleFormat.Format(&copied)
}

// SetLogLevel sets the log level for the whole application, including all
// subsystem loggers
func SetLogLevel(level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	Log.SetLevel(level)
	for _, logger := range subLoggers {
		logger.SetLevel(level)
	}
}

// SetSubsystemLogLevel sets the log level for a single subsystem
func SetSubsystemLogLevel(subsystem string, level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	if logger, ok := subLoggers[subsystem]; ok {
		logger.SetLevel(level)
	}
}

// ToLogLevel takes in a string and converts it to a Logrus log level
func ToLogLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "fatal":
		return logrus.FatalLevel, nil
	case "panic":
		return logrus.PanicLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("%s is not a valid log level", s)
	}
}

// GinLoggingMiddleWare returns a middleware that logs incoming requests with
// Logrus. It is based on the discontinued Ginrus middleware:
// https://github.com/gin-gonic/contrib/blob/master/ginrus/ginrus.go
func GinLoggingMiddleWare(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		withFields := logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       path,
			"ip":         c.ClientIP(),
			"user-agent": c.Request.UserAgent(),
		})

		if c.Request.URL != nil {
			query := c.Request.URL.Query()
			if len(query) > 0 {
				withFields = withFields.WithField("query", query)
			}
		}

		// pass the request on to the next handler
		c.Next()

		// set status after errors have been handled
		status := c.Writer.Status()
		withFields = withFields.WithField("status", status)

		privateErrors := c.Errors.ByType(gin.ErrorTypePrivate)
		if len(privateErrors) > 0 {
			withFields = withFields.WithField("privateErrors", privateErrors)
		}

		withFields = withFields.WithField("latency", time.Since(start))

		requestLevel := logrus.DebugLevel
		if status >= 300 {
			requestLevel = logrus.ErrorLevel
		}
		withFields.Logf(requestLevel, "HTTP %s %s: %d", c.Request.Method, path, status)
	}
}
