// Package swaplog wraps logrus with subsystem-tagged loggers and a
// request logging middleware for gin.
package swaplog

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Logger is a logrus logger bound to one subsystem code
type Logger struct {
	*logrus.Logger
	Subsystem string
}

// New creates a logger tagging each line with the given subsystem
func New(subsystem string) *Logger {
	logger := &Logger{logrus.New(), subsystem}
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&subsystemFormatter{subsystem: subsystem})
	return logger
}

// SetLogFile duplicates the logger's output into the given file. The
// file is appended to, stdout keeps receiving everything.
func (l Logger) SetLogFile(file string) error {
	logFile, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return errors.Wrap(err, "could not open logfile")
	}
	l.SetOutput(io.MultiWriter(os.Stdout, logFile))
	return nil
}

// ToLogLevel parses a log level name. Unknown names give an error and
// the info level.
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
	case "fatal", "panic":
		return logrus.FatalLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("%s is not a valid log level", s)
	}
}

// GinLoggingMiddleWare logs every request with method, path, caller,
// body and outcome. Error responses log at error level so they stand
// out regardless of the configured level.
func GinLoggingMiddleWare(logger *Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		fields := logrus.Fields{
			"method":     c.Request.Method,
			"path":       path,
			"ip":         c.ClientIP(),
			"user-agent": c.Request.UserAgent(),
		}

		// the body has to be buffered here so the handler can still
		// read it
		bodyBytes, _ := ioutil.ReadAll(c.Request.Body)
		c.Request.Body = ioutil.NopCloser(bytes.NewBuffer(bodyBytes))
		if len(bodyBytes) != 0 {
			fields["body"] = string(bodyBytes)
		}
		if query := c.Request.URL.Query(); len(query) > 0 {
			fields["query"] = query
		}

		c.Next()

		status := c.Writer.Status()
		fields["status"] = status
		fields["latency"] = time.Since(start)
		if ginErrors := c.Errors; len(ginErrors) > 0 {
			fields["errors"] = ginErrors
		}

		level := logger.Level
		if status >= 300 {
			level = logrus.ErrorLevel
		}
		logger.WithFields(fields).Logf(level, "HTTP %s %s: %d", c.Request.Method, path, status)
	}
}

// subsystemFormatter renders "timestamp [LEVL] SUBS: message k=v ..."
// with the level and fields colored by severity
type subsystemFormatter struct {
	subsystem string
}

const timestampFormat = "2006-01-02 15:04:05.000"

func (f *subsystemFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer

	b.WriteString(entry.Time.Format(timestampFormat))

	color := levelColor(entry.Level)
	level := strings.ToUpper(entry.Level.String())
	fmt.Fprintf(&b, "\x1b[%dm [%s]\x1b[0m", color, level[:4])

	fmt.Fprintf(&b, " %s: %s\t\t", f.subsystem, entry.Message)

	if len(entry.Data) != 0 {
		keys := make([]string, 0, len(entry.Data))
		for key := range entry.Data {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		fmt.Fprintf(&b, "\x1b[%dm", color)
		for _, key := range keys {
			fmt.Fprintf(&b, "%s=%v ", key, entry.Data[key])
		}
		b.WriteString("\x1b[0m")
	}
	b.WriteByte('\n')

	return b.Bytes(), nil
}

func levelColor(level logrus.Level) int {
	const (
		red    = 31
		yellow = 33
		blue   = 36
		gray   = 37
	)
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return gray
	case logrus.WarnLevel:
		return yellow
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return red
	default:
		return blue
	}
}
