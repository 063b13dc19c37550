// Package build provides logging and version information for the slashpay
// daemon. Every package gets its own subsystem logger through AddSubLogger,
// so log levels can be tuned per subsystem at runtime.
package build

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type subLogger struct {
	console  *consoleLogHook
	jsonFile *jsonFileHook
}

func (s *subLogger) setLevel(level logrus.Level) {
	s.console.setLevel(level)
	s.jsonFile.setLevel(level)
}

func (s *subLogger) setDir(dir string) error {
	file, err := openFileForAppend(filepath.Join(dir, "spd.log.json"))
	if err != nil {
		return fmt.Errorf("could not open JSON log file: %w", err)
	}
	s.jsonFile.file = file
	return nil
}

var logConfigLock sync.Mutex
var subsystemHooks = map[string]*subLogger{}

// AddSubLogger creates a new logger that prepends the given subsystem to
// every log line.
func AddSubLogger(subsystem string) *logrus.Logger {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	logger := logrus.New()
	logger.SetOutput(ioutil.Discard) // all output goes through the hooks

	consoleHook := &consoleLogHook{subsystem: subsystem}
	jsonHook := &jsonFileHook{subsystem: subsystem}
	logger.AddHook(consoleHook)
	logger.AddHook(jsonHook)

	subsystemHooks[subsystem] = &subLogger{
		console:  consoleHook,
		jsonFile: jsonHook,
	}

	return logger
}

// SetLogLevel sets the log level for a single subsystem.
func SetLogLevel(subsystem string, level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	hook, ok := subsystemHooks[subsystem]
	if !ok {
		return
	}
	hook.setLevel(level)
}

// SetLogLevels sets the log level for every registered subsystem.
func SetLogLevels(level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	for _, hook := range subsystemHooks {
		hook.setLevel(level)
	}
}

// SetLogDir makes every subsystem write JSON formatted logs to a file in
// the given directory, in addition to the console.
func SetLogDir(dir string) error {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	for _, hook := range subsystemHooks {
		if err := hook.setDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// ToLogLevel takes in a string and converts it to a logrus log level
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
	default:
		return logrus.InfoLevel, fmt.Errorf("%s is not a valid log level", s)
	}
}

func openFileForAppend(file string) (*os.File, error) {
	return os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}

type hasLevel struct {
	level logrus.Level
}

// Levels is here to satisfy the logrus.Hook interface. Filtering happens in
// Fire, against the level set on the hook itself.
func (h *hasLevel) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *hasLevel) setLevel(level logrus.Level) {
	h.level = level
}

type consoleLogHook struct {
	hasLevel
	subsystem string
}

var _ logrus.Hook = &consoleLogHook{}

var consoleFormat = logrus.TextFormatter{
	TimestampFormat: "15:04:05",
	FullTimestamp:   true,
}

func (c *consoleLogHook) Fire(entry *logrus.Entry) error {
	if entry == nil || c.level < entry.Level {
		return nil
	}

	copied := *entry
	copied.Message = fmt.Sprintf("%s %s", c.subsystem, entry.Message)

	formatted, err := consoleFormat.Format(&copied)
	if err != nil {
		return err
	}

	_, err = os.Stdout.Write(formatted)
	return err
}

type jsonFileHook struct {
	hasLevel
	file      *os.File
	subsystem string
}

var _ logrus.Hook = &jsonFileHook{}

var jsonHookFormat = logrus.JSONFormatter{
	TimestampFormat: time.RFC3339,
}

func (j *jsonFileHook) Fire(entry *logrus.Entry) error {
	// nothing to do until SetLogDir has been called
	if j.file == nil {
		return nil
	}
	if entry == nil || j.level < entry.Level {
		return nil
	}

	withSubsystem := entry.WithField("subsystem", j.subsystem)
	withSubsystem.Message = entry.Message
	withSubsystem.Level = entry.Level
	formatted, err := jsonHookFormat.Format(withSubsystem)
	if err != nil {
		return err
	}

	_, err = j.file.Write(formatted)
	return err
}
