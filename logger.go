package rdmaring

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/rdmaring/config"
)

// loggerSettings is everything logging.* controls, resolved before any of it
// is applied so a bad section leaves the logger untouched.
type loggerSettings struct {
	level        logrus.Level
	formatter    logrus.Formatter
	reportCaller bool
	fields       logrus.Fields
}

func loadLoggerSettings(c *config.C) (loggerSettings, error) {
	var s loggerSettings

	level, err := logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
	if err != nil {
		return s, fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}
	s.level = level

	disableTimestamp := c.GetBool("logging.disable_timestamp", false)
	timestampFormat := c.GetString("logging.timestamp_format", "")
	fullTimestamp := timestampFormat != ""
	if timestampFormat == "" {
		timestampFormat = time.RFC3339
	}

	logFormat := strings.ToLower(c.GetString("logging.format", "text"))
	switch logFormat {
	case "text":
		s.formatter = &logrus.TextFormatter{
			TimestampFormat:  timestampFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: disableTimestamp,
		}
	case "json":
		s.formatter = &logrus.JSONFormatter{
			TimestampFormat:  timestampFormat,
			DisableTimestamp: disableTimestamp,
		}
	default:
		return s, fmt.Errorf("unknown log format `%s`. possible formats: %s", logFormat, []string{"text", "json"})
	}

	s.reportCaller = c.GetBool("logging.report_caller", false)

	if raw := c.GetMap("logging.fields", nil); len(raw) > 0 {
		s.fields = make(logrus.Fields, len(raw))
		for k, v := range raw {
			switch v.(type) {
			case map[string]any, []any:
				return s, fmt.Errorf("logging.fields.%s must be a scalar", k)
			}
			s.fields[k] = v
		}
	}
	return s, nil
}

// fieldsHook stamps static fields, such as a host or rack label, on every
// entry that does not set them itself.
type fieldsHook logrus.Fields

func (h fieldsHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h fieldsHook) Fire(e *logrus.Entry) error {
	for k, v := range h {
		if _, ok := e.Data[k]; !ok {
			e.Data[k] = v
		}
	}
	return nil
}

// configLogger applies logging.* to l.
func configLogger(l *logrus.Logger, c *config.C) error {
	s, err := loadLoggerSettings(c)
	if err != nil {
		return err
	}

	l.SetLevel(s.level)
	l.Formatter = s.formatter
	l.SetReportCaller(s.reportCaller)
	hooks := make(logrus.LevelHooks)
	if len(s.fields) > 0 {
		hooks.Add(fieldsHook(maps.Clone(s.fields)))
	}
	l.ReplaceHooks(hooks)
	return nil
}

// watchLogger configures l and applies every reload that changes the
// logging section.
func watchLogger(l *logrus.Logger, c *config.C) error {
	if err := configLogger(l, c); err != nil {
		return err
	}

	c.RegisterReloadCallback(func(c *config.C) {
		if !c.HasChanged("logging") {
			return
		}
		if err := configLogger(l, c); err != nil {
			l.WithError(err).Error("Failed to reconfigure the logger, keeping the previous settings")
			return
		}
		l.WithField("level", l.GetLevel()).Info("Logger reconfigured")
	})
	return nil
}
