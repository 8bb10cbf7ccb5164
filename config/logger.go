package config

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ParseLevel converts the configured level into a logrus level
func (l LogLevel) ParseLevel() (logrus.Level, error) {
	level, err := logrus.ParseLevel(string(l))
	if err != nil {
		return logrus.InfoLevel, errors.Wrap(ErrInvalidLogLevel, err.Error())
	}
	return level, nil
}

// NewLogger builds a logger from the configuration. The returned closer
// releases the output file, if any.
func (c LogConfig) NewLogger() (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()

	level, err := c.Level.ParseLevel()
	if err != nil {
		return nil, nil, err
	}
	logger.SetLevel(level)

	switch c.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   c.Color,
			DisableColors: !c.Color,
		})
	default:
		return nil, nil, errors.Wrapf(ErrInvalidLogFormat, "%q", c.Format)
	}

	var closer io.Closer = nopCloser{}
	switch c.Output {
	case "stdout", "":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "open log output %s", c.Output)
		}
		logger.SetOutput(f)
		closer = f
	}

	if len(c.Fields) > 0 {
		logger.AddHook(fieldsHook(c.Fields))
	}

	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// fieldsHook adds static fields to every entry that does not set them
type fieldsHook logrus.Fields

func (h fieldsHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h fieldsHook) Fire(entry *logrus.Entry) error {
	for k, v := range h {
		if _, set := entry.Data[k]; !set {
			entry.Data[k] = v
		}
	}
	return nil
}
