// Package platformlog provides the structured logging used across apphub-core: a logrus logger
// that splits error-level output to stderr and everything else to stdout, so container log
// collectors can apply different handling per stream.
package platformlog

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// streamSplitter routes formatted logrus output to stderr for error+ levels and stdout otherwise.
type streamSplitter struct{}

func (streamSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) ||
		bytes.Contains(p, []byte("level=fatal")) || bytes.Contains(p, []byte(`"level":"fatal"`)) ||
		bytes.Contains(p, []byte("level=panic")) || bytes.Contains(p, []byte(`"level":"panic"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Config controls logger construction.
type Config struct {
	Level   string // debug|info|warn|error
	Format  string // "json" or "text"
	Service string
	Version string
}

// New builds a logger pre-configured with {service, version} fields and stream splitting.
func New(cfg Config) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(streamSplitter{})

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger.WithFields(logrus.Fields{
		"service": cfg.Service,
		"version": cfg.Version,
	})
}

// ForRun returns a child logger stamped with run/job correlation fields, matching the
// logger(msg, meta) helper the job runtime hands to handlers.
func ForRun(base *logrus.Entry, runID, jobSlug, requestID string) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"runID":     runID,
		"jobSlug":   jobSlug,
		"requestID": requestID,
	})
}
