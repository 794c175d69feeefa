// Package telemetry wraps logrus with one *logrus.Entry per component,
// matching internal/utils/logging's package-level logger shape.
package telemetry

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Fields is an alias so call sites don't import logrus directly.
type Fields = logrus.Fields

var root = logrus.New()

// Configure sets the base logger's level and output sinks from the config
// file's log section (spec §6: level ∈ {dbg,inf,wrn,err}; loggers ⊆
// {console,file}).
func Configure(level string, sinks []string, logDir string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	root.SetLevel(lvl)

	var writers []io.Writer
	for _, s := range sinks {
		switch s {
		case "console":
			writers = append(writers, os.Stderr)
		case "file":
			f, err := os.OpenFile(logDir+"/hpcore.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return err
			}
			writers = append(writers, f)
		}
	}

	if len(writers) == 0 {
		root.SetOutput(io.Discard)
		return nil
	}

	root.SetOutput(io.MultiWriter(writers...))
	return nil
}

func parseLevel(level string) (logrus.Level, error) {
	switch level {
	case "dbg":
		return logrus.DebugLevel, nil
	case "inf":
		return logrus.InfoLevel, nil
	case "wrn":
		return logrus.WarnLevel, nil
	case "err":
		return logrus.ErrorLevel, nil
	default:
		return 0, errInvalidLevel(level)
	}
}

type errInvalidLevel string

func (e errInvalidLevel) Error() string {
	return "telemetry: invalid log level " + string(e)
}

// Component returns a logger entry tagged with the given component name,
// the way every worker in the node prefixes its log lines.
func Component(name string) *logrus.Entry {
	return root.WithField("component", name)
}

// Entry returns the untagged root logger entry.
func Entry() *logrus.Entry {
	return logrus.NewEntry(root)
}
