package engine

import "github.com/sirupsen/logrus"

// logger is the engine's terse logging facade, the same shape as the
// teacher's slog-based logger embedded in its connection types, rebuilt over
// logrus: a handful of level methods taking a message and structured fields.
type logger struct {
	log *logrus.Entry
}

func newLogger(log *logrus.Entry) logger {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return logger{log: log}
}

func (l logger) error(msg string, fields logrus.Fields) { l.log.WithFields(fields).Error(msg) }
func (l logger) warn(msg string, fields logrus.Fields)  { l.log.WithFields(fields).Warn(msg) }
func (l logger) info(msg string, fields logrus.Fields)  { l.log.WithFields(fields).Info(msg) }
func (l logger) debug(msg string, fields logrus.Fields) { l.log.WithFields(fields).Debug(msg) }
func (l logger) trace(msg string, fields logrus.Fields) { l.log.WithFields(fields).Trace(msg) }
