package store

import (
	"strings"

	"zapai.dev/pkg/utils/log"
	"zapai.dev/pkg/utils/lol"
)

// badgerLogger adapts the lol printers to badger's Logger interface with its
// own level gate, so the store can be quieter than the rest of the process.
type badgerLogger struct {
	level int32
}

func newBadgerLogger(level string) *badgerLogger {
	return &badgerLogger{level: lol.GetLogLevel(level)}
}

func (l *badgerLogger) Errorf(format string, a ...any) {
	if l.level >= lol.Error {
		log.E.F("badger: "+strings.TrimSpace(format), a...)
	}
}

func (l *badgerLogger) Warningf(format string, a ...any) {
	if l.level >= lol.Warn {
		log.W.F("badger: "+strings.TrimSpace(format), a...)
	}
}

func (l *badgerLogger) Infof(format string, a ...any) {
	if l.level >= lol.Info {
		log.I.F("badger: "+strings.TrimSpace(format), a...)
	}
}

func (l *badgerLogger) Debugf(format string, a ...any) {
	if l.level >= lol.Debug {
		log.D.F("badger: "+strings.TrimSpace(format), a...)
	}
}
