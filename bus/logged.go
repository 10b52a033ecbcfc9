package bus

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/guoh27/j1939/j1939"
)

// LogOption is a bitmask selecting which operations Logged reports.
type LogOption uint8

const (
	LogNone  LogOption = 0
	LogRead  LogOption = 1 << 0
	LogWrite LogOption = 1 << 1
	LogAll             = LogRead | LogWrite
)

// FrameFilter decides whether a frame is interesting enough to log.
type FrameFilter func(j1939.Frame) bool

// Logged decorates a Bus, logging Send/Receive operations through a
// logrus.Entry at the configured level.
type Logged struct {
	inner  Bus
	log    *logrus.Entry
	level  logrus.Level
	opts   LogOption
	filter FrameFilter
}

// NewLogged wraps inner, logging the operations selected by opts.
func NewLogged(inner Bus, log *logrus.Entry, level logrus.Level, opts LogOption) *Logged {
	return &Logged{inner: inner, log: log, level: level, opts: opts}
}

// NewLoggedWithFilter is like NewLogged but only logs frames for which
// filter returns true. A nil filter logs every frame, same as NewLogged.
func NewLoggedWithFilter(inner Bus, log *logrus.Entry, level logrus.Level, opts LogOption, filter FrameFilter) *Logged {
	return &Logged{inner: inner, log: log, level: level, opts: opts, filter: filter}
}

func (l *Logged) fields(f j1939.Frame) logrus.Fields {
	return logrus.Fields{
		"id":   f.Header.ID(),
		"pgn":  f.Header.PGN(),
		"sa":   f.Header.SourceAddress,
		"len":  f.Length,
		"data": f.Data[:f.Length],
	}
}

// Send logs the frame and the result when write logging is enabled.
func (l *Logged) Send(ctx context.Context, frame j1939.Frame) error {
	if l.opts&LogWrite != 0 && (l.filter == nil || l.filter(frame)) {
		l.log.WithFields(l.fields(frame)).Log(l.level, "bus send")
	}
	err := l.inner.Send(ctx, frame)
	if l.opts&LogWrite != 0 && err != nil {
		l.log.WithError(err).WithFields(l.fields(frame)).Error("bus send error")
	}
	return err
}

// Receive logs the received frame or error when read logging is enabled.
func (l *Logged) Receive(ctx context.Context) (j1939.Frame, error) {
	f, err := l.inner.Receive(ctx)
	if l.opts&LogRead != 0 {
		if err != nil {
			l.log.WithError(err).Error("bus receive error")
		} else if l.filter == nil || l.filter(f) {
			l.log.WithFields(l.fields(f)).Log(l.level, "bus receive")
		}
	}
	return f, err
}

// Close forwards to the inner Bus without logging.
func (l *Logged) Close() error {
	return l.inner.Close()
}
