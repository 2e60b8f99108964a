package eventloop

import (
	"log"

	"github.com/joeycumines/logiface"
)

// Logger returns the logger configured with WithLogger, which may be nil.
// Resources bound to the loop log through it.
func (l *Loop) Logger() *logiface.Logger[logiface.Event] {
	return l.logger
}

// logCritical reports a condition that terminates the loop. Without a
// configured logger it falls back to the standard library logger.
func (l *Loop) logCritical(msg string, err error) {
	if l.logger == nil {
		log.Printf("CRITICAL: eventloop: %s: %v", msg, err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("CRITICAL: eventloop: %s: %v (logger panicked: %v)", msg, err, r)
		}
	}()
	l.logger.Crit().
		Err(err).
		Uint64("loop", l.id).
		Log(msg)
}

// logPanic reports a recovered panic from a task or callback.
func (l *Loop) logPanic(kind string, r any) {
	if l.logger == nil {
		log.Printf("ERROR: eventloop: %s panicked: %v", kind, r)
		return
	}
	defer func() {
		if r2 := recover(); r2 != nil {
			log.Printf("ERROR: eventloop: %s panicked: %v (logger panicked: %v)", kind, r, r2)
		}
	}()
	l.logger.Err().
		Err(PanicError{Value: r}).
		Uint64("loop", l.id).
		Str("source", kind).
		Log("recovered panic")
}

func (l *Loop) logDebug(msg string) {
	l.logger.Debug().
		Uint64("loop", l.id).
		Log(msg)
}
