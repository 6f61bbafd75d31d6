// Package meshcore wires together the session manager, mesh router, Nostr
// relay pool, transport multiplexer and message manager into the single
// Core boundary a host application embeds (spec.md §6).
package meshcore

import (
	"io"
	"log"
	"os"
)

const (
	LogLevelSilent = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// Logger is the logging seam Core and the meshcored daemon log through
// instead of calling the log package directly, following the teacher's
// device.Logger (device/logger.go). The other packages do not log.
type Logger interface {
	Debug(v ...interface{})
	Debugf(f string, v ...interface{})
	Info(v ...interface{})
	Infof(f string, v ...interface{})
	Error(v ...interface{})
	Errorf(f string, v ...interface{})
}

type basicLogger struct {
	debug *log.Logger
	info  *log.Logger
	err   *log.Logger
}

// NewLogger builds a Logger writing to stdout, gated at level.
func NewLogger(level int, prefix string) Logger {
	out := os.Stdout

	errW, infoW, debugW := func() (io.Writer, io.Writer, io.Writer) {
		switch {
		case level >= LogLevelDebug:
			return out, out, out
		case level >= LogLevelInfo:
			return out, out, io.Discard
		case level >= LogLevelError:
			return out, io.Discard, io.Discard
		default:
			return io.Discard, io.Discard, io.Discard
		}
	}()

	return &basicLogger{
		debug: log.New(debugW, "DEBUG: "+prefix, log.Ldate|log.Ltime),
		info:  log.New(infoW, "INFO: "+prefix, log.Ldate|log.Ltime),
		err:   log.New(errW, "ERROR: "+prefix, log.Ldate|log.Ltime),
	}
}

func (l *basicLogger) Debug(v ...interface{})            { l.debug.Println(v...) }
func (l *basicLogger) Debugf(f string, v ...interface{}) { l.debug.Printf(f, v...) }
func (l *basicLogger) Info(v ...interface{})             { l.info.Println(v...) }
func (l *basicLogger) Infof(f string, v ...interface{})  { l.info.Printf(f, v...) }
func (l *basicLogger) Error(v ...interface{})            { l.err.Println(v...) }
func (l *basicLogger) Errorf(f string, v ...interface{}) { l.err.Printf(f, v...) }
