package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
)

type LogStatus int

const (
	VERBOSE LogStatus = iota
	DEBUG
	INFO
	SUCCESS
	NEW
	REMOVE
	STOP
	WARNING
	ERROR
	FATAL
)

func (e LogStatus) String() string {
	return []string{
		"V",
		"D",
		"I",
		"✓",
		"+",
		"-",
		"X",
		"!",
		"!!",
		"PANIC",
	}[e]
}

func (e LogStatus) Color() *color.Color {
	return []*color.Color{
		color.New(color.FgWhite, color.Italic),                //Verbose
		color.New(color.FgWhite, color.Italic),                //Debug
		color.New(color.FgWhite),                              //Info
		color.New(color.FgHiGreen),                            //Success
		color.New(color.FgGreen, color.Italic),                //New
		color.New(color.FgYellow, color.Italic),               //Remove
		color.New(color.FgHiYellow),                           //Stop
		color.New(color.FgYellow, color.Underline),            //Warning
		color.New(color.FgHiRed, color.Bold),                  //Error
		color.New(color.FgHiRed, color.Bold, color.Underline), //PANIC
	}[e]
}

// Level returns the numeric level of this status, suitable
// for use with SetMinLoggingLevel.
func (e LogStatus) Level() int { return int(e) }

// ParseLevel converts a level name (e.g. "debug", "WARNING") in to
// the matching status. Unknown names fall back to INFO.
func ParseLevel(name string) LogStatus {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "VERBOSE":
		return VERBOSE
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARNING
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

type Logger interface {
	Emit(LogStatus, string, ...interface{})
	Verbosef(string, ...interface{})
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})
	Printf(string, ...interface{})
	Fatalf(string, ...interface{})
}

type loggerImpl struct {
	name string
}

func (l *loggerImpl) Emit(status LogStatus, message string, interpolations ...interface{}) {
	Log.Emit(status, l.name, message, interpolations...)
}

func (l *loggerImpl) Verbosef(m string, a ...interface{}) { l.Emit(VERBOSE, m, a...) }
func (l *loggerImpl) Debugf(m string, a ...interface{})   { l.Emit(DEBUG, m, a...) }
func (l *loggerImpl) Infof(m string, a ...interface{})    { l.Emit(INFO, m, a...) }
func (l *loggerImpl) Warnf(m string, a ...interface{})    { l.Emit(WARNING, m, a...) }
func (l *loggerImpl) Errorf(m string, a ...interface{})   { l.Emit(ERROR, m, a...) }

// Printf and Fatalf allow a Logger to be handed to libraries
// which expect a printf style logger (e.g. goose).
func (l *loggerImpl) Printf(m string, a ...interface{}) { l.Emit(DEBUG, m, a...) }
func (l *loggerImpl) Fatalf(m string, a ...interface{}) { l.Emit(FATAL, m, a...) }

type LoggerManager interface {
	GetLogger(string) Logger
	Emit(LogStatus, string, string, ...interface{})
}

var Log LoggerManager = &loggerMgr{
	offset:   0,
	minLevel: INFO.Level(),
}

type loggerMgr struct {
	sync.Mutex
	offset   int
	minLevel int
}

func (l *loggerMgr) GetLogger(name string) Logger {
	return &loggerImpl{name: name}
}

func (l *loggerMgr) Emit(status LogStatus, name string, message string, interpolations ...interface{}) {
	l.Lock()
	defer l.Unlock()

	if status.Level() < l.minLevel {
		return
	}

	if len(name) > l.offset {
		l.offset = len(name)
	}

	padding := strings.Repeat(" ", l.offset-len(name))
	msg := fmt.Sprintf("[%s] %s(%s) %s", name, padding, status, fmt.Sprintf(message, interpolations...))
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}

	status.Color().Print(msg)
}

func Get(name string) Logger {
	return Log.GetLogger(name)
}

// SetMinLoggingLevel changes the minimum level a log line must have
// to be printed. Lines below this level are discarded.
func SetMinLoggingLevel(level int) {
	if mgr, ok := Log.(*loggerMgr); ok {
		mgr.Lock()
		mgr.minLevel = level
		mgr.Unlock()
	}
}

// SetOutput redirects every logger to the writer provided. Commands
// which write data to stdout use this to keep log lines out of it.
func SetOutput(w io.Writer) {
	if mgr, ok := Log.(*loggerMgr); ok {
		mgr.Lock()
		color.Output = w
		mgr.Unlock()
	}
}
