// Package log implements the daemon's logger.
//
// It follows the API shape of "github.com/google/glog", with a focus
// towards logging to stderr, which is what we want under systemd (or
// equivalent) process supervision. Every other internal package and the
// quinced daemon log exclusively through here, never through the
// standard library's "log" package directly.
package log

import (
	"flag"
	"fmt"
	"io"
	"log/syslog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Flags that control the default logging.
var (
	vLevel = flag.Int("v", 0, "Verbosity level (1 = debug)")

	logFile = flag.String("logfile", "",
		"file to log to (enables logtime)")

	logToSyslog = flag.String("logtosyslog", "",
		"log to syslog, with the given tag")

	logTime = flag.Bool("logtime", false,
		"include the time when writing the log to stderr")

	alsoLogToStderr = flag.Bool("alsologtostderr", false,
		"also log to stderr, in addition to the file")
)

// Level is a logging level.
type Level int

const (
	Fatal = Level(-2)
	Error = Level(-1)
	Info  = Level(0)
	Debug = Level(1)
)

var levelToLetter = map[Level]string{
	Fatal: "☠",
	Error: "E",
	Info:  "_",
	Debug: ".",
}

// A Logger writes logs to the given writer, at or below its Level.
type Logger struct {
	Level   Level
	LogTime bool

	// CallerSkip lets wrappers (like internal/trace) attribute log lines to
	// their own caller instead of themselves.
	CallerSkip int

	w    io.WriteCloser
	path string // non-empty only for a file-backed Logger; enables Reopen
	sync.Mutex
}

func New(w io.WriteCloser) *Logger {
	return &Logger{
		w:          w,
		CallerSkip: 0,
		Level:      Info,
		LogTime:    true,
	}
}

func NewFile(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	l := New(f)
	l.LogTime = true
	l.path = path
	return l, nil
}

// Reopen closes and reopens a file-backed Logger's output, for log
// rotation on SIGHUP. It is a no-op for loggers not backed by a path (the
// default stderr logger, or one backed by syslog).
func (l *Logger) Reopen() error {
	if l.path == "" {
		return nil
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	l.Lock()
	old := l.w
	l.w = f
	l.Unlock()

	return old.Close()
}

func NewSyslog(priority syslog.Priority, tag string) (*Logger, error) {
	w, err := syslog.New(priority, tag)
	if err != nil {
		return nil, err
	}

	l := New(w)
	l.LogTime = false
	return l, nil
}

func (l *Logger) Close() {
	l.w.Close()
}

func (l *Logger) V(level Level) bool {
	return level <= l.Level
}

func (l *Logger) Log(level Level, skip int, format string, a ...interface{}) {
	if !l.V(level) {
		return
	}

	msg := fmt.Sprintf(format, a...)

	_, file, line, ok := runtime.Caller(1 + l.CallerSkip + skip)
	if !ok {
		file = "unknown"
	}
	fl := fmt.Sprintf("%s:%-4d", filepath.Base(file), line)
	if len(fl) > 18 {
		fl = fl[len(fl)-18:]
	}
	msg = fmt.Sprintf("%-18s", fl) + " " + msg

	letter, ok := levelToLetter[level]
	if !ok {
		letter = strconv.Itoa(int(level))
	}
	msg = letter + " " + msg

	if l.LogTime {
		msg = time.Now().Format("20060102 15:04:05.000000 ") + msg
	}

	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}

	l.Lock()
	l.w.Write([]byte(msg))
	l.Unlock()
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	l.Log(Debug, 1, format, a...)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	l.Log(Info, 1, format, a...)
}

func (l *Logger) Errorf(format string, a ...interface{}) error {
	l.Log(Error, 1, format, a...)
	return fmt.Errorf(format, a...)
}

func (l *Logger) Fatalf(format string, a ...interface{}) {
	l.Log(Fatal, 1, format, a...)
	os.Exit(1)
}

// Default is the logger used by the top-level functions below.
var Default = &Logger{
	w:          os.Stderr,
	CallerSkip: 1,
	Level:      Info,
	LogTime:    false,
}

// Init the default logger, based on the command-line flags. Must be called
// after flag.Parse().
func Init() {
	var err error

	if *logToSyslog != "" {
		Default, err = NewSyslog(syslog.LOG_DAEMON|syslog.LOG_INFO, *logToSyslog)
		if err != nil {
			panic(err)
		}
	} else if *logFile != "" {
		Default, err = NewFile(*logFile)
		if err != nil {
			panic(err)
		}
		*logTime = true
	}

	if *alsoLogToStderr && Default.w != os.Stderr {
		Default.w = multiWriteCloser(Default.w, os.Stderr)
	}

	Default.CallerSkip = 1
	Default.Level = Level(*vLevel)
	Default.LogTime = *logTime
}

func V(level Level) bool {
	return Default.V(level)
}

func Log(level Level, skip int, format string, a ...interface{}) {
	Default.Log(level, skip, format, a...)
}

func Debugf(format string, a ...interface{}) {
	Default.Debugf(format, a...)
}

func Infof(format string, a ...interface{}) {
	Default.Infof(format, a...)
}

func Errorf(format string, a ...interface{}) error {
	return Default.Errorf(format, a...)
}

func Fatalf(format string, a ...interface{}) {
	Default.Fatalf(format, a...)
}

// multiWriteCloser creates a WriteCloser that duplicates its writes and
// closes to all the provided writers.
func multiWriteCloser(wc ...io.WriteCloser) io.WriteCloser {
	return mwc(wc)
}

type mwc []io.WriteCloser

func (m mwc) Write(p []byte) (n int, err error) {
	for _, w := range m {
		if n, err = w.Write(p); err != nil {
			return
		}
	}
	return
}

func (m mwc) Close() error {
	for _, w := range m {
		if err := w.Close(); err != nil {
			return err
		}
	}
	return nil
}
