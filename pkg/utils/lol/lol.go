// Package lol (log of levels) is a small leveled logging library with colored
// level tags, lazy evaluation variants and runtime-adjustable log level. The
// log package re-exports its printers under one-letter names.
package lol

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/fatih/color"
	"go.uber.org/atomic"
)

const (
	Off int32 = iota
	Fatal
	Error
	Warn
	Info
	Debug
	Trace
)

var LevelNames = []string{"off", "fatal", "error", "warn", "info", "debug", "trace"}

var level = atomic.NewInt32(Info)

// SetLogLevel changes the runtime log level by name. Unknown names leave the
// level unchanged.
func SetLogLevel(name string) {
	level.Store(GetLogLevel(name))
}

// GetLogLevel returns the numeric level for a level name, defaulting to Info.
func GetLogLevel(name string) (l int32) {
	l = Info
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range LevelNames {
		if n == name {
			l = int32(i)
		}
	}
	return
}

// CurrentLevel returns the active log level.
func CurrentLevel() int32 { return level.Load() }

var labels = map[int32]func(a ...any) string{
	Fatal: color.New(color.FgRed, color.Bold).SprintFunc(),
	Error: color.New(color.FgRed).SprintFunc(),
	Warn:  color.New(color.FgYellow).SprintFunc(),
	Info:  color.New(color.FgGreen).SprintFunc(),
	Debug: color.New(color.FgBlue).SprintFunc(),
	Trace: color.New(color.FgMagenta).SprintFunc(),
}

var tags = map[int32]string{
	Fatal: "FTL",
	Error: "ERR",
	Warn:  "WRN",
	Info:  "INF",
	Debug: "DBG",
	Trace: "TRC",
}

// Printer emits log lines at one level. All output goes to stderr so stdout
// stays clean for the env/help CLI verbs.
type Printer struct {
	level int32
}

// New returns a printer bound to a level.
func New(l int32) *Printer { return &Printer{level: l} }

func (p *Printer) enabled() bool { return level.Load() >= p.level }

func (p *Printer) emit(calldepth int, msg string) {
	_, file, line, _ := runtime.Caller(calldepth)
	if i := strings.LastIndex(file, "/"); i >= 0 {
		if j := strings.LastIndex(file[:i], "/"); j >= 0 {
			file = file[j+1:]
		}
	}
	fmt.Fprintf(
		os.Stderr, "%s %s %s %s:%d\n",
		time.Now().Format("2006-01-02 15:04:05.000"),
		labels[p.level](tags[p.level]),
		strings.TrimSuffix(msg, "\n"),
		file, line,
	)
	if p.level == Fatal {
		os.Exit(1)
	}
}

// F prints a formatted message.
func (p *Printer) F(format string, a ...any) {
	if !p.enabled() {
		return
	}
	p.emit(2, fmt.Sprintf(format, a...))
}

// Ln prints the arguments separated by spaces.
func (p *Printer) Ln(a ...any) {
	if !p.enabled() {
		return
	}
	p.emit(2, fmt.Sprintln(a...))
}

// C prints the result of fn, which is only evaluated when the level is
// enabled; used for messages that are expensive to build.
func (p *Printer) C(fn func() string) {
	if !p.enabled() {
		return
	}
	p.emit(2, fn())
}

// Chk logs err and reports whether it was non-nil.
func (p *Printer) Chk(err error) bool {
	if err == nil {
		return false
	}
	if p.enabled() {
		p.emit(3, err.Error())
	}
	return true
}
