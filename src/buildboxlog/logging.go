// Package buildboxlog wires up the process-wide logging backend. It is a
// trimmed adaptation of thought-machine/please's src/cli/logging.go: the
// same gopkg.in/op/go-logging.v1 setup and formatter, minus the interactive
// console redraw machinery please needs for its live build output (this
// tool has no interactive display to protect log lines from).
package buildboxlog

import (
	"fmt"
	"os"
	"path/filepath"

	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("buildboxlog")

// Verbosity is the flag type for --log-level / --verbose; it is just a
// logging.Level in disguise so flag structs don't need to import the
// logging package directly.
type Verbosity int

// Recognised verbosity levels, increasing from the default.
const (
	Critical Verbosity = Verbosity(logging.CRITICAL)
	Error    Verbosity = Verbosity(logging.ERROR)
	Warning  Verbosity = Verbosity(logging.WARNING)
	Notice   Verbosity = Verbosity(logging.NOTICE)
	Info     Verbosity = Verbosity(logging.INFO)
	Debug    Verbosity = Verbosity(logging.DEBUG)
)

// UnmarshalFlag implements the go-flags Unmarshaler interface, accepting
// a go-logging level name such as "debug"; numeric values are rejected.
func (v *Verbosity) UnmarshalFlag(in string) error {
	lvl, err := logging.LogLevel(in)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", in, err)
	}
	*v = Verbosity(lvl)
	return nil
}

var (
	logLevel     = logging.WARNING
	fileLogLevel = logging.WARNING
	fileBackend  logging.Backend
)

// InitLogging initialises the stderr logging backend at the given
// verbosity. It's expected to be called once, early in main, before any
// other package logs anything.
func InitLogging(verbosity Verbosity) {
	logLevel = logging.Level(verbosity)
	setBackend(logging.NewLogBackend(os.Stderr, "", 0))
}

// InitFileLogging additionally tees logging to logFile at logFileLevel,
// creating the file (and its parent directory) if necessary. The stderr
// backend from InitLogging keeps running at its own level.
func InitFileLogging(logFile string, logFileLevel Verbosity) error {
	fileLogLevel = logging.Level(logFileLevel)
	if dir := filepath.Dir(logFile); dir != "." {
		if err := os.MkdirAll(dir, 0775); err != nil {
			return fmt.Errorf("creating log file directory: %w", err)
		}
	}
	file, err := os.Create(logFile)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	fileBackend = logging.NewBackendFormatter(logging.NewLogBackend(file, "", 0), formatter(false))
	setBackend(logging.NewLogBackend(os.Stderr, "", 0))
	return nil
}

func formatter(coloured bool) logging.Formatter {
	formatStr := "%{time:15:04:05.000} %{level:7s}: %{message}"
	if coloured {
		formatStr = "%{color}" + formatStr + "%{color:reset}"
	}
	return logging.MustStringFormatter(formatStr)
}

func setBackend(stderrBackend logging.Backend) {
	stderr := logging.AddModuleLevel(logging.NewBackendFormatter(stderrBackend, formatter(stdErrIsATerminal())))
	stderr.SetLevel(logLevel, "")
	if fileBackend == nil {
		logging.SetBackend(stderr)
		return
	}
	file := logging.AddModuleLevel(fileBackend)
	file.SetLevel(fileLogLevel, "")
	logging.SetBackend(stderr, file)
}

func stdErrIsATerminal() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
