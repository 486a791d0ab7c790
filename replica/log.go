package replica

import (
	"fmt"
	"log"
	"os"
)

// Logging convention in the `replica` package:
// Info:
//     essential events for abnormal behavior. This level should be silent
//     on normal operation.
//     this includes:
//     - encode overage warnings
//     - rejected updates and transport failures
// Error:
//     internal consistency errors
//     this includes:
//     - storage size changing during lifecycle hook invocation
// Debug (glog.V(2) / LogLevelDebug):
//     key events for trace debugging
//     this includes:
//     - per update classification (new/changed/deleted, keys)
//     - item index rebuilds and resolution sweeps

const LogLevelUrgent = 0
const LogLevelInfo = 50
const LogLevelDebug = 100

var GlobalLogLevel = LogLevelUrgent

var logger = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

func Logger() *log.Logger {
	return logger
}

type LogFunction func(string, ...any)

func LogFn(level int, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			Logger().Printf("%s: %s\n", tag, m)
		}
	}
}

func SubLogFn(level int, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			log("%s: %s", tag, m)
		}
	}
}

var itemLog = LogFn(LogLevelDebug, "item")
var diffLog = LogFn(LogLevelDebug, "diff")
var sweepLog = LogFn(LogLevelDebug, "sweep")
