package connect

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `connect` package:
// Info:
//     abnormal connection events. Silent on normal operation.
//     this includes:
//     - connection failures, with the task that failed
//     - graceful server-initiated closes
// Warning/Error:
//     dispatch problems. Only the offending message is dropped.
//     this includes:
//     - unknown target ref or opcode (Error)
//     - unknown object or mod type (Warning)
//     - malformed or duplicate make (Error)
//     - panics recovered at the dispatch boundary (Warning, with stack)
// V(1):
//     session lifecycle (connect, enter context, reservation)
// V(2):
//     every message sent and received

// Trace levels of the browser client, kept so server-originated severities map onto glog.
type Severity int

const (
	SeverityFatal   Severity = 1
	SeverityError   Severity = 2
	SeverityWarning Severity = 3
	SeverityDebug   Severity = 4
	SeverityVerbose Severity = 5
)

type LogFunction func(string, ...any)

// LogFn returns a logger that prefixes every line with `tag` at the given severity.
func LogFn(severity Severity, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		switch severity {
		case SeverityFatal, SeverityError:
			glog.ErrorDepth(1, fmt.Sprintf("%s: %s", tag, m))
		case SeverityWarning:
			glog.WarningDepth(1, fmt.Sprintf("%s: %s", tag, m))
		case SeverityDebug:
			if glog.V(1) {
				glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
			}
		default:
			if glog.V(2) {
				glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
			}
		}
	}
}
